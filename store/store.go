package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("store: not found")

// Login types. Exactly one credential kind is populated per type; the
// CRUD layer nulls the other fields whenever login_type changes.
const (
	LoginPassword = "password"
	LoginSession  = "session"
)

// Check-in statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Account is one configured gateway account. Credential fields hold
// vault ciphertext blobs, never plaintext.
type Account struct {
	ID                int64
	Name              string
	BaseURL           string
	LoginType         string
	Username          string
	PasswordEncrypted string
	SessionToken      string
	CachedToken       string
	NewAPIUser        string
	Enabled           bool
	Quota             *float64
	UsedQuota         *float64
	QuotaUnit         float64 // 0 = not set
	BalanceUpdatedAt  string
	LastCheckinAt     string
	LastCheckinResult string
	LastErrorMessage  string
	LastErrorAt       string
	CreatedAt         string
	UpdatedAt         string
}

// CheckinLog is one append-only check-in record.
type CheckinLog struct {
	ID          int64
	AccountID   int64
	AccountName string
	Status      string
	Message     string
	QuotaBefore string
	QuotaAfter  string
	CreatedAt   string
}

// Store wraps the SQLite handle.
type Store struct {
	db *sql.DB
}

// New wraps an opened database. Call Init once at startup.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for callers that need raw queries.
func (s *Store) DB() *sql.DB { return s.db }

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	base_url TEXT NOT NULL,
	login_type TEXT NOT NULL DEFAULT 'password',
	username TEXT,
	password_encrypted TEXT,
	session_token TEXT,
	enabled INTEGER NOT NULL DEFAULT 1,
	last_checkin_at TEXT,
	last_checkin_result TEXT,
	created_at TEXT NOT NULL DEFAULT (datetime('now','localtime')),
	updated_at TEXT NOT NULL DEFAULT (datetime('now','localtime'))
);

CREATE TABLE IF NOT EXISTS checkin_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id INTEGER NOT NULL,
	status TEXT NOT NULL,
	message TEXT,
	quota_before TEXT,
	quota_after TEXT,
	created_at TEXT NOT NULL DEFAULT (datetime('now','localtime')),
	FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at TEXT NOT NULL DEFAULT (datetime('now','localtime'))
);
`

// migrations are additive column adds kept for databases created by
// earlier versions. Applied only when the column is absent.
var migrations = []struct{ col, ddl string }{
	{"quota", `ALTER TABLE accounts ADD COLUMN quota REAL`},
	{"used_quota", `ALTER TABLE accounts ADD COLUMN used_quota REAL`},
	{"balance_updated_at", `ALTER TABLE accounts ADD COLUMN balance_updated_at TEXT`},
	{"cached_token", `ALTER TABLE accounts ADD COLUMN cached_token TEXT`},
	{"last_error_message", `ALTER TABLE accounts ADD COLUMN last_error_message TEXT`},
	{"last_error_at", `ALTER TABLE accounts ADD COLUMN last_error_at TEXT`},
	{"new_api_user", `ALTER TABLE accounts ADD COLUMN new_api_user TEXT`},
	{"quota_unit", `ALTER TABLE accounts ADD COLUMN quota_unit REAL`},
}

// Init applies the schema, runs column migrations, and seeds default
// settings.
func (s *Store) Init() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("store: schema: %w", err)
	}

	existing := map[string]bool{}
	rows, err := s.db.Query(`PRAGMA table_info(accounts)`)
	if err != nil {
		return fmt.Errorf("store: table_info: %w", err)
	}
	for rows.Next() {
		var cid int
		var name, typ string
		var notnull, pk int
		var dflt any
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dflt, &pk); err != nil {
			rows.Close()
			return fmt.Errorf("store: scan table_info: %w", err)
		}
		existing[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("store: table_info rows: %w", err)
	}

	for _, m := range migrations {
		if existing[m.col] {
			continue
		}
		if _, err := s.db.Exec(m.ddl); err != nil {
			return fmt.Errorf("store: migrate %s: %w", m.col, err)
		}
	}

	return s.seedSettings()
}

const accountCols = `id, name, base_url, login_type,
	COALESCE(username,''), COALESCE(password_encrypted,''), COALESCE(session_token,''),
	COALESCE(cached_token,''), COALESCE(new_api_user,''), enabled,
	quota, used_quota, COALESCE(quota_unit, 0),
	COALESCE(balance_updated_at,''), COALESCE(last_checkin_at,''), COALESCE(last_checkin_result,''),
	COALESCE(last_error_message,''), COALESCE(last_error_at,''), created_at, updated_at`

func scanAccount(row interface{ Scan(...any) error }) (*Account, error) {
	var a Account
	var enabled int
	err := row.Scan(&a.ID, &a.Name, &a.BaseURL, &a.LoginType,
		&a.Username, &a.PasswordEncrypted, &a.SessionToken,
		&a.CachedToken, &a.NewAPIUser, &enabled,
		&a.Quota, &a.UsedQuota, &a.QuotaUnit,
		&a.BalanceUpdatedAt, &a.LastCheckinAt, &a.LastCheckinResult,
		&a.LastErrorMessage, &a.LastErrorAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Enabled = enabled == 1
	return &a, nil
}

// Account returns one account by id.
func (s *Store) Account(ctx context.Context, id int64) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: account %d: %w", id, err)
	}
	return a, nil
}

// EnabledAccounts returns all enabled accounts in id order.
func (s *Store) EnabledAccounts(ctx context.Context) ([]*Account, error) {
	return s.queryAccounts(ctx, `SELECT `+accountCols+` FROM accounts WHERE enabled = 1 ORDER BY id`)
}

// EnabledAccountsByIDs returns the enabled subset of the given ids,
// preserving id order.
func (s *Store) EnabledAccountsByIDs(ctx context.Context, ids []int64) ([]*Account, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimRight(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return s.queryAccounts(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE id IN (`+placeholders+`) AND enabled = 1 ORDER BY id`,
		args...)
}

func (s *Store) queryAccounts(ctx context.Context, query string, args ...any) ([]*Account, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: accounts: %w", err)
	}
	defer rows.Close()

	var out []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan account: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: accounts rows: %w", err)
	}
	return out, nil
}

// SaveCachedToken stores a token extracted from a browser login for
// future direct API use.
func (s *Store) SaveCachedToken(ctx context.Context, accountID int64, token string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET cached_token = ?, updated_at = datetime('now','localtime') WHERE id = ?`,
		token, accountID)
	if err != nil {
		return fmt.Errorf("store: save cached token: %w", err)
	}
	return nil
}

// UpdateQuota records a fresh balance snapshot on the account.
func (s *Store) UpdateQuota(ctx context.Context, accountID int64, quota, usedQuota *float64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET quota = ?, used_quota = ?,
			balance_updated_at = datetime('now','localtime'),
			updated_at = datetime('now','localtime')
		 WHERE id = ?`,
		quota, usedQuota, accountID)
	if err != nil {
		return fmt.Errorf("store: update quota: %w", err)
	}
	return nil
}

// UpdateQuotaUnit persists an auto-detected scaling unit so future
// normalization skips inference.
func (s *Store) UpdateQuotaUnit(ctx context.Context, accountID int64, unit float64) error {
	if unit <= 0 {
		return fmt.Errorf("store: quota unit must be positive, got %v", unit)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET quota_unit = ?, updated_at = datetime('now','localtime') WHERE id = ?`,
		unit, accountID)
	if err != nil {
		return fmt.Errorf("store: update quota unit: %w", err)
	}
	return nil
}

// AppendLog writes one check-in log row and rolls the account's
// last-result fields: error fields are cleared on success and populated
// on failure. The message is capped by the caller.
func (s *Store) AppendLog(ctx context.Context, accountID int64, status, message, quotaBefore, quotaAfter string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: append log: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO checkin_logs (account_id, status, message, quota_before, quota_after)
		 VALUES (?, ?, ?, NULLIF(?, ''), NULLIF(?, ''))`,
		accountID, status, message, quotaBefore, quotaAfter)
	if err != nil {
		return fmt.Errorf("store: insert log: %w", err)
	}

	if status == StatusFailed {
		_, err = tx.ExecContext(ctx,
			`UPDATE accounts SET last_checkin_at = datetime('now','localtime'),
				last_checkin_result = ?, last_error_message = ?,
				last_error_at = datetime('now','localtime'),
				updated_at = datetime('now','localtime')
			 WHERE id = ?`,
			status, message, accountID)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE accounts SET last_checkin_at = datetime('now','localtime'),
				last_checkin_result = ?, last_error_message = NULL, last_error_at = NULL,
				updated_at = datetime('now','localtime')
			 WHERE id = ?`,
			status, accountID)
	}
	if err != nil {
		return fmt.Errorf("store: roll account result: %w", err)
	}

	return tx.Commit()
}

// LogFilter narrows Logs queries. Zero values mean "no filter".
type LogFilter struct {
	AccountID int64
	Status    string
	Limit     int
	Offset    int
}

// Logs returns check-in log rows, newest first, with the account name
// joined in.
func (s *Store) Logs(ctx context.Context, f LogFilter) ([]*CheckinLog, int, error) {
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	where := ` WHERE 1=1`
	var args []any
	if f.AccountID > 0 {
		where += ` AND l.account_id = ?`
		args = append(args, f.AccountID)
	}
	if f.Status != "" {
		where += ` AND l.status = ?`
		args = append(args, f.Status)
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM checkin_logs l`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("store: count logs: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT l.id, l.account_id, a.name, l.status,
			COALESCE(l.message,''), COALESCE(l.quota_before,''), COALESCE(l.quota_after,''), l.created_at
		 FROM checkin_logs l JOIN accounts a ON l.account_id = a.id`+where+
			` ORDER BY l.created_at DESC, l.id DESC LIMIT ? OFFSET ?`,
		append(args, f.Limit, f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("store: logs: %w", err)
	}
	defer rows.Close()

	var out []*CheckinLog
	for rows.Next() {
		var l CheckinLog
		if err := rows.Scan(&l.ID, &l.AccountID, &l.AccountName, &l.Status,
			&l.Message, &l.QuotaBefore, &l.QuotaAfter, &l.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("store: scan log: %w", err)
		}
		out = append(out, &l)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("store: logs rows: %w", err)
	}
	return out, total, nil
}

// TodayStatus summarises today's latest outcome per account.
type TodayStatus struct {
	Total   int `json:"total"`
	Enabled int `json:"enabled"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
	Pending int `json:"pending"`
}

// StatusSummary computes today's check-in summary across all accounts.
func (s *Store) StatusSummary(ctx context.Context) (*TodayStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.enabled,
			(SELECT l.status FROM checkin_logs l
			 WHERE l.account_id = a.id AND date(l.created_at) = date('now','localtime')
			 ORDER BY l.created_at DESC, l.id DESC LIMIT 1)
		FROM accounts a`)
	if err != nil {
		return nil, fmt.Errorf("store: status summary: %w", err)
	}
	defer rows.Close()

	var sum TodayStatus
	for rows.Next() {
		var enabled int
		var status sql.NullString
		if err := rows.Scan(&enabled, &status); err != nil {
			return nil, fmt.Errorf("store: scan status: %w", err)
		}
		sum.Total++
		if enabled == 1 {
			sum.Enabled++
		}
		switch status.String {
		case StatusSuccess:
			sum.Success++
		case StatusFailed:
			sum.Failed++
		default:
			sum.Pending++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: status rows: %w", err)
	}
	return &sum, nil
}
