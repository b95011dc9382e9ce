package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/robfig/cron/v3"
)

// Setting keys.
const (
	KeyAutoCheckinEnabled    = "auto_checkin_enabled"
	KeyAutoCheckinCron       = "auto_checkin_cron"
	KeyMaxRetries            = "max_retries"
	KeyRetryDelayMinutes     = "retry_delay_minutes"
	KeyRandomDelayMaxSeconds = "random_delay_max_seconds"
	KeyBrowserHeadless       = "browser_headless"
	KeyBrowserTimeoutSeconds = "browser_timeout_seconds"
	KeyCheckinPath           = "checkin_path"
	KeyEncryptKey            = "encrypt_key"
	KeyEncryptSalt           = "encrypt_salt"
)

// DefaultCheckinPath is the built-in check-in endpoint. The
// orchestrator only auto-rewrites checkin_path while it still equals
// this default.
const DefaultCheckinPath = "/api/user/self/checkin"

// defaultSettings are seeded once; existing values are never
// overwritten.
var defaultSettings = map[string]string{
	KeyAutoCheckinEnabled:    "0",
	KeyAutoCheckinCron:       "0 8 * * *",
	KeyMaxRetries:            "3",
	KeyRetryDelayMinutes:     "5",
	KeyRandomDelayMaxSeconds: "300",
	KeyBrowserHeadless:       "1",
	KeyBrowserTimeoutSeconds: "60",
	KeyCheckinPath:           DefaultCheckinPath,
}

func (s *Store) seedSettings() error {
	for key, value := range defaultSettings {
		if _, err := s.db.Exec(
			`INSERT OR IGNORE INTO settings (key, value) VALUES (?, ?)`, key, value); err != nil {
			return fmt.Errorf("store: seed %s: %w", key, err)
		}
	}
	return nil
}

// Setting returns the value for key, or fallback when absent.
func (s *Store) Setting(ctx context.Context, key, fallback string) string {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) || err != nil {
		return fallback
	}
	return value
}

// IntSetting returns the integer value for key, or fallback when absent
// or unparsable.
func (s *Store) IntSetting(ctx context.Context, key string, fallback int) int {
	v, err := strconv.Atoi(strings.TrimSpace(s.Setting(ctx, key, "")))
	if err != nil {
		return fallback
	}
	return v
}

// BoolSetting interprets "1" as true, anything else as false, with
// fallback when the key is absent.
func (s *Store) BoolSetting(ctx context.Context, key string, fallback bool) bool {
	v := s.Setting(ctx, key, "")
	if v == "" {
		return fallback
	}
	return v == "1"
}

// SetSetting upserts one key.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO settings (key, value, updated_at)
		 VALUES (?, ?, datetime('now','localtime'))`, key, value)
	if err != nil {
		return fmt.Errorf("store: set %s: %w", key, err)
	}
	return nil
}

// AllSettings returns the whole settings table as a map. The encryption
// key and salt are excluded — they never leave the process.
func (s *Store) AllSettings(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("store: settings: %w", err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("store: scan setting: %w", err)
		}
		if k == KeyEncryptKey || k == KeyEncryptSalt {
			continue
		}
		out[k] = v
	}
	return out, rows.Err()
}

var hexKeyRe = regexp.MustCompile(`^[a-fA-F0-9]{64}$`)

// ValidateSetting checks one key/value pair against the same rules the
// original settings surface enforced. Unknown keys are rejected.
func ValidateSetting(key, value string) error {
	intIn := func(min, max int) error {
		v, err := strconv.Atoi(value)
		if err != nil || v < min || v > max {
			return fmt.Errorf("store: %s must be an integer in [%d, %d]", key, min, max)
		}
		return nil
	}

	switch key {
	case KeyAutoCheckinEnabled, KeyBrowserHeadless:
		if value != "0" && value != "1" {
			return fmt.Errorf("store: %s must be 0 or 1", key)
		}
	case KeyAutoCheckinCron:
		if _, err := cron.ParseStandard(value); err != nil {
			return fmt.Errorf("store: invalid cron expression %q: %w", value, err)
		}
	case KeyMaxRetries:
		return intIn(1, 10)
	case KeyRetryDelayMinutes:
		return intIn(1, 120)
	case KeyRandomDelayMaxSeconds:
		return intIn(0, 3600)
	case KeyBrowserTimeoutSeconds:
		return intIn(10, 300)
	case KeyCheckinPath:
		v := strings.TrimSpace(value)
		if !strings.HasPrefix(v, "/") && !strings.HasPrefix(v, "http://") && !strings.HasPrefix(v, "https://") {
			return fmt.Errorf("store: %s must start with / or be an absolute URL", key)
		}
	case KeyEncryptKey:
		if !hexKeyRe.MatchString(value) {
			return fmt.Errorf("store: %s must be 64 hex characters", key)
		}
	default:
		return fmt.Errorf("store: unsupported setting key %q", key)
	}
	return nil
}
