// Package worker orchestrates one account's check-in, connection test,
// and balance refresh across the two execution strategies.
//
// The direct HTTP path is always preferred. The browser path is a
// fallback with strict entry rules: a Cloudflare-challenged direct
// attempt falls back for every account, a plain rejection falls back
// only for session accounts (a password account's cached token produced
// a meaningful answer, so the rejection stands), and an account whose
// every candidate path 404s fails outright rather than burning a
// browser launch on a deployment that has no check-in endpoint.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hazyhaar/checkin/apiclient"
	"github.com/hazyhaar/checkin/browser"
	"github.com/hazyhaar/checkin/quota"
	"github.com/hazyhaar/checkin/store"
	"github.com/hazyhaar/checkin/vault"
)

// fallbackPaths are tried after the configured path, in order. Kept in
// sync with store.DefaultCheckinPath.
var fallbackPaths = []string{store.DefaultCheckinPath, "/api/user/checkin"}

const maxMessageLen = 300

// Ledger is the slice of the store the worker writes through.
type Ledger interface {
	SaveCachedToken(ctx context.Context, accountID int64, token string) error
	UpdateQuota(ctx context.Context, accountID int64, quota, usedQuota *float64) error
	UpdateQuotaUnit(ctx context.Context, accountID int64, unit float64) error
	AppendLog(ctx context.Context, accountID int64, status, message, quotaBefore, quotaAfter string) error
	SetSetting(ctx context.Context, key, value string) error
}

// DirectAPI is the direct HTTP strategy, satisfied by *apiclient.Client.
type DirectAPI interface {
	FetchUserInfo(ctx context.Context, origin, token string, extra map[string]string) (*apiclient.UserInfo, error)
	Checkin(ctx context.Context, origin, token, path string, extra map[string]string) *apiclient.CheckinOutcome
	TestConnection(ctx context.Context, origin, token string, extra map[string]string) *apiclient.TestResult
}

// BrowserRunner is the scripted-browser strategy, satisfied by
// *browser.Session.
type BrowserRunner interface {
	Test(ctx context.Context, creds *browser.Credentials, checkinPaths []string) (*browser.Result, string, error)
	Checkin(ctx context.Context, creds *browser.Credentials, paths []string) (*browser.Result, string, string, error)
	Balance(ctx context.Context, creds *browser.Credentials) (*apiclient.UserInfo, error)
}

// RunConfig carries the per-invocation settings snapshot. Callers read
// it from the settings store once per batch so a mid-batch settings
// edit cannot produce a mixed run.
type RunConfig struct {
	// CheckinPath is the configured candidate path. Default:
	// store.DefaultCheckinPath.
	CheckinPath string
}

func (c *RunConfig) defaults() {
	if strings.TrimSpace(c.CheckinPath) == "" {
		c.CheckinPath = store.DefaultCheckinPath
	}
}

// Outcome is the result of one account's check-in run.
type Outcome struct {
	AccountID   int64
	AccountName string
	Success     bool
	Message     string
	UsedBrowser bool
	QuotaBefore string
	QuotaAfter  string
}

// Worker runs per-account operations. Safe for concurrent use.
type Worker struct {
	ledger  Ledger
	direct  DirectAPI
	browser BrowserRunner
	vault   *vault.Vault
	quota   *quota.Normalizer
	logger  *slog.Logger
}

// New creates a Worker.
func New(ledger Ledger, direct DirectAPI, runner BrowserRunner, v *vault.Vault, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		ledger:  ledger,
		direct:  direct,
		browser: runner,
		vault:   v,
		quota:   quota.New(quota.Heuristic{}),
		logger:  logger,
	}
}

// NormalizeBaseURL strips common console suffixes and trailing slashes
// so stored URLs always point at the API origin. Users paste dashboard
// URLs like https://host/console or https://host/panel#/login.
func NormalizeBaseURL(raw string) string {
	u := strings.TrimSpace(raw)
	if i := strings.IndexAny(u, "#"); i >= 0 {
		u = u[:i]
	}
	u = strings.TrimRight(u, "/")
	for _, suffix := range []string{"/console", "/panel", "/dashboard", "/login"} {
		if strings.HasSuffix(u, suffix) {
			u = strings.TrimSuffix(u, suffix)
			u = strings.TrimRight(u, "/")
		}
	}
	return u
}

// candidatePaths builds the ordered, deduplicated path list: configured
// first, then the built-in fallbacks. An absolute configured URL pins
// the run to that single endpoint.
func candidatePaths(configured string) []string {
	configured = strings.TrimSpace(configured)
	if configured == "" {
		configured = store.DefaultCheckinPath
	}
	if strings.HasPrefix(configured, "http://") || strings.HasPrefix(configured, "https://") {
		return []string{configured}
	}
	out := []string{configured}
	seen := map[string]bool{configured: true}
	for _, p := range fallbackPaths {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// capMessage trims and caps by rune count — gateway messages are often
// CJK and a byte cut would split a character.
func capMessage(msg string) string {
	msg = strings.TrimSpace(msg)
	runes := []rune(msg)
	if len(runes) > maxMessageLen {
		return string(runes[:maxMessageLen])
	}
	return msg
}

// directToken resolves the bearer token available without a browser:
// the decrypted session token for session accounts, the cached token
// for password accounts. "" means the browser is the only way in.
func (w *Worker) directToken(acct *store.Account) (string, error) {
	if acct.LoginType == store.LoginSession {
		if acct.SessionToken == "" {
			return "", fmt.Errorf("worker: account %d has no session token", acct.ID)
		}
		raw, err := w.vault.Decrypt(acct.SessionToken)
		if err != nil {
			return "", fmt.Errorf("worker: decrypt session token: %w", err)
		}
		return apiclient.NormalizeBearerToken(raw), nil
	}
	if acct.CachedToken != "" {
		raw, err := w.vault.Decrypt(acct.CachedToken)
		if err != nil {
			// A stale blob from a rotated key. Fall through to the
			// browser instead of failing the whole run.
			w.logger.Warn("worker: cached token undecryptable, ignoring", "account", acct.ID, "error", err)
			return "", nil
		}
		return apiclient.NormalizeBearerToken(raw), nil
	}
	return "", nil
}

// browserCredentials builds the decrypted credential set for the
// browser strategy.
func (w *Worker) browserCredentials(acct *store.Account) (*browser.Credentials, error) {
	creds := &browser.Credentials{
		BaseURL:   NormalizeBaseURL(acct.BaseURL),
		LoginType: acct.LoginType,
		Username:  acct.Username,
	}
	if acct.NewAPIUser != "" {
		creds.ExtraHeaders = map[string]string{"New-API-User": acct.NewAPIUser}
	}
	switch acct.LoginType {
	case store.LoginSession:
		raw, err := w.vault.Decrypt(acct.SessionToken)
		if err != nil {
			return nil, fmt.Errorf("worker: decrypt session token: %w", err)
		}
		creds.SessionToken = raw
	default:
		if acct.PasswordEncrypted == "" {
			return nil, fmt.Errorf("worker: account %d has no password", acct.ID)
		}
		raw, err := w.vault.Decrypt(acct.PasswordEncrypted)
		if err != nil {
			return nil, fmt.Errorf("worker: decrypt password: %w", err)
		}
		creds.Password = raw
	}
	return creds, nil
}

func (w *Worker) extraHeaders(acct *store.Account) map[string]string {
	if acct.NewAPIUser == "" {
		return nil
	}
	return map[string]string{"New-API-User": acct.NewAPIUser}
}

// cacheExtractedToken encrypts and stores a token the browser login
// surfaced, so the next run can go direct.
func (w *Worker) cacheExtractedToken(ctx context.Context, acct *store.Account, token string) {
	if token == "" {
		return
	}
	blob, err := w.vault.Encrypt(token)
	if err != nil {
		w.logger.Warn("worker: encrypt extracted token", "account", acct.ID, "error", err)
		return
	}
	if err := w.ledger.SaveCachedToken(ctx, acct.ID, blob); err != nil {
		w.logger.Warn("worker: save extracted token", "account", acct.ID, "error", err)
		return
	}
	w.logger.Info("worker: cached token from browser login", "account", acct.ID)
}

// healCheckinPath persists a working path discovered mid-run, but only
// while the configured path is still the built-in default. A path the
// operator set by hand is never overwritten.
func (w *Worker) healCheckinPath(ctx context.Context, cfg RunConfig, usedPath string) {
	if usedPath == "" || usedPath == cfg.CheckinPath {
		return
	}
	if cfg.CheckinPath != store.DefaultCheckinPath {
		return
	}
	if err := w.ledger.SetSetting(ctx, store.KeyCheckinPath, usedPath); err != nil {
		w.logger.Warn("worker: persist discovered checkin path", "path", usedPath, "error", err)
		return
	}
	w.logger.Info("worker: checkin path updated to working endpoint", "path", usedPath)
}

// snapshotQuota fetches and normalizes the account's balance, persisting
// it and any newly inferred unit. Best-effort: "" on any failure.
func (w *Worker) snapshotQuota(ctx context.Context, acct *store.Account, token string) string {
	if token == "" {
		return ""
	}
	info, err := w.direct.FetchUserInfo(ctx, NormalizeBaseURL(acct.BaseURL), token, w.extraHeaders(acct))
	if err != nil {
		w.logger.Debug("worker: quota snapshot", "account", acct.ID, "error", err)
		return ""
	}
	return w.persistBalance(ctx, acct, info)
}

// persistBalance normalizes info, stores the balance and any inferred
// unit, and returns the display-quota string used in logs.
func (w *Worker) persistBalance(ctx context.Context, acct *store.Account, info *apiclient.UserInfo) string {
	norm, inferred := w.quota.Normalize(info, acct.QuotaUnit)
	if norm == nil {
		return ""
	}
	if inferred != nil {
		if err := w.ledger.UpdateQuotaUnit(ctx, acct.ID, inferred.Unit); err != nil {
			w.logger.Warn("worker: persist quota unit", "account", acct.ID, "error", err)
		} else {
			// Remember it for the after-snapshot in the same run.
			acct.QuotaUnit = inferred.Unit
			w.logger.Info("worker: inferred quota unit", "account", acct.ID,
				"unit", inferred.Unit, "source", inferred.Source)
		}
	}
	if err := w.ledger.UpdateQuota(ctx, acct.ID, norm.Quota, norm.UsedQuota); err != nil {
		w.logger.Warn("worker: persist balance", "account", acct.ID, "error", err)
	}
	if norm.Quota == nil {
		return ""
	}
	return fmt.Sprintf("%.2f", *norm.Quota)
}

// Checkin runs one account's check-in end to end: direct candidates
// first, browser fallback when the rules allow it, quota bracketing
// around the attempt, and one log row either way.
func (w *Worker) Checkin(ctx context.Context, acct *store.Account, cfg RunConfig) *Outcome {
	cfg.defaults()
	out := &Outcome{AccountID: acct.ID, AccountName: acct.Name}

	origin := NormalizeBaseURL(acct.BaseURL)
	paths := candidatePaths(cfg.CheckinPath)

	token, err := w.directToken(acct)
	if err != nil {
		out.Message = capMessage(err.Error())
		w.appendLog(ctx, out)
		return out
	}

	out.QuotaBefore = w.snapshotQuota(ctx, acct, token)

	needBrowser := token == "" // password account with no cached token
	terminal := false
	if token != "" {
		needBrowser, terminal = w.directAttempt(ctx, acct, origin, token, paths, cfg, out)
		if !needBrowser || terminal {
			if out.Success {
				out.QuotaAfter = w.snapshotQuota(ctx, acct, token)
			}
			w.appendLog(ctx, out)
			return out
		}
	}

	if w.browser == nil {
		if out.Message == "" {
			out.Message = "browser strategy unavailable"
		}
		w.appendLog(ctx, out)
		return out
	}

	w.browserAttempt(ctx, acct, paths, cfg, out)
	if out.Success {
		if after, err2 := w.directToken(acct); err2 == nil && after != "" {
			out.QuotaAfter = w.snapshotQuota(ctx, acct, after)
		}
	}
	w.appendLog(ctx, out)
	return out
}

// directAttempt walks the candidate paths over plain HTTP. It fills out
// and reports (needBrowser, terminal):
//
//   - success: (false, false), out.Success set
//   - Cloudflare on any candidate: (true, false)
//   - plain rejection: terminal for password accounts, browser fallback
//     for session accounts
//   - every candidate not-found: (false, true) — no browser launch will
//     conjure up an endpoint the deployment does not have
func (w *Worker) directAttempt(ctx context.Context, acct *store.Account, origin, token string, paths []string, cfg RunConfig, out *Outcome) (needBrowser, terminal bool) {
	allNotFound := true
	for _, path := range paths {
		res := w.direct.Checkin(ctx, origin, token, path, w.extraHeaders(acct))
		if res.Success {
			out.Success = true
			out.Message = capMessage(res.Message)
			w.healCheckinPath(ctx, cfg, path)
			return false, false
		}
		if res.IsCloudflare {
			w.logger.Info("worker: direct attempt challenged, falling back to browser",
				"account", acct.ID, "path", path)
			out.Message = capMessage(res.Message)
			return true, false
		}
		if res.IsNotFound {
			out.Message = capMessage(res.Message)
			continue
		}
		allNotFound = false
		out.Message = capMessage(res.Message)
		if acct.LoginType == store.LoginSession {
			// The session token may work in a real browser context even
			// when the bare API call is rejected.
			return true, false
		}
		return false, true
	}
	if allNotFound {
		out.Message = capMessage("no check-in endpoint found: " + out.Message)
		return false, true
	}
	return false, true
}

// browserAttempt runs the browser strategy and fills out.
func (w *Worker) browserAttempt(ctx context.Context, acct *store.Account, paths []string, cfg RunConfig, out *Outcome) {
	out.UsedBrowser = true
	creds, err := w.browserCredentials(acct)
	if err != nil {
		out.Success = false
		out.Message = capMessage(err.Error())
		return
	}

	res, usedPath, extracted, err := w.browser.Checkin(ctx, creds, paths)
	if err != nil {
		out.Success = false
		out.Message = capMessage(err.Error())
		return
	}
	w.cacheExtractedToken(ctx, acct, extracted)
	if extracted != "" {
		// Make the extracted token visible to the post-run snapshot.
		if blob, err := w.vault.Encrypt(extracted); err == nil {
			acct.CachedToken = blob
		}
	}

	out.Success = res.Success
	out.Message = capMessage(res.Message)
	if res.Success {
		w.healCheckinPath(ctx, cfg, usedPath)
	}
}

func (w *Worker) appendLog(ctx context.Context, out *Outcome) {
	status := store.StatusFailed
	if out.Success {
		status = store.StatusSuccess
	}
	if err := w.ledger.AppendLog(ctx, out.AccountID, status, out.Message, out.QuotaBefore, out.QuotaAfter); err != nil {
		w.logger.Error("worker: append log", "account", out.AccountID, "error", err)
	}
	w.logger.Info("worker: checkin finished",
		"account", out.AccountID, "name", out.AccountName,
		"status", status, "browser", out.UsedBrowser, "message", out.Message)
}

// Test verifies that an account can reach its gateway: direct first,
// browser on a Cloudflare challenge. Unlike Checkin it writes no log
// row — it only caches any token the browser login surfaces.
func (w *Worker) Test(ctx context.Context, acct *store.Account, cfg RunConfig) (success bool, message string, err error) {
	cfg.defaults()
	origin := NormalizeBaseURL(acct.BaseURL)

	token, tokenErr := w.directToken(acct)
	if token != "" {
		res := w.direct.TestConnection(ctx, origin, token, w.extraHeaders(acct))
		if res.Success {
			// The token just proved itself; refresh the stored balance
			// while we hold it.
			w.snapshotQuota(ctx, acct, token)
			return true, res.Message, nil
		}
		if !res.IsCloudflare && acct.LoginType != store.LoginSession {
			return false, res.Message, nil
		}
		// Challenged, or a session token that may still work in a page.
	} else if tokenErr != nil && acct.LoginType == store.LoginSession {
		return false, "", tokenErr
	}

	if w.browser == nil {
		return false, "browser strategy unavailable", nil
	}
	creds, err := w.browserCredentials(acct)
	if err != nil {
		return false, "", err
	}
	res, extracted, err := w.browser.Test(ctx, creds, candidatePaths(cfg.CheckinPath))
	if err != nil {
		return false, "", err
	}
	w.cacheExtractedToken(ctx, acct, extracted)
	return res.Success, res.Message, nil
}

// RefreshBalance fetches, normalizes, and persists the account's
// current balance. A password account with no cached token fails
// outright; refresh never launches a browser for it, a check-in or
// connection test has to populate the token first. Session accounts
// fall back to the browser when the direct fetch fails for any reason.
func (w *Worker) RefreshBalance(ctx context.Context, acct *store.Account) (*apiclient.UserInfo, error) {
	origin := NormalizeBaseURL(acct.BaseURL)

	token, err := w.directToken(acct)
	if err != nil {
		return nil, err
	}
	if token == "" {
		return nil, fmt.Errorf("worker: account %d has no usable token; run a check-in or connection test first", acct.ID)
	}

	info, err := w.direct.FetchUserInfo(ctx, origin, token, w.extraHeaders(acct))
	if err == nil {
		w.persistBalance(ctx, acct, info)
		norm, _ := w.quota.Normalize(info, acct.QuotaUnit)
		return norm, nil
	}
	if acct.LoginType != store.LoginSession || w.browser == nil {
		return nil, err
	}
	w.logger.Debug("worker: direct balance failed, trying browser", "account", acct.ID, "error", err)

	creds, err := w.browserCredentials(acct)
	if err != nil {
		return nil, err
	}
	info, err = w.browser.Balance(ctx, creds)
	if err != nil {
		return nil, err
	}
	w.persistBalance(ctx, acct, info)
	norm, _ := w.quota.Normalize(info, acct.QuotaUnit)
	return norm, nil
}
