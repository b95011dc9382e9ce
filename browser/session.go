package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/checkin/apiclient"
)

// Credentials carry everything a browser flow needs, already decrypted.
// The session never touches the vault or the store.
type Credentials struct {
	BaseURL      string // normalized origin
	LoginType    string // "password" or "session"
	Username     string
	Password     string
	SessionToken string // raw decrypted value; may be a cookie string
	ExtraHeaders map[string]string
}

// Result is the outcome of a browser-mediated operation.
type Result struct {
	Success bool
	Message string
	Status  int
}

// Session runs login flows and in-page API calls on the shared Chrome
// instance.
type Session struct {
	mgr     *Manager
	timeout time.Duration
	logger  *slog.Logger
}

// NewSession creates a Session bound to a Manager.
func NewSession(mgr *Manager) *Session {
	return &Session{mgr: mgr, timeout: mgr.cfg.PageTimeout, logger: mgr.cfg.Logger}
}

// settle sleeps briefly after navigation so client-side routing and
// storage writes finish. Interruptible by ctx.
func settle(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// elementOrNil looks a selector up without waiting.
func elementOrNil(page *rod.Page, selector string) *rod.Element {
	el, err := page.Sleeper(rod.NotFoundSleeper).Element(selector)
	if err != nil {
		return nil
	}
	return el
}

// openLoggedIn acquires the browser, opens a page, and runs the login
// flow for the credentials. For password logins it also extracts any
// session token the site left in storage or cookies, so the caller can
// cache it for future direct calls. The returned release func closes
// the page and drops the browser reference.
func (s *Session) openLoggedIn(ctx context.Context, creds *Credentials) (page *rod.Page, extracted string, release func(), err error) {
	b, err := s.mgr.Acquire(ctx)
	if err != nil {
		return nil, "", nil, err
	}
	page, err = s.mgr.newPage(ctx, b)
	if err != nil {
		s.mgr.Release()
		return nil, "", nil, err
	}
	release = func() {
		page.Close()
		s.mgr.Release()
	}

	if creds.LoginType == "session" {
		err = s.loginWithSession(ctx, page, creds)
	} else {
		err = s.loginWithPassword(ctx, page, creds)
		if err == nil {
			extracted = s.extractToken(page)
		}
	}
	if err != nil {
		release()
		return nil, "", nil, err
	}
	return page, extracted, release, nil
}

// loginWithPassword drives the site's /login form: locate inputs by
// semantic selectors with a first-two-inputs fallback, type the
// credentials, wait out any challenge that appears before or after
// interaction, submit, and give the SPA a moment to settle.
func (s *Session) loginWithPassword(ctx context.Context, page *rod.Page, creds *Credentials) error {
	if creds.Username == "" || creds.Password == "" {
		return fmt.Errorf("browser: account has no username or password")
	}

	if err := page.Timeout(s.timeout).Navigate(creds.BaseURL + "/login"); err != nil {
		return fmt.Errorf("browser: navigate login: %w", err)
	}
	if err := page.Timeout(s.timeout).WaitLoad(); err != nil {
		s.logger.Warn("browser: login page load timeout", "error", err)
	}

	s.WaitForBypass(ctx, page, s.timeout)

	if _, err := page.Timeout(minDuration(s.timeout, 15*time.Second)).Element("input"); err != nil {
		return fmt.Errorf("browser: no login inputs found: %w", err)
	}

	userEl := elementOrNil(page, `input[name="username"], input[id="username"], input[autocomplete="username"]`)
	passEl := elementOrNil(page, `input[name="password"], input[id="password"], input[type="password"]`)

	if userEl == nil || passEl == nil {
		inputs, err := page.Sleeper(rod.NotFoundSleeper).Elements("input")
		if err != nil || len(inputs) < 2 {
			return fmt.Errorf("browser: login form has no usable input fields")
		}
		userEl, passEl = inputs[0], inputs[1]
	}

	if err := typeInto(userEl, creds.Username); err != nil {
		return fmt.Errorf("browser: type username: %w", err)
	}
	if err := typeInto(passEl, creds.Password); err != nil {
		return fmt.Errorf("browser: type password: %w", err)
	}

	// A CAPTCHA may only appear after interaction.
	s.WaitForBypass(ctx, page, s.timeout)

	submit := elementOrNil(page, `button[type="submit"], button.btn-primary, button:not([type="button"])`)
	if submit == nil {
		return fmt.Errorf("browser: no submit button found")
	}

	// Navigation after submit is best-effort: SPAs often log in without
	// a full navigation.
	wait := page.Timeout(s.timeout).WaitNavigation(proto.PageLifecycleEventNameNetworkAlmostIdle)
	if err := submit.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("browser: click submit: %w", err)
	}
	wait()

	settle(ctx, 1200*time.Millisecond)
	return nil
}

func typeInto(el *rod.Element, text string) error {
	if err := el.SelectAllText(); err != nil {
		return err
	}
	return el.Input(text)
}

// loginWithSession installs the session token as cookies and local
// storage, then reloads so the SPA picks the session up.
func (s *Session) loginWithSession(ctx context.Context, page *rod.Page, creds *Credentials) error {
	token, cookieName := apiclient.ParseCookieToken(creds.SessionToken)
	if token == "" {
		return fmt.Errorf("browser: account has no session token")
	}

	parsed, err := url.Parse(creds.BaseURL)
	if err != nil {
		return fmt.Errorf("browser: parse base url: %w", err)
	}

	if err := page.Timeout(s.timeout).Navigate(creds.BaseURL); err != nil {
		return fmt.Errorf("browser: navigate: %w", err)
	}
	if err := page.Timeout(s.timeout).WaitLoad(); err != nil {
		s.logger.Warn("browser: page load timeout", "error", err)
	}

	s.WaitForBypass(ctx, page, s.timeout)

	names := []string{"session", "token"}
	if cookieName != "" && cookieName != "session" && cookieName != "token" {
		names = append(names, cookieName)
	}
	cookies := make([]*proto.NetworkCookieParam, 0, len(names))
	for _, name := range names {
		cookies = append(cookies, &proto.NetworkCookieParam{
			Name:     name,
			Value:    token,
			Domain:   parsed.Hostname(),
			Path:     "/",
			Secure:   parsed.Scheme == "https",
			SameSite: proto.NetworkCookieSameSiteLax,
		})
	}
	if err := page.SetCookies(cookies); err != nil {
		return fmt.Errorf("browser: set cookies: %w", err)
	}

	if _, err := page.Eval(`(t) => {
		localStorage.setItem('session', t);
		localStorage.setItem('token', t);
		try { localStorage.setItem('user', JSON.stringify({token: t})); } catch (e) {}
	}`, token); err != nil {
		return fmt.Errorf("browser: seed storage: %w", err)
	}

	if err := page.Timeout(s.timeout).Reload(); err != nil {
		return fmt.Errorf("browser: reload: %w", err)
	}
	if err := page.Timeout(s.timeout).WaitLoad(); err != nil {
		s.logger.Warn("browser: reload load timeout", "error", err)
	}
	settle(ctx, time.Second)
	return nil
}

// extractToken probes storage and cookies for the session token a
// password login left behind. Best-effort: "" when nothing is found.
func (s *Session) extractToken(page *rod.Page) string {
	res, err := page.Eval(`() => {
		const fromLocal = localStorage.getItem('token') || localStorage.getItem('session');
		if (fromLocal) return fromLocal;
		try {
			const user = JSON.parse(localStorage.getItem('user') || '{}');
			if (user.token) return user.token;
		} catch (e) {}
		return '';
	}`)
	if err == nil && res.Value.Str() != "" {
		s.logger.Info("browser: extracted session token from storage")
		return apiclient.NormalizeBearerToken(res.Value.Str())
	}

	cookies, err := page.Cookies(nil)
	if err != nil {
		return ""
	}
	for _, c := range cookies {
		if c.Name == "session" || c.Name == "token" {
			s.logger.Info("browser: extracted session token from cookies")
			return apiclient.NormalizeBearerToken(c.Value)
		}
	}
	return ""
}

// pageResponse mirrors the shape returned by the in-page fetch helper.
type pageResponse struct {
	OK     bool            `json:"ok"`
	Status int             `json:"status"`
	Data   json.RawMessage `json:"data"`
	Text   string          `json:"text"`
}

type pageEnvelope struct {
	Success *bool  `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

func (r *pageResponse) envelope() pageEnvelope {
	var env pageEnvelope
	if len(r.Data) > 0 {
		_ = json.Unmarshal(r.Data, &env)
	}
	return env
}

// message picks the most useful failure text available.
func (r *pageResponse) message() string {
	if env := r.envelope(); env.Message != "" {
		return env.Message
	}
	if r.Text != "" {
		return r.Text
	}
	return fmt.Sprintf("HTTP %d", r.Status)
}

// succeeded reports a usable success: transport ok, a decoded body, and
// no success:false / error field in the envelope.
func (r *pageResponse) succeeded() bool {
	if !r.OK || len(r.Data) == 0 || string(r.Data) == "null" {
		return false
	}
	env := r.envelope()
	return (env.Success == nil || *env.Success) && env.Error == ""
}

const fetchScript = `async (method, url, token, extraJSON) => {
	try {
		const headers = {};
		if (method === 'POST') headers['Content-Type'] = 'application/json';
		if (token) headers['Authorization'] = 'Bearer ' + token;
		const extra = JSON.parse(extraJSON || '{}');
		for (const k in extra) headers[k] = extra[k];
		const res = await fetch(url, {method, headers, credentials: 'include'});
		const text = await res.text();
		let data = null;
		try { data = JSON.parse(text); } catch (e) { data = null; }
		return JSON.stringify({ok: res.ok, status: res.status, data, text: text.slice(0, 200)});
	} catch (e) {
		return JSON.stringify({ok: false, status: 0, data: null, text: e.message || 'request failed'});
	}
}`

// pageFetch runs a fetch inside the page so it rides on the page's
// cookie jar and origin.
func (s *Session) pageFetch(page *rod.Page, method, fetchURL, token string, extra map[string]string) (*pageResponse, error) {
	extraJSON := "{}"
	if len(extra) > 0 {
		b, err := json.Marshal(extra)
		if err == nil {
			extraJSON = string(b)
		}
	}
	res, err := page.Timeout(s.timeout).Eval(fetchScript, method, fetchURL, token, extraJSON)
	if err != nil {
		return nil, fmt.Errorf("browser: page fetch: %w", err)
	}
	var out pageResponse
	if err := json.Unmarshal([]byte(res.Value.Str()), &out); err != nil {
		return nil, fmt.Errorf("browser: decode page fetch: %w", err)
	}
	return &out, nil
}

// fetchWithAuthRetry performs a page fetch and, when a bearer token was
// sent and the failure reads like a token rejection, retries once
// without the Authorization header — some sites authenticate purely by
// cookie and reject any bearer they do not recognise.
func (s *Session) fetchWithAuthRetry(page *rod.Page, method, fetchURL, token string, extra map[string]string) (*pageResponse, error) {
	res, err := s.pageFetch(page, method, fetchURL, token, extra)
	if err != nil {
		return nil, err
	}
	if res.succeeded() || token == "" || !apiclient.IsAuthRejectionMessage(res.message()) {
		return res, nil
	}
	s.logger.Debug("browser: bearer rejected, retrying cookie-only", "url", fetchURL)
	return s.pageFetch(page, method, fetchURL, "", extra)
}

// probeURLs builds the connection-test URL list: user-self first, then
// every check-in candidate with a month query so GET is harmless.
func probeURLs(baseURL string, paths []string) []string {
	month := time.Now().UTC().Format("2006-01")
	urls := []string{baseURL + "/api/user/self"}
	for _, p := range paths {
		u := apiclient.ResolveCheckinURL(baseURL, p)
		sep := "?"
		if strings.Contains(u, "?") {
			sep = "&"
		}
		urls = append(urls, u+sep+"month="+month)
	}
	return urls
}

// Test logs in and probes the API until one endpoint answers with a
// success envelope. The extracted token (password logins only) is
// returned for caching.
func (s *Session) Test(ctx context.Context, creds *Credentials, checkinPaths []string) (*Result, string, error) {
	page, extracted, release, err := s.openLoggedIn(ctx, creds)
	if err != nil {
		return nil, "", err
	}
	defer release()

	token := ""
	if creds.LoginType == "session" {
		token = apiclient.NormalizeBearerToken(creds.SessionToken)
	}

	lastMessage := "could not verify login state"
	meaningful := false
	for _, probeURL := range probeURLs(creds.BaseURL, checkinPaths) {
		res, err := s.fetchWithAuthRetry(page, "GET", probeURL, token, creds.ExtraHeaders)
		if err != nil {
			return nil, extracted, err
		}
		if res.OK {
			if env := res.envelope(); env.Success == nil || *env.Success {
				return &Result{Success: true, Message: "connection test ok"}, extracted, nil
			}
		}
		message := res.message()
		notFoundLike := apiclient.IsNotFoundResponse(res.Status, message)
		if !notFoundLike || !meaningful {
			lastMessage = message
			if !notFoundLike {
				meaningful = true
			}
		}
	}
	return &Result{Success: false, Message: lastMessage}, extracted, nil
}

// Checkin logs in and POSTs the candidate paths from inside the page,
// stopping at the first candidate that is not a not-found. It returns
// the path that produced the final result so the caller can self-heal
// the configured path.
func (s *Session) Checkin(ctx context.Context, creds *Credentials, paths []string) (*Result, string, string, error) {
	page, extracted, release, err := s.openLoggedIn(ctx, creds)
	if err != nil {
		return nil, "", "", err
	}
	defer release()

	token := ""
	if creds.LoginType == "session" {
		token = apiclient.NormalizeBearerToken(creds.SessionToken)
	}

	var last *pageResponse
	usedPath := ""
	for _, path := range paths {
		res, err := s.fetchWithAuthRetry(page, "POST", apiclient.ResolveCheckinURL(creds.BaseURL, path), token, creds.ExtraHeaders)
		if err != nil {
			return nil, "", extracted, err
		}
		last, usedPath = res, path
		if res.succeeded() {
			return &Result{Success: true, Message: res.message(), Status: res.Status}, usedPath, extracted, nil
		}
		if res.Status == 404 || apiclient.IsNotFoundResponse(res.Status, res.message()) {
			continue
		}
		break
	}

	if last == nil {
		return &Result{Success: false, Message: "no checkin endpoint candidates"}, "", extracted, nil
	}
	return &Result{Success: false, Message: last.message(), Status: last.Status}, usedPath, extracted, nil
}

// Balance logs a session account in and reads /api/user/self through
// the page's cookie session.
func (s *Session) Balance(ctx context.Context, creds *Credentials) (*apiclient.UserInfo, error) {
	page, _, release, err := s.openLoggedIn(ctx, creds)
	if err != nil {
		return nil, err
	}
	defer release()

	res, err := s.fetchWithAuthRetry(page, "GET", creds.BaseURL+"/api/user/self", "", creds.ExtraHeaders)
	if err != nil {
		return nil, err
	}
	if !res.OK || len(res.Data) == 0 || string(res.Data) == "null" {
		return nil, fmt.Errorf("browser: balance query: %s", res.message())
	}

	var wrapper struct {
		Data json.RawMessage `json:"data"`
	}
	raw := res.Data
	if json.Unmarshal(res.Data, &wrapper) == nil && len(wrapper.Data) > 0 && string(wrapper.Data) != "null" {
		raw = wrapper.Data
	}
	var info apiclient.UserInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("browser: decode balance: %w", err)
	}
	if info.DisplayName == "" {
		info.DisplayName = info.Username
	}
	return &info, nil
}
