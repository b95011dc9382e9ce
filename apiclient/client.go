// Package apiclient talks to a target gateway's REST surface directly:
// user info, quota, and the check-in POST itself.
//
// Check-in calls never fail with an error for ordinary HTTP trouble.
// They classify the response instead (Cloudflare challenge, endpoint
// not found, plain rejection) so the orchestrator can decide whether to
// try another path candidate or fall back to a browser session.
package apiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// DefaultUserAgent is a plain desktop Chrome UA. Gateways behind edge
// protection reject the Go default UA outright.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// UserInfo is the payload of GET /api/user/self, unwrapped from its
// success/data envelope.
type UserInfo struct {
	Quota       *float64 `json:"quota"`
	UsedQuota   *float64 `json:"used_quota"`
	Username    string   `json:"username"`
	DisplayName string   `json:"display_name"`
	QuotaUnit   *float64 `json:"quota_unit"`
}

// CheckinOutcome classifies a check-in attempt.
type CheckinOutcome struct {
	Success      bool
	Message      string
	Status       int
	IsCloudflare bool // 403/503 with a challenge body signature
	IsNotFound   bool // 404/405 or a not-found-looking body
}

// TestResult is the outcome of a connection test.
type TestResult struct {
	Success      bool
	Message      string
	IsCloudflare bool
}

// Config configures the Client.
type Config struct {
	// Timeout bounds each HTTP call. Default: 30s.
	Timeout time.Duration
	// UserAgent overrides DefaultUserAgent.
	UserAgent string
	Logger    *slog.Logger
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Client is a stateless HTTP client for a gateway's API. One Client
// serves any number of origins.
type Client struct {
	http      *http.Client
	noFollow  *http.Client
	userAgent string
	logger    *slog.Logger
}

// New creates a Client.
func New(cfg Config) *Client {
	cfg.defaults()
	return &Client{
		http: &http.Client{Timeout: cfg.Timeout},
		noFollow: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		userAgent: cfg.UserAgent,
		logger:    cfg.Logger,
	}
}

// envelope is the gateway's JSON wrapper. Some deployments nest the
// user object under data, others inline it at the top level.
type envelope struct {
	Success *bool           `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *Client) headers(req *http.Request, token string, extra map[string]string) {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	for k, v := range extra {
		if strings.TrimSpace(v) == "" {
			continue
		}
		req.Header.Set(k, v)
	}
}

// IsChallengeBody reports whether a response body carries Cloudflare
// challenge signatures.
func IsChallengeBody(body string) bool {
	lower := strings.ToLower(body)
	for _, marker := range []string{"cloudflare", "challenge-platform", "cf-ray", "cf-chl", "turnstile"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// IsNotFoundResponse reports whether a status/body pair means the
// endpoint does not exist on this deployment.
func IsNotFoundResponse(status int, body string) bool {
	if status == http.StatusNotFound || status == http.StatusMethodNotAllowed {
		return true
	}
	lower := strings.ToLower(body)
	for _, marker := range []string{"not found", "invalid url", "cannot post", "cannot get"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// IsAuthRejectionMessage reports whether a failure message looks like a
// token/authorization rejection rather than some other failure. Used to
// decide on a cookie-only retry in the browser path.
func IsAuthRejectionMessage(message string) bool {
	lower := strings.ToLower(message)
	for _, marker := range []string{"access token", "token invalid", "invalid token", "unauthorized", "forbidden", "无权", "权限", "无效"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func trimBody(body string) string {
	body = strings.TrimSpace(body)
	if len(body) > 200 {
		return body[:200]
	}
	return body
}

// FetchUserInfo GETs {origin}/api/user/self and returns the user object.
// It fails with an error on non-2xx responses and on success:false
// envelopes — callers treat user-info as all-or-nothing.
func (c *Client) FetchUserInfo(ctx context.Context, origin, token string, extra map[string]string) (*UserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(origin, "/")+"/api/user/self", nil)
	if err != nil {
		return nil, fmt.Errorf("apiclient: request: %w", err)
	}
	c.headers(req, token, extra)

	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("apiclient: user self: %w", err)
	}
	defer res.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, fmt.Errorf("apiclient: HTTP %d: %s", res.StatusCode, trimBody(string(body)))
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("apiclient: decode user self: %w", err)
	}
	if env.Success != nil && !*env.Success {
		msg := env.Message
		if msg == "" {
			msg = "API returned failure"
		}
		return nil, fmt.Errorf("apiclient: %s", msg)
	}

	raw := env.Data
	if len(raw) == 0 || string(raw) == "null" {
		raw = body
	}
	var info UserInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("apiclient: decode user object: %w", err)
	}
	if info.DisplayName == "" {
		info.DisplayName = info.Username
	}
	return &info, nil
}

// ResolveCheckinURL joins an origin and a candidate path. Absolute
// http(s) candidates are used as-is.
func ResolveCheckinURL(origin, path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return strings.TrimRight(origin, "/") + path
}

// Checkin POSTs to a candidate check-in path and classifies the result.
// Transport errors are folded into a failed outcome rather than
// returned, so the orchestrator sees one uniform shape.
func (c *Client) Checkin(ctx context.Context, origin, token, path string, extra map[string]string) *CheckinOutcome {
	url := ResolveCheckinURL(origin, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return &CheckinOutcome{Success: false, Message: err.Error()}
	}
	c.headers(req, token, extra)

	res, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("apiclient: checkin transport error", "url", url, "error", err)
		return &CheckinOutcome{Success: false, Message: err.Error()}
	}
	defer res.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	text := string(body)

	var env envelope
	decoded := json.Unmarshal(body, &env) == nil

	message := env.Message
	if message == "" {
		message = trimBody(text)
	}
	if message == "" {
		message = fmt.Sprintf("HTTP %d", res.StatusCode)
	}

	if res.StatusCode >= 200 && res.StatusCode <= 299 && decoded {
		success := env.Success == nil || *env.Success
		return &CheckinOutcome{Success: success, Message: message, Status: res.StatusCode}
	}

	return &CheckinOutcome{
		Success:      false,
		Message:      message,
		Status:       res.StatusCode,
		IsCloudflare: (res.StatusCode == http.StatusForbidden || res.StatusCode == http.StatusServiceUnavailable) && IsChallengeBody(text),
		IsNotFound:   IsNotFoundResponse(res.StatusCode, message),
	}
}

// TestConnection probes {origin}/api/user/self without following
// redirects and classifies 403/503 bodies as a challenge when they
// carry Cloudflare signatures.
func (c *Client) TestConnection(ctx context.Context, origin, token string, extra map[string]string) *TestResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(origin, "/")+"/api/user/self", nil)
	if err != nil {
		return &TestResult{Success: false, Message: err.Error()}
	}
	c.headers(req, token, extra)

	res, err := c.noFollow.Do(req)
	if err != nil {
		c.logger.Debug("apiclient: test transport error", "origin", origin, "error", err)
		return &TestResult{Success: false, Message: err.Error()}
	}
	defer res.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	text := string(body)

	var env envelope
	decoded := json.Unmarshal(body, &env) == nil && len(body) > 0

	if res.StatusCode == http.StatusForbidden || res.StatusCode == http.StatusServiceUnavailable {
		if IsChallengeBody(text) {
			return &TestResult{Success: false, Message: "Cloudflare challenge detected", IsCloudflare: true}
		}
		return &TestResult{Success: false, Message: fmt.Sprintf("HTTP %d: access denied", res.StatusCode)}
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		msg := env.Message
		if msg == "" {
			msg = trimBody(text)
		}
		if msg == "" {
			msg = fmt.Sprintf("HTTP %d", res.StatusCode)
		}
		return &TestResult{Success: false, Message: fmt.Sprintf("HTTP %d: %s", res.StatusCode, msg)}
	}

	if !decoded {
		return &TestResult{Success: false, Message: "invalid JSON response from /api/user/self"}
	}
	if env.Success != nil && !*env.Success {
		msg := env.Message
		if msg == "" {
			msg = "token invalid"
		}
		return &TestResult{Success: false, Message: msg}
	}

	return &TestResult{Success: true, Message: "direct API connection ok"}
}
