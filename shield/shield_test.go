package shield

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestSecurityHeaders(t *testing.T) {
	h := SecurityHeaders(DefaultHeaders())(okHandler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/status", nil))

	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("missing X-Content-Type-Options")
	}
	if rec.Header().Get("X-Frame-Options") != "DENY" {
		t.Fatal("missing X-Frame-Options")
	}
	if rec.Header().Get("Content-Security-Policy") == "" {
		t.Fatal("missing CSP")
	}
}

func TestTraceID_SetsHeaderAndLogger(t *testing.T) {
	var sawLogger bool
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawLogger = GetLogger(r.Context()) != nil
	})
	rec := httptest.NewRecorder()
	TraceID(inner).ServeHTTP(rec, httptest.NewRequest("GET", "/api/status", nil))

	if rec.Header().Get("X-Trace-ID") == "" {
		t.Fatal("missing X-Trace-ID header")
	}
	if !sawLogger {
		t.Fatal("request logger not injected")
	}
}

func TestRateLimiter_BlocksOverLimit(t *testing.T) {
	rl := NewRateLimiter(map[string]RateLimitConfig{
		"POST /api/checkin/run-all": {MaxRequests: 2, WindowSeconds: 60},
	})
	h := rl.Middleware(okHandler())

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/api/checkin/run-all", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: code = %d", i+1, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/checkin/run-all", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("code = %d, want 429", rec.Code)
	}

	// A different IP has its own bucket.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/api/checkin/run-all", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("other ip blocked: code = %d", rec.Code)
	}
}

func TestRateLimiter_UnruledEndpointPasses(t *testing.T) {
	rl := NewRateLimiter(nil)
	h := rl.Middleware(okHandler())
	for i := 0; i < 50; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/status", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("code = %d", rec.Code)
		}
	}
}

func TestExtractIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "192.0.2.1:5555"
	if got := ExtractIP(req); got != "192.0.2.1" {
		t.Fatalf("got %q", got)
	}
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := ExtractIP(req); got != "203.0.113.9" {
		t.Fatalf("got %q", got)
	}
}
