// Package browser drives a stealth Chrome session for accounts that
// cannot be served by direct HTTP calls: it runs login flows, waits out
// bot challenges, and performs API calls from inside the page so they
// ride on the page's own cookie jar.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// defaultUserAgent matches the direct client's UA so both paths present
// the same fingerprint to the target site.
const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// Config configures the Manager.
type Config struct {
	// Headless launches Chrome without a display. Default in practice
	// comes from the browser_headless setting.
	Headless bool
	// PageTimeout bounds navigations and element waits. Default: 60s.
	PageTimeout time.Duration
	// UserAgent overrides the default desktop UA.
	UserAgent string
	Logger    *slog.Logger
}

func (c *Config) defaults() {
	if c.PageTimeout <= 0 {
		c.PageTimeout = 60 * time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Manager owns the process-wide Chrome instance. Launch is lazy and
// non-reentrant: the first acquire starts Chrome, later acquires reuse
// it. Acquire/Release are reference-counted; the process is torn down
// when the last holder releases it.
type Manager struct {
	cfg Config

	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	refs    int
	closed  bool
}

// NewManager creates a Manager. Chrome is not started until the first
// Acquire.
func NewManager(cfg Config) *Manager {
	cfg.defaults()
	return &Manager{cfg: cfg}
}

// Acquire returns the live Chrome handle, launching it if needed, and
// takes a reference. Callers must pair it with Release.
func (m *Manager) Acquire(ctx context.Context) (*rod.Browser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("browser: manager is closed")
	}
	if m.browser != nil {
		m.refs++
		return m.browser, nil
	}

	l := launcher.New().
		Headless(m.cfg.Headless).
		Set("disable-blink-features", "AutomationControlled").
		Set("no-sandbox").
		Set("disable-dev-shm-usage").
		Set("window-size", "1280,800")

	u, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("browser: launch: %w", err)
	}

	b := rod.New().ControlURL(u).Context(ctx)
	if err := b.Connect(); err != nil {
		l.Cleanup()
		return nil, fmt.Errorf("browser: connect: %w", err)
	}

	m.cfg.Logger.Info("browser: launched stealth chrome", "headless", m.cfg.Headless)
	m.browser = b
	m.lnch = l
	m.refs = 1
	return b, nil
}

// Release drops one reference and tears Chrome down when none remain.
func (m *Manager) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.refs > 0 {
		m.refs--
	}
	if m.refs == 0 {
		m.teardownLocked()
	}
}

// Close force-closes Chrome regardless of holders and marks the manager
// unusable. Used at process shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.refs = 0
	m.teardownLocked()
}

func (m *Manager) teardownLocked() {
	if m.browser != nil {
		if err := m.browser.Close(); err != nil {
			m.cfg.Logger.Warn("browser: close", "error", err)
		}
		m.browser = nil
	}
	if m.lnch != nil {
		m.lnch.Cleanup()
		m.lnch = nil
	}
}

// newPage opens a stealth page with the fixed viewport, UA, and the
// configured default timeout applied.
func (m *Manager) newPage(ctx context.Context, b *rod.Browser) (*rod.Page, error) {
	page, err := stealth.Page(b)
	if err != nil {
		return nil, fmt.Errorf("browser: create page: %w", err)
	}
	page = page.Context(ctx)

	if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: m.cfg.UserAgent}); err != nil {
		page.Close()
		return nil, fmt.Errorf("browser: set user agent: %w", err)
	}
	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width: 1280, Height: 800, DeviceScaleFactor: 1,
	}); err != nil {
		page.Close()
		return nil, fmt.Errorf("browser: set viewport: %w", err)
	}
	return page, nil
}
