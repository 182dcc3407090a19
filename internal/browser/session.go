// Package browser owns the persistent Chromium session and the tab
// surface handed to generated automation code. One browser process is
// shared by the whole run; tabs are tracked in creation order so the
// newest tab is always reachable after a click spawns one.
package browser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/1122414/AutoWeb/internal/logging"
)

// Config holds browser runtime settings.
type Config struct {
	Headless       bool   `json:"headless"`
	UserDataDir    string `json:"user_data_dir"`
	Bin            string `json:"bin"`
	ViewportWidth  int    `json:"viewport_width"`
	ViewportHeight int    `json:"viewport_height"`
	// BaseTimeout bounds element lookups, LoadTimeout bounds navigation.
	BaseTimeout time.Duration `json:"base_timeout"`
	LoadTimeout time.Duration `json:"load_timeout"`
}

// DefaultConfig returns the defaults used when no overrides are set:
// visible browser, persistent profile, 10s element / 30s page-load budgets.
func DefaultConfig() Config {
	return Config{
		Headless:       false,
		UserDataDir:    "data/browser_profile",
		ViewportWidth:  1920,
		ViewportHeight: 1080,
		BaseTimeout:    10 * time.Second,
		LoadTimeout:    30 * time.Second,
	}
}

func (c Config) baseTimeout() time.Duration {
	if c.BaseTimeout <= 0 {
		return 10 * time.Second
	}
	return c.BaseTimeout
}

func (c Config) loadTimeout() time.Duration {
	if c.LoadTimeout <= 0 {
		return 30 * time.Second
	}
	return c.LoadTimeout
}

// Manager launches and owns the single Chromium instance. All tab
// handles flow through it so the latest-tab ordering stays coherent.
type Manager struct {
	cfg Config

	mu         sync.RWMutex
	browser    *rod.Browser
	launch     *launcher.Launcher
	controlURL string
	tabs       []proto.TargetTargetID // creation order, newest last
}

// NewManager creates a manager; the browser starts lazily on first use.
func NewManager(cfg Config) *Manager {
	return &Manager{cfg: cfg}
}

// Start launches Chromium (or revives a stale connection) and begins
// tracking page targets. Safe to call repeatedly.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.browser != nil {
		if _, err := m.browser.Version(); err == nil {
			return nil
		}
		logging.BrowserWarn("stale browser connection, relaunching")
		_ = m.browser.Close()
		m.browser = nil
		m.controlURL = ""
		m.tabs = nil
	}

	l := launcher.New().Headless(m.cfg.Headless)
	if m.cfg.Bin != "" {
		l = l.Bin(m.cfg.Bin)
	}
	if m.cfg.UserDataDir != "" {
		abs, err := filepath.Abs(m.cfg.UserDataDir)
		if err != nil {
			return fmt.Errorf("resolve user data dir: %w", err)
		}
		if err := os.MkdirAll(abs, 0o755); err != nil {
			return fmt.Errorf("create user data dir: %w", err)
		}
		l = l.UserDataDir(abs)
	}

	controlURL, err := l.Launch()
	if err != nil {
		return fmt.Errorf("launch chromium: %w", err)
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return fmt.Errorf("connect to chromium: %w", err)
	}

	m.browser = browser
	m.launch = l
	m.controlURL = controlURL

	// Target discovery feeds the creation-order tab list; pages that
	// already exist (the launch tab) are seeded directly.
	_ = proto.TargetSetDiscoverTargets{Discover: true}.Call(browser)
	if pages, err := browser.Pages(); err == nil {
		for _, p := range pages {
			m.noteTabLocked(p.TargetID)
		}
	}
	m.trackTargets()

	logging.Browser("chromium started (headless=%v, profile=%s)", m.cfg.Headless, m.cfg.UserDataDir)
	return nil
}

func (m *Manager) ensureStarted(ctx context.Context) error {
	m.mu.RLock()
	if m.browser != nil {
		m.mu.RUnlock()
		return nil
	}
	m.mu.RUnlock()
	return m.Start(ctx)
}

// trackTargets mirrors page-target lifecycle events into the tab list.
// The wait func returns when the browser context ends.
func (m *Manager) trackTargets() {
	wait := m.browser.EachEvent(
		func(e *proto.TargetTargetCreated) {
			if e.TargetInfo.Type != "page" {
				return
			}
			m.mu.Lock()
			m.noteTabLocked(e.TargetInfo.TargetID)
			m.mu.Unlock()
		},
		func(e *proto.TargetTargetDestroyed) {
			m.mu.Lock()
			m.dropTabLocked(e.TargetID)
			m.mu.Unlock()
		},
	)
	go wait()
}

func (m *Manager) noteTabLocked(id proto.TargetTargetID) {
	for _, t := range m.tabs {
		if t == id {
			return
		}
	}
	m.tabs = append(m.tabs, id)
}

func (m *Manager) dropTabLocked(id proto.TargetTargetID) {
	for i, t := range m.tabs {
		if t == id {
			m.tabs = append(m.tabs[:i], m.tabs[i+1:]...)
			return
		}
	}
}

// IsConnected reports whether a live browser is attached.
func (m *Manager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.browser != nil
}

// ControlURL returns the DevTools websocket URL.
func (m *Manager) ControlURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.controlURL
}

// TabCount returns the number of tracked page targets.
func (m *Manager) TabCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tabs)
}

// LatestTab returns the most recently opened tab, opening a blank one
// when none exist. Destroyed targets are pruned on the way.
func (m *Manager) LatestTab(ctx context.Context) (*Tab, error) {
	if err := m.ensureStarted(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	for i := len(m.tabs) - 1; i >= 0; i-- {
		page, err := m.browser.PageFromTarget(m.tabs[i])
		if err != nil {
			m.tabs = append(m.tabs[:i], m.tabs[i+1:]...)
			continue
		}
		m.mu.Unlock()
		return m.wrap(page), nil
	}
	m.mu.Unlock()

	return m.NewTab(ctx, "about:blank")
}

// NewTab opens a tab in the persistent profile context and navigates it.
func (m *Manager) NewTab(ctx context.Context, url string) (*Tab, error) {
	if err := m.ensureStarted(ctx); err != nil {
		return nil, err
	}

	m.mu.RLock()
	browser := m.browser
	m.mu.RUnlock()

	page, err := browser.Page(proto.TargetCreateTarget{URL: url})
	if err != nil {
		return nil, fmt.Errorf("create tab: %w", err)
	}

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             m.viewportWidth(),
		Height:            m.viewportHeight(),
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		logging.BrowserWarn("viewport override failed: %v", err)
	}

	m.mu.Lock()
	m.noteTabLocked(page.TargetID)
	m.mu.Unlock()

	tab := m.wrap(page)
	if url != "" && url != "about:blank" {
		tab.waitLoaded()
	}
	return tab, nil
}

// CurrentURL reports the URL of the latest tab, or "" when unknown.
func (m *Manager) CurrentURL(ctx context.Context) string {
	tab, err := m.LatestTab(ctx)
	if err != nil {
		return ""
	}
	return tab.URL()
}

// Shutdown closes the connection and kills the launched process. The
// user profile directory survives for the next run.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var err error
	if m.browser != nil {
		err = m.browser.Close()
		m.browser = nil
	}
	if m.launch != nil {
		m.launch.Kill()
		m.launch = nil
	}
	m.controlURL = ""
	m.tabs = nil
	logging.Browser("browser shut down")
	return err
}

func (m *Manager) wrap(page *rod.Page) *Tab {
	return &Tab{
		mgr:  m,
		page: page,
		base: m.cfg.baseTimeout(),
		load: m.cfg.loadTimeout(),
	}
}

func (m *Manager) viewportWidth() int {
	if m.cfg.ViewportWidth <= 0 {
		return 1920
	}
	return m.cfg.ViewportWidth
}

func (m *Manager) viewportHeight() int {
	if m.cfg.ViewportHeight <= 0 {
		return 1080
	}
	return m.cfg.ViewportHeight
}
