// Package browser manages a shared headless browser and its per-session
// pages.
//
// One Chromium process is launched lazily on first use. Each session id owns
// an isolated browser context with a single page, so concurrent agents never
// share cookies or navigation state. Idle sessions are reaped, and the
// browser itself shuts down once no sessions remain.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
)

const (
	defaultIdleTimeout  = 10 * time.Minute
	defaultOpTimeout    = 30 * time.Second
	defaultReapInterval = time.Minute
	viewportWidth       = 1280
	viewportHeight      = 800
)

// session pairs a browser context with its page and tracks last use.
type session struct {
	context  playwright.BrowserContext
	page     playwright.Page
	lastUsed time.Time
}

// Manager owns the shared browser and hands out per-session pages.
type Manager struct {
	mu       sync.Mutex
	pw       *playwright.Playwright
	browser  playwright.Browser
	sessions map[string]*session
	closed   bool

	headless     bool
	idleTimeout  time.Duration
	tickInterval time.Duration
	logger       *slog.Logger
	now          func() time.Time

	reapStop chan struct{}
	reapDone chan struct{}
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the manager logger.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger.With("component", "browser")
	}
}

// WithIdleTimeout sets how long a session may sit unused before the reaper
// closes it.
func WithIdleTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.idleTimeout = d
		}
	}
}

// WithTickInterval sets the reaper interval. Used by tests.
func WithTickInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.tickInterval = d
		}
	}
}

// WithNow overrides the clock. Used by tests.
func WithNow(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager. No browser process is started until the
// first page request.
func NewManager(headless bool, opts ...ManagerOption) *Manager {
	m := &Manager{
		sessions:     make(map[string]*session),
		headless:     headless,
		idleTimeout:  defaultIdleTimeout,
		tickInterval: defaultReapInterval,
		logger:       slog.Default().With("component", "browser"),
		now:          time.Now,
		reapStop:     make(chan struct{}),
		reapDone:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.reapLoop()
	return m
}

// GetPage returns the page for sessionID, creating the session if absent or
// recreating it if the page was closed out from under us.
func (m *Manager) GetPage(ctx context.Context, sessionID string) (playwright.Page, error) {
	sessionID = normalizeSessionID(sessionID)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("browser: manager is closed")
	}

	if sess, ok := m.sessions[sessionID]; ok {
		if !sess.page.IsClosed() {
			sess.lastUsed = m.now()
			return sess.page, nil
		}
		sess.context.Close()
		delete(m.sessions, sessionID)
	}

	if err := m.ensureBrowserLocked(); err != nil {
		return nil, err
	}

	bctx, err := m.browser.NewContext(playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{Width: viewportWidth, Height: viewportHeight},
	})
	if err != nil {
		return nil, fmt.Errorf("browser: create context: %w", err)
	}
	page, err := bctx.NewPage()
	if err != nil {
		bctx.Close()
		return nil, fmt.Errorf("browser: create page: %w", err)
	}
	page.SetDefaultTimeout(float64(defaultOpTimeout.Milliseconds()))

	m.sessions[sessionID] = &session{context: bctx, page: page, lastUsed: m.now()}
	m.logger.Debug("session created", "session", sessionID)
	return page, nil
}

// ensureBrowserLocked launches playwright and the shared browser if needed.
// Caller holds m.mu.
func (m *Manager) ensureBrowserLocked() error {
	if m.browser != nil && m.browser.IsConnected() {
		return nil
	}
	if m.pw == nil {
		if err := playwright.Install(&playwright.RunOptions{Verbose: false}); err != nil {
			m.logger.Warn("playwright install failed, assuming browsers present", "error", err)
		}
		pw, err := playwright.Run()
		if err != nil {
			return fmt.Errorf("browser: start playwright: %w", err)
		}
		m.pw = pw
	}
	browser, err := m.pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(m.headless),
	})
	if err != nil {
		return fmt.Errorf("browser: launch chromium: %w", err)
	}
	m.browser = browser
	m.logger.Info("browser launched", "headless", m.headless)
	return nil
}

// Navigate drives the session's page to url and waits for DOM content.
func (m *Manager) Navigate(ctx context.Context, sessionID, url string) (string, error) {
	page, err := m.GetPage(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if _, err := page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	}); err != nil {
		return "", fmt.Errorf("browser: navigate to %s: %w", url, err)
	}
	title, _ := page.Title()
	return title, nil
}

// Screenshot captures the session's current viewport as PNG bytes.
func (m *Manager) Screenshot(ctx context.Context, sessionID string) ([]byte, error) {
	page, err := m.GetPage(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	data, err := page.Screenshot(playwright.PageScreenshotOptions{
		FullPage: playwright.Bool(false),
		Type:     playwright.ScreenshotTypePng,
	})
	if err != nil {
		return nil, fmt.Errorf("browser: screenshot: %w", err)
	}
	return data, nil
}

// PageText returns the readable text of the session's current page, with
// scripts and styles stripped and length capped.
func (m *Manager) PageText(ctx context.Context, sessionID string, maxChars int) (string, error) {
	page, err := m.GetPage(ctx, sessionID)
	if err != nil {
		return "", err
	}
	html, err := page.Content()
	if err != nil {
		return "", fmt.Errorf("browser: page content: %w", err)
	}
	return ExtractText(html, maxChars)
}

// PageInfo describes the session's current page.
type PageInfo struct {
	URL   string `json:"url"`
	Title string `json:"title"`
	Links []Link `json:"links,omitempty"`
}

// Link is an anchor found on a page.
type Link struct {
	Text string `json:"text"`
	Href string `json:"href"`
}

// Info returns the current URL, title, and the page's links.
func (m *Manager) Info(ctx context.Context, sessionID string, maxLinks int) (*PageInfo, error) {
	page, err := m.GetPage(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	title, err := page.Title()
	if err != nil {
		return nil, fmt.Errorf("browser: page title: %w", err)
	}
	html, err := page.Content()
	if err != nil {
		return nil, fmt.Errorf("browser: page content: %w", err)
	}
	links, err := ExtractLinks(html, page.URL(), maxLinks)
	if err != nil {
		return nil, err
	}
	return &PageInfo{URL: page.URL(), Title: title, Links: links}, nil
}

// ClosePage closes the session's context and page. Closing an absent session
// is not an error. The shared browser shuts down when the last session goes.
func (m *Manager) ClosePage(sessionID string) error {
	sessionID = normalizeSessionID(sessionID)

	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil
	}
	delete(m.sessions, sessionID)
	if err := sess.context.Close(); err != nil {
		m.logger.Warn("session close failed", "session", sessionID, "error", err)
	}
	m.shutdownIfIdleLocked()
	return nil
}

// SessionCount reports the number of live sessions.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close tears down every session, the browser, and the reaper.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for id, sess := range m.sessions {
		sess.context.Close()
		delete(m.sessions, id)
	}
	m.shutdownIfIdleLocked()
	pw := m.pw
	m.pw = nil
	m.mu.Unlock()

	close(m.reapStop)
	<-m.reapDone

	if pw != nil {
		if err := pw.Stop(); err != nil {
			return fmt.Errorf("browser: stop playwright: %w", err)
		}
	}
	return nil
}

// shutdownIfIdleLocked closes the shared browser when no sessions remain.
// Caller holds m.mu.
func (m *Manager) shutdownIfIdleLocked() {
	if len(m.sessions) > 0 || m.browser == nil {
		return
	}
	if err := m.browser.Close(); err != nil {
		m.logger.Warn("browser close failed", "error", err)
	}
	m.browser = nil
	m.logger.Info("browser shut down, no sessions remain")
}

func (m *Manager) reapLoop() {
	defer close(m.reapDone)
	ticker := time.NewTicker(m.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.reapStop:
			return
		case <-ticker.C:
			m.reapIdle()
		}
	}
}

func (m *Manager) reapIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	cutoff := m.now().Add(-m.idleTimeout)
	for id, sess := range m.sessions {
		if sess.lastUsed.Before(cutoff) || sess.page.IsClosed() {
			sess.context.Close()
			delete(m.sessions, id)
			m.logger.Debug("session reaped", "session", id)
		}
	}
	m.shutdownIfIdleLocked()
}

// normalizeSessionID maps empty ids to a shared default session.
func normalizeSessionID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return "default"
	}
	return id
}
