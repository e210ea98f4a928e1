// internal/browser/manager.go
package browser

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/portal-login/internal/config"
)

const defaultLaunchTimeout = 30 * time.Second

// Manager owns the browser process (or the remote attachment) and hands out
// the single tab used for a login.
type Manager struct {
	logger   *zap.Logger
	cfg      config.BrowserConfig
	timeouts config.TimeoutsConfig

	allocatorCtx    context.Context
	allocatorCancel context.CancelFunc
	browserCtx      context.Context
	browserCancel   context.CancelFunc

	mu       sync.Mutex
	launched bool
	closed   bool
}

// NewManager creates a Manager. The browser is started by Launch.
func NewManager(cfg config.Interface, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		logger:   logger.Named("browser_manager"),
		cfg:      cfg.Browser(),
		timeouts: cfg.Timeouts(),
	}
}

// Launch starts Chrome, or attaches to browser.remote_url, and verifies the
// browser responds. The browser lives until Close, independent of ctx.
func (m *Manager) Launch(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.launched {
		return nil
	}

	// The process must outlive the launch context, so only values are kept.
	base := context.WithoutCancel(ctx)
	if m.cfg.RemoteURL != "" {
		m.logger.Info("Attaching to remote browser", zap.String("remote_url", m.cfg.RemoteURL))
		m.allocatorCtx, m.allocatorCancel = chromedp.NewRemoteAllocator(base, m.cfg.RemoteURL)
	} else {
		m.logger.Info("Launching browser", zap.Bool("headless", m.cfg.Headless))
		m.allocatorCtx, m.allocatorCancel = chromedp.NewExecAllocator(base, m.buildAllocatorOptions()...)
	}
	m.browserCtx, m.browserCancel = chromedp.NewContext(m.allocatorCtx,
		chromedp.WithLogf(m.logger.Sugar().Debugf),
		chromedp.WithErrorf(m.logger.Sugar().Debugf),
	)

	// The first Run allocates the browser and must not carry a deadline,
	// otherwise the process dies with it.
	if err := chromedp.Run(m.browserCtx); err != nil {
		m.shutdown()
		return fmt.Errorf("failed to start browser: %w", err)
	}

	timeout := m.cfg.LaunchTimeout
	if timeout <= 0 {
		timeout = defaultLaunchTimeout
	}
	page := NewPage(m.browserCtx, nil, config.TimeoutsConfig{Navigation: timeout}, m.logger)
	if err := page.Navigate(ctx, "about:blank"); err != nil {
		m.shutdown()
		return fmt.Errorf("browser failed to start or respond: %w", err)
	}

	m.launched = true
	m.logger.Info("Browser launched successfully and is responsive.")
	return nil
}

// NewPage returns the login tab with any configured extra headers applied.
func (m *Manager) NewPage(ctx context.Context) (*Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.launched || m.closed {
		return nil, fmt.Errorf("browser is not running")
	}

	page := NewPage(m.browserCtx, m.browserCancel, m.timeouts, m.logger)
	if len(m.cfg.Headers) > 0 {
		headers := make(network.Headers, len(m.cfg.Headers))
		for k, v := range m.cfg.Headers {
			headers[k] = v
		}
		if err := page.run(ctx, m.timeouts.Element, "apply extra headers",
			network.Enable(), network.SetExtraHTTPHeaders(headers)); err != nil {
			return nil, err
		}
	}
	return page, nil
}

// Close terminates the tab and the browser process. For a remote browser
// only the tab created by this Manager is closed.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.shutdown()
	m.logger.Info("Browser closed.")
}

func (m *Manager) shutdown() {
	if m.browserCancel != nil {
		m.browserCancel()
	}
	if m.allocatorCancel != nil {
		m.allocatorCancel()
	}
}

// buildAllocatorOptions assembles Chrome options from the browser config.
func (m *Manager) buildAllocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	for name, value := range m.allocatorFlags() {
		opts = append(opts, chromedp.Flag(name, value))
	}
	if m.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(m.cfg.UserAgent))
	}
	return opts
}

// allocatorFlags returns the flags layered over chromedp's defaults. A false
// boolean removes a default flag.
func (m *Manager) allocatorFlags() map[string]interface{} {
	flags := map[string]interface{}{
		// Portals sometimes refuse sessions that advertise automation.
		"enable-automation":         false,
		"disable-blink-features":    "AutomationControlled",
		"headless":                  m.cfg.Headless,
		"ignore-certificate-errors": m.cfg.IgnoreTLSErrors,
		"disable-extensions":        true,
		"disable-gpu":               m.cfg.Headless,
	}

	for _, arg := range m.cfg.Args {
		parts := strings.SplitN(arg, "=", 2)
		flagName := strings.TrimPrefix(parts[0], "--")

		if len(parts) == 2 {
			flags[flagName] = parts[1]
		} else {
			flags[flagName] = true
		}
	}

	if runtime.GOOS == "linux" {
		flags["no-sandbox"] = true
		flags["disable-dev-shm-usage"] = true
		flags["disable-setuid-sandbox"] = true
	}

	return flags
}
