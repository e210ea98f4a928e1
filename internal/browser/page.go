// internal/browser/page.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/portal-login/internal/config"
)

// Page wraps one live browser tab. Every method is bounded by a timeout and
// reports an exceeded bound by wrapping ErrTimeout.
type Page struct {
	ctx      context.Context
	cancel   context.CancelFunc
	logger   *zap.Logger
	timeouts config.TimeoutsConfig
}

// NewPage wraps an already attached chromedp tab context.
func NewPage(tabCtx context.Context, cancel context.CancelFunc, timeouts config.TimeoutsConfig, logger *zap.Logger) *Page {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Page{
		ctx:      tabCtx,
		cancel:   cancel,
		logger:   logger.Named("page"),
		timeouts: timeouts,
	}
}

// Navigate loads url, bounded by the navigation timeout.
func (p *Page) Navigate(ctx context.Context, url string) error {
	p.logger.Debug("Navigating to URL", zap.String("url", url))
	return p.run(ctx, p.timeouts.Navigation, "navigate to "+url, chromedp.Navigate(url))
}

// WaitPresent blocks until an element matching loc exists in the DOM.
func (p *Page) WaitPresent(ctx context.Context, loc Locator, timeout time.Duration) error {
	return p.run(ctx, timeout, "wait for "+loc.String(), chromedp.WaitReady(loc.Value, loc.queryOption()))
}

// Fill types text into the element matching loc.
func (p *Page) Fill(ctx context.Context, loc Locator, text string) error {
	p.logger.Debug("Filling field", zap.Stringer("locator", loc), zap.Int("text_length", len(text)))
	return p.run(ctx, p.timeouts.Element, "fill "+loc.String(), chromedp.Tasks{
		chromedp.ScrollIntoView(loc.Value, loc.queryOption()),
		chromedp.WaitVisible(loc.Value, loc.queryOption()),
		chromedp.SendKeys(loc.Value, text, loc.queryOption()),
	})
}

// Click clicks the element matching loc once it is visible.
func (p *Page) Click(ctx context.Context, loc Locator) error {
	p.logger.Debug("Clicking element", zap.Stringer("locator", loc))
	return p.run(ctx, p.timeouts.Element, "click "+loc.String(), chromedp.Tasks{
		chromedp.ScrollIntoView(loc.Value, loc.queryOption()),
		chromedp.WaitVisible(loc.Value, loc.queryOption()),
		chromedp.Click(loc.Value, loc.queryOption()),
	})
}

// Location returns the tab's current URL.
func (p *Page) Location(ctx context.Context) (string, error) {
	var url string
	if err := p.run(ctx, p.timeouts.Element, "read location", chromedp.Location(&url)); err != nil {
		return "", err
	}
	return url, nil
}

// WaitURL polls the tab's location until pred accepts it. Reads that fail
// while a navigation is in flight are retried on the next tick.
func (p *Page) WaitURL(ctx context.Context, pred func(string) bool, timeout time.Duration) error {
	waitCtx, cancel := p.scope(ctx, timeout)
	defer cancel()

	interval := p.timeouts.URLPollInterval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var current string
	for {
		var url string
		if err := chromedp.Run(waitCtx, chromedp.Location(&url)); err == nil {
			current = url
			if pred(url) {
				return nil
			}
		} else if waitCtx.Err() == nil {
			p.logger.Debug("Location read failed, retrying", zap.Error(err))
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return fmt.Errorf("wait for url canceled: %w", ctx.Err())
			}
			if !errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
				return errors.New("wait for url aborted: tab closed")
			}
			return fmt.Errorf("wait for url (last seen '%s'): %w after %s", current, ErrTimeout, timeout)
		case <-ticker.C:
		}
	}
}

// Close closes the tab.
func (p *Page) Close() {
	if p.cancel != nil {
		p.cancel()
	}
}

// run executes actions on the tab, bounded by timeout and by the caller's ctx.
func (p *Page) run(ctx context.Context, timeout time.Duration, what string, actions ...chromedp.Action) error {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	runCtx, cancel := p.scope(ctx, timeout)
	defer cancel()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s canceled: %w", what, ctx.Err())
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%s: %w after %s", what, ErrTimeout, timeout)
		}
		return fmt.Errorf("%s failed: %w", what, err)
	}
	return nil
}

// scope derives the context for one operation on the tab. chromedp finds the
// target through the tab's values, so the result descends from p.ctx; it also
// ends when ctx is done or timeout elapses.
func (p *Page) scope(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	tabCtx, cancelTab := context.WithTimeout(p.ctx, timeout)
	stop := context.AfterFunc(ctx, cancelTab)
	return tabCtx, func() {
		stop()
		cancelTab()
	}
}
