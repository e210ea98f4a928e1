package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/portal-login/internal/browser"
	"github.com/xkilldash9x/portal-login/internal/config"
	"github.com/xkilldash9x/portal-login/internal/gauth"
	"github.com/xkilldash9x/portal-login/internal/login"
	"github.com/xkilldash9x/portal-login/internal/mailbox"
	"github.com/xkilldash9x/portal-login/internal/observability"
)

// dependencies are the collaborators the commands create at runtime.
// Tests replace them with fakes.
type dependencies struct {
	now        func() time.Time
	prompt     prompter
	credential func(ctx context.Context, cfg config.Interface, logger *zap.Logger) (mailbox.Credential, error)
	openPage   func(ctx context.Context, cfg config.Interface, logger *zap.Logger) (login.SessionPage, func(), error)
	otpSource  func(cfg config.Interface, logger *zap.Logger, metrics *observability.Metrics) login.OTPSource

	// holdSession blocks while the browser is left open for the user.
	holdSession func(ctx context.Context)
}

func defaultDeps() dependencies {
	return dependencies{
		now:         time.Now,
		prompt:      newTerminalPrompter(),
		credential:  gmailCredential,
		openPage:    launchBrowser,
		otpSource:   gmailSource,
		holdSession: waitForInterrupt,
	}
}

func gmailCredential(ctx context.Context, cfg config.Interface, logger *zap.Logger) (mailbox.Credential, error) {
	cred, err := gauth.NewProvider(cfg.Gmail(), logger).Credential(ctx)
	if err != nil {
		return nil, err
	}
	return cred, nil
}

// launchBrowser starts the browser and returns its only tab with a release
// function that terminates the browser.
func launchBrowser(ctx context.Context, cfg config.Interface, logger *zap.Logger) (login.SessionPage, func(), error) {
	manager := browser.NewManager(cfg, logger)
	if err := manager.Launch(ctx); err != nil {
		return nil, nil, err
	}
	page, err := manager.NewPage(ctx)
	if err != nil {
		manager.Close()
		return nil, nil, err
	}
	return page, manager.Close, nil
}

func gmailSource(cfg config.Interface, logger *zap.Logger, metrics *observability.Metrics) login.OTPSource {
	mb := cfg.Mailbox()
	return mailbox.NewSource(mailbox.GmailConnector(mb), mb.Sender, logger, mailbox.WithMetrics(metrics))
}

// waitForInterrupt returns once ctx is done or SIGINT/SIGTERM arrives.
func waitForInterrupt(ctx context.Context) {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()
}
