package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/portal-login/internal/config"
	"github.com/xkilldash9x/portal-login/internal/login"
	"github.com/xkilldash9x/portal-login/internal/observability"
)

type loginFlags struct {
	headless     bool
	leaveOpen    bool
	noSave       bool
	remoteURL    string
	maxAttempts  int
	pollInterval time.Duration
}

// newLoginCmd creates the `login` command.
func newLoginCmd(deps dependencies) *cobra.Command {
	var flags loginFlags

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log into the portal and complete the emailed OTP challenge",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Only mail that arrives after this point can carry our OTP.
			start := deps.now()

			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			applyLoginFlags(cmd, cfg, flags)
			return runLogin(cmd, cfg, deps, start, !flags.noSave)
		},
	}

	cmd.Flags().BoolVar(&flags.headless, "headless", false, "Run the browser without a window.")
	cmd.Flags().BoolVar(&flags.leaveOpen, "leave-open", true, "Keep the browser open after the attempt until interrupted.")
	cmd.Flags().BoolVar(&flags.noSave, "no-save", false, "Do not store entered credentials.")
	cmd.Flags().StringVar(&flags.remoteURL, "remote-url", "", "Attach to a running browser at this DevTools websocket URL.")
	cmd.Flags().IntVar(&flags.maxAttempts, "max-attempts", 0, "Mailbox polls before giving up (overrides mailbox.poll.max_attempts).")
	cmd.Flags().DurationVar(&flags.pollInterval, "poll-interval", 0, "Wait between mailbox polls (overrides mailbox.poll.interval).")
	return cmd
}

// applyLoginFlags copies explicitly set flags over the loaded configuration.
func applyLoginFlags(cmd *cobra.Command, cfg config.Interface, flags loginFlags) {
	changed := cmd.Flags().Changed
	if changed("headless") {
		cfg.SetBrowserHeadless(flags.headless)
	}
	if changed("leave-open") {
		cfg.SetBrowserLeaveSessionOpen(flags.leaveOpen)
	}
	if changed("remote-url") {
		cfg.SetBrowserRemoteURL(flags.remoteURL)
	}
	if changed("max-attempts") {
		cfg.SetMailboxPollMaxAttempts(flags.maxAttempts)
	}
	if changed("poll-interval") {
		cfg.SetMailboxPollInterval(flags.pollInterval)
	}
}

func runLogin(cmd *cobra.Command, cfg config.Interface, deps dependencies, start time.Time, save bool) error {
	ctx := cmd.Context()
	logger, runID := observability.NewRunLogger(observability.GetLogger())
	metrics := observability.NewMetrics()

	if n := cfg.Mailbox().Poll.MaxAttempts; n < 1 {
		return fmt.Errorf("--max-attempts must be at least 1, got %d", n)
	}

	account, err := resolveAccount(cfg.Credentials(), save && cfg.Credentials().Save, deps.prompt, logger)
	if err != nil {
		return fmt.Errorf("failed to obtain portal credentials: %w", err)
	}

	cred, err := deps.credential(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to obtain mailbox credential: %w", err)
	}

	page, release, err := deps.openPage(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to start browser: %w", err)
	}
	defer release()

	orch, err := login.NewOrchestrator(cfg, page, deps.otpSource(cfg, logger, metrics), cred, account, start,
		login.WithLogger(logger),
		login.WithMetrics(metrics),
	)
	if err != nil {
		return err
	}

	logger.Info("Starting login", zap.String("run_id", runID), zap.Time("session_start", start))
	res := orch.Run(ctx)

	if path := cfg.Metrics().Textfile; path != "" {
		if err := metrics.WriteTextfile(path); err != nil {
			logger.Warn("Could not write metrics textfile", zap.Error(err))
		}
	}

	if res.State == login.Authenticated {
		fmt.Fprintln(cmd.OutOrStdout(), "Login successful.")
	} else if res.Failure != nil && res.Failure.Kind != login.KindCanceled {
		fmt.Fprintf(cmd.OutOrStdout(), "Login failed: %s\n", res.Failure.Kind)
	}

	if cfg.Browser().LeaveSessionOpen && ctx.Err() == nil {
		fmt.Fprintln(cmd.OutOrStdout(), "Browser left open. Press Ctrl+C to close it and exit.")
		deps.holdSession(ctx)
	}

	if err := res.Err(); err != nil {
		var failure *login.Failure
		if errors.As(err, &failure) && failure.Kind == login.KindCanceled {
			return failure.Cause
		}
		return err
	}
	return nil
}
