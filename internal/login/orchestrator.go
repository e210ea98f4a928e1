// Package login drives a portal login with an emailed one-time password.
package login

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/portal-login/internal/browser"
	"github.com/xkilldash9x/portal-login/internal/config"
	"github.com/xkilldash9x/portal-login/internal/mailbox"
	"github.com/xkilldash9x/portal-login/internal/observability"
	"github.com/xkilldash9x/portal-login/internal/retry"
)

// SessionPage is the browser capability set the orchestrator needs.
type SessionPage interface {
	Navigate(ctx context.Context, url string) error
	WaitPresent(ctx context.Context, loc browser.Locator, timeout time.Duration) error
	WaitURL(ctx context.Context, pred func(string) bool, timeout time.Duration) error
	Fill(ctx context.Context, loc browser.Locator, text string) error
	Click(ctx context.Context, loc browser.Locator) error
	Location(ctx context.Context) (string, error)
}

// OTPSource yields the code for the current challenge.
type OTPSource interface {
	FetchOTP(ctx context.Context, cred mailbox.Credential, after time.Time, policy retry.Policy) (mailbox.Code, error)
}

// Account is the portal username and password.
type Account struct {
	Username string
	Password string
}

// Result is the outcome of one Run. Page is the live tab, handed back open.
type Result struct {
	State   State
	Failure *Failure
	History []State
	Page    SessionPage
}

// Err returns the failure as an error, or nil when authenticated.
func (r Result) Err() error {
	if r.Failure == nil {
		return nil
	}
	return r.Failure
}

type locators struct {
	username  browser.Locator
	password  browser.Locator
	submit    browser.Locator
	otpDigit  string
	otpSubmit browser.Locator
}

// Orchestrator runs one login attempt. It is not reusable.
type Orchestrator struct {
	portal   config.PortalConfig
	timeouts config.TimeoutsConfig
	policy   retry.Policy

	page    SessionPage
	source  OTPSource
	cred    mailbox.Credential
	account Account
	start   time.Time

	loc         locators
	otpPattern  *regexp.Regexp
	authPattern *regexp.Regexp

	logger  *zap.Logger
	metrics *observability.Metrics

	state   State
	history []State
	failure *Failure
	done    bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithMetrics records stage durations and the final outcome.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithPolicy overrides the mailbox polling policy from configuration.
func WithPolicy(p retry.Policy) Option {
	return func(o *Orchestrator) { o.policy = p }
}

// NewOrchestrator wires the collaborators for one attempt. start is the
// session start time and bounds which emails count as new.
func NewOrchestrator(
	cfg config.Interface,
	page SessionPage,
	source OTPSource,
	cred mailbox.Credential,
	account Account,
	start time.Time,
	opts ...Option,
) (*Orchestrator, error) {
	portal := cfg.Portal()
	o := &Orchestrator{
		portal:   portal,
		timeouts: cfg.Timeouts(),
		policy:   retry.FromConfig(cfg.Mailbox().Poll),
		page:     page,
		source:   source,
		cred:     cred,
		account:  account,
		start:    start,
		logger:   zap.NewNop(),
		state:    Anonymous,
		history:  []State{Anonymous},
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.Named("login")

	var err error
	if o.loc, err = parseLocators(portal.Locators); err != nil {
		return nil, err
	}
	if portal.OTPURLPattern != "" {
		if o.otpPattern, err = regexp.Compile(portal.OTPURLPattern); err != nil {
			return nil, fmt.Errorf("invalid otp_url_pattern: %w", err)
		}
	}
	if portal.AuthenticatedURLPattern != "" {
		if o.authPattern, err = regexp.Compile(portal.AuthenticatedURLPattern); err != nil {
			return nil, fmt.Errorf("invalid authenticated_url_pattern: %w", err)
		}
	}
	return o, nil
}

func parseLocators(cfg config.LocatorsConfig) (locators, error) {
	var l locators
	var err error
	for _, p := range []struct {
		dst *browser.Locator
		raw string
	}{
		{&l.username, cfg.Username},
		{&l.password, cfg.Password},
		{&l.submit, cfg.Submit},
		{&l.otpSubmit, cfg.OTPSubmit},
	} {
		if *p.dst, err = browser.ParseLocator(p.raw); err != nil {
			return locators{}, fmt.Errorf("invalid locator: %w", err)
		}
	}
	if _, err := browser.Indexed(cfg.OTPDigit, 1); err != nil {
		return locators{}, fmt.Errorf("invalid otp digit locator: %w", err)
	}
	l.otpDigit = cfg.OTPDigit
	return l, nil
}

type stage struct {
	name string
	to   State
	run  func(context.Context) *Failure
}

// Run drives the session from Anonymous to Authenticated or Failed. It never
// panics and never closes the page. Calling Run again returns the first result.
func (o *Orchestrator) Run(ctx context.Context) (res Result) {
	if o.done {
		return o.result()
	}
	o.done = true

	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("Recovered from panic during login",
				zap.Any("panic_value", r),
				zap.String("stack", string(debug.Stack())))
			o.fail(&Failure{Kind: KindUnexpected, Cause: fmt.Errorf("panic: %v", r)})
		}
		res = o.result()
		o.report(res)
	}()

	o.logger.Info("Starting login", zap.String("login_url", o.portal.LoginURL), zap.Time("session_start", o.start))

	stages := []stage{
		{name: "login_form", to: CredentialsSubmitted, run: o.submitCredentials},
		{name: "otp_page", to: OtpChallenge, run: o.awaitOTPPage},
		{name: "otp_challenge", to: Authenticated, run: o.completeOTP},
	}
	for _, s := range stages {
		began := time.Now()
		f := s.run(ctx)
		o.metrics.ObserveStage(s.name, time.Since(began))
		if f != nil {
			o.fail(f)
			return
		}
		if err := o.transition(s.to); err != nil {
			o.fail(&Failure{Kind: KindUnexpected, Cause: err})
			return
		}
	}

	o.postLogin(ctx)
	return
}

// Anonymous -> CredentialsSubmitted
func (o *Orchestrator) submitCredentials(ctx context.Context) *Failure {
	if err := o.page.Navigate(ctx, o.portal.LoginURL); err != nil {
		return classify(ctx, err, KindLoginPageTimeout, KindLoginError)
	}
	if err := o.page.WaitPresent(ctx, o.loc.username, o.timeouts.LoginForm); err != nil {
		return classify(ctx, err, KindLoginPageTimeout, KindLoginError)
	}
	if err := o.page.Fill(ctx, o.loc.username, o.account.Username); err != nil {
		return classify(ctx, err, KindLoginError, KindLoginError)
	}
	if err := o.page.Fill(ctx, o.loc.password, o.account.Password); err != nil {
		return classify(ctx, err, KindLoginError, KindLoginError)
	}
	if err := o.page.Click(ctx, o.loc.submit); err != nil {
		return classify(ctx, err, KindLoginError, KindLoginError)
	}
	o.logger.Info("Credentials submitted", zap.String("username", o.account.Username))
	return nil
}

// CredentialsSubmitted -> OtpChallenge
func (o *Orchestrator) awaitOTPPage(ctx context.Context) *Failure {
	if err := o.page.WaitURL(ctx, o.isOTPPage, o.timeouts.OTPPage); err != nil {
		return classify(ctx, err, KindOtpPageTimeout, KindLoginError)
	}
	o.logger.Info("OTP challenge page reached")
	return nil
}

// OtpChallenge -> Authenticated
func (o *Orchestrator) completeOTP(ctx context.Context) *Failure {
	code, err := o.source.FetchOTP(ctx, o.cred, o.start, o.policy)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return &Failure{Kind: KindCanceled, Cause: ctx.Err()}
		case errors.Is(err, mailbox.ErrInvalidCredential):
			return &Failure{Kind: KindInvalidCredential, Cause: err}
		default:
			return &Failure{Kind: KindNoOtpFound, Cause: err}
		}
	}
	digits := code.Digits()
	if len(digits) != o.portal.OTPDigits {
		return &Failure{Kind: KindUnexpected, Cause: fmt.Errorf("OTP has %d digits, portal expects %d", len(digits), o.portal.OTPDigits)}
	}
	o.logger.Info("OTP retrieved, entering code")

	for i, digit := range digits {
		loc, err := browser.Indexed(o.loc.otpDigit, i+1)
		if err != nil {
			return &Failure{Kind: KindUnexpected, Cause: err}
		}
		if err := o.page.WaitPresent(ctx, loc, o.timeouts.Element); err != nil {
			return classify(ctx, err, KindOtpFieldMissing, KindUnexpected)
		}
		if err := o.page.Fill(ctx, loc, digit); err != nil {
			return classify(ctx, err, KindOtpFieldMissing, KindUnexpected)
		}
	}

	if err := o.page.WaitPresent(ctx, o.loc.otpSubmit, o.timeouts.Element); err != nil {
		return classify(ctx, err, KindOtpSubmitElementMissing, KindUnexpected)
	}
	if err := o.page.Click(ctx, o.loc.otpSubmit); err != nil {
		return classify(ctx, err, KindOtpSubmitElementMissing, KindUnexpected)
	}

	if err := o.page.WaitURL(ctx, o.isAuthenticated, o.timeouts.Authenticated); err != nil {
		failure := classify(ctx, err, KindAuthenticationTimeout, KindUnexpected)
		if failure.Kind == KindAuthenticationTimeout {
			o.logLastURL(ctx)
		}
		return failure
	}
	return nil
}

// logLastURL records where the portal left the tab after the OTP was refused
// or ignored.
func (o *Orchestrator) logLastURL(ctx context.Context) {
	u, err := o.page.Location(ctx)
	if err != nil {
		o.logger.Debug("Could not read final URL", zap.Error(err))
		return
	}
	o.logger.Warn("Portal did not authenticate after OTP submission", zap.String("last_url", u))
}

// postLogin performs the optional smoke navigation. Failure leaves the
// session authenticated.
func (o *Orchestrator) postLogin(ctx context.Context) {
	if o.portal.PostLoginURL == "" {
		return
	}
	if err := o.page.Navigate(ctx, o.portal.PostLoginURL); err != nil {
		o.logger.Warn("Post-login navigation failed", zap.String("url", o.portal.PostLoginURL), zap.Error(err))
		return
	}
	o.logger.Info("Post-login navigation complete", zap.String("url", o.portal.PostLoginURL))
}

func (o *Orchestrator) isOTPPage(u string) bool {
	if o.otpPattern != nil {
		return o.otpPattern.MatchString(u)
	}
	return u == o.portal.OTPURL
}

func (o *Orchestrator) isAuthenticated(u string) bool {
	if o.authPattern != nil {
		return o.authPattern.MatchString(u)
	}
	return u != "" && !o.isOTPPage(u)
}

func (o *Orchestrator) transition(to State) error {
	if !CanTransition(o.state, to) {
		return fmt.Errorf("illegal transition %s -> %s", o.state, to)
	}
	o.logger.Debug("State transition", zap.Stringer("from", o.state), zap.Stringer("to", to))
	o.state = to
	o.history = append(o.history, to)
	return nil
}

func (o *Orchestrator) fail(f *Failure) {
	if o.state.Terminal() {
		return
	}
	o.failure = f
	o.state = Failed
	o.history = append(o.history, Failed)
}

func (o *Orchestrator) result() Result {
	return Result{
		State:   o.state,
		Failure: o.failure,
		History: append([]State(nil), o.history...),
		Page:    o.page,
	}
}

func (o *Orchestrator) report(res Result) {
	kind := ""
	if res.Failure != nil {
		kind = string(res.Failure.Kind)
		o.logger.Error("Login failed", zap.String("kind", kind), zap.Error(res.Failure.Cause))
	} else {
		o.logger.Info("Login complete", zap.Stringer("state", res.State))
	}
	o.metrics.ObserveOutcome(res.State.String(), kind)
}

// classify maps a page error to a failure kind. Driver errors are only kept
// as the cause.
func classify(ctx context.Context, err error, onTimeout, otherwise Kind) *Failure {
	switch {
	case ctx.Err() != nil:
		return &Failure{Kind: KindCanceled, Cause: err}
	case errors.Is(err, browser.ErrTimeout):
		return &Failure{Kind: onTimeout, Cause: err}
	default:
		return &Failure{Kind: otherwise, Cause: err}
	}
}
