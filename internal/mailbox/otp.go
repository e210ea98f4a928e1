// Package mailbox retrieves one-time passwords that the portal sends by email.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/xkilldash9x/portal-login/internal/observability"
	"github.com/xkilldash9x/portal-login/internal/retry"
)

var (
	// ErrNoOtpFound is returned when the retry budget is spent without a match.
	ErrNoOtpFound = errors.New("no OTP email found")
	// ErrUpstreamQuery marks a failed mailbox API call. Exhaustion returns it
	// instead of ErrNoOtpFound when the final attempt itself failed to query.
	ErrUpstreamQuery = errors.New("mailbox query failed")
	// ErrInvalidCredential is returned before any query when the credential
	// is neither current nor refreshable.
	ErrInvalidCredential = errors.New("mailbox credential is not valid")
)

// otpPattern is the only message template the portal uses.
var otpPattern = regexp.MustCompile(`Your OTP Code is (\d{6})`)

// Code is a six digit one-time password.
type Code string

// Digits splits the code into single characters, left to right.
func (c Code) Digits() []string {
	return strings.Split(string(c), "")
}

// Credential is an OAuth handle owned by the auth collaborator. The source
// only reads it.
type Credential interface {
	TokenSource() oauth2.TokenSource
	Valid() bool
}

// Message is the subset of an email the source inspects.
type Message struct {
	ID        string
	Delivered time.Time
	Snippet   string
}

// Mailbox is the read-only query surface of a mail provider.
type Mailbox interface {
	// List returns the ids of messages matching a provider search query.
	List(ctx context.Context, query string) ([]string, error)
	// Get fetches delivery time and snippet for one message.
	Get(ctx context.Context, id string) (Message, error)
}

// Connector opens a Mailbox for a credential.
type Connector func(ctx context.Context, cred Credential) (Mailbox, error)

// Source polls a mailbox for OTP emails from a fixed sender.
type Source struct {
	connect   Connector
	sender    string
	logger    *zap.Logger
	metrics   *observability.Metrics
	retryOpts []retry.Option
}

// SourceOption configures a Source.
type SourceOption func(*Source)

// WithMetrics counts every poll attempt.
func WithMetrics(m *observability.Metrics) SourceOption {
	return func(s *Source) { s.metrics = m }
}

// WithRetryOptions forwards options to every polling run.
func WithRetryOptions(opts ...retry.Option) SourceOption {
	return func(s *Source) { s.retryOpts = append(s.retryOpts, opts...) }
}

// NewSource creates a Source that searches for mail from sender.
func NewSource(connect Connector, sender string, logger *zap.Logger, opts ...SourceOption) *Source {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Source{
		connect: connect,
		sender:  sender,
		logger:  logger.Named("mailbox"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FetchOTP polls until an email delivered strictly after `after` carries an
// OTP, or the policy gives up. Among qualifying messages the earliest
// delivered one wins. The mailbox is never modified.
func (s *Source) FetchOTP(ctx context.Context, cred Credential, after time.Time, policy retry.Policy) (code Code, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Recovered from panic while polling mailbox", zap.Any("panic_value", r))
			code, err = "", fmt.Errorf("%w: panic during poll: %v", ErrUpstreamQuery, r)
		}
	}()

	if cred == nil || !cred.Valid() {
		return "", ErrInvalidCredential
	}

	box, err := s.connect(ctx, cred)
	if err != nil {
		return "", fmt.Errorf("%w: failed to open mailbox: %w", ErrUpstreamQuery, err)
	}

	query := "from:" + s.sender
	var lastSnippet string

	op := func(ctx context.Context, a retry.Attempt) error {
		ids, err := box.List(ctx, query)
		if err != nil {
			s.metrics.ObservePoll("error")
			if isAuthFailure(err) {
				return retry.Permanent(fmt.Errorf("%w: %w", ErrInvalidCredential, err))
			}
			return fmt.Errorf("%w: %w", ErrUpstreamQuery, err)
		}

		msgs, getErr := s.fetchAll(ctx, box, ids)
		if len(msgs) == 0 && getErr != nil {
			s.metrics.ObservePoll("error")
			return fmt.Errorf("%w: %w", ErrUpstreamQuery, getErr)
		}
		found, snippet, ok := earliestMatch(msgs, after)
		if snippet != "" {
			lastSnippet = snippet
		}
		if !ok {
			s.metrics.ObservePoll("empty")
			return ErrNoOtpFound
		}
		s.metrics.ObservePoll("match")
		code = found
		s.logger.Info("OTP email found", zap.Int("attempt", a.Index), zap.Int("candidates", len(ids)))
		return nil
	}

	notify := func(err error, failed retry.Attempt, wait time.Duration) {
		s.logger.Info("No OTP yet, waiting before next poll",
			zap.Int("attempt", failed.Index),
			zap.Int("max_attempts", failed.Max),
			zap.Duration("wait", wait),
			zap.Error(err))
	}

	opts := append([]retry.Option{retry.WithNotify(notify)}, s.retryOpts...)
	if err := policy.Run(ctx, op, opts...); err != nil {
		if lastSnippet != "" {
			s.logger.Warn("Giving up on OTP, last candidate snippet", zap.String("snippet", lastSnippet))
		}
		if errors.Is(err, ErrNoOtpFound) {
			return "", fmt.Errorf("%w after %d attempts", ErrNoOtpFound, max(policy.MaxAttempts, 1))
		}
		return "", err
	}
	return code, nil
}

// fetchAll resolves message ids, skipping any that fail to load. lastErr is
// the most recent fetch failure, if any.
func (s *Source) fetchAll(ctx context.Context, box Mailbox, ids []string) (msgs []Message, lastErr error) {
	msgs = make([]Message, 0, len(ids))
	for _, id := range ids {
		m, err := box.Get(ctx, id)
		if err != nil {
			s.logger.Warn("Skipping message that could not be fetched", zap.String("message_id", id), zap.Error(err))
			lastErr = err
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, lastErr
}

// earliestMatch filters to messages delivered strictly after the bound, orders
// them by delivery time and returns the first code found. snippet is the
// latest qualifying snippet that did not match, for diagnostics.
func earliestMatch(msgs []Message, after time.Time) (code Code, snippet string, ok bool) {
	fresh := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Delivered.After(after) {
			fresh = append(fresh, m)
		}
	}
	slices.SortStableFunc(fresh, func(a, b Message) int {
		return a.Delivered.Compare(b.Delivered)
	})

	for _, m := range fresh {
		if match := otpPattern.FindStringSubmatch(m.Snippet); match != nil {
			return Code(match[1]), snippet, true
		}
		snippet = m.Snippet
	}
	return "", snippet, false
}

// isAuthFailure reports whether the token exchange itself was rejected, which
// no amount of polling will fix.
func isAuthFailure(err error) bool {
	var re *oauth2.RetrieveError
	return errors.As(err, &re)
}
