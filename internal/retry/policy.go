// Package retry holds the bounded retry policy used for mailbox polling.
package retry

import (
	"context"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/xkilldash9x/portal-login/internal/config"
)

// Policy bounds a polling loop: at most MaxAttempts calls, separated by at
// least Interval. A Multiplier above 1 grows the wait after each failure,
// capped at MaxInterval (zero means uncapped).
type Policy struct {
	MaxAttempts int
	Interval    time.Duration
	Multiplier  float64
	MaxInterval time.Duration
}

// FromConfig builds a Policy from the mailbox poll settings.
func FromConfig(cfg config.PollConfig) Policy {
	return Policy{
		MaxAttempts: cfg.MaxAttempts,
		Interval:    cfg.Interval,
		Multiplier:  cfg.Multiplier,
		MaxInterval: cfg.MaxInterval,
	}
}

// Attempt identifies one call within a run. Index is 1-based.
type Attempt struct {
	Index int
	Max   int
}

// Last reports whether no further attempt will follow a failure of this one.
func (a Attempt) Last() bool { return a.Index >= a.Max }

// NotifyFunc is called after a failed attempt, before waiting.
type NotifyFunc func(err error, failed Attempt, wait time.Duration)

// Option customizes a single Run.
type Option func(*runOptions)

type runOptions struct {
	timer  backoff.Timer
	notify NotifyFunc
}

// WithTimer replaces the wall-clock timer. Tests use it to observe waits
// without sleeping.
func WithTimer(t backoff.Timer) Option {
	return func(o *runOptions) { o.timer = t }
}

// WithNotify registers a callback for failed attempts that will be retried.
func WithNotify(fn NotifyFunc) Option {
	return func(o *runOptions) { o.notify = fn }
}

// Permanent marks an error that must stop the loop immediately.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Run calls op until it succeeds, returns a Permanent error, the context is
// done, or MaxAttempts calls have been made. On exhaustion the error of the
// last attempt is returned unchanged.
func (p Policy) Run(ctx context.Context, op func(ctx context.Context, a Attempt) error, opts ...Option) error {
	o := runOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var current Attempt
	operation := func() error {
		current = Attempt{Index: current.Index + 1, Max: maxAttempts}
		return op(ctx, current)
	}

	var notify backoff.Notify
	if o.notify != nil {
		notify = func(err error, wait time.Duration) {
			o.notify(err, current, wait)
		}
	}

	b := backoff.WithContext(backoff.WithMaxRetries(p.backOff(), uint64(maxAttempts-1)), ctx)
	return backoff.RetryNotifyWithTimer(operation, b, notify, o.timer)
}

func (p Policy) backOff() backoff.BackOff {
	if p.Multiplier <= 1 {
		return backoff.NewConstantBackOff(p.Interval)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.Interval
	eb.Multiplier = p.Multiplier
	// Jitter could shorten a wait below Interval.
	eb.RandomizationFactor = 0
	// Attempts bound the loop, not elapsed time.
	eb.MaxElapsedTime = 0
	eb.MaxInterval = time.Duration(math.MaxInt64)
	if p.MaxInterval >= p.Interval && p.MaxInterval > 0 {
		eb.MaxInterval = p.MaxInterval
	}
	return eb
}
