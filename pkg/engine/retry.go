package engine

import (
	"context"
	"time"

	"github.com/datamill/datamill/pkg/telemetry"
)

// Default retry policy values for portal and workbook operations.
const (
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = 2 * time.Second
)

// Decision is the outcome of a single retry evaluation.
type Decision struct {
	// Retry indicates the operation should be attempted again.
	Retry bool

	// Delay is how long to wait before the next attempt. Zero when Retry is
	// false.
	Delay time.Duration
}

// Policy decides whether a failed attempt is retried. Delay is fixed per
// policy; there is no backoff between attempts.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// Delay is the fixed wait between attempts.
	Delay time.Duration

	// RetryIf classifies errors. Nil means IsRetryable.
	RetryIf func(error) bool
}

// DefaultPolicy returns the standard three-attempt policy with a fixed
// two-second delay.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		Delay:       DefaultRetryDelay,
		RetryIf:     IsRetryable,
	}
}

// Decide evaluates one failed attempt. attempt is one-based. The decision is
// pure: it neither sleeps nor logs.
func (p Policy) Decide(attempt int, err error) Decision {
	retryIf := p.RetryIf
	if retryIf == nil {
		retryIf = IsRetryable
	}
	if !retryIf(err) {
		return Decision{}
	}
	if attempt >= p.MaxAttempts {
		return Decision{}
	}
	return Decision{Retry: true, Delay: p.Delay}
}

// Retrier runs operations under a Policy, logging each failed attempt.
type Retrier struct {
	policy Policy
	log    *telemetry.Logger
}

// NewRetrier creates a retrier. A zero or negative MaxAttempts falls back to
// DefaultMaxAttempts; a nil RetryIf falls back to IsRetryable.
func NewRetrier(policy Policy, log *telemetry.Logger) *Retrier {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultMaxAttempts
	}
	if policy.RetryIf == nil {
		policy.RetryIf = IsRetryable
	}
	if log == nil {
		log = telemetry.Nop()
	}
	return &Retrier{policy: policy, log: log}
}

// Do runs fn until it succeeds, fails permanently, or exhausts the policy's
// attempts. A non-retryable error is returned unchanged without consuming
// further attempts. When every attempt fails the last error is wrapped in an
// ExhaustedError carrying the operation name and attempt count.
func (r *Retrier) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !r.policy.RetryIf(err) {
			return err
		}
		lastErr = err

		r.log.WithOp(op).
			WithAttempt(attempt, r.policy.MaxAttempts).
			WithError(err).
			Warn("operation attempt failed")

		d := r.policy.Decide(attempt, err)
		if !d.Retry {
			break
		}
		select {
		case <-time.After(d.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return &ExhaustedError{Op: op, Attempts: r.policy.MaxAttempts, Err: lastErr}
}

// Wrap returns fn bound to this retrier under the given operation name. The
// returned function has the same retry semantics as Do.
func (r *Retrier) Wrap(op string, fn func(ctx context.Context) error) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		return r.Do(ctx, op, fn)
	}
}
