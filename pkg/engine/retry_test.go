package engine

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPolicyDecide(t *testing.T) {
	policy := Policy{MaxAttempts: 3, Delay: 2 * time.Second}
	retryable := NewTransientError("portal timed out", nil)

	tests := []struct {
		name    string
		attempt int
		err     error
		want    Decision
	}{
		{"first failure retries", 1, retryable, Decision{Retry: true, Delay: 2 * time.Second}},
		{"mid budget retries", 2, retryable, Decision{Retry: true, Delay: 2 * time.Second}},
		{"budget exhausted fails", 3, retryable, Decision{}},
		{"past budget fails", 4, retryable, Decision{}},
		{"permanent fails immediately", 1, NewPermanentError("bad credentials", nil), Decision{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := policy.Decide(tt.attempt, tt.err); got != tt.want {
				t.Errorf("Decide(%d) = %+v, want %+v", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestPolicyDecideDefaultsToRetryable(t *testing.T) {
	policy := Policy{MaxAttempts: 2}
	if d := policy.Decide(1, errors.New("unclassified")); !d.Retry {
		t.Error("Decide() with nil RetryIf did not retry an unclassified error")
	}
}

func TestRetrierSucceedsAfterRetries(t *testing.T) {
	calls := 0
	r := NewRetrier(Policy{MaxAttempts: 3}, nil)

	err := r.Do(context.Background(), "refresh", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return NewTransientError("still updating", nil)
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Do() = %v, want nil", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetrierExhaustsAttempts(t *testing.T) {
	calls := 0
	cause := errors.New("refresh stuck")
	r := NewRetrier(Policy{MaxAttempts: 3}, nil)

	err := r.Do(context.Background(), "refresh", func(ctx context.Context) error {
		calls++
		return cause
	})

	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	exhausted, ok := AsExhausted(err)
	if !ok {
		t.Fatalf("Do() = %v, want ExhaustedError", err)
	}
	if exhausted.Op != "refresh" || exhausted.Attempts != 3 {
		t.Errorf("ExhaustedError = %+v, want Op=refresh Attempts=3", exhausted)
	}
	if !errors.Is(err, cause) {
		t.Error("ExhaustedError does not wrap the final cause")
	}
	if IsRetryable(err) {
		t.Error("exhausted error must not be retryable")
	}
}

func TestRetrierPermanentErrorPassesThrough(t *testing.T) {
	calls := 0
	permanent := NewPermanentError("bad credentials", nil)
	r := NewRetrier(Policy{MaxAttempts: 3}, nil)

	err := r.Do(context.Background(), "login", func(ctx context.Context) error {
		calls++
		return permanent
	})

	if calls != 1 {
		t.Errorf("calls = %d, want 1: permanent errors must not consume attempts", calls)
	}
	if !errors.Is(err, permanent) {
		t.Fatalf("Do() = %v, want the permanent error unchanged", err)
	}
	if IsExhausted(err) {
		t.Error("permanent error must not be wrapped as exhausted")
	}
}

func TestRetrierContextCancelledDuringDelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	r := NewRetrier(Policy{MaxAttempts: 3, Delay: time.Minute}, nil)

	err := r.Do(ctx, "refresh", func(ctx context.Context) error {
		calls++
		cancel()
		return NewTransientError("still updating", nil)
	})

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Do() = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetrierWrap(t *testing.T) {
	calls := 0
	r := NewRetrier(Policy{MaxAttempts: 2}, nil)
	fn := r.Wrap("save", func(ctx context.Context) error {
		calls++
		return errors.New("disk busy")
	})

	err := fn(context.Background())

	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	exhausted, ok := AsExhausted(err)
	if !ok {
		t.Fatalf("wrapped fn = %v, want ExhaustedError", err)
	}
	if exhausted.Op != "save" {
		t.Errorf("Op = %q, want save", exhausted.Op)
	}
}

func TestNewRetrierNormalizesPolicy(t *testing.T) {
	calls := 0
	r := NewRetrier(Policy{}, nil)

	err := r.Do(context.Background(), "refresh", func(ctx context.Context) error {
		calls++
		return errors.New("still updating")
	})

	if calls != DefaultMaxAttempts {
		t.Errorf("calls = %d, want %d", calls, DefaultMaxAttempts)
	}
	exhausted, ok := AsExhausted(err)
	if !ok {
		t.Fatalf("Do() = %v, want ExhaustedError", err)
	}
	if exhausted.Attempts != DefaultMaxAttempts {
		t.Errorf("Attempts = %d, want %d", exhausted.Attempts, DefaultMaxAttempts)
	}
}
