package engine

import (
	"errors"
	"fmt"
	"testing"
)

func TestOpErrorFormat(t *testing.T) {
	cause := errors.New("connection reset")

	tests := []struct {
		name string
		err  *OpError
		want string
	}{
		{
			name: "message only",
			err:  NewTransientError("failed to refresh resource", cause),
			want: "[transient] failed to refresh resource: connection reset",
		},
		{
			name: "with op",
			err:  NewTransientError("failed to refresh resource", cause).WithOp("refresh"),
			want: "[transient] failed to refresh resource (op=refresh): connection reset",
		},
		{
			name: "with op and resource",
			err: NewPermanentError("workbook is corrupt", cause).
				WithOp("open").
				WithResource("/data/east.xlsx"),
			want: "[permanent] workbook is corrupt (resource=/data/east.xlsx, op=open): connection reset",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorClassification(t *testing.T) {
	transient := NewTransientError("portal timed out", errors.New("timeout"))
	permanent := NewPermanentError("bad credentials", errors.New("401"))

	if !IsTransient(transient) {
		t.Error("IsTransient() = false for transient error")
	}
	if IsTransient(permanent) {
		t.Error("IsTransient() = true for permanent error")
	}
	if !IsPermanent(permanent) {
		t.Error("IsPermanent() = false for permanent error")
	}

	wrapped := fmt.Errorf("session setup: %w", permanent)
	if !IsPermanent(wrapped) {
		t.Error("IsPermanent() did not see through wrapping")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"permanent", NewPermanentError("bad credentials", nil), false},
		{"exhausted", &ExhaustedError{Op: "refresh", Attempts: 3, Err: errors.New("stuck")}, false},
		{"transient", NewTransientError("portal timed out", nil), true},
		{"unclassified", errors.New("something odd"), true},
		{"wrapped permanent", fmt.Errorf("login: %w", NewPermanentError("bad credentials", nil)), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestExhaustedError(t *testing.T) {
	cause := errors.New("refresh stuck")
	err := &ExhaustedError{Op: "resource.sync", Attempts: 5, Err: cause}

	want := `operation "resource.sync" exhausted after 5 attempts: refresh stuck`
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is() did not reach the final cause")
	}
	if !IsExhausted(err) {
		t.Error("IsExhausted() = false")
	}

	wrapped := fmt.Errorf("run: %w", err)
	got, ok := AsExhausted(wrapped)
	if !ok {
		t.Fatal("AsExhausted() = false for wrapped exhausted error")
	}
	if got.Attempts != 5 || got.Op != "resource.sync" {
		t.Errorf("AsExhausted() = %+v, want Op=resource.sync Attempts=5", got)
	}

	if _, ok := AsExhausted(errors.New("plain")); ok {
		t.Error("AsExhausted() = true for plain error")
	}
}
