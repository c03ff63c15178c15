// Package errors tests for error code definitions and error handling.
package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

// TestErrorCodeValues verifies all error codes have non-empty values.
func TestErrorCodeValues(t *testing.T) {
	tests := []struct {
		name string
		code ErrorCode
	}{
		// General errors
		{"internal", ErrInternal},
		{"invalid", ErrInvalid},
		{"not found", ErrNotFound},
		{"validation", ErrValidation},

		// Storage errors
		{"storage", ErrStorage},
		{"storage exhausted", ErrStorageExhausted},
		{"migration", ErrMigration},

		// Remote call errors
		{"transient network", ErrTransientNetwork},
		{"rejected mutation", ErrRejectedMutation},
		{"unauthorized", ErrUnauthorized},

		// Sync errors
		{"conflict", ErrConflict},
		{"data unavailable", ErrDataUnavailable},
		{"queue full", ErrQueueFull},
		{"mutation in flight", ErrMutationInFlight},

		// Configuration errors
		{"config", ErrConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.code == "" {
				t.Errorf("Error code for %s is empty", tt.name)
			}
		})
	}
}

// TestAppErrorFormat verifies the error string includes code and cause.
func TestAppErrorFormat(t *testing.T) {
	err := New(ErrDataUnavailable, "nothing cached for record")
	if !strings.Contains(err.Error(), "DATA_UNAVAILABLE") {
		t.Errorf("Error() = %q, should contain code", err.Error())
	}

	wrapped := Wrap(ErrTransientNetwork, "request timed out", errors.New("dial tcp: timeout"))
	if !strings.Contains(wrapped.Error(), "dial tcp: timeout") {
		t.Errorf("Error() = %q, should contain cause", wrapped.Error())
	}
}

// TestUnwrap verifies errors.Is works through the wrapper.
func TestUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	wrapped := Wrap(ErrTransientNetwork, "remote call failed", cause)

	if !errors.Is(wrapped, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}
}

// TestIsWithWrappedChain verifies Is unwraps nested errors.
func TestIsWithWrappedChain(t *testing.T) {
	inner := Wrap(ErrRejectedMutation, "duplicate unique key", nil)
	outer := fmt.Errorf("processing mutation: %w", inner)

	if !Is(outer, ErrRejectedMutation) {
		t.Error("Is should recognize the code through fmt.Errorf wrapping")
	}
	if Is(outer, ErrTransientNetwork) {
		t.Error("Is matched the wrong code")
	}
}

// TestIsRetryable verifies the retry classification.
func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"transient", New(ErrTransientNetwork, "timeout"), true},
		{"rejection", New(ErrRejectedMutation, "uniqueness violation"), false},
		{"unauthorized", New(ErrUnauthorized, "credential expired"), false},
		{"storage exhausted", New(ErrStorageExhausted, "quota"), false},
		{"plain error", errors.New("unknown"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.retryable)
			}
		})
	}
}

// TestCodeOf verifies code extraction defaults to internal.
func TestCodeOf(t *testing.T) {
	if CodeOf(errors.New("plain")) != ErrInternal {
		t.Error("CodeOf(plain error) should be ErrInternal")
	}
	if CodeOf(New(ErrConflict, "diverged")) != ErrConflict {
		t.Error("CodeOf should return the tagged code")
	}
}
