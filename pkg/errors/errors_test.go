package errors

import (
	"context"
	"fmt"
	"testing"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"nil", nil, ""},
		{"app error", NewNotFoundError("message not found"), CodeNotFound},
		{"wrapped app error", fmt.Errorf("load: %w", NewConflictError("stale")), CodeConflict},
		{"deadline", context.DeadlineExceeded, CodeTimeout},
		{"plain", fmt.Errorf("boom"), CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(tt.err); got != tt.want {
				t.Errorf("CodeOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("dial tcp: refused")
	err := NewUnavailableError("store unreachable", cause)

	if err.Unwrap() != cause {
		t.Fatal("Unwrap should return the cause")
	}
	if got := err.Error(); got != "[UNAVAILABLE] store unreachable: dial tcp: refused" {
		t.Errorf("Error() = %q", got)
	}
	if MessageOf(err) != "store unreachable" {
		t.Errorf("MessageOf() = %q", MessageOf(err))
	}
}

func TestHelpers(t *testing.T) {
	if !IsPermissionDenied(NewPermissionDeniedError("no")) {
		t.Error("IsPermissionDenied should be true")
	}
	if IsNotFound(NewInvalidArgumentError("bad")) {
		t.Error("IsNotFound should be false for invalid argument")
	}
	if !IsAlreadyExists(NewAlreadyExistsError("dup")) {
		t.Error("IsAlreadyExists should be true")
	}
}
