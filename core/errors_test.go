package core

import (
	"fmt"
	"testing"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"ErrRateBudgetExceeded is retryable", ErrRateBudgetExceeded, true},
		{"ErrCompleterTransient is retryable", ErrCompleterTransient, true},
		{"ErrConnectionFailed is retryable", ErrConnectionFailed, true},
		{"ErrQueueFull is retryable", ErrQueueFull, true},
		{"wrapped retryable error", fmt.Errorf("dial: %w", ErrCompleterTransient), true},
		{"ErrCompleterFatal is not retryable", ErrCompleterFatal, false},
		{"ErrMaxIterExceeded is not retryable", ErrMaxIterExceeded, false},
		{"ErrInvalidConfiguration is not retryable", ErrInvalidConfiguration, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.expected {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"ErrCompleterFatal is fatal", ErrCompleterFatal, true},
		{"ErrMaxIterExceeded is fatal", ErrMaxIterExceeded, true},
		{"ErrCancelled is fatal", ErrCancelled, true},
		{"ErrDeadlineExceeded is fatal", ErrDeadlineExceeded, true},
		{"ErrRateBudgetExceeded is not fatal", ErrRateBudgetExceeded, false},
		{"ErrGuardrailRejected is not fatal", ErrGuardrailRejected, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsFatal(tt.err); got != tt.expected {
				t.Errorf("IsFatal(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestIsConfigurationError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"ErrCyclicDAG is configuration error", ErrCyclicDAG, true},
		{"ErrUnresolvedRef is configuration error", ErrUnresolvedRef, true},
		{"ErrManagerInAgents is configuration error", ErrManagerInAgents, true},
		{"ErrMissingManager is configuration error", ErrMissingManager, true},
		{"wrapped config error", fmt.Errorf("validate: %w", ErrInvalidConfiguration), true},
		{"ErrToolFailed is not configuration error", ErrToolFailed, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsConfigurationError(tt.err); got != tt.expected {
				t.Errorf("IsConfigurationError(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestFrameworkError_Error(t *testing.T) {
	t.Run("op and err", func(t *testing.T) {
		e := &FrameworkError{Op: "orchestrator.compile", Err: ErrCyclicDAG}
		want := "orchestrator.compile: task dependency graph has a cycle"
		if got := e.Error(); got != want {
			t.Errorf("Error() = %q, want %q", got, want)
		}
	})

	t.Run("op, id and err", func(t *testing.T) {
		e := &FrameworkError{Op: "task.run", ID: "write-memo", Err: ErrMaxIterExceeded}
		want := "task.run [write-memo]: agent exceeded its iteration budget"
		if got := e.Error(); got != want {
			t.Errorf("Error() = %q, want %q", got, want)
		}
	})

	t.Run("message only", func(t *testing.T) {
		e := &FrameworkError{Message: "no manager configured"}
		if got := e.Error(); got != "no manager configured" {
			t.Errorf("Error() = %q, want %q", got, "no manager configured")
		}
	})
}
