package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"ErrTimeout is retryable", ErrTimeout, true},
		{"ErrContextCanceled is retryable", ErrContextCanceled, true},
		{"ErrCircuitOpen is retryable", ErrCircuitOpen, true},
		{"wrapped retryable error is retryable", fmt.Errorf("operation failed: %w", ErrTimeout), true},
		{"ErrResolverNotFound is not retryable", ErrResolverNotFound, false},
		{"ErrInvalidConfiguration is not retryable", ErrInvalidConfiguration, false},
		{"custom error is not retryable", errors.New("custom error"), false},
		{"nil error is not retryable", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := IsRetryable(tt.err); result != tt.expected {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, result, tt.expected)
			}
		})
	}
}

func TestIsNotFound(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"ErrResolverNotFound is not found", ErrResolverNotFound, true},
		{"ErrMasteryNotFound is not found", ErrMasteryNotFound, true},
		{"ErrExecutionNotFound is not found", ErrExecutionNotFound, true},
		{"wrapped not found error is detected", fmt.Errorf("failed to locate: %w", ErrResolverNotFound), true},
		{"ErrTimeout is not a not-found error", ErrTimeout, false},
		{"ErrInvalidConfiguration is not a not-found error", ErrInvalidConfiguration, false},
		{"custom error is not a not-found error", errors.New("something else"), false},
		{"nil error is not a not-found error", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := IsNotFound(tt.err); result != tt.expected {
				t.Errorf("IsNotFound(%v) = %v, want %v", tt.err, result, tt.expected)
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
		{"ErrInvalidConfiguration is configuration error", ErrInvalidConfiguration, true},
		{"ErrMissingConfiguration is configuration error", ErrMissingConfiguration, true},
		{"wrapped configuration error is detected", fmt.Errorf("config validation failed: %w", ErrInvalidConfiguration), true},
		{"ErrResolverNotFound is not configuration error", ErrResolverNotFound, false},
		{"custom error is not configuration error", errors.New("random error"), false},
		{"nil error is not configuration error", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := IsConfigurationError(tt.err); result != tt.expected {
				t.Errorf("IsConfigurationError(%v) = %v, want %v", tt.err, result, tt.expected)
			}
		})
	}
}

func TestIsStateError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"ErrAlreadyStarted is state error", ErrAlreadyStarted, true},
		{"ErrNotInitialized is state error", ErrNotInitialized, true},
		{"ErrAlreadyRegistered is state error", ErrAlreadyRegistered, true},
		{"ErrInvalidStatus is state error", ErrInvalidStatus, true},
		{"wrapped state error is detected", fmt.Errorf("cannot proceed: %w", ErrNotInitialized), true},
		{"ErrTimeout is not state error", ErrTimeout, false},
		{"ErrResolverNotFound is not state error", ErrResolverNotFound, false},
		{"custom error is not state error", errors.New("some other error"), false},
		{"nil error is not state error", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := IsStateError(tt.err); result != tt.expected {
				t.Errorf("IsStateError(%v) = %v, want %v", tt.err, result, tt.expected)
			}
		})
	}
}

func TestErrorWrapping(t *testing.T) {
	baseErr := ErrResolverNotFound
	wrappedOnce := fmt.Errorf("failed to find resolver 'test': %w", baseErr)
	wrappedTwice := fmt.Errorf("operation failed: %w", wrappedOnce)

	if !IsNotFound(baseErr) {
		t.Error("base error should be detected as not-found")
	}
	if !IsNotFound(wrappedOnce) {
		t.Error("once-wrapped error should be detected as not-found")
	}
	if !IsNotFound(wrappedTwice) {
		t.Error("twice-wrapped error should be detected as not-found")
	}
	if !errors.Is(wrappedTwice, ErrResolverNotFound) {
		t.Error("errors.Is should work through multiple wrapping layers")
	}
}

func TestErrorCombinations(t *testing.T) {
	if IsConfigurationError(ErrTimeout) {
		t.Error("ErrTimeout should not be a configuration error")
	}
	if IsStateError(ErrInvalidConfiguration) {
		t.Error("ErrInvalidConfiguration should not be a state error")
	}
	if IsNotFound(ErrEvolutionInProgress) {
		t.Error("ErrEvolutionInProgress should not be a not-found error")
	}
}

func TestFrameworkError(t *testing.T) {
	base := errors.New("boom")
	fe := NewFrameworkError("Registry.Register", "registry", base)
	if fe.Unwrap() != base {
		t.Error("Unwrap should return the wrapped error")
	}
	if !errors.Is(fe, base) {
		t.Error("errors.Is should see through FrameworkError to the wrapped error")
	}
	if got := fe.Error(); got == "" {
		t.Error("Error() should not be empty")
	}

	withID := &FrameworkError{Op: "Registry.Get", Kind: "registry", ID: "summarizer@1.2.0", Err: base}
	if want := "Registry.Get [summarizer@1.2.0]: boom"; withID.Error() != want {
		t.Errorf("Error() = %q, want %q", withID.Error(), want)
	}
}

func BenchmarkIsRetryable(b *testing.B) {
	err := fmt.Errorf("wrapped: %w", ErrTimeout)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = IsRetryable(err)
	}
}

func BenchmarkIsNotFound(b *testing.B) {
	err := fmt.Errorf("wrapped: %w", ErrResolverNotFound)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = IsNotFound(err)
	}
}
