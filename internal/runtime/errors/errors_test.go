package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestSentinelErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{"ErrServiceRequired", ErrServiceRequired, "eventlane: event service is required"},
		{"ErrHandlerRequired", ErrHandlerRequired, "eventlane: handler function is required"},
		{"ErrGroupRequired", ErrGroupRequired, "eventlane: consumer group name is required"},
		{"ErrTopicRequired", ErrTopicRequired, "eventlane: topic is required"},
		{"ErrEventRequired", ErrEventRequired, "eventlane: event payload is required"},
		{"ErrConfigRequired", ErrConfigRequired, "eventlane: configuration is required"},
		{"ErrLoggerRequired", ErrLoggerRequired, "eventlane: logger is required"},
		{"ErrNotConnected", ErrNotConnected, "eventlane: connector is not connected"},
		{"ErrTopicNotFound", ErrTopicNotFound, "eventlane: topic not found"},
		{"ErrUnknownCodec", ErrUnknownCodec, "eventlane: unknown codec"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	if got := Classify(nil); got != Success {
		t.Errorf("Classify(nil) = %v, want Success", got)
	}

	if got := Classify(errors.New("downstream timeout")); got != RetryableFailure {
		t.Errorf("Classify(plain error) = %v, want RetryableFailure", got)
	}

	if got := Classify(Fatal(errors.New("bad tenant"))); got != FatalFailure {
		t.Errorf("Classify(Fatal(...)) = %v, want FatalFailure", got)
	}

	serr := NewSerializationError("json", errors.New("truncated payload"))
	if got := Classify(serr); got != FatalFailure {
		t.Errorf("Classify(SerializationError) = %v, want FatalFailure", got)
	}

	wrapped := fmt.Errorf("while handling: %w", Fatal(errors.New("boom")))
	if got := Classify(wrapped); got != FatalFailure {
		t.Errorf("Classify(wrapped fatal) = %v, want FatalFailure", got)
	}
}

func TestFatalNil(t *testing.T) {
	if Fatal(nil) != nil {
		t.Error("Fatal(nil) should stay nil")
	}
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(nil) {
		t.Error("nil error must not be retryable")
	}
	if !IsRetryable(errors.New("flaky downstream")) {
		t.Error("plain errors must be retryable")
	}
	if IsRetryable(Fatal(errors.New("poison"))) {
		t.Error("fatal errors must not be retryable")
	}
}

func TestPublishErrorWrapping(t *testing.T) {
	inner := errors.New("connection refused")
	err := &PublishError{Kind: PublishBrokerRejected, Topic: "eventlane.domain", Err: inner}

	want := "eventlane: publish to eventlane.domain failed (broker_rejected): connection refused"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, inner) {
		t.Error("errors.Is should reach the wrapped error")
	}

	var perr *PublishError
	wrapped := fmt.Errorf("publish: %w", err)
	if !errors.As(wrapped, &perr) {
		t.Fatalf("errors.As should find PublishError in %v", wrapped)
	}
	if perr.Kind != PublishBrokerRejected {
		t.Errorf("Kind = %q, want %q", perr.Kind, PublishBrokerRejected)
	}
}

func TestConsumeFailureError(t *testing.T) {
	inner := errors.New("handler exploded")
	err := &ConsumeFailure{Group: "billing", Topic: "eventlane.domain", Partition: 3, Offset: 42, Err: inner}

	want := "eventlane: consume failed in group billing at eventlane.domain/3@42: handler exploded"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if errors.Unwrap(err) != inner {
		t.Error("Unwrap should return the inner error")
	}
}

func TestConfigValidationError(t *testing.T) {
	inner := errors.New("invalid partition count")
	err := ConfigValidationError{Err: inner}

	want := "eventlane: invalid configuration: invalid partition count"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if unwrapped := err.Unwrap(); unwrapped != inner {
		t.Errorf("Unwrap() = %v, want %v", unwrapped, inner)
	}
}

func TestNewConfigValidationError(t *testing.T) {
	t.Run("nil error returns nil", func(t *testing.T) {
		if err := NewConfigValidationError(nil); err != nil {
			t.Errorf("NewConfigValidationError(nil) = %v, want nil", err)
		}
	})

	t.Run("errors.Is works with wrapped error", func(t *testing.T) {
		inner := errors.New("specific error")
		err := NewConfigValidationError(inner)
		if !errors.Is(err, inner) {
			t.Error("errors.Is should match wrapped error")
		}
	})
}
