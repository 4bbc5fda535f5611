package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrServiceRequired   = sterrors.New("eventlane: event service is required")
	ErrHandlerRequired   = sterrors.New("eventlane: handler function is required")
	ErrGroupRequired     = sterrors.New("eventlane: consumer group name is required")
	ErrMemberRequired    = sterrors.New("eventlane: member id is required")
	ErrTopicRequired     = sterrors.New("eventlane: topic is required")
	ErrEventRequired     = sterrors.New("eventlane: event payload is required")
	ErrConfigRequired    = sterrors.New("eventlane: configuration is required")
	ErrLoggerRequired    = sterrors.New("eventlane: logger is required")
	ErrConnectorRequired = sterrors.New("eventlane: connector is required")

	// ErrNotConnected is returned by connector operations before Connect
	// succeeded or after Close.
	ErrNotConnected = sterrors.New("eventlane: connector is not connected")

	// ErrBrokerUnavailable reports that the broker cannot be reached at all,
	// as opposed to rejecting a specific operation.
	ErrBrokerUnavailable = sterrors.New("eventlane: broker unavailable")

	// ErrTopicNotFound is returned when an operation addresses a topic the
	// topology does not know.
	ErrTopicNotFound = sterrors.New("eventlane: topic not found")

	// ErrUnknownCodec is returned when a record names a codec that is not
	// registered.
	ErrUnknownCodec = sterrors.New("eventlane: unknown codec")

	// ErrReplayNotFound is returned when a replay id does not exist.
	ErrReplayNotFound = sterrors.New("eventlane: replay not found")
)

// ErrFatal marks a handler failure as non-retryable. Wrap it (or use Fatal)
// to send an envelope straight to the dead-letter topic.
var ErrFatal = sterrors.New("eventlane: fatal handler failure")

// Fatal wraps err so the consumer dead-letters the envelope without retrying.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrFatal, err)
}

// HandlerResult classifies the outcome of a handler invocation.
type HandlerResult int

const (
	// Success acknowledges the envelope and commits its offset.
	Success HandlerResult = iota
	// RetryableFailure schedules another attempt until the retry bound is hit.
	RetryableFailure
	// FatalFailure skips remaining retries and dead-letters immediately.
	FatalFailure
)

func (r HandlerResult) String() string {
	switch r {
	case Success:
		return "success"
	case RetryableFailure:
		return "retryable_failure"
	case FatalFailure:
		return "fatal_failure"
	default:
		return "unknown"
	}
}

// Classify maps a handler error to its result. nil is Success, anything
// wrapping ErrFatal or a SerializationError is FatalFailure, and every other
// error is RetryableFailure.
func Classify(err error) HandlerResult {
	if err == nil {
		return Success
	}
	if sterrors.Is(err, ErrFatal) {
		return FatalFailure
	}
	var serr *SerializationError
	if sterrors.As(err, &serr) {
		return FatalFailure
	}
	return RetryableFailure
}

// IsRetryable reports whether the consumer should attempt the envelope again.
func IsRetryable(err error) bool {
	return Classify(err) == RetryableFailure
}

// SerializationError reports an envelope that could not be encoded or decoded.
// It is never retried: the bytes will not get better.
type SerializationError struct {
	Codec string
	Err   error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("eventlane: serialization failed (codec %s): %v", e.Codec, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// NewSerializationError wraps err for the named codec; nil err returns nil.
func NewSerializationError(codec string, err error) error {
	if err == nil {
		return nil
	}
	return &SerializationError{Codec: codec, Err: err}
}

// TopologyError reports a failed topology operation for a topic.
type TopologyError struct {
	Topic string
	Err   error
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("eventlane: topology operation failed for %s: %v", e.Topic, e.Err)
}

func (e *TopologyError) Unwrap() error { return e.Err }

// PublishErrorKind names the publish failure classes surfaced to callers.
type PublishErrorKind string

const (
	PublishSerialization       PublishErrorKind = "serialization"
	PublishTopologyUnavailable PublishErrorKind = "topology_unavailable"
	PublishBrokerRejected      PublishErrorKind = "broker_rejected"
	PublishTimeout             PublishErrorKind = "timeout"
)

// PublishError wraps a failed publish with the stage that failed.
type PublishError struct {
	Kind  PublishErrorKind
	Topic string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("eventlane: publish to %s failed (%s): %v", e.Topic, e.Kind, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// ConsumeFailure wraps a handler or decode failure with its position, so
// operators can find the record behind a dead-letter entry.
type ConsumeFailure struct {
	Group     string
	Topic     string
	Partition int
	Offset    int64
	Err       error
}

func (e *ConsumeFailure) Error() string {
	return fmt.Sprintf("eventlane: consume failed in group %s at %s/%d@%d: %v",
		e.Group, e.Topic, e.Partition, e.Offset, e.Err)
}

func (e *ConsumeFailure) Unwrap() error { return e.Err }

// ConfigValidationError wraps the joined validation errors of a Config.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "eventlane: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError wraps err in a ConfigValidationError; nil stays nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
