package runtime

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/streamhaus/eventlane/connector"
	envelopepkg "github.com/streamhaus/eventlane/internal/runtime/envelope"
	loggingpkg "github.com/streamhaus/eventlane/internal/runtime/logging"
)

func TestConsumerHooks_Merge(t *testing.T) {
	var calls []string
	var mu sync.Mutex
	record := func(name string) {
		mu.Lock()
		calls = append(calls, name)
		mu.Unlock()
	}

	hooks1 := ConsumerHooks{
		OnStart:      func(ctx HookContext) { record("start1") },
		OnSuccess:    func(ctx HookContext) { record("success1") },
		OnFailure:    func(ctx HookContext, err error) { record("failure1") },
		OnDeadLetter: func(ctx HookContext, err error) { record("dlq1") },
	}
	hooks2 := ConsumerHooks{
		OnStart:      func(ctx HookContext) { record("start2") },
		OnSuccess:    func(ctx HookContext) { record("success2") },
		OnFailure:    func(ctx HookContext, err error) { record("failure2") },
		OnDeadLetter: func(ctx HookContext, err error) { record("dlq2") },
	}

	merged := hooks1.Merge(hooks2)
	merged.OnStart(HookContext{})
	merged.OnSuccess(HookContext{})
	merged.OnFailure(HookContext{}, errors.New("x"))
	merged.OnDeadLetter(HookContext{}, errors.New("x"))

	assert.Equal(t, []string{
		"start1", "start2",
		"success1", "success2",
		"failure1", "failure2",
		"dlq1", "dlq2",
	}, calls)
}

func TestConsumerHooks_MergePartial(t *testing.T) {
	var calls []string

	hooks1 := ConsumerHooks{
		OnStart: func(ctx HookContext) { calls = append(calls, "start1") },
	}
	hooks2 := ConsumerHooks{
		OnSuccess: func(ctx HookContext) { calls = append(calls, "success2") },
	}

	merged := hooks1.Merge(hooks2)
	merged.OnStart(HookContext{})
	merged.OnSuccess(HookContext{})
	assert.Nil(t, merged.OnFailure)
	assert.Nil(t, merged.OnDeadLetter)
	assert.Equal(t, []string{"start1", "success2"}, calls)
}

func TestPublishHooks_Merge(t *testing.T) {
	var calls []string

	hooks1 := PublishHooks{
		OnPublished: func(topic string, env envelopepkg.Envelope, ack connector.PublishAck) {
			calls = append(calls, "published1")
		},
	}
	hooks2 := PublishHooks{
		OnPublished: func(topic string, env envelopepkg.Envelope, ack connector.PublishAck) {
			calls = append(calls, "published2")
		},
		OnError: func(topic string, env envelopepkg.Envelope, err error) {
			calls = append(calls, "error2")
		},
	}

	merged := hooks1.Merge(hooks2)
	merged.OnPublished("t", envelopepkg.Envelope{}, connector.PublishAck{})
	merged.OnError("t", envelopepkg.Envelope{}, errors.New("x"))

	assert.Equal(t, []string{"published1", "published2", "error2"}, calls)
}

func TestLoggingHooks(t *testing.T) {
	logger := &hooksTestLogger{}
	hooks := LoggingHooks(logger)

	ctx := HookContext{
		Group:      "billing",
		Topic:      "eventlane.billing",
		Partition:  2,
		Offset:     17,
		EnvelopeID: "env-1",
		RetryCount: 1,
		Duration:   5 * time.Millisecond,
	}
	hooks.OnStart(ctx)
	hooks.OnSuccess(ctx)
	hooks.OnFailure(ctx, errors.New("handler broke"))
	hooks.OnDeadLetter(ctx, errors.New("handler broke"))

	assert.Contains(t, logger.infoMessages(), "Envelope handling started")
	assert.Contains(t, logger.infoMessages(), "Envelope handled")
	assert.Contains(t, logger.errorMessages(), "Envelope handling failed")
	assert.Contains(t, logger.errorMessages(), "Envelope dead-lettered")
}

func TestAlertingHooks(t *testing.T) {
	var alerted bool
	var captured error

	hooks := AlertingHooks(func(ctx HookContext, err error) {
		alerted = true
		captured = err
	})

	expected := errors.New("alert error")
	hooks.OnDeadLetter(HookContext{}, expected)

	assert.True(t, alerted)
	assert.Equal(t, expected, captured)
	assert.Nil(t, hooks.OnStart)
	assert.Nil(t, hooks.OnFailure)
}

type hooksTestLogger struct {
	mu     sync.Mutex
	infos  []string
	errs   []string
	debugs []string
}

func (l *hooksTestLogger) With(fields loggingpkg.LogFields) loggingpkg.ServiceLogger { return l }

func (l *hooksTestLogger) Debug(msg string, fields loggingpkg.LogFields) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.debugs = append(l.debugs, msg)
}

func (l *hooksTestLogger) Info(msg string, fields loggingpkg.LogFields) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.infos = append(l.infos, msg)
}

func (l *hooksTestLogger) Error(msg string, err error, fields loggingpkg.LogFields) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, msg)
}

func (l *hooksTestLogger) Trace(msg string, fields loggingpkg.LogFields) {}

func (l *hooksTestLogger) infoMessages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	clone := make([]string, len(l.infos))
	copy(clone, l.infos)
	return clone
}

func (l *hooksTestLogger) errorMessages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	clone := make([]string, len(l.errs))
	copy(clone, l.errs)
	return clone
}
