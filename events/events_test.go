package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBus_Subscribe(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	eb.Subscribe(EventFlowApproved, &mockHandler{})

	eb.mu.RLock()
	handlers, ok := eb.handlers[EventFlowApproved]
	eb.mu.RUnlock()

	require.True(t, ok)
	assert.Len(t, handlers, 1)
	assert.True(t, eb.HasSubscribers(EventFlowApproved))
	assert.False(t, eb.HasSubscribers(EventFlowRejected))
}

func TestEventBus_Publish(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	received := make(chan Event, 1)
	eb.Subscribe(EventFlowAdvanced, &mockHandler{
		handleFunc: func(ctx context.Context, event Event) error {
			received <- event
			return nil
		},
	})

	err := eb.Publish(context.Background(), Event{
		Type:          EventFlowAdvanced,
		InstanceID:    123,
		SubjectRef:    "IND-1",
		DisplayStatus: "Pending for Approval (Level 2)",
	})
	require.NoError(t, err)

	select {
	case ev := <-received:
		assert.Equal(t, uint64(123), ev.InstanceID)
		assert.Equal(t, "IND-1", ev.SubjectRef)
		assert.False(t, ev.At.IsZero())
	case <-time.After(time.Second):
		t.Fatal("handler was not called")
	}
}

func TestEventBus_PublishSync(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	eb.Subscribe(EventFlowRejected, &mockHandler{
		handleFunc: func(ctx context.Context, event Event) error {
			return errors.New("test error")
		},
	})

	errs := eb.PublishSync(context.Background(), Event{Type: EventFlowRejected, InstanceID: 123})
	require.Len(t, errs, 1)
	assert.EqualError(t, errs[0], "test error")

	errs = eb.PublishSync(context.Background(), Event{Type: "unknown"})
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrNoHandler)
}

func TestEventBus_PublishNoHandlers(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	err := eb.Publish(context.Background(), Event{Type: "unknown_event", InstanceID: 123})
	assert.ErrorIs(t, err, ErrNoHandler)
}

func TestEventBus_PublishAfterStop(t *testing.T) {
	eb := NewEventBus()
	eb.Stop()

	err := eb.Publish(context.Background(), Event{Type: EventFlowStarted})
	assert.ErrorIs(t, err, ErrBusClosed)
	errs := eb.PublishSync(context.Background(), Event{Type: EventFlowStarted})
	assert.Equal(t, []error{ErrBusClosed}, errs)
}

func TestEventBus_WithOptions(t *testing.T) {
	var mu sync.Mutex
	var gotErr error
	called := make(chan struct{})

	eb := NewEventBus(
		WithBufferSize(200),
		WithErrorHandler(func(event Event, err error) {
			mu.Lock()
			gotErr = err
			mu.Unlock()
			close(called)
		}),
	)
	defer eb.Stop()

	assert.Equal(t, 200, cap(eb.eventCh))

	eb.SubscribeFunc(EventFlowSentBack, func(ctx context.Context, event Event) error {
		return errors.New("sink down")
	})
	require.NoError(t, eb.Publish(context.Background(), Event{Type: EventFlowSentBack}))

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("custom error handler was not called")
	}
	mu.Lock()
	assert.EqualError(t, gotErr, "sink down")
	mu.Unlock()
}

func TestEventBus_CancelledContext(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	eb.Subscribe(EventFlowStarted, &mockHandler{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := eb.Publish(ctx, Event{Type: EventFlowStarted})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBusSink(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()
	sink := NewBusSink(eb)

	// No subscriber yet: not an error.
	assert.NoError(t, sink.SyncStatus(context.Background(), "IND-1", "Approved"))

	var received []Event
	eb.SubscribeFunc(EventSubjectStatus, func(ctx context.Context, event Event) error {
		received = append(received, event)
		return nil
	})
	require.NoError(t, sink.SyncStatus(context.Background(), "IND-1", "Rejected"))

	// delivered before SyncStatus returns
	require.Len(t, received, 1)
	assert.Equal(t, "IND-1", received[0].SubjectRef)
	assert.Equal(t, "Rejected", received[0].DisplayStatus)
	assert.False(t, received[0].At.IsZero())

	persistErr := errors.New("indent store unavailable")
	eb.SubscribeFunc(EventSubjectStatus, func(ctx context.Context, event Event) error {
		return persistErr
	})
	assert.ErrorIs(t, sink.SyncStatus(context.Background(), "IND-1", "Approved"), persistErr)

	eb.Stop()
	assert.ErrorIs(t, sink.SyncStatus(context.Background(), "IND-1", "Approved"), ErrBusClosed)
}

// Helper types

type mockHandler struct {
	handleFunc func(ctx context.Context, event Event) error
}

func (m *mockHandler) Handle(ctx context.Context, event Event) error {
	if m.handleFunc != nil {
		return m.handleFunc(ctx, event)
	}
	return nil
}
