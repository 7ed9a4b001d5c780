package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingSink struct {
	mu     sync.Mutex
	events []*Event
	err    error
	closed bool
	block  chan struct{}
}

func (s *recordingSink) Write(_ context.Context, event *Event) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return s.err
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Events() []*Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Event(nil), s.events...)
}

func TestBusPublishFillsDefaults(t *testing.T) {
	bus := NewBus(nil, DefaultBusConfig(), zap.NewNop())
	var got []Event
	bus.Subscribe(func(e Event) { got = append(got, e) })

	bus.Publish(Event{Type: EventLoginFailed, Region: "eu-central-1"})

	require.Len(t, got, 1)
	assert.NotEmpty(t, got[0].ID)
	assert.False(t, got[0].Timestamp.IsZero())
	assert.Equal(t, SeverityWarning, got[0].Severity)
	assert.Equal(t, "eu-central-1", got[0].Region)
}

func TestBusSubscribersCalledInOrderOfPublish(t *testing.T) {
	bus := NewBus(nil, DefaultBusConfig(), zap.NewNop())
	var first, second []EventType
	bus.Subscribe(func(e Event) { first = append(first, e.Type) })
	bus.Subscribe(func(e Event) { second = append(second, e.Type) })

	bus.Publish(Event{Type: EventAuthenticated})
	bus.Publish(Event{Type: EventLoggedOut})

	assert.Equal(t, []EventType{EventAuthenticated, EventLoggedOut}, first)
	assert.Equal(t, []EventType{EventAuthenticated, EventLoggedOut}, second)
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus(nil, DefaultBusConfig(), zap.NewNop())
	calls := 0
	unsubscribe := bus.Subscribe(func(Event) { calls++ })

	bus.Publish(Event{Type: EventAuthenticated})
	unsubscribe()
	unsubscribe()
	bus.Publish(Event{Type: EventLoggedOut})

	assert.Equal(t, 1, calls)
}

func TestBusSubscriberPanicIsContained(t *testing.T) {
	bus := NewBus(nil, DefaultBusConfig(), zap.NewNop())
	called := false
	bus.Subscribe(func(Event) { panic("boom") })
	bus.Subscribe(func(Event) { called = true })

	assert.NotPanics(t, func() { bus.Publish(Event{Type: EventExpired}) })
	assert.True(t, called)
}

func TestBusDeliversToSinkAndDrainsOnClose(t *testing.T) {
	sink := &recordingSink{}
	bus := NewBus(sink, DefaultBusConfig(), zap.NewNop())

	bus.Publish(Event{Type: EventAuthenticated, StartURL: "https://example.awsapps.com/start"})
	bus.Publish(Event{Type: EventCredentialsIssued, AccountID: "111111111111", RoleName: "Admin"})
	require.NoError(t, bus.Close())

	events := sink.Events()
	require.Len(t, events, 2)
	assert.Equal(t, EventAuthenticated, events[0].Type)
	assert.Equal(t, "Admin", events[1].RoleName)
	assert.True(t, sink.closed)
}

func TestBusSinkErrorsDoNotStopDelivery(t *testing.T) {
	sink := &recordingSink{err: errors.New("unavailable")}
	bus := NewBus(sink, DefaultBusConfig(), zap.NewNop())

	bus.Publish(Event{Type: EventAuthenticated})
	bus.Publish(Event{Type: EventLoggedOut})
	require.NoError(t, bus.Close())

	assert.Len(t, sink.Events(), 2)
}

func TestBusDropsWhenQueueFull(t *testing.T) {
	sink := &recordingSink{block: make(chan struct{})}
	bus := NewBus(sink, BusConfig{QueueSize: 1, WriteTimeout: time.Second}, zap.NewNop())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(Event{Type: EventAuthenticated})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full queue")
	}
	close(sink.block)
	require.NoError(t, bus.Close())
	assert.Less(t, len(sink.Events()), 10)
}

func TestBusPublishAfterCloseIsNoop(t *testing.T) {
	sink := &recordingSink{}
	bus := NewBus(sink, DefaultBusConfig(), zap.NewNop())
	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())

	assert.NotPanics(t, func() { bus.Publish(Event{Type: EventAuthenticated}) })
	assert.Empty(t, sink.Events())
}

func TestNilBusIsSafe(t *testing.T) {
	var bus *Bus
	assert.NotPanics(t, func() { bus.Publish(Event{Type: EventAuthenticated}) })
	assert.NoError(t, bus.Close())
}

func TestSeverityForEventType(t *testing.T) {
	assert.Equal(t, SeverityInfo, SeverityForEventType(EventAuthenticated))
	assert.Equal(t, SeverityInfo, SeverityForEventType(EventCredentialsIssued))
	assert.Equal(t, SeverityWarning, SeverityForEventType(EventForcedLogout))
	assert.Equal(t, SeverityWarning, SeverityForEventType(EventExpired))
}
