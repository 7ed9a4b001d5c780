package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/telekom/ssoctl/pkg/metrics"
)

// Handler receives events published on a Bus.
type Handler func(Event)

// BusConfig configures the Bus.
type BusConfig struct {
	// QueueSize is the size of the asynchronous sink queue.
	// Default: 256
	QueueSize int
	// WriteTimeout bounds a single sink write.
	// Default: 5s
	WriteTimeout time.Duration
}

// DefaultBusConfig returns the default Bus configuration.
func DefaultBusConfig() BusConfig {
	return BusConfig{
		QueueSize:    256,
		WriteTimeout: 5 * time.Second,
	}
}

// Bus fans session events out to in-process subscribers and to a sink.
// Publish never blocks on the sink: a full queue drops the event.
type Bus struct {
	sink   Sink
	queue  chan *Event
	logger *zap.Logger
	config BusConfig
	now    func() time.Time

	mu       sync.RWMutex
	handlers map[uint64]Handler
	nextID   uint64

	sendMu sync.RWMutex
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewBus creates a Bus. A nil sink disables asynchronous delivery.
func NewBus(sink Sink, cfg BusConfig, logger *zap.Logger) *Bus {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &Bus{
		sink:     sink,
		logger:   logger.Named("event-bus"),
		config:   cfg,
		now:      time.Now,
		handlers: make(map[uint64]Handler),
	}
	if sink != nil {
		b.queue = make(chan *Event, cfg.QueueSize)
		b.wg.Add(1)
		go b.processQueue()
	}
	return b
}

// Subscribe registers fn for every event published after this call. The
// returned function removes the subscription.
func (b *Bus) Subscribe(fn Handler) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.handlers, id)
			b.mu.Unlock()
		})
	}
}

// Publish fills in ID, timestamp and severity, calls subscribers in the
// caller's goroutine, then queues the event for the sink.
func (b *Bus) Publish(event Event) {
	if b == nil || b.closed.Load() {
		return
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = b.now().UTC()
	}
	if event.Severity == "" {
		event.Severity = SeverityForEventType(event.Type)
	}
	metrics.SessionEvents.WithLabelValues(string(event.Type)).Inc()

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()
	for _, h := range handlers {
		b.dispatch(h, event)
	}

	if b.queue == nil {
		return
	}
	b.sendMu.RLock()
	defer b.sendMu.RUnlock()
	if b.closed.Load() {
		return
	}
	ev := event
	select {
	case b.queue <- &ev:
	default:
		metrics.EventsDropped.WithLabelValues("queue_full").Inc()
		b.logger.Warn("event queue full, dropping event",
			zap.String("event_type", string(event.Type)),
			zap.String("event_id", event.ID))
	}
}

func (b *Bus) dispatch(h Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked",
				zap.String("event_type", string(event.Type)),
				zap.Any("panic", r))
		}
	}()
	h(event)
}

func (b *Bus) processQueue() {
	defer b.wg.Done()

	for event := range b.queue {
		ctx, cancel := context.WithTimeout(context.Background(), b.config.WriteTimeout)
		if err := b.sink.Write(ctx, event); err != nil {
			b.logger.Error("failed to write session event",
				zap.String("sink", b.sink.Name()),
				zap.String("event_id", event.ID),
				zap.String("event_type", string(event.Type)),
				zap.Error(err))
			metrics.EventSinkErrors.WithLabelValues(b.sink.Name()).Inc()
		} else {
			metrics.EventsPublished.WithLabelValues(b.sink.Name()).Inc()
		}
		cancel()
	}
}

// Close drains the queue and closes the sink.
func (b *Bus) Close() error {
	if b == nil || b.closed.Swap(true) {
		return nil
	}
	if b.queue == nil {
		return nil
	}
	b.sendMu.Lock()
	close(b.queue)
	b.sendMu.Unlock()
	b.wg.Wait()
	return b.sink.Close()
}
