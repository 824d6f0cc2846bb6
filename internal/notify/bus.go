// Package notify delivers cloud-agnostic device events (bound, unbound,
// status received, ...) to the device application.
//
// Producers call Post from any goroutine without blocking; Run dispatches
// events on a single goroutine, binding lifecycle events first and the
// rest in the order they were posted.
package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Type identifies an event.
type Type string

// Event types.
const (
	// EventInitDone fires once the hub session has started.
	EventInitDone Type = "init_done"

	// EventBound fires when the cloud binds the device to an account.
	EventBound Type = "bound"

	// EventUnbound fires when the cloud unbinds the device.
	EventUnbound Type = "unbound"

	// EventBindException fires when a blocking bind times out.
	EventBindException Type = "bind_exception"

	// EventStatusReceived carries the raw reported JSON of a get_status reply.
	EventStatusReceived Type = "status_received"

	// EventLogFlashFull fires when the diagnostic log spool reaches its cap.
	EventLogFlashFull Type = "log_flash_full"
)

// defaultQueueSize bounds events awaiting dispatch.
const defaultQueueSize = 32

// lifecycleQueueSize is the capacity kept apart for binding lifecycle
// events, so a burst of other events cannot crowd them out.
const lifecycleQueueSize = 8

// lifecycle reports whether t changes the binding of the device.
func lifecycle(t Type) bool {
	switch t {
	case EventBound, EventUnbound, EventBindException:
		return true
	default:
		return false
	}
}

// Event is one notification.
type Event struct {
	Type    Type
	Payload []byte
	Time    time.Time
}

// Handler receives dispatched events. Handlers run on the bus goroutine.
type Handler func(ctx context.Context, ev Event)

// Logger defines the logging interface used by the Bus.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// Bus queues events and fans them out to subscribers.
type Bus struct {
	queue    chan Event
	priority chan Event
	handlers []Handler
	mu       sync.RWMutex
	logger   Logger
	dropped  atomic.Uint64
}

// NewBus creates a bus holding up to size undispatched events.
// A size of zero or less selects the default.
func NewBus(size int) *Bus {
	if size <= 0 {
		size = defaultQueueSize
	}
	return &Bus{
		queue:    make(chan Event, size),
		priority: make(chan Event, lifecycleQueueSize),
		logger:   noopLogger{},
	}
}

// SetLogger sets the logger for the bus.
func (b *Bus) SetLogger(logger Logger) {
	b.mu.Lock()
	b.logger = logger
	b.mu.Unlock()
}

// Subscribe adds a handler for all events.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	b.handlers = append(b.handlers, h)
	b.mu.Unlock()
}

// Post queues an event without blocking. It returns false and counts the
// event as dropped when the queue is full. Bound, unbound and bind
// exception events use a separate queue and are dispatched ahead of
// everything else.
func (b *Bus) Post(t Type, payload []byte) bool {
	ev := Event{Type: t, Payload: payload, Time: time.Now()}
	queue := b.queue
	if lifecycle(t) {
		queue = b.priority
	}
	select {
	case queue <- ev:
		return true
	default:
		b.dropped.Add(1)
		b.mu.RLock()
		logger := b.logger
		b.mu.RUnlock()
		logger.Warn("notification dropped, queue full", "event", string(t))
		return false
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Run dispatches events until ctx is cancelled. It always returns nil so
// that shutdown of the bus does not fail an errgroup.
func (b *Bus) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-b.priority:
			b.dispatch(ctx, ev)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return nil
		case ev := <-b.priority:
			b.dispatch(ctx, ev)
		case ev := <-b.queue:
			b.dispatch(ctx, ev)
		}
	}
}

// dispatch snapshots the handler list and calls each handler.
func (b *Bus) dispatch(ctx context.Context, ev Event) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	logger := b.logger
	b.mu.RUnlock()

	logger.Debug("dispatching notification", "event", string(ev.Type), "handlers", len(handlers))
	for _, h := range handlers {
		h(ctx, ev)
	}
}
