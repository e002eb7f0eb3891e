package comms

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Notifier is a Sink that queues events into a bounded buffer and publishes
// them to a Bus from its own goroutine. When the buffer is full the event is
// dropped and counted; Notify never blocks.
type Notifier struct {
	bus     Bus
	logger  *slog.Logger
	queue   chan Event
	dropped atomic.Int64
	onDrop  func()

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NotifierOption configures a Notifier.
type NotifierOption func(*Notifier)

// WithLogger sets the logger used for publish failures.
func WithLogger(l *slog.Logger) NotifierOption {
	return func(n *Notifier) {
		if l != nil {
			n.logger = l
		}
	}
}

// WithDropHook is called once for each dropped event.
func WithDropHook(fn func()) NotifierOption {
	return func(n *Notifier) { n.onDrop = fn }
}

// NewNotifier starts a notifier with room for size queued events.
func NewNotifier(bus Bus, size int, opts ...NotifierOption) *Notifier {
	if size <= 0 {
		size = 256
	}
	n := &Notifier{
		bus:    bus,
		logger: slog.New(slog.DiscardHandler),
		queue:  make(chan Event, size),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(n)
	}
	go n.run()
	return n
}

// Notify queues ev for delivery. A missing ID or Timestamp is filled in.
func (n *Notifier) Notify(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return
	}
	select {
	case n.queue <- ev:
	default:
		n.dropped.Add(1)
		if n.onDrop != nil {
			n.onDrop()
		}
	}
}

// Dropped reports how many events were discarded because the buffer was full.
func (n *Notifier) Dropped() int64 { return n.dropped.Load() }

// Close stops accepting events and waits until the queue has drained or ctx
// is done. Notify calls after Close are ignored.
func (n *Notifier) Close(ctx context.Context) error {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		close(n.queue)
	}
	n.mu.Unlock()
	select {
	case <-n.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Notifier) run() {
	defer close(n.done)
	for ev := range n.queue {
		ev := ev
		if err := n.bus.Publish(context.Background(), &ev); err != nil {
			n.logger.Warn("event delivery failed", "type", ev.Type, "subject", ev.Subject, "err", err)
		}
	}
}
