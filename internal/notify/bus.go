package notify

import (
	"context"
	"log/slog"
	"sync"
)

// queueSize bounds undelivered notices per subscriber. Overflow is dropped.
const queueSize = 64

// LocalBus is an in-process channel shared by every context that joins it.
type LocalBus struct {
	name   string
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID uint64
}

type subscriber struct {
	origin string
	queue  chan Notice
	done   chan struct{}
	once   sync.Once
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

// NewLocalBus creates a bus for the named channel.
func NewLocalBus(name string, logger *slog.Logger) *LocalBus {
	return &LocalBus{
		name:   name,
		logger: logger.With("component", "notify", "channel", name),
		subs:   make(map[uint64]*subscriber),
	}
}

// Name returns the channel name.
func (b *LocalBus) Name() string { return b.name }

// Join returns an endpoint for one context. Notices it publishes are
// delivered to every other endpoint's subscribers.
func (b *LocalBus) Join(contextID string) *Endpoint {
	return &Endpoint{bus: b, origin: contextID, unsubs: make(map[uint64]func())}
}

func (b *LocalBus) subscribe(origin string, h Handler) (uint64, func()) {
	sub := &subscriber{
		origin: origin,
		queue:  make(chan Notice, queueSize),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	go b.deliver(sub, h)

	return id, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		sub.stop()
	}
}

// deliver runs handlers one at a time, so a single sender's notices arrive
// in publish order.
func (b *LocalBus) deliver(sub *subscriber, h Handler) {
	for {
		select {
		case <-sub.done:
			return
		case n := <-sub.queue:
			func() {
				defer func() {
					if r := recover(); r != nil {
						b.logger.Error("notice handler panic", "context", sub.origin, "panic", r)
					}
				}()
				h(n)
			}()
		}
	}
}

func (b *LocalBus) publish(origin string, n Notice) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.origin == origin {
			continue
		}
		select {
		case sub.queue <- n:
		default:
			b.logger.Warn("subscriber queue full, dropping notice", "from", origin, "to", sub.origin)
		}
	}
}

// Endpoint is one context's view of a LocalBus. It implements Notifier.
type Endpoint struct {
	bus    *LocalBus
	origin string

	mu     sync.Mutex
	unsubs map[uint64]func()
	closed bool
}

var _ Notifier = (*Endpoint)(nil)

// ContextID returns the identity used for self-exclusion.
func (e *Endpoint) ContextID() string { return e.origin }

// Publish enqueues n for every other context and returns immediately.
func (e *Endpoint) Publish(ctx context.Context, n Notice) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}
	e.bus.publish(e.origin, n)
	return nil
}

// Subscribe registers h for notices from other contexts.
// Returns an unsubscribe function.
func (e *Endpoint) Subscribe(h Handler) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return func() {}
	}
	id, unsub := e.bus.subscribe(e.origin, h)
	e.unsubs[id] = unsub
	return func() {
		e.mu.Lock()
		delete(e.unsubs, id)
		e.mu.Unlock()
		unsub()
	}
}

// Close removes every subscription made through this endpoint.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	unsubs := e.unsubs
	e.unsubs = make(map[uint64]func())
	e.closed = true
	e.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
	return nil
}
