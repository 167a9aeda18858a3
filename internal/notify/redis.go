package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// envelope is the wire form on the Redis channel. Origin identifies the
// publishing context across processes.
type envelope struct {
	Type   string `json:"type"`
	Origin string `json:"origin"`
}

func encodeEnvelope(origin string, n Notice) ([]byte, error) {
	return json.Marshal(envelope{Type: n.Type, Origin: origin})
}

// decodeEnvelope returns the notice in payload unless it came from self.
func decodeEnvelope(payload string, self string) (Notice, bool) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil || env.Type == "" {
		return Notice{}, false
	}
	if env.Origin == self {
		return Notice{}, false
	}
	return Notice{Type: env.Type}, true
}

// RedisBus carries notices over Redis pub/sub so contexts in several
// processes sharing one SQL store stay in step.
type RedisBus struct {
	name     string
	instance string
	rdb      *redis.Client
	logger   *slog.Logger
}

// NewRedisBus connects to Redis and checks the connection.
func NewRedisBus(ctx context.Context, opts *redis.Options, name string, logger *slog.Logger) (*RedisBus, error) {
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisBus{
		name:     name,
		instance: uuid.NewString(),
		rdb:      rdb,
		logger:   logger.With("component", "notify", "channel", name, "transport", "redis"),
	}, nil
}

// Join returns an endpoint for one context in this process.
func (b *RedisBus) Join(contextID string) *RedisEndpoint {
	return &RedisEndpoint{
		bus:    b,
		origin: b.instance + "/" + contextID,
		subs:   make(map[*redis.PubSub]chan struct{}),
	}
}

// Close closes the Redis client. Endpoints should be closed first.
func (b *RedisBus) Close() error {
	return b.rdb.Close()
}

// RedisEndpoint is one context's view of a RedisBus. It implements Notifier.
type RedisEndpoint struct {
	bus    *RedisBus
	origin string

	mu     sync.Mutex
	subs   map[*redis.PubSub]chan struct{}
	closed bool
}

var _ Notifier = (*RedisEndpoint)(nil)

func (e *RedisEndpoint) Publish(ctx context.Context, n Notice) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}
	data, err := encodeEnvelope(e.origin, n)
	if err != nil {
		return err
	}
	if err := e.bus.rdb.Publish(ctx, e.bus.name, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", e.bus.name, err)
	}
	return nil
}

// Subscribe starts delivering notices from other contexts to h on a
// dedicated goroutine. Returns an unsubscribe function.
func (e *RedisEndpoint) Subscribe(h Handler) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return func() {}
	}
	ps := e.bus.rdb.Subscribe(context.Background(), e.bus.name)
	done := make(chan struct{})
	e.subs[ps] = done

	go func() {
		defer close(done)
		for msg := range ps.Channel() {
			n, ok := decodeEnvelope(msg.Payload, e.origin)
			if !ok {
				continue
			}
			e.deliver(h, n)
		}
	}()

	return func() { e.unsubscribe(ps) }
}

func (e *RedisEndpoint) deliver(h Handler, n Notice) {
	defer func() {
		if r := recover(); r != nil {
			e.bus.logger.Error("notice handler panic", "panic", r)
		}
	}()
	h(n)
}

func (e *RedisEndpoint) unsubscribe(ps *redis.PubSub) {
	e.mu.Lock()
	done, ok := e.subs[ps]
	delete(e.subs, ps)
	e.mu.Unlock()
	if !ok {
		return
	}
	if err := ps.Close(); err != nil {
		e.bus.logger.Warn("close subscription", "err", err)
	}
	<-done
}

// Close removes every subscription made through this endpoint.
func (e *RedisEndpoint) Close() error {
	e.mu.Lock()
	subs := make([]*redis.PubSub, 0, len(e.subs))
	for ps := range e.subs {
		subs = append(subs, ps)
	}
	e.closed = true
	e.mu.Unlock()
	for _, ps := range subs {
		e.unsubscribe(ps)
	}
	return nil
}
