package coordinator

import (
	"log/slog"
	"sync"
)

// Event types
const (
	// EventStateChanged fires after every snapshot replacement.
	// Data is a map with "origin" ("local", "remote" or "sync") and "op".
	EventStateChanged  = "state_changed"
	EventDevicePaired  = "device_paired"
	EventDeviceRemoved = "device_removed"
	EventAssetAnalyzed = "asset_analyzed"
	EventSyncAll       = "sync_all"
)

// Event is what a coordinator tells its own subscribers. Data stays a
// plain map so the same value can go out over WebSocket unchanged.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

func stateChanged(origin, op string) Event {
	return Event{Type: EventStateChanged, Data: map[string]interface{}{
		"origin": origin,
		"op":     op,
	}}
}

func deviceRemoved(id string) Event {
	return Event{Type: EventDeviceRemoved, Data: map[string]interface{}{"id": id}}
}

// ChangeOf returns the origin and op of a state_changed event.
func ChangeOf(e Event) (origin, op string, ok bool) {
	if e.Type != EventStateChanged {
		return "", "", false
	}
	data, ok := e.Data.(map[string]interface{})
	if !ok {
		return "", "", false
	}
	origin, _ = data["origin"].(string)
	op, _ = data["op"].(string)
	return origin, op, true
}

// RemovedID returns the device ID of a device_removed event.
func RemovedID(e Event) (string, bool) {
	if e.Type != EventDeviceRemoved {
		return "", false
	}
	data, ok := e.Data.(map[string]interface{})
	if !ok {
		return "", false
	}
	id, _ := data["id"].(string)
	return id, id != ""
}

// EventHandler is a callback for events.
type EventHandler func(Event)

type subscription struct {
	id   uint64
	typ  string // empty matches every type
	call EventHandler
}

// EventBus delivers one coordinator's events to its subscribers, in the
// order they subscribed. Delivery is synchronous.
type EventBus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
	logger *slog.Logger
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{logger: logger}
}

// On registers a handler for one event type and returns its unsubscribe
// function.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	return eb.subscribe(eventType, handler)
}

// OnAll registers a handler for every event type.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	return eb.subscribe("", handler)
}

func (eb *EventBus) subscribe(typ string, handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	eb.subs = append(eb.subs, subscription{id: id, typ: typ, call: handler})

	var once sync.Once
	return func() {
		once.Do(func() { eb.remove(id) })
	}
}

func (eb *EventBus) remove(id uint64) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	for i, s := range eb.subs {
		if s.id == id {
			eb.subs = append(eb.subs[:i:i], eb.subs[i+1:]...)
			return
		}
	}
}

// Emit calls every matching handler. A panicking handler is logged and
// the rest still run.
func (eb *EventBus) Emit(event Event) {
	eb.mu.RLock()
	var targets []EventHandler
	for _, s := range eb.subs {
		if s.typ == "" || s.typ == event.Type {
			targets = append(targets, s.call)
		}
	}
	eb.mu.RUnlock()

	for _, h := range targets {
		eb.deliver(h, event)
	}
}

func (eb *EventBus) deliver(h EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "type", event.Type, "panic", r)
		}
	}()
	h(event)
}
