// Package notify carries content-free "state changed" notices between sync
// contexts that share one store.
package notify

import (
	"context"
	"errors"
)

// ChannelName is the rendezvous name every context of the application joins.
const ChannelName = "visionflow_global_sync"

// StateChanged is the only notice type; receivers reload everything.
const StateChanged = "STATE_CHANGED"

// ErrClosed is returned when publishing on a closed endpoint.
var ErrClosed = errors.New("notifier closed")

// Notice is the single message shape on the channel.
type Notice struct {
	Type string `json:"type"`
}

// Changed returns a STATE_CHANGED notice.
func Changed() Notice { return Notice{Type: StateChanged} }

// Handler receives notices published by other contexts.
type Handler func(Notice)

// Notifier is a fan-out broadcast channel. Publish never delivers back to the
// publishing context.
type Notifier interface {
	Publish(ctx context.Context, n Notice) error
	Subscribe(h Handler) func()
	Close() error
}
