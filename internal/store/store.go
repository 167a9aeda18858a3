package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotInitialized is returned when an operation runs before Init.
var ErrNotInitialized = errors.New("store not initialized")

// ErrUnknownCollection is returned for a collection name outside Collections.
var ErrUnknownCollection = errors.New("unknown collection")

// Collection names one independently keyed record set.
type Collection string

const (
	Assets    Collection = "assets"
	Devices   Collection = "devices"
	Playlists Collection = "playlists"
	Schedules Collection = "schedules"
)

// Collections lists every collection the store manages.
var Collections = []Collection{Assets, Devices, Playlists, Schedules}

// Valid reports whether c is one of Collections.
func (c Collection) Valid() bool {
	for _, known := range Collections {
		if c == known {
			return true
		}
	}
	return false
}

// Record is anything that can be saved into a collection.
type Record interface {
	RecordID() string
}

// StorageError wraps a failed store operation.
type StorageError struct {
	Op         string
	Collection Collection
	Err        error
}

func (e *StorageError) Error() string {
	if e.Collection == "" {
		return fmt.Sprintf("store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Collection, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Store defines the persistence interface shared by every sync context.
type Store interface {
	// Init opens the underlying handle and creates missing collections.
	// Calling it again on an initialized store is a no-op.
	Init(ctx context.Context) error

	// Save upserts rec by its RecordID, replacing any previous value.
	Save(ctx context.Context, c Collection, rec Record) error

	// GetAll returns every record in c in unspecified order.
	GetAll(ctx context.Context, c Collection) ([]json.RawMessage, error)

	// Delete removes id from c. Deleting a missing id is not an error.
	Delete(ctx context.Context, c Collection, id string) error

	// Close the store
	Close() error
}

// Load reads a whole collection and decodes it into T.
func Load[T any](ctx context.Context, s Store, c Collection) ([]T, error) {
	raw, err := s.GetAll(ctx, c)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(raw))
	for _, data := range raw {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, &StorageError{Op: "decode", Collection: c, Err: err}
		}
		out = append(out, v)
	}
	return out, nil
}

// encode validates the target collection and serializes rec.
func encode(op string, c Collection, rec Record) (string, []byte, error) {
	if !c.Valid() {
		return "", nil, &StorageError{Op: op, Collection: c, Err: ErrUnknownCollection}
	}
	id := rec.RecordID()
	if id == "" {
		return "", nil, &StorageError{Op: op, Collection: c, Err: errors.New("empty record id")}
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", nil, &StorageError{Op: op, Collection: c, Err: err}
	}
	return id, data, nil
}
