package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// SchemaVersion is the newest layout this build knows how to create.
const SchemaVersion = 3

var (
	bucketMeta   = []byte("meta")
	keySchemaVer = []byte("schema_version")
)

// migrations only ever add buckets; existing data is never touched.
var migrations = []struct {
	version int
	buckets []Collection
}{
	{1, []Collection{Assets, Devices}},
	{2, []Collection{Playlists}},
	{3, []Collection{Schedules}},
}

// BoltStore implements Store using BoltDB.
// A single BoltStore is shared by every coordinator in the process; bolt
// serializes writers on its own.
type BoltStore struct {
	path string

	mu sync.RWMutex
	db *bolt.DB
}

// NewBoltStore returns a store backed by the file at path.
// The file is opened by Init.
func NewBoltStore(path string) *BoltStore {
	return &BoltStore{path: path}
}

// Init opens the database and applies pending migrations.
func (s *BoltStore) Init(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &StorageError{Op: "init", Err: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}

	db, err := bolt.Open(s.path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return &StorageError{Op: "init", Err: fmt.Errorf("open bolt db: %w", err)}
	}

	err = db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return err
		}
		current := 0
		if v := meta.Get(keySchemaVer); len(v) == 8 {
			current = int(binary.BigEndian.Uint64(v))
		}
		if current > SchemaVersion {
			return fmt.Errorf("schema version %d is newer than supported %d", current, SchemaVersion)
		}
		for _, m := range migrations {
			if m.version <= current {
				continue
			}
			for _, c := range m.buckets {
				if _, err := tx.CreateBucketIfNotExists([]byte(c)); err != nil {
					return fmt.Errorf("migration %d: %w", m.version, err)
				}
			}
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, SchemaVersion)
		return meta.Put(keySchemaVer, buf)
	})
	if err != nil {
		db.Close()
		return &StorageError{Op: "init", Err: fmt.Errorf("migrate: %w", err)}
	}

	s.db = db
	return nil
}

// handle returns the open db or a StorageError for op.
func (s *BoltStore) handle(ctx context.Context, op string, c Collection) (*bolt.DB, error) {
	if err := ctx.Err(); err != nil {
		return nil, &StorageError{Op: op, Collection: c, Err: err}
	}
	if !c.Valid() {
		return nil, &StorageError{Op: op, Collection: c, Err: ErrUnknownCollection}
	}
	s.mu.RLock()
	db := s.db
	s.mu.RUnlock()
	if db == nil {
		return nil, &StorageError{Op: op, Collection: c, Err: ErrNotInitialized}
	}
	return db, nil
}

func (s *BoltStore) Save(ctx context.Context, c Collection, rec Record) error {
	db, err := s.handle(ctx, "save", c)
	if err != nil {
		return err
	}
	id, data, err := encode("save", c, rec)
	if err != nil {
		return err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(c))
		if b == nil {
			return fmt.Errorf("bucket %q not found", c)
		}
		return b.Put([]byte(id), data)
	})
	if err != nil {
		return &StorageError{Op: "save", Collection: c, Err: err}
	}
	return nil
}

func (s *BoltStore) GetAll(ctx context.Context, c Collection) ([]json.RawMessage, error) {
	db, err := s.handle(ctx, "get_all", c)
	if err != nil {
		return nil, err
	}
	var out []json.RawMessage
	err = db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(c))
		if b == nil {
			return nil // no bucket = no records
		}
		out = make([]json.RawMessage, 0, b.Stats().KeyN)
		return b.ForEach(func(_, v []byte) error {
			// v is only valid for the life of the transaction.
			out = append(out, json.RawMessage(append([]byte(nil), v...)))
			return nil
		})
	})
	if err != nil {
		return nil, &StorageError{Op: "get_all", Collection: c, Err: err}
	}
	if out == nil {
		out = []json.RawMessage{}
	}
	return out, nil
}

func (s *BoltStore) Delete(ctx context.Context, c Collection, id string) error {
	db, err := s.handle(ctx, "delete", c)
	if err != nil {
		return err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(c))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(id))
	})
	if err != nil {
		return &StorageError{Op: "delete", Collection: c, Err: err}
	}
	return nil
}

// Close releases the file. A later Init reopens it.
func (s *BoltStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
