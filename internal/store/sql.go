package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// recordRow is the row layout shared by every collection table.
type recordRow struct {
	ID        string         `gorm:"primaryKey"`
	Data      datatypes.JSON `gorm:"not null"`
	UpdatedAt time.Time
}

// SQLStore implements Store on SQLite through gorm. Each collection is its
// own table, created by a gormigrate migration.
type SQLStore struct {
	path string

	mu sync.RWMutex
	db *gorm.DB
}

// NewSQLStore returns a store backed by the SQLite file at path.
func NewSQLStore(path string) *SQLStore {
	return &SQLStore{path: path}
}

func createTable(c Collection) func(tx *gorm.DB) error {
	return func(tx *gorm.DB) error {
		if tx.Migrator().HasTable(string(c)) {
			return nil
		}
		return tx.Table(string(c)).Migrator().CreateTable(&recordRow{})
	}
}

func sqlMigrations() []*gormigrate.Migration {
	return []*gormigrate.Migration{
		{
			ID: "0001_assets_devices",
			Migrate: func(tx *gorm.DB) error {
				if err := createTable(Assets)(tx); err != nil {
					return err
				}
				return createTable(Devices)(tx)
			},
		},
		{ID: "0002_playlists", Migrate: createTable(Playlists)},
		{ID: "0003_schedules", Migrate: createTable(Schedules)},
	}
}

// Init opens the database and runs pending migrations.
func (s *SQLStore) Init(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &StorageError{Op: "init", Err: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return &StorageError{Op: "init", Err: fmt.Errorf("create data directory: %w", err)}
		}
	}

	db, err := gorm.Open(sqlite.Open(s.path+"?_pragma=busy_timeout(5000)"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return &StorageError{Op: "init", Err: fmt.Errorf("open sqlite: %w", err)}
	}

	m := gormigrate.New(db.WithContext(ctx), gormigrate.DefaultOptions, sqlMigrations())
	if err := m.Migrate(); err != nil {
		if sqlDB, derr := db.DB(); derr == nil {
			sqlDB.Close()
		}
		return &StorageError{Op: "init", Err: fmt.Errorf("migrate: %w", err)}
	}

	s.db = db
	return nil
}

func (s *SQLStore) handle(ctx context.Context, op string, c Collection) (*gorm.DB, error) {
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
	return db.WithContext(ctx).Table(string(c)), nil
}

func (s *SQLStore) Save(ctx context.Context, c Collection, rec Record) error {
	tx, err := s.handle(ctx, "save", c)
	if err != nil {
		return err
	}
	id, data, err := encode("save", c, rec)
	if err != nil {
		return err
	}
	row := recordRow{ID: id, Data: datatypes.JSON(data), UpdatedAt: time.Now()}
	err = tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return &StorageError{Op: "save", Collection: c, Err: err}
	}
	return nil
}

func (s *SQLStore) GetAll(ctx context.Context, c Collection) ([]json.RawMessage, error) {
	tx, err := s.handle(ctx, "get_all", c)
	if err != nil {
		return nil, err
	}
	var rows []recordRow
	if err := tx.Find(&rows).Error; err != nil {
		return nil, &StorageError{Op: "get_all", Collection: c, Err: err}
	}
	out := make([]json.RawMessage, 0, len(rows))
	for _, r := range rows {
		out = append(out, json.RawMessage(r.Data))
	}
	return out, nil
}

func (s *SQLStore) Delete(ctx context.Context, c Collection, id string) error {
	tx, err := s.handle(ctx, "delete", c)
	if err != nil {
		return err
	}
	if err := tx.Where("id = ?", id).Delete(&recordRow{}).Error; err != nil {
		return &StorageError{Op: "delete", Collection: c, Err: err}
	}
	return nil
}

func (s *SQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	s.db = nil
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
