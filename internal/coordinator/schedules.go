package coordinator

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"visionflow/internal/store"
)

// SaveSchedule validates and upserts s. An empty ID gets a fresh one.
// Schedules are stored for display; terminals do not act on them.
func (c *Coordinator) SaveSchedule(ctx context.Context, s store.Schedule) (store.Schedule, error) {
	err := c.mutate(ctx, "save schedule", func(ctx context.Context, snap *Snapshot) error {
		if s.ID == "" {
			s.ID = "s-" + uuid.NewString()
		}
		if err := c.check(s); err != nil {
			return err
		}
		if _, ok := snap.Device(s.DeviceID); !ok {
			return fmt.Errorf("device %s: %w", s.DeviceID, ErrNotFound)
		}
		if _, ok := snap.Playlist(s.PlaylistID); !ok {
			return fmt.Errorf("playlist %s: %w", s.PlaylistID, ErrNotFound)
		}
		return c.store.Save(ctx, store.Schedules, s)
	})
	if err != nil {
		return store.Schedule{}, err
	}
	return s, nil
}

// DeleteSchedule removes a schedule. Deleting an unknown id succeeds.
func (c *Coordinator) DeleteSchedule(ctx context.Context, id string) error {
	return c.mutate(ctx, "delete schedule", func(ctx context.Context, _ *Snapshot) error {
		return c.store.Delete(ctx, store.Schedules, id)
	})
}
