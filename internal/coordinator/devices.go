package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"

	"visionflow/internal/identity"
	"visionflow/internal/store"
)

// Display values written into Device records.
const (
	DefaultDeviceLocation = "Smart TV Terminal"
	LastPingPaired        = "Connected now"
	LastPingSynced        = "Synced"
)

func newDeviceID() string   { return "d-" + uuid.NewString() }
func newPlaylistID() string { return "p-" + uuid.NewString() }

// simulatedIP stands in for a terminal address; terminals are in-process.
func simulatedIP() string {
	return fmt.Sprintf("10.0.0.%d", rand.IntN(255))
}

// PairDevice creates a device carrying code, which makes the terminal
// showing that code discover it on its next reload.
func (c *Coordinator) PairDevice(ctx context.Context, code, name string) (store.Device, error) {
	var dev store.Device
	err := c.mutate(ctx, "pair device", func(ctx context.Context, _ *Snapshot) error {
		code, err := requireText("pairing code", code)
		if err != nil {
			return err
		}
		code = strings.ToUpper(code)
		if !identity.ValidCode(code) {
			return fmt.Errorf("%w: pairing code %q is not of the form VF-0000", ErrInvalid, code)
		}
		name, err := requireText("name", name)
		if err != nil {
			return err
		}
		dev = store.Device{
			ID:          newDeviceID(),
			Name:        name,
			Location:    DefaultDeviceLocation,
			Status:      store.StatusOnline,
			IP:          simulatedIP(),
			LastPing:    LastPingPaired,
			PairingCode: code,
		}
		if err := c.check(dev); err != nil {
			return err
		}
		return c.store.Save(ctx, store.Devices, dev)
	})
	if err != nil {
		return store.Device{}, err
	}

	if c.pairing != nil {
		if err := c.pairing.Remove(ctx, dev.PairingCode); err != nil {
			c.logger.Warn("clear pending code", "code", dev.PairingCode, "err", err)
		}
	}
	c.events.Emit(Event{Type: EventDevicePaired, Data: map[string]interface{}{
		"id":   dev.ID,
		"code": dev.PairingCode,
		"name": dev.Name,
	}})
	c.logger.Info("device paired", "id", dev.ID, "code", dev.PairingCode, "name", dev.Name)
	return dev, nil
}

// AssignPlaylist points a device at playlistID. An empty playlistID clears
// the assignment.
func (c *Coordinator) AssignPlaylist(ctx context.Context, deviceID, playlistID string) error {
	return c.mutate(ctx, "assign playlist", func(ctx context.Context, snap *Snapshot) error {
		dev, err := c.storedDevice(ctx, deviceID)
		if errors.Is(err, ErrNotFound) {
			// Demo devices exist only in the snapshot until first written.
			var ok bool
			if dev, ok = snap.Device(deviceID); !ok || !snap.IsSeeded(store.Devices) {
				return err
			}
		} else if err != nil {
			return err
		}
		if playlistID != "" {
			if _, ok := snap.Playlist(playlistID); !ok {
				return fmt.Errorf("playlist %s: %w", playlistID, ErrNotFound)
			}
		}
		dev.CurrentPlaylistID = playlistID
		return c.store.Save(ctx, store.Devices, dev)
	})
}

// DeleteDevice removes a device. Deleting an unknown id succeeds.
// Callers are expected to confirm with the operator first.
func (c *Coordinator) DeleteDevice(ctx context.Context, id string) error {
	err := c.mutate(ctx, "delete device", func(ctx context.Context, _ *Snapshot) error {
		return c.store.Delete(ctx, store.Devices, id)
	})
	if err != nil {
		return err
	}
	c.events.Emit(deviceRemoved(id))
	return nil
}

// storedDevice reads a device from the store rather than the snapshot. The
// snapshot can lag a write made by another context, and saving from it
// would put that context's fields back.
func (c *Coordinator) storedDevice(ctx context.Context, id string) (store.Device, error) {
	devs, err := store.Load[store.Device](ctx, c.store, store.Devices)
	if err != nil {
		return store.Device{}, err
	}
	for _, d := range devs {
		if d.ID == id {
			return d, nil
		}
	}
	return store.Device{}, fmt.Errorf("device %s: %w", id, ErrNotFound)
}

// RecordPing marks a device online with the current time.
func (c *Coordinator) RecordPing(ctx context.Context, id string) error {
	return c.mutate(ctx, "record ping", func(ctx context.Context, _ *Snapshot) error {
		dev, err := c.storedDevice(ctx, id)
		if err != nil {
			return err
		}
		dev.Status = store.StatusOnline
		dev.LastPing = c.now().UTC().Format(time.RFC3339)
		return c.store.Save(ctx, store.Devices, dev)
	})
}

// SetDeviceStatus records a reachability change reported by a terminal.
func (c *Coordinator) SetDeviceStatus(ctx context.Context, id string, status store.DeviceStatus) error {
	return c.mutate(ctx, "set device status", func(ctx context.Context, _ *Snapshot) error {
		dev, err := c.storedDevice(ctx, id)
		if err != nil {
			return err
		}
		dev.Status = status
		if err := c.check(dev); err != nil {
			return err
		}
		return c.store.Save(ctx, store.Devices, dev)
	})
}
