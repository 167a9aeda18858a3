package coordinator

import (
	"slices"
	"strings"
	"time"

	"visionflow/internal/store"
)

// Snapshot is a fully replaced, read-only copy of the four collections.
// Callers must not modify the slices they get from it.
type Snapshot struct {
	Assets    []store.MediaAsset `json:"assets"`
	Devices   []store.Device     `json:"devices"`
	Playlists []store.Playlist   `json:"playlists"`
	Schedules []store.Schedule   `json:"schedules"`

	// Seeded lists collections that were empty in the store and were
	// filled with fixtures for this load only.
	Seeded   []store.Collection `json:"seeded,omitempty"`
	LoadedAt time.Time          `json:"loadedAt"`
}

// Asset returns the asset with id.
func (s *Snapshot) Asset(id string) (store.MediaAsset, bool) {
	for _, a := range s.Assets {
		if a.ID == id {
			return a, true
		}
	}
	return store.MediaAsset{}, false
}

// Playlist returns the playlist with id.
func (s *Snapshot) Playlist(id string) (store.Playlist, bool) {
	if id == "" {
		return store.Playlist{}, false
	}
	for _, p := range s.Playlists {
		if p.ID == id {
			return p, true
		}
	}
	return store.Playlist{}, false
}

// Device returns the device with id.
func (s *Snapshot) Device(id string) (store.Device, bool) {
	for _, d := range s.Devices {
		if d.ID == id {
			return d, true
		}
	}
	return store.Device{}, false
}

// DeviceByCode returns the first device paired with code.
func (s *Snapshot) DeviceByCode(code string) (store.Device, bool) {
	if code == "" {
		return store.Device{}, false
	}
	for _, d := range s.Devices {
		if d.PairingCode == code {
			return d, true
		}
	}
	return store.Device{}, false
}

// AssignedPlaylist resolves a device's playlist. A dangling reference
// reports false, the same as no assignment.
func (s *Snapshot) AssignedPlaylist(d store.Device) (store.Playlist, bool) {
	return s.Playlist(d.CurrentPlaylistID)
}

// Public returns a copy for browsers with asset bytes dropped. Terminals
// reach the bytes through media handles instead.
func (s *Snapshot) Public() *Snapshot {
	out := *s
	out.Assets = PublicAssets(s.Assets)
	return &out
}

// PublicAssets copies assets without their BinaryContent.
func PublicAssets(assets []store.MediaAsset) []store.MediaAsset {
	out := make([]store.MediaAsset, len(assets))
	for i, a := range assets {
		a.BinaryContent = nil
		out[i] = a
	}
	return out
}

// IsSeeded reports whether c came from fixtures on this load.
func (s *Snapshot) IsSeeded(c store.Collection) bool {
	return slices.Contains(s.Seeded, c)
}

// sortByID gives each collection a stable order for display.
func (s *Snapshot) sortByID() {
	slices.SortFunc(s.Assets, func(a, b store.MediaAsset) int { return strings.Compare(a.ID, b.ID) })
	slices.SortFunc(s.Devices, func(a, b store.Device) int { return strings.Compare(a.ID, b.ID) })
	slices.SortFunc(s.Playlists, func(a, b store.Playlist) int { return strings.Compare(a.ID, b.ID) })
	slices.SortFunc(s.Schedules, func(a, b store.Schedule) int { return strings.Compare(a.ID, b.ID) })
}
