package coordinator

import (
	"context"
	"fmt"
	"slices"

	"visionflow/internal/advisor"
	"visionflow/internal/store"
)

// DefaultItemDuration is the duration in seconds of a newly added item.
const DefaultItemDuration = 10

// CreatePlaylist adds an empty playlist named after the current count.
func (c *Coordinator) CreatePlaylist(ctx context.Context) (store.Playlist, error) {
	var p store.Playlist
	err := c.mutate(ctx, "create playlist", func(ctx context.Context, snap *Snapshot) error {
		p = store.Playlist{
			ID:        newPlaylistID(),
			Name:      fmt.Sprintf("New Sequence %d", len(snap.Playlists)+1),
			Items:     []store.PlaylistItem{},
			UpdatedAt: c.now().UTC(),
		}
		return c.store.Save(ctx, store.Playlists, p)
	})
	if err != nil {
		return store.Playlist{}, err
	}
	return p, nil
}

// UpdatePlaylist validates and upserts p, stamping UpdatedAt.
func (c *Coordinator) UpdatePlaylist(ctx context.Context, p store.Playlist) error {
	return c.mutate(ctx, "update playlist", func(ctx context.Context, snap *Snapshot) error {
		if p.Items == nil {
			p.Items = []store.PlaylistItem{}
		}
		p.UpdatedAt = c.now().UTC()
		if err := c.check(p); err != nil {
			return err
		}
		return c.store.Save(ctx, store.Playlists, p)
	})
}

// DeletePlaylist removes a playlist. Devices still pointing at it are left
// alone; their terminals treat the reference as unassigned.
func (c *Coordinator) DeletePlaylist(ctx context.Context, id string) error {
	return c.mutate(ctx, "delete playlist", func(ctx context.Context, _ *Snapshot) error {
		return c.store.Delete(ctx, store.Playlists, id)
	})
}

// editPlaylist applies fn to a copy of playlist id and saves the result.
func (c *Coordinator) editPlaylist(ctx context.Context, op, id string, fn func(snap *Snapshot, p *store.Playlist) error) error {
	return c.mutate(ctx, op, func(ctx context.Context, snap *Snapshot) error {
		p, ok := snap.Playlist(id)
		if !ok {
			return fmt.Errorf("playlist %s: %w", id, ErrNotFound)
		}
		p.Items = slices.Clone(p.Items)
		if err := fn(snap, &p); err != nil {
			return err
		}
		if p.Items == nil {
			p.Items = []store.PlaylistItem{}
		}
		p.UpdatedAt = c.now().UTC()
		if err := c.check(p); err != nil {
			return err
		}
		return c.store.Save(ctx, store.Playlists, p)
	})
}

// RenamePlaylist changes a playlist's display name.
func (c *Coordinator) RenamePlaylist(ctx context.Context, id, name string) error {
	return c.editPlaylist(ctx, "rename playlist", id, func(_ *Snapshot, p *store.Playlist) error {
		name, err := requireText("name", name)
		if err != nil {
			return err
		}
		p.Name = name
		return nil
	})
}

// PlaylistAddItem appends assetID with the default duration.
func (c *Coordinator) PlaylistAddItem(ctx context.Context, id, assetID string) error {
	return c.editPlaylist(ctx, "add playlist item", id, func(snap *Snapshot, p *store.Playlist) error {
		if _, ok := snap.Asset(assetID); !ok {
			return fmt.Errorf("asset %s: %w", assetID, ErrNotFound)
		}
		p.Items = append(p.Items, store.PlaylistItem{AssetID: assetID, Duration: DefaultItemDuration})
		return nil
	})
}

// PlaylistRemoveItem drops every item that shows assetID.
func (c *Coordinator) PlaylistRemoveItem(ctx context.Context, id, assetID string) error {
	return c.editPlaylist(ctx, "remove playlist item", id, func(_ *Snapshot, p *store.Playlist) error {
		p.Items = slices.DeleteFunc(p.Items, func(it store.PlaylistItem) bool {
			return it.AssetID == assetID
		})
		return nil
	})
}

// PlaylistSetDuration sets the duration of every item showing assetID.
// Durations below one second are raised to one.
func (c *Coordinator) PlaylistSetDuration(ctx context.Context, id, assetID string, seconds int) error {
	seconds = max(seconds, 1)
	return c.editPlaylist(ctx, "set item duration", id, func(_ *Snapshot, p *store.Playlist) error {
		found := false
		for i := range p.Items {
			if p.Items[i].AssetID == assetID {
				p.Items[i].Duration = seconds
				found = true
			}
		}
		if !found {
			return fmt.Errorf("item %s in playlist %s: %w", assetID, id, ErrNotFound)
		}
		return nil
	})
}

// SuggestPlaylistName asks the advisor for a name for playlist id. A failed
// call yields advisor.DefaultPlaylistName. Nothing is saved; callers apply
// the name with RenamePlaylist.
func (c *Coordinator) SuggestPlaylistName(ctx context.Context, id string) (string, error) {
	snap := c.Snapshot()
	p, ok := snap.Playlist(id)
	if !ok {
		return "", fmt.Errorf("suggest playlist name: playlist %s: %w", id, ErrNotFound)
	}
	names := make([]string, 0, len(p.Items))
	for _, it := range p.Items {
		if a, ok := snap.Asset(it.AssetID); ok {
			names = append(names, a.Name)
		}
	}
	return advisor.PlaylistName(ctx, c.advisor, names, c.logger), nil
}
