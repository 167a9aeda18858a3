package coordinator

import (
	"context"
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"visionflow/internal/store"
)

// uploadResolution is the display resolution given to uploads.
const uploadResolution = "Full HD"

// SaveAsset validates and upserts a.
func (c *Coordinator) SaveAsset(ctx context.Context, a store.MediaAsset) error {
	return c.mutate(ctx, "save asset", func(ctx context.Context, _ *Snapshot) error {
		if err := c.check(a); err != nil {
			return err
		}
		return c.store.Save(ctx, store.Assets, a)
	})
}

// UploadAsset stores data as a new local asset. The media type is sniffed
// from the bytes: images stay images, everything else plays as video.
func (c *Coordinator) UploadAsset(ctx context.Context, fileName string, data []byte) (store.MediaAsset, error) {
	name, err := requireText("file name", fileName)
	if err != nil {
		return store.MediaAsset{}, fmt.Errorf("upload asset: %w", err)
	}
	if len(data) == 0 {
		return store.MediaAsset{}, fmt.Errorf("upload asset: %w: empty file", ErrInvalid)
	}

	mt := mimetype.Detect(data)
	a := store.MediaAsset{
		ID:            uuid.NewString(),
		Name:          name,
		Type:          store.MediaVideo,
		Size:          fmt.Sprintf("%.2fMB", float64(len(data))/(1024*1024)),
		Resolution:    uploadResolution,
		UploadedAt:    c.now().UTC(),
		MimeType:      mt.String(),
		BinaryContent: data,
	}
	if strings.HasPrefix(mt.String(), "image/") {
		a.Type = store.MediaImage
	}
	if err := c.SaveAsset(ctx, a); err != nil {
		return store.MediaAsset{}, err
	}
	c.logger.Info("asset uploaded", "id", a.ID, "name", a.Name, "mime", a.MimeType, "size", a.Size)
	return a, nil
}

// DeleteAsset removes an asset. Playlist items that still reference it
// play as placeholders. Deleting an unknown id succeeds.
func (c *Coordinator) DeleteAsset(ctx context.Context, id string) error {
	return c.mutate(ctx, "delete asset", func(ctx context.Context, _ *Snapshot) error {
		return c.store.Delete(ctx, store.Assets, id)
	})
}

// AnalyzeAsset asks the advisor to describe a local image and attaches the
// result. Videos, remote assets and advisory failures leave the asset as it
// is and return nil metadata.
func (c *Coordinator) AnalyzeAsset(ctx context.Context, id string) (*store.AIMetadata, error) {
	a, ok := c.Snapshot().Asset(id)
	if !ok {
		return nil, fmt.Errorf("analyze asset: asset %s: %w", id, ErrNotFound)
	}
	if a.Type != store.MediaImage || len(a.BinaryContent) == 0 {
		c.logger.Debug("asset not analyzable", "id", id, "type", a.Type)
		return nil, nil
	}

	// The advisor runs outside writeMu; it can be slow.
	meta, err := c.advisor.AnalyzeMedia(ctx, a.Name, a.BinaryContent)
	if err != nil || meta == nil {
		c.logger.Warn("media analysis failed", "id", id, "err", err)
		return nil, nil
	}

	err = c.mutate(ctx, "analyze asset", func(ctx context.Context, snap *Snapshot) error {
		cur, ok := snap.Asset(id)
		if !ok {
			return fmt.Errorf("asset %s: %w", id, ErrNotFound)
		}
		cur.AIMetadata = meta
		if err := c.check(cur); err != nil {
			return err
		}
		return c.store.Save(ctx, store.Assets, cur)
	})
	if err != nil {
		return nil, err
	}
	c.events.Emit(Event{Type: EventAssetAnalyzed, Data: map[string]interface{}{
		"id":   id,
		"tags": meta.Tags,
	}})
	return meta, nil
}
