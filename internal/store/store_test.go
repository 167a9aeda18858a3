package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

// runStoreContract exercises behavior every backend must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("empty collection", func(t *testing.T) {
		s := newStore(t)
		for _, c := range Collections {
			got, err := s.GetAll(ctx, c)
			if err != nil {
				t.Fatalf("GetAll(%s): %v", c, err)
			}
			if got == nil || len(got) != 0 {
				t.Errorf("GetAll(%s) = %v, want empty non-nil slice", c, got)
			}
		}
	})

	t.Run("init is idempotent", func(t *testing.T) {
		s := newStore(t)
		if err := s.Save(ctx, Devices, Device{ID: "d1", Name: "Lobby"}); err != nil {
			t.Fatal(err)
		}
		for i := 0; i < 3; i++ {
			if err := s.Init(ctx); err != nil {
				t.Fatalf("Init #%d: %v", i, err)
			}
		}
		devs, err := Load[Device](ctx, s, Devices)
		if err != nil {
			t.Fatal(err)
		}
		if len(devs) != 1 {
			t.Errorf("devices after re-init = %d, want 1", len(devs))
		}
	})

	t.Run("upsert replaces", func(t *testing.T) {
		s := newStore(t)
		first := Playlist{
			ID:    "p1",
			Name:  "Reception",
			Items: []PlaylistItem{{AssetID: "1", Duration: 15}, {AssetID: "3", Duration: 30}},
		}
		second := Playlist{ID: "p1", Name: "Renamed"}
		if err := s.Save(ctx, Playlists, first); err != nil {
			t.Fatal(err)
		}
		if err := s.Save(ctx, Playlists, second); err != nil {
			t.Fatal(err)
		}
		got, err := Load[Playlist](ctx, s, Playlists)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 1 {
			t.Fatalf("playlists = %d, want 1", len(got))
		}
		if got[0].Name != "Renamed" {
			t.Errorf("name = %q, want %q", got[0].Name, "Renamed")
		}
		if len(got[0].Items) != 0 {
			t.Errorf("items = %d, want 0 (no field merging)", len(got[0].Items))
		}
	})

	t.Run("idempotent delete", func(t *testing.T) {
		s := newStore(t)
		if err := s.Save(ctx, Assets, MediaAsset{ID: "a1", Name: "x.jpg", Type: MediaImage}); err != nil {
			t.Fatal(err)
		}
		for _, c := range Collections {
			if err := s.Delete(ctx, c, "does-not-exist"); err != nil {
				t.Errorf("Delete(%s, missing): %v", c, err)
			}
		}
		assets, err := Load[MediaAsset](ctx, s, Assets)
		if err != nil {
			t.Fatal(err)
		}
		if len(assets) != 1 {
			t.Errorf("assets = %d, want 1", len(assets))
		}

		if err := s.Delete(ctx, Assets, "a1"); err != nil {
			t.Fatal(err)
		}
		if err := s.Delete(ctx, Assets, "a1"); err != nil {
			t.Errorf("second delete: %v", err)
		}
		assets, _ = Load[MediaAsset](ctx, s, Assets)
		if len(assets) != 0 {
			t.Errorf("assets after delete = %d, want 0", len(assets))
		}
	})

	t.Run("round trip", func(t *testing.T) {
		s := newStore(t)
		uploaded := time.Date(2024, 5, 10, 8, 30, 0, 0, time.UTC)
		asset := MediaAsset{
			ID:            "a1",
			Name:          "welcome.jpg",
			Type:          MediaImage,
			Size:          "1.20MB",
			Resolution:    "Full HD",
			UploadedAt:    uploaded,
			BinaryContent: []byte{0xFF, 0xD8, 0xFF, 0x00},
			AIMetadata: &AIMetadata{
				Tags:             []string{"office", "clean"},
				ReadabilityScore: 92,
				OptimizationTips: "Good contrast.",
			},
		}
		sched := Schedule{
			ID: "s1", DeviceID: "d1", PlaylistID: "p1",
			StartTime: "08:00", EndTime: "18:00",
			Days: []string{"Mon", "Tue"},
		}
		if err := s.Save(ctx, Assets, asset); err != nil {
			t.Fatal(err)
		}
		if err := s.Save(ctx, Schedules, sched); err != nil {
			t.Fatal(err)
		}

		assets, err := Load[MediaAsset](ctx, s, Assets)
		if err != nil {
			t.Fatal(err)
		}
		got := assets[0]
		if !got.UploadedAt.Equal(uploaded) {
			t.Errorf("uploadedAt = %v, want %v", got.UploadedAt, uploaded)
		}
		if string(got.BinaryContent) != string(asset.BinaryContent) {
			t.Errorf("binaryContent = %x, want %x", got.BinaryContent, asset.BinaryContent)
		}
		if got.AIMetadata == nil || got.AIMetadata.ReadabilityScore != 92 {
			t.Errorf("aiMetadata = %+v, want score 92", got.AIMetadata)
		}

		scheds, err := Load[Schedule](ctx, s, Schedules)
		if err != nil {
			t.Fatal(err)
		}
		if len(scheds) != 1 || scheds[0].EndTime != "18:00" || len(scheds[0].Days) != 2 {
			t.Errorf("schedules = %+v", scheds)
		}
	})

	t.Run("unknown collection", func(t *testing.T) {
		s := newStore(t)
		err := s.Save(ctx, Collection("widgets"), Device{ID: "d1"})
		if !errors.Is(err, ErrUnknownCollection) {
			t.Errorf("err = %v, want ErrUnknownCollection", err)
		}
	})

	t.Run("canceled context", func(t *testing.T) {
		s := newStore(t)
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		err := s.Save(cctx, Devices, Device{ID: "d1"})
		var se *StorageError
		if !errors.As(err, &se) {
			t.Fatalf("err = %v, want *StorageError", err)
		}
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	})
}

func TestSaveBeforeInit(t *testing.T) {
	for name, s := range map[string]Store{
		"bolt":   NewBoltStore(t.TempDir() + "/uninit.db"),
		"sqlite": NewSQLStore(t.TempDir() + "/uninit.sqlite"),
	} {
		t.Run(name, func(t *testing.T) {
			err := s.Save(context.Background(), Devices, Device{ID: "d1"})
			var se *StorageError
			if !errors.As(err, &se) {
				t.Fatalf("err = %v, want *StorageError", err)
			}
			if se.Op != "save" || se.Collection != Devices {
				t.Errorf("StorageError = %+v", se)
			}
			if !errors.Is(err, ErrNotInitialized) {
				t.Errorf("err = %v, want ErrNotInitialized", err)
			}
			if _, err := s.GetAll(context.Background(), Devices); !errors.Is(err, ErrNotInitialized) {
				t.Errorf("GetAll err = %v, want ErrNotInitialized", err)
			}
		})
	}
}

func TestCollectionValid(t *testing.T) {
	tests := []struct {
		c    Collection
		want bool
	}{
		{Assets, true},
		{Devices, true},
		{Playlists, true},
		{Schedules, true},
		{"", false},
		{"meta", false},
	}
	for _, tt := range tests {
		if got := tt.c.Valid(); got != tt.want {
			t.Errorf("Collection(%q).Valid() = %v, want %v", tt.c, got, tt.want)
		}
	}
}
