package coordinator

import (
	"time"

	"visionflow/internal/store"
)

// Built-in demo records shown while a collection is still empty in the
// store. They are never written back.

func fixtureAssets() []store.MediaAsset {
	return []store.MediaAsset{
		{
			ID:         "1",
			Name:       "Morning Welcome.jpg",
			URL:        "https://images.unsplash.com/photo-1497215728101-856f4ea42174?auto=format&fit=crop&q=80&w=1920",
			Type:       store.MediaImage,
			Size:       "1.2MB",
			Resolution: "1920x1080",
			UploadedAt: time.Date(2024, 5, 10, 8, 30, 0, 0, time.UTC),
			AIMetadata: &store.AIMetadata{
				Tags:             []string{"office", "clean", "modern"},
				ReadabilityScore: 92,
				OptimizationTips: "Ideal contrast for white text.",
			},
		},
		{
			ID:         "2",
			Name:       "Lunch Menu.jpg",
			URL:        "https://images.unsplash.com/photo-1504674900247-0877df9cc836?auto=format&fit=crop&q=80&w=1920",
			Type:       store.MediaImage,
			Size:       "2.1MB",
			Resolution: "1920x1080",
			UploadedAt: time.Date(2024, 5, 11, 14, 20, 0, 0, time.UTC),
		},
		{
			ID:         "3",
			Name:       "Digital Promo.mp4",
			URL:        "https://assets.mixkit.co/videos/preview/mixkit-digital-animation-of-a-circuit-board-1542-large.mp4",
			Type:       store.MediaVideo,
			Size:       "45MB",
			Resolution: "1080p",
			UploadedAt: time.Date(2024, 5, 12, 19, 0, 0, 0, time.UTC),
		},
	}
}

func fixturePlaylists() []store.Playlist {
	return []store.Playlist{
		{
			ID:   "p1",
			Name: "VIP Reception",
			Items: []store.PlaylistItem{
				{AssetID: "1", Duration: 15},
				{AssetID: "3", Duration: 30},
			},
			UpdatedAt: time.Date(2024, 5, 12, 10, 0, 0, 0, time.UTC),
		},
		{
			ID:        "p2",
			Name:      "Restaurant Menu",
			Items:     []store.PlaylistItem{{AssetID: "2", Duration: 20}},
			UpdatedAt: time.Date(2024, 5, 11, 16, 0, 0, 0, time.UTC),
		},
	}
}

func fixtureDevices() []store.Device {
	return []store.Device{
		{ID: "d1", Name: "Entrance Lobby", Location: "Ground Floor", Status: store.StatusOnline, CurrentPlaylistID: "p1", LastPing: "Now", IP: "192.168.1.101"},
		{ID: "d2", Name: "Cafeteria Panel", Location: "2nd Floor", Status: store.StatusOnline, CurrentPlaylistID: "p2", LastPing: "1 min ago", IP: "192.168.1.102"},
		{ID: "d3", Name: "Meeting Room 04", Location: "3rd Floor", Status: store.StatusOffline, LastPing: "2 days ago", IP: "192.168.1.105"},
	}
}

func fixtureSchedules() []store.Schedule {
	return []store.Schedule{
		{ID: "s1", DeviceID: "d1", PlaylistID: "p1", StartTime: "08:00", EndTime: "18:00", Days: []string{"Mon", "Tue", "Wed", "Thu", "Fri"}},
	}
}
