package store

import "time"

// MediaType distinguishes renderable asset kinds.
type MediaType string

const (
	MediaImage MediaType = "image"
	MediaVideo MediaType = "video"
)

// DeviceStatus is the last known reachability of a terminal.
type DeviceStatus string

const (
	StatusOnline  DeviceStatus = "online"
	StatusOffline DeviceStatus = "offline"
)

// AIMetadata is advisory enrichment attached to an image asset.
type AIMetadata struct {
	Tags             []string `json:"tags"`
	ReadabilityScore int      `json:"readabilityScore" validate:"min=0,max=100"`
	OptimizationTips string   `json:"optimizationTips"`
}

// MediaAsset is an uploaded or built-in media file.
// URL is only set for remote assets; local bytes live in BinaryContent.
type MediaAsset struct {
	ID            string      `json:"id" validate:"required"`
	Name          string      `json:"name" validate:"required"`
	Type          MediaType   `json:"type" validate:"oneof=image video"`
	Size          string      `json:"size"`
	Resolution    string      `json:"resolution"`
	UploadedAt    time.Time   `json:"uploadedAt"`
	URL           string      `json:"url,omitempty"`
	MimeType      string      `json:"mimeType,omitempty"`
	BinaryContent []byte      `json:"binaryContent,omitempty"`
	AIMetadata    *AIMetadata `json:"aiMetadata,omitempty" validate:"omitempty"`
}

func (a MediaAsset) RecordID() string { return a.ID }

// PlaylistItem is one timed entry. Duration is in seconds.
type PlaylistItem struct {
	AssetID  string `json:"assetId" validate:"required"`
	Duration int    `json:"duration" validate:"gte=1"`
}

// Playlist is an ordered sequence of items; order is playback order.
type Playlist struct {
	ID        string         `json:"id" validate:"required"`
	Name      string         `json:"name" validate:"required"`
	Items     []PlaylistItem `json:"items" validate:"dive"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

func (p Playlist) RecordID() string { return p.ID }

// Device is a paired display terminal.
type Device struct {
	ID                string       `json:"id" validate:"required"`
	Name              string       `json:"name" validate:"required"`
	Location          string       `json:"location"`
	Status            DeviceStatus `json:"status" validate:"oneof=online offline"`
	IP                string       `json:"ip"`
	LastPing          string       `json:"lastPing"`
	PairingCode       string       `json:"pairingCode,omitempty"`
	CurrentPlaylistID string       `json:"currentPlaylistId,omitempty"`
}

func (d Device) RecordID() string { return d.ID }

// Schedule binds a playlist to a device for a daily time window.
type Schedule struct {
	ID         string   `json:"id" validate:"required"`
	DeviceID   string   `json:"deviceId" validate:"required"`
	PlaylistID string   `json:"playlistId" validate:"required"`
	StartTime  string   `json:"startTime" validate:"datetime=15:04"`
	EndTime    string   `json:"endTime" validate:"datetime=15:04"`
	Days       []string `json:"days" validate:"min=1"`
}

func (s Schedule) RecordID() string { return s.ID }
