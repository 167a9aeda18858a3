// Package player runs terminal playback: it resolves the device paired with
// a code, loops over its playlist on a timer and manages media handles.
package player

import (
	"fmt"
	"time"
)

// DefaultItemDuration is used for items without a positive duration.
const DefaultItemDuration = 10 * time.Second

// Display messages.
const (
	MessageAwaiting = "Awaiting programming"
	MessageLoading  = "Loading playlist"
	MessageOffline  = "Offline: playing from local cache"
)

// State is the playback state of one terminal.
type State int

const (
	StateUnpaired State = iota
	StateLoading
	StatePlaying
	StateIdleNoPlaylist
)

func (s State) String() string {
	switch s {
	case StateUnpaired:
		return "unpaired"
	case StateLoading:
		return "loading"
	case StatePlaying:
		return "playing"
	case StateIdleNoPlaylist:
		return "idle_no_playlist"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// MediaKind is what a terminal renders for one item. It is one of Image,
// Video or Missing.
type MediaKind interface {
	isMediaKind()
}

// Image is a still picture at Src.
type Image struct{ Src string }

// Video is a clip at Src. Terminals play it muted and looped for the
// item's duration.
type Video struct{ Src string }

// Missing stands in for an item whose asset no longer exists.
type Missing struct{ AssetID string }

func (Image) isMediaKind()   {}
func (Video) isMediaKind()   {}
func (Missing) isMediaKind() {}

// MediaView is the wire form of a MediaKind.
type MediaView struct {
	Kind     string `json:"kind"`
	Src      string `json:"src,omitempty"`
	AssetID  string `json:"assetId"`
	Name     string `json:"name,omitempty"`
	Duration int    `json:"duration"`
}

func viewOf(k MediaKind) MediaView {
	switch m := k.(type) {
	case Image:
		return MediaView{Kind: "image", Src: m.Src}
	case Video:
		return MediaView{Kind: "video", Src: m.Src}
	case Missing:
		return MediaView{Kind: "missing", AssetID: m.AssetID}
	default:
		panic(fmt.Sprintf("player: unknown media kind %T", k))
	}
}

// Frame is everything a terminal screen shows at one moment.
type Frame struct {
	Code         string     `json:"code"`
	State        State      `json:"state"`
	Online       bool       `json:"online"`
	Message      string     `json:"message,omitempty"`
	DeviceID     string     `json:"deviceId,omitempty"`
	DeviceName   string     `json:"deviceName,omitempty"`
	PlaylistID   string     `json:"playlistId,omitempty"`
	PlaylistName string     `json:"playlistName,omitempty"`
	Index        int        `json:"index"`
	Items        int        `json:"items"`
	Media        *MediaView `json:"media,omitempty"`
	At           time.Time  `json:"at"`
}
