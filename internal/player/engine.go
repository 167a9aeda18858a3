package player

import (
	"log/slog"
	"sync"
	"time"

	"visionflow/internal/coordinator"
	"visionflow/internal/store"
)

// Engine is the playback state machine for one terminal code. It is driven
// by Apply and by its own item timer; it never polls.
type Engine struct {
	code   string
	media  MediaProvider
	clock  Clock
	logger *slog.Logger

	mu       sync.Mutex
	snap     *coordinator.Snapshot
	state    State
	online   bool
	device   store.Device
	playlist store.Playlist
	index    int
	current  MediaKind
	handle   *Handle
	gen      uint64
	timer    Timer
	closed   bool
	pending  []Frame
	last     Frame
	onFrame  func(Frame)
	emitMu   sync.Mutex
}

// NewEngine creates an engine for code in the Unpaired state.
func NewEngine(code string, media MediaProvider, clock Clock, logger *slog.Logger) *Engine {
	if clock == nil {
		clock = SystemClock{}
	}
	e := &Engine{
		code:   code,
		media:  media,
		clock:  clock,
		logger: logger.With("component", "player", "code", code),
		state:  StateUnpaired,
		online: true,
	}
	e.last = e.frameLocked()
	return e
}

// OnFrame sets the callback that receives every new frame, in order.
// fn must not call Apply, SetOnline or Close.
func (e *Engine) OnFrame(fn func(Frame)) {
	e.mu.Lock()
	e.onFrame = fn
	e.mu.Unlock()
}

// Code returns the terminal's pairing code.
func (e *Engine) Code() string { return e.code }

// State returns the current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Frame returns the most recent frame.
func (e *Engine) Frame() Frame {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// Apply moves the engine to match snap.
func (e *Engine) Apply(snap *coordinator.Snapshot) {
	e.mu.Lock()
	if e.closed || snap == nil {
		e.mu.Unlock()
		return
	}
	e.snap = snap
	e.applyLocked()
	e.unlockAndFlush()
}

func (e *Engine) applyLocked() {
	snap := e.snap
	dev, ok := snap.DeviceByCode(e.code)
	if !ok {
		if e.state != StateUnpaired {
			e.logger.Info("terminal unpaired")
		}
		e.reset(StateUnpaired)
		e.device = store.Device{}
		e.emitLocked()
		return
	}
	e.device = dev

	p, ok := snap.AssignedPlaylist(dev)
	if !ok {
		if dev.CurrentPlaylistID != "" {
			e.logger.Debug("assigned playlist not found", "playlist", dev.CurrentPlaylistID)
		}
		if e.state != StateIdleNoPlaylist {
			e.reset(StateIdleNoPlaylist)
		}
		e.emitLocked()
		return
	}

	switched := p.ID != e.playlist.ID || e.state == StateUnpaired || e.state == StateIdleNoPlaylist
	if switched {
		// New playlist identity: start over from the first item.
		e.reset(StateLoading)
		e.playlist = p
		e.emitLocked()
	} else {
		e.playlist = p
	}

	if len(p.Items) == 0 {
		switch {
		case e.state == StatePlaying:
			e.reset(StateLoading)
			e.playlist = p
			e.emitLocked()
		case !switched:
			e.emitLocked()
		}
		return
	}

	if e.state != StatePlaying {
		e.index = 0
		e.showLocked()
		return
	}

	// Same playlist, edited contents: keep the timer and position. An index
	// past the end wraps on the next advance.
	if e.index < len(p.Items) {
		e.refreshLocked()
	}
	e.emitLocked()
}

// reset stops the timer, releases the handle and clears position.
func (e *Engine) reset(s State) {
	e.stopTimer()
	e.releaseHandle()
	e.state = s
	e.index = 0
	e.current = nil
	e.playlist = store.Playlist{}
}

func (e *Engine) stopTimer() {
	e.gen++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (e *Engine) releaseHandle() {
	if e.handle == nil {
		return
	}
	h := *e.handle
	e.handle = nil
	e.media.Release(h)
}

// resolve builds the media for item i, acquiring a handle if needed.
func (e *Engine) resolve(i int) (MediaKind, *Handle) {
	item := e.playlist.Items[i]
	asset, ok := e.snap.Asset(item.AssetID)
	if !ok {
		e.logger.Debug("playlist item references missing asset", "asset", item.AssetID)
		return Missing{AssetID: item.AssetID}, nil
	}
	h, err := e.media.Acquire(asset)
	if err != nil {
		e.logger.Warn("acquire media", "asset", asset.ID, "err", err)
		return Missing{AssetID: item.AssetID}, nil
	}
	switch asset.Type {
	case store.MediaVideo:
		return Video{Src: h.Src}, &h
	default:
		return Image{Src: h.Src}, &h
	}
}

// showLocked makes e.index current and arms its timer.
func (e *Engine) showLocked() {
	e.stopTimer()
	kind, h := e.resolve(e.index)
	e.releaseHandle()
	e.current, e.handle = kind, h
	e.state = StatePlaying

	d := time.Duration(e.playlist.Items[e.index].Duration) * time.Second
	if d <= 0 {
		d = DefaultItemDuration
	}
	gen := e.gen
	e.timer = e.clock.AfterFunc(d, func() { e.advance(gen) })
	e.emitLocked()
}

// refreshLocked re-resolves the current item after a content edit without
// touching the timer.
func (e *Engine) refreshLocked() {
	id := e.playlist.Items[e.index].AssetID
	if e.handle != nil && e.handle.AssetID == id {
		if _, ok := e.snap.Asset(id); ok {
			return
		}
	}
	kind, h := e.resolve(e.index)
	e.releaseHandle()
	e.current, e.handle = kind, h
}

func (e *Engine) advance(gen uint64) {
	e.mu.Lock()
	if e.closed || gen != e.gen || e.state != StatePlaying {
		e.mu.Unlock()
		return
	}
	e.index++
	if e.index >= len(e.playlist.Items) {
		e.index = 0
	}
	e.showLocked()
	e.unlockAndFlush()
}

// SetOnline updates the connectivity banner. Playback is unaffected.
func (e *Engine) SetOnline(online bool) {
	e.mu.Lock()
	if e.closed || e.online == online {
		e.mu.Unlock()
		return
	}
	e.online = online
	e.emitLocked()
	e.unlockAndFlush()
}

// Close stops playback and releases the current handle. The engine ignores
// further calls.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.stopTimer()
	e.releaseHandle()
	e.closed = true
	e.mu.Unlock()
}

func (e *Engine) frameLocked() Frame {
	f := Frame{
		Code:       e.code,
		State:      e.state,
		Online:     e.online,
		DeviceID:   e.device.ID,
		DeviceName: e.device.Name,
		At:         e.clock.Now(),
	}
	switch e.state {
	case StateUnpaired:
		f.Message = "Pair this screen with code " + e.code
	case StateIdleNoPlaylist:
		f.Message = MessageAwaiting
	case StateLoading:
		f.Message = MessageLoading
	}
	if !e.online {
		f.Message = MessageOffline
	}
	if e.state == StateLoading || e.state == StatePlaying {
		f.PlaylistID = e.playlist.ID
		f.PlaylistName = e.playlist.Name
		f.Items = len(e.playlist.Items)
	}
	if e.state == StatePlaying && e.current != nil {
		v := viewOf(e.current)
		f.Index = e.index
		if e.index < len(e.playlist.Items) {
			item := e.playlist.Items[e.index]
			v.AssetID = item.AssetID
			v.Duration = item.Duration
			if a, ok := e.snap.Asset(item.AssetID); ok {
				v.Name = a.Name
			}
		}
		f.Media = &v
	}
	return f
}

func (e *Engine) emitLocked() {
	f := e.frameLocked()
	e.last = f
	if e.onFrame != nil {
		e.pending = append(e.pending, f)
	}
}

// unlockAndFlush releases e.mu and hands queued frames to the callback in
// order. The callback runs without e.mu held, so it may call Frame.
func (e *Engine) unlockAndFlush() {
	e.mu.Unlock()
	e.emitMu.Lock()
	defer e.emitMu.Unlock()
	for {
		e.mu.Lock()
		frames, fn := e.pending, e.onFrame
		e.pending = nil
		e.mu.Unlock()
		if len(frames) == 0 || fn == nil {
			return
		}
		for _, f := range frames {
			fn(f)
		}
	}
}
