package player

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"visionflow/internal/coordinator"
	"visionflow/internal/identity"
)

// Terminal binds an Engine to its own sync context. Snapshot changes reach
// the engine through coordinator events only.
type Terminal struct {
	coord     *coordinator.Coordinator
	engine    *Engine
	pairing   identity.Registry
	heartbeat time.Duration
	logger    *slog.Logger

	unsub  func()
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewTerminal creates a terminal. pairing may be nil. A zero heartbeat
// disables pings and pending-code refreshes.
func NewTerminal(coord *coordinator.Coordinator, engine *Engine, pairing identity.Registry, heartbeat time.Duration, logger *slog.Logger) *Terminal {
	return &Terminal{
		coord:     coord,
		engine:    engine,
		pairing:   pairing,
		heartbeat: heartbeat,
		logger:    logger.With("component", "terminal", "code", engine.Code()),
	}
}

// Engine returns the terminal's playback engine.
func (t *Terminal) Engine() *Engine { return t.engine }

// Start applies the current snapshot and follows every later one. The
// coordinator must already be started.
func (t *Terminal) Start(ctx context.Context) error {
	t.unsub = t.coord.Events().On(coordinator.EventStateChanged, func(coordinator.Event) {
		t.engine.Apply(t.coord.Snapshot())
	})
	t.engine.Apply(t.coord.Snapshot())

	ctx, t.cancel = context.WithCancel(ctx)
	t.beat(ctx)
	if t.heartbeat > 0 {
		t.wg.Add(1)
		go t.loop(ctx)
	}
	t.logger.Info("terminal started", "state", t.engine.State())
	return nil
}

func (t *Terminal) loop(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.beat(ctx)
		}
	}
}

// beat pings the paired device, or keeps the code listed as pending.
func (t *Terminal) beat(ctx context.Context) {
	code := t.engine.Code()
	if dev, ok := t.coord.Snapshot().DeviceByCode(code); ok {
		if t.heartbeat == 0 {
			return
		}
		if err := t.coord.RecordPing(ctx, dev.ID); err != nil {
			t.logger.Warn("heartbeat", "device", dev.ID, "err", err)
		}
		return
	}
	if t.pairing == nil {
		return
	}
	if err := t.pairing.Announce(ctx, code); err != nil {
		t.logger.Warn("announce pending code", "err", err)
	}
}

// Stop halts the heartbeat, detaches from the coordinator and releases
// every media handle.
func (t *Terminal) Stop() {
	t.once.Do(func() {
		if t.cancel != nil {
			t.cancel()
		}
		t.wg.Wait()
		if t.unsub != nil {
			t.unsub()
		}
		t.engine.Close()
		t.coord.Stop()
	})
}

// ContextFactory starts a new sync context for a terminal. The returned
// func releases whatever the context holds besides the coordinator.
type ContextFactory func(ctx context.Context, contextID string) (*coordinator.Coordinator, func(), error)

// FleetConfig configures a Fleet.
type FleetConfig struct {
	Heartbeat   time.Duration
	Clock       Clock
	// IdleTimeout closes an unpinned terminal once it has had no attached
	// viewer for this long. Zero keeps terminals until CloseAll.
	IdleTimeout time.Duration
}

// Fleet runs in-process terminals, one sync context each.
type Fleet struct {
	newContext ContextFactory
	media      MediaProvider
	pairing    identity.Registry
	config     FleetConfig
	logger     *slog.Logger

	mu       sync.Mutex
	terms    map[string]*Terminal
	cleanups map[string]func()
	onFrame  func(Frame)
	viewers  map[string]int
	pinned   map[string]bool
	idle     map[string]*idleTimer
}

type idleTimer struct{ t Timer }

// NewFleet creates an empty fleet.
func NewFleet(newContext ContextFactory, media MediaProvider, pairing identity.Registry, cfg FleetConfig, logger *slog.Logger) *Fleet {
	return &Fleet{
		newContext: newContext,
		media:      media,
		pairing:    pairing,
		config:     cfg,
		logger:     logger,
		terms:      make(map[string]*Terminal),
		cleanups:   make(map[string]func()),
		viewers:    make(map[string]int),
		pinned:     make(map[string]bool),
		idle:       make(map[string]*idleTimer),
	}
}

// OnFrame sets the callback for frames from every terminal opened after
// the call.
func (f *Fleet) OnFrame(fn func(Frame)) {
	f.mu.Lock()
	f.onFrame = fn
	f.mu.Unlock()
}

// Open returns the terminal for code, starting it if needed.
func (f *Fleet) Open(ctx context.Context, code string) (*Terminal, error) {
	if !identity.ValidCode(code) {
		return nil, fmt.Errorf("invalid pairing code %q", code)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.terms[code]; ok {
		return t, nil
	}

	coord, cleanup, err := f.newContext(ctx, "terminal-"+code)
	if err != nil {
		return nil, fmt.Errorf("start terminal %s: %w", code, err)
	}
	engine := NewEngine(code, f.media, f.config.Clock, f.logger)
	if f.onFrame != nil {
		engine.OnFrame(f.onFrame)
	}
	t := NewTerminal(coord, engine, f.pairing, f.config.Heartbeat, f.logger)
	if err := t.Start(ctx); err != nil {
		t.Stop()
		cleanup()
		return nil, err
	}
	f.terms[code] = t
	f.cleanups[code] = cleanup
	// A page that never attaches a viewer still gets reclaimed.
	f.armIdleLocked(code)
	return t, nil
}

// Pin keeps the terminal for code open regardless of viewers.
func (f *Fleet) Pin(code string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pinned[code] = true
	f.disarmIdleLocked(code)
}

// Attach records a viewer of the terminal for code, such as a connected
// player page.
func (f *Fleet) Attach(code string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.viewers[code]++
	f.disarmIdleLocked(code)
}

// Detach drops a viewer added by Attach. The last one leaving starts the
// idle countdown.
func (f *Fleet) Detach(code string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.viewers[code] <= 1 {
		delete(f.viewers, code)
		f.armIdleLocked(code)
		return
	}
	f.viewers[code]--
}

func (f *Fleet) armIdleLocked(code string) {
	if f.config.IdleTimeout <= 0 || f.pinned[code] || f.viewers[code] > 0 {
		return
	}
	if _, ok := f.terms[code]; !ok {
		return
	}
	f.disarmIdleLocked(code)
	clock := f.config.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	it := &idleTimer{}
	it.t = clock.AfterFunc(f.config.IdleTimeout, func() { f.closeIdle(code, it) })
	f.idle[code] = it
}

func (f *Fleet) disarmIdleLocked(code string) {
	if it, ok := f.idle[code]; ok {
		it.t.Stop()
		delete(f.idle, code)
	}
}

func (f *Fleet) closeIdle(code string, it *idleTimer) {
	f.mu.Lock()
	current, ok := f.idle[code]
	stale := !ok || current != it || f.viewers[code] > 0 || f.pinned[code]
	if !stale {
		delete(f.idle, code)
	}
	f.mu.Unlock()
	if stale {
		return
	}
	f.logger.Info("closing idle terminal", "code", code, "idle", f.config.IdleTimeout)
	f.Close(code)
}

// Get returns a running terminal.
func (f *Fleet) Get(code string) (*Terminal, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.terms[code]
	return t, ok
}

// Frames returns the latest frame of every terminal ordered by code.
func (f *Fleet) Frames() []Frame {
	f.mu.Lock()
	codes := make([]string, 0, len(f.terms))
	for code := range f.terms {
		codes = append(codes, code)
	}
	f.mu.Unlock()
	slices.Sort(codes)

	out := make([]Frame, 0, len(codes))
	for _, code := range codes {
		if t, ok := f.Get(code); ok {
			out = append(out, t.Engine().Frame())
		}
	}
	return out
}

// Close stops the terminal for code. Closing an unknown code is a no-op.
func (f *Fleet) Close(code string) {
	f.mu.Lock()
	t, ok := f.terms[code]
	cleanup := f.cleanups[code]
	delete(f.terms, code)
	delete(f.cleanups, code)
	f.disarmIdleLocked(code)
	f.mu.Unlock()
	if !ok {
		return
	}
	t.Stop()
	if cleanup != nil {
		cleanup()
	}
}

// CloseAll stops every terminal.
func (f *Fleet) CloseAll() {
	f.mu.Lock()
	codes := make([]string, 0, len(f.terms))
	for code := range f.terms {
		codes = append(codes, code)
	}
	f.mu.Unlock()
	for _, code := range codes {
		f.Close(code)
	}
}
