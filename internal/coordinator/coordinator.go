package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"

	"visionflow/internal/advisor"
	"visionflow/internal/identity"
	"visionflow/internal/notify"
	"visionflow/internal/store"
)

var (
	// ErrNotFound is returned when a mutation targets a record that is not
	// in the current snapshot.
	ErrNotFound = errors.New("not found")
	// ErrInvalid is returned when a record fails validation.
	ErrInvalid = errors.New("invalid")
)

// Origins reported in EventStateChanged.
const (
	OriginLocal  = "local"
	OriginRemote = "remote"
	OriginSync   = "sync"
)

// noticeReloadTimeout bounds a reload triggered by another context.
const noticeReloadTimeout = 30 * time.Second

// Config holds coordinator configuration.
type Config struct {
	// ContextID names this context in logs and on the notifier.
	ContextID string
	// Fixtures fills empty collections with demo records in memory.
	Fixtures bool
	// Advisor is used for optional enrichment. Nil means advisor.Nop.
	Advisor advisor.Advisor
	// Pairing lists terminals waiting to be paired. May be nil.
	Pairing identity.Registry
}

// Coordinator is the single write path for one sync context. It writes
// through to the store, reloads its snapshot and tells other contexts.
type Coordinator struct {
	store    store.Store
	notifier notify.Notifier
	events   *EventBus
	advisor  advisor.Advisor
	pairing  identity.Registry
	validate *validator.Validate
	logger   *slog.Logger
	config   Config
	now      func() time.Time

	snap atomic.Pointer[Snapshot]

	writeMu  sync.Mutex // one save/reload/publish sequence at a time
	reloadMu sync.Mutex // snapshot swaps happen in load order

	unsub  func()
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a coordinator. Call Start before using it.
func New(st store.Store, n notify.Notifier, events *EventBus, cfg Config, logger *slog.Logger) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		store:    st,
		notifier: n,
		events:   events,
		advisor:  cfg.Advisor,
		pairing:  cfg.Pairing,
		validate: newValidator(),
		logger:   logger.With("component", "coordinator", "context", cfg.ContextID),
		config:   cfg,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
	if c.advisor == nil {
		c.advisor = advisor.Nop{}
	}
	c.snap.Store(&Snapshot{})
	return c
}

// Start initializes the store, subscribes to notices and performs the first
// load. A failure here leaves the context unusable.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.store.Init(ctx); err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	// Subscribe before loading so a write landing in between is not missed.
	c.unsub = c.notifier.Subscribe(c.handleNotice)
	if err := c.reload(ctx, OriginLocal, "start"); err != nil {
		c.unsub()
		c.unsub = nil
		return fmt.Errorf("initial load: %w", err)
	}
	snap := c.Snapshot()
	c.logger.Info("coordinator started",
		"assets", len(snap.Assets), "devices", len(snap.Devices),
		"playlists", len(snap.Playlists), "schedules", len(snap.Schedules),
		"seeded", snap.Seeded)
	return nil
}

// Stop unsubscribes from notices. It does not close the store or notifier.
func (c *Coordinator) Stop() {
	c.cancel()
	if c.unsub != nil {
		c.unsub()
	}
}

// Events returns the coordinator's event bus.
func (c *Coordinator) Events() *EventBus { return c.events }

// Context returns the coordinator's lifetime context.
func (c *Coordinator) Context() context.Context { return c.ctx }

// ContextID returns the configured context name.
func (c *Coordinator) ContextID() string { return c.config.ContextID }

// Snapshot returns the current snapshot. It is never nil.
func (c *Coordinator) Snapshot() *Snapshot { return c.snap.Load() }

// Reload replaces the snapshot from the store without publishing.
func (c *Coordinator) Reload(ctx context.Context) error {
	return c.reload(ctx, OriginLocal, "reload")
}

func (c *Coordinator) handleNotice(n notify.Notice) {
	if n.Type != notify.StateChanged {
		c.logger.Debug("ignoring notice", "type", n.Type)
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, noticeReloadTimeout)
	defer cancel()
	// No publish here: a reload caused by a notice must not echo.
	if err := c.reload(ctx, OriginRemote, "notice"); err != nil {
		c.logger.Error("reload after notice", "err", err)
	}
}

// reload loads all collections concurrently and swaps the snapshot only if
// every load succeeded.
func (c *Coordinator) reload(ctx context.Context, origin, op string) error {
	c.reloadMu.Lock()
	snap, err := c.load(ctx)
	if err != nil {
		c.reloadMu.Unlock()
		return err
	}
	c.snap.Store(snap)
	c.reloadMu.Unlock()

	// Handlers run outside reloadMu so they may call back into c.
	c.events.Emit(stateChanged(origin, op))
	return nil
}

func (c *Coordinator) load(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{LoadedAt: c.now()}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v, err := store.Load[store.MediaAsset](gctx, c.store, store.Assets)
		snap.Assets = v
		return err
	})
	g.Go(func() error {
		v, err := store.Load[store.Device](gctx, c.store, store.Devices)
		snap.Devices = v
		return err
	})
	g.Go(func() error {
		v, err := store.Load[store.Playlist](gctx, c.store, store.Playlists)
		snap.Playlists = v
		return err
	})
	g.Go(func() error {
		v, err := store.Load[store.Schedule](gctx, c.store, store.Schedules)
		snap.Schedules = v
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if c.config.Fixtures {
		if len(snap.Assets) == 0 {
			snap.Assets = fixtureAssets()
			snap.Seeded = append(snap.Seeded, store.Assets)
		}
		if len(snap.Devices) == 0 {
			snap.Devices = fixtureDevices()
			snap.Seeded = append(snap.Seeded, store.Devices)
		}
		if len(snap.Playlists) == 0 {
			snap.Playlists = fixturePlaylists()
			snap.Seeded = append(snap.Seeded, store.Playlists)
		}
		if len(snap.Schedules) == 0 {
			snap.Schedules = fixtureSchedules()
			snap.Seeded = append(snap.Seeded, store.Schedules)
		}
	}
	snap.sortByID()
	return snap, nil
}

// mutate runs write, reloads, then publishes. The whole sequence holds
// writeMu so mutations from one context never interleave.
func (c *Coordinator) mutate(ctx context.Context, op string, write func(ctx context.Context, snap *Snapshot) error) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := write(ctx, c.Snapshot()); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	reloadErr := c.reload(ctx, OriginLocal, op)

	// The store changed even if our own reload failed; others still need
	// to hear about it.
	if err := c.notifier.Publish(ctx, notify.Changed()); err != nil {
		c.logger.Warn("publish notice", "op", op, "err", err)
	}

	if reloadErr != nil {
		return fmt.Errorf("%s: reload: %w", op, reloadErr)
	}
	c.logger.Debug("mutation applied", "op", op)
	return nil
}

// SyncAll asks every other context to reload and marks devices as synced in
// this context's snapshot. The mark is display-only and is not persisted.
func (c *Coordinator) SyncAll(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.notifier.Publish(ctx, notify.Changed()); err != nil {
		return fmt.Errorf("sync all: %w", err)
	}

	c.reloadMu.Lock()
	cur := c.Snapshot()
	next := *cur
	next.Devices = make([]store.Device, len(cur.Devices))
	for i, d := range cur.Devices {
		d.LastPing = LastPingSynced
		next.Devices[i] = d
	}
	c.snap.Store(&next)
	c.reloadMu.Unlock()

	c.events.Emit(Event{Type: EventSyncAll, Data: map[string]interface{}{"devices": len(next.Devices)}})
	c.events.Emit(stateChanged(OriginSync, "sync_all"))
	return nil
}

// ScheduleAdvice returns advisory scheduling text, or a fixed fallback.
func (c *Coordinator) ScheduleAdvice(ctx context.Context) string {
	snap := c.Snapshot()
	return advisor.ScheduleAdvice(ctx, c.advisor, snap.Playlists, snap.Devices, c.logger)
}
