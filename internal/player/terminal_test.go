package player

import (
	"context"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"visionflow/internal/coordinator"
	"visionflow/internal/identity"
	"visionflow/internal/notify"
	"visionflow/internal/store"
)

type env struct {
	st    *store.BoltStore
	bus   *notify.LocalBus
	admin *coordinator.Coordinator
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st := store.NewBoltStore(filepath.Join(t.TempDir(), "player.db"))
	t.Cleanup(func() { st.Close() })
	e := &env{st: st, bus: notify.NewLocalBus(notify.ChannelName, newTestLogger())}
	admin, _, err := e.factory(context.Background(), "admin")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(admin.Stop)
	e.admin = admin
	return e
}

func (e *env) factory(ctx context.Context, id string) (*coordinator.Coordinator, func(), error) {
	ep := e.bus.Join(id)
	c := coordinator.New(e.st, ep, coordinator.NewEventBus(newTestLogger()), coordinator.Config{ContextID: id}, newTestLogger())
	if err := c.Start(ctx); err != nil {
		ep.Close()
		return nil, nil, err
	}
	return c, func() { ep.Close() }, nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestEndToEndPairingAndPlayback(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	clock := newFakeClock()
	media := newCountingMedia()
	reg := identity.NewMemoryRegistry(time.Minute)
	rec := &recorder{}

	fleet := NewFleet(env.factory, media, reg, FleetConfig{Clock: clock}, newTestLogger())
	fleet.OnFrame(rec.add)
	t.Cleanup(fleet.CloseAll)

	term, err := fleet.Open(ctx, "VF-4242")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if term.Engine().State() != StateUnpaired {
		t.Fatalf("state = %v, want unpaired", term.Engine().State())
	}
	pending, _ := reg.Pending(ctx)
	if len(pending) != 1 || pending[0].Code != "VF-4242" {
		t.Fatalf("pending = %+v", pending)
	}

	asset, err := env.admin.UploadAsset(ctx, "a1.png", []byte("\x89PNG\r\n\x1a\n0000"))
	if err != nil {
		t.Fatal(err)
	}
	p, err := env.admin.CreatePlaylist(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.admin.PlaylistAddItem(ctx, p.ID, asset.ID); err != nil {
		t.Fatal(err)
	}
	dev, err := env.admin.PairDevice(ctx, "VF-4242", "Lobby")
	if err != nil {
		t.Fatal(err)
	}
	if err := env.admin.AssignPlaylist(ctx, dev.ID, p.ID); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "terminal to play", func() bool { return term.Engine().State() == StatePlaying })
	if f := term.Engine().Frame(); f.Media == nil || f.Media.AssetID != asset.ID || f.DeviceID != dev.ID {
		t.Fatalf("frame = %+v", f)
	}
	// Notices may coalesce, so the idle step between pairing and
	// assignment is optional.
	got := rec.states()
	got = slices.DeleteFunc(got, func(s State) bool { return s == StateIdleNoPlaylist })
	want := []State{StateUnpaired, StateLoading, StatePlaying}
	if !slices.Equal(got, want) {
		t.Errorf("states = %v, want %v", rec.states(), want)
	}

	// Single-item loop: after 10 time units the same asset plays again.
	clock.Advance(10 * time.Second)
	if f := term.Engine().Frame(); f.Index != 0 || f.Media.AssetID != asset.ID {
		t.Errorf("after wrap frame = %+v", f)
	}
	media.check(t, 1)

	fleet.Close("VF-4242")
	media.check(t, 0)
	if _, ok := fleet.Get("VF-4242"); ok {
		t.Error("terminal still registered")
	}
}

func TestTerminalOpensOnAssignedDevice(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	a, _ := env.admin.UploadAsset(ctx, "a.png", []byte("\x89PNG\r\n\x1a\n0000"))
	p, _ := env.admin.CreatePlaylist(ctx)
	env.admin.PlaylistAddItem(ctx, p.ID, a.ID)
	d, _ := env.admin.PairDevice(ctx, "VF-5151", "Bar")
	env.admin.AssignPlaylist(ctx, d.ID, p.ID)

	rec := &recorder{}
	fleet := NewFleet(env.factory, newCountingMedia(), nil, FleetConfig{Clock: newFakeClock()}, newTestLogger())
	fleet.OnFrame(rec.add)
	t.Cleanup(fleet.CloseAll)

	term, err := fleet.Open(ctx, "VF-5151")
	if err != nil {
		t.Fatal(err)
	}
	want := []State{StateLoading, StatePlaying}
	if got := rec.states(); !slices.Equal(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}

	// Deleting the playlist leaves the device pointing at nothing.
	if err := env.admin.DeletePlaylist(ctx, p.ID); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "idle", func() bool { return term.Engine().State() == StateIdleNoPlaylist })

	if _, err := fleet.Open(ctx, "bogus"); err == nil {
		t.Error("Open accepted an invalid code")
	}
	if frames := fleet.Frames(); len(frames) != 1 || frames[0].Code != "VF-5151" {
		t.Errorf("frames = %+v", frames)
	}
}

func TestFleetClosesIdleTerminals(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	clock := newFakeClock()
	media := newCountingMedia()

	fleet := NewFleet(env.factory, media, nil, FleetConfig{Clock: clock, IdleTimeout: time.Minute}, newTestLogger())
	t.Cleanup(fleet.CloseAll)

	fleet.Pin("VF-0001")
	if _, err := fleet.Open(ctx, "VF-0001"); err != nil {
		t.Fatal(err)
	}
	// Opened by a page load that never connects.
	if _, err := fleet.Open(ctx, "VF-0002"); err != nil {
		t.Fatal(err)
	}
	// Opened by a page that stays connected, then leaves.
	if _, err := fleet.Open(ctx, "VF-0003"); err != nil {
		t.Fatal(err)
	}
	fleet.Attach("VF-0003")
	fleet.Attach("VF-0003")

	clock.Advance(time.Minute)
	if _, ok := fleet.Get("VF-0002"); ok {
		t.Error("unviewed terminal should be closed")
	}
	if _, ok := fleet.Get("VF-0001"); !ok {
		t.Error("pinned terminal was closed")
	}
	if _, ok := fleet.Get("VF-0003"); !ok {
		t.Error("viewed terminal was closed")
	}

	fleet.Detach("VF-0003")
	clock.Advance(time.Hour)
	if _, ok := fleet.Get("VF-0003"); !ok {
		t.Fatal("terminal closed while one viewer remains")
	}

	fleet.Detach("VF-0003")
	clock.Advance(30 * time.Second)
	// A reconnect inside the window cancels the countdown.
	fleet.Attach("VF-0003")
	clock.Advance(time.Hour)
	if _, ok := fleet.Get("VF-0003"); !ok {
		t.Fatal("reconnected terminal was closed")
	}

	fleet.Detach("VF-0003")
	clock.Advance(time.Minute)
	if _, ok := fleet.Get("VF-0003"); ok {
		t.Error("terminal should close after its last viewer left")
	}
	if got := len(fleet.Frames()); got != 1 {
		t.Errorf("open terminals = %d, want 1", got)
	}
}
