package notify

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// recorder collects notices delivered to one handler.
type recorder struct {
	mu  sync.Mutex
	got []Notice
	ch  chan struct{}
}

func newRecorder() *recorder { return &recorder{ch: make(chan struct{}, 256)} }

func (r *recorder) handle(n Notice) {
	r.mu.Lock()
	r.got = append(r.got, n)
	r.mu.Unlock()
	r.ch <- struct{}{}
}

func (r *recorder) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d of %d notices", i, n)
		}
	}
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func TestPublishExcludesSelf(t *testing.T) {
	bus := NewLocalBus(ChannelName, newTestLogger())
	admin := bus.Join("admin")
	player := bus.Join("player")
	defer admin.Close()
	defer player.Close()

	self := newRecorder()
	other := newRecorder()
	admin.Subscribe(self.handle)
	player.Subscribe(other.handle)

	if err := admin.Publish(context.Background(), Changed()); err != nil {
		t.Fatal(err)
	}
	other.wait(t, 1)

	// Give a misrouted self-delivery time to show up.
	time.Sleep(20 * time.Millisecond)
	if n := self.count(); n != 0 {
		t.Errorf("publisher received %d notices, want 0", n)
	}
	if other.got[0].Type != StateChanged {
		t.Errorf("type = %q, want %q", other.got[0].Type, StateChanged)
	}
}

func TestPerSenderOrdering(t *testing.T) {
	bus := NewLocalBus(ChannelName, newTestLogger())
	a := bus.Join("a")
	b := bus.Join("b")
	defer a.Close()
	defer b.Close()

	rec := newRecorder()
	b.Subscribe(rec.handle)

	const n = 20
	for i := 0; i < n; i++ {
		if err := a.Publish(context.Background(), Notice{Type: string(rune('A' + i))}); err != nil {
			t.Fatal(err)
		}
	}
	rec.wait(t, n)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for i, got := range rec.got {
		if want := string(rune('A' + i)); got.Type != want {
			t.Fatalf("notice %d = %q, want %q", i, got.Type, want)
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewLocalBus(ChannelName, newTestLogger())
	a := bus.Join("a")
	b := bus.Join("b")
	defer a.Close()
	defer b.Close()

	rec := newRecorder()
	unsub := b.Subscribe(rec.handle)
	a.Publish(context.Background(), Changed())
	rec.wait(t, 1)

	unsub()
	a.Publish(context.Background(), Changed())
	time.Sleep(20 * time.Millisecond)
	if n := rec.count(); n != 1 {
		t.Errorf("after unsubscribe: got %d notices, want 1", n)
	}
}

func TestClosedEndpoint(t *testing.T) {
	bus := NewLocalBus(ChannelName, newTestLogger())
	a := bus.Join("a")
	b := bus.Join("b")

	rec := newRecorder()
	b.Subscribe(rec.handle)
	b.Close()

	// Notices to a closed context are simply lost.
	if err := a.Publish(context.Background(), Changed()); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if n := rec.count(); n != 0 {
		t.Errorf("closed endpoint received %d notices", n)
	}

	if err := b.Publish(context.Background(), Changed()); err != ErrClosed {
		t.Errorf("publish on closed endpoint: err = %v, want ErrClosed", err)
	}
}

func TestFullQueueDrops(t *testing.T) {
	bus := NewLocalBus(ChannelName, newTestLogger())
	a := bus.Join("a")
	b := bus.Join("b")
	defer a.Close()
	defer b.Close()

	release := make(chan struct{})
	var delivered int
	var mu sync.Mutex
	b.Subscribe(func(Notice) {
		<-release
		mu.Lock()
		delivered++
		mu.Unlock()
	})

	// One notice is held by the blocked handler, queueSize fit in the
	// queue, and the rest are dropped.
	total := queueSize + 10
	for i := 0; i < total; i++ {
		a.Publish(context.Background(), Changed())
	}
	close(release)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		d := delivered
		mu.Unlock()
		if d >= queueSize {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if delivered >= total {
		t.Errorf("delivered = %d, want fewer than %d", delivered, total)
	}
	if delivered < queueSize {
		t.Errorf("delivered = %d, want at least %d", delivered, queueSize)
	}
}

func TestHandlerPanicRecovered(t *testing.T) {
	bus := NewLocalBus(ChannelName, newTestLogger())
	a := bus.Join("a")
	b := bus.Join("b")
	defer a.Close()
	defer b.Close()

	rec := newRecorder()
	first := true
	b.Subscribe(func(n Notice) {
		if first {
			first = false
			panic("boom")
		}
		rec.handle(n)
	})

	a.Publish(context.Background(), Changed())
	a.Publish(context.Background(), Changed())
	rec.wait(t, 1)
}
