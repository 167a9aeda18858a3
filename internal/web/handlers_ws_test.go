package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"visionflow/internal/coordinator"
	"visionflow/internal/player"
)

func newTestHub() *WSHub {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewWSHub(logger)
}

// wsEnvelope is the shape every hub message decodes to.
type wsEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func recv(t *testing.T, c *wsClient) wsEnvelope {
	t.Helper()
	select {
	case msg := <-c.send:
		var env wsEnvelope
		if err := json.Unmarshal(msg, &env); err != nil {
			t.Fatalf("decode %s: %v", msg, err)
		}
		return env
	case <-time.After(time.Second):
		t.Fatal("no message")
		return wsEnvelope{}
	}
}

func TestWSHubRegisterUnregister(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	client := &wsClient{send: make(chan []byte, 16)}
	hub.register <- client

	// Give hub time to process
	time.Sleep(10 * time.Millisecond)

	hub.mu.RLock()
	count := len(hub.clients)
	hub.mu.RUnlock()
	if count != 1 {
		t.Errorf("after register: count = %d, want 1", count)
	}

	hub.unregister <- client
	time.Sleep(10 * time.Millisecond)

	hub.mu.RLock()
	count = len(hub.clients)
	hub.mu.RUnlock()
	if count != 0 {
		t.Errorf("after unregister: count = %d, want 0", count)
	}
}

func TestWSHubBroadcastsStateChanges(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	c1 := &wsClient{send: make(chan []byte, 16)}
	c2 := &wsClient{send: make(chan []byte, 16)}
	hub.register <- c1
	hub.register <- c2
	time.Sleep(10 * time.Millisecond)

	hub.Broadcast(coordinator.Event{Type: coordinator.EventStateChanged, Data: map[string]interface{}{
		"origin": coordinator.OriginRemote,
		"op":     "notice",
	}})

	for _, c := range []*wsClient{c1, c2} {
		if env := recv(t, c); env.Type != coordinator.EventStateChanged {
			t.Errorf("type = %q", env.Type)
		}
	}
}

func TestWSHubSlowClientEviction(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	// A dashboard that stopped reading while a terminal keeps playing.
	slow := &wsClient{send: make(chan []byte, 1)}
	fast := &wsClient{send: make(chan []byte, 64)}

	hub.register <- slow
	hub.register <- fast
	time.Sleep(10 * time.Millisecond)

	for i := 0; i < 2; i++ {
		hub.Broadcast(coordinator.Event{Type: EventPlayerFrame, Data: player.Frame{Code: "VF-1234", Index: i}})
		time.Sleep(10 * time.Millisecond)
	}

	hub.mu.RLock()
	_, slowPresent := hub.clients[slow]
	_, fastPresent := hub.clients[fast]
	hub.mu.RUnlock()

	if slowPresent {
		t.Error("slow client should have been evicted")
	}
	if !fastPresent {
		t.Error("fast client should still be present")
	}
}

func TestWSHubBroadcastDropsWhenFull(t *testing.T) {
	hub := newTestHub()
	// Not running, so nothing drains the queue.
	for i := 0; i < cap(hub.broadcast); i++ {
		hub.Broadcast(i)
	}

	done := make(chan struct{})
	go func() {
		hub.Broadcast("overflow")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("Broadcast blocked when channel is full")
	}
}

func TestWSHubStop(t *testing.T) {
	hub := newTestHub()
	go hub.Run()

	client := &wsClient{send: make(chan []byte, 16)}
	hub.register <- client
	time.Sleep(10 * time.Millisecond)

	hub.Stop()
	hub.Stop()
	time.Sleep(10 * time.Millisecond)

	if _, ok := <-client.send; ok {
		t.Error("client.send should be closed after hub stop")
	}
}

func TestBroadcastFrame(t *testing.T) {
	env := setupTestServer(t, "")
	client := &wsClient{send: make(chan []byte, 16)}
	env.srv.wsHub.register <- client

	env.srv.BroadcastFrame(player.Frame{Code: "VF-4321", State: player.StatePlaying, Online: true})

	msg := recv(t, client)
	if msg.Type != EventPlayerFrame {
		t.Fatalf("type = %q, want %q", msg.Type, EventPlayerFrame)
	}
	var f struct {
		Code  string `json:"code"`
		State string `json:"state"`
	}
	if err := json.Unmarshal(msg.Data, &f); err != nil {
		t.Fatal(err)
	}
	if f.Code != "VF-4321" || f.State != "playing" {
		t.Errorf("frame = %s", msg.Data)
	}
}

func TestWSSnapshotThenEvents(t *testing.T) {
	env := setupTestServer(t, "")
	ts := httptest.NewServer(env.srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	read := func() wsEnvelope {
		t.Helper()
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatal(err)
		}
		return env
	}

	if first := read(); first.Type != EventSnapshot {
		t.Fatalf("first message = %q, want %q", first.Type, EventSnapshot)
	}

	if _, err := env.coord.CreatePlaylist(ctx); err != nil {
		t.Fatal(err)
	}
	for {
		msg := read()
		if msg.Type != coordinator.EventStateChanged {
			continue
		}
		var data map[string]string
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			t.Fatal(err)
		}
		if data["op"] == "create playlist" {
			return
		}
	}
}

func TestWSOnlineReport(t *testing.T) {
	env := setupTestServer(t, "")
	term, err := env.fleet.Open(context.Background(), "VF-7777")
	if err != nil {
		t.Fatal(err)
	}

	env.srv.handleWSMessage("", []byte(`{"type":"online","code":"VF-7777","online":false}`))
	f := term.Engine().Frame()
	if f.Online {
		t.Fatal("terminal should report offline")
	}
	if f.Message != player.MessageOffline {
		t.Errorf("message = %q", f.Message)
	}

	// Junk and unknown codes are ignored.
	env.srv.handleWSMessage("", []byte(`not json`))
	env.srv.handleWSMessage("", []byte(`{"type":"online","code":"VF-0000","online":true}`))
	if term.Engine().Frame().Online {
		t.Error("unrelated message changed the terminal")
	}

	env.srv.handleWSMessage("", []byte(`{"type":"online","code":"VF-7777","online":true}`))
	if !term.Engine().Frame().Online {
		t.Error("terminal should be back online")
	}
}

func TestWSHubRoutesFramesByCode(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	dashboard := &wsClient{send: make(chan []byte, 16)}
	lobby := &wsClient{send: make(chan []byte, 16), code: "VF-1111"}
	kitchen := &wsClient{send: make(chan []byte, 16), code: "VF-2222"}
	for _, c := range []*wsClient{dashboard, lobby, kitchen} {
		hub.register <- c
	}

	hub.BroadcastTo("VF-1111", coordinator.Event{Type: EventPlayerFrame, Data: player.Frame{Code: "VF-1111"}})
	hub.Broadcast(coordinator.Event{Type: coordinator.EventSyncAll})

	if msg := recv(t, dashboard); msg.Type != EventPlayerFrame {
		t.Errorf("dashboard first = %q", msg.Type)
	}
	if msg := recv(t, dashboard); msg.Type != coordinator.EventSyncAll {
		t.Errorf("dashboard second = %q", msg.Type)
	}
	if msg := recv(t, lobby); msg.Type != EventPlayerFrame {
		t.Errorf("lobby = %q", msg.Type)
	}

	time.Sleep(10 * time.Millisecond)
	if n := len(lobby.send); n != 0 {
		t.Errorf("terminal page got %d unscoped messages", n)
	}
	if n := len(kitchen.send); n != 0 {
		t.Errorf("other terminal got %d messages", n)
	}
}

func TestWSOnlineReportScopedToConnection(t *testing.T) {
	env := setupTestServer(t, "")
	lobby, err := env.fleet.Open(context.Background(), "VF-1111")
	if err != nil {
		t.Fatal(err)
	}
	kitchen, err := env.fleet.Open(context.Background(), "VF-2222")
	if err != nil {
		t.Fatal(err)
	}

	// A page for VF-1111 cannot flip VF-2222.
	env.srv.handleWSMessage("VF-1111", []byte(`{"type":"online","code":"VF-2222","online":false}`))
	if !kitchen.Engine().Frame().Online {
		t.Error("foreign report was applied")
	}

	// The connection's code stands in when the message has none.
	env.srv.handleWSMessage("VF-1111", []byte(`{"type":"online","online":false}`))
	if lobby.Engine().Frame().Online {
		t.Error("report without code was not applied to the connection's terminal")
	}
}

func TestWSRejectsBadCode(t *testing.T) {
	env := setupTestServer(t, "")
	ts := httptest.NewServer(env.srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws?code=nope", nil)
	if err == nil {
		t.Fatal("dial with a malformed code should fail")
	}
	if resp == nil || resp.StatusCode != 400 {
		t.Errorf("resp = %v", resp)
	}
}
