//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"visionflow/internal/coordinator"
	"visionflow/internal/player"
	"visionflow/internal/store"
)

// syncCommandTimeout bounds a SyncAll triggered from the broker.
const syncCommandTimeout = 10 * time.Second

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	ClientID    string
}

// Bridge mirrors the admin context to MQTT: bridge availability, one message
// per state change, retained device state with HA discovery, and the
// now-playing frame of every terminal.
type Bridge struct {
	client pahomqtt.Client
	coord  *coordinator.Coordinator
	prefix string
	logger *slog.Logger
	unsub  func()
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Last published state per device id, so only changes go out.
	mu        sync.Mutex
	published map[string]deviceState
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(coord *coordinator.Coordinator, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(coord, cfg.TopicPrefix, logger)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "visionflow"
	}
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	// The on-connect handler may fire before Connect returns.
	b.client = client
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

func newBridge(coord *coordinator.Coordinator, prefix string, logger *slog.Logger) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		coord:     coord,
		prefix:    prefix,
		logger:    logger.With("component", "mqtt"),
		published: make(map[string]deviceState),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start subscribes to coordinator events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.coord.Events().OnAll(b.handleEvent)
	b.publishDevices(b.coord.Snapshot())
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	if b.unsub != nil {
		b.unsub()
	}
	b.wg.Wait()
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

// PublishFrame retains f on the terminal's now-playing topic.
func (b *Bridge) PublishFrame(f player.Frame) {
	if f.Code == "" {
		return
	}
	b.publish(b.prefix+"/terminal/"+f.Code, framePayload(f), true)
}

func (b *Bridge) onConnect() {
	b.publishBridgeState("online")
	// Retained state is republished in full after a reconnect.
	b.mu.Lock()
	clear(b.published)
	b.mu.Unlock()
	b.publishDevices(b.coord.Snapshot())
	b.subscribeCommands()
}

func (b *Bridge) handleEvent(event coordinator.Event) {
	switch event.Type {
	case coordinator.EventStateChanged:
		b.publishSync(event)
		b.publishDevices(b.coord.Snapshot())
	case coordinator.EventDeviceRemoved:
		if id, ok := coordinator.RemovedID(event); ok {
			b.removeDevice(id)
		}
	}
}

// syncMessage is published on <prefix>/sync for every snapshot change.
type syncMessage struct {
	Origin    string    `json:"origin"`
	Op        string    `json:"op"`
	Context   string    `json:"context"`
	Assets    int       `json:"assets"`
	Devices   int       `json:"devices"`
	Playlists int       `json:"playlists"`
	Schedules int       `json:"schedules"`
	At        time.Time `json:"at"`
}

func (b *Bridge) publishSync(event coordinator.Event) {
	msg := syncMessage{Context: b.coord.ContextID(), At: time.Now()}
	msg.Origin, msg.Op, _ = coordinator.ChangeOf(event)
	snap := b.coord.Snapshot()
	msg.Assets = len(snap.Assets)
	msg.Devices = len(snap.Devices)
	msg.Playlists = len(snap.Playlists)
	msg.Schedules = len(snap.Schedules)
	b.publish(b.prefix+"/sync", mustJSON(msg), false)
}

// publishDevices publishes state and discovery for devices whose state
// changed, and removes discovery for devices no longer in snap. Demo
// devices are never announced.
func (b *Bridge) publishDevices(snap *coordinator.Snapshot) {
	if snap.IsSeeded(store.Devices) {
		return
	}

	type pending struct {
		dev     store.Device
		state   deviceState
		isNew   bool
		removed bool
	}
	var out []pending

	b.mu.Lock()
	seen := make(map[string]bool, len(snap.Devices))
	for _, dev := range snap.Devices {
		seen[dev.ID] = true
		state := stateOf(snap, dev)
		prev, ok := b.published[dev.ID]
		if ok && prev == state {
			continue
		}
		b.published[dev.ID] = state
		out = append(out, pending{dev: dev, state: state, isNew: !ok})
	}
	for id := range b.published {
		if !seen[id] {
			delete(b.published, id)
			out = append(out, pending{dev: store.Device{ID: id}, removed: true})
		}
	}
	b.mu.Unlock()

	for _, p := range out {
		if p.removed {
			b.publishRemoval(p.dev)
			continue
		}
		if p.isNew {
			b.publishDeviceDiscovery(p.dev)
		}
		b.publish(deviceStateTopic(p.dev, b.prefix), mustJSON(p.state), true)
	}
}

func (b *Bridge) removeDevice(id string) {
	if id == "" {
		return
	}
	b.mu.Lock()
	_, ok := b.published[id]
	delete(b.published, id)
	b.mu.Unlock()
	if ok {
		b.publishRemoval(store.Device{ID: id})
	}
}

func (b *Bridge) publishRemoval(dev store.Device) {
	for _, msg := range buildRemoveDiscovery(dev) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.publish(deviceStateTopic(dev, b.prefix), nil, true)
	b.logger.Info("removed HA discovery", "device", dev.ID)
}

func (b *Bridge) publishBridgeState(state string) {
	topic := b.prefix + "/bridge/state"
	b.publish(topic, []byte(state), true)
}

func (b *Bridge) publishDeviceDiscovery(dev store.Device) {
	for _, msg := range buildDiscovery(dev, b.prefix) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.logger.Info("published HA discovery", "device", dev.ID, "name", deviceDisplayName(dev))
}

func (b *Bridge) subscribeCommands() {
	topic := b.prefix + "/sync/set"
	token := b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleSyncCommand(msg.Payload())
	})
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT subscribe timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT subscribe error", "topic", topic, "err", err)
		}
	}()
}

// handleSyncCommand runs SyncAll off the client's delivery goroutine, since
// SyncAll itself publishes through this bridge.
func (b *Bridge) handleSyncCommand(payload []byte) {
	if b.ctx.Err() != nil {
		return
	}
	b.logger.Info("sync requested over MQTT", "payload", string(payload))
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ctx, cancel := context.WithTimeout(b.ctx, syncCommandTimeout)
		defer cancel()
		if err := b.coord.SyncAll(ctx); err != nil {
			b.logger.Warn("sync command failed", "err", err)
		}
	}()
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

// stateOf builds the retained state of dev. A dangling playlist reference
// reads as no playlist.
func stateOf(snap *coordinator.Snapshot, dev store.Device) deviceState {
	st := deviceState{
		Name:     dev.Name,
		Location: dev.Location,
		Status:   string(dev.Status),
		LastPing: dev.LastPing,
		IP:       dev.IP,
		Code:     dev.PairingCode,
	}
	if p, ok := snap.AssignedPlaylist(dev); ok {
		st.Playlist = p.Name
	}
	return st
}

// nowPlaying is the retained payload on <prefix>/terminal/<code>.
type nowPlaying struct {
	State    string `json:"state"`
	Online   bool   `json:"online"`
	Device   string `json:"device,omitempty"`
	Playlist string `json:"playlist,omitempty"`
	Index    int    `json:"index"`
	Items    int    `json:"items"`
	Media    string `json:"media,omitempty"`
	Kind     string `json:"kind,omitempty"`
	Duration int    `json:"duration,omitempty"`
	Message  string `json:"message,omitempty"`
	At       string `json:"at"`
}

func framePayload(f player.Frame) []byte {
	np := nowPlaying{
		State:    f.State.String(),
		Online:   f.Online,
		Device:   f.DeviceName,
		Playlist: f.PlaylistName,
		Index:    f.Index,
		Items:    f.Items,
		Message:  f.Message,
		At:       f.At.UTC().Format(time.RFC3339),
	}
	if f.Media != nil {
		np.Media = f.Media.Name
		if np.Media == "" {
			np.Media = f.Media.AssetID
		}
		np.Kind = f.Media.Kind
		np.Duration = f.Media.Duration
	}
	return mustJSON(np)
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
