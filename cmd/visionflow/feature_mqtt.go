//go:build !no_mqtt

package main

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	mqttbridge "visionflow/internal/mqtt"

	"visionflow/internal/coordinator"
	"visionflow/internal/player"
)

// mqttLink mirrors admin state and terminal frames to the broker. The zero
// value is a disabled link.
type mqttLink struct {
	bridge *mqttbridge.Bridge

	mu   sync.Mutex
	seen map[string]string // code -> last published frame key
}

func (m *mqttLink) Stop() {
	if m.bridge != nil {
		m.bridge.Stop()
	}
}

// PublishFrame forwards f unless only its timestamp changed since the last
// frame for the same terminal.
func (m *mqttLink) PublishFrame(f player.Frame) {
	if m.bridge == nil {
		return
	}
	key := frameKey(f)
	m.mu.Lock()
	if m.seen[f.Code] == key {
		m.mu.Unlock()
		return
	}
	m.seen[f.Code] = key
	m.mu.Unlock()
	m.bridge.PublishFrame(f)
}

func frameKey(f player.Frame) string {
	src := ""
	if f.Media != nil {
		src = f.Media.Kind + ":" + f.Media.Src + ":" + f.Media.AssetID
	}
	return fmt.Sprintf("%s|%t|%s|%s|%d|%d|%s|%s", f.State, f.Online, f.DeviceID, f.PlaylistID, f.Index, f.Items, src, f.Message)
}

func mqttClientID(cfg *Config) string {
	if cfg.MQTT.ClientID != "" {
		return cfg.MQTT.ClientID
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return "visionflow-" + host
	}
	return "visionflow"
}

func initMQTT(coord *coordinator.Coordinator, cfg *Config, logger *slog.Logger) *mqttLink {
	if !cfg.MQTT.Enabled {
		return &mqttLink{}
	}
	bridge, err := mqttbridge.NewBridge(coord, mqttbridge.Config{
		Broker:      cfg.MQTT.Broker,
		Username:    cfg.MQTT.Username,
		Password:    cfg.MQTT.Password,
		TopicPrefix: cfg.MQTT.TopicPrefix,
		ClientID:    mqttClientID(cfg),
	}, logger)
	if err != nil {
		// The signage keeps running without the broker.
		logger.Error("mqtt bridge", "broker", cfg.MQTT.Broker, "err", err)
		return &mqttLink{}
	}
	bridge.Start()
	return &mqttLink{bridge: bridge, seen: make(map[string]string)}
}
