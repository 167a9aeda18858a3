//go:build no_mqtt

package main

import (
	"log/slog"

	"visionflow/internal/coordinator"
	"visionflow/internal/player"
)

// mqttLink is inert in builds without MQTT.
type mqttLink struct{}

func (*mqttLink) Stop()                     {}
func (*mqttLink) PublishFrame(player.Frame) {}

func initMQTT(_ *coordinator.Coordinator, cfg *Config, logger *slog.Logger) *mqttLink {
	if cfg.MQTT.Enabled {
		logger.Warn("mqtt enabled in config but this binary was built with no_mqtt")
	}
	return &mqttLink{}
}
