//go:build !no_mqtt

package main

import (
	"strings"
	"testing"
	"time"

	"visionflow/internal/player"
)

func TestFrameKeyIgnoresTimestamp(t *testing.T) {
	a := player.Frame{Code: "VF-1234", State: player.StatePlaying, Online: true, Index: 1,
		Media: &player.MediaView{Kind: "image", Src: "/media/a", AssetID: "a"}, At: time.Unix(10, 0)}
	b := a
	b.At = time.Unix(20, 0)
	if frameKey(a) != frameKey(b) {
		t.Error("frames differing only in At should share a key")
	}

	c := a
	c.Index = 2
	if frameKey(a) == frameKey(c) {
		t.Error("index change should change the key")
	}
	d := a
	d.Online = false
	if frameKey(a) == frameKey(d) {
		t.Error("online change should change the key")
	}
}

func TestDisabledLinkIsInert(t *testing.T) {
	var link mqttLink
	link.PublishFrame(player.Frame{Code: "VF-1234"})
	link.Stop()
}

func TestMQTTClientID(t *testing.T) {
	cfg := &Config{}
	cfg.MQTT.ClientID = "lobby-box"
	if got := mqttClientID(cfg); got != "lobby-box" {
		t.Errorf("explicit id = %q", got)
	}
	cfg.MQTT.ClientID = ""
	if got := mqttClientID(cfg); !strings.HasPrefix(got, "visionflow") {
		t.Errorf("default id = %q", got)
	}
}
