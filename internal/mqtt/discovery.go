//go:build !no_mqtt

package mqtt

import (
	"strings"

	"visionflow/internal/store"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/visionflow_d1/playlist/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers   []string `json:"identifiers"`
	Manufacturer  string   `json:"manufacturer,omitempty"`
	Model         string   `json:"model,omitempty"`
	Name          string   `json:"name"`
	SuggestedArea string   `json:"suggested_area,omitempty"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	Icon              string   `json:"icon,omitempty"`
	Device            haDevice `json:"device"`
}

// deviceState is the retained JSON published on a device's state topic.
type deviceState struct {
	Name     string `json:"name"`
	Location string `json:"location"`
	Status   string `json:"status"`
	LastPing string `json:"last_ping"`
	IP       string `json:"ip"`
	Code     string `json:"code,omitempty"`
	Playlist string `json:"playlist"`
}

// deviceDisplayName returns a display name for the device.
func deviceDisplayName(dev store.Device) string {
	if dev.Name != "" {
		return dev.Name
	}
	if dev.PairingCode != "" {
		return dev.PairingCode
	}
	return dev.ID
}

// deviceIdentifier returns the unique identifier for HA device registry.
func deviceIdentifier(dev store.Device) string {
	return "visionflow_" + dev.ID
}

// deviceTopicName returns the topic segment for a device. Ids are stable
// across renames, so the name is not used.
func deviceTopicName(dev store.Device) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, dev.ID)
}

func deviceStateTopic(dev store.Device, prefix string) string {
	return prefix + "/device/" + deviceTopicName(dev)
}

// buildDiscovery generates HA discovery messages for a device: a sensor with
// the assigned playlist name and a connectivity binary sensor.
func buildDiscovery(dev store.Device, prefix string) []discoveryMsg {
	if dev.ID == "" {
		return nil
	}

	avail := prefix + "/bridge/state"
	stateTopic := deviceStateTopic(dev, prefix)
	nodeID := deviceIdentifier(dev)
	displayName := deviceDisplayName(dev)

	haDev := haDevice{
		Identifiers:   []string{nodeID},
		Manufacturer:  "VisionFlow",
		Model:         "Signage terminal",
		Name:          displayName,
		SuggestedArea: dev.Location,
	}

	return []discoveryMsg{
		{
			Topic: "homeassistant/sensor/" + nodeID + "/playlist/config",
			Payload: mustJSON(haDiscovery{
				Name:              displayName + " Playlist",
				UniqueID:          nodeID + "_playlist",
				StateTopic:        stateTopic,
				AvailabilityTopic: avail,
				ValueTemplate:     "{{ value_json.playlist }}",
				Icon:              "mdi:playlist-play",
				Device:            haDev,
			}),
		},
		{
			Topic: "homeassistant/binary_sensor/" + nodeID + "/status/config",
			Payload: mustJSON(haDiscovery{
				Name:              displayName + " Status",
				UniqueID:          nodeID + "_status",
				StateTopic:        stateTopic,
				AvailabilityTopic: avail,
				ValueTemplate:     "{{ value_json.status }}",
				DeviceClass:       "connectivity",
				PayloadOn:         string(store.StatusOnline),
				PayloadOff:        string(store.StatusOffline),
				Device:            haDev,
			}),
		},
	}
}

// buildRemoveDiscovery returns empty retained messages that delete a
// device's discovery entries.
func buildRemoveDiscovery(dev store.Device) []discoveryMsg {
	nodeID := deviceIdentifier(dev)
	return []discoveryMsg{
		{Topic: "homeassistant/sensor/" + nodeID + "/playlist/config"},
		{Topic: "homeassistant/binary_sensor/" + nodeID + "/status/config"},
	}
}
