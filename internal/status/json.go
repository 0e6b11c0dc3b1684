package status

import (
	"encoding/json"
	"time"

	"github.com/doncaruana/zwave-switch/internal/logic"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string       `json:"event,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	Instance      string       `json:"instance"`
	Ready         bool         `json:"ready"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	StartTime     string       `json:"start_time"`
	Timestamp     string       `json:"timestamp"`
	MQTT          MQTTStatus   `json:"mqtt"`
	Counts        CountsJSON   `json:"counts"`
	Devices       []DeviceJSON `json:"devices"`
	Network       *NetworkJSON `json:"network,omitempty"`
	Config        ConfigJSON   `json:"config"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// CountsJSON is the JSON representation of reconciler counts.
type CountsJSON struct {
	Reports           int `json:"reports"`
	Emitted           int `json:"emitted"`
	Commands          int `json:"commands"`
	Corrections       int `json:"corrections"`
	Suppressed        int `json:"suppressed"`
	DiscardedInflight int `json:"discarded_inflight"`
	DiscardedEcho     int `json:"discarded_echo"`
}

// DeviceJSON is the JSON representation of one switch.
type DeviceJSON struct {
	ID             string          `json:"id"`
	State          string          `json:"state"`
	LastChange     string          `json:"last_change,omitempty"`
	DigitalActive  bool            `json:"digital_active"`
	InflightActive bool            `json:"inflight_active"`
	InflightTarget string          `json:"inflight_target,omitempty"`
	Rig            bool            `json:"rig,omitempty"`
	Preferences    PreferencesJSON `json:"preferences"`
	Counts         CountsJSON      `json:"counts"`
}

// PreferencesJSON is the JSON representation of device preferences.
type PreferencesJSON struct {
	SoftToggle bool   `json:"soft_toggle"`
	Invert     bool   `json:"invert"`
	LED        string `json:"led"`
}

// NetworkJSON is the JSON representation of network info.
type NetworkJSON struct {
	Type       string `json:"type"`
	IP         string `json:"ip"`
	Status     string `json:"status"`
	Gateway    string `json:"gateway"`
	WifiStatus string `json:"wifi_status"`
	SSID       string `json:"ssid"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	HeartbeatMs    int64  `json:"heartbeat_ms"`
	Broker         string `json:"broker"`
	ReportPrefix   string `json:"report_prefix"`
	StatePrefix    string `json:"state_prefix"`
	HTTPAddr       string `json:"http_addr"`
	EmbeddedBroker string `json:"embedded_broker,omitempty"`
	TracePath      string `json:"trace_path,omitempty"`
	RigDevice      string `json:"rig_device,omitempty"`
}

// StateString renders a state for display.
func StateString(s logic.State) string {
	if s == logic.StateUnknown {
		return "UNKNOWN"
	}
	return string(s)
}

func countsJSON(c logic.Counts) CountsJSON {
	return CountsJSON{
		Reports:           c.Reports,
		Emitted:           c.Emitted,
		Commands:          c.Commands,
		Corrections:       c.Corrections,
		Suppressed:        c.Suppressed,
		DiscardedInflight: c.DiscardedInflight,
		DiscardedEcho:     c.DiscardedEcho,
	}
}

// BuildDevice converts a device status to its JSON form.
func BuildDevice(d Device) DeviceJSON {
	out := DeviceJSON{
		ID:             d.Device,
		State:          StateString(d.State),
		DigitalActive:  d.DigitalActive,
		InflightActive: d.InflightActive,
		InflightTarget: string(d.InflightTarget),
		Rig:            d.Rig,
		Preferences: PreferencesJSON{
			SoftToggle: d.Preferences.SoftToggle,
			Invert:     d.Preferences.Invert,
			LED:        d.Preferences.LED,
		},
		Counts: countsJSON(d.Counts),
	}
	if !d.LastChange.IsZero() {
		out.LastChange = d.LastChange.UTC().Format(time.RFC3339)
	}
	return out
}

func buildInner(snap Snapshot) StatusInner {
	devices := make([]DeviceJSON, 0, len(snap.Devices))
	for _, d := range snap.Devices {
		devices = append(devices, BuildDevice(d))
	}

	return StatusInner{
		Instance:      snap.InstanceID,
		Ready:         snap.Ready(),
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Counts:        countsJSON(snap.Totals),
		Devices:       devices,
		Config: ConfigJSON{
			HeartbeatMs:    snap.Config.HeartbeatMs,
			Broker:         snap.Config.Broker,
			ReportPrefix:   snap.Config.ReportPrefix,
			StatePrefix:    snap.Config.StatePrefix,
			HTTPAddr:       snap.Config.HTTPAddr,
			EmbeddedBroker: snap.Config.EmbeddedBroker,
			TracePath:      snap.Config.TracePath,
			RigDevice:      snap.Config.RigDevice,
		},
	}
}

func buildNetwork(snap Snapshot, inner *StatusInner) {
	if snap.Network != nil {
		inner.Network = &NetworkJSON{
			Type:       snap.Network.Type,
			IP:         snap.Network.IP,
			Status:     snap.Network.Status,
			Gateway:    snap.Network.Gateway,
			WifiStatus: snap.Network.WifiStatus,
			SSID:       snap.Network.SSID,
		}
	}
}

// BuildJSON returns the status envelope without event fields.
func BuildJSON(snap Snapshot) StatusJSON {
	inner := buildInner(snap)
	buildNetwork(snap, &inner)
	return StatusJSON{Status: inner}
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason
	buildNetwork(snap, &inner)

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
