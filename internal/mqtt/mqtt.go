// Package mqtt carries switch reports, commands and state over MQTT, with
// abstraction for testing.
package mqtt

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/doncaruana/zwave-switch/internal/logic"
	"github.com/doncaruana/zwave-switch/internal/prefs"
)

// Raw values used by the switch for on and off.
const (
	RawOn  = 255
	RawOff = 0
)

// ErrUnknownTopic is returned by Decode for topics outside our namespaces.
var ErrUnknownTopic = errors.New("mqtt: unknown topic")

// ErrNotConnected is returned for publishes that are dropped rather than
// queued while the broker is unreachable.
var ErrNotConnected = errors.New("mqtt: not connected")

// Topics builds topic names from the two configured prefixes.
// Reports, set and config commands live under the gateway prefix; state,
// automation commands and system events under the state prefix.
type Topics struct {
	ReportPrefix string
	StatePrefix  string
}

// DefaultTopics matches the config defaults.
var DefaultTopics = Topics{ReportPrefix: "zwave", StatePrefix: "switch"}

func (t Topics) Report(device string) string { return t.ReportPrefix + "/" + device + "/report" }
func (t Topics) Set(device string) string    { return t.ReportPrefix + "/" + device + "/set" }
func (t Topics) Config(device string) string { return t.ReportPrefix + "/" + device + "/config" }
func (t Topics) Lifecycle(device string) string {
	return t.ReportPrefix + "/" + device + "/lifecycle"
}

func (t Topics) State(device string) string   { return t.StatePrefix + "/" + device + "/state" }
func (t Topics) Command(device string) string { return t.StatePrefix + "/" + device + "/command" }
func (t Topics) System() string               { return t.StatePrefix + "/bridge/system" }

// ReportFilter subscribes to reports from every device.
func (t Topics) ReportFilter() string { return t.ReportPrefix + "/+/report" }

// LifecycleFilter subscribes to inclusion and removal notices from the gateway.
func (t Topics) LifecycleFilter() string { return t.ReportPrefix + "/+/lifecycle" }

// CommandFilter subscribes to automation commands for every device.
func (t Topics) CommandFilter() string { return t.StatePrefix + "/+/command" }

// MessageKind classifies inbound messages.
type MessageKind int

const (
	KindReport MessageKind = iota + 1
	KindCommand
	KindInit   // device (re-)included: reset to unknown
	KindRemove // device removed from the network
)

// Message is a decoded inbound message.
type Message struct {
	Kind   MessageKind
	Device string
	Report logic.Report // KindReport
	On     bool         // KindCommand
}

// Handler receives decoded inbound messages.
type Handler func(Message)

// Client is the MQTT side of the bridge.
type Client interface {
	// PublishState publishes the logical state of a switch (retained).
	PublishState(change StateChange) error

	// PublishSet asks the gateway to set the switch output.
	PublishSet(device string, on bool) error

	// PublishConfig writes configuration parameters to the switch.
	PublishConfig(device string, params []prefs.Parameter) error

	// PublishSystem sends a system lifecycle event.
	PublishSystem(event SystemEvent) error

	// Subscribe registers the handler for reports and commands.
	// Subscriptions are re-established after every reconnect.
	Subscribe(handler Handler) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// StateChange is one emission of logical state.
type StateChange struct {
	Device    string
	State     logic.State
	Timestamp time.Time
}

// SystemEvent represents a system lifecycle event (e.g., startup, shutdown, heartbeat).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN", "HEARTBEAT"
	Reason     string // e.g., "SIGTERM", "SIGINT" (shutdown only)
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool   // Whether the message should be retained by the broker
}

// reportPayload is the inbound report from the gateway. Value may be a
// number, a bool, a numeric string, "on"/"off", or missing.
type reportPayload struct {
	Value  json.RawMessage `json:"value"`
	Source string          `json:"source"`
}

// SetPayload is the outbound set command.
type SetPayload struct {
	Value int `json:"value"`
}

// LifecyclePayload is a gateway inclusion or removal notice.
type LifecyclePayload struct {
	Event string `json:"event"`
}

// CommandPayload is an automation command.
type CommandPayload struct {
	State string `json:"state"`
}

// StatePayload is the retained state message.
type StatePayload struct {
	Switch SwitchPayload `json:"switch"`
}

// SwitchPayload contains the state details.
type SwitchPayload struct {
	Device    string `json:"device"`
	State     string `json:"state"`
	Timestamp string `json:"timestamp"`
}

// SystemPayload represents the MQTT message payload for system events.
// Used for simple events (LWT, RECONNECTED) that don't carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// Decode classifies an inbound message by topic and parses its payload.
func Decode(t Topics, topic string, payload []byte) (Message, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[1] == "" {
		return Message{}, fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}
	device := parts[1]

	switch {
	case parts[0] == t.ReportPrefix && parts[2] == "report":
		rep, err := ParseReport(device, payload)
		if err != nil {
			return Message{}, err
		}
		return Message{Kind: KindReport, Device: device, Report: rep}, nil
	case parts[0] == t.StatePrefix && parts[2] == "command":
		on, err := ParseCommand(payload)
		if err != nil {
			return Message{}, fmt.Errorf("command for %s: %w", device, err)
		}
		return Message{Kind: KindCommand, Device: device, On: on}, nil
	case parts[0] == t.ReportPrefix && parts[2] == "lifecycle":
		kind, err := ParseLifecycle(payload)
		if err != nil {
			return Message{}, fmt.Errorf("lifecycle for %s: %w", device, err)
		}
		return Message{Kind: kind, Device: device}, nil
	default:
		return Message{}, fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}
}

// ParseReport decodes a report payload. A payload that is not JSON is an
// error; a missing or unusable value is normalized to 0 (off).
func ParseReport(device string, payload []byte) (logic.Report, error) {
	trimmed := bytes.TrimSpace(payload)

	var p reportPayload
	switch {
	case len(trimmed) == 0:
		// No value at all.
	case trimmed[0] == '{':
		if err := json.Unmarshal(trimmed, &p); err != nil {
			return logic.Report{}, fmt.Errorf("report for %s: %w", device, err)
		}
	default:
		// A bare scalar is the value with an unspecified source.
		if !json.Valid(trimmed) {
			return logic.Report{}, fmt.Errorf("report for %s: invalid payload", device)
		}
		p.Value = json.RawMessage(trimmed)
	}

	raw := parseRaw(p.Value)
	return logic.Report{
		Device:     device,
		ReportedOn: raw != 0,
		Source:     ParseSource(p.Source),
		Raw:        raw,
	}, nil
}

func parseRaw(v json.RawMessage) int {
	if len(v) == 0 {
		return RawOff
	}

	var n float64
	if err := json.Unmarshal(v, &n); err == nil {
		return rawFromNumber(n)
	}

	var b bool
	if err := json.Unmarshal(v, &b); err == nil {
		if b {
			return RawOn
		}
		return RawOff
	}

	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		s = strings.ToLower(strings.TrimSpace(s))
		switch s {
		case "on", "true":
			return RawOn
		case "off", "false":
			return RawOff
		}
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			return rawFromNumber(n)
		}
	}

	return RawOff
}

// rawFromNumber accepts whole numbers in 0..255. Anything else is off.
func rawFromNumber(n float64) int {
	if n != math.Trunc(n) || n < RawOff || n > RawOn {
		return RawOff
	}
	return int(n)
}

// ParseSource maps a source name to a logic.Source. Unknown names are SourceOther.
func ParseSource(s string) logic.Source {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "basic":
		return logic.SourceBasic
	case "binary", "switch_binary", "binary_switch":
		return logic.SourceBinary
	default:
		return logic.SourceOther
	}
}

// ParseCommand decodes an automation command.
func ParseCommand(payload []byte) (bool, error) {
	var p CommandPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return false, err
	}
	switch strings.ToUpper(strings.TrimSpace(p.State)) {
	case "ON":
		return true, nil
	case "OFF":
		return false, nil
	default:
		return false, fmt.Errorf("unknown state %q", p.State)
	}
}

// ParseLifecycle decodes a lifecycle notice into KindInit or KindRemove.
func ParseLifecycle(payload []byte) (MessageKind, error) {
	var p LifecyclePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return 0, err
	}
	switch strings.ToLower(strings.TrimSpace(p.Event)) {
	case "included", "init":
		return KindInit, nil
	case "removed", "excluded":
		return KindRemove, nil
	default:
		return 0, fmt.Errorf("unknown event %q", p.Event)
	}
}

// FormatSet creates the JSON payload for a set command.
func FormatSet(on bool) ([]byte, error) {
	v := RawOff
	if on {
		v = RawOn
	}
	return json.Marshal(SetPayload{Value: v})
}

// FormatConfig creates the JSON payload for one configuration parameter.
func FormatConfig(param prefs.Parameter) ([]byte, error) {
	return json.Marshal(param)
}

// FormatState creates the JSON payload for a state change.
func FormatState(change StateChange) ([]byte, error) {
	state := string(change.State)
	if state == "" {
		state = "UNKNOWN"
	}
	return json.Marshal(StatePayload{
		Switch: SwitchPayload{
			Device:    change.Device,
			State:     state,
			Timestamp: change.Timestamp.UTC().Format(time.RFC3339),
		},
	})
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly (used for full status snapshots).
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	payload := SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	}
	return json.Marshal(payload)
}
