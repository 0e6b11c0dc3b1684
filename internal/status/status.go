// Package status provides a thread-safe status tracker for the switch bridge.
// It is written by the dispatcher and read by HTTP handlers and system events.
package status

import (
	"errors"
	"sync"
	"time"

	"github.com/doncaruana/zwave-switch/internal/logic"
	"github.com/doncaruana/zwave-switch/internal/prefs"
)

// NetworkInfo contains network state as reported by the host helper.
type NetworkInfo struct {
	Type       string
	IP         string
	Status     string
	Gateway    string
	WifiStatus string
	SSID       string
}

// Config contains daemon configuration for display.
type Config struct {
	HeartbeatMs    int64
	Broker         string
	ReportPrefix   string
	StatePrefix    string
	HTTPAddr       string
	EmbeddedBroker string // listen address of the in-process broker (empty = disabled)
	TracePath      string
	RigDevice      string // device driven by local GPIO (empty = none)
}

// Device is the status of one switch.
type Device struct {
	logic.Snapshot
	Preferences prefs.Preferences
	Rig         bool
	LastChange  time.Time
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type and safe to use after the lock is released.
type Snapshot struct {
	InstanceID    string
	Devices       []Device
	Totals        logic.Counts
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Network       *NetworkInfo
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Ready reports whether every known device has an established state.
func (s Snapshot) Ready() bool {
	if len(s.Devices) == 0 {
		return false
	}
	for _, d := range s.Devices {
		if !d.State.Known() {
			return false
		}
	}
	return true
}

// Device returns the status of one device.
func (s Snapshot) Device(id string) (Device, bool) {
	for _, d := range s.Devices {
		if d.Device == id {
			return d, true
		}
	}
	return Device{}, false
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
	now  func() time.Time
}

// NewTracker creates a Tracker with the given start time, instance id and config.
func NewTracker(startTime time.Time, instanceID string, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			InstanceID: instanceID,
			StartTime:  startTime,
			Config:     cfg,
		},
		now: time.Now,
	}
}

// Update replaces device states and totals. A device whose state differs
// from the previous update gets a new LastChange time.
func (t *Tracker) Update(devices []Device, totals logic.Counts) {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	prev := make(map[string]Device, len(t.snap.Devices))
	for _, d := range t.snap.Devices {
		prev[d.Device] = d
	}

	out := make([]Device, len(devices))
	for i, d := range devices {
		p, ok := prev[d.Device]
		switch {
		case !d.LastChange.IsZero():
		case ok && p.State == d.State:
			d.LastChange = p.LastChange
		case d.State.Known():
			d.LastChange = now
		}
		out[i] = d
	}
	t.snap.Devices = out
	t.snap.Totals = totals
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// SetNetwork sets the network info.
func (t *Tracker) SetNetwork(info *NetworkInfo) {
	t.mu.Lock()
	t.snap.Network = info
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	s.Devices = append([]Device(nil), t.snap.Devices...)
	t.mu.RUnlock()
	s.Now = t.now()
	return s
}

// ErrUnknownDevice is returned for a device that is neither configured nor
// has ever reported.
var ErrUnknownDevice = errors.New("unknown device")
