// Package prefs holds user preferences per device and maps them to device
// configuration parameters.
package prefs

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/doncaruana/zwave-switch/internal/config"
	"github.com/doncaruana/zwave-switch/internal/logic"
)

// Configuration parameter numbers understood by the switch.
const (
	ParamLED    = 3
	ParamInvert = 4
)

// ErrInvalidPreference is returned by Update for values the switch cannot take.
var ErrInvalidPreference = errors.New("invalid preference")

// Preferences are the user-facing settings for one switch.
type Preferences struct {
	SoftToggle bool   `json:"soft_toggle"`
	Invert     bool   `json:"invert"`
	LED        string `json:"led"`
}

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	SoftToggle *bool   `json:"soft_toggle,omitempty"`
	Invert     *bool   `json:"invert,omitempty"`
	LED        *string `json:"led,omitempty"`
}

// Change reports which preferences an update modified.
type Change struct {
	SoftToggle bool
	Invert     bool
	LED        bool
}

// DeviceConfig reports whether the device itself needs reconfiguring.
func (c Change) DeviceConfig() bool {
	return c.Invert || c.LED
}

// Parameter is one configuration parameter write.
type Parameter struct {
	Number int `json:"parameter"`
	Size   int `json:"size"`
	Value  int `json:"value"`
}

// Store is a concurrency-safe preference store.
type Store struct {
	mu       sync.RWMutex
	defaults Preferences
	devices  map[string]Preferences
}

// NewStore creates a store whose unknown devices read as defaults.
func NewStore(defaults Preferences) *Store {
	return &Store{
		defaults: defaults,
		devices:  make(map[string]Preferences),
	}
}

// FromConfig builds a store from the [defaults] and [[devices]] sections.
func FromConfig(cfg config.Config) *Store {
	s := NewStore(resolve(Preferences{LED: config.LEDNormal}, cfg.Defaults))
	for _, dev := range cfg.Devices {
		s.devices[dev.ID] = resolve(s.defaults, dev.Prefs)
	}
	return s
}

func resolve(base Preferences, p config.Prefs) Preferences {
	if p.SoftToggle != nil {
		base.SoftToggle = *p.SoftToggle
	}
	if p.Invert != nil {
		base.Invert = *p.Invert
	}
	if p.LED != "" {
		base.LED = p.LED
	}
	return base
}

// Preferences implements logic.PreferenceSource.
func (s *Store) Preferences(device string) logic.Preferences {
	return logic.Preferences{SoftToggle: s.Get(device).SoftToggle}
}

// Get returns the current preferences of a device.
func (s *Store) Get(device string) Preferences {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.devices[device]; ok {
		return p
	}
	return s.defaults
}

// Update applies a patch and returns the resulting preferences and what changed.
func (s *Store) Update(device string, patch Patch) (Preferences, Change, error) {
	if patch.LED != nil {
		if err := config.ValidateLED(*patch.LED); err != nil || *patch.LED == "" {
			return Preferences{}, Change{}, fmt.Errorf("%w: %s: led mode %q", ErrInvalidPreference, device, *patch.LED)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.devices[device]
	if !ok {
		old = s.defaults
	}
	next := old
	if patch.SoftToggle != nil {
		next.SoftToggle = *patch.SoftToggle
	}
	if patch.Invert != nil {
		next.Invert = *patch.Invert
	}
	if patch.LED != nil {
		next.LED = *patch.LED
	}
	s.devices[device] = next

	return next, Change{
		SoftToggle: next.SoftToggle != old.SoftToggle,
		Invert:     next.Invert != old.Invert,
		LED:        next.LED != old.LED,
	}, nil
}

// Devices returns ids with explicit preferences, sorted.
func (s *Store) Devices() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.devices))
	for id := range s.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Parameters maps preferences to the device's configuration parameters.
func Parameters(p Preferences) []Parameter {
	led := 0
	switch p.LED {
	case config.LEDInverted:
		led = 1
	case config.LEDOff:
		led = 2
	}
	invert := 0
	if p.Invert {
		invert = 1
	}
	return []Parameter{
		{Number: ParamLED, Size: 1, Value: led},
		{Number: ParamInvert, Size: 1, Value: invert},
	}
}
