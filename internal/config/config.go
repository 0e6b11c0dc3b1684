// Package config loads daemon configuration from TOML or YAML files.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// LED modes accepted for the indicator preference.
const (
	LEDNormal   = "normal"
	LEDInverted = "inverted"
	LEDOff      = "off"
)

// Config is the daemon configuration. A negative Heartbeat disables heartbeats.
type Config struct {
	MQTT      MQTTConfig   `toml:"mqtt" yaml:"mqtt"`
	HTTP      HTTPConfig   `toml:"http" yaml:"http"`
	Heartbeat Duration     `toml:"heartbeat" yaml:"heartbeat"`
	Trace     TraceConfig  `toml:"trace" yaml:"trace"`
	Broker    BrokerConfig `toml:"broker" yaml:"broker"`
	MDNS      MDNSConfig   `toml:"mdns" yaml:"mdns"`
	GPIO      GPIOConfig   `toml:"gpio" yaml:"gpio"`
	Defaults  Prefs        `toml:"defaults" yaml:"defaults"`
	Devices   []Device     `toml:"devices" yaml:"devices"`
}

type MQTTConfig struct {
	Broker       string `toml:"broker" yaml:"broker"`
	ClientID     string `toml:"client_id" yaml:"client_id"`
	ReportPrefix string `toml:"report_prefix" yaml:"report_prefix"`
	StatePrefix  string `toml:"state_prefix" yaml:"state_prefix"`
	Buffer       int    `toml:"buffer" yaml:"buffer"`
}

type HTTPConfig struct {
	Addr string `toml:"addr" yaml:"addr"`
}

type TraceConfig struct {
	Path string `toml:"path" yaml:"path"`
}

// BrokerConfig enables the embedded broker when Addr is set.
type BrokerConfig struct {
	Addr string `toml:"addr" yaml:"addr"`
}

type MDNSConfig struct {
	Enabled   bool   `toml:"enabled" yaml:"enabled"`
	Interface string `toml:"interface" yaml:"interface"`
}

// GPIOConfig describes a locally wired paddle and relay acting as one device.
type GPIOConfig struct {
	Enabled  bool     `toml:"enabled" yaml:"enabled"`
	Device   string   `toml:"device" yaml:"device"`
	Chip     string   `toml:"chip" yaml:"chip"`
	PinUp    int      `toml:"pin_up" yaml:"pin_up"`
	PinDown  int      `toml:"pin_down" yaml:"pin_down"`
	PinRelay int      `toml:"pin_relay" yaml:"pin_relay"`
	Poll     Duration `toml:"poll" yaml:"poll"`
	Debounce Duration `toml:"debounce" yaml:"debounce"`
}

// Prefs holds preference values. Nil pointers inherit from the defaults.
type Prefs struct {
	SoftToggle *bool  `toml:"soft_toggle" yaml:"soft_toggle"`
	Invert     *bool  `toml:"invert" yaml:"invert"`
	LED        string `toml:"led" yaml:"led"`
}

type Device struct {
	ID    string `toml:"id" yaml:"id"`
	Prefs `yaml:",inline"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	var cfg Config
	applyDefaults(&cfg)
	return cfg
}

// Load reads a TOML (.toml) or YAML (.yaml, .yml) file, fills defaults and validates.
func Load(path string) (Config, error) {
	var cfg Config
	if err := loadFile(path, &cfg); err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, out *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), out); err != nil {
			return fmt.Errorf("config parse failed (%s): %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, out); err != nil {
			return fmt.Errorf("config parse failed (%s): %w", path, err)
		}
	default:
		return fmt.Errorf("config load failed (%s): unsupported extension", path)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.MQTT.Broker == "" {
		cfg.MQTT.Broker = "tcp://127.0.0.1:1883"
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "switch-bridge"
	}
	if cfg.MQTT.ReportPrefix == "" {
		cfg.MQTT.ReportPrefix = "zwave"
	}
	if cfg.MQTT.StatePrefix == "" {
		cfg.MQTT.StatePrefix = "switch"
	}
	if cfg.MQTT.Buffer == 0 {
		cfg.MQTT.Buffer = 100
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}
	if cfg.Heartbeat == 0 {
		cfg.Heartbeat = Duration(15 * time.Minute)
	}
	if cfg.GPIO.Chip == "" {
		cfg.GPIO.Chip = "gpiochip0"
	}
	if cfg.GPIO.PinUp == 0 && cfg.GPIO.PinDown == 0 && cfg.GPIO.PinRelay == 0 {
		cfg.GPIO.PinUp, cfg.GPIO.PinDown, cfg.GPIO.PinRelay = 17, 27, 22
	}
	if cfg.GPIO.Poll == 0 {
		cfg.GPIO.Poll = Duration(10 * time.Millisecond)
	}
	if cfg.GPIO.Debounce == 0 {
		cfg.GPIO.Debounce = Duration(50 * time.Millisecond)
	}
	if cfg.Defaults.SoftToggle == nil {
		v := false
		cfg.Defaults.SoftToggle = &v
	}
	if cfg.Defaults.Invert == nil {
		v := false
		cfg.Defaults.Invert = &v
	}
	if cfg.Defaults.LED == "" {
		cfg.Defaults.LED = LEDNormal
	}
}

// Validate checks a configuration with defaults already applied.
func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.MQTT.Broker) == "" {
		return fmt.Errorf("%w: mqtt broker is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.MQTT.ClientID) == "" {
		return fmt.Errorf("%w: mqtt client_id is required", ErrInvalidConfig)
	}
	if err := ValidateTopicSegment(cfg.MQTT.ReportPrefix); err != nil {
		return fmt.Errorf("%w: mqtt report_prefix: %v", ErrInvalidConfig, err)
	}
	if err := ValidateTopicSegment(cfg.MQTT.StatePrefix); err != nil {
		return fmt.Errorf("%w: mqtt state_prefix: %v", ErrInvalidConfig, err)
	}
	if cfg.MQTT.Buffer < 0 {
		return fmt.Errorf("%w: mqtt buffer must not be negative", ErrInvalidConfig)
	}
	if err := ValidateLED(cfg.Defaults.LED); err != nil {
		return fmt.Errorf("%w: defaults: %v", ErrInvalidConfig, err)
	}

	seen := make(map[string]bool, len(cfg.Devices))
	for i, dev := range cfg.Devices {
		if err := ValidateTopicSegment(dev.ID); err != nil {
			return fmt.Errorf("%w: device[%d] id: %v", ErrInvalidConfig, i, err)
		}
		if seen[dev.ID] {
			return fmt.Errorf("%w: device[%d] duplicate id %q", ErrInvalidConfig, i, dev.ID)
		}
		seen[dev.ID] = true
		if err := ValidateLED(dev.LED); err != nil {
			return fmt.Errorf("%w: device[%d]: %v", ErrInvalidConfig, i, err)
		}
	}

	if cfg.GPIO.Enabled {
		if err := validateGPIO(cfg.GPIO); err != nil {
			return fmt.Errorf("%w: gpio: %v", ErrInvalidConfig, err)
		}
	}
	return nil
}

func validateGPIO(g GPIOConfig) error {
	if err := ValidateTopicSegment(g.Device); err != nil {
		return fmt.Errorf("device: %v", err)
	}
	if g.PinUp < 0 || g.PinDown < 0 || g.PinRelay < 0 {
		return fmt.Errorf("pins must not be negative")
	}
	if g.PinUp == g.PinDown || g.PinUp == g.PinRelay || g.PinDown == g.PinRelay {
		return fmt.Errorf("pins must be distinct")
	}
	if g.Poll <= 0 {
		return fmt.Errorf("poll must be positive")
	}
	if g.Debounce < 0 {
		return fmt.Errorf("debounce must not be negative")
	}
	return nil
}

// ValidateTopicSegment checks that s can be used as a single MQTT topic level.
func ValidateTopicSegment(s string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("must not be empty")
	}
	if strings.ContainsAny(s, "/+#") {
		return fmt.Errorf("%q must not contain '/', '+' or '#'", s)
	}
	return nil
}

// ValidateLED checks an LED mode. Empty means inherit.
func ValidateLED(mode string) error {
	switch mode {
	case "", LEDNormal, LEDInverted, LEDOff:
		return nil
	default:
		return fmt.Errorf("unknown led mode %q", mode)
	}
}

// DeviceIDs returns configured device ids, including the GPIO device.
func (c Config) DeviceIDs() []string {
	ids := make([]string, 0, len(c.Devices)+1)
	seen := make(map[string]bool)
	for _, d := range c.Devices {
		ids = append(ids, d.ID)
		seen[d.ID] = true
	}
	if c.GPIO.Enabled && !seen[c.GPIO.Device] {
		ids = append(ids, c.GPIO.Device)
	}
	return ids
}
