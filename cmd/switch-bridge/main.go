// Command switch-bridge reconciles paddle switch reports with logical state
// and publishes that state to MQTT.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/doncaruana/zwave-switch/internal/bridge"
	"github.com/doncaruana/zwave-switch/internal/broker"
	"github.com/doncaruana/zwave-switch/internal/config"
	"github.com/doncaruana/zwave-switch/internal/discovery"
	"github.com/doncaruana/zwave-switch/internal/gpio"
	"github.com/doncaruana/zwave-switch/internal/logging"
	"github.com/doncaruana/zwave-switch/internal/logic"
	"github.com/doncaruana/zwave-switch/internal/mqtt"
	"github.com/doncaruana/zwave-switch/internal/prefs"
	"github.com/doncaruana/zwave-switch/internal/rig"
	"github.com/doncaruana/zwave-switch/internal/status"
	"github.com/doncaruana/zwave-switch/internal/trace"
	"github.com/doncaruana/zwave-switch/internal/web"
)

// advertiseInterval is how often the mDNS TXT record is refreshed.
const (
	advertiseInterval = 30 * time.Second
	shutdownTimeout   = 5 * time.Second
)

type options struct {
	configPath string
	broker     string
	httpAddr   string
	dumpTrace  string
	device     string
	outcome    string
	printState bool
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "Config file (.toml, .yaml or .yml); defaults are used when empty")
	flag.StringVar(&opts.broker, "broker", "", "MQTT broker address (overrides config)")
	flag.StringVar(&opts.httpAddr, "http", "", `HTTP status address (overrides config, "off" disables)`)
	flag.StringVar(&opts.dumpTrace, "dump-trace", "", "Print a decision trace file and exit")
	flag.StringVar(&opts.device, "device", "", "Only dump trace records for this device")
	flag.StringVar(&opts.outcome, "outcome", "", "Only dump trace records with this outcome (e.g. CORRECTED)")
	flag.BoolVar(&opts.printState, "print-state", false, "Print configured devices and paddle state, then exit")
	flag.Parse()

	logging.ConfigureRuntime()
	logger := logging.For("main")

	if err := run(opts, logger); err != nil {
		logger.Fatal().Err(err).Msg("fatal")
	}
}

// closeLogged closes c and logs a failure; used for deferred cleanup.
func closeLogged(logger zerolog.Logger, name string, c io.Closer) {
	if err := c.Close(); err != nil {
		logger.Warn().Err(err).Str("resource", name).Msg("close failed")
	}
}

// traceFilter builds the dump filter; outcomes match case-insensitively.
func traceFilter(device, outcome string) trace.Filter {
	return trace.Filter{Device: device, Outcome: strings.ToUpper(strings.TrimSpace(outcome))}
}

func run(opts options, logger zerolog.Logger) error {
	if opts.dumpTrace != "" {
		n, err := trace.Dump(os.Stdout, opts.dumpTrace, traceFilter(opts.device, opts.outcome))
		if err != nil {
			return fmt.Errorf("dump trace: %w", err)
		}
		logger.Info().Int("records", n).Str("path", opts.dumpTrace).Msg("trace dumped")
		return nil
	}

	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	applyOverrides(&cfg, opts.broker, opts.httpAddr)
	if err := config.Validate(cfg); err != nil {
		return err
	}

	store := prefs.FromConfig(cfg)

	if opts.printState {
		return printState(os.Stdout, cfg, store)
	}

	instanceID := newInstanceID()
	brokerURL := cfg.MQTT.Broker

	// Embedded broker
	if cfg.Broker.Addr != "" {
		b, err := broker.New(cfg.Broker.Addr)
		if err != nil {
			return err
		}
		if err := b.Start(); err != nil {
			return err
		}
		defer closeLogged(logger, "broker", b)
		brokerURL = "tcp://" + b.Addr()
	}

	// MQTT
	topics := mqtt.Topics{ReportPrefix: cfg.MQTT.ReportPrefix, StatePrefix: cfg.MQTT.StatePrefix}
	client := mqtt.NewRealClient(mqtt.Options{
		Broker:     brokerURL,
		ClientID:   clientID(cfg.MQTT.ClientID, instanceID),
		Topics:     topics,
		BufferSize: cfg.MQTT.Buffer,
	})
	defer closeLogged(logger, "mqtt client", client)

	// Status tracker (before STARTUP so the snapshot is available)
	tracker := status.NewTracker(time.Now(), instanceID, statusConfig(cfg, brokerURL))
	if net := readNetworkInfo(); net != nil {
		tracker.SetNetwork(net)
	}

	// Decision trace
	var recorder logic.Observer
	if cfg.Trace.Path != "" {
		fr, err := trace.NewFileRecorder(cfg.Trace.Path)
		if err != nil {
			return err
		}
		defer closeLogged(logger, "trace", fr)
		recorder = fr
	}

	// Local paddle and relay. The rig is created before the bridge, so its
	// sink forwards through a variable set once the bridge exists.
	var (
		br     *bridge.Bridge
		locals []bridge.Local
		hw     *rig.Rig
	)
	if cfg.GPIO.Enabled {
		hw, err = openRig(cfg.GPIO, func(rep logic.Report) { br.Submit(rep) })
		if err != nil {
			return err
		}
		defer closeLogged(logger, "rig", hw)
		locals = append(locals, hw)
	}

	gateway := make([]string, 0, len(cfg.Devices))
	for _, d := range cfg.Devices {
		if hw == nil || d.ID != hw.Device() {
			gateway = append(gateway, d.ID)
		}
	}

	br = bridge.New(bridge.Options{
		Client:    client,
		Prefs:     store,
		Tracker:   tracker,
		Recorder:  recorder,
		Conn:      client,
		Devices:   gateway,
		Locals:    locals,
		Heartbeat: cfg.Heartbeat.Std(),
	})
	if err := client.Subscribe(br.HandleMessage); err != nil {
		logger.Warn().Err(err).Msg("subscribe failed, will retry on reconnect")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- br.Run(ctx) }()

	publishSystem(client, tracker, "STARTUP", "", logger)

	// HTTP status server
	if cfg.HTTP.Addr != "" {
		srv := web.New(cfg.HTTP.Addr, tracker, br)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("http server error")
			}
		}()
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer scancel()
			if err := srv.Shutdown(sctx); err != nil {
				logger.Warn().Err(err).Msg("http shutdown")
			}
		}()
		logger.Info().Str("addr", cfg.HTTP.Addr).Msg("http status server listening")
	}

	// mDNS
	var advertiser *discovery.Advertiser
	if cfg.MDNS.Enabled {
		port, err := discovery.PortFromAddr(cfg.HTTP.Addr)
		if err != nil {
			logger.Warn().Err(err).Msg("mdns disabled: no http port")
		} else {
			advertiser = discovery.NewAdvertiser(cfg.MDNS.Interface)
			defer advertiser.Stop()
			advertise(advertiser, tracker, port, logger)
		}
	}

	if hw != nil {
		poll := time.NewTicker(cfg.GPIO.Poll.Std())
		defer poll.Stop()
		go hw.Run(ctx, poll.C)
	}

	logger.Info().
		Str("instance", instanceID).
		Str("broker", brokerURL).
		Dur("heartbeat", cfg.Heartbeat.Std()).
		Int("devices", len(cfg.DeviceIDs())).
		Msg("started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var refresh <-chan time.Time
	if advertiser != nil {
		t := time.NewTicker(advertiseInterval)
		defer t.Stop()
		refresh = t.C
	}

	return supervise(supervisor{
		client:  client,
		conn:    client,
		tracker: tracker,
		cancel:  cancel,
		runErr:  runErr,
		refresh: refresh,
		onRefresh: func() {
			if advertiser != nil {
				port, _ := discovery.PortFromAddr(cfg.HTTP.Addr)
				advertise(advertiser, tracker, port, logger)
			}
		},
		log: logger,
	}, sigCh)
}

type supervisor struct {
	client    mqtt.Client
	conn      mqtt.ConnectionStatus
	tracker   *status.Tracker
	cancel    context.CancelFunc
	runErr    <-chan error
	refresh   <-chan time.Time
	onRefresh func()
	log       zerolog.Logger
}

// supervise waits for a signal or for the dispatcher to exit. On a signal it
// stops the dispatcher and publishes SHUTDOWN with the signal name.
func supervise(s supervisor, sig <-chan os.Signal) error {
	for {
		select {
		case sg := <-sig:
			name := signalName(sg)
			s.log.Info().Str("signal", name).Msg("shutting down")
			s.cancel()
			if err := <-s.runErr; err != nil {
				s.log.Warn().Err(err).Msg("dispatcher exit")
			}
			if s.conn != nil {
				s.tracker.SetMQTTConnected(s.conn.IsConnected())
			}
			publishSystem(s.client, s.tracker, "SHUTDOWN", name, s.log)
			return nil

		case err := <-s.runErr:
			if err == nil {
				err = errors.New("dispatcher exited")
			}
			return err

		case <-s.refresh:
			if s.onRefresh != nil {
				s.onRefresh()
			}
		}
	}
}

func publishSystem(client mqtt.Client, tracker *status.Tracker, event, reason string, logger zerolog.Logger) {
	snap := tracker.Snapshot()
	err := client.PublishSystem(mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      event,
		Reason:     reason,
		Retained:   true,
		RawPayload: status.FormatStatusEvent(snap, event, reason),
	})
	if err != nil {
		logger.Error().Err(err).Str("event", event).Msg("failed to publish system event")
		return
	}
	logger.Info().Str("event", event).Msg("published system event")
}

func advertise(a *discovery.Advertiser, tracker *status.Tracker, port int, logger zerolog.Logger) {
	snap := tracker.Snapshot()
	err := a.Advertise(discovery.Info{
		InstanceID: snap.InstanceID,
		Port:       port,
		Devices:    len(snap.Devices),
	})
	if err != nil {
		logger.Warn().Err(err).Msg("mdns advertise failed")
	}
}

func openRig(g config.GPIOConfig, sink rig.Sink) (*rig.Rig, error) {
	reader, err := gpio.NewRealReader(g.Chip, g.PinUp, g.PinDown)
	if err != nil {
		return nil, fmt.Errorf("init gpio: %w", err)
	}
	output, err := gpio.NewRealOutput(g.Chip, g.PinRelay)
	if err != nil {
		reader.Close()
		return nil, fmt.Errorf("init relay: %w", err)
	}
	r, err := rig.New(g.Device, reader, output, g.Debounce.Std(), sink)
	if err != nil {
		reader.Close()
		output.Close()
		return nil, err
	}
	return r, nil
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// applyOverrides applies command-line flags on top of the loaded config.
// An http value of "off" disables the status server.
func applyOverrides(cfg *config.Config, broker, httpAddr string) {
	if broker != "" {
		cfg.MQTT.Broker = broker
	}
	switch httpAddr {
	case "":
	case "off":
		cfg.HTTP.Addr = ""
	default:
		cfg.HTTP.Addr = httpAddr
	}
}

func statusConfig(cfg config.Config, brokerURL string) status.Config {
	sc := status.Config{
		HeartbeatMs:    cfg.Heartbeat.Std().Milliseconds(),
		Broker:         brokerURL,
		ReportPrefix:   cfg.MQTT.ReportPrefix,
		StatePrefix:    cfg.MQTT.StatePrefix,
		HTTPAddr:       cfg.HTTP.Addr,
		EmbeddedBroker: cfg.Broker.Addr,
		TracePath:      cfg.Trace.Path,
	}
	if cfg.GPIO.Enabled {
		sc.RigDevice = cfg.GPIO.Device
	}
	return sc
}

func newInstanceID() string {
	return uuid.NewString()[:8]
}

// clientID keeps MQTT client ids unique when several bridges share a broker.
func clientID(base, instanceID string) string {
	return base + "-" + instanceID
}

// printState lists configured devices with their preferences and, when a
// paddle is wired, its current position.
func printState(w io.Writer, cfg config.Config, store *prefs.Store) error {
	for _, id := range cfg.DeviceIDs() {
		p := store.Get(id)
		fmt.Fprintf(w, "%s: soft_toggle=%v invert=%v led=%s\n", id, p.SoftToggle, p.Invert, p.LED)
	}
	if !cfg.GPIO.Enabled {
		return nil
	}

	reader, err := gpio.NewRealReader(cfg.GPIO.Chip, cfg.GPIO.PinUp, cfg.GPIO.PinDown)
	if err != nil {
		return fmt.Errorf("init gpio: %w", err)
	}
	defer reader.Close()

	up, down, err := reader.Read()
	if err != nil {
		return fmt.Errorf("read gpio: %w", err)
	}
	fmt.Fprintf(w, "PADDLE %s: UP=%s DOWN=%s\n", cfg.GPIO.Device, pressedString(up), pressedString(down))
	return nil
}

func pressedString(pressed bool) string {
	if pressed {
		return "PRESSED"
	}
	return "RELEASED"
}

func signalName(s os.Signal) string {
	switch s {
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	default:
		return "UNKNOWN"
	}
}

// pi-helper env var names (written to /run/pi-helper.env).
const (
	envNetworkType       = "NETWORK_TYPE"
	envNetworkIP         = "NETWORK_IP"
	envNetworkStatus     = "NETWORK_STATUS"
	envNetworkGateway    = "NETWORK_GATEWAY"
	envNetworkWifiStatus = "NETWORK_WIFI_STATUS"
	envNetworkWifiSSID   = "NETWORK_WIFI_SSID"
)

func readNetworkInfo() *status.NetworkInfo {
	s := os.Getenv(envNetworkStatus)
	if s == "" {
		return nil
	}
	return &status.NetworkInfo{
		Type:       os.Getenv(envNetworkType),
		IP:         os.Getenv(envNetworkIP),
		Status:     s,
		Gateway:    os.Getenv(envNetworkGateway),
		WifiStatus: os.Getenv(envNetworkWifiStatus),
		SSID:       os.Getenv(envNetworkWifiSSID),
	}
}
