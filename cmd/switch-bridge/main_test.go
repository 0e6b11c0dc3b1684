package main

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/doncaruana/zwave-switch/internal/config"
	"github.com/doncaruana/zwave-switch/internal/mqtt"
	"github.com/doncaruana/zwave-switch/internal/prefs"
	"github.com/doncaruana/zwave-switch/internal/status"
)

// TestEnvVarNames verifies the env var constants match what pi-helper writes
// to /run/pi-helper.env. If pi-helper changes its var names, this test fails
// and we update the constants.
func TestEnvVarNames(t *testing.T) {
	want := map[string]string{
		"NETWORK_TYPE":        envNetworkType,
		"NETWORK_IP":          envNetworkIP,
		"NETWORK_STATUS":      envNetworkStatus,
		"NETWORK_GATEWAY":     envNetworkGateway,
		"NETWORK_WIFI_STATUS": envNetworkWifiStatus,
		"NETWORK_WIFI_SSID":   envNetworkWifiSSID,
	}
	for canonical, got := range want {
		if got != canonical {
			t.Errorf("env var constant: got %q, want %q", got, canonical)
		}
	}
}

func TestReadNetworkInfoAllSet(t *testing.T) {
	t.Setenv(envNetworkType, "wifi")
	t.Setenv(envNetworkIP, "192.168.1.100")
	t.Setenv(envNetworkStatus, "connected")
	t.Setenv(envNetworkGateway, "192.168.1.1")
	t.Setenv(envNetworkWifiStatus, "connected")
	t.Setenv(envNetworkWifiSSID, "MyNetwork")

	info := readNetworkInfo()
	if info == nil {
		t.Fatal("expected non-nil NetworkInfo")
	}

	want := status.NetworkInfo{
		Type:       "wifi",
		IP:         "192.168.1.100",
		Status:     "connected",
		Gateway:    "192.168.1.1",
		WifiStatus: "connected",
		SSID:       "MyNetwork",
	}
	if *info != want {
		t.Errorf("got %+v, want %+v", *info, want)
	}
}

func TestReadNetworkInfoNoneSet(t *testing.T) {
	t.Setenv(envNetworkStatus, "")
	if info := readNetworkInfo(); info != nil {
		t.Errorf("expected nil when NETWORK_STATUS is unset, got %+v", info)
	}
}

func TestReadNetworkInfoPartial(t *testing.T) {
	t.Setenv(envNetworkStatus, "connected")
	t.Setenv(envNetworkIP, "")

	info := readNetworkInfo()
	if info == nil {
		t.Fatal("expected non-nil NetworkInfo when NETWORK_STATUS is set")
	}
	if info.Status != "connected" {
		t.Errorf("Status: got %q, want %q", info.Status, "connected")
	}
	if info.IP != "" {
		t.Errorf("IP: got %q, want empty", info.IP)
	}
}

func TestSignalName(t *testing.T) {
	tests := []struct {
		sig  os.Signal
		want string
	}{
		{syscall.SIGINT, "SIGINT"},
		{syscall.SIGTERM, "SIGTERM"},
		{syscall.SIGHUP, "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := signalName(tt.sig); got != tt.want {
			t.Errorf("signalName(%v) = %q, want %q", tt.sig, got, tt.want)
		}
	}
}

func TestApplyOverrides(t *testing.T) {
	cfg := config.Default()
	applyOverrides(&cfg, "", "")
	if cfg.MQTT.Broker != config.Default().MQTT.Broker {
		t.Errorf("broker changed without override: %q", cfg.MQTT.Broker)
	}
	if cfg.HTTP.Addr != ":8080" {
		t.Errorf("http changed without override: %q", cfg.HTTP.Addr)
	}

	applyOverrides(&cfg, "tcp://10.0.0.5:1883", ":9090")
	if cfg.MQTT.Broker != "tcp://10.0.0.5:1883" {
		t.Errorf("broker: got %q", cfg.MQTT.Broker)
	}
	if cfg.HTTP.Addr != ":9090" {
		t.Errorf("http: got %q", cfg.HTTP.Addr)
	}

	applyOverrides(&cfg, "", "off")
	if cfg.HTTP.Addr != "" {
		t.Errorf("http off: got %q, want empty", cfg.HTTP.Addr)
	}
}

func TestTraceFilter(t *testing.T) {
	f := traceFilter("hall", " corrected ")
	if f.Device != "hall" || f.Outcome != "CORRECTED" {
		t.Errorf("got %+v", f)
	}
	if f := traceFilter("", ""); f.Device != "" || f.Outcome != "" {
		t.Errorf("empty flags should match everything, got %+v", f)
	}
}

type failingCloser struct{ err error }

func (c failingCloser) Close() error { return c.err }

func TestCloseLogged(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	closeLogged(logger, "trace", failingCloser{})
	if buf.Len() != 0 {
		t.Errorf("nothing logged for a clean close, got %s", buf.String())
	}

	closeLogged(logger, "trace", failingCloser{err: errors.New("disk full")})
	out := buf.String()
	if !strings.Contains(out, `"resource":"trace"`) || !strings.Contains(out, "disk full") {
		t.Errorf("close failure not logged: %s", out)
	}
}

func TestLoadConfigDefault(t *testing.T) {
	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.MQTT.ClientID != "switch-bridge" {
		t.Errorf("client id: got %q", cfg.MQTT.ClientID)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := loadConfig("/nonexistent/switch.toml"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestClientID(t *testing.T) {
	if got := clientID("switch-bridge", "a1b2c3d4"); got != "switch-bridge-a1b2c3d4" {
		t.Errorf("got %q", got)
	}
	if id := newInstanceID(); len(id) != 8 {
		t.Errorf("instance id %q: want 8 chars", id)
	}
}

func TestStatusConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Broker.Addr = "127.0.0.1:1883"
	cfg.Trace.Path = "/var/lib/switch/trace.cbor"

	sc := statusConfig(cfg, "tcp://127.0.0.1:1883")
	if sc.HeartbeatMs != (15 * time.Minute).Milliseconds() {
		t.Errorf("heartbeat: got %d", sc.HeartbeatMs)
	}
	if sc.Broker != "tcp://127.0.0.1:1883" || sc.EmbeddedBroker != "127.0.0.1:1883" {
		t.Errorf("broker: got %q / %q", sc.Broker, sc.EmbeddedBroker)
	}
	if sc.RigDevice != "" {
		t.Errorf("rig device should be empty with gpio disabled, got %q", sc.RigDevice)
	}

	cfg.GPIO.Enabled = true
	cfg.GPIO.Device = "hall"
	if sc := statusConfig(cfg, ""); sc.RigDevice != "hall" {
		t.Errorf("rig device: got %q, want hall", sc.RigDevice)
	}
}

func TestPrintStateWithoutGPIO(t *testing.T) {
	soft := true
	cfg := config.Default()
	cfg.Devices = []config.Device{
		{ID: "hall"},
		{ID: "porch", Prefs: config.Prefs{SoftToggle: &soft, LED: config.LEDOff}},
	}

	var buf bytes.Buffer
	if err := printState(&buf, cfg, prefs.FromConfig(cfg)); err != nil {
		t.Fatalf("printState: %v", err)
	}

	want := "hall: soft_toggle=false invert=false led=normal\n" +
		"porch: soft_toggle=true invert=false led=off\n"
	if buf.String() != want {
		t.Errorf("got:\n%s\nwant:\n%s", buf.String(), want)
	}
}

// --- supervise tests ---

func newSupervisor(client *mqtt.FakeClient) (supervisor, chan error) {
	runErr := make(chan error, 1)
	tracker := status.NewTracker(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), "a1b2c3d4", status.Config{})
	return supervisor{
		client:  client,
		conn:    client,
		tracker: tracker,
		cancel:  func() { runErr <- nil },
		runErr:  runErr,
		log:     zerolog.Nop(),
	}, runErr
}

func runSupervise(t *testing.T, s supervisor, sig os.Signal) error {
	t.Helper()
	sigCh := make(chan os.Signal, 1)
	sigCh <- sig
	return supervise(s, sigCh)
}

func TestSuperviseShutdownSIGINT(t *testing.T) {
	client := mqtt.NewFakeClient()
	s, _ := newSupervisor(client)

	if err := runSupervise(t, s, syscall.SIGINT); err != nil {
		t.Fatalf("supervise returned error: %v", err)
	}

	events := client.SystemEvents()
	if len(events) != 1 {
		t.Fatalf("expected 1 system event, got %d", len(events))
	}
	se := events[0]
	if se.Event != "SHUTDOWN" {
		t.Errorf("expected SHUTDOWN, got %q", se.Event)
	}
	if se.Reason != "SIGINT" {
		t.Errorf("expected reason SIGINT, got %q", se.Reason)
	}
	if !se.Retained {
		t.Error("expected Retained=true for SHUTDOWN")
	}
	if !strings.Contains(string(se.RawPayload), `"reason":"SIGINT"`) {
		t.Errorf("payload missing reason: %s", se.RawPayload)
	}
	if !strings.Contains(string(se.RawPayload), `"instance":"a1b2c3d4"`) {
		t.Errorf("payload missing instance: %s", se.RawPayload)
	}
}

func TestSuperviseShutdownSIGTERM(t *testing.T) {
	client := mqtt.NewFakeClient()
	s, _ := newSupervisor(client)

	if err := runSupervise(t, s, syscall.SIGTERM); err != nil {
		t.Fatalf("supervise returned error: %v", err)
	}

	events := client.SystemEvents()
	if len(events) != 1 || events[0].Reason != "SIGTERM" {
		t.Fatalf("expected one SHUTDOWN with SIGTERM, got %+v", events)
	}
}

func TestSuperviseRecordsConnectionAtShutdown(t *testing.T) {
	client := mqtt.NewFakeClient()
	s, _ := newSupervisor(client)

	if err := runSupervise(t, s, syscall.SIGTERM); err != nil {
		t.Fatalf("supervise returned error: %v", err)
	}
	if !s.tracker.Snapshot().MQTTConnected {
		t.Error("expected tracker to record the MQTT connection")
	}
}

func TestSuperviseShutdownPublishError(t *testing.T) {
	client := mqtt.NewFakeClient()
	client.PublishError = errors.New("broker down")
	s, _ := newSupervisor(client)

	if err := runSupervise(t, s, syscall.SIGINT); err != nil {
		t.Fatalf("publish failure must not fail shutdown: %v", err)
	}
}

func TestSuperviseDispatcherExit(t *testing.T) {
	client := mqtt.NewFakeClient()
	s, runErr := newSupervisor(client)
	runErr <- errors.New("boom")

	err := supervise(s, make(chan os.Signal))
	if err == nil || err.Error() != "boom" {
		t.Fatalf("expected dispatcher error, got %v", err)
	}
	if len(client.SystemEvents()) != 0 {
		t.Error("no SHUTDOWN expected when the dispatcher fails")
	}
}

func TestSuperviseDispatcherExitWithoutError(t *testing.T) {
	s, runErr := newSupervisor(mqtt.NewFakeClient())
	runErr <- nil

	if err := supervise(s, make(chan os.Signal)); err == nil {
		t.Fatal("expected an error when the dispatcher exits on its own")
	}
}

func TestSuperviseRefresh(t *testing.T) {
	client := mqtt.NewFakeClient()
	s, _ := newSupervisor(client)

	refresh := make(chan time.Time, 2)
	refresh <- time.Now()
	refresh <- time.Now()
	s.refresh = refresh

	sigCh := make(chan os.Signal, 1)
	calls := 0
	s.onRefresh = func() {
		calls++
		if calls == 2 {
			sigCh <- syscall.SIGTERM
		}
	}

	if err := supervise(s, sigCh); err != nil {
		t.Fatalf("supervise returned error: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 refreshes, got %d", calls)
	}
}
