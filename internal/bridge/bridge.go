// Package bridge runs the single dispatcher goroutine that owns the
// reconciler. Reports, commands, preference changes and device inits from
// every transport are queued and applied one at a time, in arrival order.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/doncaruana/zwave-switch/internal/logging"
	"github.com/doncaruana/zwave-switch/internal/logic"
	"github.com/doncaruana/zwave-switch/internal/mqtt"
	"github.com/doncaruana/zwave-switch/internal/prefs"
	"github.com/doncaruana/zwave-switch/internal/status"
)

// ErrStopped is returned once the dispatcher has exited.
var ErrStopped = fmt.Errorf("bridge stopped: %w", context.Canceled)

// queueSize is the number of pending events the dispatcher accepts before
// submitters block.
const queueSize = 64

// Local is a device driven in-process rather than through the gateway.
type Local interface {
	Device() string
	SetSwitch(device string, on bool)
	Announce()
}

// Options configures a Bridge.
type Options struct {
	Clock     logic.Clock
	Client    mqtt.Client
	Prefs     *prefs.Store
	Tracker   *status.Tracker       // optional
	Recorder  logic.Observer        // optional
	Conn      mqtt.ConnectionStatus // optional
	Devices   []string              // configured gateway devices
	Locals    []Local               // in-process devices
	Heartbeat time.Duration         // <= 0 disables
	Tick      <-chan time.Time      // housekeeping ticks; nil means every second
	Now       func() time.Time      // wall clock for published timestamps
}

type event struct {
	fn    func() error
	reply chan error
}

// Bridge is the serialized dispatcher. Its exported methods are safe for
// concurrent use; the reconciler is only touched from Run.
type Bridge struct {
	client    mqtt.Client
	prefs     *prefs.Store
	tracker   *status.Tracker
	recorder  logic.Observer
	conn      mqtt.ConnectionStatus
	heartbeat time.Duration
	tick      <-chan time.Time
	now       func() time.Time
	log       zerolog.Logger

	rec        *logic.Reconciler
	configured map[string]bool
	devices    []string
	locals     map[string]Local

	events chan event
	done   chan struct{}
}

// New creates a bridge. Call Run to start dispatching.
func New(opts Options) *Bridge {
	b := &Bridge{
		client:     opts.Client,
		prefs:      opts.Prefs,
		tracker:    opts.Tracker,
		recorder:   opts.Recorder,
		conn:       opts.Conn,
		heartbeat:  opts.Heartbeat,
		tick:       opts.Tick,
		now:        opts.Now,
		log:        logging.For("bridge"),
		configured: make(map[string]bool),
		locals:     make(map[string]Local),
		events:     make(chan event, queueSize),
		done:       make(chan struct{}),
	}
	if b.now == nil {
		b.now = time.Now
	}
	clock := opts.Clock
	if clock == nil {
		clock = logic.NewSystemClock()
	}

	for _, id := range opts.Devices {
		if !b.configured[id] {
			b.configured[id] = true
			b.devices = append(b.devices, id)
		}
	}
	for _, l := range opts.Locals {
		b.locals[l.Device()] = l
		if !b.configured[l.Device()] {
			b.configured[l.Device()] = true
			b.devices = append(b.devices, l.Device())
		}
	}
	sort.Strings(b.devices)

	b.rec = logic.NewReconciler(clock, b, b, b.prefs)
	b.rec.SetObserver(b)
	return b
}

// Run dispatches events until ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	defer close(b.done)

	tick := b.tick
	if tick == nil {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		tick = ticker.C
	}

	for _, id := range b.devices {
		b.rec.OnDeviceInit(id)
		if _, local := b.locals[id]; !local {
			b.pushConfig(id, b.prefs.Get(id))
		}
	}
	for _, l := range b.locals {
		go l.Announce()
	}
	b.refresh()
	b.log.Info().Strs("devices", b.devices).Int("local", len(b.locals)).Msg("dispatcher started")

	for {
		select {
		case <-ctx.Done():
			b.log.Info().Msg("dispatcher stopped")
			return nil
		case ev := <-b.events:
			err := ev.fn()
			if ev.reply != nil {
				ev.reply <- err
			}
		case <-tick:
			b.housekeeping()
		}
		b.refresh()
	}
}

// enqueue hands fn to the dispatcher without waiting for it to run.
func (b *Bridge) enqueue(fn func() error) {
	select {
	case b.events <- event{fn: fn}:
	case <-b.done:
	}
}

// call runs fn on the dispatcher and waits for its result.
func (b *Bridge) call(ctx context.Context, fn func() error) error {
	ev := event{fn: fn, reply: make(chan error, 1)}
	select {
	case b.events <- ev:
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		return ErrStopped
	}
	select {
	case err := <-ev.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		return ErrStopped
	}
}

// Submit queues a hardware report.
func (b *Bridge) Submit(rep logic.Report) {
	b.enqueue(func() error {
		b.rec.OnReport(rep)
		return nil
	})
}

// Command asks for a device to be switched on or off and waits until the
// dispatcher has applied it.
func (b *Bridge) Command(ctx context.Context, device string, on bool) error {
	return b.call(ctx, func() error { return b.command(device, on) })
}

func (b *Bridge) command(device string, on bool) error {
	if !b.known(device) {
		return fmt.Errorf("command %s: %w", device, status.ErrUnknownDevice)
	}
	b.rec.OnUserCommand(device, on)
	return nil
}

// SetPreferences applies a preference patch and pushes configuration to the
// device when orientation or indicator settings changed.
func (b *Bridge) SetPreferences(ctx context.Context, device string, patch prefs.Patch) (prefs.Preferences, error) {
	var out prefs.Preferences
	err := b.call(ctx, func() error {
		if !b.known(device) {
			return fmt.Errorf("preferences %s: %w", device, status.ErrUnknownDevice)
		}
		p, change, err := b.prefs.Update(device, patch)
		if err != nil {
			return err
		}
		out = p
		b.log.Info().Str("device", device).Bool("soft_toggle", p.SoftToggle).
			Bool("invert", p.Invert).Str("led", p.LED).Msg("preferences updated")
		if change.DeviceConfig() {
			if _, local := b.locals[device]; local {
				b.log.Debug().Str("device", device).Msg("local device has no configuration parameters")
			} else {
				b.pushConfig(device, p)
			}
		}
		return nil
	})
	return out, err
}

// InitDevice resets a device to the unknown state, as after a re-inclusion.
func (b *Bridge) InitDevice(ctx context.Context, device string) error {
	return b.call(ctx, func() error { return b.initDevice(device) })
}

func (b *Bridge) initDevice(device string) error {
	if !b.known(device) {
		return fmt.Errorf("init %s: %w", device, status.ErrUnknownDevice)
	}
	b.rec.OnDeviceInit(device)
	b.log.Info().Str("device", device).Msg("device initialised")
	if l, ok := b.locals[device]; ok {
		go l.Announce()
	} else if b.configured[device] {
		b.pushConfig(device, b.prefs.Get(device))
	}
	return nil
}

// removeDevice forgets a gateway device that left the network. A later
// report brings it back as a new, unconfigured device.
func (b *Bridge) removeDevice(device string) error {
	if _, local := b.locals[device]; local {
		return fmt.Errorf("remove %s: local devices cannot be removed", device)
	}
	if !b.known(device) {
		return fmt.Errorf("remove %s: %w", device, status.ErrUnknownDevice)
	}
	b.rec.Remove(device)
	if b.configured[device] {
		delete(b.configured, device)
		for i, id := range b.devices {
			if id == device {
				b.devices = append(b.devices[:i], b.devices[i+1:]...)
				break
			}
		}
	}
	b.log.Info().Str("device", device).Msg("device removed")
	return nil
}

// Flush waits until every event queued before it has been applied.
func (b *Bridge) Flush(ctx context.Context) error {
	return b.call(ctx, func() error { return nil })
}

// HandleMessage is the mqtt.Handler for inbound messages. It only queues
// work, so the MQTT client's delivery goroutine is never held while the
// dispatcher publishes.
func (b *Bridge) HandleMessage(msg mqtt.Message) {
	switch msg.Kind {
	case mqtt.KindReport:
		if _, local := b.locals[msg.Device]; local {
			b.log.Warn().Str("device", msg.Device).Msg("ignoring gateway report for local device")
			return
		}
		b.Submit(msg.Report)
	case mqtt.KindCommand:
		b.enqueueLogged(msg.Device, "command rejected", func() error { return b.command(msg.Device, msg.On) })
	case mqtt.KindInit:
		b.enqueueLogged(msg.Device, "init rejected", func() error { return b.initDevice(msg.Device) })
	case mqtt.KindRemove:
		b.enqueueLogged(msg.Device, "remove rejected", func() error { return b.removeDevice(msg.Device) })
	}
}

// enqueueLogged queues fn and logs its error from the dispatcher.
func (b *Bridge) enqueueLogged(device, msg string, fn func() error) {
	b.enqueue(func() error {
		if err := fn(); err != nil {
			b.log.Warn().Err(err).Str("device", device).Msg(msg)
		}
		return nil
	})
}

func (b *Bridge) known(device string) bool {
	if b.configured[device] {
		return true
	}
	_, ok := b.rec.Switch(device)
	return ok
}

// SetSwitch implements logic.CommandIssuer.
func (b *Bridge) SetSwitch(device string, on bool) {
	if l, ok := b.locals[device]; ok {
		l.SetSwitch(device, on)
		return
	}
	err := b.client.PublishSet(device, on)
	switch {
	case errors.Is(err, mqtt.ErrNotConnected):
		b.log.Warn().Str("device", device).Bool("on", on).Msg("set dropped while disconnected")
	case err != nil:
		b.log.Error().Err(err).Str("device", device).Bool("on", on).Msg("publish set failed")
	}
}

// Emit implements logic.StateSink.
func (b *Bridge) Emit(device string, on bool) {
	change := mqtt.StateChange{Device: device, State: logic.StateFor(on), Timestamp: b.now()}
	if err := b.client.PublishState(change); err != nil {
		b.log.Error().Err(err).Str("device", device).Msg("publish state failed")
	}
}

// Observe implements logic.Observer.
func (b *Bridge) Observe(d logic.Decision) {
	ev := b.log.Debug()
	switch d.Outcome {
	case logic.OutcomeCorrected, logic.OutcomeCommanded, logic.OutcomeConfirmed:
		ev = b.log.Info()
	}
	ev.Str("device", d.Device).Str("source", string(d.Report.Source)).Int("raw", d.Report.Raw).
		Str("outcome", string(d.Outcome)).Str("state", status.StateString(d.State)).Msg("decision")

	if b.recorder != nil {
		b.recorder.Observe(d)
	}
}

func (b *Bridge) pushConfig(device string, p prefs.Preferences) {
	if err := b.client.PublishConfig(device, prefs.Parameters(p)); err != nil {
		b.log.Error().Err(err).Str("device", device).Msg("publish config failed")
	}
}

func (b *Bridge) housekeeping() {
	if b.tracker != nil && b.conn != nil {
		b.tracker.SetMQTTConnected(b.conn.IsConnected())
	}

	hb := b.rec.CheckHeartbeat(b.heartbeat.Milliseconds())
	if hb == nil {
		return
	}
	b.log.Info().Int64("uptime_ms", hb.UptimeMs).Int("devices", hb.Devices).
		Int("reports", hb.Counts.Reports).Int("corrections", hb.Counts.Corrections).Msg("heartbeat")

	event := mqtt.SystemEvent{Timestamp: b.now(), Event: "HEARTBEAT"}
	if b.tracker != nil {
		b.refresh()
		event.RawPayload = status.FormatStatusEvent(b.tracker.Snapshot(), "HEARTBEAT", "")
	}
	if err := b.client.PublishSystem(event); err != nil {
		b.log.Error().Err(err).Msg("heartbeat publish failed")
	}
}

func (b *Bridge) refresh() {
	if b.tracker == nil {
		return
	}
	snaps := b.rec.Snapshots()
	devices := make([]status.Device, 0, len(snaps))
	for _, s := range snaps {
		_, local := b.locals[s.Device]
		devices = append(devices, status.Device{
			Snapshot:    s,
			Preferences: b.prefs.Get(s.Device),
			Rig:         local,
		})
	}
	b.tracker.Update(devices, b.rec.Totals())
}

// Stopped reports whether Run has returned.
func (b *Bridge) Stopped() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

var (
	_ logic.CommandIssuer = (*Bridge)(nil)
	_ logic.StateSink     = (*Bridge)(nil)
	_ logic.Observer      = (*Bridge)(nil)
)
