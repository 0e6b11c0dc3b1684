// Package rig emulates a fixed-position Z-Wave switch on local GPIO: a two
// half paddle drives a relay and every change is reported the way the real
// device reports it.
package rig

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/doncaruana/zwave-switch/internal/gpio"
	"github.com/doncaruana/zwave-switch/internal/logging"
	"github.com/doncaruana/zwave-switch/internal/logic"
	"github.com/doncaruana/zwave-switch/internal/paddle"
)

// Raw report values.
const (
	rawOn  = 255
	rawOff = 0
)

// Sink receives reports produced by the rig.
type Sink func(logic.Report)

// Rig owns one paddle and one relay acting as a single device.
type Rig struct {
	device   string
	reader   gpio.Reader
	output   gpio.Output
	detector *paddle.Detector
	sink     Sink
	log      zerolog.Logger
	ready    bool // detector baselined; only touched by Step

	mu      sync.Mutex
	on      bool
	pending []logic.Report
}

// New creates a rig for device. The relay is driven off immediately so the
// rig starts from a known position.
func New(device string, reader gpio.Reader, output gpio.Output, debounce time.Duration, sink Sink) (*Rig, error) {
	if err := output.Set(false); err != nil {
		return nil, fmt.Errorf("rig %s: release relay: %w", device, err)
	}
	return &Rig{
		device:   device,
		reader:   reader,
		output:   output,
		detector: paddle.NewDetector(debounce),
		sink:     sink,
		log:      logging.For("rig").With().Str("device", device).Logger(),
	}, nil
}

// Device returns the device id the rig reports as.
func (r *Rig) Device() string {
	return r.device
}

// On returns the current relay position.
func (r *Rig) On() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.on
}

// Announce reports the current relay position as a refresh, giving the
// reconciler a known starting state.
func (r *Rig) Announce() {
	r.mu.Lock()
	rep := r.report(logic.SourceOther, r.on)
	r.mu.Unlock()
	r.sink(rep)
}

// SetSwitch drives the relay. The resulting binary report is delivered on
// the next Step, after the caller has returned, as a real device's report
// would arrive after the command.
func (r *Rig) SetSwitch(device string, on bool) {
	if device != r.device {
		r.log.Warn().Str("target", device).Msg("set for foreign device ignored")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.output.Set(on); err != nil {
		r.log.Error().Err(err).Msg("relay write failed")
		return
	}
	r.on = on
	r.pending = append(r.pending, r.report(logic.SourceBinary, on))
	r.log.Debug().Bool("on", on).Msg("relay set")
}

// Step samples the paddle once at t and delivers any resulting reports.
func (r *Rig) Step(t time.Time) {
	r.mu.Lock()
	reports := r.pending
	r.pending = nil
	r.mu.Unlock()

	up, down, err := r.reader.Read()
	if err != nil {
		r.log.Error().Err(err).Msg("gpio read failed")
	} else {
		for _, p := range r.detector.Process(paddle.Input{Up: up, Down: down, Time: t}) {
			reports = append(reports, r.press(p)...)
		}
		if !r.ready && r.detector.IsBaselined() {
			r.ready = true
			r.logBaseline()
		}
	}

	for _, rep := range reports {
		r.sink(rep)
	}
}

// logBaseline reports the paddle position the detector settled on. A half
// held at startup produces no press until it is released and pressed again.
func (r *Rig) logBaseline() {
	up, down := r.detector.Held()
	if up || down {
		r.log.Warn().Bool("up", up).Bool("down", down).Msg("paddle held at startup")
		return
	}
	r.log.Info().Msg("paddle baselined")
}

// press moves the relay to the pressed half's fixed position and returns the
// basic and binary reports the device sends for it.
func (r *Rig) press(p paddle.Press) []logic.Report {
	on := p.Half == paddle.HalfUp

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.output.Set(on); err != nil {
		r.log.Error().Err(err).Str("half", string(p.Half)).Msg("relay write failed")
		return nil
	}
	r.on = on
	r.log.Info().Str("half", string(p.Half)).Msg("paddle press")
	return []logic.Report{
		r.report(logic.SourceBasic, on),
		r.report(logic.SourceBinary, on),
	}
}

func (r *Rig) report(source logic.Source, on bool) logic.Report {
	raw := rawOff
	if on {
		raw = rawOn
	}
	return logic.Report{Device: r.device, ReportedOn: on, Source: source, Raw: raw}
}

// Run polls the paddle on every tick until ctx is done.
func (r *Rig) Run(ctx context.Context, tick <-chan time.Time) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-tick:
			r.Step(t)
		}
	}
}

// Close releases the relay and the GPIO lines.
func (r *Rig) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log.Info().Int("presses", r.detector.Presses()).Msg("rig closed")
	if err := r.output.Set(false); err != nil {
		r.log.Warn().Err(err).Msg("release relay failed")
	}
	readErr := r.reader.Close()
	outErr := r.output.Close()
	if readErr != nil {
		return readErr
	}
	return outErr
}
