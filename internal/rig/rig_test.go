package rig

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doncaruana/zwave-switch/internal/gpio"
	"github.com/doncaruana/zwave-switch/internal/logic"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

const debounce = 50 * time.Millisecond

type collector struct {
	reports []logic.Report
}

func (c *collector) sink(rep logic.Report) {
	c.reports = append(c.reports, rep)
}

// pressSamples returns samples for an idle baseline followed by one press
// and release of the given half.
func pressSamples(up bool) []gpio.Sample {
	pressed := gpio.Sample{Up: up, Down: !up}
	return []gpio.Sample{{}, {}, pressed, pressed, {}, {}}
}

func stepN(r *Rig, n int, start time.Time) time.Time {
	t := start
	for i := 0; i < n; i++ {
		r.Step(t)
		t = t.Add(debounce)
	}
	return t
}

func TestNewReleasesRelay(t *testing.T) {
	out := gpio.NewFakeOutput()
	out.On = true

	r, err := New("rig", gpio.NewFakeReader([]gpio.Sample{{}}), out, debounce, func(logic.Report) {})
	require.NoError(t, err)

	assert.False(t, out.On)
	assert.False(t, r.On())
	assert.Equal(t, "rig", r.Device())
}

func TestNewRelayError(t *testing.T) {
	out := gpio.NewFakeOutput()
	out.SetError = errors.New("busy")

	_, err := New("rig", gpio.NewFakeReader([]gpio.Sample{{}}), out, debounce, func(logic.Report) {})
	require.Error(t, err)
}

func TestUpPressReportsBasicThenBinary(t *testing.T) {
	c := &collector{}
	out := gpio.NewFakeOutput()
	r, err := New("rig", gpio.NewFakeReader(pressSamples(true)), out, debounce, c.sink)
	require.NoError(t, err)

	stepN(r, 6, t0)

	require.Len(t, c.reports, 2)
	assert.Equal(t, logic.Report{Device: "rig", ReportedOn: true, Source: logic.SourceBasic, Raw: 255}, c.reports[0])
	assert.Equal(t, logic.Report{Device: "rig", ReportedOn: true, Source: logic.SourceBinary, Raw: 255}, c.reports[1])
	assert.True(t, out.On)
	assert.True(t, r.On())
}

func TestDownPressDrivesOff(t *testing.T) {
	c := &collector{}
	out := gpio.NewFakeOutput()
	r, err := New("rig", gpio.NewFakeReader(pressSamples(false)), out, debounce, c.sink)
	require.NoError(t, err)

	stepN(r, 6, t0)

	require.Len(t, c.reports, 2)
	assert.False(t, c.reports[0].ReportedOn)
	assert.Equal(t, 0, c.reports[0].Raw)
	assert.Equal(t, logic.SourceBasic, c.reports[0].Source)
	assert.Equal(t, logic.SourceBinary, c.reports[1].Source)
	assert.False(t, out.On)
}

func TestSetSwitchReportsOnNextStep(t *testing.T) {
	c := &collector{}
	out := gpio.NewFakeOutput()
	r, err := New("rig", gpio.NewFakeReader([]gpio.Sample{{}}), out, debounce, c.sink)
	require.NoError(t, err)

	r.SetSwitch("rig", true)
	assert.True(t, out.On)
	assert.Empty(t, c.reports, "report must not be delivered inside SetSwitch")

	r.Step(t0)
	require.Len(t, c.reports, 1)
	assert.Equal(t, logic.Report{Device: "rig", ReportedOn: true, Source: logic.SourceBinary, Raw: 255}, c.reports[0])

	r.Step(t0.Add(debounce))
	assert.Len(t, c.reports, 1)
}

func TestSetSwitchForeignDeviceIgnored(t *testing.T) {
	out := gpio.NewFakeOutput()
	r, err := New("rig", gpio.NewFakeReader([]gpio.Sample{{}}), out, debounce, func(logic.Report) {})
	require.NoError(t, err)

	r.SetSwitch("other", true)
	assert.False(t, out.On)
}

func TestAnnounce(t *testing.T) {
	c := &collector{}
	r, err := New("rig", gpio.NewFakeReader([]gpio.Sample{{}}), gpio.NewFakeOutput(), debounce, c.sink)
	require.NoError(t, err)

	r.Announce()
	require.Len(t, c.reports, 1)
	assert.Equal(t, logic.SourceOther, c.reports[0].Source)
	assert.False(t, c.reports[0].ReportedOn)
}

func TestReadErrorStillDeliversPending(t *testing.T) {
	c := &collector{}
	reader := gpio.NewFakeReader([]gpio.Sample{{}})
	reader.ReadError = errors.New("line gone")
	r, err := New("rig", reader, gpio.NewFakeOutput(), debounce, c.sink)
	require.NoError(t, err)

	r.SetSwitch("rig", false)
	r.Step(t0)
	assert.Len(t, c.reports, 1)
}

func TestClose(t *testing.T) {
	reader := gpio.NewFakeReader([]gpio.Sample{{}})
	out := gpio.NewFakeOutput()
	r, err := New("rig", reader, out, debounce, func(logic.Report) {})
	require.NoError(t, err)
	r.SetSwitch("rig", true)

	require.NoError(t, r.Close())
	assert.True(t, reader.Closed)
	assert.True(t, out.Closed)
	assert.False(t, out.On)
}

func TestBaselineLoggedOnce(t *testing.T) {
	up := gpio.Sample{Up: true}
	r, err := New("rig", gpio.NewFakeReader([]gpio.Sample{{}, {}, up, up, {}, {}}), gpio.NewFakeOutput(), debounce, func(logic.Report) {})
	require.NoError(t, err)
	var buf bytes.Buffer
	r.log = zerolog.New(&buf)

	stepN(r, 6, t0)

	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte(`"message":"paddle baselined"`)))
	assert.NotContains(t, buf.String(), "held at startup")
}

func TestPaddleHeldAtStartup(t *testing.T) {
	up := gpio.Sample{Up: true}
	c := &collector{}
	r, err := New("rig", gpio.NewFakeReader([]gpio.Sample{up, up, up, {}, {}, up, up}), gpio.NewFakeOutput(), debounce, c.sink)
	require.NoError(t, err)
	var buf bytes.Buffer
	r.log = zerolog.New(&buf)

	stepN(r, 3, t0)
	assert.Contains(t, buf.String(), `"message":"paddle held at startup"`)
	assert.Contains(t, buf.String(), `"up":true`)
	assert.Empty(t, c.reports, "a half held at startup is not a press")

	stepN(r, 4, t0.Add(3*debounce))
	assert.Len(t, c.reports, 2, "release and press again reports")
}

func TestCloseLogsPressCount(t *testing.T) {
	r, err := New("rig", gpio.NewFakeReader(pressSamples(true)), gpio.NewFakeOutput(), debounce, func(logic.Report) {})
	require.NoError(t, err)
	var buf bytes.Buffer
	r.log = zerolog.New(&buf)

	stepN(r, 6, t0)
	require.NoError(t, r.Close())

	assert.Contains(t, buf.String(), `"presses":1`)
}

func TestRunStopsOnCancel(t *testing.T) {
	r, err := New("rig", gpio.NewFakeReader([]gpio.Sample{{}}), gpio.NewFakeOutput(), debounce, func(logic.Report) {})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	tick := make(chan time.Time)
	done := make(chan struct{})
	go func() {
		r.Run(ctx, tick)
		close(done)
	}()

	tick <- t0
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

type stateSink struct {
	emitted []bool
}

func (s *stateSink) Emit(device string, on bool) {
	s.emitted = append(s.emitted, on)
}

type softToggle bool

func (s softToggle) Preferences(string) logic.Preferences {
	return logic.Preferences{SoftToggle: bool(s)}
}

// Pressing the already-active half toggles the relay when soft toggle is on.
func TestSoftToggleEndToEnd(t *testing.T) {
	clock := &logic.ManualClock{Ms: 10000}
	sink := &stateSink{}

	// Idle baseline, press Up, release, press Up again, release.
	up := gpio.Sample{Up: true}
	reader := gpio.NewFakeReader([]gpio.Sample{{}, {}, up, up, {}, {}, up, up, {}, {}, {}})
	out := gpio.NewFakeOutput()

	var rec *logic.Reconciler
	r, err := New("rig", reader, out, debounce, func(rep logic.Report) { rec.OnReport(rep) })
	require.NoError(t, err)
	rec = logic.NewReconciler(clock, r, sink, softToggle(true))
	rec.OnDeviceInit("rig")

	r.Announce()
	require.Equal(t, logic.StateOff, rec.State("rig"))

	// First press: OFF to ON passes through and the binary echo is dropped.
	now := stepN(r, 6, t0)
	assert.Equal(t, logic.StateOn, rec.State("rig"))
	assert.True(t, out.On)

	clock.Advance(5000)

	// Second press of the same half: corrected to OFF.
	now = stepN(r, 2, now)
	assert.Equal(t, logic.StateOn, rec.State("rig"), "waiting for confirmation")
	assert.False(t, out.On, "relay driven off by the correction")

	clock.Advance(100)
	stepN(r, 3, now)
	assert.Equal(t, logic.StateOff, rec.State("rig"))

	snap, ok := rec.Snapshot("rig")
	require.True(t, ok)
	assert.Equal(t, 1, snap.Counts.Corrections)
	assert.Equal(t, 1, snap.Counts.DiscardedEcho)
	assert.Equal(t, 1, snap.Counts.DiscardedInflight)
	assert.False(t, snap.InflightActive)
	assert.Equal(t, []bool{false, true, false}, sink.emitted)
}
