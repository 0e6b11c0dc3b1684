package logic

import "sort"

// CommandIssuer sends a set command to the physical switch. Fire and forget.
type CommandIssuer interface {
	SetSwitch(device string, on bool)
}

// StateSink publishes the authoritative logical state.
type StateSink interface {
	Emit(device string, on bool)
}

// PreferenceSource returns the current user configuration for a device.
// It is consulted on every invocation and never cached.
type PreferenceSource interface {
	Preferences(device string) Preferences
}

// Observer is told about every decision. Optional.
type Observer interface {
	Observe(d Decision)
}

// Switch is the reconciliation state owned by one device.
type Switch struct {
	id      string
	state   State
	latches Latches
	counts  Counts
}

// NewSwitch creates a switch in the unknown state with no latches armed.
func NewSwitch(id string) *Switch {
	return &Switch{id: id}
}

// State returns the current logical state.
func (s *Switch) State() State {
	return s.state
}

// Latches exposes the latch store for inspection.
func (s *Switch) Latches() *Latches {
	return &s.latches
}

// Reconciler routes reports and commands for a set of switches.
// It is not safe for concurrent use: a single dispatcher must serialize calls.
type Reconciler struct {
	clock    Clock
	issuer   CommandIssuer
	sink     StateSink
	prefs    PreferenceSource
	observer Observer

	switches      map[string]*Switch
	startMs       int64
	lastHeartbeat int64
}

// NewReconciler creates a reconciler bound to its collaborators.
func NewReconciler(clock Clock, issuer CommandIssuer, sink StateSink, prefs PreferenceSource) *Reconciler {
	now := clock.NowMs()
	return &Reconciler{
		clock:         clock,
		issuer:        issuer,
		sink:          sink,
		prefs:         prefs,
		switches:      make(map[string]*Switch),
		startMs:       now,
		lastHeartbeat: now,
	}
}

// SetObserver installs an observer for decisions. Pass nil to remove it.
func (r *Reconciler) SetObserver(o Observer) {
	r.observer = o
}

// OnDeviceInit resets a device to the unknown state with all latches inactive.
// Counters survive re-initialisation.
func (r *Reconciler) OnDeviceInit(device string) {
	sw, ok := r.switches[device]
	if !ok {
		r.switches[device] = NewSwitch(device)
		return
	}
	sw.state = StateUnknown
	sw.latches.Reset()
}

// Remove forgets a device and all of its latches.
func (r *Reconciler) Remove(device string) {
	delete(r.switches, device)
}

// OnReport reconciles one hardware report.
func (r *Reconciler) OnReport(rep Report) {
	now := r.clock.NowMs()
	sw := r.switchFor(rep.Device)
	sw.counts.Reports++

	outcome := r.reconcile(sw, rep, now)
	r.observe(Decision{
		TimeMs:  now,
		Device:  sw.id,
		Report:  rep,
		Outcome: outcome,
		State:   sw.state,
	})
}

func (r *Reconciler) reconcile(sw *Switch, rep Report, now int64) Outcome {
	// While a correction is outstanding only its confirmation is accepted.
	if sw.latches.InflightActive(now) {
		expected, ok := sw.latches.InflightExpected()
		if ok && expected == rep.ReportedOn {
			sw.latches.ClearInflight()
			r.update(sw, rep.ReportedOn)
			return OutcomeConfirmed
		}
		sw.counts.DiscardedInflight++
		return OutcomeDiscardedInflight
	}

	switch rep.Source {
	case SourceBasic:
		sw.latches.RecordEchoSource(now, rep.Raw)
		action := sw.Decide(now, r.prefs.Preferences(sw.id), rep.ReportedOn, r.issuer)
		switch action.Kind {
		case Corrected:
			sw.counts.Corrections++
			return OutcomeCorrected
		case Suppressed:
			sw.counts.Suppressed++
			return OutcomeSuppressed
		}
	case SourceBinary:
		if sw.latches.IsRecentEcho(now, rep.Raw) {
			sw.counts.DiscardedEcho++
			return OutcomeDiscardedEcho
		}
	}

	r.update(sw, rep.ReportedOn)
	return OutcomeEmitted
}

// OnUserCommand handles an on/off request from a user or automation.
// The state is updated optimistically; the echo is absorbed by the digital window.
func (r *Reconciler) OnUserCommand(device string, desiredOn bool) {
	now := r.clock.NowMs()
	sw := r.switchFor(device)
	sw.counts.Commands++

	sw.latches.MarkDigital(now, desiredOn)
	r.issuer.SetSwitch(sw.id, desiredOn)
	r.update(sw, desiredOn)

	r.observe(Decision{
		TimeMs:  now,
		Device:  sw.id,
		Command: true,
		Report:  Report{Device: sw.id, ReportedOn: desiredOn, Source: SourceOther},
		Outcome: OutcomeCommanded,
		State:   sw.state,
	})
}

func (r *Reconciler) update(sw *Switch, on bool) {
	sw.state = StateFor(on)
	sw.counts.Emitted++
	r.sink.Emit(sw.id, on)
}

func (r *Reconciler) observe(d Decision) {
	if r.observer != nil {
		r.observer.Observe(d)
	}
}

func (r *Reconciler) switchFor(device string) *Switch {
	sw, ok := r.switches[device]
	if !ok {
		sw = NewSwitch(device)
		r.switches[device] = sw
	}
	return sw
}

// Switch returns the record for a device, if known.
func (r *Reconciler) Switch(device string) (*Switch, bool) {
	sw, ok := r.switches[device]
	return sw, ok
}

// State returns the logical state of a device. Unknown devices are StateUnknown.
func (r *Reconciler) State(device string) State {
	if sw, ok := r.switches[device]; ok {
		return sw.state
	}
	return StateUnknown
}

// Devices returns known device ids in sorted order.
func (r *Reconciler) Devices() []string {
	ids := make([]string, 0, len(r.switches))
	for id := range r.switches {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Snapshot returns a point-in-time view of one device.
func (r *Reconciler) Snapshot(device string) (Snapshot, bool) {
	sw, ok := r.switches[device]
	if !ok {
		return Snapshot{}, false
	}
	now := r.clock.NowMs()
	snap := Snapshot{
		Device:         sw.id,
		State:          sw.state,
		DigitalActive:  sw.latches.DigitalActive(now),
		InflightActive: sw.latches.InflightActive(now),
		Counts:         sw.counts,
	}
	if snap.InflightActive {
		if expected, ok := sw.latches.InflightExpected(); ok {
			snap.InflightTarget = StateFor(expected)
		}
	}
	return snap, true
}

// Snapshots returns views of every known device, sorted by id.
func (r *Reconciler) Snapshots() []Snapshot {
	ids := r.Devices()
	out := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		snap, _ := r.Snapshot(id)
		out = append(out, snap)
	}
	return out
}

// Totals sums counters across every device.
func (r *Reconciler) Totals() Counts {
	var total Counts
	for _, sw := range r.switches {
		total.add(sw.counts)
	}
	return total
}

// CheckHeartbeat returns heartbeat data if intervalMs has elapsed since the
// last heartbeat (or creation). Returns nil if the interval has not elapsed
// or if intervalMs is <= 0 (disabled).
func (r *Reconciler) CheckHeartbeat(intervalMs int64) *HeartbeatData {
	if intervalMs <= 0 {
		return nil
	}

	now := r.clock.NowMs()
	if now-r.lastHeartbeat < intervalMs {
		return nil
	}

	r.lastHeartbeat = now
	return &HeartbeatData{
		TimeMs:   now,
		UptimeMs: now - r.startMs,
		Devices:  len(r.switches),
		Counts:   r.Totals(),
	}
}
