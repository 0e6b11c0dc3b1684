// Package logic contains the pure reconciliation core for binary switches.
// This package has NO external dependencies (no MQTT, GPIO, OS, or time.Sleep).
// Time is always injectable via a Clock returning milliseconds.
package logic

// State represents the logical on/off state of a switch.
// The zero value means the state is not yet known.
type State string

const (
	StateUnknown State = ""
	StateOn      State = "ON"
	StateOff     State = "OFF"
)

// StateFor converts an on/off value to a State.
func StateFor(on bool) State {
	if on {
		return StateOn
	}
	return StateOff
}

// Known reports whether the state has been established.
func (s State) Known() bool {
	return s == StateOn || s == StateOff
}

// On reports whether the state is ON. Unknown is treated as off.
func (s State) On() bool {
	return s == StateOn
}

// Source identifies the reporting channel a report arrived through.
type Source string

const (
	SourceBasic  Source = "basic"
	SourceBinary Source = "binary"
	SourceOther  Source = "other"
)

// ActionKind is the outcome class of the soft toggle decision.
type ActionKind int

const (
	PassThrough ActionKind = iota
	Suppressed
	Corrected
)

func (k ActionKind) String() string {
	switch k {
	case PassThrough:
		return "PASS_THROUGH"
	case Suppressed:
		return "SUPPRESSED"
	case Corrected:
		return "CORRECTED"
	default:
		return "UNKNOWN"
	}
}

// Action is returned by Decide. Target is only meaningful for Corrected.
type Action struct {
	Kind   ActionKind
	Target bool
}

// Outcome describes what happened to a single report or command.
type Outcome string

const (
	OutcomeEmitted           Outcome = "EMITTED"
	OutcomeConfirmed         Outcome = "CONFIRMED"
	OutcomeCorrected         Outcome = "CORRECTED"
	OutcomeSuppressed        Outcome = "SUPPRESSED"
	OutcomeDiscardedInflight Outcome = "DISCARDED_INFLIGHT"
	OutcomeDiscardedEcho     Outcome = "DISCARDED_ECHO"
	OutcomeCommanded         Outcome = "COMMANDED"
)

// Report is a single hardware report after transport decoding.
// Raw is already normalized by the caller: a missing value is 0.
type Report struct {
	Device     string
	ReportedOn bool
	Source     Source
	Raw        int
}

// Preferences is the subset of user configuration the core reads.
type Preferences struct {
	SoftToggle bool
}

// Decision is passed to an Observer after every report or command.
type Decision struct {
	TimeMs  int64
	Device  string
	Command bool // true for OnUserCommand, false for OnReport
	Report  Report
	Outcome Outcome
	State   State
}

// Counts tracks what the reconciler has done since startup.
type Counts struct {
	Reports           int
	Emitted           int
	Commands          int
	Corrections       int
	Suppressed        int
	DiscardedInflight int
	DiscardedEcho     int
}

func (c *Counts) add(o Counts) {
	c.Reports += o.Reports
	c.Emitted += o.Emitted
	c.Commands += o.Commands
	c.Corrections += o.Corrections
	c.Suppressed += o.Suppressed
	c.DiscardedInflight += o.DiscardedInflight
	c.DiscardedEcho += o.DiscardedEcho
}

// Snapshot is a point-in-time view of one switch for status consumers.
type Snapshot struct {
	Device         string
	State          State
	DigitalActive  bool
	InflightActive bool
	InflightTarget State
	Counts         Counts
}

// HeartbeatData contains information for a heartbeat event.
type HeartbeatData struct {
	TimeMs   int64
	UptimeMs int64
	Devices  int
	Counts   Counts
}
