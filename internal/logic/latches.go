package logic

// Latch windows in milliseconds.
const (
	// DigitalWindow is how long reports are attributed to a command we issued.
	DigitalWindow int64 = 2000
	// InflightTimeout bounds how long we wait for a correction to be confirmed.
	InflightTimeout int64 = 8000
	// EchoWindow is the maximum gap between a basic report and its binary duplicate.
	EchoWindow int64 = 300
)

// Latches holds the timed latches for a single switch.
// Not safe for concurrent use; callers serialize access per device.
type Latches struct {
	digitalUntil    int64
	digitalExpected bool

	inflightUntil    int64
	inflightExpected bool
	inflightHas      bool

	echoSet   bool
	echoAt    int64
	echoValue int
}

// MarkDigital opens the digital-command window.
func (l *Latches) MarkDigital(now int64, expectedOn bool) {
	l.digitalUntil = now + DigitalWindow
	l.digitalExpected = expectedOn
}

// DigitalActive reports whether a command we issued is still in flight.
func (l *Latches) DigitalActive(now int64) bool {
	return now < l.digitalUntil
}

// StartInflight arms the correction latch. Any earlier latch is replaced.
func (l *Latches) StartInflight(now int64, expectedOn bool) {
	l.inflightUntil = now + InflightTimeout
	l.inflightExpected = expectedOn
	l.inflightHas = true
}

// InflightActive reports whether a correction is awaiting confirmation.
func (l *Latches) InflightActive(now int64) bool {
	return now < l.inflightUntil
}

// InflightExpected returns the value the pending correction expects and
// whether an expectation is recorded at all.
func (l *Latches) InflightExpected() (expectedOn bool, ok bool) {
	return l.inflightExpected, l.inflightHas
}

// ClearInflight disarms the correction latch.
func (l *Latches) ClearInflight() {
	l.inflightUntil = 0
	l.inflightExpected = false
	l.inflightHas = false
}

// RecordEchoSource remembers a raw value seen on the basic channel.
func (l *Latches) RecordEchoSource(now int64, value int) {
	l.echoSet = true
	l.echoAt = now
	l.echoValue = value
}

// IsRecentEcho reports whether value duplicates the last basic report.
func (l *Latches) IsRecentEcho(now int64, value int) bool {
	if !l.echoSet || l.echoValue != value {
		return false
	}
	return now-l.echoAt <= EchoWindow
}

// Reset returns every latch to inactive.
func (l *Latches) Reset() {
	*l = Latches{}
}
