// Package paddle turns polled paddle inputs into debounced press events.
// Time is injected; the package never sleeps or reads the clock.
package paddle

import "time"

// Half identifies one half of a rocker paddle.
type Half string

const (
	HalfUp   Half = "UP"
	HalfDown Half = "DOWN"
)

// Input is a single sample of both paddle halves (true = pressed).
type Input struct {
	Up   bool
	Down bool
	Time time.Time
}

// Press is emitted when a half becomes pressed and stays pressed for the
// debounce duration.
type Press struct {
	Half Half
	Time time.Time
}

// lineState tracks debounce state for a single half.
type lineState struct {
	stable       bool
	pending      bool
	hasPending   bool
	pendingSince time.Time
	baselined    bool
}

// Detector debounces both paddle halves and reports presses.
type Detector struct {
	debounce  time.Duration
	up        lineState
	down      lineState
	baselined bool
	presses   int
}

// NewDetector creates a detector with the given debounce duration.
func NewDetector(debounce time.Duration) *Detector {
	return &Detector{debounce: debounce}
}

// Process takes a new sample and returns any presses it completes.
// No presses are returned until both halves have a stable baseline, so a
// paddle held at startup is not mistaken for a press.
func (d *Detector) Process(in Input) []Press {
	upEdge := d.processLine(&d.up, in.Up, in.Time)
	downEdge := d.processLine(&d.down, in.Down, in.Time)

	if !d.baselined {
		if d.up.baselined && d.down.baselined {
			d.baselined = true
		}
		return nil
	}

	var presses []Press
	if upEdge {
		presses = append(presses, Press{Half: HalfUp, Time: in.Time})
	}
	if downEdge {
		presses = append(presses, Press{Half: HalfDown, Time: in.Time})
	}
	d.presses += len(presses)
	return presses
}

// processLine returns true when the line settles into the pressed state.
func (d *Detector) processLine(l *lineState, pressed bool, now time.Time) bool {
	if !l.baselined {
		if !l.hasPending || l.pending != pressed {
			l.pending = pressed
			l.hasPending = true
			l.pendingSince = now
			return false
		}
		if now.Sub(l.pendingSince) >= d.debounce {
			l.stable = pressed
			l.baselined = true
			l.hasPending = false
		}
		return false
	}

	if pressed == l.stable {
		l.hasPending = false
		return false
	}

	if !l.hasPending || l.pending != pressed {
		l.pending = pressed
		l.hasPending = true
		l.pendingSince = now
		return false
	}

	if now.Sub(l.pendingSince) < d.debounce {
		return false
	}

	l.stable = pressed
	l.hasPending = false
	return pressed
}

// IsBaselined returns whether both halves have a stable baseline.
func (d *Detector) IsBaselined() bool {
	return d.baselined
}

// Held returns the debounced pressed state of each half.
func (d *Detector) Held() (up, down bool) {
	return d.up.stable, d.down.stable
}

// Presses returns the number of presses reported since creation.
func (d *Detector) Presses() int {
	return d.presses
}
