// Package trace journals every reconciliation decision to a CBOR file and
// reads the journal back.
package trace

import (
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/doncaruana/zwave-switch/internal/logic"
)

// Record kinds.
const (
	KindReport  = "report"
	KindCommand = "command"
)

// Record is one journaled decision.
type Record struct {
	Timestamp  time.Time `cbor:"1,keyasint"`
	Device     string    `cbor:"2,keyasint"`
	Kind       string    `cbor:"3,keyasint"`
	Source     string    `cbor:"4,keyasint,omitempty"`
	Raw        int       `cbor:"5,keyasint"`
	ReportedOn bool      `cbor:"6,keyasint"`
	Outcome    string    `cbor:"7,keyasint"`
	State      string    `cbor:"8,keyasint,omitempty"`
	ClockMs    int64     `cbor:"9,keyasint"`
}

// FromDecision builds a record for d observed at wall time ts.
func FromDecision(ts time.Time, d logic.Decision) Record {
	rec := Record{
		Timestamp:  ts,
		Device:     d.Device,
		Kind:       KindReport,
		Raw:        d.Report.Raw,
		ReportedOn: d.Report.ReportedOn,
		Outcome:    string(d.Outcome),
		State:      string(d.State),
		ClockMs:    d.TimeMs,
	}
	if d.Command {
		rec.Kind = KindCommand
	} else {
		rec.Source = string(d.Report.Source)
	}
	return rec
}

// String renders a record as one line for dumps.
func (r Record) String() string {
	state := r.State
	if state == "" {
		state = "UNKNOWN"
	}
	if r.Kind == KindCommand {
		return fmt.Sprintf("%s %s command on=%t -> %s state=%s",
			r.Timestamp.UTC().Format(time.RFC3339Nano), r.Device, r.ReportedOn, r.Outcome, state)
	}
	return fmt.Sprintf("%s %s report source=%s raw=%d on=%t -> %s state=%s",
		r.Timestamp.UTC().Format(time.RFC3339Nano), r.Device, r.Source, r.Raw, r.ReportedOn, r.Outcome, state)
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("trace: cbor encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyQuiet,
		IndefLength:       cbor.IndefLengthAllowed,
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("trace: cbor decoder mode: %v", err))
	}
}

// Encode returns the CBOR encoding of a record.
func Encode(r Record) ([]byte, error) {
	return encMode.Marshal(r)
}

// Decode parses one CBOR record.
func Decode(data []byte) (Record, error) {
	var r Record
	if err := decMode.Unmarshal(data, &r); err != nil {
		return Record{}, err
	}
	return r, nil
}

func newEncoder(w io.Writer) *cbor.Encoder {
	return encMode.NewEncoder(w)
}

func newDecoder(r io.Reader) *cbor.Decoder {
	return decMode.NewDecoder(r)
}
