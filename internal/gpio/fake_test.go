package gpio

import (
	"errors"
	"testing"
)

func TestFakeReaderRead(t *testing.T) {
	samples := []Sample{
		{Up: true, Down: false},
		{Up: false, Down: true},
		{Up: false, Down: false},
	}

	f := NewFakeReader(samples)

	for i, want := range samples {
		up, down, err := f.Read()
		if err != nil {
			t.Fatalf("sample %d: unexpected error: %v", i, err)
		}
		if up != want.Up || down != want.Down {
			t.Errorf("sample %d: expected (%v, %v), got (%v, %v)", i, want.Up, want.Down, up, down)
		}
	}

	// Further reads repeat the last sample
	up, down, err := f.Read()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if up || down {
		t.Errorf("repeat: expected (false, false), got (%v, %v)", up, down)
	}
}

func TestFakeReaderNoSamples(t *testing.T) {
	f := NewFakeReader(nil)

	_, _, err := f.Read()
	if err == nil {
		t.Error("expected error with no samples")
	}
}

func TestFakeReaderError(t *testing.T) {
	f := NewFakeReader([]Sample{{Up: true}})
	f.ReadError = errors.New("simulated error")

	_, _, err := f.Read()
	if err == nil || err.Error() != "simulated error" {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestFakeReaderCloseAndReset(t *testing.T) {
	f := NewFakeReader([]Sample{{Up: true}, {Down: true}})
	f.Read()

	if err := f.Close(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if !f.Closed {
		t.Error("should be closed after Close()")
	}

	f.Reset()
	if f.Closed {
		t.Error("reset should clear Closed")
	}
	up, _, _ := f.Read()
	if !up {
		t.Error("after reset: expected first sample again")
	}
}

func TestFakeOutput(t *testing.T) {
	o := NewFakeOutput()

	if err := o.Set(true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := o.Set(false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if o.On {
		t.Error("expected relay released after last write")
	}
	if len(o.Writes) != 2 || !o.Writes[0] || o.Writes[1] {
		t.Errorf("unexpected writes: %v", o.Writes)
	}
}

func TestFakeOutputError(t *testing.T) {
	o := NewFakeOutput()
	o.SetError = errors.New("relay stuck")

	if err := o.Set(true); err == nil {
		t.Error("expected error")
	}
	if o.On || len(o.Writes) != 0 {
		t.Error("failed write should not be recorded")
	}
}
