package gpio

import "errors"

// FakeReader is a test double that returns scripted paddle values.
type FakeReader struct {
	// Samples contains scripted values to return.
	// Each call to Read() consumes the next sample.
	Samples []Sample

	// index tracks current position in Samples
	index int

	// Closed tracks if Close was called
	Closed bool

	// ReadError, if set, will be returned by Read()
	ReadError error
}

// Sample represents a single paddle reading (already in logical form).
type Sample struct {
	Up   bool // true = pressed
	Down bool // true = pressed
}

// NewFakeReader creates a FakeReader with the given samples.
func NewFakeReader(samples []Sample) *FakeReader {
	return &FakeReader{Samples: samples}
}

// Read returns the next scripted sample.
// If samples are exhausted, returns the last sample repeatedly.
func (f *FakeReader) Read() (bool, bool, error) {
	if f.ReadError != nil {
		return false, false, f.ReadError
	}

	if len(f.Samples) == 0 {
		return false, false, errors.New("no samples configured")
	}

	sample := f.Samples[f.index]
	if f.index < len(f.Samples)-1 {
		f.index++
	}

	return sample.Up, sample.Down, nil
}

// Close marks the reader as closed.
func (f *FakeReader) Close() error {
	f.Closed = true
	return nil
}

// Reset resets the reader to the beginning of samples.
func (f *FakeReader) Reset() {
	f.index = 0
	f.Closed = false
}

// FakeOutput records relay writes.
type FakeOutput struct {
	// On is the last value written.
	On bool

	// Writes contains every value written, in order.
	Writes []bool

	// SetError, if set, will be returned by Set()
	SetError error

	// Closed tracks if Close was called
	Closed bool
}

// NewFakeOutput creates a FakeOutput with the relay released.
func NewFakeOutput() *FakeOutput {
	return &FakeOutput{}
}

// Set records the value.
func (f *FakeOutput) Set(on bool) error {
	if f.SetError != nil {
		return f.SetError
	}
	f.On = on
	f.Writes = append(f.Writes, on)
	return nil
}

// Close marks the output as closed.
func (f *FakeOutput) Close() error {
	f.Closed = true
	return nil
}
