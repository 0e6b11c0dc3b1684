//go:build !linux

package gpio

import "errors"

var errUnsupported = errors.New("gpio: not supported on this platform (requires Linux)")

// RealReader is not available on non-Linux platforms.
type RealReader struct{}

// NewRealReader returns an error on non-Linux platforms.
func NewRealReader(chipName string, pinUp, pinDown int) (*RealReader, error) {
	return nil, errUnsupported
}

// Read is not implemented on non-Linux platforms.
func (r *RealReader) Read() (bool, bool, error) {
	return false, false, errUnsupported
}

// Close is not implemented on non-Linux platforms.
func (r *RealReader) Close() error {
	return nil
}

// RealOutput is not available on non-Linux platforms.
type RealOutput struct{}

// NewRealOutput returns an error on non-Linux platforms.
func NewRealOutput(chipName string, pin int) (*RealOutput, error) {
	return nil, errUnsupported
}

// Set is not implemented on non-Linux platforms.
func (o *RealOutput) Set(on bool) error {
	return errUnsupported
}

// Close is not implemented on non-Linux platforms.
func (o *RealOutput) Close() error {
	return nil
}
