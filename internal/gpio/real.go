//go:build linux

package gpio

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

// RealReader reads paddle inputs from hardware using the GPIO character device.
type RealReader struct {
	chip     *gpiocdev.Chip
	upLine   *gpiocdev.Line
	downLine *gpiocdev.Line
}

// NewRealReader requests the paddle lines as inputs with pull-up.
func NewRealReader(chipName string, pinUp, pinDown int) (*RealReader, error) {
	chip, err := gpiocdev.NewChip(chipName)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip %s: %w", chipName, err)
	}

	upLine, err := chip.RequestLine(pinUp, gpiocdev.AsInput, gpiocdev.WithPullUp)
	if err != nil {
		chip.Close()
		return nil, fmt.Errorf("request up pin %d: %w", pinUp, err)
	}

	downLine, err := chip.RequestLine(pinDown, gpiocdev.AsInput, gpiocdev.WithPullUp)
	if err != nil {
		upLine.Close()
		chip.Close()
		return nil, fmt.Errorf("request down pin %d: %w", pinDown, err)
	}

	return &RealReader{
		chip:     chip,
		upLine:   upLine,
		downLine: downLine,
	}, nil
}

// Read returns the pressed state of each half.
func (r *RealReader) Read() (bool, bool, error) {
	upRaw, err := r.upLine.Value()
	if err != nil {
		return false, false, fmt.Errorf("read up pin: %w", err)
	}

	downRaw, err := r.downLine.Value()
	if err != nil {
		return false, false, fmt.Errorf("read down pin: %w", err)
	}

	return upRaw == 0, downRaw == 0, nil
}

// Close releases the input lines and the chip.
func (r *RealReader) Close() error {
	var errs []error
	if r.upLine != nil {
		if err := r.upLine.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close up pin: %w", err))
		}
	}
	if r.downLine != nil {
		if err := r.downLine.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close down pin: %w", err))
		}
	}
	if r.chip != nil {
		if err := r.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}

// RealOutput drives the relay line.
type RealOutput struct {
	chip *gpiocdev.Chip
	line *gpiocdev.Line
}

// NewRealOutput requests the relay line as an output, initially released.
func NewRealOutput(chipName string, pin int) (*RealOutput, error) {
	chip, err := gpiocdev.NewChip(chipName)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip %s: %w", chipName, err)
	}

	line, err := chip.RequestLine(pin, gpiocdev.AsOutput(0))
	if err != nil {
		chip.Close()
		return nil, fmt.Errorf("request relay pin %d: %w", pin, err)
	}

	return &RealOutput{chip: chip, line: line}, nil
}

// Set drives the relay.
func (o *RealOutput) Set(on bool) error {
	v := 0
	if on {
		v = 1
	}
	if err := o.line.SetValue(v); err != nil {
		return fmt.Errorf("set relay: %w", err)
	}
	return nil
}

// Close releases the relay and returns the pin to an input with pull-down
// so the load stays off across a reboot.
func (o *RealOutput) Close() error {
	var errs []error
	if o.line != nil {
		if err := o.line.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullDown); err != nil {
			errs = append(errs, fmt.Errorf("reconfigure relay pin: %w", err))
		}
		if err := o.line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close relay pin: %w", err))
		}
	}
	if o.chip != nil {
		if err := o.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
