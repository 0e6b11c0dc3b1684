// Package gpio provides paddle input reading and relay output with hardware abstraction.
// The real implementation uses the Linux GPIO character device.
// The fake implementations allow testing without hardware.
package gpio

// Reader reads the two halves of a rocker paddle.
type Reader interface {
	// Read returns whether the upper and lower halves are pressed.
	// The raw inputs are active-low: raw 0 = pressed.
	Read() (up bool, down bool, err error)

	// Close releases GPIO resources.
	Close() error
}

// Output drives the load relay.
type Output interface {
	// Set energises (true) or releases (false) the relay.
	Set(on bool) error

	// Close releases GPIO resources.
	Close() error
}

// Default pin definitions (BCM numbering) and chip.
const (
	DefaultChip     = "gpiochip0"
	DefaultPinUp    = 17
	DefaultPinDown  = 27
	DefaultPinRelay = 22
)
