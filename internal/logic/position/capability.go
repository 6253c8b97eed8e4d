package position

import "time"

// Actuator drives the motor windings. Calls are synchronous and take
// effect immediately.
type Actuator interface {
	SetDirection(clockwise bool) error
	// SetSpeed sets the duty cycle in percent (0-100).
	SetSpeed(percent int) error
	Stop() error
}

// EncoderSource exposes the raw A/B channel levels of a shaft encoder.
// Sources that only report pulses through Watch may return constant levels.
type EncoderSource interface {
	Sample() (a, b bool, err error)
}

// EdgeSource is an EncoderSource that pushes level changes from its own
// goroutine (edge interrupts). The controller decodes inside fn and stops
// polling Sample during moves.
type EdgeSource interface {
	EncoderSource
	Watch(fn func(a, b bool)) error
}

// PulseSource is an EncoderSource that decodes in hardware or in its own
// driver and reports each pulse with its direction (+1 clockwise, -1
// counter-clockwise).
type PulseSource interface {
	EncoderSource
	OnPulse(fn func(dir int)) error
}

// Clock abstracts wall time for the control loop.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type systemClock struct{}

func (systemClock) Now() time.Time        { return time.Now() }
func (systemClock) Sleep(d time.Duration) { time.Sleep(d) }
