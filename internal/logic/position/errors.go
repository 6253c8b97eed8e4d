package position

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest reports a move that cannot be interpreted (NaN or infinite angle).
	ErrInvalidRequest = errors.New("invalid motion request")
	// ErrBusy is returned when a move is requested while another is running.
	ErrBusy = errors.New("controller busy: move already in progress")
	// ErrClosed is returned after Shutdown.
	ErrClosed = errors.New("controller shut down")
	// ErrDriverFault matches every *FaultError.
	ErrDriverFault = errors.New("driver fault")
	// ErrOscillation is returned when a move exceeds its overshoot correction budget.
	ErrOscillation = errors.New("too many overshoot corrections")
)

// FaultError wraps an actuator or encoder failure. The move is aborted
// and the actuator has been sent a best-effort stop.
type FaultError struct {
	Op  string
	Err error
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrDriverFault, e.Op, e.Err)
}

func (e *FaultError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrDriverFault) true for any FaultError.
func (e *FaultError) Is(target error) bool {
	return target == ErrDriverFault
}
