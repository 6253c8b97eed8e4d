package position

import (
	"fmt"
	"math"
	"time"

	"github.com/cjeanneret/PosiGo/internal/monitor"
)

// Request is a single relative move.
type Request struct {
	Degrees   float64 // rotation magnitude; a negative value reverses Clockwise
	Speed     int     // cruise duty cycle in percent, clamped to [0,100]
	Clockwise bool
}

func (r Request) validate() error {
	if math.IsNaN(r.Degrees) || math.IsInf(r.Degrees, 0) {
		return fmt.Errorf("%w: degrees = %v", ErrInvalidRequest, r.Degrees)
	}
	return nil
}

// normalized folds the sign of Degrees into Clockwise.
func (r Request) normalized() Request {
	if r.Degrees < 0 {
		r.Degrees = -r.Degrees
		r.Clockwise = !r.Clockwise
	}
	return r
}

// Outcome is the result of one move. It is built at the end of the move
// and not retained by the controller.
type Outcome struct {
	ActualSteps   int64 // final position - start position
	ReachedTarget bool
	TimedOut      bool
	Cancelled     bool

	TargetSteps    int64
	StartPosition  int64
	TargetPosition int64
	Corrections    int  // overshoot corrections issued
	FineAdjusted   bool // the fine-adjustment pass ended exactly on target
	Elapsed        time.Duration
}

// Residual returns the signed distance still to go.
func (o Outcome) Residual() int64 {
	return o.TargetPosition - (o.StartPosition + o.ActualSteps)
}

// State is the controller's position in the move state machine.
type State int32

const (
	Idle State = iota
	Cruising
	Decelerating
	Correcting
	FineAdjusting
	TimedOut
	Cancelled
	Faulted
	Stopped
)

var stateNames = [...]string{
	Idle:          "idle",
	Cruising:      "cruising",
	Decelerating:  "decelerating",
	Correcting:    "correcting",
	FineAdjusting: "fine-adjusting",
	TimedOut:      "timed-out",
	Cancelled:     "cancelled",
	Faulted:       "faulted",
	Stopped:       "stopped",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Default tuning, taken from the bench-tested L298N + worm gear setup.
const (
	DefaultMinSpeed            = 20
	DefaultDecelWindow         = 0.2
	DefaultTimeout             = 30 * time.Second
	DefaultPollInterval        = time.Millisecond
	DefaultCorrectionPulse     = 50 * time.Millisecond
	DefaultFineAdjustThreshold = 5
	DefaultFineAdjustTimeout   = 2 * time.Second
	DefaultMaxCorrections      = 10
)

// Config holds the calibration and tuning of one controller.
// Zero values are replaced by the defaults above.
type Config struct {
	Name               string // axis name used in logs and events
	StepsPerRevolution int    // encoder pulses per output revolution (required)
	SingleChannel      bool   // only channel A is wired

	MinSpeed            int           // duty cycle floor below which the motor stalls
	DecelWindow         float64       // fraction of travel over which to slow down
	Timeout             time.Duration // main loop bound
	PollInterval        time.Duration // per-iteration sleep
	CorrectionPulse     time.Duration // reverse pulse length on overshoot
	FineAdjustThreshold int           // max residual (pulses) the creep pass handles
	FineAdjustTimeout   time.Duration
	MaxCorrections      int // overshoot corrections per move; negative = unlimited

	Clock   Clock
	Monitor *monitor.Broadcaster
}

func (c Config) withDefaults() Config {
	if c.MinSpeed <= 0 {
		c.MinSpeed = DefaultMinSpeed
	}
	if c.MinSpeed > 100 {
		c.MinSpeed = 100
	}
	if c.DecelWindow <= 0 || c.DecelWindow > 1 {
		c.DecelWindow = DefaultDecelWindow
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.CorrectionPulse <= 0 {
		c.CorrectionPulse = DefaultCorrectionPulse
	}
	if c.FineAdjustThreshold <= 0 {
		c.FineAdjustThreshold = DefaultFineAdjustThreshold
	}
	if c.FineAdjustTimeout <= 0 {
		c.FineAdjustTimeout = DefaultFineAdjustTimeout
	}
	if c.MaxCorrections == 0 {
		c.MaxCorrections = DefaultMaxCorrections
	}
	if c.Clock == nil {
		c.Clock = systemClock{}
	}
	if c.Name == "" {
		c.Name = "motor"
	}
	return c
}
