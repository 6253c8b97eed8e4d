// Package position implements the closed-loop position controller: it turns
// encoder feedback into accelerate, decelerate, correct and stop decisions
// for a single motor.
package position

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/PosiGo/internal/debug"
	"github.com/cjeanneret/PosiGo/internal/logic/quadrature"
	"github.com/cjeanneret/PosiGo/internal/monitor"
	"go.uber.org/multierr"
)

// arrivalTolerance is the distance (pulses) at which the main loop
// considers the target reached.
const arrivalTolerance = 1

// maxTargetSteps bounds a single move so positions never overflow int64.
const maxTargetSteps = math.MaxInt64 / 2

// Controller drives one motor to relative encoder positions.
// Only one move runs at a time; independent motors get independent
// controllers.
type Controller struct {
	enc     EncoderSource
	act     Actuator
	cfg     Config
	decoder *quadrature.Decoder
	polling bool

	busy   sync.Mutex
	closed atomic.Bool
	state  atomic.Int32
}

// New creates a controller. The encoder source and actuator are borrowed
// capabilities; Shutdown stops the actuator and closes whichever of them
// implement io.Closer.
func New(enc EncoderSource, act Actuator, cfg Config) (*Controller, error) {
	if enc == nil || act == nil {
		return nil, errors.New("position: encoder source and actuator are required")
	}
	if cfg.StepsPerRevolution <= 0 {
		return nil, fmt.Errorf("position: steps per revolution must be > 0, got %d", cfg.StepsPerRevolution)
	}
	cfg = cfg.withDefaults()

	mode := quadrature.TwoChannel
	if cfg.SingleChannel {
		mode = quadrature.SingleChannel
	}

	c := &Controller{
		enc:     enc,
		act:     act,
		cfg:     cfg,
		decoder: quadrature.NewDecoder(mode),
		polling: true,
	}

	a, b, err := enc.Sample()
	if err != nil {
		return nil, &FaultError{Op: "sample encoder", Err: err}
	}
	c.decoder.Seed(a, b)

	switch src := enc.(type) {
	case EdgeSource:
		if err := src.Watch(func(a, b bool) { c.decoder.Update(a, b) }); err != nil {
			return nil, &FaultError{Op: "watch encoder", Err: err}
		}
		c.polling = false
	case PulseSource:
		if err := src.OnPulse(func(dir int) { c.decoder.Add(dir) }); err != nil {
			return nil, &FaultError{Op: "watch encoder pulses", Err: err}
		}
		c.polling = false
	}

	debug.Verbose("Axis %s: %d steps/rev, %s, polling=%v", cfg.Name, cfg.StepsPerRevolution, c.decoder.Mode(), c.polling)
	return c, nil
}

// Name returns the axis name.
func (c *Controller) Name() string {
	return c.cfg.Name
}

// State returns the current state machine state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// StepsFor converts an angle to a pulse count (magnitude, rounded).
func (c *Controller) StepsFor(degrees float64) int64 {
	return int64(math.Round(math.Abs(degrees) / 360.0 * float64(c.cfg.StepsPerRevolution)))
}

// DegreesFor converts a pulse count to an angle.
func (c *Controller) DegreesFor(steps int64) float64 {
	return float64(steps) * 360.0 / float64(c.cfg.StepsPerRevolution)
}

// CurrentPosition returns the pulse count since the last reset.
func (c *Controller) CurrentPosition() int64 {
	if c.polling && c.busy.TryLock() {
		_, _ = c.ingest()
		c.busy.Unlock()
	}
	return c.decoder.Position()
}

// ResetPosition makes the current shaft position the new zero.
func (c *Controller) ResetPosition() {
	c.decoder.Reset()
	debug.Verbose("Axis %s: position reset", c.cfg.Name)
}

// MoveTo rotates by degrees at the given cruise speed and blocks until
// the move completes, times out, is cancelled through ctx or faults.
func (c *Controller) MoveTo(ctx context.Context, degrees float64, speed int, clockwise bool) (Outcome, error) {
	return c.Move(ctx, Request{Degrees: degrees, Speed: speed, Clockwise: clockwise})
}

// Move executes req. Timeouts and cancellation are reported in the
// Outcome; only driver faults, oscillation and misuse return an error.
func (c *Controller) Move(ctx context.Context, req Request) (Outcome, error) {
	if c.closed.Load() {
		return Outcome{}, ErrClosed
	}
	if err := req.validate(); err != nil {
		return Outcome{}, err
	}
	if math.Abs(req.Degrees)/360.0*float64(c.cfg.StepsPerRevolution) >= maxTargetSteps {
		return Outcome{}, fmt.Errorf("%w: %v degrees is out of range", ErrInvalidRequest, req.Degrees)
	}
	if !c.busy.TryLock() {
		return Outcome{}, ErrBusy
	}
	defer c.busy.Unlock()

	req = req.normalized()
	m := &move{
		c:         c,
		ctx:       ctx,
		clockwise: req.Clockwise,
		cruise:    c.cruiseSpeed(req.Speed),
		begin:     c.cfg.Clock.Now(),
	}

	start, err := c.ingest()
	if err != nil {
		return m.abort(&FaultError{Op: "sample encoder", Err: err})
	}
	m.out.StartPosition = start
	m.out.TargetPosition = start
	m.out.TargetSteps = c.StepsFor(req.Degrees)

	if m.out.TargetSteps == 0 {
		m.out.ReachedTarget = true
		return m.finish(), nil
	}
	if req.Clockwise {
		m.out.TargetPosition = start + m.out.TargetSteps
	} else {
		m.out.TargetPosition = start - m.out.TargetSteps
	}

	return m.run()
}

// Enable powers the actuator's driver when it has an enable line.
func (c *Controller) Enable() error {
	if e, ok := c.act.(interface{ Enable() error }); ok {
		return e.Enable()
	}
	return nil
}

// Disable releases holding torque when the actuator supports it.
func (c *Controller) Disable() error {
	if d, ok := c.act.(interface{ Disable() error }); ok {
		return d.Disable()
	}
	return nil
}

// Shutdown stops and disables the actuator and releases the capabilities.
// It waits for a running move to finish; cancel its context first.
func (c *Controller) Shutdown() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.busy.Lock()
	defer c.busy.Unlock()

	debug.Verbose("Axis %s: shutdown", c.cfg.Name)
	err := c.act.Stop()
	err = multierr.Append(err, c.Disable())
	if cl, ok := c.act.(io.Closer); ok {
		err = multierr.Append(err, cl.Close())
	}
	if cl, ok := c.enc.(io.Closer); ok && !sameCapability(c.enc, c.act) {
		err = multierr.Append(err, cl.Close())
	}
	c.state.Store(int32(Stopped))
	return err
}

func (c *Controller) cruiseSpeed(speed int) int {
	if speed < 0 {
		speed = 0
	}
	if speed > 100 {
		speed = 100
	}
	if speed < c.cfg.MinSpeed {
		speed = c.cfg.MinSpeed
	}
	return speed
}

// ingest polls the encoder when no edge source feeds the decoder.
func (c *Controller) ingest() (int64, error) {
	if c.polling {
		a, b, err := c.enc.Sample()
		if err != nil {
			return c.decoder.Position(), err
		}
		c.decoder.Update(a, b)
	}
	return c.decoder.Position(), nil
}

func (c *Controller) drive(clockwise bool) error {
	c.decoder.SetDirection(clockwise)
	return c.act.SetDirection(clockwise)
}

// move is the state of one MoveTo call.
type move struct {
	c         *Controller
	ctx       context.Context
	clockwise bool
	cruise    int
	speed     int
	begin     time.Time
	out       Outcome
}

func (m *move) run() (Outcome, error) {
	c := m.c
	debug.Move(c.cfg.Name, m.out.TargetSteps, direction(m.clockwise))

	if err := c.drive(m.clockwise); err != nil {
		return m.abort(&FaultError{Op: "set direction", Err: err})
	}
	if err := m.setSpeed(m.cruise); err != nil {
		return m.abort(err)
	}
	m.enter(Cruising)

	window := c.cfg.DecelWindow * float64(m.out.TargetSteps)
	for {
		pos, err := c.ingest()
		if err != nil {
			return m.abort(&FaultError{Op: "sample encoder", Err: err})
		}

		remaining := abs64(m.out.TargetPosition - pos)
		if remaining <= arrivalTolerance {
			m.out.ReachedTarget = true
			break
		}

		if float64(remaining) < window {
			if err := m.decelerate(remaining, window); err != nil {
				return m.abort(err)
			}
		}

		if m.overshot(pos) {
			if err := m.correct(pos); err != nil {
				return m.abort(err)
			}
		}

		if m.ctx.Err() != nil {
			m.out.Cancelled = true
			m.enter(Cancelled)
			break
		}
		if c.cfg.Clock.Now().Sub(m.begin) > c.cfg.Timeout {
			m.out.TimedOut = true
			m.enter(TimedOut)
			break
		}

		c.cfg.Clock.Sleep(c.cfg.PollInterval)
	}

	if err := c.act.Stop(); err != nil {
		return m.abort(&FaultError{Op: "stop", Err: err})
	}
	m.speed = 0
	m.enter(Stopped)

	if m.out.ReachedTarget {
		if err := m.fineAdjust(); err != nil {
			return m.abort(err)
		}
	}
	return m.finish(), nil
}

// decelerate scales the duty cycle linearly over the deceleration window.
func (m *move) decelerate(remaining int64, window float64) error {
	floor := m.c.cfg.MinSpeed
	factor := float64(remaining) / window
	speed := int(float64(floor) + float64(m.cruise-floor)*factor)
	if speed < floor {
		speed = floor
	}
	if m.c.State() == Cruising {
		m.enter(Decelerating)
	}
	if speed == m.speed {
		return nil
	}
	return m.setSpeed(speed)
}

func (m *move) overshot(pos int64) bool {
	if m.clockwise {
		return pos > m.out.TargetPosition
	}
	return pos < m.out.TargetPosition
}

// correct issues a short reverse pulse at minimum speed to counter the
// motor's lag, then restores the travel direction.
func (m *move) correct(pos int64) error {
	c := m.c
	m.out.Corrections++
	if c.cfg.MaxCorrections > 0 && m.out.Corrections > c.cfg.MaxCorrections {
		return fmt.Errorf("%w: %d corrections near position %d", ErrOscillation, c.cfg.MaxCorrections, m.out.TargetPosition)
	}

	m.enter(Correcting)
	debug.Live("Axis %s: overshoot at %d (target %d), correction #%d", c.cfg.Name, pos, m.out.TargetPosition, m.out.Corrections)

	if err := c.drive(!m.clockwise); err != nil {
		return &FaultError{Op: "reverse direction", Err: err}
	}
	if err := m.setSpeed(c.cfg.MinSpeed); err != nil {
		return err
	}
	c.cfg.Clock.Sleep(c.cfg.CorrectionPulse)
	if err := c.drive(m.clockwise); err != nil {
		return &FaultError{Op: "restore direction", Err: err}
	}

	m.enter(Decelerating)
	return nil
}

// fineAdjust creeps at minimum speed onto the exact target when the motor
// stopped a few pulses away. It is bounded by FineAdjustTimeout, the move
// context and divergence beyond the threshold.
func (m *move) fineAdjust() error {
	c := m.c
	pos, err := c.ingest()
	if err != nil {
		return &FaultError{Op: "sample encoder", Err: err}
	}
	residual := m.out.TargetPosition - pos
	if residual == 0 || abs64(residual) > int64(c.cfg.FineAdjustThreshold) {
		return nil
	}

	m.enter(FineAdjusting)
	debug.Verbose("Axis %s: fine adjustment of %d pulses", c.cfg.Name, residual)

	deadline := c.cfg.Clock.Now().Add(c.cfg.FineAdjustTimeout)
	clockwise := residual > 0
	if err := c.drive(clockwise); err != nil {
		return &FaultError{Op: "set direction", Err: err}
	}
	if err := m.setSpeed(c.cfg.MinSpeed); err != nil {
		return err
	}

	for {
		c.cfg.Clock.Sleep(c.cfg.PollInterval)

		pos, err = c.ingest()
		if err != nil {
			return &FaultError{Op: "sample encoder", Err: err}
		}
		residual = m.out.TargetPosition - pos
		if residual == 0 {
			m.out.FineAdjusted = true
			break
		}
		if abs64(residual) > int64(c.cfg.FineAdjustThreshold) || m.ctx.Err() != nil || !c.cfg.Clock.Now().Before(deadline) {
			debug.Live("Axis %s: fine adjustment gave up %d pulses from target", c.cfg.Name, residual)
			break
		}
		if want := residual > 0; want != clockwise {
			clockwise = want
			if err := c.drive(clockwise); err != nil {
				return &FaultError{Op: "set direction", Err: err}
			}
		}
	}

	if err := c.act.Stop(); err != nil {
		return &FaultError{Op: "stop", Err: err}
	}
	m.speed = 0
	m.enter(Stopped)
	return nil
}

func (m *move) setSpeed(percent int) error {
	if err := m.c.act.SetSpeed(percent); err != nil {
		return &FaultError{Op: "set speed", Err: err}
	}
	debug.Trace("Axis %s: duty cycle %d%%", m.c.cfg.Name, percent)
	m.speed = percent
	return nil
}

func (m *move) enter(s State) {
	c := m.c
	if State(c.state.Swap(int32(s))) == s {
		return
	}
	pos := c.decoder.Position()
	debug.Verbose("Axis %s: %s at %d (target %d)", c.cfg.Name, s, pos, m.out.TargetPosition)
	c.cfg.Monitor.Publish(monitor.Event{
		Time:     c.cfg.Clock.Now(),
		Axis:     c.cfg.Name,
		State:    s.String(),
		Position: pos,
		Target:   m.out.TargetPosition,
		Speed:    m.speed,
	})
}

func (m *move) finish() Outcome {
	c := m.c
	pos, err := c.ingest()
	if err != nil {
		pos = c.decoder.Position()
	}
	m.out.ActualSteps = pos - m.out.StartPosition
	m.out.Elapsed = c.cfg.Clock.Now().Sub(m.begin)
	m.enter(Idle)

	debug.Info("Axis %s: moved %d/%d steps (reached=%v timed_out=%v cancelled=%v corrections=%d) in %v",
		c.cfg.Name, abs64(m.out.ActualSteps), m.out.TargetSteps,
		m.out.ReachedTarget, m.out.TimedOut, m.out.Cancelled, m.out.Corrections, m.out.Elapsed)
	return m.out
}

// abort stops the actuator on a best-effort basis and reports err.
func (m *move) abort(err error) (Outcome, error) {
	c := m.c
	if stopErr := c.act.Stop(); stopErr != nil {
		var fe *FaultError
		if errors.As(err, &fe) {
			fe.Err = multierr.Append(fe.Err, stopErr)
		} else {
			err = multierr.Append(err, &FaultError{Op: "stop", Err: stopErr})
		}
	}
	m.speed = 0
	m.enter(Faulted)
	debug.Error(err)

	m.out.ActualSteps = c.decoder.Position() - m.out.StartPosition
	m.out.Elapsed = c.cfg.Clock.Now().Sub(m.begin)
	m.enter(Idle)
	return m.out, err
}

func direction(clockwise bool) string {
	if clockwise {
		return "clockwise"
	}
	return "counter-clockwise"
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// sameCapability reports whether enc and act are the same object, as with
// steppers and simulated motors that are both actuator and encoder.
func sameCapability(enc EncoderSource, act Actuator) bool {
	te, ta := reflect.TypeOf(enc), reflect.TypeOf(act)
	if te != ta || !te.Comparable() {
		return false
	}
	return any(enc) == any(act)
}
