package stepper

import (
	"fmt"
	"sync"
	"time"

	"github.com/cjeanneret/PosiGo/internal/debug"
	"github.com/cjeanneret/PosiGo/internal/hw/gpio"
)

// Config holds the hardware configuration for a stepper motor.
type Config struct {
	StepPin       int
	DirPin        int
	EnablePin     int // A4988/TB6600 ENABLE pin (BCM). 0 = not used. Active LOW (LOW=enabled).
	StepsPerRev   int
	Microstepping int
	// MinStepDelay is the STEP half-cycle at 100% speed. Lower speeds
	// stretch it proportionally. Defaults to 500µs.
	MinStepDelay time.Duration
}

// Clockwise gray sequence reported to watchers, one phase per step.
var phases = [4]struct{ a, b bool }{
	{false, false},
	{false, true},
	{true, true},
	{true, false},
}

// Stepper drives a STEP/DIR driver as a speed-controlled motor. A pulse
// goroutine runs while the speed is non-zero, and every step it emits is
// reported through Watch as a quadrature transition, so the stepper is its
// own encoder.
type Stepper struct {
	gpio     gpio.Driver
	cfg      Config
	minDelay time.Duration

	mu        sync.Mutex
	clockwise bool
	speed     int
	phase     int
	watchers  []func(a, b bool)
	err       error // pulse failure, reported by the next call
	stop      chan struct{}
	done      chan struct{}
}

// NewStepper creates a new stepper motor controller.
func NewStepper(g gpio.Driver, cfg Config) *Stepper {
	_ = g.SetupPin(cfg.StepPin, gpio.Output)
	_ = g.SetupPin(cfg.DirPin, gpio.Output)

	delay := cfg.MinStepDelay
	if delay <= 0 {
		delay = 500 * time.Microsecond
	}

	s := &Stepper{
		gpio:      g,
		cfg:       cfg,
		minDelay:  delay,
		clockwise: true,
	}

	// ENABLE: active LOW. LOW = enabled, HIGH = disabled.
	if cfg.EnablePin > 0 {
		_ = g.SetupPin(cfg.EnablePin, gpio.Output)
		_ = g.WritePin(cfg.EnablePin, gpio.Low) // enable by default
	}

	return s
}

// StepsPerRevolution returns the microsteps per output revolution.
func (s *Stepper) StepsPerRevolution() int {
	m := s.cfg.Microstepping
	if m <= 0 {
		m = 1
	}
	return s.cfg.StepsPerRev * m
}

// SetDirection sets the DIR line. HIGH is clockwise.
func (s *Stepper) SetDirection(clockwise bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeErr(); err != nil {
		return err
	}
	level := gpio.Low
	if clockwise {
		level = gpio.High
	}
	if err := s.gpio.WritePin(s.cfg.DirPin, level); err != nil {
		return err
	}
	s.clockwise = clockwise
	return nil
}

// SetSpeed sets the step rate in percent of the maximum rate and starts
// pulsing if needed. 0 stops the motor.
func (s *Stepper) SetSpeed(percent int) error {
	percent = gpio.ClampPercent(percent)
	if percent == 0 {
		return s.Stop()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeErr(); err != nil {
		return err
	}
	s.speed = percent
	if s.stop == nil {
		s.stop = make(chan struct{})
		s.done = make(chan struct{})
		debug.GPIO("pulse start", s.cfg.StepPin, percent)
		go s.run(s.stop, s.done)
	}
	return nil
}

// Stop halts the pulse goroutine and waits for it. It returns any error
// the goroutine hit since the last call.
func (s *Stepper) Stop() error {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.speed = 0
	s.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.takeErr()
}

// Sample returns the synthesized channel levels.
func (s *Stepper) Sample() (bool, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := phases[s.phase]
	return p.a, p.b, nil
}

// Watch registers fn to be called from the pulse goroutine after each step.
func (s *Stepper) Watch(fn func(a, b bool)) error {
	s.mu.Lock()
	s.watchers = append(s.watchers, fn)
	s.mu.Unlock()
	return nil
}

// Enable turns on the motor driver (ENABLE=LOW). Motors hold position.
func (s *Stepper) Enable() error {
	if s.cfg.EnablePin <= 0 {
		return nil
	}
	return s.gpio.WritePin(s.cfg.EnablePin, gpio.Low)
}

// Disable turns off the motor driver (ENABLE=HIGH). Motors freewheel, no holding torque.
func (s *Stepper) Disable() error {
	if s.cfg.EnablePin <= 0 {
		return nil
	}
	return s.gpio.WritePin(s.cfg.EnablePin, gpio.High)
}

// Close stops pulsing. The GPIO driver is owned by the caller.
func (s *Stepper) Close() error {
	return s.Stop()
}

func (s *Stepper) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		default:
		}

		s.mu.Lock()
		speed := s.speed
		s.mu.Unlock()
		if speed <= 0 {
			return
		}

		if err := s.stepPulse(s.minDelay * 100 / time.Duration(speed)); err != nil {
			s.mu.Lock()
			s.err = fmt.Errorf("step pulse on pin %d: %w", s.cfg.StepPin, err)
			s.mu.Unlock()
			return
		}
		s.advance()
	}
}

func (s *Stepper) stepPulse(delay time.Duration) error {
	if err := s.gpio.WritePin(s.cfg.StepPin, gpio.High); err != nil {
		return err
	}
	time.Sleep(delay)
	if err := s.gpio.WritePin(s.cfg.StepPin, gpio.Low); err != nil {
		return err
	}
	time.Sleep(delay)
	return nil
}

// advance moves the synthesized encoder one phase and notifies watchers.
func (s *Stepper) advance() {
	s.mu.Lock()
	if s.clockwise {
		s.phase = (s.phase + 1) % 4
	} else {
		s.phase = (s.phase + 3) % 4
	}
	p := phases[s.phase]
	watchers := s.watchers
	s.mu.Unlock()

	for _, fn := range watchers {
		fn(p.a, p.b)
	}
}

// takeErr returns and clears the pending pulse error. Callers hold mu.
func (s *Stepper) takeErr() error {
	err := s.err
	s.err = nil
	return err
}
