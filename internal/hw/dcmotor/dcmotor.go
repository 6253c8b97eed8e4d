// Package dcmotor drives a brushed DC motor through an L298N-style H-bridge:
// two direction inputs and a PWM speed input on the enable line.
package dcmotor

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cjeanneret/PosiGo/internal/debug"
	"github.com/cjeanneret/PosiGo/internal/hw/gpio"
	"go.uber.org/multierr"
)

// DefaultPWMFreqHz is the PWM frequency used on the enable line.
const DefaultPWMFreqHz = 1000

// Config holds the H-bridge wiring (BCM numbering).
type Config struct {
	EnablePin int // ENA, speed
	In1Pin    int
	In2Pin    int
	PWMFreqHz int
}

// Motor is a speed and direction controlled DC motor.
type Motor struct {
	gpio gpio.Driver
	cfg  Config
	soft *softPWM // nil when the enable pin has hardware PWM

	mu     sync.Mutex
	closed bool
}

// New configures the bridge pins and leaves the motor stopped.
// Enable pins without hardware PWM are driven by a software PWM goroutine.
func New(g gpio.Driver, cfg Config) (*Motor, error) {
	if cfg.EnablePin <= 0 || cfg.In1Pin <= 0 || cfg.In2Pin <= 0 {
		return nil, fmt.Errorf("dcmotor: enable, in1 and in2 pins are required (got %d/%d/%d)", cfg.EnablePin, cfg.In1Pin, cfg.In2Pin)
	}
	if cfg.PWMFreqHz <= 0 {
		cfg.PWMFreqHz = DefaultPWMFreqHz
	}

	for _, pin := range []int{cfg.In1Pin, cfg.In2Pin} {
		if err := g.SetupPin(pin, gpio.Output); err != nil {
			return nil, fmt.Errorf("dcmotor: setup pin %d: %w", pin, err)
		}
		if err := g.WritePin(pin, gpio.Low); err != nil {
			return nil, fmt.Errorf("dcmotor: write pin %d: %w", pin, err)
		}
	}

	m := &Motor{gpio: g, cfg: cfg}

	err := g.SetupPWM(cfg.EnablePin, cfg.PWMFreqHz)
	switch {
	case errors.Is(err, gpio.ErrNoHardwarePWM):
		debug.Verbose("dcmotor: software PWM on pin %d at %d Hz", cfg.EnablePin, cfg.PWMFreqHz)
		if err := g.SetupPin(cfg.EnablePin, gpio.Output); err != nil {
			return nil, fmt.Errorf("dcmotor: setup pin %d: %w", cfg.EnablePin, err)
		}
		m.soft = newSoftPWM(g, cfg.EnablePin, cfg.PWMFreqHz)
	case err != nil:
		return nil, fmt.Errorf("dcmotor: setup PWM on pin %d: %w", cfg.EnablePin, err)
	}

	return m, nil
}

// SetDirection drives IN1/IN2. Clockwise is IN1 HIGH, IN2 LOW.
func (m *Motor) SetDirection(clockwise bool) error {
	in1, in2 := gpio.Low, gpio.High
	if clockwise {
		in1, in2 = gpio.High, gpio.Low
	}
	if err := m.gpio.WritePin(m.cfg.In1Pin, in1); err != nil {
		return err
	}
	return m.gpio.WritePin(m.cfg.In2Pin, in2)
}

// SetSpeed sets the PWM duty cycle on the enable line, clamped to [0,100].
func (m *Motor) SetSpeed(percent int) error {
	percent = gpio.ClampPercent(percent)
	if m.soft != nil {
		return m.soft.set(percent)
	}
	return m.gpio.SetDutyCycle(m.cfg.EnablePin, percent)
}

// Stop cuts the enable line. The motor coasts.
func (m *Motor) Stop() error {
	return m.SetSpeed(0)
}

// Close stops the motor and releases both bridge inputs.
// The GPIO driver itself is owned by the caller.
func (m *Motor) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	err := m.Stop()
	if m.soft != nil {
		err = multierr.Append(err, m.soft.close())
	}
	err = multierr.Append(err, m.gpio.WritePin(m.cfg.In1Pin, gpio.Low))
	err = multierr.Append(err, m.gpio.WritePin(m.cfg.In2Pin, gpio.Low))
	return err
}

// softPWM toggles a plain output pin at a fixed period.
type softPWM struct {
	g      gpio.Driver
	pin    int
	period time.Duration

	mu   sync.Mutex
	duty int
	err  error

	stop chan struct{}
	done chan struct{}
}

func newSoftPWM(g gpio.Driver, pin, freqHz int) *softPWM {
	p := &softPWM{
		g:      g,
		pin:    pin,
		period: time.Second / time.Duration(freqHz),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *softPWM) set(percent int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.duty = percent
	err := p.err
	p.err = nil
	return err
}

func (p *softPWM) close() error {
	close(p.stop)
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *softPWM) run() {
	defer close(p.done)

	level := gpio.Low
	write := func(l gpio.Level) {
		if l == level {
			return
		}
		if err := p.g.WritePin(p.pin, l); err != nil {
			p.mu.Lock()
			p.err = err
			p.mu.Unlock()
			return
		}
		level = l
	}

	for {
		select {
		case <-p.stop:
			level = gpio.High
			write(gpio.Low)
			return
		default:
		}

		p.mu.Lock()
		duty := p.duty
		p.mu.Unlock()

		switch {
		case duty <= 0:
			write(gpio.Low)
			time.Sleep(p.period)
		case duty >= 100:
			write(gpio.High)
			time.Sleep(p.period)
		default:
			on := p.period * time.Duration(duty) / 100
			write(gpio.High)
			time.Sleep(on)
			write(gpio.Low)
			time.Sleep(p.period - on)
		}
	}
}
