// Package sim provides a simulated DC motor with a quadrature encoder on its
// shaft. It runs on a virtual clock so closed-loop behavior can be
// exercised deterministically on a development machine.
package sim

import (
	"sync"
	"time"

	"github.com/cjeanneret/PosiGo/internal/debug"
)

// Clockwise gray sequence seen on the A/B channels.
var phases = [4]struct{ a, b bool }{
	{false, false},
	{false, true},
	{true, true},
	{true, false},
}

// DefaultRate is the shaft speed in pulses per second at any non-zero duty
// cycle when Config.Rate is nil: one pulse per millisecond.
const DefaultRate = 1000.0

// Config tunes the simulated mechanics.
type Config struct {
	// Rate returns the shaft speed in pulses per second at a duty cycle.
	Rate func(speed int) float64
	// Stalled motors never turn, whatever they are commanded.
	Stalled bool
	// RealTime makes Sleep wait on the wall clock as well.
	RealTime bool
	// Start is the initial virtual time. Zero means time.Now().
	Start time.Time
}

// Motor implements the actuator, encoder source and clock capabilities.
type Motor struct {
	mu        sync.Mutex
	cfg       Config
	now       time.Time
	clockwise bool
	speed     int
	phase     int
	position  int64
	carry     float64
	watchers  []func(a, b bool)
	pulses    []func(dir int)

	fault       error
	sampleFault error
	closed      bool

	commands   int
	stops      int
	speeds     []int
	directions []bool
}

// NewMotor returns a stopped motor at position zero, turning clockwise.
func NewMotor(cfg Config) *Motor {
	if cfg.Start.IsZero() {
		cfg.Start = time.Now()
	}
	return &Motor{
		cfg:       cfg,
		now:       cfg.Start,
		clockwise: true,
	}
}

// --- actuator ---

func (m *Motor) SetDirection(clockwise bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands++
	if m.fault != nil {
		return m.fault
	}
	m.clockwise = clockwise
	m.directions = append(m.directions, clockwise)
	return nil
}

func (m *Motor) SetSpeed(percent int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands++
	if m.fault != nil {
		return m.fault
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	m.speed = percent
	m.speeds = append(m.speeds, percent)
	return nil
}

func (m *Motor) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops++
	if m.fault != nil {
		return m.fault
	}
	m.speed = 0
	m.carry = 0
	return nil
}

// Close releases the motor. The simulation has nothing to free.
func (m *Motor) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// --- encoder ---

func (m *Motor) Sample() (bool, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sampleFault != nil {
		return false, false, m.sampleFault
	}
	p := phases[m.phase]
	return p.a, p.b, nil
}

// Watch registers fn to receive every channel change.
func (m *Motor) Watch(fn func(a, b bool)) error {
	m.mu.Lock()
	m.watchers = append(m.watchers, fn)
	m.mu.Unlock()
	return nil
}

// OnPulse registers fn to receive the direction of every pulse.
func (m *Motor) OnPulse(fn func(dir int)) error {
	m.mu.Lock()
	m.pulses = append(m.pulses, fn)
	m.mu.Unlock()
	return nil
}

// --- clock ---

func (m *Motor) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Sleep advances virtual time by d and turns the shaft accordingly.
func (m *Motor) Sleep(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	n := m.advance(d)
	var states [][2]bool
	dir := -1
	if m.clockwise {
		dir = 1
	}
	for i := 0; i < n; i++ {
		if m.clockwise {
			m.phase = (m.phase + 1) % 4
			m.position++
		} else {
			m.phase = (m.phase + 3) % 4
			m.position--
		}
		p := phases[m.phase]
		states = append(states, [2]bool{p.a, p.b})
	}
	watchers := append([]func(a, b bool){}, m.watchers...)
	pulses := append([]func(int){}, m.pulses...)
	realTime := m.cfg.RealTime
	m.mu.Unlock()

	for _, s := range states {
		for _, fn := range watchers {
			fn(s[0], s[1])
		}
		for _, fn := range pulses {
			fn(dir)
		}
	}
	if n > 0 && debug.IsEnabled(debug.LevelTrace) {
		debug.Trace("sim: %d pulses in %v", n, d)
	}
	if realTime {
		time.Sleep(d)
	}
}

// advance returns the whole pulses travelled during d. Callers hold mu.
func (m *Motor) advance(d time.Duration) int {
	if m.speed <= 0 || m.cfg.Stalled {
		return 0
	}
	rate := DefaultRate
	if m.cfg.Rate != nil {
		rate = m.cfg.Rate(m.speed)
	}
	m.carry += rate * d.Seconds()
	n := int(m.carry + 1e-9)
	m.carry -= float64(n)
	if m.carry < 0 {
		m.carry = 0
	}
	return n
}

// --- fault injection and inspection ---

// Fail makes every subsequent actuator call return err (nil clears it).
func (m *Motor) Fail(err error) {
	m.mu.Lock()
	m.fault = err
	m.mu.Unlock()
}

// FailSample makes Sample return err (nil clears it).
func (m *Motor) FailSample(err error) {
	m.mu.Lock()
	m.sampleFault = err
	m.mu.Unlock()
}

// Position returns the true shaft position in pulses.
func (m *Motor) Position() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.position
}

// Speed returns the current duty cycle.
func (m *Motor) Speed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.speed
}

// Stops returns how many times Stop was called.
func (m *Motor) Stops() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stops
}

// Commands returns how many SetDirection and SetSpeed calls were made.
func (m *Motor) Commands() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commands
}

// Speeds returns every duty cycle commanded, in order.
func (m *Motor) Speeds() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.speeds...)
}

// Directions returns every direction commanded, in order (true = clockwise).
func (m *Motor) Directions() []bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]bool(nil), m.directions...)
}

// Closed reports whether Close was called.
func (m *Motor) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Poller hides Watch so a controller has to poll the motor's encoder.
type Poller struct {
	M *Motor
}

func (p Poller) Sample() (bool, bool, error) {
	return p.M.Sample()
}

// Pulser exposes the motor as a source of already-decoded pulses, like an
// encoder counted by an interrupt handler.
type Pulser struct {
	M *Motor
}

func (p Pulser) Sample() (bool, bool, error) {
	return p.M.Sample()
}

func (p Pulser) OnPulse(fn func(dir int)) error {
	return p.M.OnPulse(fn)
}
