package gpio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cjeanneret/PosiGo/internal/debug"
)

// Level represents the logical state of a GPIO pin.
type Level bool

const (
	Low  Level = false
	High Level = true
)

// PinMode indicates how a GPIO is used.
type PinMode int

const (
	Input PinMode = iota
	Output
	InputPullUp // input with the internal pull-up enabled (open-collector encoders)
	PWM         // hardware PWM output
)

func (m PinMode) String() string {
	switch m {
	case Input:
		return "input"
	case Output:
		return "output"
	case InputPullUp:
		return "input-pullup"
	case PWM:
		return "pwm"
	default:
		return fmt.Sprintf("PinMode(%d)", int(m))
	}
}

// ErrNoHardwarePWM is returned by SetupPWM for pins the backend cannot
// drive with a hardware PWM channel.
var ErrNoHardwarePWM = errors.New("no hardware PWM")

// Backend names accepted by NewDriver.
const (
	BackendMock   = "mock"
	BackendRPi    = "rpio"
	BackendPeriph = "periph"
)

// Driver defines the abstract interface for controlling GPIOs.
// This allows plugging in a real Raspberry Pi implementation
// or a mock for development on PC.
type Driver interface {
	SetupPin(pin int, mode PinMode) error
	WritePin(pin int, level Level) error
	ReadPin(pin int) (Level, error)
	// SetupPWM configures pin as a PWM output running at freqHz.
	SetupPWM(pin int, freqHz int) error
	// SetDutyCycle sets the duty cycle of a PWM pin in percent (0-100).
	SetDutyCycle(pin int, percent int) error
	Close() error
}

// NewDriver creates a GPIO driver for the given backend.
// An empty backend selects the mock driver.
func NewDriver(backend string) (Driver, error) {
	switch backend {
	case "", BackendMock:
		debug.Info("Using MOCK GPIO driver (development mode)")
		return NewMockDriver(), nil
	case BackendRPi:
		return NewRPiRealDriver()
	case BackendPeriph:
		return NewPeriphDriver()
	default:
		return nil, fmt.Errorf("unknown gpio backend: %q", backend)
	}
}

// ClampPercent limits a duty cycle to [0,100].
func ClampPercent(percent int) int {
	if percent < 0 {
		return 0
	}
	if percent > 100 {
		return 100
	}
	return percent
}

// MockDriver is a test implementation that logs actions and remembers
// the last written level and duty cycle of every pin.
// Used for development on PC or testing.
type MockDriver struct {
	mu     sync.Mutex
	levels map[int]Level
	duty   map[int]int
}

// NewMockDriver returns an empty MockDriver.
func NewMockDriver() *MockDriver {
	return &MockDriver{
		levels: make(map[int]Level),
		duty:   make(map[int]int),
	}
}

func (m *MockDriver) init() {
	if m.levels == nil {
		m.levels = make(map[int]Level)
		m.duty = make(map[int]int)
	}
}

func (m *MockDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)
	return nil
}

func (m *MockDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	m.levels[pin] = level
	return nil
}

func (m *MockDriver) ReadPin(pin int) (Level, error) {
	debug.GPIO("ReadPin", pin, nil)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	return m.levels[pin], nil
}

func (m *MockDriver) SetupPWM(pin int, freqHz int) error {
	debug.GPIO("SetupPWM", pin, freqHz)
	return nil
}

func (m *MockDriver) SetDutyCycle(pin int, percent int) error {
	debug.GPIO("SetDutyCycle", pin, percent)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	m.duty[pin] = ClampPercent(percent)
	return nil
}

// DutyCycle returns the last duty cycle written to pin.
func (m *MockDriver) DutyCycle(pin int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	return m.duty[pin]
}

func (m *MockDriver) Close() error {
	debug.Trace("GPIO Close (mock)")
	return nil
}
