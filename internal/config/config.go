package config

import (
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxConfigFileBytes bounds the size of a configuration file.
const MaxConfigFileBytes = 1 << 20

// Motor types.
const (
	MotorL298N  = "l298n"  // brushed DC motor on an H-bridge
	MotorTB6600 = "tb6600" // stepper on a STEP/DIR driver (TB6600, A4988...)
	MotorSim    = "sim"    // simulated DC motor
)

// Encoder types.
const (
	EncoderPoll = "poll" // channels sampled through the GPIO driver
	EncoderCdev = "cdev" // edge events from the GPIO character device
	EncoderStep = "step" // the stepper's own step count
	EncoderSim  = "sim"  // the simulated motor's shaft
)

// MotorConfig describes the actuator of one axis. Pins are BCM numbers.
type MotorConfig struct {
	Type string `yaml:"type"`

	// l298n
	EnablePin int `yaml:"enable_pin"` // ENA (PWM). Also ENABLE (active LOW) for tb6600, 0 = not used.
	In1Pin    int `yaml:"in1_pin"`
	In2Pin    int `yaml:"in2_pin"`
	PWMFreqHz int `yaml:"pwm_freq_hz"`

	// tb6600
	StepPin        int `yaml:"step_pin"`
	DirPin         int `yaml:"dir_pin"`
	StepsPerRev    int `yaml:"steps_per_rev"`
	Microstepping  int `yaml:"microstepping"`
	MinStepDelayUs int `yaml:"min_step_delay_us"` // STEP half-cycle at 100% speed

	// sim
	SimRate float64 `yaml:"sim_rate"` // pulses per second while powered, 0 = simulator default
}

// EncoderConfig describes the position feedback of one axis.
type EncoderConfig struct {
	Type               string `yaml:"type"`
	APin               int    `yaml:"a_pin"`
	BPin               int    `yaml:"b_pin"` // 0 = single channel
	Chip               string `yaml:"chip"`  // cdev only, default gpiochip0
	StepsPerRevolution int    `yaml:"steps_per_revolution"`
	DebounceUs         int    `yaml:"debounce_us"`
}

// ControlConfig tunes the position loop. Zero values keep the controller
// defaults.
type ControlConfig struct {
	MinSpeed            int     `yaml:"min_speed"`
	DecelWindowPercent  float64 `yaml:"decel_window_percent"`
	TimeoutMs           int     `yaml:"timeout_ms"`
	PollIntervalMs      int     `yaml:"poll_interval_ms"`
	CorrectionPulseMs   int     `yaml:"correction_pulse_ms"`
	FineAdjustThreshold int     `yaml:"fine_adjust_threshold"`
	FineAdjustTimeoutMs int     `yaml:"fine_adjust_timeout_ms"`
	MaxCorrections      int     `yaml:"max_corrections"` // negative = unlimited
}

// AxisConfig is one motor with its encoder.
type AxisConfig struct {
	Name    string        `yaml:"name"`
	Motor   MotorConfig   `yaml:"motor"`
	Encoder EncoderConfig `yaml:"encoder"`
	Control ControlConfig `yaml:"control"`
}

// StepConfig is one instruction of the configured sequence.
type StepConfig struct {
	Axis      string  `yaml:"axis"` // empty = first axis
	Degrees   float64 `yaml:"degrees"`
	Speed     int     `yaml:"speed"` // 0 = defaults.speed
	Clockwise bool    `yaml:"clockwise"`
	DwellMs   int     `yaml:"dwell_ms"`
	Retries   int     `yaml:"retries"`
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	Speed       int    `yaml:"speed"`        // cruise duty cycle in percent (0-100)
	DwellMs     int    `yaml:"dwell_ms"`     // pause between sequence steps
	DebugLevel  int    `yaml:"debug_level"`  // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	GPIOBackend string `yaml:"gpio_backend"` // mock (dev/test), rpio or periph (Raspberry Pi)
}

// Config aggregates all application configuration.
type Config struct {
	Axes     []AxisConfig   `yaml:"axes"`
	Sequence []StepConfig   `yaml:"sequence"`
	Defaults DefaultsConfig `yaml:"defaults"`
}

// ValidateConfigPath checks that path names a .yaml file directly inside a
// directory called "configs", without any ".." element.
func ValidateConfigPath(path string) error {
	if path == "" {
		return fmt.Errorf("config path is empty")
	}
	for _, elem := range strings.Split(filepath.ToSlash(path), "/") {
		if elem == ".." {
			return fmt.Errorf("config path %q must not contain '..'", path)
		}
	}
	if filepath.Ext(path) != ".yaml" {
		return fmt.Errorf("config path %q must have a .yaml extension", path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	if parent := filepath.Base(filepath.Dir(abs)); parent != "configs" {
		return fmt.Errorf("config file must be inside a configs/ directory, got %q", parent)
	}
	return nil
}

// Load reads a YAML file and returns the configuration.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxConfigFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if len(data) > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file larger than %d bytes", MaxConfigFileBytes)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	// Defaults
	if c.Defaults.Speed == 0 {
		c.Defaults.Speed = 60 // reasonable default
	}
	if c.Defaults.Speed < 0 || c.Defaults.Speed > 100 {
		return fmt.Errorf("defaults.speed must be between 0 and 100, got %d", c.Defaults.Speed)
	}
	if c.Defaults.DwellMs <= 0 {
		c.Defaults.DwellMs = 100
	}
	if c.Defaults.DebugLevel < 0 || c.Defaults.DebugLevel > 4 {
		return fmt.Errorf("defaults.debug_level must be between 0 and 4, got %d", c.Defaults.DebugLevel)
	}
	switch c.Defaults.GPIOBackend {
	case "":
		c.Defaults.GPIOBackend = "mock"
	case "mock", "rpio", "periph":
	default:
		return fmt.Errorf("defaults.gpio_backend must be mock, rpio or periph, got %q", c.Defaults.GPIOBackend)
	}

	// Axes
	if len(c.Axes) == 0 {
		return fmt.Errorf("at least one axis is required")
	}
	seen := make(map[string]bool)
	for i := range c.Axes {
		a := &c.Axes[i]
		if a.Name == "" {
			a.Name = fmt.Sprintf("axis%d", i+1)
		}
		if seen[a.Name] {
			return fmt.Errorf("duplicate axis name %q", a.Name)
		}
		seen[a.Name] = true
		if err := a.validate(); err != nil {
			return fmt.Errorf("axis %q: %w", a.Name, err)
		}
	}

	// Sequence
	for i, s := range c.Sequence {
		if s.Axis != "" && !seen[s.Axis] {
			return fmt.Errorf("sequence[%d]: unknown axis %q", i, s.Axis)
		}
		if math.IsNaN(s.Degrees) || math.IsInf(s.Degrees, 0) {
			return fmt.Errorf("sequence[%d]: degrees must be finite", i)
		}
		if s.Speed < 0 || s.Speed > 100 {
			return fmt.Errorf("sequence[%d]: speed must be between 0 and 100, got %d", i, s.Speed)
		}
		if s.Retries < 0 {
			return fmt.Errorf("sequence[%d]: retries must be >= 0, got %d", i, s.Retries)
		}
	}
	return nil
}

func (a *AxisConfig) validate() error {
	m := &a.Motor
	e := &a.Encoder

	switch m.Type {
	case MotorL298N:
		if m.EnablePin <= 0 || m.In1Pin <= 0 || m.In2Pin <= 0 {
			return fmt.Errorf("motor.enable_pin, in1_pin and in2_pin are required for %s", m.Type)
		}
		if m.PWMFreqHz <= 0 {
			m.PWMFreqHz = 1000 // 1 kHz on the enable line
		}
		if e.Type == "" {
			e.Type = EncoderPoll
		}
	case MotorTB6600:
		if m.StepPin <= 0 || m.DirPin <= 0 {
			return fmt.Errorf("motor.step_pin and dir_pin are required for %s", m.Type)
		}
		if m.StepsPerRev <= 0 {
			return fmt.Errorf("motor.steps_per_rev must be > 0")
		}
		if m.Microstepping <= 0 {
			m.Microstepping = 1
		}
		if m.MinStepDelayUs <= 0 {
			m.MinStepDelayUs = 500
		}
		if e.Type == "" {
			e.Type = EncoderStep
		}
	case MotorSim:
		if m.SimRate < 0 {
			return fmt.Errorf("motor.sim_rate must be >= 0")
		}
		if e.Type == "" {
			e.Type = EncoderSim
		}
	default:
		return fmt.Errorf("motor.type must be %s, %s or %s, got %q", MotorL298N, MotorTB6600, MotorSim, m.Type)
	}

	switch e.Type {
	case EncoderPoll, EncoderCdev:
		if e.APin <= 0 {
			return fmt.Errorf("encoder.a_pin is required for %s", e.Type)
		}
		if m.Type == MotorSim {
			return fmt.Errorf("encoder.type %s cannot read a simulated motor", e.Type)
		}
	case EncoderStep:
		if m.Type != MotorTB6600 {
			return fmt.Errorf("encoder.type %s requires a %s motor", e.Type, MotorTB6600)
		}
		if e.StepsPerRevolution <= 0 {
			e.StepsPerRevolution = m.StepsPerRev * m.Microstepping
		}
	case EncoderSim:
		if m.Type != MotorSim {
			return fmt.Errorf("encoder.type %s requires a %s motor", e.Type, MotorSim)
		}
	default:
		return fmt.Errorf("encoder.type must be %s, %s, %s or %s, got %q", EncoderPoll, EncoderCdev, EncoderStep, EncoderSim, e.Type)
	}
	if e.StepsPerRevolution <= 0 {
		return fmt.Errorf("encoder.steps_per_revolution must be > 0")
	}
	if e.DebounceUs < 0 {
		return fmt.Errorf("encoder.debounce_us must be >= 0")
	}

	c := a.Control
	if c.MinSpeed < 0 || c.MinSpeed > 100 {
		return fmt.Errorf("control.min_speed must be between 0 and 100, got %d", c.MinSpeed)
	}
	if c.DecelWindowPercent < 0 || c.DecelWindowPercent > 100 {
		return fmt.Errorf("control.decel_window_percent must be between 0 and 100, got %.2f", c.DecelWindowPercent)
	}
	if c.TimeoutMs < 0 || c.PollIntervalMs < 0 || c.CorrectionPulseMs < 0 || c.FineAdjustTimeoutMs < 0 {
		return fmt.Errorf("control durations must be >= 0")
	}
	return nil
}

// Axis returns the configuration of the named axis.
func (c *Config) Axis(name string) (*AxisConfig, bool) {
	for i := range c.Axes {
		if c.Axes[i].Name == name {
			return &c.Axes[i], true
		}
	}
	return nil, false
}

// Dwell returns the default pause between sequence steps.
func (c *Config) Dwell() time.Duration {
	return ms(c.Defaults.DwellMs)
}

// SingleChannel reports whether only channel A of the encoder is wired.
func (e EncoderConfig) SingleChannel() bool {
	return (e.Type == EncoderPoll || e.Type == EncoderCdev) && e.BPin <= 0
}

// Debounce returns the edge debounce period.
func (e EncoderConfig) Debounce() time.Duration {
	return time.Duration(e.DebounceUs) * time.Microsecond
}

// MinStepDelay returns the STEP half-cycle at full speed.
func (m MotorConfig) MinStepDelay() time.Duration {
	return time.Duration(m.MinStepDelayUs) * time.Microsecond
}

// DecelWindow returns the deceleration window as a fraction of the move.
func (c ControlConfig) DecelWindow() float64 {
	return c.DecelWindowPercent / 100.0
}

// Timeout returns the main loop bound.
func (c ControlConfig) Timeout() time.Duration {
	return ms(c.TimeoutMs)
}

// PollInterval returns the loop sleep.
func (c ControlConfig) PollInterval() time.Duration {
	return ms(c.PollIntervalMs)
}

// CorrectionPulse returns the reverse pulse length on overshoot.
func (c ControlConfig) CorrectionPulse() time.Duration {
	return ms(c.CorrectionPulseMs)
}

// FineAdjustTimeout returns the bound on the fine adjustment pass.
func (c ControlConfig) FineAdjustTimeout() time.Duration {
	return ms(c.FineAdjustTimeoutMs)
}

// Dwell returns the pause after the step, 0 meaning the default.
func (s StepConfig) Dwell() time.Duration {
	return ms(s.DwellMs)
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
