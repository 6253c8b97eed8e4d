package gpio

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/cjeanneret/PosiGo/internal/debug"
	"go.uber.org/multierr"
	pgpio "periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"
)

// PeriphDriver implements Driver on top of periph.io. It works on any
// board periph supports and does not need /dev/mem for plain GPIO.
type PeriphDriver struct {
	mu   sync.Mutex
	pins map[int]pgpio.PinIO
	freq map[int]physic.Frequency
}

// NewPeriphDriver initializes the periph host drivers.
func NewPeriphDriver() (*PeriphDriver, error) {
	debug.Info("Initializing real GPIO driver (periph.io)")

	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("periph host init: %w", err)
	}

	return &PeriphDriver{
		pins: make(map[int]pgpio.PinIO),
		freq: make(map[int]physic.Frequency),
	}, nil
}

func (d *PeriphDriver) lookup(pin int) (pgpio.PinIO, error) {
	if p, ok := d.pins[pin]; ok {
		return p, nil
	}
	p := gpioreg.ByName(strconv.Itoa(pin))
	if p == nil {
		return nil, fmt.Errorf("gpio %d not found", pin)
	}
	d.pins[pin] = p
	return p, nil
}

func (d *PeriphDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)
	d.mu.Lock()
	defer d.mu.Unlock()

	p, err := d.lookup(pin)
	if err != nil {
		return err
	}

	switch mode {
	case Input:
		return p.In(pgpio.Float, pgpio.NoEdge)
	case InputPullUp:
		return p.In(pgpio.PullUp, pgpio.NoEdge)
	case Output:
		return p.Out(pgpio.Low)
	case PWM:
		return nil // configured on first SetDutyCycle
	default:
		return fmt.Errorf("unknown pin mode: %d", mode)
	}
}

func (d *PeriphDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)
	d.mu.Lock()
	defer d.mu.Unlock()

	p, err := d.lookup(pin)
	if err != nil {
		return err
	}
	if level == High {
		return p.Out(pgpio.High)
	}
	return p.Out(pgpio.Low)
}

func (d *PeriphDriver) ReadPin(pin int) (Level, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, err := d.lookup(pin)
	if err != nil {
		return Low, err
	}
	if p.Read() == pgpio.High {
		return High, nil
	}
	return Low, nil
}

func (d *PeriphDriver) SetupPWM(pin int, freqHz int) error {
	debug.GPIO("SetupPWM", pin, freqHz)
	if freqHz <= 0 {
		return fmt.Errorf("invalid PWM frequency %d Hz on pin %d", freqHz, pin)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.lookup(pin); err != nil {
		return err
	}
	d.freq[pin] = physic.Frequency(freqHz) * physic.Hertz
	return nil
}

func (d *PeriphDriver) SetDutyCycle(pin int, percent int) error {
	debug.GPIO("SetDutyCycle", pin, percent)
	d.mu.Lock()
	defer d.mu.Unlock()

	f, ok := d.freq[pin]
	if !ok {
		return fmt.Errorf("pin %d is not configured for PWM", pin)
	}
	p, err := d.lookup(pin)
	if err != nil {
		return err
	}
	duty := pgpio.Duty(int64(pgpio.DutyMax) * int64(ClampPercent(percent)) / 100)
	return p.PWM(duty, f)
}

func (d *PeriphDriver) Close() error {
	debug.Trace("GPIO Close (periph driver)")
	d.mu.Lock()
	defer d.mu.Unlock()

	var err error
	for pin, p := range d.pins {
		debug.Verbose("Halting pin %d", pin)
		if haltErr := p.Halt(); haltErr != nil {
			err = multierr.Append(err, fmt.Errorf("halt pin %d: %w", pin, haltErr))
		}
	}
	return err
}
