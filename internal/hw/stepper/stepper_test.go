package stepper

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cjeanneret/PosiGo/internal/hw/gpio"
	"github.com/cjeanneret/PosiGo/internal/logic/quadrature"
)

// recordingDriver records GPIO calls for verification. The pulse goroutine
// writes concurrently with the test, so calls are guarded.
type recordingDriver struct {
	mu       sync.Mutex
	calls    []gpioCall
	failPin  int
	failWith error
}

type gpioCall struct {
	op    string // "setup", "write"
	pin   int
	level gpio.Level
}

func (d *recordingDriver) SetupPin(pin int, mode gpio.PinMode) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, gpioCall{op: "setup", pin: pin})
	return nil
}

func (d *recordingDriver) WritePin(pin int, level gpio.Level) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failWith != nil && pin == d.failPin {
		return d.failWith
	}
	d.calls = append(d.calls, gpioCall{op: "write", pin: pin, level: level})
	return nil
}

func (d *recordingDriver) ReadPin(pin int) (gpio.Level, error) {
	return gpio.Low, nil
}

func (d *recordingDriver) SetupPWM(pin int, freqHz int) error {
	return nil
}

func (d *recordingDriver) SetDutyCycle(pin int, percent int) error {
	return nil
}

func (d *recordingDriver) Close() error {
	return nil
}

func (d *recordingDriver) reset() {
	d.mu.Lock()
	d.calls = nil
	d.mu.Unlock()
}

func (d *recordingDriver) writeCallsForPin(pin int) []gpioCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	var result []gpioCall
	for _, c := range d.calls {
		if c.op == "write" && c.pin == pin {
			result = append(result, c)
		}
	}
	return result
}

func testConfig() Config {
	return Config{
		StepPin:       17,
		DirPin:        27,
		EnablePin:     5,
		StepsPerRev:   200,
		Microstepping: 16,
		MinStepDelay:  10 * time.Microsecond,
	}
}

// counter decodes watcher callbacks into a position.
type counter struct {
	dec *quadrature.Decoder
}

func newCounter(s *Stepper) *counter {
	c := &counter{dec: quadrature.NewDecoder(quadrature.TwoChannel)}
	a, b, _ := s.Sample()
	c.dec.Seed(a, b)
	_ = s.Watch(func(a, b bool) { c.dec.Update(a, b) })
	return c
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 2s")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestNewStepper_EnablesDriver(t *testing.T) {
	drv := &recordingDriver{}
	NewStepper(drv, testConfig())

	writes := drv.writeCallsForPin(5)
	if len(writes) != 1 || writes[0].level != gpio.Low {
		t.Errorf("enable pin writes = %v, want a single LOW", writes)
	}
}

func TestStepper_StepsPerRevolution(t *testing.T) {
	s := NewStepper(&recordingDriver{}, testConfig())
	if got := s.StepsPerRevolution(); got != 3200 {
		t.Errorf("StepsPerRevolution = %d, want 3200", got)
	}

	cfg := testConfig()
	cfg.Microstepping = 0
	s = NewStepper(&recordingDriver{}, cfg)
	if got := s.StepsPerRevolution(); got != 200 {
		t.Errorf("StepsPerRevolution without microstepping = %d, want 200", got)
	}
}

func TestStepper_SetDirection(t *testing.T) {
	drv := &recordingDriver{}
	s := NewStepper(drv, testConfig())
	drv.reset()

	if err := s.SetDirection(true); err != nil {
		t.Fatalf("SetDirection(true): %v", err)
	}
	if err := s.SetDirection(false); err != nil {
		t.Fatalf("SetDirection(false): %v", err)
	}

	writes := drv.writeCallsForPin(27)
	if len(writes) != 2 || writes[0].level != gpio.High || writes[1].level != gpio.Low {
		t.Errorf("dir pin writes = %v, want HIGH then LOW", writes)
	}
}

func TestStepper_PulsesClockwise(t *testing.T) {
	drv := &recordingDriver{}
	s := NewStepper(drv, testConfig())
	c := newCounter(s)

	if err := s.SetDirection(true); err != nil {
		t.Fatalf("SetDirection: %v", err)
	}
	if err := s.SetSpeed(100); err != nil {
		t.Fatalf("SetSpeed: %v", err)
	}
	waitFor(t, func() bool { return c.dec.Position() >= 8 })
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	pos := c.dec.Position()
	pulses := drv.writeCallsForPin(17)
	// Each step is a HIGH then a LOW write.
	if int64(len(pulses)/2) != pos {
		t.Errorf("%d step pulses written, decoded position %d", len(pulses)/2, pos)
	}
	for i, w := range pulses {
		want := gpio.High
		if i%2 == 1 {
			want = gpio.Low
		}
		if w.level != want {
			t.Fatalf("step write %d = %v, want %v", i, w.level, want)
		}
	}

	time.Sleep(5 * time.Millisecond)
	if got := c.dec.Position(); got != pos {
		t.Errorf("position moved from %d to %d after Stop", pos, got)
	}
}

func TestStepper_PulsesCounterClockwise(t *testing.T) {
	s := NewStepper(&recordingDriver{}, testConfig())
	c := newCounter(s)

	if err := s.SetDirection(false); err != nil {
		t.Fatalf("SetDirection: %v", err)
	}
	if err := s.SetSpeed(50); err != nil {
		t.Fatalf("SetSpeed: %v", err)
	}
	waitFor(t, func() bool { return c.dec.Position() <= -4 })
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestStepper_SetSpeedZeroStops(t *testing.T) {
	drv := &recordingDriver{}
	s := NewStepper(drv, testConfig())
	c := newCounter(s)

	if err := s.SetSpeed(100); err != nil {
		t.Fatalf("SetSpeed: %v", err)
	}
	waitFor(t, func() bool { return c.dec.Position() >= 2 })
	if err := s.SetSpeed(0); err != nil {
		t.Fatalf("SetSpeed(0): %v", err)
	}
	pos := c.dec.Position()
	time.Sleep(5 * time.Millisecond)
	if got := c.dec.Position(); got != pos {
		t.Errorf("position moved from %d to %d after SetSpeed(0)", pos, got)
	}
}

func TestStepper_StopIdle(t *testing.T) {
	s := NewStepper(&recordingDriver{}, testConfig())
	if err := s.Stop(); err != nil {
		t.Errorf("Stop on idle stepper: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestStepper_PulseErrorSurfaced(t *testing.T) {
	boom := errors.New("boom")
	drv := &recordingDriver{failPin: 17, failWith: boom}
	s := NewStepper(drv, testConfig())

	if err := s.SetSpeed(100); err != nil {
		t.Fatalf("SetSpeed: %v", err)
	}
	// The failure is reported by the next call after the goroutine hits it.
	var err error
	waitFor(t, func() bool {
		err = s.SetDirection(true)
		return err != nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("SetDirection: err = %v, want the pulse error", err)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("error reported twice: %v", err)
	}
}

func TestStepper_EnableDisable(t *testing.T) {
	drv := &recordingDriver{}
	s := NewStepper(drv, testConfig())
	drv.reset()

	if err := s.Disable(); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if err := s.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}

	writes := drv.writeCallsForPin(5)
	if len(writes) != 2 || writes[0].level != gpio.High || writes[1].level != gpio.Low {
		t.Errorf("enable pin writes = %v, want HIGH (disable) then LOW (enable)", writes)
	}
}

func TestStepper_EnableDisableNoPin(t *testing.T) {
	drv := &recordingDriver{}
	cfg := testConfig()
	cfg.EnablePin = 0
	s := NewStepper(drv, cfg)
	drv.reset()

	if err := s.Enable(); err != nil {
		t.Errorf("Enable: %v", err)
	}
	if err := s.Disable(); err != nil {
		t.Errorf("Disable: %v", err)
	}
	if len(drv.writeCallsForPin(0)) != 0 {
		t.Error("wrote to pin 0 without an enable pin")
	}
}
