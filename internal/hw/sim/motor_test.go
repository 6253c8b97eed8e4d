package sim

import (
	"errors"
	"testing"
	"time"

	"github.com/cjeanneret/PosiGo/internal/logic/quadrature"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestMotor_IdleDoesNotTurn(t *testing.T) {
	m := NewMotor(Config{Start: epoch})
	m.Sleep(time.Second)
	if m.Position() != 0 {
		t.Errorf("idle motor moved to %d", m.Position())
	}
	if got := m.Now(); !got.Equal(epoch.Add(time.Second)) {
		t.Errorf("Now() = %v, want start + 1s", got)
	}
}

func TestMotor_TurnsAtRate(t *testing.T) {
	m := NewMotor(Config{Start: epoch})
	_ = m.SetSpeed(50)
	m.Sleep(10 * time.Millisecond)
	if got := m.Position(); got != 10 {
		t.Errorf("Position() = %d after 10ms at default rate, want 10", got)
	}

	_ = m.SetDirection(false)
	m.Sleep(4 * time.Millisecond)
	if got := m.Position(); got != 6 {
		t.Errorf("Position() = %d after reversing 4ms, want 6", got)
	}
}

func TestMotor_FractionalRateCarries(t *testing.T) {
	m := NewMotor(Config{Start: epoch, Rate: func(int) float64 { return 250 }})
	_ = m.SetSpeed(100)
	for i := 0; i < 8; i++ {
		m.Sleep(time.Millisecond)
	}
	if got := m.Position(); got != 2 {
		t.Errorf("Position() = %d after 8ms at 250/s, want 2", got)
	}
}

func TestMotor_StopResetsCarry(t *testing.T) {
	m := NewMotor(Config{Start: epoch, Rate: func(int) float64 { return 500 }})
	_ = m.SetSpeed(100)
	m.Sleep(time.Millisecond) // half a pulse
	_ = m.Stop()
	_ = m.SetSpeed(100)
	m.Sleep(time.Millisecond)
	if got := m.Position(); got != 0 {
		t.Errorf("Position() = %d, carry should not survive Stop", got)
	}
	if m.Stops() != 1 {
		t.Errorf("Stops() = %d, want 1", m.Stops())
	}
}

func TestMotor_Stalled(t *testing.T) {
	m := NewMotor(Config{Start: epoch, Stalled: true})
	_ = m.SetSpeed(100)
	m.Sleep(time.Second)
	if m.Position() != 0 {
		t.Errorf("stalled motor moved to %d", m.Position())
	}
}

func TestMotor_SpeedClamped(t *testing.T) {
	m := NewMotor(Config{Start: epoch})
	_ = m.SetSpeed(150)
	_ = m.SetSpeed(-5)
	want := []int{100, 0}
	got := m.Speeds()
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("Speeds() = %v, want %v", got, want)
	}
}

func TestMotor_WatchDecodesPosition(t *testing.T) {
	m := NewMotor(Config{Start: epoch})
	d := quadrature.NewDecoder(quadrature.TwoChannel)
	a, b, _ := m.Sample()
	d.Seed(a, b)
	_ = m.Watch(func(a, b bool) { d.Update(a, b) })

	_ = m.SetSpeed(100)
	m.Sleep(37 * time.Millisecond)
	_ = m.SetDirection(false)
	m.Sleep(12 * time.Millisecond)

	if d.Position() != m.Position() || m.Position() != 25 {
		t.Errorf("decoded %d, shaft %d, want both 25", d.Position(), m.Position())
	}
}

func TestMotor_PollerHidesWatch(t *testing.T) {
	var src interface{} = Poller{M: NewMotor(Config{})}
	if _, ok := src.(interface{ Watch(func(a, b bool)) error }); ok {
		t.Error("Poller should not expose Watch")
	}
}

func TestMotor_FaultInjection(t *testing.T) {
	m := NewMotor(Config{Start: epoch})
	boom := errors.New("boom")

	m.Fail(boom)
	if err := m.SetSpeed(50); !errors.Is(err, boom) {
		t.Errorf("SetSpeed: err = %v, want boom", err)
	}
	if err := m.Stop(); !errors.Is(err, boom) {
		t.Errorf("Stop: err = %v, want boom", err)
	}
	m.Fail(nil)
	if err := m.SetDirection(true); err != nil {
		t.Errorf("SetDirection after clearing: %v", err)
	}

	m.FailSample(boom)
	if _, _, err := m.Sample(); !errors.Is(err, boom) {
		t.Errorf("Sample: err = %v, want boom", err)
	}
}

func TestMotor_Close(t *testing.T) {
	m := NewMotor(Config{})
	if m.Closed() {
		t.Fatal("new motor reports closed")
	}
	if err := m.Close(); err != nil || !m.Closed() {
		t.Errorf("Close() = %v, Closed() = %v", err, m.Closed())
	}
}
