// Package encoder reads quadrature shaft encoders wired to GPIO lines.
package encoder

import (
	"fmt"

	"github.com/cjeanneret/PosiGo/internal/hw/gpio"
)

// Sampler polls the encoder channels through a gpio.Driver.
// A zero B pin means only channel A is wired; B then always reads low.
type Sampler struct {
	gpio gpio.Driver
	aPin int
	bPin int
}

// NewSampler configures the channel pins as pulled-up inputs.
func NewSampler(g gpio.Driver, aPin, bPin int) (*Sampler, error) {
	if aPin <= 0 {
		return nil, fmt.Errorf("encoder: channel A pin is required")
	}
	for _, pin := range []int{aPin, bPin} {
		if pin <= 0 {
			continue
		}
		if err := g.SetupPin(pin, gpio.InputPullUp); err != nil {
			return nil, fmt.Errorf("encoder: setup pin %d: %w", pin, err)
		}
	}
	return &Sampler{gpio: g, aPin: aPin, bPin: bPin}, nil
}

// SingleChannel reports whether only channel A is wired.
func (s *Sampler) SingleChannel() bool {
	return s.bPin <= 0
}

// Sample reads both channels.
func (s *Sampler) Sample() (bool, bool, error) {
	a, err := s.gpio.ReadPin(s.aPin)
	if err != nil {
		return false, false, fmt.Errorf("read channel A (pin %d): %w", s.aPin, err)
	}
	if s.bPin <= 0 {
		return bool(a), false, nil
	}
	b, err := s.gpio.ReadPin(s.bPin)
	if err != nil {
		return false, false, fmt.Errorf("read channel B (pin %d): %w", s.bPin, err)
	}
	return bool(a), bool(b), nil
}
