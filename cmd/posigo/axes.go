package main

import (
	"fmt"
	"io"

	"github.com/cjeanneret/PosiGo/internal/config"
	"github.com/cjeanneret/PosiGo/internal/debug"
	"github.com/cjeanneret/PosiGo/internal/hw/dcmotor"
	"github.com/cjeanneret/PosiGo/internal/hw/encoder"
	"github.com/cjeanneret/PosiGo/internal/hw/gpio"
	"github.com/cjeanneret/PosiGo/internal/hw/sim"
	"github.com/cjeanneret/PosiGo/internal/hw/stepper"
	"github.com/cjeanneret/PosiGo/internal/logic/motion"
	"github.com/cjeanneret/PosiGo/internal/logic/position"
	"github.com/cjeanneret/PosiGo/internal/monitor"
	"go.uber.org/multierr"
)

// buildMotion creates one position controller per configured axis.
// Axes already built are shut down when a later one fails.
func buildMotion(g gpio.Driver, cfg *config.Config, mon *monitor.Broadcaster) (*motion.Controller, error) {
	m, err := motion.NewController()
	if err != nil {
		return nil, err
	}
	for _, a := range cfg.Axes {
		axis, err := buildAxis(g, a, mon)
		if err == nil {
			err = m.Add(axis)
		}
		if err != nil {
			return nil, multierr.Append(fmt.Errorf("axis %s: %w", a.Name, err), m.Shutdown())
		}
		debug.PrintStruct(fmt.Sprintf("Axis %s", a.Name), a)
	}
	return m, nil
}

// buildAxis wires the actuator and encoder selected by the configuration.
func buildAxis(g gpio.Driver, a config.AxisConfig, mon *monitor.Broadcaster) (*position.Controller, error) {
	pc := positionConfig(a, mon)

	var (
		act position.Actuator
		enc position.EncoderSource
	)
	switch a.Motor.Type {
	case config.MotorSim:
		m := sim.NewMotor(simConfig(a.Motor))
		pc.Clock = m
		act, enc = m, m

	case config.MotorTB6600:
		s := stepper.NewStepper(g, stepper.Config{
			StepPin:       a.Motor.StepPin,
			DirPin:        a.Motor.DirPin,
			EnablePin:     a.Motor.EnablePin,
			StepsPerRev:   a.Motor.StepsPerRev,
			Microstepping: a.Motor.Microstepping,
			MinStepDelay:  a.Motor.MinStepDelay(),
		})
		act, enc = s, s

	case config.MotorL298N:
		dc, err := dcmotor.New(g, dcmotor.Config{
			EnablePin: a.Motor.EnablePin,
			In1Pin:    a.Motor.In1Pin,
			In2Pin:    a.Motor.In2Pin,
			PWMFreqHz: a.Motor.PWMFreqHz,
		})
		if err != nil {
			return nil, err
		}
		act = dc

	default:
		return nil, fmt.Errorf("unsupported motor type: %s", a.Motor.Type)
	}

	if a.Encoder.Type == config.EncoderPoll || a.Encoder.Type == config.EncoderCdev {
		e, err := newEncoder(g, a.Encoder)
		if err != nil {
			return nil, multierr.Append(err, closeAll(act))
		}
		enc = e
	}

	ctrl, err := position.New(enc, act, pc)
	if err != nil {
		owned := []any{act}
		if any(enc) != any(act) {
			owned = append(owned, enc)
		}
		return nil, multierr.Append(err, closeAll(owned...))
	}
	return ctrl, nil
}

func closeAll(items ...any) error {
	var err error
	for _, it := range items {
		if c, ok := it.(io.Closer); ok {
			err = multierr.Append(err, c.Close())
		}
	}
	return err
}

// newEncoder opens a GPIO encoder of the configured type.
func newEncoder(g gpio.Driver, e config.EncoderConfig) (position.EncoderSource, error) {
	switch e.Type {
	case config.EncoderPoll:
		return encoder.NewSampler(g, e.APin, e.BPin)
	case config.EncoderCdev:
		return encoder.NewCdevSource(encoder.CdevConfig{
			Chip:     e.Chip,
			APin:     e.APin,
			BPin:     e.BPin,
			Debounce: e.Debounce(),
		})
	default:
		return nil, fmt.Errorf("unsupported encoder type: %s", e.Type)
	}
}

func positionConfig(a config.AxisConfig, mon *monitor.Broadcaster) position.Config {
	c := a.Control
	return position.Config{
		Name:                a.Name,
		StepsPerRevolution:  a.Encoder.StepsPerRevolution,
		SingleChannel:       a.Encoder.SingleChannel(),
		MinSpeed:            c.MinSpeed,
		DecelWindow:         c.DecelWindow(),
		Timeout:             c.Timeout(),
		PollInterval:        c.PollInterval(),
		CorrectionPulse:     c.CorrectionPulse(),
		FineAdjustThreshold: c.FineAdjustThreshold,
		FineAdjustTimeout:   c.FineAdjustTimeout(),
		MaxCorrections:      c.MaxCorrections,
		Monitor:             mon,
	}
}

// simConfig runs the simulator on the wall clock so moves take real time.
func simConfig(m config.MotorConfig) sim.Config {
	cfg := sim.Config{RealTime: true}
	if rate := m.SimRate; rate > 0 {
		cfg.Rate = func(int) float64 { return rate }
	}
	return cfg
}
