package main

import (
	"bytes"
	"context"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/cjeanneret/PosiGo/internal/config"
	"github.com/cjeanneret/PosiGo/internal/hw/gpio"
	"github.com/cjeanneret/PosiGo/internal/logic/position"
	"github.com/cjeanneret/PosiGo/internal/monitor"
)

// ---------- validateCLIOverrides ----------

func TestValidateCLIOverrides_Valid(t *testing.T) {
	cases := []struct {
		name    string
		degrees float64
		speed   int
	}{
		{"zero", 0, 0},
		{"positive", 90, 60},
		{"negative_degrees", -45, 100},
		{"multi_turn", 1080, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := validateCLIOverrides(tc.degrees, tc.speed); err != nil {
				t.Errorf("expected valid, got: %v", err)
			}
		})
	}
}

func TestValidateCLIOverrides_Invalid(t *testing.T) {
	cases := []struct {
		name    string
		degrees float64
		speed   int
	}{
		{"nan", math.NaN(), 50},
		{"pos_inf", math.Inf(1), 50},
		{"neg_inf", math.Inf(-1), 50},
		{"speed_negative", 90, -1},
		{"speed_too_large", 90, 101},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := validateCLIOverrides(tc.degrees, tc.speed); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

// ---------- config conversion ----------

func newTestConfig() *config.Config {
	return &config.Config{
		Axes: []config.AxisConfig{{
			Name:    "worm",
			Motor:   config.MotorConfig{Type: config.MotorSim},
			Encoder: config.EncoderConfig{Type: config.EncoderSim, StepsPerRevolution: 360},
		}},
		Sequence: []config.StepConfig{
			{Degrees: 10, Clockwise: true},
			{Axis: "worm", Degrees: 5, Speed: 30, DwellMs: 20, Retries: 2},
		},
		Defaults: config.DefaultsConfig{Speed: 60, DwellMs: 1, GPIOBackend: "mock"},
	}
}

func TestToSteps_FillsDefaultSpeed(t *testing.T) {
	steps := toSteps(newTestConfig())
	if len(steps) != 2 {
		t.Fatalf("got %d steps, want 2", len(steps))
	}
	if steps[0].Speed != 60 || steps[0].Axis != "" || !steps[0].Clockwise {
		t.Errorf("step 1 = %+v", steps[0])
	}
	if steps[1].Speed != 30 || steps[1].Dwell != 20*time.Millisecond || steps[1].Retries != 2 {
		t.Errorf("step 2 = %+v", steps[1])
	}
}

func TestPositionConfig(t *testing.T) {
	a := config.AxisConfig{
		Name:    "lift",
		Encoder: config.EncoderConfig{Type: config.EncoderPoll, APin: 17, StepsPerRevolution: 600},
		Control: config.ControlConfig{
			MinSpeed:           25,
			DecelWindowPercent: 40,
			TimeoutMs:          5000,
			MaxCorrections:     -1,
		},
	}
	mon := monitor.NewBroadcaster()
	pc := positionConfig(a, mon)
	if pc.Name != "lift" || pc.StepsPerRevolution != 600 || !pc.SingleChannel {
		t.Errorf("identity fields = %+v", pc)
	}
	if pc.MinSpeed != 25 || pc.DecelWindow != 0.4 || pc.Timeout != 5*time.Second || pc.MaxCorrections != -1 {
		t.Errorf("tuning fields = %+v", pc)
	}
	if pc.Monitor != mon {
		t.Error("monitor not passed through")
	}
}

func TestFormatOutcome(t *testing.T) {
	cases := []struct {
		out  position.Outcome
		want string
	}{
		{position.Outcome{ReachedTarget: true, ActualSteps: 90, TargetSteps: 90}, "reached"},
		{position.Outcome{TimedOut: true}, "timed out"},
		{position.Outcome{Cancelled: true}, "cancelled"},
		{position.Outcome{}, "missed"},
	}
	for _, tc := range cases {
		if got := formatOutcome("worm", tc.out); !strings.Contains(got, tc.want) {
			t.Errorf("formatOutcome(%+v) = %q, want it to contain %q", tc.out, got, tc.want)
		}
	}
}

// ---------- axis wiring ----------

func TestBuildMotion_AllMotorTypes(t *testing.T) {
	cfg := &config.Config{Axes: []config.AxisConfig{
		{
			Name:    "sim",
			Motor:   config.MotorConfig{Type: config.MotorSim, SimRate: 500},
			Encoder: config.EncoderConfig{Type: config.EncoderSim, StepsPerRevolution: 360},
		},
		{
			Name:    "worm",
			Motor:   config.MotorConfig{Type: config.MotorL298N, EnablePin: 22, In1Pin: 23, In2Pin: 24, PWMFreqHz: 1000},
			Encoder: config.EncoderConfig{Type: config.EncoderPoll, APin: 17, BPin: 27, StepsPerRevolution: 1200},
		},
		{
			Name:    "lift",
			Motor:   config.MotorConfig{Type: config.MotorTB6600, StepPin: 20, DirPin: 21, StepsPerRev: 200, Microstepping: 1, MinStepDelayUs: 500},
			Encoder: config.EncoderConfig{Type: config.EncoderStep, StepsPerRevolution: 200},
		},
	}}

	m, err := buildMotion(gpio.NewMockDriver(), cfg, nil)
	if err != nil {
		t.Fatalf("buildMotion: %v", err)
	}
	defer m.Shutdown()

	got := m.Axes()
	if strings.Join(got, ",") != "sim,worm,lift" {
		t.Errorf("Axes = %v, want [sim worm lift]", got)
	}
	lift, _ := m.Axis("lift")
	if steps := lift.StepsFor(360); steps != 200 {
		t.Errorf("lift StepsFor(360) = %d, want 200", steps)
	}
}

func TestBuildMotion_FailureReleasesBuiltAxes(t *testing.T) {
	cfg := &config.Config{Axes: []config.AxisConfig{
		{
			Name:    "ok",
			Motor:   config.MotorConfig{Type: config.MotorSim},
			Encoder: config.EncoderConfig{Type: config.EncoderSim, StepsPerRevolution: 360},
		},
		{
			Name:    "broken",
			Motor:   config.MotorConfig{Type: config.MotorL298N, EnablePin: 22, In1Pin: 23, In2Pin: 24, PWMFreqHz: 1000},
			Encoder: config.EncoderConfig{Type: config.EncoderCdev, Chip: "gpiochip-missing", APin: 17, StepsPerRevolution: 100},
		},
	}}
	if _, err := buildMotion(gpio.NewMockDriver(), cfg, nil); err == nil {
		t.Fatal("expected error for an unavailable gpio chip, got nil")
	} else if !strings.Contains(err.Error(), "axis broken") {
		t.Errorf("error %q does not name the failing axis", err)
	}
}

func TestBuildAxis_UnknownMotor(t *testing.T) {
	_, err := buildAxis(gpio.NewMockDriver(), config.AxisConfig{Name: "x", Motor: config.MotorConfig{Type: "servo"}}, nil)
	if err == nil {
		t.Error("expected error for unknown motor type, got nil")
	}
}

// ---------- execution ----------

func TestExecuteMove_Sim(t *testing.T) {
	cfg := newTestConfig()
	m, err := buildMotion(gpio.NewMockDriver(), cfg, nil)
	if err != nil {
		t.Fatalf("buildMotion: %v", err)
	}
	defer m.Shutdown()

	var out bytes.Buffer
	req := position.Request{Degrees: 9, Clockwise: true}
	if err := executeMove(context.Background(), cfg, m, "", req, &out); err != nil {
		t.Fatalf("executeMove: %v", err)
	}
	if !strings.Contains(out.String(), "worm: reached") {
		t.Errorf("output = %q, want a reached worm move", out.String())
	}
}

func TestExecuteSequence_Sim(t *testing.T) {
	cfg := newTestConfig()
	m, err := buildMotion(gpio.NewMockDriver(), cfg, nil)
	if err != nil {
		t.Fatalf("buildMotion: %v", err)
	}
	defer m.Shutdown()

	var out bytes.Buffer
	if err := executeSequence(context.Background(), cfg, m, &out); err != nil {
		t.Fatalf("executeSequence: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d output lines, want 2: %q", len(lines), out.String())
	}
	for _, l := range lines {
		if !strings.Contains(l, "reached") {
			t.Errorf("step line %q not reached", l)
		}
	}
}

func TestExecuteSequence_Empty(t *testing.T) {
	cfg := newTestConfig()
	cfg.Sequence = nil
	m, err := buildMotion(gpio.NewMockDriver(), cfg, nil)
	if err != nil {
		t.Fatalf("buildMotion: %v", err)
	}
	defer m.Shutdown()

	if err := executeSequence(context.Background(), cfg, m, &bytes.Buffer{}); err == nil {
		t.Error("expected error for empty sequence, got nil")
	}
}

func TestPrintEvents(t *testing.T) {
	mon := monitor.NewBroadcaster()
	var out bytes.Buffer
	stop := printEvents(mon, &out)
	mon.Publish(monitor.Event{Axis: "worm", State: "cruising", Target: 90})
	stop()

	if !strings.Contains(out.String(), `"state":"cruising"`) {
		t.Errorf("output = %q, want the published event", out.String())
	}
}
