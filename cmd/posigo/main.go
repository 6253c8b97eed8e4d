package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/cjeanneret/PosiGo/internal/config"
	"github.com/cjeanneret/PosiGo/internal/debug"
	"github.com/cjeanneret/PosiGo/internal/hw/gpio"
	"github.com/cjeanneret/PosiGo/internal/logic/motion"
	"github.com/cjeanneret/PosiGo/internal/logic/position"
	"github.com/cjeanneret/PosiGo/internal/logic/sequence"
	"github.com/cjeanneret/PosiGo/internal/monitor"
	"go.uber.org/multierr"
)

func main() {
	// CLI flags
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	axisName := flag.String("axis", "", "axis to move (default: first configured axis)")
	degrees := flag.Float64("degrees", 0, "rotate by this many degrees; negative reverses the direction")
	speed := flag.Int("speed", 0, "cruise speed in percent (0 = defaults.speed)")
	ccw := flag.Bool("ccw", false, "rotate counter-clockwise")
	runSequence := flag.Bool("sequence", false, "run the sequence from the config file instead of a single move")
	watch := flag.Bool("watch", false, "print controller state changes as JSON lines")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := config.ValidateConfigPath(*cfgPath); err != nil {
		log.Fatalf("invalid config path: %v", err)
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}
	if err := validateCLIOverrides(*degrees, *speed); err != nil {
		log.Fatalf("invalid CLI override: %v", err)
	}

	// Initialize debug system
	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)
	debug.Value("GPIO backend", cfg.Defaults.GPIOBackend)

	opts := runOptions{
		axis:     *axisName,
		sequence: *runSequence,
		watch:    *watch,
		request: position.Request{
			Degrees:   *degrees,
			Speed:     *speed,
			Clockwise: !*ccw,
		},
	}
	if err := run(ctx, cfg, opts); err != nil {
		log.Fatalf("%v", err)
	}
}

type runOptions struct {
	axis     string
	sequence bool
	watch    bool
	request  position.Request
}

// run owns the hardware for one invocation: every motor is stopped and
// released before it returns, whatever the outcome.
func run(ctx context.Context, cfg *config.Config, opts runOptions) (err error) {
	debug.Step(1, "Initializing GPIO driver")
	gpioDriver, err := gpio.NewDriver(cfg.Defaults.GPIOBackend)
	if err != nil {
		return fmt.Errorf("init GPIO failed: %w", err)
	}
	defer func() {
		if cerr := gpioDriver.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("closing GPIO driver failed: %w", cerr))
		}
	}()

	var mon *monitor.Broadcaster
	if opts.watch {
		mon = monitor.NewBroadcaster()
		stop := printEvents(mon, os.Stdout)
		defer stop()
	}

	debug.Step(2, "Initializing axes")
	motionCtrl, err := buildMotion(gpioDriver, cfg, mon)
	if err != nil {
		return fmt.Errorf("init axes failed: %w", err)
	}
	defer func() {
		if serr := motionCtrl.Shutdown(); serr != nil {
			err = multierr.Append(err, fmt.Errorf("shutdown failed: %w", serr))
		}
	}()

	if opts.sequence {
		return executeSequence(ctx, cfg, motionCtrl, os.Stdout)
	}
	return executeMove(ctx, cfg, motionCtrl, opts.axis, opts.request, os.Stdout)
}

// executeMove runs one relative move and prints its outcome.
func executeMove(ctx context.Context, cfg *config.Config, m *motion.Controller, name string, req position.Request, w io.Writer) error {
	if name == "" {
		name = m.Axes()[0]
	}
	if req.Speed == 0 {
		req.Speed = cfg.Defaults.Speed
	}

	debug.Step(3, fmt.Sprintf("Moving %s by %.2f°", name, req.Degrees))
	out, err := m.Move(ctx, name, req)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, formatOutcome(name, out))
	return nil
}

// executeSequence runs the configured sequence and prints one line per step.
func executeSequence(ctx context.Context, cfg *config.Config, m *motion.Controller, w io.Writer) error {
	if len(cfg.Sequence) == 0 {
		return fmt.Errorf("no sequence configured")
	}
	runner := sequence.NewRunner(m)
	runner.Dwell = cfg.Dwell()

	debug.Step(3, "Running sequence")
	results, err := runner.Run(ctx, toSteps(cfg))
	for i, res := range results {
		if len(res.Outcomes) == 0 {
			continue
		}
		last := res.Outcomes[len(res.Outcomes)-1]
		fmt.Fprintf(w, "step %d: %s (%d attempts, %d steps total)\n", i+1, formatOutcome(res.Axis, last), len(res.Outcomes), res.ActualSteps())
	}
	return err
}

// toSteps converts the configured sequence, filling in the default speed.
func toSteps(cfg *config.Config) []sequence.Step {
	steps := make([]sequence.Step, 0, len(cfg.Sequence))
	for _, s := range cfg.Sequence {
		speed := s.Speed
		if speed == 0 {
			speed = cfg.Defaults.Speed
		}
		steps = append(steps, sequence.Step{
			Axis:      s.Axis,
			Degrees:   s.Degrees,
			Speed:     speed,
			Clockwise: s.Clockwise,
			Dwell:     s.Dwell(),
			Retries:   s.Retries,
		})
	}
	return steps
}

func formatOutcome(axis string, out position.Outcome) string {
	status := "reached"
	switch {
	case out.Cancelled:
		status = "cancelled"
	case out.TimedOut:
		status = "timed out"
	case !out.ReachedTarget:
		status = "missed"
	}
	return fmt.Sprintf("%s: %s, %d/%d steps, %d corrections, %v",
		axis, status, out.ActualSteps, out.TargetSteps, out.Corrections, out.Elapsed.Round(time.Millisecond))
}

// printEvents writes monitor events to w until the returned func is called.
func printEvents(mon *monitor.Broadcaster, w io.Writer) func() {
	events, unsubscribe := mon.Subscribe()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for evt := range events {
			fmt.Fprintln(w, evt.JSON())
		}
	}()
	return func() {
		unsubscribe()
		wg.Wait()
	}
}

// validateCLIOverrides checks the move flags.
// Zero speed means "use config default".
func validateCLIOverrides(degrees float64, speed int) error {
	if math.IsNaN(degrees) || math.IsInf(degrees, 0) {
		return fmt.Errorf("degrees must be a finite number, got %g", degrees)
	}
	if speed < 0 || speed > 100 {
		return fmt.Errorf("speed must be between 0 and 100, got %d", speed)
	}
	return nil
}
