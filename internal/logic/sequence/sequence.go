// Package sequence runs ordered lists of relative moves across the axes of
// a motion controller.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cjeanneret/PosiGo/internal/debug"
	"github.com/cjeanneret/PosiGo/internal/logic/motion"
	"github.com/cjeanneret/PosiGo/internal/logic/position"
)

// DefaultDwell is the pause between consecutive steps.
const DefaultDwell = 100 * time.Millisecond

// Step is one instruction of a sequence.
type Step struct {
	Axis      string // empty = first registered axis
	Degrees   float64
	Speed     int
	Clockwise bool
	Dwell     time.Duration // pause after this step; 0 = runner default
	Retries   int           // extra attempts for the remaining distance after a timeout
}

// Result records what one step did.
type Result struct {
	Step     Step
	Axis     string
	Outcomes []position.Outcome // one per attempt
}

// Reached reports whether the last attempt reached its target.
func (r Result) Reached() bool {
	return len(r.Outcomes) > 0 && r.Outcomes[len(r.Outcomes)-1].ReachedTarget
}

// ActualSteps sums the pulses travelled over all attempts.
func (r Result) ActualSteps() int64 {
	var n int64
	for _, o := range r.Outcomes {
		n += o.ActualSteps
	}
	return n
}

// Runner executes sequences on a motion controller.
type Runner struct {
	motion *motion.Controller
	Dwell  time.Duration
}

func NewRunner(m *motion.Controller) *Runner {
	return &Runner{
		motion: m,
		Dwell:  DefaultDwell,
	}
}

// Run executes steps in order. It stops at the first fault or when ctx is
// cancelled, returning the results gathered so far. A step that times out
// is not an error: it is retried for the remaining distance and then
// reported as unreached.
func (r *Runner) Run(ctx context.Context, steps []Step) ([]Result, error) {
	debug.Section("Sequence")
	debug.Value("Steps", len(steps))

	_ = r.motion.EnableMotors()

	results := make([]Result, 0, len(steps))
	for i, st := range steps {
		select {
		case <-ctx.Done():
			return results, ctx.Err()
		default:
		}

		name, err := r.axisName(st.Axis)
		if err != nil {
			return results, fmt.Errorf("step %d: %w", i+1, err)
		}
		debug.Step(i+1, fmt.Sprintf("%s %.2f° %s at %d%%", name, st.Degrees, turn(st.Clockwise), st.Speed))

		res, err := r.runStep(ctx, name, st)
		results = append(results, res)
		if err != nil {
			return results, fmt.Errorf("step %d (%s): %w", i+1, name, err)
		}
		if last := res.Outcomes[len(res.Outcomes)-1]; last.Cancelled {
			return results, ctx.Err()
		}

		dwell := st.Dwell
		if dwell <= 0 {
			dwell = r.Dwell
		}
		if i < len(steps)-1 && dwell > 0 {
			if err := sleep(ctx, dwell); err != nil {
				return results, err
			}
		}
	}

	debug.Summary("Sequence complete")
	return results, nil
}

func (r *Runner) runStep(ctx context.Context, name string, st Step) (Result, error) {
	res := Result{Step: st, Axis: name}
	axis, err := r.motion.Axis(name)
	if err != nil {
		return res, err
	}

	req := position.Request{Degrees: st.Degrees, Speed: st.Speed, Clockwise: st.Clockwise}
	for attempt := 0; ; attempt++ {
		out, err := axis.Move(ctx, req)
		res.Outcomes = append(res.Outcomes, out)
		if err != nil {
			return res, err
		}
		if !out.TimedOut || attempt >= st.Retries {
			return res, nil
		}

		residual := out.Residual()
		if residual == 0 {
			return res, nil
		}
		debug.Live("Axis %s: timed out %d pulses short, retry %d/%d", name, residual, attempt+1, st.Retries)
		req = position.Request{
			Degrees:   axis.DegreesFor(abs64(residual)),
			Speed:     st.Speed,
			Clockwise: residual > 0,
		}
	}
}

func (r *Runner) axisName(name string) (string, error) {
	if name != "" {
		return name, nil
	}
	axes := r.motion.Axes()
	if len(axes) == 0 {
		return "", errors.New("no axis configured")
	}
	return axes[0], nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func turn(clockwise bool) string {
	if clockwise {
		return "cw"
	}
	return "ccw"
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
