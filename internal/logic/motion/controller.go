package motion

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cjeanneret/PosiGo/internal/debug"
	"github.com/cjeanneret/PosiGo/internal/logic/position"
	"go.uber.org/multierr"
)

// ErrUnknownAxis is returned for a name no axis was registered under.
var ErrUnknownAxis = errors.New("unknown axis")

// Controller orchestrates moves across several independent axes, each
// driven by its own position controller. It's an intermediate layer
// between business logic (sequences, CLI) and the per-motor control loops.
type Controller struct {
	mu    sync.RWMutex
	axes  map[string]*position.Controller
	order []string
}

// NewController registers axes in order. Names must be unique.
func NewController(axes ...*position.Controller) (*Controller, error) {
	c := &Controller{axes: make(map[string]*position.Controller)}
	for _, a := range axes {
		if err := c.Add(a); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Add registers one more axis.
func (c *Controller) Add(axis *position.Controller) error {
	if axis == nil {
		return errors.New("motion: nil axis")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	name := axis.Name()
	if _, dup := c.axes[name]; dup {
		return fmt.Errorf("motion: axis %q already registered", name)
	}
	c.axes[name] = axis
	c.order = append(c.order, name)
	return nil
}

// Axis returns the controller registered under name.
func (c *Controller) Axis(name string) (*position.Controller, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.axes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAxis, name)
	}
	return a, nil
}

// Axes returns the axis names in registration order.
func (c *Controller) Axes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.order...)
}

// Move runs a single move on one axis.
func (c *Controller) Move(ctx context.Context, name string, req position.Request) (position.Outcome, error) {
	a, err := c.Axis(name)
	if err != nil {
		return position.Outcome{}, err
	}
	return a.Move(ctx, req)
}

// MoveAll runs one move per axis concurrently and waits for all of them.
// Errors are collected per axis; outcomes are returned for every axis
// that ran, including failed ones.
func (c *Controller) MoveAll(ctx context.Context, moves map[string]position.Request) (map[string]position.Outcome, error) {
	type result struct {
		name string
		out  position.Outcome
		err  error
	}

	axes := make(map[string]*position.Controller, len(moves))
	for name := range moves {
		a, err := c.Axis(name)
		if err != nil {
			return nil, err
		}
		axes[name] = a
	}

	results := make(chan result, len(moves))
	var wg sync.WaitGroup
	for name, req := range moves {
		wg.Add(1)
		go func(name string, a *position.Controller, req position.Request) {
			defer wg.Done()
			out, err := a.Move(ctx, req)
			results <- result{name: name, out: out, err: err}
		}(name, axes[name], req)
	}
	wg.Wait()
	close(results)

	outcomes := make(map[string]position.Outcome, len(moves))
	var err error
	for r := range results {
		outcomes[r.name] = r.out
		if r.err != nil {
			err = multierr.Append(err, fmt.Errorf("axis %s: %w", r.name, r.err))
		}
	}
	return outcomes, err
}

// EnableMotors powers every axis driver that has an enable line.
func (c *Controller) EnableMotors() error {
	var err error
	for _, a := range c.controllers() {
		err = multierr.Append(err, a.Enable())
	}
	return err
}

// DisableMotors releases holding torque on every axis that supports it.
func (c *Controller) DisableMotors() error {
	var err error
	for _, a := range c.controllers() {
		err = multierr.Append(err, a.Disable())
	}
	return err
}

// Shutdown stops and releases every axis, reporting all failures.
func (c *Controller) Shutdown() error {
	var err error
	for _, a := range c.controllers() {
		if e := a.Shutdown(); e != nil {
			err = multierr.Append(err, fmt.Errorf("axis %s: %w", a.Name(), e))
		}
	}
	debug.Verbose("All axes shut down")
	return err
}

func (c *Controller) controllers() []*position.Controller {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*position.Controller, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.axes[name])
	}
	return out
}
