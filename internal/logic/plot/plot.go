package plot

import (
	"context"
	"errors"
	"fmt"

	"github.com/cjeanneret/ZenArm/internal/debug"
	"github.com/cjeanneret/ZenArm/internal/logic/design"
	"github.com/cjeanneret/ZenArm/internal/logic/geometry"
)

// Runner moves the arm through a path (see motion.Sequencer).
type Runner interface {
	Run(ctx context.Context, points []geometry.Point) error
}

// Enabler is implemented by motor drivers that can release holding torque.
type Enabler interface {
	Enable() error
	Disable() error
}

// Plotter contains the high-level logic for drawing a design: powering
// the motors, running the path, and releasing the arm afterwards.
type Plotter struct {
	runner Runner
	motors []Enabler
}

// NewPlotter creates a plotter. motors lists the drivers to enable for the
// duration of a drawing; drivers without an enable line can be omitted.
func NewPlotter(r Runner, motors ...Enabler) *Plotter {
	return &Plotter{
		runner: r,
		motors: motors,
	}
}

// Draw runs the drawing's path. Motors are disabled on return, even on error.
func (p *Plotter) Draw(ctx context.Context, d *design.Drawing) (err error) {
	path, err := d.Path()
	if err != nil {
		return fmt.Errorf("drawing %q: %w", d.Name, err)
	}

	debug.Summary(fmt.Sprintf("Drawing %q (id %d)", d.Name, d.ID))
	debug.Info("Path: %d points (%d strokes, only the first is drawn)", len(path), len(d.Strokes))

	if err := p.enable(); err != nil {
		return err
	}
	defer func() {
		if derr := p.disable(); derr != nil {
			err = errors.Join(err, derr)
		}
	}()

	if err := p.runner.Run(ctx, path); err != nil {
		return fmt.Errorf("drawing %q: %w", d.Name, err)
	}

	debug.Section("Drawing Complete")
	return nil
}

func (p *Plotter) enable() error {
	for i, m := range p.motors {
		if err := m.Enable(); err != nil {
			return fmt.Errorf("enable motor %d: %w", i, err)
		}
	}
	return nil
}

func (p *Plotter) disable() error {
	var errs []error
	for i, m := range p.motors {
		if err := m.Disable(); err != nil {
			errs = append(errs, fmt.Errorf("disable motor %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
