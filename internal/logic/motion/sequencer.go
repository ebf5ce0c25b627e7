package motion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cjeanneret/ZenArm/internal/debug"
	"github.com/cjeanneret/ZenArm/internal/hw/stepper"
	"github.com/cjeanneret/ZenArm/internal/logic/geometry"
)

var (
	// ErrBusy is returned when Run is called while another run is in progress.
	ErrBusy = errors.New("sequencer: run already in progress")
	// ErrClosed is returned by Run after Close.
	ErrClosed = errors.New("sequencer: closed")
)

// Motor is the per-axis driver the sequencer commands. Step blocks until
// the physical motion is complete.
type Motor interface {
	Step(m stepper.Move) error
}

// Params are the motion parameters shared by every step command.
type Params struct {
	Mode       stepper.Mode
	PulseDelay time.Duration
	InitDelay  time.Duration
	Verbose    bool
}

// DefaultParams returns full-step mode, 5ms pulse delay and 50ms init delay.
func DefaultParams() Params {
	return Params{
		Mode:       stepper.Full,
		PulseDelay: 5 * time.Millisecond,
		InitDelay:  50 * time.Millisecond,
	}
}

// Directions holds the rotation sense of each motor (true = clockwise).
type Directions struct {
	Bicep   bool
	Forearm bool
}

// Command describes the pair of step commands issued while processing a point.
type Command struct {
	Index      int                // index of the point being processed
	Point      geometry.Point     // the point being processed
	Steps      geometry.StepDelta // magnitudes sent to each motor
	Directions Directions         // direction of each motor for this command
}

// Sequencer drives the bicep and forearm motors through a path, one point
// at a time, waiting for both motors before moving on.
//
// The command issued for point i carries the delta computed at point i-1,
// so the first point sends zero steps and the delta of the last point is
// never sent. Directions start clockwise and switch to counter-clockwise
// the first time an axis gets a positive delta; they never switch back.
type Sequencer struct {
	params Params

	// OnCommand, if set, is called from Run before each command pair is sent.
	OnCommand func(Command)

	bicep   *axisWorker
	forearm *axisWorker
	workers sync.WaitGroup

	runMu  sync.Mutex // held for the duration of Run and Close
	closed bool

	mu       sync.Mutex // guards the fields below for the accessors
	position geometry.Position
	prev     geometry.StepDelta
	dirs     Directions
}

// NewSequencer starts one worker per motor. Call Close to stop them.
func NewSequencer(bicep, forearm Motor, params Params) *Sequencer {
	s := &Sequencer{params: params}
	s.bicep = startAxisWorker("bicep", bicep, &s.workers)
	s.forearm = startAxisWorker("forearm", forearm, &s.workers)
	s.reset()
	return s
}

// Params returns the motion parameters used for every command.
func (s *Sequencer) Params() Params {
	return s.params
}

// Position returns the absolute position reached by the last processed point.
func (s *Sequencer) Position() geometry.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}

// Directions returns the current direction flags.
func (s *Sequencer) Directions() Directions {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirs
}

// Pending returns the delta computed for the last point, which the next
// point would have sent.
func (s *Sequencer) Pending() geometry.StepDelta {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prev
}

func (s *Sequencer) reset() {
	s.mu.Lock()
	s.position = geometry.Position{}
	s.prev = geometry.StepDelta{}
	s.dirs = Directions{Bicep: true, Forearm: true}
	s.mu.Unlock()
}

// Run processes points in order starting from position (0, 0). ctx is
// checked between points only; a command pair already sent always runs
// to completion. A motor error ends the run once both motors are done.
func (s *Sequencer) Run(ctx context.Context, points []geometry.Point) error {
	if !s.runMu.TryLock() {
		return ErrBusy
	}
	defer s.runMu.Unlock()
	if s.closed {
		return ErrClosed
	}

	s.reset()
	debug.Info("Sequencer: running %d points", len(points))

	for i, p := range points {
		if err := ctx.Err(); err != nil {
			debug.Info("Sequencer: stopped before point %d: %v", i+1, err)
			return err
		}
		if err := s.advance(i, len(points), p); err != nil {
			return err
		}
	}

	debug.Info("Sequencer: done, position %+v", s.Position())
	return nil
}

// advance sends the pending command pair, computes the delta for p while
// the motors run, then waits for both motors.
func (s *Sequencer) advance(i, total int, p geometry.Point) error {
	s.mu.Lock()
	cmd := Command{
		Index:      i,
		Point:      p,
		Steps:      s.prev.Abs(),
		Directions: s.dirs,
	}
	cur := s.position
	s.mu.Unlock()

	debug.Point(i+1, total, p.X, p.Y)
	if s.OnCommand != nil {
		s.OnCommand(cmd)
	}

	bicepDone := s.bicep.submit(s.move(cmd.Directions.Bicep, cmd.Steps.Bicep))
	forearmDone := s.forearm.submit(s.move(cmd.Directions.Forearm, cmd.Steps.Forearm))

	delta, next := geometry.Translate(p, cur)
	s.mu.Lock()
	s.position = next
	if delta.Bicep > 0 {
		s.dirs.Bicep = false
	}
	if delta.Forearm > 0 {
		s.dirs.Forearm = false
	}
	s.prev = delta
	dirs := s.dirs
	s.mu.Unlock()
	debug.Verbose("Point %d: delta %+v, directions %+v", i+1, delta, dirs)

	bicepErr := <-bicepDone
	forearmErr := <-forearmDone
	if bicepErr == nil && forearmErr == nil {
		return nil
	}
	if bicepErr != nil {
		bicepErr = fmt.Errorf("bicep: %w", bicepErr)
	}
	if forearmErr != nil {
		forearmErr = fmt.Errorf("forearm: %w", forearmErr)
	}
	err := fmt.Errorf("point %d %v: %w", i+1, p, errors.Join(bicepErr, forearmErr))
	debug.Error(err)
	return err
}

func (s *Sequencer) move(clockwise bool, steps int) stepper.Move {
	return stepper.Move{
		Clockwise:  clockwise,
		Mode:       s.params.Mode,
		Steps:      steps,
		PulseDelay: s.params.PulseDelay,
		Verbose:    s.params.Verbose,
		InitDelay:  s.params.InitDelay,
	}
}

// Close waits for any run in progress, then stops both workers.
func (s *Sequencer) Close() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.bicep.stop()
	s.forearm.stop()
	s.workers.Wait()
}
