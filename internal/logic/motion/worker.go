package motion

import (
	"sync"

	"github.com/cjeanneret/ZenArm/internal/debug"
	"github.com/cjeanneret/ZenArm/internal/hw/stepper"
)

// stepJob is one move handed to an axis worker. done receives exactly one
// value when the motor has finished.
type stepJob struct {
	move stepper.Move
	done chan<- error
}

// axisWorker owns one motor for the lifetime of a Sequencer. Moves for that
// motor are executed one at a time, in submission order.
type axisWorker struct {
	name  string
	motor Motor
	jobs  chan stepJob
}

func startAxisWorker(name string, m Motor, wg *sync.WaitGroup) *axisWorker {
	w := &axisWorker{
		name:  name,
		motor: m,
		jobs:  make(chan stepJob),
	}
	wg.Add(1)
	go w.loop(wg)
	return w
}

func (w *axisWorker) loop(wg *sync.WaitGroup) {
	defer wg.Done()
	for job := range w.jobs {
		job.done <- w.motor.Step(job.move)
	}
	debug.Trace("axis worker %s stopped", w.name)
}

// submit hands m to the worker and returns the channel its result arrives on.
func (w *axisWorker) submit(m stepper.Move) <-chan error {
	done := make(chan error, 1)
	w.jobs <- stepJob{move: m, done: done}
	return done
}

func (w *axisWorker) stop() {
	close(w.jobs)
}
