package motion

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cjeanneret/ZenArm/internal/debug"
	"github.com/cjeanneret/ZenArm/internal/hw/stepper"
	"github.com/cjeanneret/ZenArm/internal/logic/geometry"
)

// event is a start or end of a Step call, stamped with a global sequence number.
type event struct {
	seq   int64
	start bool
	move  stepper.Move
}

var clock int64

// recordingMotor records every Step call. fail, if set, decides per call
// (1-based) whether to return an error.
type recordingMotor struct {
	mu     sync.Mutex
	moves  []stepper.Move
	events []event
	delay  time.Duration
	fail   func(call int) error
}

func (m *recordingMotor) Step(mv stepper.Move) error {
	m.mu.Lock()
	m.moves = append(m.moves, mv)
	call := len(m.moves)
	m.events = append(m.events, event{seq: atomic.AddInt64(&clock, 1), start: true, move: mv})
	m.mu.Unlock()

	time.Sleep(m.delay)

	m.mu.Lock()
	m.events = append(m.events, event{seq: atomic.AddInt64(&clock, 1), move: mv})
	m.mu.Unlock()
	if m.fail != nil {
		return m.fail(call)
	}
	return nil
}

func (m *recordingMotor) steps() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, len(m.moves))
	for i, mv := range m.moves {
		out[i] = mv.Steps
	}
	return out
}

func (m *recordingMotor) directions() []bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]bool, len(m.moves))
	for i, mv := range m.moves {
		out[i] = mv.Clockwise
	}
	return out
}

func newTestSequencer(t *testing.T) (*Sequencer, *recordingMotor, *recordingMotor) {
	t.Helper()
	bicep, forearm := &recordingMotor{}, &recordingMotor{}
	s := NewSequencer(bicep, forearm, DefaultParams())
	t.Cleanup(s.Close)
	return s, bicep, forearm
}

func pts(xy ...int) []geometry.Point {
	out := make([]geometry.Point, 0, len(xy)/2)
	for i := 0; i+1 < len(xy); i += 2 {
		out = append(out, geometry.Point{X: xy[i], Y: xy[i+1]})
	}
	return out
}

func TestRun_ThreePointScenario(t *testing.T) {
	s, bicep, forearm := newTestSequencer(t)

	var cmds []Command
	s.OnCommand = func(c Command) { cmds = append(cmds, c) }

	require.NoError(t, s.Run(context.Background(), pts(0, 0, 10, 5, 10, 0)))

	// deltas: (0,0) (-10,-5) (0,5), each sent one point later.
	assert.Equal(t, []int{0, 0, 10}, bicep.steps())
	assert.Equal(t, []int{0, 0, 5}, forearm.steps())
	assert.Equal(t, []bool{true, true, true}, bicep.directions())
	assert.Equal(t, []bool{true, true, true}, forearm.directions())

	require.Len(t, cmds, 3)
	assert.Equal(t, geometry.StepDelta{Bicep: 10, Forearm: 5}, cmds[2].Steps)
	assert.Equal(t, Directions{Bicep: true, Forearm: true}, cmds[2].Directions)
	assert.Equal(t, geometry.Point{X: 10, Y: 0}, cmds[2].Point)

	// The delta of the last point flips the forearm after its command was sent.
	assert.Equal(t, Directions{Bicep: true, Forearm: false}, s.Directions())
	assert.Equal(t, geometry.Position{Bicep: 10, Forearm: 0}, s.Position())
	assert.Equal(t, geometry.StepDelta{Bicep: 0, Forearm: 5}, s.Pending())
}

func TestRun_EmptyPath(t *testing.T) {
	s, bicep, forearm := newTestSequencer(t)

	require.NoError(t, s.Run(context.Background(), nil))
	assert.Empty(t, bicep.steps())
	assert.Empty(t, forearm.steps())
	assert.Equal(t, geometry.Position{}, s.Position())
}

func TestRun_SinglePointSendsOnlyZeroMove(t *testing.T) {
	s, bicep, forearm := newTestSequencer(t)

	require.NoError(t, s.Run(context.Background(), pts(30, -20)))
	assert.Equal(t, []int{0}, bicep.steps())
	assert.Equal(t, []int{0}, forearm.steps())
	assert.Equal(t, geometry.Position{Bicep: 30, Forearm: -20}, s.Position())
	// The move to (30, -20) is computed but never sent.
	assert.Equal(t, geometry.StepDelta{Bicep: -30, Forearm: 20}, s.Pending())
}

func TestRun_CommandLagsOnePoint(t *testing.T) {
	s, bicep, forearm := newTestSequencer(t)
	path := pts(3, 4, -2, 9, 7, 7, 7, -1, 0, 0)

	var positions []geometry.Position
	s.OnCommand = func(c Command) {
		if c.Index > 0 {
			// Position is updated once per point, before the next command.
			positions = append(positions, s.Position())
		}
	}
	require.NoError(t, s.Run(context.Background(), path))

	b, f := bicep.steps(), forearm.steps()
	require.Len(t, b, len(path))
	assert.Equal(t, 0, b[0])
	assert.Equal(t, 0, f[0])
	// Command 1 carries the move from the origin to path[0].
	assert.Equal(t, abs(path[0].X), b[1])
	assert.Equal(t, abs(path[0].Y), f[1])
	for i := 2; i < len(path); i++ {
		assert.Equal(t, abs(path[i-2].X-path[i-1].X), b[i], "bicep command %d", i)
		assert.Equal(t, abs(path[i-2].Y-path[i-1].Y), f[i], "forearm command %d", i)
	}
	for i, pos := range positions {
		assert.Equal(t, geometry.PositionOf(path[i]), pos, "position after point %d", i)
	}
}

func TestRun_DirectionFlagsNeverReset(t *testing.T) {
	s, bicep, forearm := newTestSequencer(t)

	// deltas: (0,0) (-5,-5) (3,-3) (-7,7) (-1,-1)
	require.NoError(t, s.Run(context.Background(), pts(0, 0, 5, 5, 2, 8, 9, 1, 10, 2)))

	assert.Equal(t, []int{0, 0, 5, 3, 7}, bicep.steps())
	assert.Equal(t, []int{0, 0, 5, 3, 7}, forearm.steps())
	assert.Equal(t, []bool{true, true, true, false, false}, bicep.directions())
	assert.Equal(t, []bool{true, true, true, true, false}, forearm.directions())
	assert.Equal(t, Directions{}, s.Directions())
}

func TestRun_StateResetsBetweenRuns(t *testing.T) {
	s, bicep, _ := newTestSequencer(t)

	require.NoError(t, s.Run(context.Background(), pts(0, 0, 5, 5, 0, 0)))
	require.NoError(t, s.Run(context.Background(), pts(4, 4, 6, 6)))

	assert.Equal(t, []int{0, 0, 5, 0, 4}, bicep.steps())
	assert.Equal(t, []bool{true, true, true, true, true}, bicep.directions())
	assert.Equal(t, geometry.Position{Bicep: 6, Forearm: 6}, s.Position())
}

func TestRun_UsesParams(t *testing.T) {
	bicep, forearm := &recordingMotor{}, &recordingMotor{}
	params := Params{Mode: stepper.Half, PulseDelay: time.Millisecond, InitDelay: 2 * time.Millisecond, Verbose: true}
	s := NewSequencer(bicep, forearm, params)
	defer s.Close()

	require.NoError(t, s.Run(context.Background(), pts(1, 1)))
	want := stepper.Move{Clockwise: true, Mode: stepper.Half, Steps: 0, PulseDelay: time.Millisecond, Verbose: true, InitDelay: 2 * time.Millisecond}
	assert.Equal(t, []stepper.Move{want}, bicep.moves)
	assert.Equal(t, []stepper.Move{want}, forearm.moves)
	assert.Equal(t, params, s.Params())
}

func TestRun_MotorsRunConcurrently(t *testing.T) {
	var started sync.WaitGroup
	started.Add(2)
	release := make(chan struct{})
	bicep := &gatedMotor{started: &started, release: release}
	forearm := &gatedMotor{started: &started, release: release}
	s := NewSequencer(bicep, forearm, DefaultParams())
	defer s.Close()

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background(), pts(1, 1)) }()

	bothStarted := make(chan struct{})
	go func() { started.Wait(); close(bothStarted) }()
	select {
	case <-bothStarted:
		close(release)
	case <-time.After(2 * time.Second):
		close(release)
		t.Fatal("motors were not stepping at the same time")
	}
	require.NoError(t, <-done)
}

// gatedMotor signals started and blocks until release is closed.
type gatedMotor struct {
	started *sync.WaitGroup
	release chan struct{}
	once    sync.Once
}

func (m *gatedMotor) Step(stepper.Move) error {
	m.once.Do(m.started.Done)
	<-m.release
	return nil
}

func TestRun_BarrierBetweenPoints(t *testing.T) {
	bicep := &recordingMotor{delay: 5 * time.Millisecond}
	forearm := &recordingMotor{delay: 1 * time.Millisecond}
	s := NewSequencer(bicep, forearm, DefaultParams())
	defer s.Close()

	require.NoError(t, s.Run(context.Background(), pts(0, 0, 3, 3, 6, 0, 1, 1)))

	// Every Step of point i must end before any Step of point i+1 starts.
	for i := 0; i < 3; i++ {
		lastEnd := max(bicep.events[2*i+1].seq, forearm.events[2*i+1].seq)
		nextStart := min(bicep.events[2*i+2].seq, forearm.events[2*i+2].seq)
		assert.True(t, lastEnd < nextStart, "point %d overlaps point %d", i, i+1)
	}
}

func TestRun_MotorErrorIsFatal(t *testing.T) {
	errStuck := errors.New("stuck")
	bicep := &recordingMotor{delay: 2 * time.Millisecond}
	forearm := &recordingMotor{fail: func(call int) error {
		if call == 2 {
			return errStuck
		}
		return nil
	}}
	s := NewSequencer(bicep, forearm, DefaultParams())
	defer s.Close()

	err := s.Run(context.Background(), pts(0, 0, 4, 4, 8, 8, 9, 9))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errStuck))
	assert.Contains(t, err.Error(), "forearm")
	assert.Contains(t, err.Error(), "point 2")

	// The bicep finished its move for the failing point; nothing was sent after.
	assert.Len(t, bicep.steps(), 2)
	assert.Len(t, bicep.events, 4)
	assert.Len(t, forearm.steps(), 2)
}

func TestRun_BothMotorsFail(t *testing.T) {
	errB, errF := errors.New("bicep driver"), errors.New("forearm driver")
	bicep := &recordingMotor{fail: func(int) error { return errB }}
	forearm := &recordingMotor{fail: func(int) error { return errF }}
	s := NewSequencer(bicep, forearm, DefaultParams())
	defer s.Close()

	err := s.Run(context.Background(), pts(1, 1, 2, 2))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errB))
	assert.True(t, errors.Is(err, errF))
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	s, bicep, _ := newTestSequencer(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Run(ctx, pts(1, 1, 2, 2))
	assert.Equal(t, context.Canceled, err)
	assert.Empty(t, bicep.steps())
}

func TestRun_CancelTakesEffectAtBarrier(t *testing.T) {
	s, bicep, forearm := newTestSequencer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.OnCommand = func(c Command) {
		if c.Index == 1 {
			cancel()
		}
	}
	err := s.Run(ctx, pts(0, 0, 5, 5, 9, 9, 1, 1))
	assert.Equal(t, context.Canceled, err)
	// The pair sent for point 1 completed; point 2 was never sent.
	assert.Equal(t, []int{0, 0}, bicep.steps())
	assert.Equal(t, []int{0, 0}, forearm.steps())
	assert.Equal(t, geometry.Position{Bicep: 5, Forearm: 5}, s.Position())
}

func TestRun_BusyWhileRunning(t *testing.T) {
	var started sync.WaitGroup
	started.Add(2)
	release := make(chan struct{})
	s := NewSequencer(&gatedMotor{started: &started, release: release}, &gatedMotor{started: &started, release: release}, DefaultParams())
	defer s.Close()

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background(), pts(1, 1)) }()
	started.Wait()

	assert.Equal(t, ErrBusy, s.Run(context.Background(), pts(2, 2)))
	close(release)
	require.NoError(t, <-done)
}

func TestRun_AfterClose(t *testing.T) {
	s := NewSequencer(&recordingMotor{}, &recordingMotor{}, DefaultParams())
	s.Close()
	s.Close() // idempotent

	assert.Equal(t, ErrClosed, s.Run(context.Background(), pts(1, 1)))
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func TestRun_WorkersDoNotLogMoves(t *testing.T) {
	var buf bytes.Buffer
	debug.SetOutput(&buf)
	debug.Init(debug.LevelLive)
	defer func() {
		debug.Init(debug.LevelOff)
		debug.SetOutput(io.Discard)
	}()

	s, _, _ := newTestSequencer(t)
	require.NoError(t, s.Run(context.Background(), pts(0, 0, 4, 4, 1, 1)))

	// Motor commands are reported through OnCommand only.
	assert.Equal(t, 0, strings.Count(buf.String(), "Motor "), buf.String())
	assert.Equal(t, 3, strings.Count(buf.String(), "Point "), buf.String())
}
