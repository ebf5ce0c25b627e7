// Package serialmotor drives both arm motors through a motion co-processor
// attached on a serial line, instead of pulsing the A4988s from the Pi.
//
// Each command is one line:
//
//	STEP <axis> <cw 0|1> <mode> <steps> <pulse_us> <init_us>
//
// The device answers "ok <axis>" once the move is done, or
// "error <axis> <message>". Both axes share the port, so replies are
// routed by axis name and each axis has at most one command in flight.
package serialmotor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/tarm/serial"

	"github.com/cjeanneret/ZenArm/internal/debug"
	"github.com/cjeanneret/ZenArm/internal/hw/stepper"
)

// ErrLinkClosed is returned for commands issued or pending when the link goes down.
var ErrLinkClosed = errors.New("serial link closed")

// Link is a connection to the motion co-processor.
type Link struct {
	rw      io.ReadWriter
	timeout time.Duration

	wMx sync.Mutex

	mu      sync.Mutex
	pending map[string]chan error
	err     error // set once the read loop exits
}

// Open opens device at baud and starts reading replies. timeout is the
// slack allowed on top of the expected duration of each move.
func Open(device string, baud int, timeout time.Duration) (*Link, error) {
	port, err := serial.OpenPort(&serial.Config{
		Name: device,
		Baud: baud,
	})
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", device, err)
	}
	debug.Info("Serial motor link on %s @ %d baud", device, baud)
	return NewLink(port, timeout), nil
}

// NewLink wraps an already open connection.
func NewLink(rw io.ReadWriter, timeout time.Duration) *Link {
	l := &Link{
		rw:      rw,
		timeout: timeout,
		pending: make(map[string]chan error),
	}
	go l.readLoop()
	return l
}

// Motor returns the driver for one axis ("bicep" or "forearm").
func (l *Link) Motor(axis string) *Motor {
	return &Motor{link: l, axis: axis}
}

// Close closes the underlying connection if it is an io.Closer.
func (l *Link) Close() error {
	if c, ok := l.rw.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (l *Link) readLoop() {
	scan := bufio.NewScanner(l.rw)
	for scan.Scan() {
		line := strings.TrimSpace(scan.Text())
		debug.Trace("serial <- %q", line)
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "ok":
			l.deliver(fields[1], nil)
		case "error":
			msg := strings.Join(fields[2:], " ")
			l.deliver(fields[1], fmt.Errorf("device error: %s", msg))
		}
	}

	err := scan.Err()
	if err == nil {
		err = ErrLinkClosed
	} else {
		err = fmt.Errorf("%w: %v", ErrLinkClosed, err)
	}
	l.mu.Lock()
	l.err = err
	for axis, ch := range l.pending {
		ch <- err
		delete(l.pending, axis)
	}
	l.mu.Unlock()
}

func (l *Link) deliver(axis string, err error) {
	l.mu.Lock()
	ch, ok := l.pending[axis]
	delete(l.pending, axis)
	l.mu.Unlock()
	if !ok {
		debug.Verbose("serial: unexpected reply for axis %s", axis)
		return
	}
	ch <- err
}

func (l *Link) register(axis string) (chan error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	if _, busy := l.pending[axis]; busy {
		return nil, fmt.Errorf("axis %s: command already in flight", axis)
	}
	ch := make(chan error, 1)
	l.pending[axis] = ch
	return ch, nil
}

func (l *Link) forget(axis string, ch chan error) {
	l.mu.Lock()
	if l.pending[axis] == ch {
		delete(l.pending, axis)
	}
	l.mu.Unlock()
}

func (l *Link) writeLine(line string) error {
	l.wMx.Lock()
	defer l.wMx.Unlock()
	debug.Trace("serial -> %q", line)
	_, err := io.WriteString(l.rw, line+"\n")
	return err
}

// Motor is one axis on a Link. It satisfies motion.Motor.
type Motor struct {
	link *Link
	axis string
}

// Step sends the move and blocks until the device acknowledges it.
func (m *Motor) Step(mv stepper.Move) error {
	if err := mv.Validate(); err != nil {
		return fmt.Errorf("%s: %w", m.axis, err)
	}
	ch, err := m.link.register(m.axis)
	if err != nil {
		return err
	}

	if err := m.link.writeLine(FormatCommand(m.axis, mv)); err != nil {
		m.link.forget(m.axis, ch)
		return fmt.Errorf("%s: write command: %w", m.axis, err)
	}

	wait := expectedDuration(mv) + m.link.timeout
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case err := <-ch:
		if err != nil {
			return fmt.Errorf("%s: %w", m.axis, err)
		}
		return nil
	case <-timer.C:
		m.link.forget(m.axis, ch)
		return fmt.Errorf("%s: no reply within %v", m.axis, wait)
	}
}

// FormatCommand renders mv as a STEP line without the trailing newline.
func FormatCommand(axis string, mv stepper.Move) string {
	cw := 0
	if mv.Clockwise {
		cw = 1
	}
	return fmt.Sprintf("STEP %s %d %s %d %d %d",
		axis, cw, mv.Mode, mv.Steps, mv.PulseDelay.Microseconds(), mv.InitDelay.Microseconds())
}

// expectedDuration is how long the device needs to complete mv.
func expectedDuration(mv stepper.Move) time.Duration {
	return mv.InitDelay + time.Duration(mv.Steps)*2*mv.PulseDelay
}
