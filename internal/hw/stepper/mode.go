package stepper

import (
	"fmt"
	"time"
)

// Mode is the A4988 step resolution.
type Mode string

const (
	Full      Mode = "Full"
	Half      Mode = "Half"
	Quarter   Mode = "1/4"
	Eighth    Mode = "1/8"
	Sixteenth Mode = "1/16"
)

// resolution holds the MS1/MS2/MS3 levels and the shaft angle of one
// step for a 1.8° motor.
type resolution struct {
	ms      [3]bool
	degrees float64
}

var resolutions = map[Mode]resolution{
	Full:      {ms: [3]bool{false, false, false}, degrees: 1.8},
	Half:      {ms: [3]bool{true, false, false}, degrees: 0.9},
	Quarter:   {ms: [3]bool{false, true, false}, degrees: 0.45},
	Eighth:    {ms: [3]bool{true, true, false}, degrees: 0.225},
	Sixteenth: {ms: [3]bool{true, true, true}, degrees: 0.1125},
}

// ParseMode validates a step mode name such as "Full" or "1/8".
func ParseMode(s string) (Mode, error) {
	m := Mode(s)
	if _, ok := resolutions[m]; !ok {
		return "", fmt.Errorf("unknown step mode %q (want Full, Half, 1/4, 1/8 or 1/16)", s)
	}
	return m, nil
}

// DegreesPerStep returns the rotation produced by one step in this mode.
func (m Mode) DegreesPerStep() float64 {
	return resolutions[m].degrees
}

// Move is one blocking step command for a single motor.
type Move struct {
	Clockwise  bool
	Mode       Mode
	Steps      int           // non-negative
	PulseDelay time.Duration // delay per half-cycle of STEP pulse
	Verbose    bool          // log a summary once the move is done
	InitDelay  time.Duration // settle time after setting DIR and resolution
}

// Validate checks that the move can be handed to a driver.
func (m Move) Validate() error {
	if m.Steps < 0 {
		return fmt.Errorf("step count must be >= 0, got %d", m.Steps)
	}
	if _, ok := resolutions[m.Mode]; !ok {
		return fmt.Errorf("unknown step mode %q", m.Mode)
	}
	if m.PulseDelay < 0 || m.InitDelay < 0 {
		return fmt.Errorf("delays must be >= 0 (pulse=%v, init=%v)", m.PulseDelay, m.InitDelay)
	}
	return nil
}
