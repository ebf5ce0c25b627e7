package stepper

import (
	"fmt"
	"time"

	"github.com/cjeanneret/ZenArm/internal/debug"
	"github.com/cjeanneret/ZenArm/internal/hw/gpio"
)

// Config holds the pin assignment of one A4988 driver.
type Config struct {
	Name      string // "bicep" or "forearm", used in logs
	StepPin   int
	DirPin    int
	EnablePin int    // A4988 ENABLE pin (BCM). 0 = not used. Active LOW (LOW=enabled).
	MSPins    [3]int // MS1, MS2, MS3. 0 = hard-wired, not driven.
}

// A4988 drives one stepper motor through an A4988 carrier board.
type A4988 struct {
	gpio  gpio.Driver
	cfg   Config
	sleep func(time.Duration)
}

// NewA4988 configures the driver pins as outputs and enables the driver.
func NewA4988(g gpio.Driver, cfg Config) *A4988 {
	_ = g.SetupPin(cfg.StepPin, gpio.Output)
	_ = g.SetupPin(cfg.DirPin, gpio.Output)
	for _, pin := range cfg.MSPins {
		if pin > 0 {
			_ = g.SetupPin(pin, gpio.Output)
		}
	}

	a := &A4988{
		gpio:  g,
		cfg:   cfg,
		sleep: time.Sleep,
	}

	// A4988 ENABLE: active LOW. LOW = enabled, HIGH = disabled.
	if cfg.EnablePin > 0 {
		_ = g.SetupPin(cfg.EnablePin, gpio.Output)
		_ = g.WritePin(cfg.EnablePin, gpio.Low)
	}

	return a
}

// Name returns the configured motor name.
func (a *A4988) Name() string {
	return a.cfg.Name
}

// Step sets direction and resolution, waits InitDelay, then emits
// m.Steps pulses. It blocks until the last pulse has been sent.
// A zero-step move still latches DIR and resolution.
func (a *A4988) Step(m Move) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("%s: %w", a.cfg.Name, err)
	}

	if err := a.gpio.WritePin(a.cfg.DirPin, gpio.LevelOf(m.Clockwise)); err != nil {
		return fmt.Errorf("%s: set direction: %w", a.cfg.Name, err)
	}
	if err := a.setResolution(m.Mode); err != nil {
		return fmt.Errorf("%s: set resolution: %w", a.cfg.Name, err)
	}
	a.sleep(m.InitDelay)

	for i := 0; i < m.Steps; i++ {
		if err := a.stepPulse(m.PulseDelay); err != nil {
			return fmt.Errorf("%s: step %d/%d: %w", a.cfg.Name, i+1, m.Steps, err)
		}
	}

	if m.Verbose {
		debug.Verbose("Stepper %s: %d steps (%s), clockwise=%v, %.2f degrees, pulse delay %v",
			a.cfg.Name, m.Steps, m.Mode, m.Clockwise, float64(m.Steps)*m.Mode.DegreesPerStep(), m.PulseDelay)
	}
	return nil
}

func (a *A4988) setResolution(mode Mode) error {
	res := resolutions[mode]
	for i, pin := range a.cfg.MSPins {
		if pin <= 0 {
			continue
		}
		if err := a.gpio.WritePin(pin, gpio.LevelOf(res.ms[i])); err != nil {
			return err
		}
	}
	return nil
}

func (a *A4988) stepPulse(delay time.Duration) error {
	if err := a.gpio.WritePin(a.cfg.StepPin, gpio.High); err != nil {
		return err
	}
	a.sleep(delay)
	if err := a.gpio.WritePin(a.cfg.StepPin, gpio.Low); err != nil {
		return err
	}
	a.sleep(delay)
	return nil
}

// Enable turns on the motor driver (A4988 ENABLE=LOW). Motors hold position.
func (a *A4988) Enable() error {
	if a.cfg.EnablePin <= 0 {
		return nil
	}
	return a.gpio.WritePin(a.cfg.EnablePin, gpio.Low)
}

// Disable turns off the motor driver (A4988 ENABLE=HIGH). Motors freewheel,
// so the arm can be moved by hand between drawings.
func (a *A4988) Disable() error {
	if a.cfg.EnablePin <= 0 {
		return nil
	}
	return a.gpio.WritePin(a.cfg.EnablePin, gpio.High)
}
