package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cjeanneret/ZenArm/internal/hw/stepper"
)

// MaxConfigFileBytes bounds the size of a config file accepted by Load.
const MaxConfigFileBytes = 1 << 20

// Driver types.
const (
	DriverA4988GPIO = "a4988_gpio" // pulse the A4988s directly from the Pi GPIOs
	DriverSerial    = "serial"     // send STEP lines to a motion co-processor
)

// StepperConfig holds the pin assignment of one A4988 driver.
type StepperConfig struct {
	StepPin   int    `yaml:"step_pin"`
	DirPin    int    `yaml:"dir_pin"`
	EnablePin int    `yaml:"enable_pin"` // A4988 ENABLE pin (BCM). 0 = not used. Active LOW.
	MSPins    [3]int `yaml:"ms_pins"`    // MS1, MS2, MS3 (BCM). 0 = hard-wired.
}

// MotionConfig holds the parameters of every step command.
type MotionConfig struct {
	Mode         string `yaml:"mode"`           // Full, Half, 1/4, 1/8, 1/16
	PulseDelayMs int    `yaml:"pulse_delay_ms"` // delay per half-cycle of a STEP pulse
	InitDelayMs  *int   `yaml:"init_delay_ms"`  // settle time before the first pulse; unset = 50, 0 = none
	Verbose      bool   `yaml:"verbose"`        // log a summary after each move
}

// DriverConfig selects how the motors are driven.
type DriverConfig struct {
	Type            string `yaml:"type"`              // a4988_gpio or serial
	SerialDevice    string `yaml:"serial_device"`     // e.g. /dev/ttyACM0
	SerialBaud      int    `yaml:"serial_baud"`       // default 115200
	SerialTimeoutMs int    `yaml:"serial_timeout_ms"` // slack on top of the move duration
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel int  `yaml:"debug_level"` // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO   bool `yaml:"mock_gpio"`   // use mock GPIO (true=dev/test, false=real Raspberry Pi)
}

// WebConfig holds web server settings.
type WebConfig struct {
	Port int `yaml:"port"` // port used by -web when no value is given
}

// Config aggregates all application configuration.
type Config struct {
	BicepStepper   StepperConfig  `yaml:"bicep_stepper"`
	ForearmStepper StepperConfig  `yaml:"forearm_stepper"`
	Motion         MotionConfig   `yaml:"motion"`
	Driver         DriverConfig   `yaml:"driver"`
	Defaults       DefaultsConfig `yaml:"defaults"`
	Web            WebConfig      `yaml:"web"`
}

// ValidateConfigPath checks that path names a .yaml file directly inside
// a configs/ directory, without any ".." segment.
func ValidateConfigPath(path string) error {
	if path == "" {
		return fmt.Errorf("config path is empty")
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("config path %q must not contain '..'", path)
		}
	}
	clean := filepath.Clean(path)
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("config path %q must end in .yaml", path)
	}
	if filepath.Base(filepath.Dir(clean)) != "configs" {
		return fmt.Errorf("config path %q must be inside a configs/ directory", path)
	}
	return nil
}

// Load reads a YAML file and returns the configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if len(data) > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file is %d bytes, limit is %d", len(data), MaxConfigFileBytes)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() error {
	if c.Motion.Mode == "" {
		c.Motion.Mode = string(stepper.Full)
	}
	if c.Motion.PulseDelayMs <= 0 {
		c.Motion.PulseDelayMs = 5 // 0.005s per half-cycle
	}
	if c.Motion.InitDelayMs == nil {
		initDelay := 50
		c.Motion.InitDelayMs = &initDelay
	}
	if *c.Motion.InitDelayMs < 0 {
		return fmt.Errorf("motion.init_delay_ms must be >= 0, got %d", *c.Motion.InitDelayMs)
	}
	if c.Driver.Type == "" {
		c.Driver.Type = DriverA4988GPIO
	}
	if c.Driver.SerialBaud <= 0 {
		c.Driver.SerialBaud = 115200
	}
	if c.Driver.SerialTimeoutMs <= 0 {
		c.Driver.SerialTimeoutMs = 30000
	}
	if c.Web.Port <= 0 {
		c.Web.Port = 8080
	}
	return nil
}

func (c *Config) validate() error {
	if _, err := stepper.ParseMode(c.Motion.Mode); err != nil {
		return fmt.Errorf("motion.mode: %w", err)
	}
	if c.Defaults.DebugLevel < 0 || c.Defaults.DebugLevel > 4 {
		return fmt.Errorf("debug_level must be between 0 and 4, got %d", c.Defaults.DebugLevel)
	}
	if c.Web.Port > 65535 {
		return fmt.Errorf("web.port must be 1-65535, got %d", c.Web.Port)
	}

	switch c.Driver.Type {
	case DriverA4988GPIO:
		if err := c.BicepStepper.validate("bicep_stepper"); err != nil {
			return err
		}
		if err := c.ForearmStepper.validate("forearm_stepper"); err != nil {
			return err
		}
		if pin, ok := sharedPin(c.BicepStepper, c.ForearmStepper); ok {
			return fmt.Errorf("bicep_stepper and forearm_stepper both use pin %d", pin)
		}
	case DriverSerial:
		if c.Driver.SerialDevice == "" {
			return fmt.Errorf("driver.serial_device is required for driver type %q", DriverSerial)
		}
	default:
		return fmt.Errorf("unsupported driver type: %s", c.Driver.Type)
	}
	return nil
}

func (s StepperConfig) validate(name string) error {
	if s.StepPin <= 0 {
		return fmt.Errorf("%s.step_pin is required", name)
	}
	if s.DirPin <= 0 {
		return fmt.Errorf("%s.dir_pin is required", name)
	}
	if s.StepPin == s.DirPin {
		return fmt.Errorf("%s.step_pin and dir_pin must differ, both are %d", name, s.StepPin)
	}
	return nil
}

// pins lists every GPIO driven by s.
func (s StepperConfig) pins() []int {
	out := []int{s.StepPin, s.DirPin}
	if s.EnablePin > 0 {
		out = append(out, s.EnablePin)
	}
	for _, p := range s.MSPins {
		if p > 0 {
			out = append(out, p)
		}
	}
	return out
}

func sharedPin(a, b StepperConfig) (int, bool) {
	used := make(map[int]bool)
	for _, p := range a.pins() {
		used[p] = true
	}
	for _, p := range b.pins() {
		if used[p] {
			return p, true
		}
	}
	return 0, false
}

// StepMode returns the parsed step mode. Load has already validated it.
func (c *Config) StepMode() stepper.Mode {
	m, _ := stepper.ParseMode(c.Motion.Mode)
	return m
}

// PulseDelay returns the delay per half-cycle of a STEP pulse.
func (c *Config) PulseDelay() time.Duration {
	return time.Duration(c.Motion.PulseDelayMs) * time.Millisecond
}

// InitDelay returns the settle time before the first pulse of a move.
func (c *Config) InitDelay() time.Duration {
	if c.Motion.InitDelayMs == nil {
		return 0
	}
	return time.Duration(*c.Motion.InitDelayMs) * time.Millisecond
}

// SerialTimeout returns the reply slack for the serial driver.
func (c *Config) SerialTimeout() time.Duration {
	return time.Duration(c.Driver.SerialTimeoutMs) * time.Millisecond
}
