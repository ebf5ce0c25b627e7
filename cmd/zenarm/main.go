package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/cjeanneret/ZenArm/internal/config"
	"github.com/cjeanneret/ZenArm/internal/debug"
	"github.com/cjeanneret/ZenArm/internal/hw/gpio"
	"github.com/cjeanneret/ZenArm/internal/hw/serialmotor"
	"github.com/cjeanneret/ZenArm/internal/hw/stepper"
	"github.com/cjeanneret/ZenArm/internal/logic/design"
	"github.com/cjeanneret/ZenArm/internal/logic/motion"
	"github.com/cjeanneret/ZenArm/internal/logic/plot"
	"github.com/cjeanneret/ZenArm/internal/web"
)

func main() {
	// CLI flags
	webPort := &webPortFlag{}
	flag.Var(webPort, "web", "start web server; -web= uses web.port from the config, -web 8980 for a custom port")
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	designPath := flag.String("design", "", "draw this design file (JSON) once and exit")
	pulseDelayMs := flag.Int("pulse_delay_ms", 0, "override motion.pulse_delay_ms (1-1000)")
	flag.Parse()

	if !webPort.enabled && *designPath == "" {
		fmt.Fprintln(os.Stderr, "nothing to do: pass -design <file> or -web")
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Load configuration
	if err := config.ValidateConfigPath(*cfgPath); err != nil {
		log.Fatalf("invalid config path: %v", err)
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}
	if err := validatePulseDelay(*pulseDelayMs); err != nil {
		log.Fatalf("invalid CLI override: %v", err)
	}
	applyOverrides(cfg, *pulseDelayMs)

	// Initialize debug system
	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)
	debug.Value("Driver", cfg.Driver.Type)

	debug.Step(1, "Initializing motors")
	hw, err := newHardware(cfg)
	if err != nil {
		log.Fatalf("init motors failed: %v", err)
	}
	defer func() {
		if err := hw.Close(); err != nil {
			log.Printf("closing motors failed: %v", err)
		}
	}()

	debug.Step(2, "Starting sequencer")
	seq := motion.NewSequencer(hw.bicep, hw.forearm, motionParams(cfg))
	defer seq.Close()
	seq.OnCommand = logCommand
	debug.PrintStruct("Motion params", seq.Params())
	plotter := plot.NewPlotter(seq, hw.enablers...)

	if port := webPort.port(cfg.Web.Port); port > 0 {
		broadcaster := web.NewStatusBroadcaster()
		debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))

		srv := web.NewServer(fmt.Sprintf(":%d", port), broadcaster, plotter.Draw, web.MotionSettings{
			Mode:         cfg.Motion.Mode,
			PulseDelayMs: cfg.Motion.PulseDelayMs,
			InitDelayMs:  int(cfg.InitDelay() / time.Millisecond),
			Driver:       cfg.Driver.Type,
		})
		if err := srv.Run(ctx); err != nil {
			log.Fatalf("web server: %v", err)
		}
		return
	}

	d, err := design.Load(*designPath)
	if err != nil {
		log.Fatalf("load design failed: %v", err)
	}
	if err := plotter.Draw(ctx, d); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Printf("drawing interrupted: %v", err)
			return
		}
		log.Fatalf("drawing failed: %v", err)
	}
}

// hardware holds the two motors and whatever must be released on exit.
type hardware struct {
	bicep    motion.Motor
	forearm  motion.Motor
	enablers []plot.Enabler
	close    func() error
}

func (h *hardware) Close() error {
	if h.close == nil {
		return nil
	}
	return h.close()
}

// newHardware selects the motor backend based on configuration.
func newHardware(cfg *config.Config) (*hardware, error) {
	switch cfg.Driver.Type {
	case config.DriverA4988GPIO:
		debug.Value("Mock GPIO", cfg.Defaults.MockGPIO)
		g, err := gpio.NewDriver(cfg.Defaults.MockGPIO)
		if err != nil {
			return nil, err
		}
		bicep := stepper.NewA4988(g, stepperConfig("bicep", cfg.BicepStepper))
		forearm := stepper.NewA4988(g, stepperConfig("forearm", cfg.ForearmStepper))
		debug.PrintStruct("Bicep stepper config", cfg.BicepStepper)
		debug.PrintStruct("Forearm stepper config", cfg.ForearmStepper)
		return &hardware{
			bicep:    bicep,
			forearm:  forearm,
			enablers: []plot.Enabler{bicep, forearm},
			close:    g.Close,
		}, nil
	case config.DriverSerial:
		debug.Value("Serial device", cfg.Driver.SerialDevice)
		debug.Value("Serial baud", cfg.Driver.SerialBaud)
		link, err := serialmotor.Open(cfg.Driver.SerialDevice, cfg.Driver.SerialBaud, cfg.SerialTimeout())
		if err != nil {
			return nil, err
		}
		return &hardware{
			bicep:   link.Motor("bicep"),
			forearm: link.Motor("forearm"),
			close:   link.Close,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported driver type: %s", cfg.Driver.Type)
	}
}

// logCommand logs the pair of step commands sent for one point.
func logCommand(c motion.Command) {
	debug.Move("bicep", c.Steps.Bicep, c.Directions.Bicep)
	debug.Move("forearm", c.Steps.Forearm, c.Directions.Forearm)
}

func stepperConfig(name string, sc config.StepperConfig) stepper.Config {
	return stepper.Config{
		Name:      name,
		StepPin:   sc.StepPin,
		DirPin:    sc.DirPin,
		EnablePin: sc.EnablePin,
		MSPins:    sc.MSPins,
	}
}

func motionParams(cfg *config.Config) motion.Params {
	return motion.Params{
		Mode:       cfg.StepMode(),
		PulseDelay: cfg.PulseDelay(),
		InitDelay:  cfg.InitDelay(),
		Verbose:    cfg.Motion.Verbose,
	}
}

// validatePulseDelay checks the -pulse_delay_ms override. Zero means "use config".
func validatePulseDelay(ms int) error {
	if ms != 0 && (ms < 1 || ms > 1000) {
		return fmt.Errorf("pulse_delay_ms must be between 1 and 1000, got %d", ms)
	}
	return nil
}

// applyOverrides mutates cfg with the non-zero CLI overrides.
func applyOverrides(cfg *config.Config, pulseDelayMs int) {
	if pulseDelayMs > 0 {
		cfg.Motion.PulseDelayMs = pulseDelayMs
	}
}

// webPortFlag implements flag.Value for -web: absent = disabled,
// -web= → port from the config, -web 8980 → 8980.
type webPortFlag struct {
	val     int
	enabled bool
}

func (w *webPortFlag) String() string {
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.enabled = true
		w.val = 0
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	w.enabled = true
	return nil
}

// port returns the port to listen on, or 0 when -web was not given.
func (w *webPortFlag) port(configPort int) int {
	if !w.enabled {
		return 0
	}
	if w.val > 0 {
		return w.val
	}
	return configPort
}
