// Package config loads the daemon configuration. Values come from Default, then an optional YAML
// file, then SPINRIG_* environment variables, then command-line flags
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/calvinmclean/spinrig/actuator"
	"github.com/calvinmclean/spinrig/controller"
	"github.com/calvinmclean/spinrig/limits"
	"github.com/calvinmclean/spinrig/modbus"
	"github.com/spf13/cast"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

const (
	DriverSim = "sim"
	DriverTic = "tic"
	DriverMKS = "mks"
)

type Config struct {
	// Driver selects the actuator: sim, tic or mks
	Driver string `yaml:"driver"`

	Controller controller.Config  `yaml:"controller"`
	Serial     SerialConfig       `yaml:"serial"`
	Sim        actuator.SimConfig `yaml:"sim"`
	Tic        actuator.TicConfig `yaml:"tic"`
	MKS        actuator.MKSConfig `yaml:"mks"`
	Limits     limits.Config      `yaml:"limits"`
	Telemetry  TelemetryConfig    `yaml:"telemetry"`

	// TCPAddr serves the register map over Modbus TCP when set
	TCPAddr string `yaml:"tcp_addr"`
	// StatusAddr serves the HTTP status API when set
	StatusAddr string `yaml:"status_addr"`
}

// SerialConfig is the Modbus RTU link to the host. Port "none" runs without it
type SerialConfig struct {
	Port   string `yaml:"port"`
	Baud   int    `yaml:"baud"`
	UnitID byte   `yaml:"unit_id"`
}

// TelemetryConfig enables uploading events to a TWChart server when Addr is set
type TelemetryConfig struct {
	Addr    string `yaml:"addr"`
	Session string `yaml:"session"`
}

func Default() Config {
	return Config{
		Driver:     DriverSim,
		Controller: controller.Default(),
		Serial: SerialConfig{
			Port:   modbus.SerialPortNone,
			Baud:   modbus.DefaultBaudRate,
			UnitID: modbus.DefaultUnitID,
		},
		Sim: actuator.DefaultSimConfig(),
		Tic: actuator.DefaultTicConfig(),
		MKS: actuator.DefaultMKSConfig(),
		Telemetry: TelemetryConfig{
			Session: "spinrig",
		},
	}
}

// Load reads the file at path over the defaults and applies environment overrides. An empty path
// skips the file
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("error reading config file: %w", err)
		}
		err = yaml.Unmarshal(data, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("error parsing config file %q: %w", path, err)
		}
	}

	err := cfg.ApplyEnv(os.LookupEnv)
	if err != nil {
		return Config{}, err
	}

	return cfg, cfg.Validate()
}

// envVar applies one SPINRIG_* variable
type envVar struct {
	name  string
	apply func(*Config, string) error
}

var envVars = []envVar{
	{"SPINRIG_DRIVER", func(c *Config, v string) error { c.Driver = v; return nil }},
	{"SPINRIG_SERIAL_PORT", func(c *Config, v string) error { c.Serial.Port = v; return nil }},
	{"SPINRIG_SERIAL_BAUD", func(c *Config, v string) (err error) {
		c.Serial.Baud, err = cast.ToIntE(v)
		return err
	}},
	{"SPINRIG_UNIT_ID", func(c *Config, v string) (err error) {
		c.Serial.UnitID, err = cast.ToUint8E(v)
		return err
	}},
	{"SPINRIG_TCP_ADDR", func(c *Config, v string) error { c.TCPAddr = v; return nil }},
	{"SPINRIG_STATUS_ADDR", func(c *Config, v string) error { c.StatusAddr = v; return nil }},
	{"SPINRIG_TWCHART_ADDR", func(c *Config, v string) error { c.Telemetry.Addr = v; return nil }},
	{"SPINRIG_SESSION", func(c *Config, v string) error { c.Telemetry.Session = v; return nil }},
	{"SPINRIG_STRATEGY", func(c *Config, v string) error { c.Controller.Calibration.Strategy = v; return nil }},
	{"SPINRIG_WATCHDOG_TIMEOUT", func(c *Config, v string) (err error) {
		c.Controller.Watchdog.Timeout, err = cast.ToDurationE(v)
		return err
	}},
	{"SPINRIG_TIC_BUS", func(c *Config, v string) error { c.Tic.Bus = v; return nil }},
	{"SPINRIG_MKS_PORT", func(c *Config, v string) error { c.MKS.Port = v; return nil }},
	{"SPINRIG_TOP_PIN", func(c *Config, v string) error { c.Limits.TopPin = v; return nil }},
	{"SPINRIG_BOTTOM_PIN", func(c *Config, v string) error { c.Limits.BottomPin = v; return nil }},
}

// ApplyEnv overrides values from the environment. lookup is usually os.LookupEnv
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	for _, ev := range envVars {
		v, ok := lookup(ev.name)
		if !ok || v == "" {
			continue
		}
		err := ev.apply(c, v)
		if err != nil {
			return fmt.Errorf("invalid value for %s: %w", ev.name, err)
		}
	}
	return nil
}

// Flags holds the command-line overrides. Only flags that were set are applied
type Flags struct {
	fs *pflag.FlagSet

	driver     string
	port       string
	baud       int
	unitID     uint8
	tcpAddr    string
	statusAddr string
	twchart    string
	session    string
	strategy   string
	watchdog   time.Duration
}

// AddFlags registers the override flags on fs
func AddFlags(fs *pflag.FlagSet) *Flags {
	f := &Flags{fs: fs}
	fs.StringVar(&f.driver, "driver", DriverSim, "actuator driver: sim, tic or mks")
	fs.StringVarP(&f.port, "port", "p", modbus.SerialPortNone, "serial port of the Modbus RTU link, or \"none\"")
	fs.IntVar(&f.baud, "baud", modbus.DefaultBaudRate, "baud rate of the Modbus RTU link")
	fs.Uint8Var(&f.unitID, "unit-id", modbus.DefaultUnitID, "Modbus slave address")
	fs.StringVar(&f.tcpAddr, "tcp-addr", "", "serve the registers over Modbus TCP on this address")
	fs.StringVar(&f.statusAddr, "status-addr", "", "serve the HTTP status API on this address")
	fs.StringVar(&f.twchart, "twchart", "", "TWChart server address for event upload")
	fs.StringVar(&f.session, "session", "spinrig", "session name for TWChart")
	fs.StringVar(&f.strategy, "strategy", controller.StrategyOffset, "calibration strategy: offset or dual")
	fs.DurationVar(&f.watchdog, "watchdog", 2*time.Second, "host connection timeout")
	return f
}

// Apply copies the flags that were set on the command line into cfg
func (f *Flags) Apply(cfg *Config) error {
	set := map[string]func(){
		"driver":      func() { cfg.Driver = f.driver },
		"port":        func() { cfg.Serial.Port = f.port },
		"baud":        func() { cfg.Serial.Baud = f.baud },
		"unit-id":     func() { cfg.Serial.UnitID = f.unitID },
		"tcp-addr":    func() { cfg.TCPAddr = f.tcpAddr },
		"status-addr": func() { cfg.StatusAddr = f.statusAddr },
		"twchart":     func() { cfg.Telemetry.Addr = f.twchart },
		"session":     func() { cfg.Telemetry.Session = f.session },
		"strategy":    func() { cfg.Controller.Calibration.Strategy = f.strategy },
		"watchdog":    func() { cfg.Controller.Watchdog.Timeout = f.watchdog },
	}
	for name, apply := range set {
		if f.fs.Changed(name) {
			apply()
		}
	}
	return cfg.Validate()
}

// Validate checks values that would otherwise fail deep inside startup
func (c Config) Validate() error {
	var err error

	switch c.Driver {
	case DriverSim, DriverTic, DriverMKS:
	default:
		err = multierr.Append(err, fmt.Errorf("unknown driver %q", c.Driver))
	}
	if c.Driver == DriverMKS && c.MKS.Port == "" {
		err = multierr.Append(err, errors.New("mks driver requires mks.port"))
	}

	switch c.Controller.Calibration.Strategy {
	case controller.StrategyOffset, controller.StrategyDual:
	default:
		err = multierr.Append(err, fmt.Errorf("unknown calibration strategy %q", c.Controller.Calibration.Strategy))
	}

	if c.Serial.UnitID == 0 || c.Serial.UnitID > 247 {
		err = multierr.Append(err, fmt.Errorf("invalid unit id %d", c.Serial.UnitID))
	}
	if c.Controller.Watchdog.Timeout <= 0 {
		err = multierr.Append(err, errors.New("watchdog timeout must be positive"))
	}
	if c.Controller.Queue.Capacity <= 0 {
		err = multierr.Append(err, errors.New("queue capacity must be positive"))
	}
	err = multierr.Append(err, c.Controller.Validate())

	return err
}
