package controller

import (
	"errors"
	"fmt"
	"time"

	"github.com/calvinmclean/spinrig"
)

// Config has every tunable of the Controller. Default returns the values used on the rig
type Config struct {
	// StepsPerMM converts the relative presets from millimeters to steps
	StepsPerMM   int32         `yaml:"steps_per_mm"`
	TickInterval time.Duration `yaml:"tick_interval"`

	Calibration CalibrationConfig `yaml:"calibration"`
	Watchdog    WatchdogConfig    `yaml:"watchdog"`
	Queue       QueueConfig       `yaml:"queue"`
	Reporting   ReportingConfig   `yaml:"reporting"`

	// Standby is applied at boot and after a connection timeout. Active is the base profile for
	// every commanded move
	Standby spinrig.SpeedProfile `yaml:"standby"`
	Active  spinrig.SpeedProfile `yaml:"active"`

	HostLimits HostLimits `yaml:"host_limits"`
}

// CalibrationConfig has values for the homing sequence and the positions derived from it
type CalibrationConfig struct {
	// Strategy is "offset" or "dual"
	Strategy string `yaml:"strategy"`

	SeekTimeout   time.Duration `yaml:"seek_timeout"`
	SettleDelay   time.Duration `yaml:"settle_delay"`
	ReturnTimeout time.Duration `yaml:"return_timeout"`
	HomeTolerance int32         `yaml:"home_tolerance"`

	// SeekDistance is the relative move issued toward a limit switch. It must be longer than the
	// full travel so the switch is always reached first. SeekTimeout must cover the same travel at
	// the seek speed
	SeekDistance int32 `yaml:"seek_distance"`
	// SpeedDivisor reduces the active velocity while seeking
	SpeedDivisor uint32 `yaml:"speed_divisor"`

	UpOffset   int32 `yaml:"up_offset"`
	DownOffset int32 `yaml:"down_offset"`
	ParkOffset int32 `yaml:"park_offset"`
	// BoreOffset and HalbachOffset place the PTF fixture positions below the top switch
	BoreOffset    int32 `yaml:"bore_offset"`
	HalbachOffset int32 `yaml:"halbach_offset"`
	// BottomMargin is kept between the bottom switch and Down by the dual strategy
	BottomMargin int32 `yaml:"bottom_margin"`
}

type WatchdogConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

type QueueConfig struct {
	Capacity   int           `yaml:"capacity"`
	StaleAfter time.Duration `yaml:"stale_after"`
}

type ReportingConfig struct {
	VelocityWindow time.Duration `yaml:"velocity_window"`
	EventHistory   int           `yaml:"event_history"`
}

// HostLimits cap the velocity and acceleration a host can request through the registers
type HostLimits struct {
	MaxVelocity uint32 `yaml:"max_velocity"`
	MaxAccel    uint32 `yaml:"max_accel"`
}

// Default returns the configuration of the rig: 6400 steps/mm on a lead screw with ~324 mm between
// the Up and Down positions
func Default() Config {
	return Config{
		StepsPerMM:   6400,
		TickInterval: 5 * time.Millisecond,
		Calibration: CalibrationConfig{
			Strategy:      StrategyOffset,
			SeekTimeout:   36 * time.Minute,
			SettleDelay:   500 * time.Millisecond,
			ReturnTimeout: 5 * time.Second,
			HomeTolerance: 100,
			SeekDistance:  4_000_000,
			SpeedDivisor:  4,
			UpOffset:      6400,
			DownOffset:    2_073_920,
			ParkOffset:    1_036_960,
			BoreOffset:    1_382_400,
			HalbachOffset: 1_728_000,
			BottomMargin:  6400,
		},
		Watchdog: WatchdogConfig{
			Timeout: 2000 * time.Millisecond,
		},
		Queue: QueueConfig{
			Capacity:   5,
			StaleAfter: 30 * time.Second,
		},
		Reporting: ReportingConfig{
			VelocityWindow: 100 * time.Millisecond,
			EventHistory:   64,
		},
		Standby: spinrig.SpeedProfile{
			MaxAccel:    23250,
			MaxDecel:    23250,
			MaxVelocity: 4000,
			Brake:       spinrig.BrakeCoast,
		},
		Active: spinrig.SpeedProfile{
			RunCurrent:  1500,
			HoldCurrent: 300,
			MaxAccel:    23250,
			MaxDecel:    23250,
			MaxVelocity: 4000,
			Brake:       spinrig.BrakeHold,
		},
		HostLimits: HostLimits{
			MaxVelocity: 6500,
			MaxAccel:    23250,
		},
	}
}

// Travel is the distance between the top switch and the lowest position a calibration can place
func (c CalibrationConfig) Travel() int32 {
	return max(c.DownOffset, c.UpOffset, c.ParkOffset, c.BoreOffset, c.HalbachOffset) + c.BottomMargin
}

// SeekVelocity is the velocity used while seeking a limit switch
func (c Config) SeekVelocity() uint32 {
	v := c.Active.MaxVelocity
	if div := c.Calibration.SpeedDivisor; div > 1 {
		v /= div
	}
	return v
}

// Validate checks that a seek can cross the full travel before it times out
func (c Config) Validate() error {
	cal := c.Calibration
	travel := cal.Travel()

	if cal.SeekDistance <= travel {
		return fmt.Errorf("seek distance %d does not cover travel %d", cal.SeekDistance, travel)
	}

	v := c.SeekVelocity()
	if v == 0 {
		return errors.New("seek velocity must be positive")
	}
	need := time.Duration(float64(travel) / float64(v) * float64(time.Second))
	if cal.SeekTimeout < need {
		return fmt.Errorf("seek timeout %s is shorter than %s needed to cross travel %d at %d steps/s", cal.SeekTimeout, need.Round(time.Second), travel, v)
	}
	return nil
}
