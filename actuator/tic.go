package actuator

import (
	"fmt"
	"sync"

	"github.com/calvinmclean/spinrig"
	"go.uber.org/multierr"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/devices/v3/tic"
	"periph.io/x/host/v3"
)

// TicConfig selects a Pololu Tic on an I²C bus
type TicConfig struct {
	// Bus is the periph bus name, empty for the first bus
	Bus     string `yaml:"bus"`
	Address uint16 `yaml:"address"`
	Variant string `yaml:"variant"`
}

func DefaultTicConfig() TicConfig {
	return TicConfig{
		Address: tic.I2CAddr,
		Variant: string(tic.Tic36v4),
	}
}

// ticDevice is the part of *tic.Dev used here
type ticDevice interface {
	SetTargetPosition(int32) error
	SetTargetVelocity(int32) error
	HaltAndHold() error
	GetCurrentPosition() (int32, error)
	SetMaxSpeed(uint32) error
	SetMaxAccel(uint32) error
	SetMaxDecel(uint32) error
	SetCurrentLimit(physic.ElectricCurrent) error
	Energize() error
	Deenergize() error
	ExitSafeStart() error
	ResetCommandTimeout() error
}

// Tic drives a Pololu Tic stepper controller. Steps are the Tic's microsteps
type Tic struct {
	mtx sync.Mutex
	dev ticDevice
	bus i2c.BusCloser

	energized bool
}

// OpenTic initializes the host drivers and connects to the Tic
func OpenTic(cfg TicConfig) (*Tic, error) {
	_, err := host.Init()
	if err != nil {
		return nil, fmt.Errorf("error initializing host drivers: %w", err)
	}

	bus, err := i2creg.Open(cfg.Bus)
	if err != nil {
		return nil, fmt.Errorf("error opening I2C bus %q: %w", cfg.Bus, err)
	}

	dev, err := tic.NewI2C(bus, tic.Variant(cfg.Variant), cfg.Address)
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("error connecting to tic: %w", err), bus.Close())
	}

	t := &Tic{dev: dev, bus: bus}
	err = t.dev.ExitSafeStart()
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("error exiting safe start: %w", err), bus.Close())
	}

	return t, nil
}

func (t *Tic) MoveTo(target int32) error {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	err := t.dev.ExitSafeStart()
	if err != nil {
		return fmt.Errorf("error exiting safe start: %w", err)
	}
	return t.dev.SetTargetPosition(target)
}

func (t *Tic) MoveBy(delta int32) error {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	pos, err := t.dev.GetCurrentPosition()
	if err != nil {
		return fmt.Errorf("error reading position: %w", err)
	}
	err = t.dev.ExitSafeStart()
	if err != nil {
		return fmt.Errorf("error exiting safe start: %w", err)
	}
	return t.dev.SetTargetPosition(pos + delta)
}

// Stop halts without deceleration for StopHard. StopSoft switches to a zero target velocity so the
// deceleration limit applies
func (t *Tic) Stop(mode spinrig.StopMode) error {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	if mode == spinrig.StopSoft {
		return t.dev.SetTargetVelocity(0)
	}
	return t.dev.HaltAndHold()
}

// Position also resets the command timeout, so the Tic stops by itself when polling ends
func (t *Tic) Position() (int32, error) {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	err := t.dev.ResetCommandTimeout()
	if err != nil {
		return 0, fmt.Errorf("error resetting command timeout: %w", err)
	}
	return t.dev.GetCurrentPosition()
}

// SetProfile converts to Tic units: speed in steps per 10000 s, acceleration in steps/s per 100 s
func (t *Tic) SetProfile(p spinrig.SpeedProfile) error {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	if !p.Powered() {
		t.energized = false
		return t.dev.Deenergize()
	}

	err := multierr.Combine(
		t.dev.SetCurrentLimit(physic.ElectricCurrent(p.RunCurrent)*physic.MilliAmpere),
		t.dev.SetMaxSpeed(p.MaxVelocity*10000),
		t.dev.SetMaxAccel(p.MaxAccel*100),
		t.dev.SetMaxDecel(p.MaxDecel*100),
	)
	if err != nil {
		return fmt.Errorf("error setting profile: %w", err)
	}

	if !t.energized {
		err = t.dev.Energize()
		if err != nil {
			return fmt.Errorf("error energizing: %w", err)
		}
		t.energized = true
	}
	return nil
}

func (t *Tic) Close() error {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	err := t.dev.Deenergize()
	if t.bus != nil {
		err = multierr.Append(err, t.bus.Close())
	}
	return err
}
