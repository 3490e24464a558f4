package controller

import (
	"fmt"
	"time"

	"github.com/calvinmclean/spinrig"
	"go.uber.org/zap"
)

const (
	StrategyOffset = "offset"
	StrategyDual   = "dual"
)

// Strategy decides which limit switches a calibration seeks, in order, and how the reference
// positions follow from where they were found
type Strategy interface {
	Name() string
	Legs() []spinrig.Limit
	Positions(found []int32) spinrig.Positions
}

// NewStrategy creates the Strategy named by cfg.Strategy
func NewStrategy(cfg CalibrationConfig) (Strategy, error) {
	switch cfg.Strategy {
	case StrategyOffset, "":
		return OffsetStrategy{
			UpOffset:   cfg.UpOffset,
			DownOffset: cfg.DownOffset,
			ParkOffset: cfg.ParkOffset,
		}, nil
	case StrategyDual:
		return DualLimitStrategy{
			UpOffset:     cfg.UpOffset,
			BottomMargin: cfg.BottomMargin,
		}, nil
	default:
		return nil, fmt.Errorf("unknown calibration strategy %q", cfg.Strategy)
	}
}

// OffsetStrategy only seeks the top switch. Every other position is a fixed offset below it
type OffsetStrategy struct {
	UpOffset   int32
	DownOffset int32
	ParkOffset int32
}

func (OffsetStrategy) Name() string { return StrategyOffset }

func (OffsetStrategy) Legs() []spinrig.Limit { return []spinrig.Limit{spinrig.LimitTop} }

func (s OffsetStrategy) Positions(found []int32) spinrig.Positions {
	top := found[0]
	return spinrig.Positions{
		Top:  top,
		Up:   top - s.UpOffset,
		Down: top - s.DownOffset,
		Park: top - s.ParkOffset,
	}
}

// DualLimitStrategy seeks the top switch and then the bottom switch. Down sits BottomMargin above
// the bottom switch and Park halfway between Up and Down
type DualLimitStrategy struct {
	UpOffset     int32
	BottomMargin int32
}

func (DualLimitStrategy) Name() string { return StrategyDual }

func (DualLimitStrategy) Legs() []spinrig.Limit {
	return []spinrig.Limit{spinrig.LimitTop, spinrig.LimitBottom}
}

func (s DualLimitStrategy) Positions(found []int32) spinrig.Positions {
	top, bottom := found[0], found[1]
	up := top - s.UpOffset
	down := bottom + s.BottomMargin
	return spinrig.Positions{
		Top:  top,
		Up:   up,
		Down: down,
		Park: down + (up-down)/2,
	}
}

// calibration is the state of the homing sequence. It never blocks: each step is taken from Tick
type calibration struct {
	state spinrig.CalibrationState
	leg   int
	found []int32

	// since is when the current state was entered
	since time.Time
}

func (c *calibration) reset() {
	c.state = spinrig.CalibrationIdle
	c.leg = 0
	c.found = c.found[:0]
}

func (c *calibration) enter(state spinrig.CalibrationState, now time.Time) {
	c.state = state
	c.since = now
}

// seekDirection moves up toward the top switch and down toward the bottom switch
func seekDirection(l spinrig.Limit) int32 {
	if l == spinrig.LimitBottom {
		return -1
	}
	return 1
}

// startCalibration begins the homing sequence. The caller checks that none is in flight
func (c *Controller) startCalibration() {
	c.setCalibrated(false)
	c.cal.reset()

	// edges latched before the command belong to earlier motion
	c.latch.take()

	profile := c.cfg.Active
	profile.MaxVelocity = c.cfg.SeekVelocity()
	err := c.actuator.SetProfile(profile)
	if err != nil {
		c.fault("set calibration profile", err)
	}

	c.logger.Info("starting calibration", zap.String("strategy", c.strategy.Name()))
	c.publish(spinrig.EventCalibrationStarted, spinrig.CommandCalibrate, c.strategy.Name())
	c.seek()
}

// seek starts the current leg
func (c *Controller) seek() {
	limit := c.strategy.Legs()[c.cal.leg]
	c.cal.enter(spinrig.CalibrationMovingToLimit, c.now)

	err := c.actuator.MoveBy(seekDirection(limit) * c.cfg.Calibration.SeekDistance)
	if err != nil {
		c.fault("seek "+limit.String()+" limit", err)
	}
}

// abortCalibration returns to Idle without touching the actuator. calibrated is already false
// while a calibration is in flight
func (c *Controller) abortCalibration() {
	if !c.cal.state.InFlight() {
		return
	}
	c.logger.Info("calibration aborted", zap.Stringer("state", c.cal.state))
	c.cal.reset()
}

func (c *Controller) failCalibration(code spinrig.EventCode, detail string) {
	err := c.actuator.Stop(spinrig.StopHard)
	if err != nil {
		c.fault("stop after failed calibration", err)
	}
	c.cal.reset()
	c.setCalibrated(false)
	c.logger.Warn("calibration failed", zap.Stringer("reason", code), zap.String("detail", detail))
	c.publish(code, spinrig.CommandNone, detail)
}

// tickCalibration advances the homing sequence with the limit edges latched since the last tick
func (c *Controller) tickCalibration(limits spinrig.Limit) {
	cfg := c.cfg.Calibration

	switch c.cal.state {
	case spinrig.CalibrationIdle:
		if limits != 0 {
			c.publish(spinrig.EventLimitReached, spinrig.CommandNone, limits.String())
		}

	case spinrig.CalibrationMovingToLimit:
		want := c.strategy.Legs()[c.cal.leg]
		switch {
		case limits.Has(want):
			c.limitFound(want)
		case limits != 0:
			c.failCalibration(spinrig.EventCalibrationFailed, "unexpected "+limits.String()+" limit while seeking "+want.String())
		case c.now.Sub(c.cal.since) > cfg.SeekTimeout:
			c.failCalibration(spinrig.EventCalibrationTimeout, "no "+want.String()+" limit within "+cfg.SeekTimeout.String())
		}

	case spinrig.CalibrationLimitFound:
		// edges here are switch bounce from the limit that was just found
		if c.now.Sub(c.cal.since) < cfg.SettleDelay {
			return
		}
		if c.cal.leg+1 < len(c.strategy.Legs()) {
			c.cal.leg++
			c.seek()
			return
		}
		c.returnHome()

	case spinrig.CalibrationReturningHome:
		if limits != 0 {
			c.publish(spinrig.EventLimitReached, spinrig.CommandNone, limits.String())
		}

		delta := c.position - c.positions.Up
		if delta < 0 {
			delta = -delta
		}
		switch {
		case delta <= cfg.HomeTolerance:
			c.completeCalibration("")
		case c.now.Sub(c.cal.since) >= cfg.ReturnTimeout:
			c.completeCalibration("return timeout")
		}
	}
}

func (c *Controller) limitFound(limit spinrig.Limit) {
	// the edge handler already stopped; repeat it here in case that failed
	err := c.actuator.Stop(spinrig.StopHard)
	if err != nil {
		c.fault("stop at "+limit.String()+" limit", err)
	}

	pos, err := c.actuator.Position()
	if err != nil {
		c.fault("read limit position", err)
		pos = c.position
	}
	c.position = pos
	c.cal.found = append(c.cal.found, pos)
	c.cal.enter(spinrig.CalibrationLimitFound, c.now)

	c.logger.Info("limit found", zap.Stringer("limit", limit), zap.Int32("position", pos))
	c.publish(spinrig.EventLimitFound, spinrig.CommandNone, limit.String())

	if len(c.cal.found) < len(c.strategy.Legs()) {
		return
	}

	positions := c.strategy.Positions(c.cal.found)
	if !positions.Valid() {
		c.failCalibration(spinrig.EventCalibrationFailed, fmt.Sprintf("invalid positions %+v", positions))
		return
	}
	c.positions = positions
	hi, lo := spinrig.SplitInt32(positions.Top)
	c.regs.SetHolding(RegTop, hi, lo)
}

func (c *Controller) returnHome() {
	c.cal.enter(spinrig.CalibrationReturningHome, c.now)

	err := c.actuator.SetProfile(c.cfg.Active)
	if err != nil {
		c.fault("set active profile", err)
	}
	err = c.actuator.MoveTo(c.positions.Up)
	if err != nil {
		c.fault("return to up position", err)
	}

	c.publish(spinrig.EventCalibrationReturning, spinrig.CommandNone, "")
}

func (c *Controller) completeCalibration(detail string) {
	c.cal.reset()
	c.setCalibrated(true)

	c.logger.Info("calibration complete",
		zap.Int32("top", c.positions.Top),
		zap.Int32("up", c.positions.Up),
		zap.Int32("down", c.positions.Down),
		zap.Int32("park", c.positions.Park),
	)
	c.publish(spinrig.EventCalibrationComplete, spinrig.CommandNone, detail)
}
