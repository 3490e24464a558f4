package controller

import (
	"time"

	"github.com/calvinmclean/spinrig"
)

// reporter remembers what was last published so registers are only written on change
type reporter struct {
	window time.Duration

	published    bool
	lastPosition int32

	sampleTime     time.Time
	samplePosition int32
	velocity       int32
}

// sample updates the velocity estimate once per window. It reports whether the estimate changed
func (r *reporter) sample(now time.Time, pos int32) bool {
	if r.sampleTime.IsZero() {
		r.sampleTime, r.samplePosition = now, pos
		return false
	}

	dt := now.Sub(r.sampleTime)
	if dt < r.window || dt <= 0 {
		return false
	}

	v := int32(int64(pos-r.samplePosition) * int64(time.Second) / int64(dt))
	r.sampleTime, r.samplePosition = now, pos
	if v == r.velocity {
		return false
	}
	r.velocity = v
	return true
}

// readPosition refreshes the cached position from the actuator. Faults are only published when
// the actuator starts failing
func (c *Controller) readPosition() {
	pos, err := c.actuator.Position()
	if err != nil {
		if !c.positionFault {
			c.positionFault = true
			c.fault("read position", err)
		}
		return
	}
	c.positionFault = false
	c.position = pos
}

func (c *Controller) tickReport() {
	c.readPosition()

	if c.report.sample(c.now, c.position) {
		hi, lo := spinrig.SplitInt32(c.report.velocity)
		c.regs.SetHolding(RegVelocity, hi, lo)
	}
	c.publishPosition(false)

	c.regs.SetHolding(RegCalibrationState, uint16(c.cal.state), uint16(c.queue.Len()))
}

// publishPosition writes Hreg 5-6 when the position changed, or always when forced
func (c *Controller) publishPosition(force bool) {
	if !force && c.report.published && c.report.lastPosition == c.position {
		return
	}
	hi, lo := spinrig.SplitInt32(c.position)
	c.regs.SetHolding(RegPosition, hi, lo)
	c.report.published = true
	c.report.lastPosition = c.position

	if force {
		hi, lo = spinrig.SplitInt32(c.report.velocity)
		c.regs.SetHolding(RegVelocity, hi, lo)
	}
}

// publishStatus writes every status coil and register
func (c *Controller) publishStatus() {
	c.regs.SetCoil(CoilCalibrated, c.calibrated)
	c.regs.SetCoil(CoilConnected, c.watchdog.connected)

	hi, lo := spinrig.SplitInt32(c.positions.Top)
	c.regs.SetHolding(RegTop, hi, lo)
	c.regs.SetHolding(RegLastEvent, uint16(c.lastEvent.Code))
	c.regs.SetHolding(RegCalibrationState, uint16(c.cal.state), uint16(c.queue.Len()))
}
