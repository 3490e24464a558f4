package controller

import (
	"time"

	"github.com/calvinmclean/spinrig"
	"go.uber.org/zap"
)

// watchdog tracks host activity. The safety stop fires once per disconnect
type watchdog struct {
	timeout      time.Duration
	lastActivity time.Time
	connected    bool
	tripped      bool
}

type watchdogResult int

const (
	watchdogNone watchdogResult = iota
	watchdogConnected
	watchdogTimeout
)

func (w *watchdog) check(now time.Time, active bool) watchdogResult {
	if active {
		w.lastActivity = now
		w.tripped = false
		if !w.connected {
			w.connected = true
			return watchdogConnected
		}
		return watchdogNone
	}

	if w.tripped || now.Sub(w.lastActivity) <= w.timeout {
		return watchdogNone
	}

	w.tripped = true
	w.connected = false
	return watchdogTimeout
}

func (c *Controller) tickWatchdog() {
	switch c.watchdog.check(c.now, c.regs.TakeActivity()) {
	case watchdogConnected:
		c.regs.SetCoil(CoilConnected, true)
		c.logger.Info("host connected")
		c.publish(spinrig.EventConnected, spinrig.CommandNone, "")

	case watchdogTimeout:
		c.logger.Warn("host connection timed out", zap.Duration("timeout", c.watchdog.timeout))
		c.safetyStop()
		c.publish(spinrig.EventWatchdogTimeout, spinrig.CommandNone, "")
	}
}

// safetyStop puts the rig in a safe state after the host went away
func (c *Controller) safetyStop() {
	err := c.actuator.Stop(spinrig.StopHard)
	if err != nil {
		c.fault("safety stop", err)
	}

	c.abortCalibration()
	c.setCalibrated(false)
	c.queue.Flush()

	c.regs.SetCoil(CoilCommandPending, false)
	c.regs.SetHolding(RegCommand, 0)
	c.regs.SetCoil(CoilConnected, false)

	err = c.actuator.SetProfile(c.cfg.Standby)
	if err != nil {
		c.fault("set standby profile", err)
	}
}
