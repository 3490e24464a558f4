package controller

import (
	"sync/atomic"

	"github.com/calvinmclean/spinrig"
)

// limitLatch collects limit switch edges between ticks. Any number of goroutines may set it; only
// the control loop takes it
type limitLatch struct {
	bits atomic.Uint32
}

func (l *limitLatch) set(edge spinrig.Limit) {
	l.bits.Or(uint32(edge))
}

func (l *limitLatch) take() spinrig.Limit {
	return spinrig.Limit(l.bits.Swap(0))
}

// LimitTriggered is called when a limit switch closes. It hard stops the actuator and latches the
// edge for the next Tick. It does nothing else, so it is safe to call from an edge watcher or any
// other goroutine.
func (c *Controller) LimitTriggered(edge spinrig.Limit) {
	_ = c.actuator.Stop(spinrig.StopHard)
	c.latch.set(edge)
}
