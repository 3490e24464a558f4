package controller

import (
	"sync"

	"github.com/calvinmclean/spinrig"
	"go.uber.org/zap"
)

// Notifier receives every diagnostic event. Notify is called from the control loop and must not
// block
type Notifier interface {
	Notify(spinrig.Event)
}

type noopNotifier struct{}

var _ Notifier = noopNotifier{}

// Notify implements Notifier.
func (noopNotifier) Notify(spinrig.Event) {}

// eventLog keeps the most recent events for the status API
type eventLog struct {
	mtx    sync.Mutex
	events []spinrig.Event
	next   int
	full   bool
}

func newEventLog(size int) *eventLog {
	if size <= 0 {
		size = 1
	}
	return &eventLog{events: make([]spinrig.Event, size)}
}

func (l *eventLog) add(e spinrig.Event) {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	l.events[l.next] = e
	l.next = (l.next + 1) % len(l.events)
	if l.next == 0 {
		l.full = true
	}
}

// list returns events oldest first
func (l *eventLog) list() []spinrig.Event {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	if !l.full {
		return append([]spinrig.Event{}, l.events[:l.next]...)
	}
	result := make([]spinrig.Event, 0, len(l.events))
	result = append(result, l.events[l.next:]...)
	return append(result, l.events[:l.next]...)
}

// publish records a diagnostic event: Hreg 13, the event log, the logger and the notifier
func (c *Controller) publish(code spinrig.EventCode, cmd spinrig.CommandCode, detail string) {
	e := spinrig.Event{
		Code:     code,
		Name:     code.String(),
		Time:     c.now,
		Position: c.position,
		State:    c.cal.state,
		Command:  cmd,
		Detail:   detail,
	}
	c.lastEvent = e
	c.regs.SetHolding(RegLastEvent, uint16(code))
	c.events.add(e)

	c.logger.Debug("event",
		zap.Stringer("code", code),
		zap.Stringer("command", cmd),
		zap.String("detail", detail),
		zap.Int32("position", c.position),
	)
	c.notifier.Notify(e)
}

// fault logs an actuator error. The loop keeps running
func (c *Controller) fault(op string, err error) {
	c.logger.Error("actuator error", zap.String("op", op), zap.Error(err))
	c.publish(spinrig.EventActuatorFault, spinrig.CommandNone, op+": "+err.Error())
}

func (c *Controller) setCalibrated(v bool) {
	c.calibrated = v
	c.regs.SetCoil(CoilCalibrated, v)
}

// Events returns the recent diagnostic events, oldest first
func (c *Controller) Events() []spinrig.Event {
	return c.events.list()
}
