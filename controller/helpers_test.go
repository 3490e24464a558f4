package controller

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/calvinmclean/spinrig"
	"github.com/calvinmclean/spinrig/modbus"
	"github.com/stretchr/testify/require"
)

// fakeActuator records every call. MoveTo arrives instantly unless stuck, MoveBy never moves
type fakeActuator struct {
	mtx      sync.Mutex
	position int32
	stuck    bool
	err      error
	stopErr  error

	moveTo   []int32
	moveBy   []int32
	stops    []spinrig.StopMode
	profiles []spinrig.SpeedProfile
}

func (a *fakeActuator) MoveTo(target int32) error {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	a.moveTo = append(a.moveTo, target)
	if !a.stuck {
		a.position = target
	}
	return a.err
}

func (a *fakeActuator) MoveBy(delta int32) error {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	a.moveBy = append(a.moveBy, delta)
	return a.err
}

func (a *fakeActuator) Stop(mode spinrig.StopMode) error {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	a.stops = append(a.stops, mode)
	return a.stopErr
}

func (a *fakeActuator) Position() (int32, error) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return a.position, nil
}

func (a *fakeActuator) SetProfile(p spinrig.SpeedProfile) error {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	a.profiles = append(a.profiles, p)
	return nil
}

func (a *fakeActuator) setPosition(pos int32) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	a.position = pos
}

func (a *fakeActuator) lastProfile() spinrig.SpeedProfile {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return a.profiles[len(a.profiles)-1]
}

var errFake = errors.New("driver offline")

type harness struct {
	t    *testing.T
	cfg  Config
	c    *Controller
	act  *fakeActuator
	bank *modbus.Bank
	now  time.Time
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()

	act := &fakeActuator{}
	bank := modbus.NewBank(0, 0)
	c, err := New(cfg, act, bank, opts...)
	require.NoError(t, err)

	h := &harness{
		t:    t,
		cfg:  cfg,
		c:    c,
		act:  act,
		bank: bank,
		now:  time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	h.tick(0)
	return h
}

// tick advances the clock by d and runs one tick with host activity
func (h *harness) tick(d time.Duration) {
	h.now = h.now.Add(d)
	h.bank.MarkActivity()
	h.c.Tick(h.now)
}

// tickQuiet advances the clock by d and runs one tick without host activity
func (h *harness) tickQuiet(d time.Duration) {
	h.now = h.now.Add(d)
	h.c.Tick(h.now)
}

// send writes a command like the host does: Hreg 2-4 in one transaction
func (h *harness) send(code spinrig.CommandCode, target int32) {
	hi, lo := spinrig.SplitInt32(target)
	require.NoError(h.t, h.bank.WriteHolding(RegCommand, []uint16{uint16(code), hi, lo}))
}

// command sends code and runs one tick
func (h *harness) command(code spinrig.CommandCode, target int32) {
	h.send(code, target)
	h.tick(h.cfg.TickInterval)
}

func (h *harness) lastEvent() spinrig.EventCode {
	return spinrig.EventCode(h.bank.Holding(RegLastEvent, 1)[0])
}

func (h *harness) hasEvent(code spinrig.EventCode) bool {
	for _, e := range h.c.Events() {
		if e.Code == code {
			return true
		}
	}
	return false
}

func (h *harness) countEvents(code spinrig.EventCode) int {
	n := 0
	for _, e := range h.c.Events() {
		if e.Code == code {
			n++
		}
	}
	return n
}

// calibrate runs the offset calibration with the top switch at top
func (h *harness) calibrate(top int32) {
	h.t.Helper()

	h.command(spinrig.CommandCalibrate, 0)
	require.Equal(h.t, spinrig.CalibrationMovingToLimit, h.c.cal.state)

	h.act.setPosition(top)
	h.c.LimitTriggered(spinrig.LimitTop)
	h.tick(h.cfg.TickInterval)
	require.Equal(h.t, spinrig.CalibrationLimitFound, h.c.cal.state)

	h.tick(h.cfg.Calibration.SettleDelay)
	require.Equal(h.t, spinrig.CalibrationReturningHome, h.c.cal.state)

	h.tick(h.cfg.TickInterval)
	require.Equal(h.t, spinrig.CalibrationIdle, h.c.cal.state)
	require.True(h.t, h.c.calibrated)
}
