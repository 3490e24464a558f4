package controller

import (
	"testing"
	"time"

	"github.com/calvinmclean/spinrig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchdogTimeout(t *testing.T) {
	h := newHarness(t, Default())
	h.calibrate(testTop)
	require.True(t, h.bank.Coil(CoilConnected))

	stops := len(h.act.stops)

	h.tickQuiet(time.Second)
	h.tickQuiet(time.Second)
	require.True(t, h.c.watchdog.connected, "exactly 2000ms is not a timeout")

	h.tickQuiet(time.Millisecond)
	assert.False(t, h.c.watchdog.connected)
	assert.False(t, h.bank.Coil(CoilConnected))
	assert.False(t, h.c.calibrated)
	assert.False(t, h.bank.Coil(CoilCalibrated))
	assert.False(t, h.bank.Coil(CoilCommandPending))
	assert.Equal(t, uint16(0), h.bank.Holding(RegCommand, 1)[0])
	assert.Equal(t, h.cfg.Standby, h.act.lastProfile())
	assert.Equal(t, spinrig.StopHard, h.act.stops[len(h.act.stops)-1])
	assert.Equal(t, spinrig.EventWatchdogTimeout, h.lastEvent())

	t.Run("OncePerDisconnect", func(t *testing.T) {
		n := len(h.act.stops)
		for range 5 {
			h.tickQuiet(time.Second)
		}
		assert.Len(t, h.act.stops, n)
		assert.Equal(t, 1, h.countEvents(spinrig.EventWatchdogTimeout))
		assert.Greater(t, n, stops)
	})

	t.Run("Reconnect", func(t *testing.T) {
		require.NoError(t, h.bank.WriteCoils(CoilConnected, []bool{true}))
		h.tickQuiet(5 * time.Millisecond)

		assert.True(t, h.c.watchdog.connected)
		assert.True(t, h.bank.Coil(CoilConnected))
		assert.Equal(t, spinrig.EventConnected, h.lastEvent())
		assert.False(t, h.c.calibrated, "calibration is not restored")

		h.command(spinrig.CommandGoUp, 0)
		assert.Equal(t, spinrig.EventNotCalibrated, h.lastEvent())
	})
}

func TestWatchdogAbortsCalibration(t *testing.T) {
	h := newHarness(t, Default())
	h.command(spinrig.CommandCalibrate, 0)
	h.command(spinrig.CommandUp1, 0)
	require.Equal(t, 1, h.c.queue.Len())

	h.tickQuiet(2001 * time.Millisecond)

	assert.Equal(t, spinrig.CalibrationIdle, h.c.cal.state)
	assert.Equal(t, 0, h.c.queue.Len())
	assert.Equal(t, spinrig.EventWatchdogTimeout, h.lastEvent())
}

func TestWatchdogBootWithoutHost(t *testing.T) {
	w := watchdog{timeout: 2 * time.Second}
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	w.lastActivity = start

	assert.Equal(t, watchdogNone, w.check(start.Add(time.Second), false))
	assert.Equal(t, watchdogTimeout, w.check(start.Add(3*time.Second), false))
	assert.Equal(t, watchdogNone, w.check(start.Add(10*time.Second), false))
	assert.Equal(t, watchdogConnected, w.check(start.Add(11*time.Second), true))
	assert.Equal(t, watchdogNone, w.check(start.Add(12*time.Second), true))
}
