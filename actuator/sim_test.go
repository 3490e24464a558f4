package actuator

import (
	"testing"
	"time"

	"github.com/calvinmclean/spinrig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Add(d time.Duration) { c.now = c.now.Add(d) }

func newTestSim() (*Sim, *fakeClock) {
	clock := &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	sim := NewSim(SimConfig{Start: 0, TopSwitch: 10_000, BottomSwitch: -10_000}, clock.Now)
	return sim, clock
}

func TestSimMoves(t *testing.T) {
	sim, clock := newTestSim()
	require.NoError(t, sim.SetProfile(spinrig.SpeedProfile{RunCurrent: 1, MaxVelocity: 1000}))

	require.NoError(t, sim.MoveTo(2000))
	clock.Add(time.Second)
	pos, err := sim.Position()
	require.NoError(t, err)
	assert.Equal(t, int32(1000), pos)
	assert.True(t, sim.Moving())

	clock.Add(5 * time.Second)
	pos, _ = sim.Position()
	assert.Equal(t, int32(2000), pos)
	assert.False(t, sim.Moving())

	require.NoError(t, sim.MoveBy(-500))
	clock.Add(250 * time.Millisecond)
	require.NoError(t, sim.Stop(spinrig.StopHard))
	clock.Add(time.Second)
	pos, _ = sim.Position()
	assert.Equal(t, int32(1750), pos)
}

func TestSimLimits(t *testing.T) {
	sim, clock := newTestSim()
	require.NoError(t, sim.SetProfile(spinrig.SpeedProfile{MaxVelocity: 4000}))

	var edges []spinrig.Limit
	sim.OnLimit(func(l spinrig.Limit) {
		edges = append(edges, l)
		// the callback runs outside the lock, like a real edge handler that stops the motor
		require.NoError(t, sim.Stop(spinrig.StopHard))
	})

	require.NoError(t, sim.MoveBy(1_000_000))
	clock.Add(10 * time.Second)
	pos, _ := sim.Position()
	assert.Equal(t, int32(10_000), pos)
	assert.Equal(t, []spinrig.Limit{spinrig.LimitTop}, edges)

	// staying on the switch is not a new edge
	clock.Add(time.Second)
	_, _ = sim.Position()
	assert.Len(t, edges, 1)

	// driving into the held switch reports it again and does not move
	require.NoError(t, sim.MoveBy(100))
	assert.Equal(t, []spinrig.Limit{spinrig.LimitTop, spinrig.LimitTop}, edges)
	assert.False(t, sim.Moving())
	clock.Add(time.Second)
	pos, _ = sim.Position()
	assert.Equal(t, int32(10_000), pos)
	assert.Len(t, edges, 2)

	require.NoError(t, sim.MoveBy(-1_000_000))
	clock.Add(time.Second)
	_, _ = sim.Position()
	clock.Add(10 * time.Second)
	pos, _ = sim.Position()
	assert.Equal(t, int32(-10_000), pos)
	assert.Equal(t, []spinrig.Limit{spinrig.LimitTop, spinrig.LimitTop, spinrig.LimitBottom}, edges)
}
