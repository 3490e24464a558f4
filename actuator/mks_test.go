package actuator

import (
	"bytes"
	"io"
	"testing"

	"github.com/calvinmclean/spinrig"
	"github.com/calvinmclean/spinrig/controller"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMKSPort struct {
	written bytes.Buffer
	replies bytes.Buffer
	flushes int
}

func (p *fakeMKSPort) Read(b []byte) (int, error) {
	if p.replies.Len() == 0 {
		return 0, io.EOF
	}
	return p.replies.Read(b)
}

func (p *fakeMKSPort) Write(b []byte) (int, error) {
	return p.written.Write(b)
}

func (p *fakeMKSPort) Flush() error {
	p.flushes++
	return nil
}

func newTestMKS(replies ...byte) (*MKS, *fakeMKSPort) {
	port := &fakeMKSPort{}
	port.replies.Write(replies)
	return newMKS(port, MKSConfig{Address: 0x01, StepsPerRotation: 3200}), port
}

func TestSpeedModePayload(t *testing.T) {
	tests := []struct {
		name      string
		clockwise bool
		rpm       uint16
		expected  []byte
	}{
		{"Forward320", false, 320, []byte{0xFA, 0x01, 0xF6, 0x01, 0x40, 0x02}},
		{"Reverse320", true, 320, []byte{0xFA, 0x01, 0xF6, 0x81, 0x40, 0x02}},
		{"Slow", false, 200, []byte{0xFA, 0x01, 0xF6, 0x00, 0xC8, 0x02}},
		{"Max", false, 3000, []byte{0xFA, 0x01, 0xF6, 0x0B, 0xB8, 0x02}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := speedModePayload(0x01, tt.clockwise, tt.rpm, 2)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, payload)
		})
	}

	t.Run("TooFast", func(t *testing.T) {
		_, err := speedModePayload(0x01, false, 4000, 2)
		assert.Error(t, err)
	})
}

func TestAxisPayload(t *testing.T) {
	payload, err := axisPayload(0x01, mksAbsoluteAxis, 600, 2, 0x4000)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFA, 0x01, 0xF5, 0x02, 0x58, 0x02, 0x00, 0x40, 0x00}, payload)
	assert.Equal(t, byte(0x8C), mksChecksum(payload))

	payload, err = axisPayload(0x01, mksRelativeAxis, 75, 40, -0x4000)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFA, 0x01, 0xF4, 0x00, 0x4B, 0x28, 0xFF, 0xC0, 0x00}, payload)

	_, err = axisPayload(0x01, mksAbsoluteAxis, 600, 2, 1<<23)
	assert.Error(t, err)
}

func TestParseInt48(t *testing.T) {
	assert.Equal(t, int64(0x4000), parseInt48([]byte{0, 0, 0, 0, 0x40, 0}))
	assert.Equal(t, int64(-0x4000), parseInt48([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xC0, 0x00}))
	assert.Equal(t, int64(-1), parseInt48([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}))
}

func TestMKSMoveTo(t *testing.T) {
	m, port := newTestMKS(0xFB, 0x01, 0xF5, 0x01, 0xF2)

	require.NoError(t, m.MoveTo(3200))
	assert.Equal(t, []byte{0xFA, 0x01, 0xF5, 0x02, 0x58, 0x02, 0x00, 0x40, 0x00, 0x8C}, port.written.Bytes())
	assert.Equal(t, 1, port.flushes)
}

// mksFrame appends the checksum to a frame
func mksFrame(b ...byte) []byte {
	return append(b, mksChecksum(b))
}

// encoderReply answers a 0x31 read with axis as a signed 48 bit value
func encoderReply(axis int64) []byte {
	u := uint64(axis)
	return mksFrame(0xFB, 0x01, 0x31, byte(u>>40), byte(u>>32), byte(u>>24), byte(u>>16), byte(u>>8), byte(u))
}

func concat(frames ...[]byte) []byte {
	var result []byte
	for _, f := range frames {
		result = append(result, f...)
	}
	return result
}

func TestMKSLongMoves(t *testing.T) {
	readEncoder := []byte{0xFA, 0x01, 0x31, 0x2C}
	ok := mksFrame(0xFB, 0x01, 0xF6, 0x01)

	t.Run("SeekDistanceRunsInSpeedMode", func(t *testing.T) {
		m, port := newTestMKS(concat(encoderReply(0), ok)...)

		require.NoError(t, m.MoveBy(controller.Default().Calibration.SeekDistance))
		assert.Equal(t, concat(readEncoder, mksFrame(0xFA, 0x01, 0xF6, 0x02, 0x58, 0x02)), port.written.Bytes())
		require.NotNil(t, m.run)
		assert.Equal(t, controller.Default().Calibration.SeekDistance, m.run.target)
	})

	t.Run("DownwardRunIsClockwise", func(t *testing.T) {
		m, port := newTestMKS(concat(encoderReply(0), ok)...)

		require.NoError(t, m.MoveBy(-4_000_000))
		assert.Equal(t, concat(readEncoder, mksFrame(0xFA, 0x01, 0xF6, 0x82, 0x58, 0x02)), port.written.Bytes())
		assert.Equal(t, int32(-4_000_000), m.run.target)
	})

	t.Run("RunEndsAtTarget", func(t *testing.T) {
		m, port := newTestMKS(concat(
			encoderReply(0), ok,
			encoderReply(0x4000), // 3200 steps
			encoderReply(20_480_000), ok,
		)...)

		require.NoError(t, m.MoveBy(4_000_000))
		port.written.Reset()

		pos, err := m.Position()
		require.NoError(t, err)
		assert.Equal(t, int32(3200), pos)
		assert.Equal(t, readEncoder, port.written.Bytes())
		port.written.Reset()

		pos, err = m.Position()
		require.NoError(t, err)
		assert.Equal(t, int32(4_000_000), pos)
		assert.Equal(t, concat(readEncoder, mksFrame(0xFA, 0x01, 0xF6, 0x00, 0x00, 0x02)), port.written.Bytes())
		assert.Nil(t, m.run)
	})

	t.Run("StopEndsRun", func(t *testing.T) {
		m, _ := newTestMKS(concat(encoderReply(0), ok, mksFrame(0xFB, 0x01, 0xF7, 0x01))...)

		require.NoError(t, m.MoveBy(4_000_000))
		require.NoError(t, m.Stop(spinrig.StopHard))
		assert.Nil(t, m.run)
	})

	t.Run("MoveToOutsideAxisRangeIsRelative", func(t *testing.T) {
		// at 1,920,000 steps, 153,920 steps below the target
		m, port := newTestMKS(concat(encoderReply(9_830_400), mksFrame(0xFB, 0x01, 0xF4, 0x01))...)

		require.NoError(t, m.MoveTo(2_073_920))
		axis := uint32(153_920 * 0x4000 / 3200)
		assert.Equal(t, concat(readEncoder, mksFrame(0xFA, 0x01, 0xF4, 0x02, 0x58, 0x02, byte(axis>>16), byte(axis>>8), byte(axis))), port.written.Bytes())
		assert.Nil(t, m.run)
	})
}

func TestMKSPosition(t *testing.T) {
	m, port := newTestMKS(0xFB, 0x01, 0x31, 0xFF, 0xFF, 0xFF, 0xFF, 0xC0, 0x00, 0xE9)

	pos, err := m.Position()
	require.NoError(t, err)
	assert.Equal(t, int32(-3200), pos)
	assert.Equal(t, []byte{0xFA, 0x01, 0x31, 0x2C}, port.written.Bytes())
}

func TestMKSStop(t *testing.T) {
	t.Run("Hard", func(t *testing.T) {
		m, port := newTestMKS(0xFB, 0x01, 0xF7, 0x01, 0xF4)
		require.NoError(t, m.Stop(spinrig.StopHard))
		assert.Equal(t, []byte{0xFA, 0x01, 0xF7, 0xF2}, port.written.Bytes())
	})

	t.Run("Failed", func(t *testing.T) {
		m, _ := newTestMKS(0xFB, 0x01, 0xF7, 0x00, 0xF3)
		assert.ErrorIs(t, m.Stop(spinrig.StopHard), ErrMKSCommandFailed)
	})

	t.Run("NoResponse", func(t *testing.T) {
		m, _ := newTestMKS()
		assert.ErrorIs(t, m.Stop(spinrig.StopHard), errMKSShortResponse)
	})

	t.Run("BadChecksum", func(t *testing.T) {
		m, _ := newTestMKS(0xFB, 0x01, 0xF7, 0x01, 0x00)
		assert.ErrorIs(t, m.Stop(spinrig.StopHard), errMKSBadResponse)
	})
}

func TestMKSProfile(t *testing.T) {
	assert.Equal(t, byte(0), holdingCode(spinrig.SpeedProfile{RunCurrent: 1500, HoldCurrent: 300}))
	assert.Equal(t, byte(1), holdingCode(spinrig.SpeedProfile{RunCurrent: 1500, HoldCurrent: 300, Brake: spinrig.BrakeHold}))
	assert.Equal(t, byte(8), holdingCode(spinrig.SpeedProfile{RunCurrent: 1000, HoldCurrent: 1000, Brake: spinrig.BrakeHold}))

	assert.Equal(t, byte(1), accelCode(0))
	assert.Equal(t, byte(232), accelCode(23250))
	assert.Equal(t, byte(255), accelCode(100000))

	m, _ := newTestMKS()
	assert.Equal(t, uint16(75), m.stepsToRPM(4000))
	assert.Equal(t, uint16(3000), m.stepsToRPM(1_000_000))
}
