package modbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBankHostAccess(t *testing.T) {
	b := NewBank(8, 8)

	t.Run("WriteThenReadHolding", func(t *testing.T) {
		require.NoError(t, b.WriteHolding(2, []uint16{'x', 0x0001, 0x86A0}))
		regs, err := b.ReadHolding(2, 3)
		require.NoError(t, err)
		assert.Equal(t, []uint16{'x', 0x0001, 0x86A0}, regs)
	})

	t.Run("WriteThenReadCoils", func(t *testing.T) {
		require.NoError(t, b.WriteCoils(1, []bool{true, false, true}))
		coils, err := b.ReadCoils(0, 4)
		require.NoError(t, err)
		assert.Equal(t, []bool{false, true, false, true}, coils)
	})

	t.Run("OutOfRange", func(t *testing.T) {
		_, err := b.ReadHolding(7, 2)
		assert.ErrorIs(t, err, ErrIllegalAddress)
		assert.ErrorIs(t, b.WriteCoils(8, []bool{true}), ErrIllegalAddress)
	})

	t.Run("ZeroQuantity", func(t *testing.T) {
		_, err := b.ReadCoils(0, 0)
		assert.ErrorIs(t, err, ErrIllegalValue)
	})
}

func TestBankActivity(t *testing.T) {
	b := NewBank(0, 0)
	assert.False(t, b.TakeActivity())

	b.SetHolding(5, 1, 2)
	b.SetCoil(2, true)
	assert.False(t, b.TakeActivity(), "device side access is not host activity")

	_, err := b.ReadHolding(5, 2)
	require.NoError(t, err)
	assert.True(t, b.TakeActivity())
	assert.False(t, b.TakeActivity())

	// failed requests still prove the host is alive
	_, err = b.ReadHolding(100, 1)
	require.Error(t, err)
	assert.True(t, b.TakeActivity())
}

func TestBankDeviceAccess(t *testing.T) {
	b := NewBank(4, 4)

	b.SetHolding(2, 10, 20, 30, 40)
	assert.Equal(t, []uint16{10, 20, 0}, b.Holding(2, 3))

	b.SetCoil(10, true)
	assert.False(t, b.Coil(10))

	b.SetCoil(3, true)
	assert.True(t, b.Coil(3))
}
