package modbus

import (
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// ErrIllegalAddress is returned when a request reaches outside of the bank
	ErrIllegalAddress = errors.New("illegal data address")
	// ErrIllegalValue is returned for malformed quantities or values
	ErrIllegalValue = errors.New("illegal data value")
)

const (
	DefaultCoils            = 32
	DefaultHoldingRegisters = 32
)

// Bank is the register storage shared between the Modbus transports (host side) and the controller
// (device side). Host-side accessors mark activity for the connection watchdog, device-side
// accessors do not.
type Bank struct {
	mtx     sync.Mutex
	coils   []bool
	holding []uint16

	activity atomic.Bool
}

// NewBank creates a Bank with the given number of coils and holding registers
func NewBank(coils, holding int) *Bank {
	if coils <= 0 {
		coils = DefaultCoils
	}
	if holding <= 0 {
		holding = DefaultHoldingRegisters
	}
	return &Bank{
		coils:   make([]bool, coils),
		holding: make([]uint16, holding),
	}
}

func checkRange(addr, qty uint16, size int) error {
	if qty == 0 {
		return ErrIllegalValue
	}
	if int(addr)+int(qty) > size {
		return ErrIllegalAddress
	}
	return nil
}

// ReadCoils is the host-side coil read
func (b *Bank) ReadCoils(addr, qty uint16) ([]bool, error) {
	b.MarkActivity()

	b.mtx.Lock()
	defer b.mtx.Unlock()

	err := checkRange(addr, qty, len(b.coils))
	if err != nil {
		return nil, err
	}

	out := make([]bool, qty)
	copy(out, b.coils[addr:])
	return out, nil
}

// WriteCoils is the host-side coil write
func (b *Bank) WriteCoils(addr uint16, values []bool) error {
	b.MarkActivity()

	b.mtx.Lock()
	defer b.mtx.Unlock()

	err := checkRange(addr, uint16(len(values)), len(b.coils))
	if err != nil {
		return err
	}

	copy(b.coils[addr:], values)
	return nil
}

// ReadHolding is the host-side holding register read
func (b *Bank) ReadHolding(addr, qty uint16) ([]uint16, error) {
	b.MarkActivity()

	b.mtx.Lock()
	defer b.mtx.Unlock()

	err := checkRange(addr, qty, len(b.holding))
	if err != nil {
		return nil, err
	}

	out := make([]uint16, qty)
	copy(out, b.holding[addr:])
	return out, nil
}

// WriteHolding is the host-side holding register write. All values are stored under one lock so a
// multi-register write is observed atomically by the device.
func (b *Bank) WriteHolding(addr uint16, values []uint16) error {
	b.MarkActivity()

	b.mtx.Lock()
	defer b.mtx.Unlock()

	err := checkRange(addr, uint16(len(values)), len(b.holding))
	if err != nil {
		return err
	}

	copy(b.holding[addr:], values)
	return nil
}

// MarkActivity records that the host talked to the device
func (b *Bank) MarkActivity() {
	b.activity.Store(true)
}

// TakeActivity reports whether there was host activity since the last call and resets the flag
func (b *Bank) TakeActivity() bool {
	return b.activity.Swap(false)
}

// Coil returns a coil value. Out of range addresses read as false
func (b *Bank) Coil(addr uint16) bool {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	if int(addr) >= len(b.coils) {
		return false
	}
	return b.coils[addr]
}

// SetCoil sets a coil value. Out of range addresses are ignored
func (b *Bank) SetCoil(addr uint16, v bool) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	if int(addr) >= len(b.coils) {
		return
	}
	b.coils[addr] = v
}

// Holding returns a copy of qty holding registers starting at addr. Registers past the end read as 0
func (b *Bank) Holding(addr, qty uint16) []uint16 {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	out := make([]uint16, qty)
	for i := range out {
		idx := int(addr) + i
		if idx < len(b.holding) {
			out[i] = b.holding[idx]
		}
	}
	return out
}

// SetHolding stores values starting at addr. Registers past the end are dropped
func (b *Bank) SetHolding(addr uint16, values ...uint16) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	for i, v := range values {
		idx := int(addr) + i
		if idx >= len(b.holding) {
			return
		}
		b.holding[idx] = v
	}
}
