package controller

// Registers is the device side of the Modbus register bank
type Registers interface {
	Coil(addr uint16) bool
	SetCoil(addr uint16, v bool)
	Holding(addr, qty uint16) []uint16
	SetHolding(addr uint16, values ...uint16)

	// TakeActivity reports host traffic since the previous call
	TakeActivity() bool
}

// Coil addresses
const (
	CoilCommandPending uint16 = 1
	CoilCalibrated     uint16 = 2
	CoilConnected      uint16 = 3
)

// Holding register addresses. 32-bit values take two registers, high word first
const (
	RegCommand          uint16 = 2
	RegTarget           uint16 = 3
	RegPosition         uint16 = 5
	RegTop              uint16 = 7
	RegMaxVelocity      uint16 = 9
	RegMaxAccel         uint16 = 10
	RegVelocity         uint16 = 11
	RegLastEvent        uint16 = 13
	RegCalibrationState uint16 = 14
	RegQueueDepth       uint16 = 15
)
