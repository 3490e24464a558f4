package modbus

import (
	"encoding/binary"
	"errors"
)

// Function codes served by the device
const (
	FuncReadCoils              byte = 0x01
	FuncReadDiscreteInputs     byte = 0x02
	FuncReadHoldingRegisters   byte = 0x03
	FuncReadInputRegisters     byte = 0x04
	FuncWriteSingleCoil        byte = 0x05
	FuncWriteSingleRegister    byte = 0x06
	FuncWriteMultipleCoils     byte = 0x0F
	FuncWriteMultipleRegisters byte = 0x10
)

// Exception codes
const (
	ExceptionIllegalFunction    byte = 0x01
	ExceptionIllegalDataAddress byte = 0x02
	ExceptionIllegalDataValue   byte = 0x03
	ExceptionDeviceFailure      byte = 0x04
)

const (
	maxReadBits       = 2000
	maxReadRegisters  = 125
	maxWriteBits      = 1968
	maxWriteRegisters = 123
)

// requestLength returns the complete RTU request length (unit id through CRC) for the frame
// prefix in buf. ok is false when not enough bytes have arrived yet to know, or when the function
// code has no fixed layout.
func requestLength(buf []byte) (n int, ok bool) {
	if len(buf) < 2 {
		return 0, false
	}
	switch buf[1] {
	case FuncReadCoils, FuncReadDiscreteInputs, FuncReadHoldingRegisters, FuncReadInputRegisters,
		FuncWriteSingleCoil, FuncWriteSingleRegister:
		return 8, true
	case FuncWriteMultipleCoils, FuncWriteMultipleRegisters:
		if len(buf) < 7 {
			return 0, false
		}
		return 9 + int(buf[6]), true
	}
	return 0, false
}

func exception(fc, code byte) []byte {
	return []byte{fc | 0x80, code}
}

func exceptionFor(fc byte, err error) []byte {
	switch {
	case errors.Is(err, ErrIllegalAddress):
		return exception(fc, ExceptionIllegalDataAddress)
	case errors.Is(err, ErrIllegalValue):
		return exception(fc, ExceptionIllegalDataValue)
	default:
		return exception(fc, ExceptionDeviceFailure)
	}
}

// handlePDU executes a request PDU (function code + data) against the bank and returns the
// response PDU
func handlePDU(bank *Bank, pdu []byte) []byte {
	if len(pdu) == 0 {
		return nil
	}
	fc := pdu[0]
	data := pdu[1:]

	switch fc {
	case FuncReadCoils, FuncReadDiscreteInputs:
		if len(data) != 4 {
			return exception(fc, ExceptionIllegalDataValue)
		}
		addr, qty := binary.BigEndian.Uint16(data), binary.BigEndian.Uint16(data[2:])
		if qty == 0 || qty > maxReadBits {
			return exception(fc, ExceptionIllegalDataValue)
		}
		bits, err := bank.ReadCoils(addr, qty)
		if err != nil {
			return exceptionFor(fc, err)
		}
		packed := packBits(bits)
		return append([]byte{fc, byte(len(packed))}, packed...)

	case FuncReadHoldingRegisters, FuncReadInputRegisters:
		if len(data) != 4 {
			return exception(fc, ExceptionIllegalDataValue)
		}
		addr, qty := binary.BigEndian.Uint16(data), binary.BigEndian.Uint16(data[2:])
		if qty == 0 || qty > maxReadRegisters {
			return exception(fc, ExceptionIllegalDataValue)
		}
		regs, err := bank.ReadHolding(addr, qty)
		if err != nil {
			return exceptionFor(fc, err)
		}
		resp := make([]byte, 2, 2+2*len(regs))
		resp[0], resp[1] = fc, byte(2*len(regs))
		for _, r := range regs {
			resp = binary.BigEndian.AppendUint16(resp, r)
		}
		return resp

	case FuncWriteSingleCoil:
		if len(data) != 4 {
			return exception(fc, ExceptionIllegalDataValue)
		}
		addr, value := binary.BigEndian.Uint16(data), binary.BigEndian.Uint16(data[2:])
		if value != 0xFF00 && value != 0x0000 {
			return exception(fc, ExceptionIllegalDataValue)
		}
		err := bank.WriteCoils(addr, []bool{value == 0xFF00})
		if err != nil {
			return exceptionFor(fc, err)
		}
		return append([]byte{fc}, data...)

	case FuncWriteSingleRegister:
		if len(data) != 4 {
			return exception(fc, ExceptionIllegalDataValue)
		}
		addr, value := binary.BigEndian.Uint16(data), binary.BigEndian.Uint16(data[2:])
		err := bank.WriteHolding(addr, []uint16{value})
		if err != nil {
			return exceptionFor(fc, err)
		}
		return append([]byte{fc}, data...)

	case FuncWriteMultipleCoils:
		if len(data) < 5 {
			return exception(fc, ExceptionIllegalDataValue)
		}
		addr, qty, count := binary.BigEndian.Uint16(data), binary.BigEndian.Uint16(data[2:]), int(data[4])
		if qty == 0 || qty > maxWriteBits || count != (int(qty)+7)/8 || len(data) != 5+count {
			return exception(fc, ExceptionIllegalDataValue)
		}
		err := bank.WriteCoils(addr, unpackBits(data[5:], int(qty)))
		if err != nil {
			return exceptionFor(fc, err)
		}
		return append([]byte{fc}, data[:4]...)

	case FuncWriteMultipleRegisters:
		if len(data) < 5 {
			return exception(fc, ExceptionIllegalDataValue)
		}
		addr, qty, count := binary.BigEndian.Uint16(data), binary.BigEndian.Uint16(data[2:]), int(data[4])
		if qty == 0 || qty > maxWriteRegisters || count != 2*int(qty) || len(data) != 5+count {
			return exception(fc, ExceptionIllegalDataValue)
		}
		values := make([]uint16, qty)
		for i := range values {
			values[i] = binary.BigEndian.Uint16(data[5+2*i:])
		}
		err := bank.WriteHolding(addr, values)
		if err != nil {
			return exceptionFor(fc, err)
		}
		return append([]byte{fc}, data[:4]...)
	}

	return exception(fc, ExceptionIllegalFunction)
}

func packBits(bits []bool) []byte {
	out := make([]byte, (len(bits)+7)/8)
	for i, b := range bits {
		if b {
			out[i/8] |= 1 << (i % 8)
		}
	}
	return out
}

func unpackBits(data []byte, n int) []bool {
	out := make([]bool, n)
	for i := range out {
		out[i] = data[i/8]&(1<<(i%8)) != 0
	}
	return out
}
