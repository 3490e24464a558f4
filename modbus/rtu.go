package modbus

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"
)

const (
	// DefaultUnitID is the slave address the host software talks to
	DefaultUnitID byte = 11

	maxRTUFrame = 256
)

// RTUServer answers Modbus RTU requests on a serial line
type RTUServer struct {
	port   io.ReadWriter
	bank   *Bank
	unitID byte
	logger *zap.Logger
}

// NewRTUServer serves bank on port as slave unitID
func NewRTUServer(port io.ReadWriter, bank *Bank, unitID byte, logger *zap.Logger) *RTUServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RTUServer{
		port:   port,
		bank:   bank,
		unitID: unitID,
		logger: logger.Named("rtu"),
	}
}

// Serve reads and answers requests until ctx is done, the port returns io.EOF, or a read fails.
// The port needs a read timeout: an empty read is treated as the inter-frame gap and is also when
// cancellation is noticed.
func (s *RTUServer) Serve(ctx context.Context) error {
	buf := make([]byte, 0, maxRTUFrame)
	chunk := make([]byte, maxRTUFrame)

	for {
		if ctx.Err() != nil {
			return nil
		}

		n, err := s.port.Read(chunk)
		if err != nil {
			if errors.Is(err, io.EOF) {
				if len(buf) > 0 {
					s.handleFrame(buf)
				}
				return nil
			}
			return fmt.Errorf("error reading serial port: %w", err)
		}

		if n == 0 {
			if len(buf) > 0 {
				s.handleFrame(buf)
				buf = buf[:0]
			}
			continue
		}

		buf = append(buf, chunk[:n]...)
		for {
			size, ok := requestLength(buf)
			if !ok || len(buf) < size {
				break
			}
			s.handleFrame(buf[:size])
			buf = append(buf[:0], buf[size:]...)
		}

		if len(buf) > maxRTUFrame {
			s.logger.Debug("dropping oversized frame", zap.Int("bytes", len(buf)))
			buf = buf[:0]
		}
	}
}

func (s *RTUServer) handleFrame(frame []byte) {
	if !checkCRC(frame) {
		s.logger.Debug("dropping frame with bad CRC", zap.Binary("frame", frame))
		return
	}

	unit := frame[0]
	if unit != s.unitID && unit != 0 {
		return
	}

	resp := handlePDU(s.bank, frame[1:len(frame)-2])
	if unit == 0 || resp == nil {
		return
	}

	out := appendCRC(append([]byte{unit}, resp...))
	_, err := s.port.Write(out)
	if err != nil {
		s.logger.Warn("error writing response", zap.Error(err))
	}
}
