package modbus

import (
	"errors"
	"fmt"
	"time"

	mbtcp "github.com/simonvetter/modbus"
)

// TCPServer exposes the same Bank over Modbus TCP for bench tools
type TCPServer struct {
	addr   string
	server *mbtcp.ModbusServer
}

// NewTCPServer prepares a Modbus TCP server listening on addr (host:port)
func NewTCPServer(addr string, bank *Bank) (*TCPServer, error) {
	server, err := mbtcp.NewServer(&mbtcp.ServerConfiguration{
		URL:        "tcp://" + addr,
		Timeout:    30 * time.Second,
		MaxClients: 4,
	}, &tcpHandler{bank: bank})
	if err != nil {
		return nil, fmt.Errorf("error creating modbus tcp server: %w", err)
	}

	return &TCPServer{addr: addr, server: server}, nil
}

func (s *TCPServer) Start() error {
	err := s.server.Start()
	if err != nil {
		return fmt.Errorf("error starting modbus tcp server on %s: %w", s.addr, err)
	}
	return nil
}

func (s *TCPServer) Stop() error {
	return s.server.Stop()
}

// tcpHandler adapts Bank to the request handler of the TCP server. Unit ids are not checked since a
// TCP connection addresses exactly one device.
type tcpHandler struct {
	bank *Bank
}

func (h *tcpHandler) HandleCoils(req *mbtcp.CoilsRequest) ([]bool, error) {
	if req.IsWrite {
		return nil, tcpError(h.bank.WriteCoils(req.Addr, req.Args))
	}
	res, err := h.bank.ReadCoils(req.Addr, req.Quantity)
	return res, tcpError(err)
}

func (h *tcpHandler) HandleDiscreteInputs(req *mbtcp.DiscreteInputsRequest) ([]bool, error) {
	res, err := h.bank.ReadCoils(req.Addr, req.Quantity)
	return res, tcpError(err)
}

func (h *tcpHandler) HandleHoldingRegisters(req *mbtcp.HoldingRegistersRequest) ([]uint16, error) {
	if req.IsWrite {
		return nil, tcpError(h.bank.WriteHolding(req.Addr, req.Args))
	}
	res, err := h.bank.ReadHolding(req.Addr, req.Quantity)
	return res, tcpError(err)
}

func (h *tcpHandler) HandleInputRegisters(req *mbtcp.InputRegistersRequest) ([]uint16, error) {
	res, err := h.bank.ReadHolding(req.Addr, req.Quantity)
	return res, tcpError(err)
}

func tcpError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrIllegalAddress):
		return mbtcp.ErrIllegalDataAddress
	case errors.Is(err, ErrIllegalValue):
		return mbtcp.ErrIllegalDataValue
	default:
		return mbtcp.ErrServerDeviceFailure
	}
}
