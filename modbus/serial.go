package modbus

import (
	"errors"
	"fmt"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

const (
	DefaultBaudRate = 115200

	// SerialPortNone is offered alongside detected ports to run without a host link
	SerialPortNone = "none"
)

var ErrNoUSBSerial = errors.New("no USB serial ports found")

// OpenSerial opens the host link in 8N1 mode. The read timeout doubles as the RTU inter-frame gap
func OpenSerial(name string, baudRate int) (serial.Port, error) {
	if baudRate == 0 {
		baudRate = DefaultBaudRate
	}

	port, err := serial.Open(name, &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("error opening serial port %q: %w", name, err)
	}

	err = port.SetReadTimeout(frameGap(baudRate))
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("error setting read timeout: %w", err)
	}

	return port, nil
}

// frameGap is the 3.5 character silence that ends an RTU frame, rounded up to whole milliseconds
func frameGap(baudRate int) time.Duration {
	if baudRate > 19200 {
		return 2 * time.Millisecond
	}
	// 11 bits per character
	gap := time.Duration(float64(time.Second) * 3.5 * 11 / float64(baudRate))
	return gap.Round(time.Millisecond) + time.Millisecond
}

// GetSerialPorts lists USB serial ports
func GetSerialPorts() ([]string, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("error listing serial ports: %w", err)
	}

	var result []string
	for _, p := range ports {
		if p.IsUSB {
			result = append(result, p.Name)
		}
	}

	if len(result) == 0 {
		return nil, ErrNoUSBSerial
	}

	return result, nil
}
