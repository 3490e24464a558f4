package actuator

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/calvinmclean/spinrig"
	"github.com/tarm/serial"
)

// MKS SERVO42D/57D RS485 protocol. The drivers must run in SR_vFOC work mode
const (
	mksDownlinkHead byte = 0xFA
	mksUplinkHead   byte = 0xFB

	mksReadEncoder    byte = 0x31
	mksWorkingCurrent byte = 0x83
	mksHoldingCurrent byte = 0x9B
	mksEnable         byte = 0xF3
	mksRelativeAxis   byte = 0xF4
	mksAbsoluteAxis   byte = 0xF5
	mksSpeedMode      byte = 0xF6
	mksEmergencyStop  byte = 0xF7

	mksAxisPerRotation = 0x4000
	mksMaxSpeed        = 3000
	mksMaxAcceleration = 255
	mksMaxAxis         = 1<<23 - 1
)

var (
	ErrMKSCommandFailed = errors.New("mks command failed")
	errMKSShortResponse = errors.New("mks response timed out")
	errMKSBadResponse   = errors.New("mks response is malformed")
)

// MKSConfig selects an MKS closed-loop driver on an RS485 adapter
type MKSConfig struct {
	Port    string `yaml:"port"`
	Baud    int    `yaml:"baud"`
	Address byte   `yaml:"address"`
	// StepsPerRotation converts controller steps to encoder axis units
	StepsPerRotation uint32 `yaml:"steps_per_rotation"`
}

func DefaultMKSConfig() MKSConfig {
	return MKSConfig{
		Port:             "/dev/ttyUSB1",
		Baud:             115200,
		Address:          0x01,
		StepsPerRotation: 3200,
	}
}

type mksPort interface {
	io.ReadWriter
	Flush() error
}

// MKS drives an MKS SERVO42D/57D over RS485. Motion commands are fire and forget: only the first
// status frame is read, completion frames are flushed before the next command. Axis commands carry
// 24 bits, about 1.6M steps at 3200 steps per rotation, so longer moves run in speed mode and are
// ended from Position
type MKS struct {
	mtx     sync.Mutex
	port    mksPort
	closer  io.Closer
	addr    byte
	cfg     MKSConfig
	speed   uint16
	accel   byte
	decel   byte
	enabled bool

	// run is a move too long for one axis command, driven in speed mode
	run *mksRun
}

// mksRun ends once Position sees the stage at or past target
type mksRun struct {
	target  int32
	forward bool
}

func (r mksRun) reached(pos int32) bool {
	if r.forward {
		return pos >= r.target
	}
	return pos <= r.target
}

// OpenMKS opens the serial port of the driver
func OpenMKS(cfg MKSConfig) (*MKS, error) {
	if cfg.Port == "" {
		return nil, errors.New("serial port must be set before connecting")
	}

	port, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Port,
		Baud:        cfg.Baud,
		ReadTimeout: 50 * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("error connecting to %s: %w", cfg.Port, err)
	}

	m := newMKS(port, cfg)
	m.closer = port
	return m, nil
}

func newMKS(port mksPort, cfg MKSConfig) *MKS {
	if cfg.StepsPerRotation == 0 {
		cfg.StepsPerRotation = DefaultMKSConfig().StepsPerRotation
	}
	return &MKS{
		port:  port,
		addr:  cfg.Address,
		cfg:   cfg,
		speed: 600,
		accel: 2,
		decel: 2,
	}
}

func mksChecksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return sum
}

// mksSpeedBytes packs the 12 bit speed with the direction bit, as F6 expects
func mksSpeedBytes(clockwise bool, rpm uint16) (byte, byte) {
	hi := byte(rpm>>8) & 0x0F
	if clockwise {
		hi |= 0x80
	}
	return hi, byte(rpm)
}

func fitsAxis(axis int64) bool {
	return axis <= mksMaxAxis && axis >= -mksMaxAxis
}

func checkMotion(rpm uint16, axis int64) error {
	if rpm > mksMaxSpeed {
		return fmt.Errorf("speed was outside 0-%d constraint of the motor: %d", mksMaxSpeed, rpm)
	}
	if !fitsAxis(axis) {
		return fmt.Errorf("axis %d does not fit in 24 bits", axis)
	}
	return nil
}

// axisPayload builds F4 (relative) and F5 (absolute) moves: speed, acceleration, signed 24 bit axis
func axisPayload(addr, function byte, rpm uint16, acc byte, axis int64) ([]byte, error) {
	err := checkMotion(rpm, axis)
	if err != nil {
		return nil, err
	}
	u := uint32(axis)
	return []byte{
		mksDownlinkHead, addr, function,
		byte(rpm >> 8), byte(rpm),
		acc,
		byte(u >> 16), byte(u >> 8), byte(u),
	}, nil
}

func speedModePayload(addr byte, clockwise bool, rpm uint16, acc byte) ([]byte, error) {
	err := checkMotion(rpm, 0)
	if err != nil {
		return nil, err
	}
	hi, lo := mksSpeedBytes(clockwise, rpm)
	return []byte{mksDownlinkHead, addr, mksSpeedMode, hi, lo, acc}, nil
}

// parseInt48 decodes the signed 48 bit big endian encoder value
func parseInt48(b []byte) int64 {
	var v int64
	for _, x := range b[:6] {
		v = v<<8 | int64(x)
	}
	if b[0]&0x80 != 0 {
		v |= ^int64(0xFFFFFFFFFFFF)
	}
	return v
}

func (m *MKS) stepsToAxis(steps int64) int64 {
	return steps * mksAxisPerRotation / int64(m.cfg.StepsPerRotation)
}

func (m *MKS) axisToSteps(axis int64) int32 {
	return int32(axis * int64(m.cfg.StepsPerRotation) / mksAxisPerRotation)
}

// stepsToRPM converts steps/s, limited to what the driver accepts
func (m *MKS) stepsToRPM(stepsPerSecond uint32) uint16 {
	rpm := uint64(stepsPerSecond) * 60 / uint64(m.cfg.StepsPerRotation)
	return uint16(min(max(rpm, 1), mksMaxSpeed))
}

// accelCode maps steps/s² to the driver's 0-255 acceleration code. 0 means no ramp, so the
// slowest ramp is 1
func accelCode(stepsPerSecond2 uint32) byte {
	return byte(min(max(stepsPerSecond2/100, 1), mksMaxAcceleration))
}

// send writes payload with its checksum and reads a response of size bytes. Callers hold mtx
func (m *MKS) send(payload []byte, size int) ([]byte, error) {
	err := m.port.Flush()
	if err != nil {
		return nil, fmt.Errorf("error flushing serial port: %w", err)
	}

	_, err = m.port.Write(append(payload, mksChecksum(payload)))
	if err != nil {
		return nil, fmt.Errorf("error writing to serial port: %w", err)
	}

	resp := make([]byte, size)
	read := 0
	for read < size {
		n, err := m.port.Read(resp[read:])
		if n == 0 || errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: got %d of %d bytes for function %#02x", errMKSShortResponse, read, size, payload[2])
		}
		if err != nil {
			return nil, fmt.Errorf("error reading from serial port: %w", err)
		}
		read += n
	}

	if resp[0] != mksUplinkHead || resp[1] != m.addr || resp[2] != payload[2] || resp[size-1] != mksChecksum(resp[:size-1]) {
		return nil, fmt.Errorf("%w: % x", errMKSBadResponse, resp)
	}
	return resp, nil
}

// command sends payload and checks the one byte status of the 5 byte response
func (m *MKS) command(payload []byte) error {
	resp, err := m.send(payload, 5)
	if err != nil {
		return err
	}
	if resp[3] == 0 {
		return fmt.Errorf("%w: function %#02x", ErrMKSCommandFailed, payload[2])
	}
	return nil
}

// MoveTo uses an absolute axis move when the target fits in 24 bits, a relative one when the
// distance does, and a speed mode run otherwise
func (m *MKS) MoveTo(target int32) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	m.run = nil
	if axis := m.stepsToAxis(int64(target)); fitsAxis(axis) {
		payload, err := axisPayload(m.addr, mksAbsoluteAxis, m.speed, m.accel, axis)
		if err != nil {
			return err
		}
		return m.command(payload)
	}

	pos, err := m.position()
	if err != nil {
		return err
	}
	return m.moveBy(pos, int64(target)-int64(pos))
}

func (m *MKS) MoveBy(delta int32) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	m.run = nil
	if axis := m.stepsToAxis(int64(delta)); fitsAxis(axis) {
		payload, err := axisPayload(m.addr, mksRelativeAxis, m.speed, m.accel, axis)
		if err != nil {
			return err
		}
		return m.command(payload)
	}

	pos, err := m.position()
	if err != nil {
		return err
	}
	return m.moveBy(pos, int64(delta))
}

// moveBy moves delta steps from pos. Callers hold mtx
func (m *MKS) moveBy(pos int32, delta int64) error {
	if axis := m.stepsToAxis(delta); fitsAxis(axis) {
		payload, err := axisPayload(m.addr, mksRelativeAxis, m.speed, m.accel, axis)
		if err != nil {
			return err
		}
		return m.command(payload)
	}

	target := int64(pos) + delta
	target = min(max(target, math.MinInt32), math.MaxInt32)
	forward := delta > 0

	payload, err := speedModePayload(m.addr, !forward, m.speed, m.accel)
	if err != nil {
		return err
	}
	err = m.command(payload)
	if err != nil {
		return err
	}
	m.run = &mksRun{target: int32(target), forward: forward}
	return nil
}

// Stop uses the emergency stop for StopHard. StopSoft ramps down in speed mode with the
// deceleration of the current profile
func (m *MKS) Stop(mode spinrig.StopMode) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	m.run = nil
	if mode == spinrig.StopSoft {
		payload, err := speedModePayload(m.addr, false, 0, m.decel)
		if err != nil {
			return err
		}
		return m.command(payload)
	}
	return m.command([]byte{mksDownlinkHead, m.addr, mksEmergencyStop})
}

// Position reads the encoder. It also ends a speed mode run that has reached its target, with the
// deceleration of the current profile
func (m *MKS) Position() (int32, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	pos, err := m.position()
	if err != nil {
		return 0, err
	}

	if m.run != nil && m.run.reached(pos) {
		m.run = nil
		payload, err := speedModePayload(m.addr, false, 0, m.decel)
		if err != nil {
			return pos, err
		}
		err = m.command(payload)
		if err != nil {
			return pos, fmt.Errorf("error ending run at %d: %w", pos, err)
		}
	}
	return pos, nil
}

func (m *MKS) position() (int32, error) {
	resp, err := m.send([]byte{mksDownlinkHead, m.addr, mksReadEncoder}, 10)
	if err != nil {
		return 0, err
	}
	return m.axisToSteps(parseInt48(resp[3:9])), nil
}

// SetProfile sets the working current and enables the driver. An unpowered profile disables it.
// Speed and acceleration are sent with each move. With BrakeHold the holding current is the share
// of HoldCurrent in RunCurrent, otherwise the lowest holding current is used
func (m *MKS) SetProfile(p spinrig.SpeedProfile) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if !p.Powered() {
		m.enabled = false
		return m.command([]byte{mksDownlinkHead, m.addr, mksEnable, 0x00})
	}

	m.speed = m.stepsToRPM(p.MaxVelocity)
	m.accel = accelCode(p.MaxAccel)
	m.decel = accelCode(p.MaxDecel)

	err := m.command([]byte{mksDownlinkHead, m.addr, mksWorkingCurrent, byte(p.RunCurrent >> 8), byte(p.RunCurrent)})
	if err != nil {
		return fmt.Errorf("error setting working current: %w", err)
	}

	err = m.command([]byte{mksDownlinkHead, m.addr, mksHoldingCurrent, holdingCode(p)})
	if err != nil {
		return fmt.Errorf("error setting holding current: %w", err)
	}

	if !m.enabled {
		err = m.command([]byte{mksDownlinkHead, m.addr, mksEnable, 0x01})
		if err != nil {
			return fmt.Errorf("error enabling driver: %w", err)
		}
		m.enabled = true
	}
	return nil
}

// holdingCode is the 10%-90% holding current step, 0 through 8
func holdingCode(p spinrig.SpeedProfile) byte {
	if p.Brake != spinrig.BrakeHold || p.RunCurrent == 0 {
		return 0
	}
	percent := uint32(p.HoldCurrent) * 100 / uint32(p.RunCurrent)
	return byte(min(max(percent, 10), 90)/10 - 1)
}

func (m *MKS) Close() error {
	if m.closer == nil {
		return nil
	}
	return m.closer.Close()
}
