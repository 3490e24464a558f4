package spinrig

import "errors"

// CommandCode is the single ASCII character a host writes to the command register
type CommandCode byte

const (
	CommandNone      CommandCode = 0
	CommandStop      CommandCode = 's'
	CommandStopAlias CommandCode = 'e'
	CommandCalibrate CommandCode = 'c'
	CommandMoveTo    CommandCode = 'x'
	CommandQuery     CommandCode = 'g'
	CommandStatus    CommandCode = 't'

	// Relative presets
	CommandUp50   CommandCode = 'q'
	CommandUp10   CommandCode = 'w'
	CommandUp1    CommandCode = 'd'
	CommandDown1  CommandCode = 'r'
	CommandDown10 CommandCode = 'f'
	CommandDown50 CommandCode = 'v'

	// Named positions
	CommandGoDown CommandCode = 'b'
	CommandGoUp   CommandCode = 'u'
	CommandGoPark CommandCode = 'p'

	// PTF fixture positions
	CommandGoBore    CommandCode = '6'
	CommandGoHalbach CommandCode = 'h'
)

func (c CommandCode) String() string {
	if c >= 32 && c <= 126 {
		return string(rune(c))
	}
	return "0x" + string("0123456789ABCDEF"[(c>>4)&0xF]) + string("0123456789ABCDEF"[c&0xF])
}

// CalibrationState is the phase of the calibration state machine
type CalibrationState int

const (
	CalibrationIdle CalibrationState = iota
	CalibrationMovingToLimit
	CalibrationLimitFound
	CalibrationReturningHome
)

func (s CalibrationState) String() string {
	switch s {
	case CalibrationMovingToLimit:
		return "MovingToLimit"
	case CalibrationLimitFound:
		return "LimitFound"
	case CalibrationReturningHome:
		return "ReturningHome"
	default:
		fallthrough
	case CalibrationIdle:
		return "Idle"
	}
}

// InFlight is true for every state except Idle
func (s CalibrationState) InFlight() bool {
	return s != CalibrationIdle
}

// Limit identifies a limit switch. Values are bit flags so several edges can be latched at once
type Limit uint32

const (
	LimitTop Limit = 1 << iota
	LimitBottom
)

func (l Limit) String() string {
	switch l {
	case LimitTop:
		return "top"
	case LimitBottom:
		return "bottom"
	case LimitTop | LimitBottom:
		return "top+bottom"
	default:
		return "none"
	}
}

// Has reports whether all bits of other are set in l
func (l Limit) Has(other Limit) bool {
	return other != 0 && l&other == other
}

// StopMode selects how the actuator halts
type StopMode int

const (
	// StopHard halts immediately without respecting the deceleration limit
	StopHard StopMode = iota
	// StopSoft decelerates to a stop
	StopSoft
)

// BrakeMode is what the driver does with the coils once motion ends
type BrakeMode int

const (
	BrakeCoast BrakeMode = iota
	BrakeHold
)

func (b BrakeMode) String() string {
	if b == BrakeHold {
		return "hold"
	}
	return "coast"
}

func (b BrakeMode) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

func (b *BrakeMode) UnmarshalText(text []byte) error {
	switch string(text) {
	case "hold":
		*b = BrakeHold
	case "coast", "":
		*b = BrakeCoast
	default:
		return errors.New("invalid brake mode: " + string(text))
	}
	return nil
}

// SpeedProfile is the set of motion parameters applied to the actuator before a move
type SpeedProfile struct {
	RunCurrent  uint16    `yaml:"run_current" json:"run_current"`   // mA
	HoldCurrent uint16    `yaml:"hold_current" json:"hold_current"` // mA
	MaxAccel    uint32    `yaml:"max_accel" json:"max_accel"`       // steps/s²
	MaxDecel    uint32    `yaml:"max_decel" json:"max_decel"`       // steps/s²
	MaxVelocity uint32    `yaml:"max_velocity" json:"max_velocity"` // steps/s
	Brake       BrakeMode `yaml:"brake" json:"brake"`
}

// Powered is false for a profile that leaves the coils unpowered
func (p SpeedProfile) Powered() bool {
	return p.RunCurrent > 0
}

// Positions are the reference positions derived by calibration
type Positions struct {
	Top  int32 `json:"top"`
	Up   int32 `json:"up"`
	Down int32 `json:"down"`
	Park int32 `json:"park"`
}

// Valid checks Down < Up <= Top
func (p Positions) Valid() bool {
	return p.Down < p.Up && p.Up <= p.Top
}

// Clamp limits target to [Down, Up]
func (p Positions) Clamp(target int32) int32 {
	if target < p.Down {
		return p.Down
	}
	if target > p.Up {
		return p.Up
	}
	return target
}

// SplitInt32 disassembles a signed 32-bit value into high and low 16-bit words
func SplitInt32(v int32) (hi, lo uint16) {
	u := uint32(v)
	return uint16(u >> 16), uint16(u & 0xFFFF)
}

// JoinInt32 assembles high and low 16-bit words into a signed 32-bit value
func JoinInt32(hi, lo uint16) int32 {
	return int32(uint32(hi)<<16 | uint32(lo))
}
