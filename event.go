package spinrig

import "time"

// EventCode is a diagnostic marker published to the status register and the event stream
type EventCode uint16

const (
	EventNone EventCode = iota
	EventBoot
	EventCommandAccepted
	EventUnknownCommand
	EventNotCalibrated
	EventQueueFull
	EventCalibrationStarted
	EventCalibrationRejected
	EventLimitFound
	EventCalibrationReturning
	EventCalibrationComplete
	EventCalibrationTimeout
	EventCalibrationFailed
	EventStop
	EventLimitReached
	EventWatchdogTimeout
	EventConnected
	EventActuatorFault
)

func (e EventCode) String() string {
	switch e {
	case EventBoot:
		return "Boot"
	case EventCommandAccepted:
		return "CommandAccepted"
	case EventUnknownCommand:
		return "UnknownCommand"
	case EventNotCalibrated:
		return "NotCalibrated"
	case EventQueueFull:
		return "QueueFull"
	case EventCalibrationStarted:
		return "CalibrationStarted"
	case EventCalibrationRejected:
		return "CalibrationRejected"
	case EventLimitFound:
		return "LimitFound"
	case EventCalibrationReturning:
		return "CalibrationReturning"
	case EventCalibrationComplete:
		return "CalibrationComplete"
	case EventCalibrationTimeout:
		return "CalibrationTimeout"
	case EventCalibrationFailed:
		return "CalibrationFailed"
	case EventStop:
		return "Stop"
	case EventLimitReached:
		return "LimitReached"
	case EventWatchdogTimeout:
		return "WatchdogTimeout"
	case EventConnected:
		return "Connected"
	case EventActuatorFault:
		return "ActuatorFault"
	default:
		return "None"
	}
}

// Event is a single diagnostic record
type Event struct {
	Code     EventCode        `json:"code"`
	Name     string           `json:"name"`
	Time     time.Time        `json:"time"`
	Position int32            `json:"position"`
	State    CalibrationState `json:"calibration_state"`
	Command  CommandCode      `json:"command,omitempty"`
	Detail   string           `json:"detail,omitempty"`
}
