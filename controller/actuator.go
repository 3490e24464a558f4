package controller

import "github.com/calvinmclean/spinrig"

// Actuator drives the stepper. Stop may be called from any goroutine, including limit switch
// watchers, so implementations must be safe for concurrent use
type Actuator interface {
	MoveTo(target int32) error
	MoveBy(delta int32) error
	Stop(mode spinrig.StopMode) error
	Position() (int32, error)
	SetProfile(p spinrig.SpeedProfile) error
}
