package controller

import (
	"errors"
	"strconv"

	"github.com/calvinmclean/spinrig"
	"go.uber.org/zap"
)

var errNotCalibrated = errors.New("not calibrated")

// Command is an entry in the command table
type Command struct {
	Code spinrig.CommandCode
	// Queued commands wait in the queue while a calibration runs or earlier commands are waiting
	Queued      bool
	Run         func(*Controller, Request) error
	Description string
}

func presetCommand(code spinrig.CommandCode, mm int32) *Command {
	direction := "up"
	if mm < 0 {
		direction = "down"
	}
	abs := mm
	if abs < 0 {
		abs = -abs
	}
	return &Command{
		Code:   code,
		Queued: true,
		Run: func(c *Controller, r Request) error {
			return c.moveBy(r, mm*c.cfg.StepsPerMM)
		},
		Description: "Move " + direction + " " + strconv.Itoa(int(abs)) + " mm. Not clamped.",
	}
}

// namedPositionCommand moves to a position picked from the calibration result. The target is
// clamped like an absolute move
func namedPositionCommand(code spinrig.CommandCode, name string, pick func(spinrig.Positions, CalibrationConfig) int32) *Command {
	return &Command{
		Code:   code,
		Queued: true,
		Run: func(c *Controller, r Request) error {
			return c.moveTo(r, pick(c.positions, c.cfg.Calibration))
		},
		Description: "Move to the " + name + " position.",
	}
}

var (
	StopCommand = &Command{
		Code: spinrig.CommandStop,
		Run: func(c *Controller, r Request) error {
			c.stop(r.Code)
			return nil
		},
		Description: "Hard stop. Aborts calibration and drops queued commands.",
	}
	StopAliasCommand = &Command{
		Code:        spinrig.CommandStopAlias,
		Run:         StopCommand.Run,
		Description: "Same as 's'.",
	}
	CalibrateCommand = &Command{
		Code: spinrig.CommandCalibrate,
		Run: func(c *Controller, r Request) error {
			if c.cal.state.InFlight() {
				c.publish(spinrig.EventCalibrationRejected, r.Code, c.cal.state.String())
				return nil
			}
			c.startCalibration()
			return nil
		},
		Description: "Find the top limit and derive the Up, Down and Park positions.",
	}
	MoveToCommand = &Command{
		Code: spinrig.CommandMoveTo,
		Run: func(c *Controller, r Request) error {
			return c.moveTo(r, r.Value)
		},
		Description: "Move to the target in Hreg 3-4, clamped between Down and Up.",
	}
	QueryCommand = &Command{
		Code: spinrig.CommandQuery,
		Run: func(c *Controller, r Request) error {
			c.readPosition()
			c.publishPosition(true)
			return nil
		},
		Description: "Publish the current position and velocity now.",
	}
	StatusCommand = &Command{
		Code: spinrig.CommandStatus,
		Run: func(c *Controller, r Request) error {
			c.publishStatus()
			return nil
		},
		Description: "Publish the calibration and connection status now.",
	}

	Up50Command   = presetCommand(spinrig.CommandUp50, 50)
	Up10Command   = presetCommand(spinrig.CommandUp10, 10)
	Up1Command    = presetCommand(spinrig.CommandUp1, 1)
	Down1Command  = presetCommand(spinrig.CommandDown1, -1)
	Down10Command = presetCommand(spinrig.CommandDown10, -10)
	Down50Command = presetCommand(spinrig.CommandDown50, -50)

	GoDownCommand = namedPositionCommand(spinrig.CommandGoDown, "Down", func(p spinrig.Positions, _ CalibrationConfig) int32 {
		return p.Down
	})
	GoUpCommand = namedPositionCommand(spinrig.CommandGoUp, "Up", func(p spinrig.Positions, _ CalibrationConfig) int32 {
		return p.Up
	})
	GoParkCommand = namedPositionCommand(spinrig.CommandGoPark, "Park", func(p spinrig.Positions, _ CalibrationConfig) int32 {
		return p.Park
	})
	GoBoreCommand = namedPositionCommand(spinrig.CommandGoBore, "PTF bore", func(p spinrig.Positions, cfg CalibrationConfig) int32 {
		return p.Top - cfg.BoreOffset
	})
	GoHalbachCommand = namedPositionCommand(spinrig.CommandGoHalbach, "PTF Halbach", func(p spinrig.Positions, cfg CalibrationConfig) int32 {
		return p.Top - cfg.HalbachOffset
	})
)

// Commands is the command table in help order
var Commands = []*Command{
	StopCommand,
	StopAliasCommand,
	CalibrateCommand,
	MoveToCommand,
	QueryCommand,
	StatusCommand,
	Up50Command,
	Up10Command,
	Up1Command,
	Down1Command,
	Down10Command,
	Down50Command,
	GoDownCommand,
	GoUpCommand,
	GoParkCommand,
	GoBoreCommand,
	GoHalbachCommand,
}

func commandMap() map[spinrig.CommandCode]*Command {
	result := map[spinrig.CommandCode]*Command{}
	for _, cmd := range Commands {
		result[cmd.Code] = cmd
	}
	return result
}

// readCommand takes the pending command from the registers and clears the handshake
func (c *Controller) readCommand() (Request, bool) {
	regs := c.regs.Holding(RegCommand, 3)
	pendingCoil := c.regs.Coil(CoilCommandPending)
	if regs[0] == 0 && !pendingCoil {
		return Request{}, false
	}

	c.regs.SetHolding(RegCommand, 0)
	c.regs.SetCoil(CoilCommandPending, false)

	if regs[0] == 0 {
		c.logger.Debug("command pending without a command code")
		return Request{}, false
	}

	return Request{
		Code:     spinrig.CommandCode(regs[0]),
		Value:    spinrig.JoinInt32(regs[1], regs[2]),
		Received: c.now,
	}, true
}

// dispatch runs a request now or queues it
func (c *Controller) dispatch(r Request) {
	cmd, ok := c.commands[r.Code]
	if !ok {
		c.logger.Warn("unknown command", zap.Stringer("command", r.Code))
		c.publish(spinrig.EventUnknownCommand, r.Code, "")
		return
	}

	if cmd.Queued && (c.cal.state.InFlight() || c.queue.Len() > 0) {
		if !c.queue.Enqueue(r) {
			c.logger.Warn("command queue full", zap.Stringer("command", r.Code))
			c.publish(spinrig.EventQueueFull, r.Code, "")
			return
		}
		c.logger.Debug("queued command", zap.Stringer("command", r.Code), zap.Int("depth", c.queue.Len()))
		return
	}

	c.run(cmd, r)
}

// runQueued runs the oldest queued command once no calibration is in flight
func (c *Controller) runQueued() {
	if c.cal.state.InFlight() {
		return
	}
	r, ok := c.queue.Dequeue(c.now)
	if !ok {
		return
	}
	c.run(c.commands[r.Code], r)
}

func (c *Controller) run(cmd *Command, r Request) {
	c.logger.Debug("running command", zap.Stringer("command", r.Code), zap.String("description", cmd.Description))

	err := cmd.Run(c, r)
	switch {
	case errors.Is(err, errNotCalibrated):
		c.logger.Info("rejected command", zap.Stringer("command", r.Code), zap.Error(err))
		c.publish(spinrig.EventNotCalibrated, r.Code, "")
	case err != nil:
		c.fault("command "+r.Code.String(), err)
	}
}

// stop hard stops the actuator. It never changes calibrated or the reference positions
func (c *Controller) stop(code spinrig.CommandCode) {
	err := c.actuator.Stop(spinrig.StopHard)
	if err != nil {
		c.fault("stop", err)
	}
	c.abortCalibration()
	c.queue.Flush()
	c.publish(spinrig.EventStop, code, "")
}

// hostProfile is the active profile with the velocity and acceleration overrides from Hreg 9-10.
// Zero means no override
func (c *Controller) hostProfile() spinrig.SpeedProfile {
	profile := c.cfg.Active
	regs := c.regs.Holding(RegMaxVelocity, 2)

	if v := uint32(regs[0]); v > 0 {
		profile.MaxVelocity = min(v, c.cfg.HostLimits.MaxVelocity)
	}
	if a := uint32(regs[1]); a > 0 {
		a = min(a, c.cfg.HostLimits.MaxAccel)
		profile.MaxAccel = a
		profile.MaxDecel = a
	}
	return profile
}

// moveTo clamps target to [Down, Up] and only then applies the host profile
func (c *Controller) moveTo(r Request, target int32) error {
	if !c.calibrated {
		return errNotCalibrated
	}

	clamped := c.positions.Clamp(target)
	if clamped != target {
		c.logger.Info("clamped target", zap.Int32("requested", target), zap.Int32("target", clamped))
	}

	err := c.actuator.SetProfile(c.hostProfile())
	if err != nil {
		return err
	}
	err = c.actuator.MoveTo(clamped)
	if err != nil {
		return err
	}

	c.publish(spinrig.EventCommandAccepted, r.Code, "target "+strconv.Itoa(int(clamped)))
	return nil
}

func (c *Controller) moveBy(r Request, delta int32) error {
	if !c.calibrated {
		return errNotCalibrated
	}

	err := c.actuator.SetProfile(c.hostProfile())
	if err != nil {
		return err
	}
	err = c.actuator.MoveBy(delta)
	if err != nil {
		return err
	}

	c.publish(spinrig.EventCommandAccepted, r.Code, "delta "+strconv.Itoa(int(delta)))
	return nil
}

// Help describes every command
func Help() string {
	result := ""
	for _, cmd := range Commands {
		result += cmd.Code.String() + ": " + cmd.Description + "\n"
	}
	return result
}
