package controller

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/calvinmclean/spinrig"
	"go.uber.org/zap"
)

// Controller owns the stepper position state: calibration, clamping, the command queue and the
// connection watchdog. Everything except LimitTriggered, Snapshot and Events must be called from
// the goroutine that runs Tick
type Controller struct {
	cfg      Config
	actuator Actuator
	regs     Registers
	strategy Strategy
	logger   *zap.Logger
	notifier Notifier

	commands map[spinrig.CommandCode]*Command
	queue    *commandQueue
	latch    limitLatch
	cal      calibration
	watchdog watchdog
	report   reporter
	events   *eventLog

	booted        bool
	now           time.Time
	calibrated    bool
	positions     spinrig.Positions
	position      int32
	positionFault bool
	lastEvent     spinrig.Event

	snapshot atomic.Pointer[Snapshot]
}

// Snapshot is a copy of the controller state published after every tick
type Snapshot struct {
	Time       time.Time                `json:"time"`
	Position   int32                    `json:"position"`
	Velocity   int32                    `json:"velocity"`
	Calibrated bool                     `json:"calibrated"`
	Connected  bool                     `json:"connected"`
	State      spinrig.CalibrationState `json:"calibration_state"`
	StateName  string                   `json:"calibration_state_name"`
	Strategy   string                   `json:"strategy"`
	Positions  spinrig.Positions        `json:"positions"`
	QueueDepth int                      `json:"queue_depth"`
	LastEvent  spinrig.Event            `json:"last_event"`
}

type Option func(*Controller)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithNotifier sets where diagnostic events are forwarded
func WithNotifier(n Notifier) Option {
	return func(c *Controller) {
		c.notifier = n
	}
}

// WithStrategy overrides the strategy named in the config
func WithStrategy(s Strategy) Option {
	return func(c *Controller) {
		c.strategy = s
	}
}

// New creates a Controller. Nothing is sent to the actuator until the first Tick
func New(cfg Config, actuator Actuator, regs Registers, opts ...Option) (*Controller, error) {
	if actuator == nil {
		return nil, errors.New("missing actuator")
	}
	if regs == nil {
		return nil, errors.New("missing registers")
	}

	c := &Controller{
		cfg:      cfg,
		actuator: actuator,
		regs:     regs,
		logger:   zap.NewNop(),
		notifier: noopNotifier{},
		commands: commandMap(),
		queue:    newCommandQueue(cfg.Queue.Capacity, cfg.Queue.StaleAfter),
		watchdog: watchdog{timeout: cfg.Watchdog.Timeout},
		report:   reporter{window: cfg.Reporting.VelocityWindow},
		events:   newEventLog(cfg.Reporting.EventHistory),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.strategy == nil {
		strategy, err := NewStrategy(cfg.Calibration)
		if err != nil {
			return nil, fmt.Errorf("error creating calibration strategy: %w", err)
		}
		c.strategy = strategy
	}
	c.logger = c.logger.Named("controller")

	c.snapshot.Store(&Snapshot{StateName: spinrig.CalibrationIdle.String(), Strategy: c.strategy.Name()})

	return c, nil
}

// boot puts the actuator in standby and starts the watchdog clock
func (c *Controller) boot() {
	c.booted = true
	c.watchdog.lastActivity = c.now

	err := c.actuator.SetProfile(c.cfg.Standby)
	if err != nil {
		c.fault("set standby profile", err)
	}
	c.readPosition()
	c.setCalibrated(false)
	c.regs.SetCoil(CoilConnected, false)

	c.logger.Info("controller started", zap.String("strategy", c.strategy.Name()), zap.Int32("position", c.position))
	c.publish(spinrig.EventBoot, spinrig.CommandNone, "")
}

// Tick runs one pass of the control loop at now: commands, calibration, reporting, then the
// watchdog
func (c *Controller) Tick(now time.Time) {
	c.now = now
	if !c.booted {
		c.boot()
	}

	if r, ok := c.readCommand(); ok {
		c.dispatch(r)
	}
	c.runQueued()

	c.tickCalibration(c.latch.take())
	c.tickReport()
	c.tickWatchdog()

	c.snapshot.Store(&Snapshot{
		Time:       now,
		Position:   c.position,
		Velocity:   c.report.velocity,
		Calibrated: c.calibrated,
		Connected:  c.watchdog.connected,
		State:      c.cal.state,
		StateName:  c.cal.state.String(),
		Strategy:   c.strategy.Name(),
		Positions:  c.positions,
		QueueDepth: c.queue.Len(),
		LastEvent:  c.lastEvent,
	})
}

// Run ticks every TickInterval until ctx is done
func (c *Controller) Run(ctx context.Context) error {
	interval := c.cfg.TickInterval
	if interval <= 0 {
		interval = 5 * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.Tick(time.Now())
	for {
		select {
		case <-ctx.Done():
			err := c.actuator.Stop(spinrig.StopSoft)
			if err != nil {
				c.logger.Warn("error stopping actuator on shutdown", zap.Error(err))
			}
			return nil
		case now := <-ticker.C:
			c.Tick(now)
		}
	}
}

// Snapshot returns the state published by the last Tick. It is safe to call from any goroutine
func (c *Controller) Snapshot() Snapshot {
	return *c.snapshot.Load()
}
