package actuator

import (
	"sync"
	"time"

	"github.com/calvinmclean/spinrig"
)

// SimConfig places the virtual limit switches of the simulated stage
type SimConfig struct {
	Start        int32 `yaml:"start"`
	TopSwitch    int32 `yaml:"top_switch"`
	BottomSwitch int32 `yaml:"bottom_switch"`
}

func DefaultSimConfig() SimConfig {
	return SimConfig{
		Start:        1_000_000,
		TopSwitch:    3_000_000,
		BottomSwitch: 919_680,
	}
}

// Sim is a linear stage moving at constant velocity between two limit switches. The switches are
// also the mechanical ends of travel. Motion is computed from the clock whenever a method is called
type Sim struct {
	mtx   sync.Mutex
	clock func() time.Time
	cfg   SimConfig

	position float64
	target   float64
	moving   bool
	velocity float64
	last     time.Time

	pressed spinrig.Limit
	onLimit func(spinrig.Limit)
}

// NewSim creates a stage at cfg.Start. A nil clock uses time.Now
func NewSim(cfg SimConfig, clock func() time.Time) *Sim {
	if clock == nil {
		clock = time.Now
	}
	return &Sim{
		clock:    clock,
		cfg:      cfg,
		position: float64(cfg.Start),
		velocity: 4000,
		last:     clock(),
	}
}

// OnLimit sets the callback for switch closures. It is called without holding the stage lock
func (s *Sim) OnLimit(f func(spinrig.Limit)) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.onLimit = f
}

// advance moves the stage up to now and returns newly closed switches
func (s *Sim) advance() spinrig.Limit {
	now := s.clock()
	dt := now.Sub(s.last).Seconds()
	s.last = now

	if s.moving && dt > 0 {
		step := s.velocity * dt
		if s.target > s.position {
			s.position = min(s.position+step, s.target)
		} else {
			s.position = max(s.position-step, s.target)
		}
		if s.position == s.target {
			s.moving = false
		}
	}

	top, bottom := float64(s.cfg.TopSwitch), float64(s.cfg.BottomSwitch)
	if s.position >= top {
		s.position, s.moving = top, false
	}
	if s.position <= bottom {
		s.position, s.moving = bottom, false
	}

	var closed spinrig.Limit
	for _, sw := range []struct {
		limit  spinrig.Limit
		active bool
	}{
		{spinrig.LimitTop, s.position >= top},
		{spinrig.LimitBottom, s.position <= bottom},
	} {
		switch {
		case sw.active && s.pressed&sw.limit == 0:
			s.pressed |= sw.limit
			closed |= sw.limit
		case !sw.active:
			s.pressed &^= sw.limit
		}
	}
	return closed
}

// blocked stops a move that starts into a switch that is already closed and reports that switch
// again, like a driver refusing to step past a held limit input
func (s *Sim) blocked() spinrig.Limit {
	if !s.moving {
		return 0
	}
	var held spinrig.Limit
	switch {
	case s.target > s.position && s.pressed.Has(spinrig.LimitTop):
		held = spinrig.LimitTop
	case s.target < s.position && s.pressed.Has(spinrig.LimitBottom):
		held = spinrig.LimitBottom
	default:
		return 0
	}
	s.moving, s.target = false, s.position
	return held
}

// do runs f with the stage advanced to now, then reports switch closures
func (s *Sim) do(f func()) {
	s.mtx.Lock()
	closed := s.advance()
	if f != nil {
		f()
		closed |= s.blocked()
	}
	onLimit := s.onLimit
	s.mtx.Unlock()

	if onLimit == nil {
		return
	}
	for _, l := range []spinrig.Limit{spinrig.LimitTop, spinrig.LimitBottom} {
		if closed.Has(l) {
			onLimit(l)
		}
	}
}

func (s *Sim) MoveTo(target int32) error {
	s.do(func() {
		s.target = float64(target)
		s.moving = s.target != s.position
	})
	return nil
}

func (s *Sim) MoveBy(delta int32) error {
	s.do(func() {
		s.target = s.position + float64(delta)
		s.moving = delta != 0
	})
	return nil
}

// Stop halts immediately in both modes
func (s *Sim) Stop(spinrig.StopMode) error {
	s.do(func() {
		s.moving = false
		s.target = s.position
	})
	return nil
}

func (s *Sim) Position() (int32, error) {
	var pos int32
	s.do(func() {
		pos = int32(s.position)
	})
	return pos, nil
}

func (s *Sim) SetProfile(p spinrig.SpeedProfile) error {
	s.do(func() {
		if p.MaxVelocity > 0 {
			s.velocity = float64(p.MaxVelocity)
		}
	})
	return nil
}

// Moving reports whether the stage has a target it has not reached
func (s *Sim) Moving() bool {
	var moving bool
	s.do(func() {
		moving = s.moving
	})
	return moving
}
