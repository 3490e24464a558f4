// Package limits watches the limit switch GPIOs and reports closures to the controller
package limits

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/calvinmclean/spinrig"
	"go.uber.org/zap"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// Config names the switch pins, e.g. "GPIO17". An empty name disables that switch
type Config struct {
	TopPin    string        `yaml:"top_pin"`
	BottomPin string        `yaml:"bottom_pin"`
	Debounce  time.Duration `yaml:"debounce"`
}

// Pin is the part of gpio.PinIn used by a Watcher
type Pin interface {
	Name() string
	In(pull gpio.Pull, edge gpio.Edge) error
	WaitForEdge(timeout time.Duration) bool
	Read() gpio.Level
}

type switchPin struct {
	limit spinrig.Limit
	pin   Pin
}

// Watcher calls a handler on rising edges of the switch pins, one goroutine per pin
type Watcher struct {
	pins     []switchPin
	debounce time.Duration
	handler  func(spinrig.Limit)
	logger   *zap.Logger
}

// Open initializes the host drivers and configures the pins as pulled down inputs
func Open(cfg Config, handler func(spinrig.Limit), logger *zap.Logger) (*Watcher, error) {
	_, err := host.Init()
	if err != nil {
		return nil, fmt.Errorf("error initializing host drivers: %w", err)
	}

	pins := map[spinrig.Limit]Pin{}
	for limit, name := range map[spinrig.Limit]string{spinrig.LimitTop: cfg.TopPin, spinrig.LimitBottom: cfg.BottomPin} {
		if name == "" {
			continue
		}
		p := gpioreg.ByName(name)
		if p == nil {
			return nil, fmt.Errorf("failed to open %s limit pin %s", limit, name)
		}
		pins[limit] = p
	}

	return New(pins, cfg.Debounce, handler, logger)
}

// New watches already opened pins
func New(pins map[spinrig.Limit]Pin, debounce time.Duration, handler func(spinrig.Limit), logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Watcher{
		debounce: debounce,
		handler:  handler,
		logger:   logger.Named("limits"),
	}

	for _, limit := range []spinrig.Limit{spinrig.LimitTop, spinrig.LimitBottom} {
		p, ok := pins[limit]
		if !ok {
			continue
		}
		err := p.In(gpio.PullDown, gpio.RisingEdge)
		if err != nil {
			return nil, fmt.Errorf("error configuring %s limit pin %s: %w", limit, p.Name(), err)
		}
		w.pins = append(w.pins, switchPin{limit: limit, pin: p})
	}

	return w, nil
}

// Run blocks until ctx is done
func (w *Watcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, sp := range w.pins {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.watch(ctx, sp)
		}()
	}
	wg.Wait()
}

func (w *Watcher) watch(ctx context.Context, sp switchPin) {
	w.logger.Info("watching limit switch", zap.Stringer("limit", sp.limit), zap.String("pin", sp.pin.Name()))

	var last time.Time
	for ctx.Err() == nil {
		// short timeout so cancellation is noticed
		if !sp.pin.WaitForEdge(100 * time.Millisecond) {
			continue
		}
		if sp.pin.Read() != gpio.High {
			continue
		}

		now := time.Now()
		if w.debounce > 0 && now.Sub(last) < w.debounce {
			continue
		}
		last = now

		w.handler(sp.limit)
		w.logger.Debug("limit switch closed", zap.Stringer("limit", sp.limit))
	}
}
