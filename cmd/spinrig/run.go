package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/calvinmclean/spinrig/actuator"
	"github.com/calvinmclean/spinrig/config"
	"github.com/calvinmclean/spinrig/controller"
	"github.com/calvinmclean/spinrig/limits"
	"github.com/calvinmclean/spinrig/modbus"
	"github.com/calvinmclean/spinrig/statusapi"
	"github.com/calvinmclean/spinrig/telemetry"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// daemon owns everything started by run so it can all be closed together
type daemon struct {
	logger  *zap.Logger
	closers []io.Closer
	wg      sync.WaitGroup
	errs    chan error
}

func (d *daemon) goRun(name string, f func() error) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		err := f()
		if err != nil {
			d.errs <- fmt.Errorf("%s: %w", name, err)
		}
	}()
}

func (d *daemon) close() error {
	var err error
	for i := len(d.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, d.closers[i].Close())
	}
	return err
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	d := &daemon{logger: logger, errs: make(chan error, 8)}
	defer func() {
		err = multierr.Append(err, d.close())
	}()

	bank := modbus.NewBank(0, 0)

	act, err := openActuator(cfg, d)
	if err != nil {
		return err
	}

	opts := []controller.Option{controller.WithLogger(logger)}
	var recorder *telemetry.Recorder
	if cfg.Telemetry.Addr != "" {
		recorder = telemetry.NewRecorder(cfg.Telemetry.Addr, cfg.Telemetry.Session, logger)
		opts = append(opts, controller.WithNotifier(recorder))
	}

	c, err := controller.New(cfg.Controller, act, bank, opts...)
	if err != nil {
		return fmt.Errorf("error creating controller: %w", err)
	}

	if sim, ok := act.(*actuator.Sim); ok {
		sim.OnLimit(c.LimitTriggered)
	}
	if cfg.Limits.TopPin != "" || cfg.Limits.BottomPin != "" {
		watcher, err := limits.Open(cfg.Limits, c.LimitTriggered, logger)
		if err != nil {
			return err
		}
		d.goRun("limits", func() error {
			watcher.Run(ctx)
			return nil
		})
	}

	if cfg.Serial.Port != modbus.SerialPortNone && cfg.Serial.Port != "" {
		port, err := modbus.OpenSerial(cfg.Serial.Port, cfg.Serial.Baud)
		if err != nil {
			return err
		}
		d.closers = append(d.closers, port)

		rtu := modbus.NewRTUServer(port, bank, cfg.Serial.UnitID, logger)
		d.goRun("modbus rtu", func() error { return rtu.Serve(ctx) })
		logger.Info("serving modbus rtu", zap.String("port", cfg.Serial.Port), zap.Uint8("unit_id", cfg.Serial.UnitID))
	}

	if cfg.TCPAddr != "" {
		tcp, err := modbus.NewTCPServer(cfg.TCPAddr, bank)
		if err != nil {
			return err
		}
		err = tcp.Start()
		if err != nil {
			return err
		}
		d.closers = append(d.closers, closerFunc(tcp.Stop))
		logger.Info("serving modbus tcp", zap.String("addr", cfg.TCPAddr))
	}

	if cfg.StatusAddr != "" {
		api := statusapi.New(cfg.StatusAddr, c, logger)
		d.goRun("status api", func() error {
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = api.Shutdown(shutdownCtx)
			}()
			return api.Start()
		})
	}

	if recorder != nil {
		d.goRun("telemetry", func() error { return recorder.Run(ctx) })
	}

	d.goRun("controller", func() error { return c.Run(ctx) })

	select {
	case <-ctx.Done():
	case err = <-d.errs:
		logger.Error("stopping after error", zap.Error(err))
	}

	cancel()
	d.wg.Wait()

	return err
}

func openActuator(cfg config.Config, d *daemon) (controller.Actuator, error) {
	switch cfg.Driver {
	case config.DriverSim:
		d.logger.Info("using simulated actuator", zap.Int32("start", cfg.Sim.Start))
		return actuator.NewSim(cfg.Sim, time.Now), nil
	case config.DriverTic:
		t, err := actuator.OpenTic(cfg.Tic)
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, t)
		return t, nil
	case config.DriverMKS:
		m, err := actuator.OpenMKS(cfg.MKS)
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, m)
		return m, nil
	}
	return nil, errors.New("unknown driver: " + cfg.Driver)
}
