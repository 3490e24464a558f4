package telemetry

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/calvinmclean/spinrig"
	"go.uber.org/zap"
)

const (
	defaultBuffer = 64
	uploadTimeout = 5 * time.Second

	minRetryDelay = time.Second
	maxRetryDelay = time.Minute
)

type sessionClient interface {
	Open(ctx context.Context, name string, start time.Time) (string, error)
	Stage(ctx context.Context, name string, at time.Time) error
	Note(ctx context.Context, note string, at time.Time) error
	Close(ctx context.Context, at time.Time) error
}

var _ sessionClient = &Client{}

// stages maps calibration phase events to session stages. Everything else becomes an event note
var stages = map[spinrig.EventCode]string{
	spinrig.EventCalibrationStarted:   "Seeking",
	spinrig.EventLimitFound:           "Settling",
	spinrig.EventCalibrationReturning: "Returning",
	spinrig.EventCalibrationComplete:  "Calibrated",
}

// Recorder uploads diagnostic events to a TWChart session. Notify never blocks: events that arrive
// while the buffer is full are dropped and counted. Telemetry is best effort, so an unreachable
// server never stops the recorder
type Recorder struct {
	client  sessionClient
	name    string
	events  chan spinrig.Event
	dropped atomic.Uint64
	logger  *zap.Logger

	retryDelay func(attempt int) time.Duration
}

// NewRecorder creates a Recorder for a TWChart server at addr
func NewRecorder(addr, name string, logger *zap.Logger) *Recorder {
	return newRecorder(NewClient(addr), name, defaultBuffer, logger)
}

func newRecorder(client sessionClient, name string, buffer int, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		client:     client,
		name:       name,
		events:     make(chan spinrig.Event, buffer),
		logger:     logger.Named("telemetry"),
		retryDelay: backoff,
	}
}

// backoff doubles from minRetryDelay up to maxRetryDelay
func backoff(attempt int) time.Duration {
	d := minRetryDelay << min(attempt, 6)
	return min(d, maxRetryDelay)
}

// Notify queues an event for upload
func (r *Recorder) Notify(e spinrig.Event) {
	select {
	case r.events <- e:
	default:
		r.dropped.Add(1)
	}
}

// Run opens the session and uploads queued events until ctx is done, then closes the session.
// Opening is retried until it succeeds; events keep buffering meanwhile. Errors are logged and Run
// always returns nil
func (r *Recorder) Run(ctx context.Context) error {
	if !r.open(ctx) {
		r.report()
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			r.drain()
			r.close()
			return nil
		case e := <-r.events:
			r.upload(ctx, e)
		}
	}
}

// open creates the session, retrying with backoff. It returns false if ctx ends first
func (r *Recorder) open(ctx context.Context) bool {
	start := time.Now()
	for attempt := 0; ; attempt++ {
		id, err := r.client.Open(ctx, r.name, start)
		if err == nil {
			r.logger.Info("created session", zap.String("id", id))
			return true
		}

		delay := r.retryDelay(attempt)
		r.logger.Warn("error creating session", zap.Error(err), zap.Duration("retry_in", delay))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			r.logger.Warn("stopped before a session was created", zap.Int("buffered", len(r.events)))
			return false
		case <-timer.C:
		}
	}
}

// drain uploads whatever is still buffered when the recorder stops
func (r *Recorder) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), uploadTimeout)
	defer cancel()

	for {
		select {
		case e := <-r.events:
			r.upload(ctx, e)
		default:
			return
		}
	}
}

func (r *Recorder) close() {
	r.report()

	ctx, cancel := context.WithTimeout(context.Background(), uploadTimeout)
	defer cancel()

	err := r.client.Close(ctx, time.Now())
	if err != nil {
		r.logger.Warn("error finishing session", zap.Error(err))
	}
}

func (r *Recorder) report() {
	if n := r.dropped.Load(); n > 0 {
		r.logger.Warn("dropped events while buffer was full", zap.Uint64("count", n))
	}
}

func (r *Recorder) upload(ctx context.Context, e spinrig.Event) {
	var err error
	if stage, ok := stages[e.Code]; ok {
		err = r.client.Stage(ctx, stage, e.Time)
	} else {
		err = r.client.Note(ctx, eventNote(e), e.Time)
	}
	if err != nil {
		r.logger.Warn("error uploading event", zap.Stringer("code", e.Code), zap.Error(err))
	}
}

func eventNote(e spinrig.Event) string {
	note := fmt.Sprintf("%s at %d", e.Name, e.Position)
	if e.Command != spinrig.CommandNone {
		note += fmt.Sprintf(" (%s)", e.Command)
	}
	if e.Detail != "" {
		note += ": " + e.Detail
	}
	return note
}
