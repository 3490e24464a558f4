// Package statusapi serves the controller's state over HTTP for bench monitoring. It is read-only:
// the Modbus register map stays the only way to command the rig
package statusapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/calvinmclean/spinrig"
	"github.com/calvinmclean/spinrig/controller"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/spf13/cast"
	"go.uber.org/zap"
)

// DefaultStaleAfter is how old the last tick can be before /healthz reports the loop as stalled
const DefaultStaleAfter = time.Second

// Source is the read side of the controller
type Source interface {
	Snapshot() controller.Snapshot
	Events() []spinrig.Event
}

var _ Source = &controller.Controller{}

type Server struct {
	source     Source
	staleAfter time.Duration
	now        func() time.Time
	server     *http.Server
	logger     *zap.Logger
}

// New creates a Server listening on addr
func New(addr string, source Source, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		source:     source,
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
		logger:     logger.Named("statusapi"),
	}
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Router returns the HTTP routes
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/status", s.getStatus)
	r.Get("/events", s.getEvents)
	r.Get("/healthz", s.getHealth)

	return r
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info("starting status API", zap.String("addr", s.server.Addr))

	err := s.server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("error serving status API: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, s.source.Snapshot())
}

// getEvents lists recent events oldest first. ?limit=N keeps only the newest N
func (s *Server) getEvents(w http.ResponseWriter, r *http.Request) {
	events := s.source.Events()

	if l := r.URL.Query().Get("limit"); l != "" {
		limit, err := cast.ToIntE(l)
		if err != nil || limit < 0 {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, map[string]string{"error": fmt.Sprintf("invalid limit %q", l)})
			return
		}
		if limit < len(events) {
			events = events[len(events)-limit:]
		}
	}

	if events == nil {
		events = []spinrig.Event{}
	}
	render.JSON(w, r, events)
}

type health struct {
	Status   string    `json:"status"`
	LastTick time.Time `json:"last_tick"`
}

func (s *Server) getHealth(w http.ResponseWriter, r *http.Request) {
	last := s.source.Snapshot().Time
	if last.IsZero() || s.now().Sub(last) > s.staleAfter {
		render.Status(r, http.StatusServiceUnavailable)
		render.JSON(w, r, health{Status: "stalled", LastTick: last})
		return
	}
	render.JSON(w, r, health{Status: "ok", LastTick: last})
}
