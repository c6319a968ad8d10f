// Package web serves the humidistat HTTP API and status page.
package web

import (
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/sweeney/humidistat/internal/metrics"
	"github.com/sweeney/humidistat/internal/models"
	"github.com/sweeney/humidistat/internal/status"
	"github.com/sweeney/humidistat/internal/store"
)

// ReadingStore stores and queries sensor readings.
type ReadingStore interface {
	Append(ctx context.Context, r *models.Reading) error
	Recent(ctx context.Context, zone, limit int) ([]models.Reading, error)
	Stats(ctx context.Context) ([]store.ZoneStats, error)
}

// ScheduleReader looks up the current schedule entry of a zone and hour.
type ScheduleReader interface {
	Current(ctx context.Context, zone, hour int) (*models.ScheduleEntry, error)
}

// StateReader reads committed controller states.
type StateReader interface {
	Get(ctx context.Context, zone int) (*models.ControllerState, error)
	List(ctx context.Context) ([]models.ControllerState, error)
}

// Forwarder relays accepted payloads upstream without blocking the caller.
type Forwarder interface {
	Send(payload []byte)
}

// API holds the collaborators behind the HTTP routes.
type API struct {
	Readings  ReadingStore
	Schedules ScheduleReader
	States    StateReader

	// TriggerCycle starts a control cycle and reports whether one started.
	TriggerCycle func() bool
	// Health checks the database.
	Health func(ctx context.Context) error
	// Forwarder, when set, receives every stored reading.
	Forwarder Forwarder

	Metrics *metrics.Recorder
	Log     logrus.FieldLogger
	// AccessLog receives one combined-format line per request. Nil disables it.
	AccessLog io.Writer
	// Now is the ingestion clock. Nil means time.Now.
	Now func() time.Time
}

// Server serves the API and status page over HTTP.
type Server struct {
	httpServer *http.Server
	tracker    *status.Tracker
	api        API
}

// New creates a Server that reads daemon state from tracker.
func New(addr string, tracker *status.Tracker, api API) *Server {
	if api.Now == nil {
		api.Now = time.Now
	}
	if api.Log == nil {
		api.Log = logrus.StandardLogger()
	}
	s := &Server{tracker: tracker, api: api}

	r := mux.NewRouter()
	s.route(r, "/", s.handleIndex, http.MethodGet)
	s.route(r, "/index.html", s.handleIndex, http.MethodGet)
	s.route(r, "/index.json", s.handleJSON, http.MethodGet)

	s.route(r, "/data", s.handleIngest, http.MethodPost)
	s.route(r, "/get_data", s.handleRecent, http.MethodGet)
	s.route(r, "/get_data/{sensor_id:[0-9]+}", s.handleRecent, http.MethodGet)
	s.route(r, "/stats", s.handleStats, http.MethodGet)
	s.route(r, "/settings/{sensor_id:[0-9]+}/{hour}", s.handleSettings, http.MethodGet)
	s.route(r, "/health", s.handleHealth, http.MethodGet)

	s.route(r, "/api/controllers", s.handleControllers, http.MethodGet)
	s.route(r, "/api/controllers/{zone:[0-9]+}", s.handleController, http.MethodGet)
	s.route(r, "/api/cycle", s.handleCycle, http.MethodPost)

	if api.Metrics != nil {
		r.Handle("/metrics", api.Metrics.Handler()).Methods(http.MethodGet)
	}

	var h http.Handler = r
	h = handlers.RecoveryHandler(handlers.RecoveryLogger(api.Log), handlers.PrintRecoveryStack(true))(h)
	if api.AccessLog != nil {
		h = handlers.CombinedLoggingHandler(api.AccessLog, h)
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) route(r *mux.Router, path string, fn http.HandlerFunc, method string) {
	r.Handle(path, s.api.Metrics.WrapHandler(path, fn)).Methods(method)
}

// Handler returns the root handler. Useful for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener. Useful for tests.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	var states []models.ControllerState
	if s.api.States != nil {
		var err error
		states, err = s.api.States.List(r.Context())
		if err != nil {
			s.api.Log.WithError(err).Warn("Status page: failed to list controller states")
		}
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := renderHTML(w, snap, states); err != nil {
		s.api.Log.WithError(err).Warn("Status page: render failed")
	}
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write(status.FormatJSON(s.tracker.Snapshot()))
}
