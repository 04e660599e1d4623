package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/autopilot-ci/autopilot/internal/autopilot/db"
	"github.com/autopilot-ci/autopilot/internal/autopilot/processor"
	"github.com/autopilot-ci/autopilot/internal/autopilot/store"
)

// WorkerState reports on the ticket processing pool.
type WorkerState interface {
	ActiveCount() int
	IsRunning(issueKey string) bool
}

// Config holds server configuration.
type Config struct {
	// Store provides the status snapshot served by the API.
	Store *store.Store
	// DB serves durable history and the activity feed. Optional.
	DB *db.DB
	// Hub is the WebSocket hub for live updates. When non-nil, /api/ws is
	// registered.
	Hub *Hub
	// Workers reports the processing pool state. Optional.
	Workers WorkerState
	// Wake nudges the scheduler into scanning immediately. A non-blocking
	// send is performed; if the channel is nil or full the signal is dropped.
	Wake chan<- struct{}
	// Autofix applies patch instructions from an issue description and
	// opens a PR with the result. Optional; POST /api/autofix answers 404
	// when unset.
	Autofix func(ctx context.Context, repository, issueKey string) (processor.AutofixResult, error)
}

// Server wraps the autopilot HTTP server.
type Server struct {
	mux      *http.ServeMux
	listener net.Listener
}

// New creates a Server bound to the given address (e.g. "127.0.0.1:8422").
// It does not start serving; call Serve for that.
func New(addr string, cfg Config) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	s := &Server{mux: mux, listener: ln}
	s.registerRoutes(cfg)
	return s, nil
}

// Addr returns the listener's address (useful when binding to :0 in tests).
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve starts accepting connections. It blocks until the listener is closed.
func (s *Server) Serve() error {
	return http.Serve(s.listener, s.mux)
}

// Close shuts down the listener.
func (s *Server) Close() error {
	return s.listener.Close()
}

func (s *Server) registerRoutes(cfg Config) {
	api := &apiHandler{
		store:   cfg.Store,
		db:      cfg.DB,
		workers: cfg.Workers,
		hub:     cfg.Hub,
		wake:    cfg.Wake,
		autofix: cfg.Autofix,
		startAt: time.Now(),
	}
	s.mux.HandleFunc("GET /api/status", api.handleStatus)
	s.mux.HandleFunc("GET /api/queue", api.handleQueue)
	s.mux.HandleFunc("GET /api/monitored", api.handleMonitored)
	s.mux.HandleFunc("GET /api/history", api.handleHistory)
	s.mux.HandleFunc("GET /api/activity", api.handleActivity)
	s.mux.HandleFunc("POST /api/scan", api.handleScan)
	s.mux.HandleFunc("POST /api/autofix", api.handleAutofix)

	if cfg.Hub != nil {
		s.mux.HandleFunc("GET /api/ws", cfg.Hub.ServeWS)
	}

	s.mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}
