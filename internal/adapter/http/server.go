// Package http exposes the sync job's run state and metrics over HTTP while a
// run is in progress.
package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RunMonitor reports on the sync run the server sits beside.
type RunMonitor interface {
	// CurrentState names the stage of the current or last run.
	CurrentState() string
	// CheckReadiness fails once a run has failed.
	CheckReadiness(ctx context.Context) error
}

// runStatus is the body of /healthz and /readyz.
type runStatus struct {
	Status string `json:"status"`
	State  string `json:"state"`
	Error  string `json:"error,omitempty"`
}

// Server serves /healthz, /readyz and /metrics for one job process.
type Server struct {
	httpServer *http.Server
	run        RunMonitor
	logger     *slog.Logger
}

// NewServer wires the job's endpoints. /metrics serves the collectors in
// gatherer; both status endpoints report run's current stage.
func NewServer(addr string, run RunMonitor, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	s := &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      10 * time.Second,
		},
		run:    run,
		logger: logger,
	}

	mux.HandleFunc("GET /healthz", s.alive)
	mux.HandleFunc("GET /readyz", s.ready)
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{ErrorLog: slog.NewLogLogger(logger.Handler(), slog.LevelWarn)}))
	return s
}

// Start listens until Shutdown, when it returns http.ErrServerClosed.
func (s *Server) Start() error {
	s.logger.Info("status server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown stops the listener and waits for open requests until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP routes a single request without a listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

// alive answers as long as the process serves requests, whatever the run did.
func (s *Server) alive(w http.ResponseWriter, _ *http.Request) {
	s.reply(w, http.StatusOK, runStatus{Status: "alive", State: s.run.CurrentState()})
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	st := runStatus{Status: "ready", State: s.run.CurrentState()}
	if err := s.run.CheckReadiness(ctx); err != nil {
		st.Status = "failed"
		st.Error = err.Error()
		s.reply(w, http.StatusServiceUnavailable, st)
		return
	}
	s.reply(w, http.StatusOK, st)
}

func (s *Server) reply(w http.ResponseWriter, code int, st runStatus) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(st); err != nil {
		s.logger.Debug("write status response", "error", err)
	}
}
