// Package healthserver exposes /healthz, /readyz and /metrics over HTTP.
// /readyz reports the Checkers passed to New; the worker passes a single
// Redis connectivity checker.
package healthserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/cuemby/agentctl/internal/metrics"
)

// Checker reports whether one dependency is ready.
type Checker interface {
	Name() string
	Ready() (bool, string)
}

// Server serves health, readiness and metrics endpoints.
type Server struct {
	version  string
	checkers []Checker
	mux      *http.ServeMux
}

// New constructs a Server with the given readiness checkers.
func New(version string, checkers ...Checker) *Server {
	s := &Server{version: version, checkers: checkers, mux: http.NewServeMux()}
	s.mux.HandleFunc("/healthz", s.healthHandler)
	s.mux.HandleFunc("/readyz", s.readyHandler)
	s.mux.Handle("/metrics", metrics.Handler())
	return s
}

// Handler returns the composed http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start runs an HTTP server on addr until the process exits or the caller
// shuts it down via the returned *http.Server.
func (s *Server) Start(addr string) *http.Server {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go srv.ListenAndServe() //nolint:errcheck
	return srv
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
}

type readyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   s.version,
	})
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	checks := make(map[string]string, len(s.checkers))
	allReady := true
	for _, c := range s.checkers {
		ok, detail := c.Ready()
		if !ok {
			allReady = false
		}
		checks[c.Name()] = detail
	}
	resp := readyResponse{Timestamp: time.Now(), Checks: checks}
	status := http.StatusOK
	if allReady {
		resp.Status = "ready"
	} else {
		resp.Status = "not_ready"
		resp.Message = "one or more dependencies are not ready"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
