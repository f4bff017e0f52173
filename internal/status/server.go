// Package status serves a read-only view of the controller over HTTP.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Snapshot is the controller state reported on /status.
type Snapshot struct {
	Switches map[string]bool `json:"switches"`
	Abort    bool            `json:"abort"`
	Nodes    map[string]bool `json:"nodes"` // node id -> connected
	Sequence string          `json:"sequence,omitempty"`
	Updated  time.Time       `json:"updated"`
}

// Source produces the current snapshot.
type Source interface {
	Status() Snapshot
}

// Server handles status HTTP requests
type Server struct {
	source   Source
	gatherer prometheus.Gatherer
	log      zerolog.Logger
	http     *http.Server
}

// ErrorResponse is written for requests the server refuses
type ErrorResponse struct {
	Error string `json:"error"`
}

// NewServer creates a status server listening on port.
func NewServer(port int, source Source, gatherer prometheus.Gatherer, log zerolog.Logger) *Server {
	s := &Server{
		source:   source,
		gatherer: gatherer,
		log:      log,
	}
	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routes served by the status server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.HandleStatus)
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// HandleStatus handles GET /status
func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeErrorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.source.Status()); err != nil {
		s.log.Warn().Err(err).Msg("failed to encode status")
	}
}

// ListenAndServe blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("status server listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("status server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// writeErrorResponse writes an error response
func (s *Server) writeErrorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(&ErrorResponse{Error: message})
}
