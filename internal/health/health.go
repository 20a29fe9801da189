// Package health serves liveness, readiness and Prometheus endpoints for
// the relay on a separate HTTP listener.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/shineum/acs-smtp-relay/internal/metrics"
)

// Version is reported by the health endpoints. Overridden at build time.
var Version = "dev"

// Status is the JSON body of /health and /ready.
type Status struct {
	Status        string   `json:"status"`
	Timestamp     int64    `json:"timestamp"`
	UptimeSeconds int64    `json:"uptime_seconds"`
	Version       string   `json:"version"`
	Metrics       *Summary `json:"metrics,omitempty"`
}

// Summary is the subset of counters included in a Status.
type Summary struct {
	ConnectionsTotal      uint64  `json:"connections_total"`
	ConnectionsActive     int64   `json:"connections_active"`
	EmailsSentTotal       uint64  `json:"emails_sent_total"`
	EmailsFailedTotal     uint64  `json:"emails_failed_total"`
	SuccessRatePercent    float64 `json:"success_rate_percent"`
	AverageRelayTimeMilli int64   `json:"average_response_time_ms"`
}

// degradedThreshold and degradedMinSent define when /ready reports degraded.
const (
	degradedThreshold = 0.5
	degradedMinSent   = 10
)

// Server is the health HTTP server.
type Server struct {
	collector *metrics.Collector
	srv       *http.Server
	now       func() time.Time
}

// New creates a health server bound to addr.
func New(addr string, collector *metrics.Collector) *Server {
	s := &Server{collector: collector, now: time.Now}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the route mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.Handle("GET /metrics", s.collector.Handler())
	return mux
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	slog.Info("health server listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.status("healthy"))
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	snap := s.collector.Snapshot()
	state := "healthy"
	if snap.SuccessRate() < degradedThreshold && snap.EmailsSent > degradedMinSent {
		state = "degraded"
	}
	writeJSON(w, s.status(state))
}

func (s *Server) status(state string) Status {
	snap := s.collector.Snapshot()
	return Status{
		Status:        state,
		Timestamp:     s.now().Unix(),
		UptimeSeconds: int64(snap.Uptime / time.Second),
		Version:       Version,
		Metrics: &Summary{
			ConnectionsTotal:      snap.ConnectionsTotal,
			ConnectionsActive:     snap.ConnectionsActive,
			EmailsSentTotal:       snap.EmailsSent,
			EmailsFailedTotal:     snap.EmailsFailed,
			SuccessRatePercent:    snap.SuccessRate() * 100,
			AverageRelayTimeMilli: snap.AverageRelay.Milliseconds(),
		},
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write health response", "error", err)
	}
}
