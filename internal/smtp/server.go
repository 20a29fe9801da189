package smtp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/shineum/acs-smtp-relay/internal/metrics"
	"github.com/shineum/acs-smtp-relay/internal/provider"
)

// DefaultShutdownTimeout is the maximum time to wait for in-flight
// sessions during shutdown.
const DefaultShutdownTimeout = 30 * time.Second

// ServerConfig holds the configuration for an SMTP server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., "0.0.0.0:1025").
	ListenAddr string

	// Hostname is used in the greeting and EHLO/HELO replies.
	Hostname string

	// Mailer is the email delivery backend.
	Mailer provider.Mailer

	// MaxMessageSize caps the DATA body in bytes.
	MaxMessageSize int

	// IdleTimeout bounds each read from a client.
	IdleTimeout time.Duration

	// MaxConnections limits concurrent sessions. Zero means unlimited.
	MaxConnections int

	// ShutdownTimeout bounds the wait for in-flight sessions.
	ShutdownTimeout time.Duration

	// Metrics receives connection and relay events. Optional.
	Metrics metrics.Sink
}

// Server is an SMTP server that accepts connections and delegates
// email delivery to a configured Mailer.
type Server struct {
	config ServerConfig
	sem    *semaphore.Weighted

	mu       sync.Mutex
	listener net.Listener

	// wg tracks in-flight session goroutines for graceful shutdown.
	wg sync.WaitGroup
}

// New creates a new SMTP Server with the given configuration.
func New(cfg ServerConfig) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Noop{}
	}

	s := &Server{config: cfg}
	if cfg.MaxConnections > 0 {
		s.sem = semaphore.NewWeighted(int64(cfg.MaxConnections))
	}
	return s
}

// ListenAndServe binds ListenAddr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled. Cancellation
// closes the listener; in-flight sessions keep running on a detached
// context and are waited for up to ShutdownTimeout.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	slog.Info("SMTP server listening",
		"addr", ln.Addr().String(),
		"provider", s.config.Mailer.Name(),
		"max_connections", s.config.MaxConnections,
		"max_message_size", s.config.MaxMessageSize,
	)

	// Monitor context for shutdown
	stop := context.AfterFunc(ctx, func() {
		slog.Info("shutting down SMTP server")
		ln.Close()
	})
	defer stop()

	sessionCtx := context.WithoutCancel(ctx)

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				// Expected error from listener close during shutdown
				s.waitForSessions()
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			slog.Error("accept error", "error", err)
			continue
		}

		if s.sem != nil && !s.sem.TryAcquire(1) {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.reject(conn)
			}()
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if s.sem != nil {
				defer s.sem.Release(1)
			}
			session := NewSession(conn, SessionConfig{
				Hostname:       s.config.Hostname,
				Mailer:         s.config.Mailer,
				MaxMessageSize: s.config.MaxMessageSize,
				IdleTimeout:    s.config.IdleTimeout,
				Metrics:        s.config.Metrics,
			})
			session.Handle(sessionCtx)
		}()
	}
}

// reject turns away a connection when the server is at capacity.
func (s *Server) reject(conn net.Conn) {
	defer conn.Close()

	slog.Warn("connection limit reached, rejecting",
		"peer_addr", conn.RemoteAddr().String(),
		"max_connections", s.config.MaxConnections,
	)
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, _ = fmt.Fprintf(conn, "421 %s too many connections, try again later\r\n", s.config.Hostname)
}

// waitForSessions waits for all in-flight sessions to complete,
// with a maximum timeout to prevent indefinite blocking.
func (s *Server) waitForSessions() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("all sessions completed")
	case <-time.After(s.config.ShutdownTimeout):
		slog.Warn("shutdown timeout reached, abandoning in-flight sessions")
	}
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
