package httpapi

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Server runs the shared HTTP(S) listener carrying the API router, the
// metrics endpoint, and the WebSocket upgrade path.
type Server struct {
	logger   *slog.Logger
	server   *http.Server
	certFile string
	keyFile  string
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithTLSFiles enables TLS with the given PEM certificate and key paths.
func WithTLSFiles(certFile, keyFile string) ServerOption {
	return func(s *Server) {
		s.certFile = certFile
		s.keyFile = keyFile
	}
}

// WithTimeouts bounds request handling on the server side.
func WithTimeouts(requestTimeout time.Duration) ServerOption {
	return func(s *Server) {
		s.server.ReadTimeout = requestTimeout
		s.server.WriteTimeout = requestTimeout
	}
}

// NewServer creates the server on the given address with the assembled
// handler.
func NewServer(logger *slog.Logger, addr string, handler http.Handler, opts ...ServerOption) *Server {
	s := &Server{
		logger: logger.With("component", "HttpServer"),
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       2 * time.Minute,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.certFile != "" {
		s.server.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return s
}

// Start serves until ctx is cancelled or the listener fails, then drains
// connections.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.certFile != "" {
			s.logger.Info("starting HTTPS server", "addr", s.server.Addr)
			err = s.server.ListenAndServeTLS(s.certFile, s.keyFile)
		} else {
			s.logger.Info("starting HTTP server", "addr", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	}
}
