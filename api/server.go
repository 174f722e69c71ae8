package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Server serves the operator API on a TCP address.
type Server struct {
	http   *http.Server
	logger *slog.Logger
	ln     net.Listener
}

// NewServer binds addr. Use port 0 to pick a free port.
func NewServer(addr string, handler http.Handler, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Server{
		http: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
		},
		logger: logger.With(slog.String("component", "api")),
		ln:     ln,
	}, nil
}

// Addr is the bound address.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Serve blocks until the server is shut down.
func (s *Server) Serve() error {
	s.logger.Info("api listening", slog.String("address", s.ln.Addr().String()))
	if err := s.http.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
