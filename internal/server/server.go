// Package server wires the ingress HTTP router, middleware, and listener
// lifecycle for the converter API.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sajid-bs23/sttprep-converter/internal/api"
	"github.com/sajid-bs23/sttprep-converter/internal/observability/logging"
)

// Config aggregates the dependencies and settings required to construct a
// Server. Addr determines the listen address for the HTTP listener and Logger
// feeds the request-logging middleware.
type Config struct {
	Addr   string
	Logger *slog.Logger
}

// Server wraps the configured http.Server and exposes lifecycle methods for
// starting and gracefully shutting down the listener created by New.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// New registers the job, health, and root endpoints on a mux behind the
// request-logging middleware. Read timeouts deliberately cover only the
// headers: job submissions stream multi-gigabyte bodies.
func New(handler *api.Handler, cfg Config) (*Server, error) {
	if handler == nil {
		return nil, errors.New("handler is required")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handler.Health)
	mux.HandleFunc("/jobs", handler.Jobs)
	mux.HandleFunc("/jobs/", handler.JobByID)
	mux.HandleFunc("/", handler.Root)

	chain := logging.RequestLogger(logging.RequestLoggerConfig{Logger: cfg.Logger})(mux)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           chain,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{httpServer: httpServer, logger: cfg.Logger}, nil
}

// HTTPServer exposes the underlying server for the run loop.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

func (s *Server) Start() error {
	if s.httpServer == nil {
		return fmt.Errorf("http server is not configured")
	}
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
