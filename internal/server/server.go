// -----------------------------------------------------------------------
// HTTP Server - lifecycle and middleware chain
// -----------------------------------------------------------------------

package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/codestory/internal/common"
	"github.com/ternarybob/codestory/internal/handlers"
)

// Server hosts the HTTP API over the orchestrator.
type Server struct {
	config     *common.Config
	logger     arbor.ILogger
	version    string
	router     *http.ServeMux
	httpServer *http.Server

	jobHandler *handlers.JobHandler
	wsHandler  *handlers.WebSocketHandler
}

// New creates the server with its routes and middleware chain.
func New(config *common.Config, version string, jobHandler *handlers.JobHandler, wsHandler *handlers.WebSocketHandler, logger arbor.ILogger) *Server {
	s := &Server{
		config:     config,
		logger:     logger,
		version:    version,
		router:     http.NewServeMux(),
		jobHandler: jobHandler,
		wsHandler:  wsHandler,
	}
	s.setupRoutes()

	var handler http.Handler = s.router
	handler = corsMiddleware(handler)
	handler = loggingMiddleware(logger, handler)
	handler = recoveryMiddleware(logger, handler)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", config.Server.Host, config.Server.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start begins serving. Blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.logger.Info().
		Str("address", s.httpServer.Addr).
		Str("version", s.version).
		Msg("Starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}
