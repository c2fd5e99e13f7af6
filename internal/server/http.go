package server

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"admission-gateway/internal/config"
	"admission-gateway/internal/logging"
)

// HTTPServer serves the gateway's router, optionally over TLS
type HTTPServer struct {
	config   config.ServerConfig
	security config.SecurityConfig
	logger   *logging.Logger
	server   *http.Server
}

// NewHTTPServer creates a new HTTP server
func NewHTTPServer(cfg config.ServerConfig, security config.SecurityConfig, handler http.Handler, logger *logging.Logger) *HTTPServer {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	if security.TLSEnabled {
		srv.TLSConfig = serverTLSConfig()
	}
	return &HTTPServer{
		config:   cfg,
		security: security,
		logger:   logger,
		server:   srv,
	}
}

// Start listens on the configured address and blocks until the server stops.
func (s *HTTPServer) Start() error {
	listener, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	return s.Serve(listener)
}

// Serve accepts connections on lis.
func (s *HTTPServer) Serve(lis net.Listener) error {
	s.logger.Info("Starting HTTP server",
		"address", lis.Addr().String(),
		"tls", s.security.TLSEnabled,
	)

	if s.security.TLSEnabled {
		return s.server.ServeTLS(lis, s.security.CertFile, s.security.KeyFile)
	}
	return s.server.Serve(lis)
}

// Stop stops the HTTP server gracefully
func (s *HTTPServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}
