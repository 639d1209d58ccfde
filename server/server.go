// Package server exposes the coordinator over HTTP and gRPC.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/vpn-enterprise/vpncore/coordinator"
	"github.com/vpn-enterprise/vpncore/util/logger"
)

// Config holds the server's listen addresses. GRPCAddr may be empty to
// disable the gRPC listener.
type Config struct {
	HTTPAddr string
	GRPCAddr string
}

func (c *Config) validate() error {
	if c.HTTPAddr == "" {
		return fmt.Errorf("HTTPAddr cannot be empty")
	}
	return nil
}

// Server runs the coordinator's API endpoints.
type Server struct {
	config      *Config
	coord       *coordinator.Coordinator
	logger      *logger.Logger
	httpServer  *http.Server
	grpcServer  *grpc.Server
	healthCheck *health.Server
}

func NewServer(config *Config, coord *coordinator.Coordinator) (*Server, error) {
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid server configuration: %w", err)
	}
	return &Server{
		config: config,
		coord:  coord,
		logger: logger.NewLogger(fmt.Sprintf("Server(%s)", config.HTTPAddr)),
	}, nil
}

// Start brings up the HTTP listener and, when configured, the gRPC
// listener. It returns once both are accepting.
func (s *Server) Start() error {
	mux := s.setupHTTPRoutes()
	s.httpServer = &http.Server{
		Addr:    s.config.HTTPAddr,
		Handler: mux,
	}

	httpListener, err := net.Listen("tcp", s.config.HTTPAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.HTTPAddr, err)
	}
	go func() {
		s.logger.Infof("HTTP server listening on %s", httpListener.Addr())
		if err := s.httpServer.Serve(httpListener); err != nil && err != http.ErrServerClosed {
			s.logger.Errorf("HTTP server error: %v", err)
		}
		s.logger.Infof("HTTP server stopped")
	}()

	if s.config.GRPCAddr != "" {
		grpcListener, err := net.Listen("tcp", s.config.GRPCAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.config.GRPCAddr, err)
		}
		s.grpcServer = grpc.NewServer()
		s.healthCheck = health.NewServer()
		grpc_health_v1.RegisterHealthServer(s.grpcServer, s.healthCheck)
		reflection.Register(s.grpcServer)
		s.healthCheck.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
		go func() {
			s.logger.Infof("gRPC server listening on %s", grpcListener.Addr())
			if err := s.grpcServer.Serve(grpcListener); err != nil {
				s.logger.Errorf("gRPC server error: %v", err)
			}
			s.logger.Infof("gRPC server stopped")
		}()
	}

	return nil
}

// Stop drains both listeners.
func (s *Server) Stop() error {
	if s.grpcServer != nil {
		s.healthCheck.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
		s.grpcServer.GracefulStop()
		s.grpcServer = nil
	}

	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Errorf("HTTP server shutdown error: %v", err)
			return err
		}
		s.httpServer = nil
	}
	return nil
}
