// Package health exposes the standard gRPC health service for orchestrators.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ashureev/aloha-tutor/internal/bus"
)

// ChannelService is the health service name that follows the online flag.
const ChannelService = "aloha.channel"

// OnlineSource reports the current online flag.
type OnlineSource interface {
	IsOnline() bool
}

// Server serves grpc_health_v1 on a TCP listener.
type Server struct {
	grpcServer *grpc.Server
	health     *grpchealth.Server
	listener   net.Listener
	logger     *slog.Logger
}

// NewServer binds addr and registers the health service. Service "" is SERVING
// from the start; ChannelService starts NOT_SERVING until Track seeds it.
func NewServer(addr string, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	hs := grpchealth.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ChannelService, healthpb.HealthCheckResponse_NOT_SERVING)

	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	return &Server{grpcServer: srv, health: hs, listener: listener, logger: logger}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve blocks until Stop.
func (s *Server) Serve() error {
	s.logger.Info("gRPC health server starting", "addr", s.Addr())
	if err := s.grpcServer.Serve(s.listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serve grpc health: %w", err)
	}
	return nil
}

// Stop marks every service NOT_SERVING and drains the server.
func (s *Server) Stop() {
	s.logger.Info("gRPC health server stopping")
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
}

// Track mirrors online transitions from b into ChannelService until ctx ends.
func (s *Server) Track(ctx context.Context, b *bus.Bus, source OnlineSource) {
	events, unsubscribe := b.Subscribe(bus.KindOnline, 8)
	defer unsubscribe()

	s.setChannel(source.IsOnline())
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if online, ok := evt.Payload.(bool); ok {
				s.setChannel(online)
			}
		}
	}
}

func (s *Server) setChannel(online bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if online {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ChannelService, status)
	s.logger.Debug("Channel health updated", "status", status.String())
}
