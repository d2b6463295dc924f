package server

import (
	"context"
	"fmt"
	"net"
	"time"

	"MemePerp/internal/observability"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// GRPCServer serves grpc.health.v1 and reflection so orchestration and grpcurl can
// check the service. Serving status follows the HealthChecker's readiness.
type GRPCServer struct {
	grpcServer   *grpc.Server
	healthServer *health.Server
	addr         string
	checker      *observability.HealthChecker
	logger       zerolog.Logger
}

func NewGRPCServer(addr string, checker *observability.HealthChecker, logger zerolog.Logger) *GRPCServer {
	grpcServer := grpc.NewServer()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &GRPCServer{
		grpcServer:   grpcServer,
		healthServer: healthServer,
		addr:         addr,
		checker:      checker,
		logger:       logger,
	}
}

// Start serves until ctx is cancelled (blocking).
func (s *GRPCServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go s.syncHealth(ctx)
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.healthServer.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.addr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// syncHealth mirrors readiness into the gRPC health status
func (s *GRPCServer) syncHealth(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	last := healthpb.HealthCheckResponse_UNKNOWN
	for {
		status := healthpb.HealthCheckResponse_NOT_SERVING
		if s.checker == nil || s.checker.IsReady() {
			status = healthpb.HealthCheckResponse_SERVING
		}
		if status != last {
			s.healthServer.SetServingStatus("", status)
			last = status
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
