// Package healthsvc implements a gRPC health-checking endpoint on a
// dedicated listener, separate from the HTTP control plane (spec §6 is
// silent on probes; this is ambient infrastructure every orchestrated
// broker deployment needs).
//
// It reports SERVING only while the database answers a ping (the in-process
// connection registry is not probed), so a container orchestrator can
// distinguish "broker process is up" from "broker is actually usable" and
// stop routing new runner attaches or UI traffic to an instance that has
// lost its database.
package healthsvc

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/gorm"
)

// serviceName is the value reported in the health check's Check/Watch
// responses. Empty string means "overall server status" in the standard
// gRPC health protocol; it is the only service name this server sets.
const serviceName = ""

// pingInterval is how often the background prober re-checks the database.
const pingInterval = 10 * time.Second

// Server serves the standard grpc.health.v1.Health service on its own
// listener, driven by a background prober that flips the reported status
// as dependencies come and go.
type Server struct {
	db     *gorm.DB
	logger *zap.Logger

	health *health.Server
}

// New constructs a Server. Callers must call Run to start the background
// prober and ListenAndServe to start accepting connections.
func New(database *gorm.DB, logger *zap.Logger) *Server {
	return &Server{
		db:     database,
		logger: logger.Named("healthsvc"),
		health: health.NewServer(),
	}
}

// Run starts the background prober that periodically pings the database
// and updates the reported serving status. It blocks until ctx is
// cancelled.
func (s *Server) Run(ctx context.Context) {
	s.probe(ctx)

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			return
		case <-ticker.C:
			s.probe(ctx)
		}
	}
}

func (s *Server) probe(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	sqlDB, err := s.db.DB()
	if err != nil {
		s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
		s.logger.Warn("health probe: failed to get sql.DB", zap.Error(err))
		return
	}
	if err := sqlDB.PingContext(pingCtx); err != nil {
		s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
		s.logger.Warn("health probe: database unreachable", zap.Error(err))
		return
	}
	s.setStatus(healthpb.HealthCheckResponse_SERVING)
}

func (s *Server) setStatus(status healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus(serviceName, status)
}

// ListenAndServe starts the gRPC server and blocks until the context is
// cancelled or a fatal error occurs. On cancellation the server is stopped
// with GracefulStop.
func (s *Server) ListenAndServe(ctx context.Context, listenAddr string) error {
	lis, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("healthsvc: failed to listen on %s: %w", listenAddr, err)
	}

	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, s.health)

	go func() {
		<-ctx.Done()
		s.logger.Info("health service shutting down gracefully")
		grpcServer.GracefulStop()
	}()

	s.logger.Info("health service listening", zap.String("addr", listenAddr))

	if err := grpcServer.Serve(lis); err != nil {
		return fmt.Errorf("healthsvc: server error: %w", err)
	}
	return nil
}
