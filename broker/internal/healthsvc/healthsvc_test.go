package healthsvc

import (
	"context"
	"testing"

	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/sentryvibe/runnerbroker/broker/internal/db"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gormDB, err := db.New(db.Config{
		Driver: "sqlite",
		DSN:    "file::memory:?cache=shared",
		Logger: zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	return gormDB
}

func checkOverall(t *testing.T, s *Server) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := s.health.Check(context.Background(), &healthpb.HealthCheckRequest{Service: serviceName})
	if err != nil {
		t.Fatalf("health check: %v", err)
	}
	return resp.Status
}

func TestProbeReportsServingWhileDBReachable(t *testing.T) {
	gormDB := openTestDB(t)
	s := New(gormDB, zaptest.NewLogger(t))

	s.probe(context.Background())

	if got := checkOverall(t, s); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("status = %v, want SERVING", got)
	}
}

func TestProbeReportsNotServingAfterDBClosed(t *testing.T) {
	gormDB := openTestDB(t)
	s := New(gormDB, zaptest.NewLogger(t))
	s.probe(context.Background())

	sqlDB, err := gormDB.DB()
	if err != nil {
		t.Fatalf("get sql.DB: %v", err)
	}
	if err := sqlDB.Close(); err != nil {
		t.Fatalf("close db: %v", err)
	}

	s.probe(context.Background())

	if got := checkOverall(t, s); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("status = %v, want NOT_SERVING", got)
	}
}
