// Package portalloc implements C2, the port allocator: reserving a free TCP
// port per project's dev server, persisting the reservation across
// reconnects, and sweeping abandoned reservations on a timer.
package portalloc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sentryvibe/runnerbroker/broker/internal/repository"
)

// ErrNoPortAvailable is returned by ReserveFor when every candidate port in
// the configured range is either reserved or bound locally. The caller's
// dev-server framework is expected to auto-increment past a busy port on
// its own, so this is reported to the runner rather than treated as fatal.
var ErrNoPortAvailable = errors.New("portalloc: no free port in range")

// Config bounds the candidate port range and the abandonment TTL used by
// Sweep.
type Config struct {
	RangeLow  int // default 3001
	RangeHigh int // default 4000
	// AbandonTTL is how long an unreleased reservation may exist with no
	// matching RunningProcess before Sweep reclaims it.
	AbandonTTL time.Duration // default 10 minutes
}

func (c Config) withDefaults() Config {
	if c.RangeLow == 0 {
		c.RangeLow = 3001
	}
	if c.RangeHigh == 0 {
		c.RangeHigh = 4000
	}
	if c.AbandonTTL == 0 {
		c.AbandonTTL = 10 * time.Minute
	}
	return c
}

// Allocator reserves and releases dev-server ports for projects.
type Allocator struct {
	repo   repository.PortAllocationRepository
	cfg    Config
	logger *zap.Logger
}

// New returns an Allocator backed by repo.
func New(repo repository.PortAllocationRepository, cfg Config, logger *zap.Logger) *Allocator {
	return &Allocator{repo: repo, cfg: cfg.withDefaults(), logger: logger}
}

// ReserveFor returns the port reserved for projectID, reusing an existing
// unreleased reservation if present so a reconnecting dev server binds the
// same port it had before. preferred, if nonzero and free, is tried first.
func (a *Allocator) ReserveFor(ctx context.Context, projectID uuid.UUID, preferred int) (int, error) {
	existing, err := a.repo.GetUnreleased(ctx, projectID)
	if err == nil {
		return existing.Port, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return 0, fmt.Errorf("portalloc: reserve for %s: %w", projectID, err)
	}

	taken, err := a.takenPorts(ctx)
	if err != nil {
		return 0, err
	}

	if preferred != 0 && !taken[preferred] && probeFree(preferred) {
		if err := a.repo.Reserve(ctx, projectID, preferred); err != nil {
			return 0, fmt.Errorf("portalloc: reserve preferred port: %w", err)
		}
		return preferred, nil
	}

	for port := a.cfg.RangeLow; port <= a.cfg.RangeHigh; port++ {
		if taken[port] {
			continue
		}
		if !probeFree(port) {
			continue
		}
		if err := a.repo.Reserve(ctx, projectID, port); err != nil {
			return 0, fmt.Errorf("portalloc: reserve: %w", err)
		}
		return port, nil
	}

	return 0, ErrNoPortAvailable
}

// Release marks the project's reservation released. Idempotent.
func (a *Allocator) Release(ctx context.Context, projectID uuid.UUID) error {
	if err := a.repo.Release(ctx, projectID); err != nil {
		return fmt.Errorf("portalloc: release: %w", err)
	}
	return nil
}

// Sweep reclaims unreleased reservations older than the configured
// abandonment TTL that have no active RunningProcess row.
func (a *Allocator) Sweep(ctx context.Context) error {
	n, err := a.repo.SweepAbandoned(ctx, time.Now().Add(-a.cfg.AbandonTTL))
	if err != nil {
		return fmt.Errorf("portalloc: sweep: %w", err)
	}
	if n > 0 {
		a.logger.Info("swept abandoned port reservations", zap.Int64("count", n))
	}
	return nil
}

// StartSweepJob registers a recurring Sweep call on cron, running once
// immediately at startup and then on every tick of interval. The job runs
// in singleton mode, so an overrunning sweep never overlaps itself.
func (a *Allocator) StartSweepJob(cron gocron.Scheduler, interval time.Duration) error {
	_, err := cron.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if err := a.Sweep(context.Background()); err != nil {
				a.logger.Error("port allocation sweep failed", zap.Error(err))
			}
		}),
		gocron.WithStartAt(gocron.WithStartImmediately()),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("portalloc: start sweep job: %w", err)
	}
	return nil
}

func (a *Allocator) takenPorts(ctx context.Context) (map[int]bool, error) {
	allocs, err := a.repo.ListUnreleased(ctx)
	if err != nil {
		return nil, fmt.Errorf("portalloc: list unreleased: %w", err)
	}
	taken := make(map[int]bool, len(allocs))
	for _, alloc := range allocs {
		taken[alloc.Port] = true
	}
	return taken, nil
}

// probeFree does a best-effort local bind check. A false positive (port
// reported free here but taken by the time the dev server starts) is
// expected and handled by the dev-server framework's own auto-increment.
func probeFree(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}
