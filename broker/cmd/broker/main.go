// Package main is the entry point for the runnerbroker broker binary.
// It wires all internal packages together and starts the control plane.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Initialize encryption and open the database
//  4. Build repositories, runner-key store, port allocator
//  5. Build connection registry, dispatcher, event router, binder
//  6. Start the HTTP control plane and the gRPC health service
//  7. Block until SIGINT/SIGTERM, then graceful shutdown
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/sentryvibe/runnerbroker/broker/internal/api"
	"github.com/sentryvibe/runnerbroker/broker/internal/auth"
	"github.com/sentryvibe/runnerbroker/broker/internal/binding"
	"github.com/sentryvibe/runnerbroker/broker/internal/db"
	"github.com/sentryvibe/runnerbroker/broker/internal/dispatch"
	"github.com/sentryvibe/runnerbroker/broker/internal/eventrouter"
	"github.com/sentryvibe/runnerbroker/broker/internal/healthsvc"
	"github.com/sentryvibe/runnerbroker/broker/internal/portalloc"
	"github.com/sentryvibe/runnerbroker/broker/internal/registry"
	"github.com/sentryvibe/runnerbroker/broker/internal/repository"
	"github.com/sentryvibe/runnerbroker/broker/internal/runnerkey"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr      string
	healthAddr    string
	dbDriver      string
	dbDSN         string
	secretKey     string
	runnerPepper  string
	logLevel      string
	dataDir       string
	portRangeLow  int
	portRangeHigh int
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "runnerbroker",
		Short: "runnerbroker — command/event plane for project build-and-dev-server runners",
		Long: `runnerbroker is the central broker of the runner system.
It exposes an HTTP control plane for the UI layer, a WebSocket attach
endpoint for runners, and manages project-to-runner binding, command
dispatch, and event routing.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("RUNNERBROKER_HTTP_ADDR", ":8080"), "HTTP control-plane listen address")
	root.PersistentFlags().StringVar(&cfg.healthAddr, "health-addr", envOrDefault("RUNNERBROKER_HEALTH_ADDR", ":9090"), "gRPC health service listen address")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("RUNNERBROKER_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("RUNNERBROKER_DB_DSN", "./runnerbroker.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.secretKey, "secret-key", envOrDefault("RUNNERBROKER_SECRET_KEY", ""), "Master secret key for encrypting credentials at rest (required)")
	root.PersistentFlags().StringVar(&cfg.runnerPepper, "runner-key-pepper", envOrDefault("RUNNERBROKER_RUNNER_KEY_PEPPER", ""), "Pepper mixed into every runner-key hash (required)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("RUNNERBROKER_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.dataDir, "data-dir", envOrDefault("RUNNERBROKER_DATA_DIR", "./data"), "Directory for broker data (RSA keys, etc.)")
	root.PersistentFlags().IntVar(&cfg.portRangeLow, "port-range-low", 3001, "Lowest port offered to runners for dev servers")
	root.PersistentFlags().IntVar(&cfg.portRangeHigh, "port-range-high", 4000, "Highest port offered to runners for dev servers")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("runnerbroker %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.secretKey == "" {
		return fmt.Errorf("secret key is required — set --secret-key or RUNNERBROKER_SECRET_KEY")
	}
	if cfg.runnerPepper == "" {
		return fmt.Errorf("runner-key pepper is required — set --runner-key-pepper or RUNNERBROKER_RUNNER_KEY_PEPPER")
	}

	logger.Info("starting runnerbroker",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("health_addr", cfg.healthAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
	)

	// --- Signal handling ---
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Encryption ---
	keyBytes := make([]byte, 32)
	copy(keyBytes, []byte(cfg.secretKey))
	if err := db.InitEncryption(keyBytes); err != nil {
		return fmt.Errorf("failed to initialize encryption: %w", err)
	}

	// --- 2. Database ---
	gormDB, err := db.New(db.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormLogLevel(cfg.logLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	// --- 3. Repositories ---
	runnerKeyRepo := repository.NewRunnerKeyRepository(gormDB)
	projectRepo := repository.NewProjectRepository(gormDB)
	processRepo := repository.NewRunningProcessRepository(gormDB)
	portAllocRepo := repository.NewPortAllocationRepository(gormDB)

	// --- 4. Auth ---
	jwtManager, err := buildJWTManager(cfg.dataDir, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize JWT manager: %w", err)
	}
	keys, err := runnerkey.NewStore(runnerKeyRepo, []byte(cfg.runnerPepper))
	if err != nil {
		return fmt.Errorf("failed to initialize runner key store: %w", err)
	}

	// --- 5. Port allocator ---
	ports := portalloc.New(portAllocRepo, portalloc.Config{
		RangeLow:  cfg.portRangeLow,
		RangeHigh: cfg.portRangeHigh,
	}, logger)

	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	if err := ports.StartSweepJob(sched, 5*time.Minute); err != nil {
		return fmt.Errorf("failed to start port sweep job: %w", err)
	}
	sched.Start()
	defer func() {
		if err := sched.Shutdown(); err != nil {
			logger.Warn("scheduler shutdown error", zap.Error(err))
		}
	}()

	// --- 6. Connection registry, dispatcher, event router, binder ---
	const heartbeatInterval = 20 * time.Second

	reg := registry.New(heartbeatInterval, nil, logger)
	disp := dispatch.New(reg, dispatch.Config{}, logger)
	events := eventrouter.New(disp.Ack, reg, projectRepo, processRepo, logger)
	binder := binding.New(projectRepo, reg, disp, logger)

	eventsCtx, eventsCancel := context.WithCancel(ctx)
	defer eventsCancel()
	go events.Run(eventsCtx)

	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				reg.SweepHeartbeats()
			}
		}
	}()

	// --- 7. gRPC health service ---
	health := healthsvc.New(gormDB, logger)
	healthCtx, healthCancel := context.WithCancel(ctx)
	defer healthCancel()
	go health.Run(healthCtx)

	go func() {
		if err := health.ListenAndServe(healthCtx, cfg.healthAddr); err != nil {
			logger.Error("health service error", zap.Error(err))
			cancel()
		}
	}()

	// --- 8. HTTP control plane ---
	router := api.NewRouter(api.RouterConfig{
		Registry: reg,
		Dispatch: disp,
		Binder:   binder,
		Keys:     keys,
		Events:   events,
		Ports:    ports,
		JWTMgr:   jwtManager,
		Logger:   logger,
		Projects: projectRepo,
		Processes: processRepo,
	})

	httpSrv := &http.Server{
		Addr:         cfg.httpAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // the attach WebSocket is long-lived; no fixed write deadline at the server level
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	// --- Wait for shutdown signal ---
	<-ctx.Done()
	logger.Info("shutting down runnerbroker")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("runnerbroker stopped")
	return nil
}

// buildJWTManager loads RSA keys from the data directory if available,
// or generates ephemeral in-memory keys for development.
func buildJWTManager(dataDir string, logger *zap.Logger) (*auth.JWTManager, error) {
	privPath := filepath.Join(dataDir, "jwt_private.pem")
	pubPath := filepath.Join(dataDir, "jwt_public.pem")

	if _, err := os.Stat(privPath); err == nil {
		logger.Info("loading JWT keys from disk", zap.String("private", privPath))
		return auth.NewJWTManagerFromFiles(privPath, pubPath, "runnerbroker")
	}

	logger.Warn("JWT key files not found — using ephemeral in-memory keys (tokens will be invalidated on restart)",
		zap.String("expected_private", privPath),
	)
	return auth.NewJWTManagerGenerated("runnerbroker")
}

// gormLogLevel maps the application log level string to a GORM logger level.
func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "debug":
		return gormlogger.Info
	case "info":
		return gormlogger.Warn
	default:
		return gormlogger.Error
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
