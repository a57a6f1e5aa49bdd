// Package main is the entry point for the runnerbroker runner binary.
// It wires all internal packages together and starts the broker client
// connection loop.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Load or generate a stable runner id
//  4. Build supervisor, tunnel manager, executor (with configured providers)
//  5. Build the broker client
//  6. Build the coordinator over those four, wire it in as their event
//     sink and command handler, and start the client's connection loop
//  7. Block until SIGINT/SIGTERM, then graceful shutdown
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sentryvibe/runnerbroker/runner/internal/client"
	"github.com/sentryvibe/runnerbroker/runner/internal/coordinator"
	"github.com/sentryvibe/runnerbroker/runner/internal/executor"
	"github.com/sentryvibe/runnerbroker/runner/internal/provider"
	"github.com/sentryvibe/runnerbroker/runner/internal/provider/cliprovider"
	"github.com/sentryvibe/runnerbroker/runner/internal/supervisor"
	"github.com/sentryvibe/runnerbroker/runner/internal/tunnel"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	brokerURL      string
	runnerSecret   string
	stateDir       string
	providerBinary string
	providerName   string
	logLevel       string
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
		Use:   "runnerbroker-runner",
		Short: "runnerbroker runner — builds and serves one project's dev environment",
		Long: `The runnerbroker runner runs on the machine that hosts a project's
workspace. It connects to the broker over a persistent WebSocket, receives
build/dev-server/tunnel commands, and executes them locally.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.brokerURL, "broker-url", envOrDefault("RUNNERBROKER_BROKER_URL", "ws://localhost:8080/runner/attach"), "Broker attach WebSocket URL")
	root.PersistentFlags().StringVar(&cfg.runnerSecret, "runner-secret", envOrDefault("RUNNERBROKER_RUNNER_SECRET", ""), "Runner key secret issued by the broker (required)")
	root.PersistentFlags().StringVar(&cfg.stateDir, "state-dir", envOrDefault("RUNNERBROKER_STATE_DIR", defaultStateDir()), "Directory for runner state (runner-state.json, extracted tunnel binary)")
	root.PersistentFlags().StringVar(&cfg.providerName, "provider-name", envOrDefault("RUNNERBROKER_PROVIDER_NAME", "claude"), "Name a start-build command's Options.provider selects")
	root.PersistentFlags().StringVar(&cfg.providerBinary, "provider-binary", envOrDefault("RUNNERBROKER_PROVIDER_BINARY", "claude"), "CLI binary invoked to run a build")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("RUNNERBROKER_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("runnerbroker-runner %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.runnerSecret == "" {
		return fmt.Errorf("runner secret is required — set --runner-secret or RUNNERBROKER_RUNNER_SECRET")
	}

	runnerID, err := client.LoadOrCreateRunnerID(cfg.stateDir)
	if err != nil {
		return fmt.Errorf("failed to load or create runner id: %w", err)
	}

	logger.Info("starting runnerbroker runner",
		zap.String("version", version),
		zap.String("runner_id", runnerID.String()),
		zap.String("broker_url", cfg.brokerURL),
		zap.String("state_dir", cfg.stateDir),
	)

	// --- Signal handling ---
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- Local components ---
	sup := supervisor.New(nil, nil)
	tunnels := tunnel.New(cfg.stateDir, nil, logger)
	providers := map[string]provider.Provider{
		cfg.providerName: cliprovider.New(cliprovider.Config{
			Binary:         cfg.providerBinary,
			Args:           []string{"--print", "--output-format=stream-json"},
			PromptViaStdin: true,
		}, logger),
	}
	exec := executor.New(providers, logger)

	// --- Broker client ---
	// Constructed before the coordinator so the coordinator's Emitter
	// dependency has something to point at; the coordinator is, in turn,
	// the supervisor/tunnel event sink, set via SetSinks below to resolve
	// the construction cycle.
	brokerClient := client.New(client.Config{
		BrokerURL: cfg.brokerURL,
		RunnerID:  runnerID,
		Secret:    cfg.runnerSecret,
		Version:   version,
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
		StateDir:  cfg.stateDir,
	}, nil, logger)

	coord := coordinator.New(sup, tunnels, exec, brokerClient, logger)
	sup.SetSinks(coord, coord)
	tunnels.SetSinks(coord)
	brokerClient.SetHandler(coord.HandleCommand)
	brokerClient.SetStatusProvider(coord)

	// --- Run ---
	brokerClient.Run(ctx)

	logger.Info("runnerbroker runner stopped")
	return nil
}

// defaultStateDir returns the platform-appropriate default state directory.
func defaultStateDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return dir + "/.runnerbroker"
	}
	return ".runnerbroker"
}

func buildLogger(level string) (*zap.Logger, error) {
	var zcfg zap.Config

	switch level {
	case "debug":
		zcfg = zap.NewDevelopmentConfig()
	default:
		zcfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		zcfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zcfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zcfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zcfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		zcfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return zcfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
