// Command orchestrator starts the job orchestrator: it wires the state
// store, coordination plane, TDD engine, executor, and streaming gateway,
// starts the background loops, and serves the HTTP surface until signaled
// to stop. Grounded on the teacher's cmd/nerd/main.go rootCmd/PersistentPreRunE
// wiring shape, adapted from an interactive CLI entrypoint to a long-running
// server entrypoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"codenerd-orchestrator/internal/config"
	"codenerd-orchestrator/internal/coordination"
	"codenerd-orchestrator/internal/executor"
	"codenerd-orchestrator/internal/gateway"
	"codenerd-orchestrator/internal/logging"
	"codenerd-orchestrator/internal/reasoning"
	"codenerd-orchestrator/internal/store"
	"codenerd-orchestrator/internal/tdd"
)

var (
	configPath string
	httpAddr   string
	storePath  string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "Multi-agent job orchestrator: DAG executor, TDD phase engine, agent coordination plane",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the store schema and exit",
	RunE:  runMigrate,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (optional)")
	rootCmd.PersistentFlags().StringVar(&storePath, "store-path", "", "override the configured SQLite store path")
	rootCmd.Flags().StringVar(&httpAddr, "http-addr", "", "override the configured HTTP listen address")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log at debug level")
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return exitCodeError{1, fmt.Errorf("load config: %w", err)}
	}
	if storePath != "" {
		cfg.StorePath = storePath
	}
	st, err := store.NewSQLiteStore(cfg.StorePath)
	if err != nil {
		return exitCodeError{1, fmt.Errorf("open store: %w", err)}
	}
	return st.Close()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exitErr exitCodeError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// exitCodeError carries the spec §6 process exit code alongside the error
// that produced it, so main can translate it without re-deriving the code
// from error text.
type exitCodeError struct {
	code int
	err  error
}

func (e exitCodeError) Error() string { return e.err.Error() }
func (e exitCodeError) Unwrap() error { return e.err }

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return exitCodeError{1, fmt.Errorf("load config: %w", err)}
	}
	if httpAddr != "" {
		cfg.HTTPAddr = httpAddr
	}
	if storePath != "" {
		cfg.StorePath = storePath
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	logger, logLevel, err := logging.New(cfg.Logging.Level, cfg.Logging.JSONFormat)
	if err != nil {
		return exitCodeError{1, fmt.Errorf("build logger: %w", err)}
	}
	defer func() { _ = logger.Sync() }()

	var cfgWatcher *config.Watcher
	if configPath != "" {
		cfgWatcher, err = config.NewWatcher(configPath, cfg, logger)
		if err != nil {
			logger.Warn("config hot-reload unavailable", zap.Error(err))
			cfgWatcher = nil
		}
	}

	if err := os.MkdirAll(parentDir(cfg.StorePath), 0o755); err != nil {
		return exitCodeError{1, fmt.Errorf("prepare store dir: %w", err)}
	}

	st, err := store.NewSQLiteStore(cfg.StorePath)
	if err != nil {
		return exitCodeError{1, fmt.Errorf("open store: %w", err)}
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("close store failed", zap.Error(err))
		}
	}()

	vectorMemory, err := store.NewVectorMemory(cfg.StorePath+".vec", executor.VectorDim)
	if err != nil {
		logger.Warn("vector memory unavailable, continuing without it", zap.Error(err))
		vectorMemory = nil
	}
	if vectorMemory != nil {
		defer func() {
			if err := vectorMemory.Close(); err != nil {
				logger.Warn("close vector memory failed", zap.Error(err))
			}
		}()
	}

	reasoningEngine, err := reasoning.New()
	if err != nil {
		return exitCodeError{1, fmt.Errorf("build reasoning engine: %w", err)}
	}

	health := coordination.NewHealthMonitor(st, coordination.HealthConfig{
		HeartbeatInterval:   cfg.HeartbeatInterval,
		HealthCheckInterval: cfg.HealthCheckInterval,
		OfflineThreshold:    cfg.OfflineThreshold,
	}, logger)

	discovery := coordination.NewDiscovery(st, health, coordination.DiscoveryConfig{
		DiscoveryInterval: cfg.DiscoveryInterval,
		CleanupInterval:   cfg.CleanupInterval,
		AgentTimeout:      cfg.AgentTimeout,
	}, logger)

	breakers := coordination.NewCircuitBreakers(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerTimeout)

	router := coordination.NewRouter(st, discovery, health, breakers, reasoningEngine,
		coordination.Strategy(cfg.DefaultRoutingStrategy), logger)

	tddEngine := tdd.NewEngine(st)

	exec := executor.New(st, router, health, tddEngine, vectorMemory, logger)

	gw := gateway.New(st, exec, discovery, router, breakers, gateway.Config{
		SubscriberQueueSize: 256,
		PingInterval:        30 * time.Second,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Background loops run under one errgroup so shutdown can wait for
	// every loop to drain its in-flight work before the process exits
	// (spec §5's cancellation contract).
	loops, loopCtx := errgroup.WithContext(ctx)
	loops.Go(func() error { health.Run(loopCtx); return nil })
	loops.Go(func() error { discovery.RunScan(loopCtx); return nil })
	loops.Go(func() error { discovery.RunCleanup(loopCtx); return nil })
	loops.Go(func() error { exec.RunResultConsumer(loopCtx, 2*time.Second); return nil })
	loops.Go(func() error { exec.RunTimeoutWatchdog(loopCtx, 30*time.Second, cfg.TaskTimeout); return nil })

	if cfgWatcher != nil {
		loops.Go(func() error { cfgWatcher.Run(loopCtx); return nil })
		loops.Go(func() error { watchConfigChanges(loopCtx, cfgWatcher, logLevel, logger); return nil })
	}

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: gw.Routes(),
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-serveErr:
		cancel()
		_ = loops.Wait()
		if err != nil {
			return exitCodeError{2, fmt.Errorf("serve: %w", err)}
		}
		return nil
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return exitCodeError{2, fmt.Errorf("graceful shutdown: %w", err)}
	}
	_ = loops.Wait()

	if err := <-serveErr; err != nil {
		return exitCodeError{2, fmt.Errorf("serve: %w", err)}
	}
	return nil
}

// watchConfigChanges applies the subset of a reloaded config that is safe
// to change without re-wiring collaborators: today that is just the log
// level. Routing/health/discovery intervals are read once at startup by
// their owning loops (spec §11: hot-reload is a convenience, not a
// requirement for correctness).
func watchConfigChanges(ctx context.Context, w *config.Watcher, level zap.AtomicLevel, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-w.Changes():
			if !ok {
				return
			}
			logging.SetLevel(level, cfg.Logging.Level)
			logger.Info("applied hot-reloaded log level", zap.String("level", cfg.Logging.Level))
		}
	}
}

func parentDir(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
