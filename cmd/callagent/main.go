// Package main runs the call agent dashboard core: it logs an agent in over
// the configured transport, keeps the order list and vehicle positions in
// sync and serves Prometheus metrics and a health endpoint.
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/idompolo/call-agent-sub001/config"
	"github.com/idompolo/call-agent-sub001/errors"
	"github.com/idompolo/call-agent-sub001/metric"
	"github.com/idompolo/call-agent-sub001/order"
	"github.com/idompolo/call-agent-sub001/session"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "callagent"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	cliCfg, shouldExit, err := initializeCLI(args)
	if shouldExit || err != nil {
		return err
	}

	cfg, err := loadConfig(cliCfg)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	if cliCfg.Validate {
		logger.Info("Configuration is valid", "config", cfg.String())
		return nil
	}

	logger.Info("Starting call agent",
		"version", Version,
		"build_time", BuildTime,
		"config_paths", cliCfg.ConfigPaths,
		"transport", cfg.Transport.Mode)

	registry := metric.NewMetricsRegistry()
	deps := session.Deps{Logger: logger, Registry: registry}

	tr, err := session.NewTransport(cfg, deps)
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}
	sess, err := session.New(cfg, tr, deps)
	if err != nil {
		closeTransport(tr, logger)
		return fmt.Errorf("create session: %w", err)
	}

	return runWithSignalHandling(cfg, cliCfg, sess, registry, logger)
}

// initializeCLI parses flags and handles --help and --version.
func initializeCLI(args []string) (*CLIConfig, bool, error) {
	cliCfg, fs, err := parseFlags(args)
	if err != nil {
		return nil, false, fmt.Errorf("invalid flags: %w", err)
	}
	if err := validateFlags(cliCfg); err != nil {
		return nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, true, nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp(fs)
		return nil, true, nil
	}
	return cliCfg, false, nil
}

// loadConfig layers the config files over the defaults, applies CALLAGENT_*
// environment overrides and finally the command-line flags.
func loadConfig(cliCfg *CLIConfig) (*config.Config, error) {
	loader := config.NewLoader()
	for _, path := range cliCfg.ConfigPaths {
		loader.AddLayer(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if cliCfg.AgentID != "" {
		cfg.Agent.ID = cliCfg.AgentID
	}
	if cliCfg.LogLevel != "" {
		cfg.Log.Level = cliCfg.LogLevel
	}
	if cliCfg.LogFormat != "" {
		cfg.Log.Format = cliCfg.LogFormat
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// runWithSignalHandling starts the session and blocks until SIGINT or
// SIGTERM. SIGHUP resets the session state.
func runWithSignalHandling(
	cfg *config.Config,
	cliCfg *CLIConfig,
	sess *session.Session,
	registry *metric.MetricsRegistry,
	logger *slog.Logger,
) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverErr := make(chan error, 1)
	var metricsServer *metric.Server
	if cfg.Metrics.Enabled {
		metricsServer = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, registry, sess.HealthReport)
		go func() {
			if err := metricsServer.Start(); err != nil {
				serverErr <- err
			}
		}()
		logger.Info("Metrics server started", "address", metricsServer.Address())
	}

	if logger.Enabled(ctx, slog.LevelDebug) {
		detach := sess.Orders().OnChange(func(c order.Change) {
			logger.Debug("order list changed", "kind", c.Kind.String(), "order_id", c.ID, "version", c.Version)
		})
		defer detach()
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	connectCtx, cancelConnect := context.WithTimeout(ctx, cfg.NATS.Timeout.Std()+cfg.Relay.RequestTimeout.Std())
	err := sess.Start(connectCtx, cfg.Agent.ID)
	cancelConnect()
	switch {
	case err == nil:
		logger.Info("Agent logged in", "agent_id", sess.AgentID())
	case sess.AgentID() != "":
		logger.Warn("Initial connect failed, retrying in background", "error", err,
			"transient", errors.IsTransient(err))
	default:
		shutdown(cliCfg, sess, metricsServer, logger)
		return fmt.Errorf("start session: %w", err)
	}

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			logger.Info("Received shutdown signal")
			break loop
		case <-hup:
			if err := sess.Reset(); err != nil {
				logger.Error("Reset failed", "error", err)
				continue
			}
			logger.Info("State reset, waiting for the next snapshot")
		case err := <-serverErr:
			runErr = fmt.Errorf("metrics server: %w", err)
			break loop
		}
	}

	shutdown(cliCfg, sess, metricsServer, logger)
	return runErr
}

func shutdown(cliCfg *CLIConfig, sess *session.Session, metricsServer *metric.Server, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cliCfg.ShutdownTimeout)
	defer cancel()

	if err := sess.Stop(ctx); err != nil {
		logger.Error("Error during shutdown", "error", err)
	}
	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Warn("Failed to stop metrics server", "error", err)
		}
	}
	closeTransport(sess.Transport(), logger)

	if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
		logger.Warn("Shutdown timeout exceeded", "timeout", cliCfg.ShutdownTimeout)
		return
	}
	logger.Info("Shutdown complete")
}

// closeTransport releases transport resources that outlive a disconnect.
func closeTransport(tr any, logger *slog.Logger) {
	closer, ok := tr.(interface{ Close(context.Context) error })
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := closer.Close(ctx); err != nil {
		logger.Debug("transport close failed", "error", err)
	}
}
