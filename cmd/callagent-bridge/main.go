// Package main runs the relay bridge: a websocket endpoint that lets
// browser-hosted dashboards reach the dispatch backend through this
// process's NATS connection.
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/idompolo/call-agent-sub001/config"
	"github.com/idompolo/call-agent-sub001/health"
	"github.com/idompolo/call-agent-sub001/metric"
	"github.com/idompolo/call-agent-sub001/pkg/tlsutil"
	"github.com/idompolo/call-agent-sub001/relay"
	"github.com/idompolo/call-agent-sub001/session"
	"github.com/idompolo/call-agent-sub001/transport"
)

const (
	Version = "0.1.0"
	appName = "callagent-bridge"
)

type options struct {
	configPaths     []string
	listen          string
	logLevel        string
	shutdownTimeout time.Duration
	showVersion     bool
}

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
		slog.Error("Bridge failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func parseOptions(args []string) (*options, error) {
	opts := &options{}
	fs := pflag.NewFlagSet(appName, pflag.ContinueOnError)
	fs.StringSliceVarP(&opts.configPaths, "config", "c", nil, "Configuration layers, later files override earlier ones")
	fs.StringVar(&opts.listen, "listen", "", "Listen address; overrides relay.listen")
	fs.StringVar(&opts.logLevel, "log-level", "", "Log level; overrides log.level")
	fs.DurationVar(&opts.shutdownTimeout, "shutdown-timeout", 10*time.Second, "Graceful shutdown timeout")
	fs.BoolVarP(&opts.showVersion, "version", "v", false, "Show version information")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if opts.shutdownTimeout <= 0 {
		return nil, fmt.Errorf("invalid shutdown timeout: %v", opts.shutdownTimeout)
	}
	return opts, nil
}

// loadConfig returns the bridge configuration. The bridge always talks NATS
// upstream, whatever transport.mode says.
func loadConfig(opts *options) (*config.Config, error) {
	loader := config.NewLoader()
	for _, path := range opts.configPaths {
		loader.AddLayer(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg.Transport.Mode = config.TransportNATS
	if opts.listen != "" {
		cfg.Relay.Listen = opts.listen
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if cfg.Relay.Listen == "" {
		return nil, fmt.Errorf("relay.listen is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func run(args []string) error {
	opts, err := parseOptions(args)
	if err != nil {
		if stderrors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("invalid flags: %w", err)
	}
	if opts.showVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	registry := metric.NewMetricsRegistry()
	upstream, err := session.NewTransport(cfg, session.Deps{Logger: logger, Registry: registry})
	if err != nil {
		return fmt.Errorf("create upstream: %w", err)
	}

	srv, bridge, err := newServer(cfg, upstream, registry, logger)
	if err != nil {
		return err
	}

	monitor := health.NewMonitor(registry.CoreMetrics())
	detach := monitor.TrackTransport("upstream", upstream)
	defer detach()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metricsServer *metric.Server
	if cfg.Metrics.Enabled {
		metricsServer = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, registry, func() (bool, any) {
			st := monitor.AggregateHealth(appName)
			return !st.IsUnhealthy(), st
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Relay bridge listening", "address", cfg.Relay.Listen, "path", cfg.Relay.Path,
			"tls", srv.TLSConfig != nil)
		var serveErr error
		if srv.TLSConfig != nil {
			serveErr = srv.ListenAndServeTLS("", "")
		} else {
			serveErr = srv.ListenAndServe()
		}
		if serveErr != nil && !stderrors.Is(serveErr, http.ErrServerClosed) {
			return fmt.Errorf("relay listener: %w", serveErr)
		}
		return nil
	})
	if metricsServer != nil {
		g.Go(metricsServer.Start)
	}

	// Either a signal or a failed listener ends the group context.
	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			logger.Info("Received shutdown signal")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Relay listener shutdown failed", "error", err)
		}
		bridge.Close()
		if metricsServer != nil {
			_ = metricsServer.Stop()
		}
		if closer, ok := upstream.(interface{ Close(context.Context) error }); ok {
			if err := closer.Close(shutdownCtx); err != nil {
				logger.Warn("Upstream close failed", "error", err)
			}
		}
		return nil
	})

	runErr := g.Wait()
	logger.Info("Shutdown complete")
	return runErr
}

// newServer mounts a bridge over upstream on cfg.Relay.Path. The returned
// server carries a TLS config when server TLS is enabled.
func newServer(
	cfg *config.Config,
	upstream transport.Transport,
	registry *metric.MetricsRegistry,
	logger *slog.Logger,
) (*http.Server, *relay.Bridge, error) {
	bridge, err := relay.NewBridge(upstream,
		relay.WithBridgeLogger(logger),
		relay.WithBridgeMetrics(registry.CoreMetrics()),
		relay.WithBridgeRequestTimeout(cfg.Relay.RequestTimeout.Std()),
		relay.WithBridgeRateLimit(cfg.Relay.RequestRate, cfg.Relay.RequestBurst),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("create bridge: %w", err)
	}
	tlsConfig, err := tlsutil.Server(cfg.Security.TLS.Server)
	if err != nil {
		return nil, nil, fmt.Errorf("server tls: %w", err)
	}

	path := cfg.Relay.Path
	if path == "" {
		path = "/relay"
	}
	mux := http.NewServeMux()
	mux.Handle(path, bridge)

	return &http.Server{
		Addr:              cfg.Relay.Listen,
		Handler:           mux,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 5 * time.Second,
	}, bridge, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Log.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler).With("service", appName, "version", Version)
}
