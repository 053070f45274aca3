package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPaths     []string
	AgentID         string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool
}

// parseFlags reads args (without the program name). Flags fall back to
// environment variables; config file values apply only where neither is
// set.
func parseFlags(args []string) (*CLIConfig, *pflag.FlagSet, error) {
	cfg := &CLIConfig{}
	fs := pflag.NewFlagSet(appName, pflag.ContinueOnError)

	fs.StringSliceVarP(&cfg.ConfigPaths, "config", "c",
		splitEnvList(os.Getenv("CALLAGENT_CONFIG")),
		"Configuration layers, later files override earlier ones (env: CALLAGENT_CONFIG)")
	fs.StringVarP(&cfg.AgentID, "agent", "a", "",
		"Agent id to log in as; overrides agent.id (env: CALLAGENT_AGENT_ID)")
	fs.StringVar(&cfg.LogLevel, "log-level", "",
		"Log level: debug, info, warn, error; overrides log.level (env: CALLAGENT_LOG_LEVEL)")
	fs.StringVar(&cfg.LogFormat, "log-format", "",
		"Log format: json, text; overrides log.format (env: CALLAGENT_LOG_FORMAT)")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("CALLAGENT_SHUTDOWN_TIMEOUT", 10*time.Second),
		"Graceful shutdown timeout (env: CALLAGENT_SHUTDOWN_TIMEOUT)")
	fs.BoolVarP(&cfg.ShowVersion, "version", "v", false, "Show version information")
	fs.BoolVarP(&cfg.ShowHelp, "help", "h", false, "Show help information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	if err := fs.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			cfg.ShowHelp = true
			return cfg, fs, nil
		}
		return nil, fs, err
	}
	if rest := fs.Args(); len(rest) > 0 {
		return nil, fs, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	return cfg, fs, nil
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}
	for _, path := range cfg.ConfigPaths {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("config file not found: %s", path)
		}
	}
	if cfg.LogLevel != "" && !contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if cfg.LogFormat != "" && !contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid shutdown timeout: %v", cfg.ShutdownTimeout)
	}
	return nil
}

func printDetailedHelp(fs *pflag.FlagSet) {
	_, _ = fmt.Fprintf(os.Stderr, `%s - call agent dashboard core

Keeps the dispatch order list, vehicle positions and agent presence in sync
with the backend and serves metrics and health over HTTP.

Usage: %s [options]

Options:
`, appName, appName)
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Run with a base file and a site override
  %[1]s -c configs/callagent.yaml -c configs/site.json --agent 7

  # Validate configuration only
  %[1]s -c configs/callagent.yaml --validate

  # Environment only
  export CALLAGENT_TRANSPORT=relay CALLAGENT_RELAY_URL=ws://127.0.0.1:8765/relay
  %[1]s --agent 7

Send SIGHUP to drop all local state and resynchronise from the next snapshot.

Version: %[2]s
Build: %[3]s
`, appName, Version, BuildTime)
}

func splitEnvList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
