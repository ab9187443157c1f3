// Command fimd is the file-integrity monitoring daemon. It watches directory
// trees chosen through its control API, diffs every change against the last
// recorded content, and keeps the result as an append-only audit trail.
//
// Usage:
//
//	fimd serve --config /etc/fimd/config.yaml
//	fimd events --limit 20 --kind MODIFY
//	fimd diff 42
//	fimd reconcile /srv/www /etc/nginx
//	fimd verify
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tripwire/fimd/internal/config"
	"github.com/tripwire/fimd/internal/store"
	"github.com/tripwire/fimd/internal/store/postgres"
	"github.com/tripwire/fimd/internal/store/sqlite"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:           "fimd",
	Short:         "File-integrity monitoring daemon",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML configuration file")
	rootCmd.AddCommand(serveCmd, eventsCmd, diffCmd, reconcileCmd, verifyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fimd: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads --config, or returns the defaults when it is unset.
func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.LoadConfig(configPath)
}

// newLogger constructs a *slog.Logger that writes JSON-structured log records
// to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

// openStore opens the audit store selected by cfg.Database.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.Database.Driver {
	case "postgres":
		st, err := postgres.New(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, err
		}
		logger.Info("PostgreSQL store connected")
		return st, nil
	default:
		var opts []sqlite.Option
		if cfg.Database.MaxRetries > 0 {
			opts = append(opts, sqlite.WithMaxRetries(cfg.Database.MaxRetries))
		}
		st, err := sqlite.Open(ctx, cfg.Database.Path, logger, opts...)
		if err != nil {
			return nil, err
		}
		logger.Info("SQLite store opened", slog.String("path", cfg.Database.Path))
		return st, nil
	}
}

// setup loads the configuration, builds the logger, and opens the store.
// The caller closes the returned store.
func setup(ctx context.Context) (*config.Config, *slog.Logger, store.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, logger, st, nil
}
