package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tripwire/fimd/internal/audit"
	"github.com/tripwire/fimd/internal/metrics"
	"github.com/tripwire/fimd/internal/monitor"
	"github.com/tripwire/fimd/internal/server/rest"
)

const shutdownTimeout = 30 * time.Second

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the monitor and its control API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "HTTP listen address (overrides http.addr)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, os.Interrupt)
	defer stop()

	cfg, logger, st, err := setup(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	if serveAddr != "" {
		cfg.HTTP.Addr = serveAddr
	}

	m := metrics.New()
	opts := []monitor.Option{
		monitor.WithMetrics(m),
		monitor.WithBufferSize(cfg.Monitor.BufferSize),
		monitor.WithPollInterval(cfg.Monitor.PollInterval),
		monitor.WithOwnFiles(cfg.JournalPath),
	}
	if cfg.Database.Driver == "sqlite" {
		opts = append(opts, monitor.WithOwnFiles(cfg.Database.Path))
	}
	if cfg.JournalPath != "" {
		j, err := audit.Open(cfg.JournalPath)
		if err != nil {
			return err
		}
		defer j.Close()
		opts = append(opts, monitor.WithJournal(j))
		logger.Info("audit journal enabled", slog.String("path", cfg.JournalPath))
	}

	mon := monitor.New(st, logger, opts...)
	defer mon.Close()

	routerCfg := rest.RouterConfig{AllowedOrigins: cfg.HTTP.AllowedOrigins}
	if path := cfg.HTTP.JWT.PublicKeyPath; path != "" {
		pub, err := rest.LoadRSAPublicKey(path)
		if err != nil {
			return err
		}
		routerCfg.JWT = rest.JWTConfig{
			PublicKey: pub,
			Issuer:    cfg.HTTP.JWT.Issuer,
			Audience:  cfg.HTTP.JWT.Audience,
			Logger:    logger,
		}
		logger.Info("JWT validation enabled")
	} else {
		logger.Warn("no JWT public key configured; control API authentication disabled")
	}

	srv := rest.NewServer(st, mon, logger, m.Handler())
	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           rest.NewRouter(srv, routerCfg),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      35 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("fimd listening", slog.String("addr", cfg.HTTP.Addr), slog.String("version", Version))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		mon.Close()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("fimd exited cleanly")
	return nil
}
