package cmd

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

	"github.com/tripwire/dupwatch/internal/api"
	"github.com/tripwire/dupwatch/internal/app"
	"github.com/tripwire/dupwatch/internal/config"
)

const shutdownTimeout = 10 * time.Second

func newRunCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start monitoring the configured roots",
		Long: `Load the YAML configuration, open the hash cache, start one monitor
per configured root and serve the HTTP control API until SIGINT or
SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runService(cmd.Context(), configPath)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "dupwatch.yaml", "path to the YAML configuration file")
	return cmd
}

func runService(ctx context.Context, configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}

	logger, logCloser := newLogger(cfg)
	defer logCloser.Close()
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", configPath),
		slog.Int("roots", len(cfg.Roots)),
		slog.String("cache_path", cfg.Cache.Path),
		slog.String("log_level", cfg.LogLevel),
	)

	svc, err := app.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("start service: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// A root that fails to start does not stop the others.
	if err := svc.Start(ctx); err != nil {
		logger.Warn("not every root is being monitored", slog.Any("error", err))
	}

	var srv *http.Server
	if !cfg.API.Disabled {
		srv = &http.Server{
			Addr:              cfg.API.Addr,
			Handler:           api.NewRouter(api.NewServer(svc, logger), []byte(cfg.API.JWTSecret)),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		go func() {
			logger.Info("api server listening", slog.String("addr", cfg.API.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("api server error", slog.Any("error", err))
			}
		}()
	}

	// Block until SIGTERM or SIGINT.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
	}

	// Stop the service first so streams see the console close, then the
	// HTTP server.
	closeErr := svc.Close()
	if closeErr != nil {
		logger.Error("service shutdown error", slog.Any("error", closeErr))
	}

	if srv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("api server shutdown error", slog.Any("error", err))
		}
	}

	logger.Info("dupwatch exited")
	return closeErr
}
