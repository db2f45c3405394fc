// fieldops-service 通过 HTTP 提供瓦片缓存、区域下载、地理围栏和按电量调整的定位采样
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

	"github.com/gorilla/handlers"
	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/geoyee/fieldops/internal/app"
	"github.com/geoyee/fieldops/internal/config"
	"github.com/geoyee/fieldops/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:          "fieldops-service",
		Short:        "HTTP service for offline tiles, geofences and position sampling",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				cfg *config.Config
				err error
			)
			if configPath != "" {
				cfg, err = config.Load(configPath)
			} else {
				cfg, err = config.LoadFromEnv()
			}
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
				if err := cfg.Validate(); err != nil {
					return err
				}
			}

			logger := logging.New("fieldops-service", cfg.Log.Level, cfg.Log.JSON, cmd.ErrOrStderr())
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, logger)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "JSON config file (default: FIELDOPS_* environment)")
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "Listen port")
	return cmd
}

func run(ctx context.Context, cfg *config.Config, logger hclog.Logger) error {
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.StartTracking(ctx); err != nil {
		return err
	}

	server := NewServer(a, logger)
	accessLog := logger.Named("access").StandardWriter(&hclog.StandardLoggerOptions{ForceLevel: hclog.Info})
	httpServer := &http.Server{
		Addr:              cfg.Address(),
		Handler:           handlers.LoggingHandler(accessLog, server.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go cleanupLoop(ctx, a, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("fieldops service starting", "addr", httpServer.Addr, "kafka", a.Publisher.Enabled())
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)
	return httpServer.Shutdown(shutdownCtx)
}

// cleanupLoop 按配置的间隔执行限频的缓存清理
func cleanupLoop(ctx context.Context, a *app.App, logger hclog.Logger) {
	ticker := time.NewTicker(a.Config.CleanupInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if evicted, err := a.Cache.Cleanup(ctx, false); err != nil {
				logger.Warn("scheduled cleanup failed", "error", err)
			} else if evicted > 0 {
				logger.Info("scheduled cleanup", "evicted", evicted)
			}
		}
	}
}
