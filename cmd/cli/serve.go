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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/cochaviz/qemud/internal/daemon"
	"github.com/cochaviz/qemud/internal/driver"
	"github.com/cochaviz/qemud/internal/logging"
	"github.com/cochaviz/qemud/internal/setup"
)

const shutdownTimeout = 30 * time.Second

func newServeCommand(levelVar *slog.LevelVar, socketPath func() string) *cobra.Command {
	var (
		configFile     string
		logFormat      string
		metricsAddress string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon: load definitions, autostart, and serve the control socket",
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := logging.ParseMode(logFormat)
			if err != nil {
				return err
			}
			logger := logging.New(mode, os.Stderr, levelVar)
			setup.SetLogger(logging.Component(logger, "setup"))

			paths, err := setup.DefaultPaths()
			if err != nil {
				return err
			}
			if configFile == "" {
				configFile = paths.ConfigFile()
			}
			cfg, err := setup.Load(configFile)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("metrics-address") {
				cfg.MetricsAddress = metricsAddress
			}
			if err := setup.Prepare(paths); err != nil {
				return err
			}

			return serve(cmd.Context(), logger, paths, cfg, socketPath())
		},
	}

	cmd.Flags().StringVar(&configFile, "config", "", "Path to qemud.yaml (default: <config dir>/qemud.yaml)")
	cmd.Flags().StringVar(&logFormat, "log-format", "cli", "Log output format (cli, json)")
	cmd.Flags().StringVar(&metricsAddress, "metrics-address", "", "Serve Prometheus metrics on this address; overrides metrics_address")

	return cmd
}

func serve(ctx context.Context, logger *slog.Logger, paths setup.Paths, cfg setup.Config, socket string) error {
	drv, err := driver.New(cfg.Driver(paths, logger), cfg.Options()...)
	if err != nil {
		return err
	}
	logger.Info("starting driver", "config_dir", paths.ConfigDir, "socket", socket)
	if err := drv.Startup(ctx); err != nil {
		return fmt.Errorf("driver startup: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := drv.Shutdown(shutdownCtx); err != nil {
			logger.Error("driver shutdown failed", "error", err)
		}
	}()

	if cfg.MetricsAddress != "" {
		metrics := newMetricsServer(cfg.MetricsAddress, drv)
		go func() {
			logger.Info("serving metrics", "address", cfg.MetricsAddress)
			if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metrics.Shutdown(shutdownCtx)
		}()
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				logger.Info("reloading configuration")
				if err := drv.Reload(ctx); err != nil {
					logger.Error("reload failed", "error", err)
				}
			}
		}
	}()

	if err := daemon.New(socket, drv, logger).Start(ctx); err != nil {
		return err
	}
	logger.Info("daemon stopped")
	return nil
}

func newMetricsServer(address string, drv *driver.Driver) *http.Server {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		driver.NewCollector(drv),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return &http.Server{
		Addr:              address,
		Handler:           mux,
		ReadHeaderTimeout: time.Second,
	}
}
