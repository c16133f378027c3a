package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cochaviz/qemud/internal/daemon"
	"github.com/cochaviz/qemud/internal/logging"
	"github.com/cochaviz/qemud/internal/setup"
)

const defaultLogLevel = "warning"

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	logger := logging.NewCLI(os.Stderr, &levelVar)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(logger, &levelVar)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("command interrupted", "error", err)
			os.Exit(130)
		}
		logger.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func newRootCommand(logger *slog.Logger, levelVar *slog.LevelVar) *cobra.Command {
	setup.SetLogger(logging.Component(logger, "setup"))

	var (
		logLevel   = defaultLogLevel
		socketPath string
	)
	resolveSocket := func() string {
		if path := strings.TrimSpace(socketPath); path != "" {
			return path
		}
		paths, err := setup.DefaultPaths()
		if err != nil {
			return daemon.DefaultSocketPath
		}
		return paths.SocketPath()
	}

	root := &cobra.Command{
		Use:           "qemud",
		Short:         "Manage QEMU virtual machines and their virtual networks",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	root.PersistentFlags().StringVar(&socketPath, "socket", "", "Path to the daemon control socket (default depends on the effective user)")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := logging.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		if levelVar != nil {
			levelVar.Set(level)
		}
		return nil
	}

	root.AddCommand(
		newServeCommand(levelVar, resolveSocket),
		newDomainCommand(logger, resolveSocket),
		newNetworkCommand(logger, resolveSocket),
		newArgvCommand(logger),
		newConfigCommand(),
	)
	return root
}
