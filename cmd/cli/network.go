package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cochaviz/qemud/internal/daemon"
)

func newNetworkCommand(logger *slog.Logger, socketPath func() string) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "network",
		Aliases: []string{"net"},
		Short:   "Manage virtual networks through the daemon",
	}

	cmd.AddCommand(
		newNetworkListCommand(socketPath),
		newNetworkDefineCommand(logger, socketPath, false),
		newNetworkDefineCommand(logger, socketPath, true),
		newNetworkDumpXMLCommand(socketPath),
		newNetworkAutostartCommand(socketPath),
		newNetworkBridgeCommand(socketPath),
	)
	for _, action := range []struct {
		use, short, done string
		run              func(*daemon.Client, string) error
	}{
		{"start", "Start a defined network", "started", (*daemon.Client).StartNetwork},
		{"destroy", "Stop an active network", "destroyed", (*daemon.Client).DestroyNetwork},
		{"undefine", "Remove an inactive network's definition", "undefined", (*daemon.Client).UndefineNetwork},
	} {
		run := action.run
		use, done := action.use, action.done
		cmd.AddCommand(&cobra.Command{
			Use:   use + " <name>",
			Args:  cobra.ExactArgs(1),
			Short: action.short,
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := run(daemon.NewClient(socketPath()), args[0]); err != nil {
					return err
				}
				logger.Debug("network action completed", "command", "network."+use, "network", args[0])
				fmt.Fprintf(cmd.OutOrStdout(), "Network %s %s\n", args[0], done)
				return nil
			},
		})
	}
	return cmd
}

func newNetworkListCommand(socketPath func() string) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List active networks, or every network with --all",
		RunE: func(cmd *cobra.Command, args []string) error {
			refs, err := daemon.NewClient(socketPath()).Networks()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-20s %-10s %s\n", "Name", "State", "Bridge")
			for _, ref := range refs {
				if !ref.Active && !all {
					continue
				}
				state := "inactive"
				if ref.Active {
					state = "active"
				}
				fmt.Fprintf(out, "%-20s %-10s %s\n", ref.Name, state, ref.Bridge)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "Include inactive networks")
	return cmd
}

func newNetworkDefineCommand(logger *slog.Logger, socketPath func() string, create bool) *cobra.Command {
	use, short := "define", "Define a persistent network from an XML file"
	if create {
		use, short = "create", "Start a transient network from an XML file"
	}
	return &cobra.Command{
		Use:   use + " <file.xml>",
		Args:  cobra.ExactArgs(1),
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			xml, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read network definition: %w", err)
			}
			client := daemon.NewClient(socketPath())
			define := client.DefineNetwork
			if create {
				define = client.CreateNetwork
			}
			ref, err := define(xml)
			if err != nil {
				return err
			}
			logger.Info("network "+use+"d", "network", ref.Name, "bridge", ref.Bridge)
			fmt.Fprintf(cmd.OutOrStdout(), "Network %s %sd from %s\n", ref.Name, use, args[0])
			return nil
		},
	}
}

func newNetworkDumpXMLCommand(socketPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "dumpxml <name>",
		Args:  cobra.ExactArgs(1),
		Short: "Print the XML definition of a network",
		RunE: func(cmd *cobra.Command, args []string) error {
			xml, err := daemon.NewClient(socketPath()).NetworkXML(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.TrimRight(xml, "\n"))
			return nil
		},
	}
}

func newNetworkAutostartCommand(socketPath func() string) *cobra.Command {
	var disable bool

	cmd := &cobra.Command{
		Use:   "autostart <name>",
		Args:  cobra.ExactArgs(1),
		Short: "Mark a network to start with the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			enabled := !disable
			if _, err := daemon.NewClient(socketPath()).NetworkAutostart(args[0], &enabled); err != nil {
				return err
			}
			verb := "marked as autostarted"
			if disable {
				verb = "unmarked as autostarted"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Network %s %s\n", args[0], verb)
			return nil
		},
	}
	cmd.Flags().BoolVar(&disable, "disable", false, "Turn autostart off instead")
	return cmd
}

func newNetworkBridgeCommand(socketPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "bridge <name>",
		Args:  cobra.ExactArgs(1),
		Short: "Print the bridge device of an active network",
		RunE: func(cmd *cobra.Command, args []string) error {
			bridge, err := daemon.NewClient(socketPath()).NetworkBridge(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), bridge)
			return nil
		},
	}
}

func printStat(out io.Writer, device, name string, value int64) {
	if value < 0 {
		return
	}
	fmt.Fprintf(out, "%s %s %d\n", device, name, value)
}
