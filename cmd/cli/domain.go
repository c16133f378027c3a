package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cochaviz/qemud/internal/daemon"
)

func newDomainCommand(logger *slog.Logger, socketPath func() string) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "domain",
		Aliases: []string{"dom"},
		Short:   "Manage domains through the daemon",
	}

	cmd.AddCommand(
		newDomainListCommand(socketPath),
		newDomainDefineCommand(logger, socketPath, false),
		newDomainDefineCommand(logger, socketPath, true),
		newDomainInfoCommand(socketPath),
		newDomainDumpXMLCommand(socketPath),
		newDomainSaveCommand(logger, socketPath),
		newDomainRestoreCommand(logger, socketPath),
		newDomainAutostartCommand(socketPath),
		newDomainAttachDeviceCommand(socketPath),
		newDomainChangeMediaCommand(socketPath),
		newDomainBlockStatsCommand(socketPath),
		newDomainIfStatsCommand(socketPath),
	)
	for _, action := range []struct {
		use, short, done string
		run              func(*daemon.Client, string) error
	}{
		{"start", "Start a defined domain", "started", (*daemon.Client).Start},
		{"destroy", "Stop a domain immediately", "destroyed", (*daemon.Client).Destroy},
		{"shutdown", "Ask a domain's guest to power down", "shutting down", (*daemon.Client).Shutdown},
		{"suspend", "Pause a running domain", "suspended", (*daemon.Client).Suspend},
		{"resume", "Resume a paused domain", "resumed", (*daemon.Client).Resume},
		{"undefine", "Remove an inactive domain's definition", "undefined", (*daemon.Client).Undefine},
	} {
		cmd.AddCommand(newDomainActionCommand(logger, socketPath, action.use, action.short, action.done, action.run))
	}
	return cmd
}

func newDomainActionCommand(logger *slog.Logger, socketPath func() string, use, short, done string, run func(*daemon.Client, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <name>",
		Args:  cobra.ExactArgs(1),
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			name := strings.TrimSpace(args[0])
			if err := run(daemon.NewClient(socketPath()), name); err != nil {
				return err
			}
			logger.Debug("domain action completed", "command", "domain."+use, "domain", name)
			fmt.Fprintf(cmd.OutOrStdout(), "Domain %s %s\n", name, done)
			return nil
		},
	}
}

func newDomainListCommand(socketPath func() string) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List running domains, or every domain with --all",
		RunE: func(cmd *cobra.Command, args []string) error {
			refs, err := daemon.NewClient(socketPath()).Domains()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-5s %-20s %s\n", "Id", "Name", "State")
			for _, ref := range refs {
				if ref.ID < 0 && !all {
					continue
				}
				id := "-"
				if ref.ID >= 0 {
					id = fmt.Sprint(ref.ID)
				}
				fmt.Fprintf(out, "%-5s %-20s %s\n", id, ref.Name, ref.State)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "Include inactive domains")
	return cmd
}

func newDomainDefineCommand(logger *slog.Logger, socketPath func() string, create bool) *cobra.Command {
	use, short := "define", "Define a persistent domain from an XML file"
	if create {
		use, short = "create", "Start a transient domain from an XML file"
	}
	return &cobra.Command{
		Use:   use + " <file.xml>",
		Args:  cobra.ExactArgs(1),
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			xml, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read domain definition: %w", err)
			}
			client := daemon.NewClient(socketPath())
			define := client.Define
			if create {
				define = client.Create
			}
			ref, err := define(xml)
			if err != nil {
				return err
			}
			logger.Info("domain "+use+"d", "domain", ref.Name, "uuid", ref.UUID)
			fmt.Fprintf(cmd.OutOrStdout(), "Domain %s %sd from %s\n", ref.Name, use, args[0])
			return nil
		},
	}
}

func newDomainInfoCommand(socketPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "info <name>",
		Args:  cobra.ExactArgs(1),
		Short: "Show state and resource usage of a domain",
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := daemon.NewClient(socketPath()).Info(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "State:       %s\n", info.State)
			fmt.Fprintf(out, "CPU(s):      %d\n", info.VCPUs)
			fmt.Fprintf(out, "CPU time:    %.1fs\n", info.CPUTime.Seconds())
			fmt.Fprintf(out, "Max memory:  %d KiB\n", info.MaxMemory/1024)
			fmt.Fprintf(out, "Used memory: %d KiB\n", info.Memory/1024)
			return nil
		},
	}
}

func newDomainDumpXMLCommand(socketPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "dumpxml <name>",
		Args:  cobra.ExactArgs(1),
		Short: "Print the XML definition of a domain",
		RunE: func(cmd *cobra.Command, args []string) error {
			xml, err := daemon.NewClient(socketPath()).DumpXML(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.TrimRight(xml, "\n"))
			return nil
		},
	}
}

func newDomainSaveCommand(logger *slog.Logger, socketPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "save <name> <file>",
		Args:  cobra.ExactArgs(2),
		Short: "Save a running domain's state to a file and stop it",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := filepath.Abs(args[1])
			if err != nil {
				return fmt.Errorf("resolve image path: %w", err)
			}
			if err := daemon.NewClient(socketPath()).Save(args[0], path); err != nil {
				return err
			}
			logger.Info("domain saved", "domain", args[0], "path", path)
			fmt.Fprintf(cmd.OutOrStdout(), "Domain %s saved to %s\n", args[0], path)
			return nil
		},
	}
}

func newDomainRestoreCommand(logger *slog.Logger, socketPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <file>",
		Args:  cobra.ExactArgs(1),
		Short: "Restore a domain from a saved image",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := filepath.Abs(args[0])
			if err != nil {
				return fmt.Errorf("resolve image path: %w", err)
			}
			ref, err := daemon.NewClient(socketPath()).Restore(path)
			if err != nil {
				return err
			}
			logger.Info("domain restored", "domain", ref.Name, "id", ref.ID)
			fmt.Fprintf(cmd.OutOrStdout(), "Domain %s restored from %s\n", ref.Name, path)
			return nil
		},
	}
}

func newDomainAutostartCommand(socketPath func() string) *cobra.Command {
	var disable bool

	cmd := &cobra.Command{
		Use:   "autostart <name>",
		Args:  cobra.ExactArgs(1),
		Short: "Mark a domain to start with the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			enabled := !disable
			if _, err := daemon.NewClient(socketPath()).Autostart(args[0], &enabled); err != nil {
				return err
			}
			verb := "marked as autostarted"
			if disable {
				verb = "unmarked as autostarted"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Domain %s %s\n", args[0], verb)
			return nil
		},
	}
	cmd.Flags().BoolVar(&disable, "disable", false, "Turn autostart off instead")
	return cmd
}

func newDomainAttachDeviceCommand(socketPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "attach-device <name> <file.xml>",
		Args:  cobra.ExactArgs(2),
		Short: "Attach a device described in XML to a running domain",
		RunE: func(cmd *cobra.Command, args []string) error {
			xml, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("read device definition: %w", err)
			}
			if err := daemon.NewClient(socketPath()).AttachDevice(args[0], xml); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Device attached successfully")
			return nil
		},
	}
}

func newDomainChangeMediaCommand(socketPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "change-media <name> <target> <dir>",
		Args:  cobra.ExactArgs(3),
		Short: "Build an ISO image from a directory and insert it into a CD-ROM drive",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := filepath.Abs(args[2])
			if err != nil {
				return fmt.Errorf("resolve media directory: %w", err)
			}
			image, err := daemon.NewClient(socketPath()).ChangeMedia(args[0], args[1], dir)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), image)
			return nil
		},
	}
}

func newDomainBlockStatsCommand(socketPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "blkstat <name> <device>",
		Args:  cobra.ExactArgs(2),
		Short: "Show block device statistics of a running domain",
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := daemon.NewClient(socketPath()).BlockStats(args[0], args[1])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printStat(out, args[1], "rd_req", stats.ReadRequests)
			printStat(out, args[1], "rd_bytes", stats.ReadBytes)
			printStat(out, args[1], "wr_req", stats.WriteRequests)
			printStat(out, args[1], "wr_bytes", stats.WriteBytes)
			printStat(out, args[1], "errs", stats.Errors)
			return nil
		},
	}
}

func newDomainIfStatsCommand(socketPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "ifstat <name> <interface>",
		Args:  cobra.ExactArgs(2),
		Short: "Show network interface statistics of a running domain",
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := daemon.NewClient(socketPath()).InterfaceStats(args[0], args[1])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printStat(out, args[1], "rx_bytes", stats.RxBytes)
			printStat(out, args[1], "rx_packets", stats.RxPackets)
			printStat(out, args[1], "rx_errs", stats.RxErrs)
			printStat(out, args[1], "rx_drop", stats.RxDrop)
			printStat(out, args[1], "tx_bytes", stats.TxBytes)
			printStat(out, args[1], "tx_packets", stats.TxPackets)
			printStat(out, args[1], "tx_errs", stats.TxErrs)
			printStat(out, args[1], "tx_drop", stats.TxDrop)
			return nil
		},
	}
}
