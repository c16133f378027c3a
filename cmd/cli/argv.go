package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cochaviz/qemud/arch"
	"github.com/cochaviz/qemud/internal/definition"
	"github.com/cochaviz/qemud/internal/qemu"
	"github.com/cochaviz/qemud/internal/setup"
)

func newArgvCommand(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "argv <file.xml>",
		Args:  cobra.ExactArgs(1),
		Short: "Print the emulator command line for a domain definition without starting it",
		Long: "Print the emulator command line for a domain definition without starting it.\n" +
			"Network interfaces need a running daemon and are rejected.",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read domain definition: %w", err)
			}
			def, err := definition.ParseDomain(data, definition.ParseOptions{})
			if err != nil {
				return err
			}

			caps, err := qemu.Probe(cmd.Context(), def.OS.Emulator)
			if err != nil {
				return err
			}
			logger.Debug("probed emulator", "binary", def.OS.Emulator, "version", caps.Version)

			vncPort := -1
			if def.Graphics != nil && def.Graphics.Type == definition.GraphicsVNC {
				vncPort = def.Graphics.Port
				if vncPort < 0 {
					vncPort = qemu.VNCBasePort
				}
			}
			command, err := qemu.BuildArgv(def, qemu.BuildContext{
				Caps:     caps,
				HostArch: arch.Host(),
				VNCPort:  vncPort,
			})
			if err != nil {
				return err
			}
			defer command.Close()

			fmt.Fprintln(cmd.OutOrStdout(), strings.Join(command.Argv, " "))
			return nil
		},
	}
}

func newConfigCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective daemon configuration and directories",
		RunE: func(cmd *cobra.Command, args []string) error {
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
			rendered, err := setup.Marshal(cfg)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "# config file: %s\n", configFile)
			fmt.Fprintf(out, "# config dir:  %s\n", paths.ConfigDir)
			fmt.Fprintf(out, "# log dir:     %s\n", paths.LogDir)
			fmt.Fprintf(out, "# state dir:   %s\n", paths.StateDir)
			fmt.Fprintf(out, "# socket:      %s\n", paths.SocketPath())
			fmt.Fprint(out, string(rendered))
			return nil
		},
	}
	cmd.Flags().StringVar(&configFile, "config", "", "Path to qemud.yaml (default: <config dir>/qemud.yaml)")
	return cmd
}
