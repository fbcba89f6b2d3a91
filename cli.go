// Root-level CLI surface. Grounded on teranos-QNTX's qntx-code/commands.go
// cobra command shape (buildIxGitCommand et al.), generalized from a single
// plugin's ingestion subcommands to the server's own version/status/config
// subcommands and a default "serve" run.
package main

import (
	"fmt"

	"github.com/dcfnet/coreserver/internal/config"
	"github.com/spf13/cobra"
)

var versionString = "0.1.0-dev"

func buildRootCommand() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:   "coreserver",
		Short: "Authoritative lockstep RTS game server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cfgPath)
		},
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "path to the server config file")

	root.AddCommand(buildVersionCommand())
	root.AddCommand(buildStatusCommand(&cfgPath))
	root.AddCommand(buildConfigDumpCommand(&cfgPath))
	return root
}

func buildVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the server version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), versionString)
			return nil
		},
	}
}

func buildStatusCommand(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the configured node id, transports and player cap",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "node_id: %s\n", cfg.NodeID)
			fmt.Fprintf(out, "transport: %s (fallback: %s)\n", cfg.Transport, cfg.FallbackTransport)
			fmt.Fprintf(out, "max_players: %d\n", cfg.MaxPlayers)
			fmt.Fprintf(out, "admin surface: see --config for the listen address\n")
			return nil
		},
	}
}

func buildConfigDumpCommand(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Dump the fully-resolved configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			fmt.Printf("%+v\n", *cfg)
			return nil
		},
	}
}
