package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rpat9/MasterChef-Claude/pkg/mcp"
)

func newMCPCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve MasterChef as MCP tools over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			_, a, logger, cleanup, err := setup(ctx, *configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			return mcp.New(a.Orchestrator, version, logger).Run(ctx, os.Stdin, os.Stdout)
		},
	}
}
