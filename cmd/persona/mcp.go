package main

import (
	"github.com/spf13/cobra"

	"github.com/scrypster/persona/internal/api/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the memory tools over MCP on stdin/stdout",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		srv := mcp.NewServer(a.engine, version)
		logger.Info("persona mcp server ready", "storage", cfg.Storage.Engine)
		return mcp.NewStdioTransport(srv, cmd.InOrStdin(), cmd.OutOrStdout(), logger).Serve(ctx)
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
