package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/claudiohq/claudio/internal/mcptools"
)

func mcpToolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "mcp-tools",
		Short:  "Run the MCP stdio server (spawned by the claude CLI)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return mcptools.NewFromEnv().Serve(os.Stdin, os.Stdout)
		},
	}
}
