package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/claudiohq/claudio/internal/health"
)

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health-check",
		Short: "Probe the server and auto-recover (run from cron)",
		Long: "Checks the /health endpoint, restarts a dead service (throttled, max 3\n" +
			"attempts), and runs disk/log/backup checks while healthy. Exits 0 when\n" +
			"healthy, 1 otherwise.",
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(health.New(claudioPath).Run())
		},
	}
}
