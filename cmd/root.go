// Package cmd wires the claudio CLI: the webhook server, the health
// checker, the memory engine commands and bot management.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via
// -ldflags "-X github.com/claudiohq/claudio/cmd.Version=v1.0.0".
var Version = "dev"

var (
	claudioPath string
	verbose     bool
)

var rootCmd = &cobra.Command{
	Use:   "claudio",
	Short: "Claudio — chat-to-Claude bridge",
	Long: "Claudio bridges chat platforms (Telegram, WhatsApp, Alexa) to the Claude CLI,\n" +
		"with per-conversation serial processing, cognitive memory, and self-healing.",
	Run: func(cmd *cobra.Command, args []string) {
		runServe()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&claudioPath, "claudio-path", "",
		"installation directory (default: ~/.claudio)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"enable debug logging")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(healthCmd())
	rootCmd.AddCommand(memoryCmd())
	rootCmd.AddCommand(botsCmd())
	rootCmd.AddCommand(mcpToolsCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("claudio %s\n", Version)
		},
	}
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
