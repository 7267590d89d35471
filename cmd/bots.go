package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/claudiohq/claudio/internal/config"
)

func botsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bots",
		Short: "Manage configured bots",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List configured bots",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc := config.NewService(claudioPath)
			if err := svc.Init(); err != nil {
				return err
			}
			for _, botID := range svc.ListBots() {
				cfg, err := svc.LoadBot(botID)
				if err != nil {
					fmt.Printf("%-20s (invalid: %v)\n", botID, err)
					continue
				}
				platforms := ""
				if cfg.HasTelegram() {
					platforms += " telegram"
				}
				if cfg.HasWhatsApp() {
					platforms += " whatsapp"
				}
				fmt.Printf("%-20s model=%-7s platforms:%s\n", botID, cfg.Model, platforms)
			}
			return nil
		},
	}

	setModelCmd := &cobra.Command{
		Use:   "set-model <bot-id> <opus|sonnet|haiku>",
		Short: "Change a bot's model",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc := config.NewService(claudioPath)
			if err := svc.Init(); err != nil {
				return err
			}
			cfg, err := svc.LoadBot(args[0])
			if err != nil {
				return err
			}
			if err := cfg.SaveModel(args[1]); err != nil {
				return err
			}
			fmt.Printf("%s: model set to %s\n", args[0], args[1])
			return nil
		},
	}

	cmd.AddCommand(listCmd, setModelCmd)
	return cmd
}
