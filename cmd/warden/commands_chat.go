package main

import (
	"github.com/spf13/cobra"
)

// buildChatCmd creates the "chat" command, an interactive REPL against the
// configured model provider.
func buildChatCmd() *cobra.Command {
	var configPath string
	var sessionID string
	var offline bool

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the agent",
		Long: `Start an interactive conversation. Tool calls stream inline; dangerous
actions prompt for approval before running.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(configPath, sessionID, offline)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", DefaultConfigPath(),
		"Path to YAML configuration file")
	cmd.Flags().StringVar(&sessionID, "session", "", "Resume an existing session by ID")
	cmd.Flags().BoolVar(&offline, "offline", false, "Use the canned offline provider (no API key needed)")

	return cmd
}
