package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/warden/internal/secrets"
	"github.com/haasonsaas/warden/internal/sessions"
	"github.com/haasonsaas/warden/pkg/models"
)

// buildSessionsCmd creates the "sessions" command group.
func buildSessionsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List and manage stored sessions",
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", DefaultConfigPath(),
		"Path to YAML configuration file")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsList(configPath)
		},
	}

	showCmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print a session transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsShow(configPath, args[0])
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session and its transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsDelete(configPath, args[0])
		},
	}

	cmd.AddCommand(listCmd, showCmd, deleteCmd)
	return cmd
}

func openSessionStore(configPath string) (*sessions.Store, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	return sessions.NewStore(filepath.Join(cfg.DataDir, "sessions"), secrets.NewDetector())
}

func runSessionsList(configPath string) error {
	store, err := openSessionStore(configPath)
	if err != nil {
		return err
	}
	list, err := store.List(sessions.ListFilter{Sort: sessions.SortUpdatedAt, Desc: true})
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("no sessions")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tMODEL\tTOKENS\tCOST\tUPDATED")
	for _, s := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t$%.4f\t%s\n",
			s.ID, s.State, s.Model,
			s.Totals.InputTokens, s.Totals.OutputTokens, s.Totals.CostUSD,
			s.UpdatedAt.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func runSessionsShow(configPath, sessionID string) error {
	store, err := openSessionStore(configPath)
	if err != nil {
		return err
	}
	session, msgs, err := store.Get(sessionID)
	if err != nil {
		return err
	}

	fmt.Printf("session %s (user %s, model %s, state %s)\n\n", session.ID, session.UserID, session.Model, session.State)
	for _, m := range msgs {
		switch m.Role {
		case models.RoleUser:
			fmt.Printf("user: %s\n", m.Content)
		case models.RoleAssistant:
			if m.Content != "" {
				fmt.Printf("assistant: %s\n", m.Content)
			}
			for _, tc := range m.ToolCalls {
				fmt.Printf("assistant -> tool %s %s\n", tc.Name, string(tc.Input))
			}
		case models.RoleToolResult:
			for _, tr := range m.ToolResults {
				status := "ok"
				if tr.IsError {
					status = "error"
				}
				fmt.Printf("tool result (%s): %s\n", status, tr.Content)
			}
		}
	}
	return nil
}

func runSessionsDelete(configPath, sessionID string) error {
	store, err := openSessionStore(configPath)
	if err != nil {
		return err
	}
	if err := store.Delete(sessionID); err != nil {
		return err
	}
	fmt.Printf("deleted %s\n", sessionID)
	return nil
}
