package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/warden/internal/audit"
)

// buildAuditCmd creates the "audit" command group for trail inspection.
func buildAuditCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the tamper-evident audit trail",
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", DefaultConfigPath(),
		"Path to YAML configuration file")

	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Recompute the hash chain over every entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuditVerify(configPath)
		},
	}

	var (
		category  string
		action    string
		sessionID string
		since     string
		limit     int
	)
	queryCmd := &cobra.Command{
		Use:   "query",
		Short: "Print matching audit entries as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuditQuery(configPath, category, action, sessionID, since, limit)
		},
	}
	queryCmd.Flags().StringVar(&category, "category", "", "Filter by category (security, approval, tool, memory, session, scout, system)")
	queryCmd.Flags().StringVar(&action, "action", "", "Filter by exact action name")
	queryCmd.Flags().StringVar(&sessionID, "session", "", "Filter by session ID")
	queryCmd.Flags().StringVar(&since, "since", "", "Only entries after this RFC3339 timestamp")
	queryCmd.Flags().IntVar(&limit, "limit", 100, "Maximum entries to print")

	cmd.AddCommand(verifyCmd, queryCmd)
	return cmd
}

func runAuditVerify(configPath string) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}
	res, err := audit.Verify(auditDir(cfg.DataDir))
	if err != nil {
		return err
	}
	if !res.Valid {
		return fmt.Errorf("hash chain broken at entry %s (%d entries checked)", res.BrokenAt, res.Entries)
	}
	fmt.Printf("chain intact, %d entries\n", res.Entries)
	return nil
}

func runAuditQuery(configPath, category, action, sessionID, since string, limit int) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}

	filter := audit.Filter{
		Category:  audit.Category(category),
		Action:    action,
		SessionID: sessionID,
		Limit:     limit,
	}
	if since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return fmt.Errorf("bad --since value %q: %w", since, err)
		}
		filter.Since = t
	}

	entries, err := audit.Query(auditDir(cfg.DataDir), filter)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}
