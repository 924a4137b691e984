// Package main provides the CLI entry point for Warden, a local-first
// personal agent core.
//
// Warden runs an agentic conversation loop where every tool call passes
// through capability validation, approval prompts, a network guard, sandbox
// isolation, secret redaction, and a tamper-evident audit trail.
//
// # Basic Usage
//
// Chat with the agent:
//
//	warden chat
//
// Check the installation:
//
//	warden doctor
//
// Inspect the audit trail:
//
//	warden audit verify
//
// # Environment Variables
//
//   - WARDEN_CONFIG: Path to configuration file (default: ~/.warden/warden.yaml)
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for the embeddings backend
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "warden",
		Short: "Warden - local personal agent with enforced tool security",
		Long: `Warden runs a conversational agent whose every tool call is validated,
approved, network-guarded, sandboxed, redacted, and audited.

Builtin tools: shell (sandboxed), web_fetch (network-guarded)
Model providers: Anthropic (Claude), mock (offline)`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildChatCmd(),
		buildDoctorCmd(),
		buildSessionsCmd(),
		buildAuditCmd(),
	)

	return rootCmd
}
