package main

import (
	"github.com/spf13/cobra"
)

// buildDoctorCmd creates the "doctor" command for installation checks.
func buildDoctorCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the installation and data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", DefaultConfigPath(),
		"Path to YAML configuration file")

	return cmd
}
