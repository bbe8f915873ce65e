package main

import (
	"fmt"
	"forecast-workbench/config"
	"os"

	"github.com/spf13/cobra"
)

func (a *app) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create workbench configuration files",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init <file>",
		Short: "Write the default configuration as JSON or YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if fileExists(args[0]) && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", args[0])
			}
			if err := config.DefaultConfig().SaveToFile(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "✓ Default configuration written to %s\n", args[0])
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration after file and environment overrides",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(a.out, "Server:      %s\n", a.cfg.Server.Port)
			fmt.Fprintf(a.out, "Logging:     %s (%s)\n", a.cfg.Logging.Level, a.cfg.Logging.Format)
			fmt.Fprintf(a.out, "Sessions:    max %d, idle %v\n", a.cfg.Storage.MaxSessions, a.cfg.Storage.SessionIdle.Duration)
			fmt.Fprintf(a.out, "Artifacts:   %s\n", a.cfg.Storage.ArtifactBackend)
			fmt.Fprintf(a.out, "Forecasting: horizon=%d confidence=%.2f holdout=%d fit timeout=%v\n",
				a.cfg.Forecasting.DefaultHorizon, a.cfg.Forecasting.ConfidenceLevel,
				a.cfg.Forecasting.Holdout, a.cfg.Forecasting.FitTimeout.Duration)
			fmt.Fprintf(a.out, "Uploads:     %d bytes, formats %v\n", a.cfg.Upload.MaxBytes, a.cfg.Upload.AllowedFormats)
			return nil
		},
	}

	cmd.AddCommand(initCmd, showCmd)
	return cmd
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
