// Package main is the entry point for the incident response orchestrator.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"ir-orchestrator/internal/config"
	"ir-orchestrator/internal/logging"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "ir-orchestrator",
	Short: "Automated incident response orchestration",
	Long: `ir-orchestrator plans and dispatches containment actions against
registered security tools, tracks the 60 second containment SLA and
escalates incidents that stay uncontained.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		if path != "" {
			return os.Setenv("IR_CONFIG_PATH", path)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "path to the configuration file (default "+config.DefaultPath+")")
	rootCmd.AddCommand(serveCmd, planCmd, toolsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadConfig loads and validates the configuration and installs the
// default logger.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}

	level := logging.ParseLevel(cfg.Logging.Level)
	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: logging.ReplaceAttr,
		})
	} else {
		handler = logging.NewHandler(os.Stdout, level)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return cfg, logger, nil
}
