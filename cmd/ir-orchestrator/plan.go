package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"ir-orchestrator/internal/actions"
	"ir-orchestrator/internal/model"
	"ir-orchestrator/internal/planner"
	"ir-orchestrator/internal/render"
	"ir-orchestrator/internal/tools"
)

var planCmd = &cobra.Command{
	Use:   "plan <incident.json|->",
	Short: "Print the response plan for an incident context without executing it",
	Args:  cobra.ExactArgs(1),
	RunE:  runPlan,
}

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the registered security tools",
	RunE:  runTools,
}

func init() {
	planCmd.Flags().Bool("json", false, "print the plan as JSON")
}

func runPlan(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	var data []byte
	if args[0] == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(args[0])
	}
	if err != nil {
		return fmt.Errorf("read incident: %w", err)
	}
	var ic model.IncidentContext
	if err := json.Unmarshal(data, &ic); err != nil {
		return fmt.Errorf("parse incident: %w", err)
	}
	if err := model.NewValidator().ValidateContext(&ic); err != nil {
		return err
	}

	registry := tools.NewRegistry(nil)
	if err := tools.LoadFile(registry, cfg.Tools.RegistryPath); err != nil {
		return fmt.Errorf("load tool registry: %w", err)
	}
	catalog := actions.NewCatalog()
	if cfg.Catalog.Path != "" {
		if err := catalog.LoadOverrides(cfg.Catalog.Path); err != nil {
			return fmt.Errorf("load catalog overrides: %w", err)
		}
	}

	pc := planner.DefaultConfig()
	pc.BiasWeight = cfg.Engine.BiasWeight
	plan := planner.New(catalog, registry, nil, pc).GeneratePlan(ic)

	out := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(plan)
	}
	fmt.Fprintln(out, render.Plan(ic, plan))
	return nil
}

func runTools(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	registry := tools.NewRegistry(nil)
	if err := tools.LoadFile(registry, cfg.Tools.RegistryPath); err != nil {
		return fmt.Errorf("load tool registry: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), render.Tools(registry.List()))
	return nil
}
