// Package planner builds response plans from the action catalog and the
// tool registry.
package planner

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"ir-orchestrator/internal/actions"
	"ir-orchestrator/internal/model"
)

// Tier values order dispatch groups.
const (
	TierCritical = 0
	TierStandard = 1
)

// ToolSource is the registry view the planner needs.
type ToolSource interface {
	Capable(kind model.ActionKind) []model.SecurityTool
}

// Bias supplies learned effectiveness for a threat type and action. ok is
// false when nothing has been learned yet.
type Bias interface {
	Effectiveness(threatType string, kind model.ActionKind) (mean float64, ok bool)
}

// Config tunes plan generation.
type Config struct {
	// BiasWeight scales how far learned effectiveness moves sort order.
	BiasWeight float64 `yaml:"bias_weight"`
	// BlockDurations by severity for block actions.
	BlockDurations map[model.Severity]time.Duration `yaml:"block_durations"`
}

// DefaultConfig returns the default planner configuration.
func DefaultConfig() Config {
	return Config{
		BiasWeight: 0.2,
		BlockDurations: map[model.Severity]time.Duration{
			model.SeverityCritical: 24 * time.Hour,
			model.SeverityHigh:     12 * time.Hour,
			model.SeverityMedium:   4 * time.Hour,
			model.SeverityLow:      time.Hour,
		},
	}
}

// Generator produces plans. It holds no per-incident state.
type Generator struct {
	catalog *actions.Catalog
	tools   ToolSource
	bias    Bias
	config  Config
}

// New creates a plan generator. bias may be nil.
func New(catalog *actions.Catalog, tools ToolSource, bias Bias, cfg Config) *Generator {
	if cfg.BlockDurations == nil {
		cfg.BlockDurations = DefaultConfig().BlockDurations
	}
	return &Generator{catalog: catalog, tools: tools, bias: bias, config: cfg}
}

// GeneratePlan returns the ordered plan for ic. An empty plan means no tool
// can perform any applicable action.
func (g *Generator) GeneratePlan(ic model.IncidentContext) []model.ResponseActionConfig {
	var plan []model.ResponseActionConfig
	for _, tpl := range g.catalog.Templates(ic.ThreatType) {
		if !actions.Applicable(tpl.Kind, &ic) {
			continue
		}
		tool, ok := g.pickTool(tpl.Kind, nil, false)
		if !ok {
			continue
		}
		plan = append(plan, g.build(tpl, tool, &ic, TierStandard, actions.Targets(tpl.Kind, &ic)))
	}

	g.sort(ic.ThreatType, plan)

	if ic.Severity.IsUrgent() {
		plan = append(g.criticalContainment(&ic), plan...)
	}
	return plan
}

// criticalContainment builds the prepended isolate/block actions. When the
// context names no host, address or domain, the first capable critical
// action is scoped to every known asset and indicator.
func (g *Generator) criticalContainment(ic *model.IncidentContext) []model.ResponseActionConfig {
	var out []model.ResponseActionConfig
	for _, kind := range model.CriticalContainmentKinds {
		if !actions.Applicable(kind, ic) {
			continue
		}
		tool, ok := g.pickTool(kind, nil, false)
		if !ok {
			continue
		}
		tpl := defaultTemplate(kind)
		out = append(out, g.build(tpl, tool, ic, TierCritical, actions.Targets(kind, ic)))
	}
	if len(out) > 0 {
		return out
	}

	targets := fallbackTargets(ic)
	for _, kind := range model.CriticalContainmentKinds {
		tool, ok := g.pickTool(kind, nil, false)
		if !ok {
			continue
		}
		cfg := g.build(defaultTemplate(kind), tool, ic, TierCritical, targets)
		cfg.Parameters["scope"] = "incident"
		return []model.ResponseActionConfig{cfg}
	}
	return nil
}

// escalationLadder lists broader actions per uncontained asset type.
var escalationLadder = map[model.AssetType][]model.ActionKind{
	model.AssetHost:    {model.ActionIsolateHost, model.ActionIsolateSubnet},
	model.AssetIP:      {model.ActionBlockIP, model.ActionIsolateSubnet},
	model.AssetDomain:  {model.ActionBlockDomain},
	model.AssetUser:    {model.ActionDisableUser, model.ActionRevokeSessions},
	model.AssetFile:    {model.ActionQuarantineFile},
	model.AssetProcess: {model.ActionKillProcess},
}

// GenerateEscalationPlan builds the secondary plan for an escalation round.
// It targets only the asset types still uncontained, avoids tools in
// exclude and uses enabled tools only.
func (g *Generator) GenerateEscalationPlan(ic model.IncidentContext, round int, uncontained []model.AssetType, exclude map[string]bool) []model.ResponseActionConfig {
	if len(uncontained) == 0 {
		uncontained = []model.AssetType{model.AssetHost, model.AssetIP, model.AssetDomain}
	}

	seen := make(map[model.ActionKind]bool)
	var plan []model.ResponseActionConfig
	for _, assetType := range uncontained {
		for _, kind := range escalationLadder[assetType] {
			if seen[kind] || !actions.Applicable(kind, &ic) {
				continue
			}
			tool, ok := g.pickTool(kind, exclude, true)
			if !ok {
				continue
			}
			seen[kind] = true

			cfg := g.build(defaultTemplate(kind), tool, &ic, TierCritical, actions.Targets(kind, &ic))
			cfg.Parameters["escalation_round"] = round
			cfg.Parameters["justification"] = fmt.Sprintf("Escalation round %d for incident %s: containment of %s not confirmed",
				round, ic.IncidentID, assetType)
			plan = append(plan, cfg)
		}
	}

	g.sort(ic.ThreatType, plan)
	return plan
}

// pickTool chooses the tool for kind. Registry order already prefers
// enabled, then lower priority value.
func (g *Generator) pickTool(kind model.ActionKind, exclude map[string]bool, enabledOnly bool) (model.SecurityTool, bool) {
	for _, t := range g.tools.Capable(kind) {
		if exclude[t.ID] {
			continue
		}
		if enabledOnly && !t.Enabled {
			continue
		}
		return t, true
	}
	return model.SecurityTool{}, false
}

// PickTool exposes tool selection to components that build single actions.
func (g *Generator) PickTool(kind model.ActionKind) (model.SecurityTool, bool) {
	return g.pickTool(kind, nil, true)
}

// BuildAction customizes one catalog action for ic against tool.
func (g *Generator) BuildAction(kind model.ActionKind, tool model.SecurityTool, ic *model.IncidentContext) model.ResponseActionConfig {
	return g.build(defaultTemplate(kind), tool, ic, TierStandard, actions.Targets(kind, ic))
}

func (g *Generator) build(tpl actions.Template, tool model.SecurityTool, ic *model.IncidentContext, tier int, targets []string) model.ResponseActionConfig {
	params := make(map[string]any, len(tpl.Parameters)+6)
	for k, v := range tpl.Parameters {
		if s, ok := v.(string); ok {
			v = substitute(s, ic)
		}
		params[k] = v
	}
	params["incident_id"] = ic.IncidentID
	params["tenant_id"] = ic.TenantID
	params["severity"] = string(ic.Severity)
	if len(targets) > 0 {
		params["targets"] = append([]string(nil), targets...)
	}
	if isBlock(tpl.Kind) {
		params["duration"] = g.config.BlockDurations[ic.Severity].String()
	}
	if _, ok := params["justification"]; !ok {
		params["justification"] = justification(tpl.Kind, ic)
	}

	timeout := tpl.Timeout
	if tool.Timeout > 0 {
		timeout = tool.Timeout
	}
	retries := tpl.RetryCount
	if tool.Retries > 0 {
		retries = tool.Retries
	}

	return model.ResponseActionConfig{
		Kind:             tpl.Kind,
		ToolID:           tool.ID,
		Parameters:       params,
		Timeout:          timeout,
		RetryCount:       retries,
		RollbackAction:   tpl.RollbackAction,
		RequiresApproval: tpl.RequiresApproval,
		RiskScore:        tpl.RiskScore,
		Tier:             tier,
		DependsOn:        append([]model.ActionKind(nil), tpl.DependsOn...),
	}
}

// sort orders by adjusted risk ascending, then timeout descending. Learned
// effectiveness lowers the sort key of actions that worked before.
func (g *Generator) sort(threatType string, plan []model.ResponseActionConfig) {
	key := func(a model.ResponseActionConfig) float64 {
		risk := a.RiskScore
		if g.bias != nil {
			if mean, ok := g.bias.Effectiveness(threatType, a.Kind); ok {
				risk -= g.config.BiasWeight * (mean - 0.5)
			}
		}
		return risk
	}
	sort.SliceStable(plan, func(i, j int) bool {
		ki, kj := key(plan[i]), key(plan[j])
		if ki != kj {
			return ki < kj
		}
		return plan[i].Timeout > plan[j].Timeout
	})
}

func defaultTemplate(kind model.ActionKind) actions.Template {
	d, _ := actions.Lookup(kind)
	return actions.Template{
		Kind:           kind,
		RiskScore:      d.DefaultRisk,
		Timeout:        d.DefaultTimeout,
		RetryCount:     d.DefaultRetries,
		RollbackAction: d.Rollback,
	}
}

func isBlock(kind model.ActionKind) bool {
	return kind == model.ActionBlockIP || kind == model.ActionBlockDomain || kind == model.ActionIsolateSubnet
}

func justification(kind model.ActionKind, ic *model.IncidentContext) string {
	source := ic.SourceSystem
	if source == "" {
		source = "detection"
	}
	return fmt.Sprintf("Automated %s for %s incident %s (%s) reported by %s at %s",
		kind, ic.Severity, ic.IncidentID, ic.ThreatType, source, ic.DetectionTime.UTC().Format(time.RFC3339))
}

func substitute(s string, ic *model.IncidentContext) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	r := strings.NewReplacer(
		"{{incident_id}}", ic.IncidentID,
		"{{tenant_id}}", ic.TenantID,
		"{{severity}}", string(ic.Severity),
		"{{threat_type}}", ic.ThreatType,
		"{{source}}", ic.SourceSystem,
	)
	return r.Replace(s)
}

func fallbackTargets(ic *model.IncidentContext) []string {
	var out []string
	for _, a := range ic.AffectedAssets {
		out = append(out, a.ID)
	}
	for _, i := range ic.Indicators {
		out = append(out, i.Value)
	}
	if len(out) == 0 && ic.SourceSystem != "" {
		out = append(out, ic.SourceSystem)
	}
	return out
}
