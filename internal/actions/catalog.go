// Package actions defines the action catalog: per threat type templates,
// applicability rules and the containment classes used by evaluation.
package actions

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"ir-orchestrator/internal/model"
)

// DefaultThreatType keys the fallback template set.
const DefaultThreatType = "default"

// Template is the catalog entry for one action within a threat playbook.
type Template struct {
	Kind             model.ActionKind   `yaml:"kind" json:"kind"`
	Parameters       map[string]any     `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	RiskScore        float64            `yaml:"risk_score" json:"risk_score"`
	Timeout          time.Duration      `yaml:"timeout" json:"timeout"`
	RetryCount       int                `yaml:"retry_count" json:"retry_count"`
	RollbackAction   model.ActionKind   `yaml:"rollback_action,omitempty" json:"rollback_action,omitempty"`
	RequiresApproval bool               `yaml:"requires_approval" json:"requires_approval"`
	DependsOn        []model.ActionKind `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
}

// Definition describes an action independent of any threat type.
type Definition struct {
	Kind           model.ActionKind
	Description    string
	DefaultRisk    float64
	DefaultTimeout time.Duration
	DefaultRetries int
	Rollback       model.ActionKind
	// Contains lists the asset types this action contains when it completes.
	Contains []model.AssetType
	// Requires lists asset types or indicator types that supply targets.
	// Empty means always applicable.
	Requires []string
}

// IsContainment reports whether the action contains at least one asset type.
func (d Definition) IsContainment() bool {
	return len(d.Contains) > 0
}

var definitions = map[model.ActionKind]Definition{
	model.ActionIsolateHost: {
		Kind: model.ActionIsolateHost, Description: "Network-isolate affected hosts",
		DefaultRisk: 0.4, DefaultTimeout: 30 * time.Second, DefaultRetries: 2,
		Rollback: model.ActionUnisolateHost,
		Contains: []model.AssetType{model.AssetHost},
		Requires: []string{string(model.AssetHost)},
	},
	model.ActionUnisolateHost: {
		Kind: model.ActionUnisolateHost, Description: "Release host isolation",
		DefaultRisk: 0.2, DefaultTimeout: 30 * time.Second, DefaultRetries: 2,
		Requires: []string{string(model.AssetHost)},
	},
	model.ActionIsolateSubnet: {
		Kind: model.ActionIsolateSubnet, Description: "Isolate the network segment of affected hosts",
		DefaultRisk: 0.8, DefaultTimeout: 45 * time.Second, DefaultRetries: 1,
		Contains: []model.AssetType{model.AssetHost, model.AssetIP},
		Requires: []string{string(model.AssetHost), string(model.AssetIP)},
	},
	model.ActionBlockIP: {
		Kind: model.ActionBlockIP, Description: "Block traffic to and from malicious addresses",
		DefaultRisk: 0.2, DefaultTimeout: 15 * time.Second, DefaultRetries: 2,
		Rollback: model.ActionUnblockIP,
		Contains: []model.AssetType{model.AssetIP},
		Requires: []string{string(model.AssetIP), string(model.IndicatorIP)},
	},
	model.ActionUnblockIP: {
		Kind: model.ActionUnblockIP, Description: "Remove an address block",
		DefaultRisk: 0.1, DefaultTimeout: 15 * time.Second, DefaultRetries: 2,
		Requires: []string{string(model.AssetIP), string(model.IndicatorIP)},
	},
	model.ActionBlockDomain: {
		Kind: model.ActionBlockDomain, Description: "Block resolution of malicious domains",
		DefaultRisk: 0.2, DefaultTimeout: 15 * time.Second, DefaultRetries: 2,
		Rollback: model.ActionUnblockDomain,
		Contains: []model.AssetType{model.AssetDomain},
		Requires: []string{string(model.AssetDomain), string(model.IndicatorDomain)},
	},
	model.ActionUnblockDomain: {
		Kind: model.ActionUnblockDomain, Description: "Remove a domain block",
		DefaultRisk: 0.1, DefaultTimeout: 15 * time.Second, DefaultRetries: 2,
		Requires: []string{string(model.AssetDomain), string(model.IndicatorDomain)},
	},
	model.ActionQuarantineFile: {
		Kind: model.ActionQuarantineFile, Description: "Quarantine malicious files",
		DefaultRisk: 0.3, DefaultTimeout: 20 * time.Second, DefaultRetries: 2,
		Contains: []model.AssetType{model.AssetFile},
		Requires: []string{string(model.AssetFile), string(model.IndicatorHash)},
	},
	model.ActionKillProcess: {
		Kind: model.ActionKillProcess, Description: "Terminate malicious processes",
		DefaultRisk: 0.3, DefaultTimeout: 15 * time.Second, DefaultRetries: 1,
		Contains: []model.AssetType{model.AssetProcess},
		Requires: []string{string(model.AssetProcess)},
	},
	model.ActionDisableUser: {
		Kind: model.ActionDisableUser, Description: "Disable compromised accounts",
		DefaultRisk: 0.5, DefaultTimeout: 20 * time.Second, DefaultRetries: 2,
		Rollback: model.ActionEnableUser,
		Contains: []model.AssetType{model.AssetUser},
		Requires: []string{string(model.AssetUser)},
	},
	model.ActionEnableUser: {
		Kind: model.ActionEnableUser, Description: "Re-enable an account",
		DefaultRisk: 0.2, DefaultTimeout: 20 * time.Second, DefaultRetries: 2,
		Requires: []string{string(model.AssetUser)},
	},
	model.ActionResetPassword: {
		Kind: model.ActionResetPassword, Description: "Force credential reset",
		DefaultRisk: 0.6, DefaultTimeout: 20 * time.Second, DefaultRetries: 1,
		Requires: []string{string(model.AssetUser)},
	},
	model.ActionRevokeSessions: {
		Kind: model.ActionRevokeSessions, Description: "Revoke active sessions and tokens",
		DefaultRisk: 0.3, DefaultTimeout: 20 * time.Second, DefaultRetries: 2,
		Contains: []model.AssetType{model.AssetUser},
		Requires: []string{string(model.AssetUser)},
	},
	model.ActionCollectEvidence: {
		Kind: model.ActionCollectEvidence, Description: "Collect triage package from hosts",
		DefaultRisk: 0.1, DefaultTimeout: 60 * time.Second, DefaultRetries: 1,
		Requires: []string{string(model.AssetHost)},
	},
	model.ActionSnapshotMemory: {
		Kind: model.ActionSnapshotMemory, Description: "Capture volatile memory",
		DefaultRisk: 0.1, DefaultTimeout: 90 * time.Second, DefaultRetries: 0,
		Requires: []string{string(model.AssetHost)},
	},
	model.ActionCreateTicket: {
		Kind: model.ActionCreateTicket, Description: "Open an incident ticket",
		DefaultRisk: 0.0, DefaultTimeout: 10 * time.Second, DefaultRetries: 2,
	},
	model.ActionNotifyTeam: {
		Kind: model.ActionNotifyTeam, Description: "Notify the response team",
		DefaultRisk: 0.0, DefaultTimeout: 10 * time.Second, DefaultRetries: 2,
	},
	model.ActionEscalate: {
		Kind: model.ActionEscalate, Description: "Page the on-call responder",
		DefaultRisk: 0.0, DefaultTimeout: 10 * time.Second, DefaultRetries: 2,
	},
}

// Lookup returns the definition of an action kind.
func Lookup(kind model.ActionKind) (Definition, bool) {
	d, ok := definitions[kind]
	return d, ok
}

// ContainmentKinds returns the actions that contain asset type t.
func ContainmentKinds(t model.AssetType) []model.ActionKind {
	var out []model.ActionKind
	for kind, d := range definitions {
		for _, c := range d.Contains {
			if c == t {
				out = append(out, kind)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Contains reports whether completing kind contains asset type t.
func Contains(kind model.ActionKind, t model.AssetType) bool {
	d, ok := definitions[kind]
	if !ok {
		return false
	}
	for _, c := range d.Contains {
		if c == t {
			return true
		}
	}
	return false
}

// IsContainment reports whether kind is a containment-class action.
func IsContainment(kind model.ActionKind) bool {
	d, ok := definitions[kind]
	return ok && d.IsContainment()
}

// Targets returns the identifiers an action should operate on, drawn from
// the asset and indicator types it requires. Duplicates are removed.
func Targets(kind model.ActionKind, ic *model.IncidentContext) []string {
	d, ok := definitions[kind]
	if !ok {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	add := func(vals []string) {
		for _, v := range vals {
			if !seen[v] {
				seen[v] = true
				out = append(out, v)
			}
		}
	}
	for _, req := range d.Requires {
		add(ic.AssetIDs(model.AssetType(req)))
		add(ic.IndicatorValues(model.IndicatorType(req)))
	}
	return out
}

// Applicable reports whether the context supplies what kind needs.
func Applicable(kind model.ActionKind, ic *model.IncidentContext) bool {
	d, ok := definitions[kind]
	if !ok {
		return false
	}
	if len(d.Requires) == 0 {
		return true
	}
	return len(Targets(kind, ic)) > 0
}

// Catalog maps threat types to template sets. Safe for concurrent use.
type Catalog struct {
	mu        sync.RWMutex
	templates map[string][]Template
}

// NewCatalog returns a catalog seeded with the built-in playbooks.
func NewCatalog() *Catalog {
	return &Catalog{templates: builtinTemplates()}
}

// Templates returns copies of the templates for threatType, falling back to
// the default set.
func (c *Catalog) Templates(threatType string) []Template {
	c.mu.RLock()
	defer c.mu.RUnlock()

	set, ok := c.templates[strings.ToLower(threatType)]
	if !ok {
		set = c.templates[DefaultThreatType]
	}
	out := make([]Template, len(set))
	for i, t := range set {
		out[i] = t.clone()
	}
	return out
}

// ThreatTypes lists the known threat types.
func (c *Catalog) ThreatTypes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, 0, len(c.templates))
	for k := range c.templates {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Set replaces the template set for a threat type.
func (c *Catalog) Set(threatType string, templates []Template) error {
	for i := range templates {
		if err := templates[i].normalize(); err != nil {
			return fmt.Errorf("threat type %s: %w", threatType, err)
		}
	}
	c.mu.Lock()
	c.templates[strings.ToLower(threatType)] = templates
	c.mu.Unlock()
	return nil
}

// overrideFile is the on-disk format for catalog overrides.
type overrideFile struct {
	Playbooks map[string][]Template `yaml:"playbooks"`
}

// LoadOverrides merges playbooks from a YAML file into the catalog.
func (c *Catalog) LoadOverrides(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read catalog overrides: %w", err)
	}
	var f overrideFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse catalog overrides: %w", err)
	}
	for threat, set := range f.Playbooks {
		if err := c.Set(threat, set); err != nil {
			return err
		}
	}
	return nil
}

// UnmarshalYAML starts from the action definition defaults so keys an
// override omits keep them. Keys that are present win, including an
// explicit zero retry_count or risk_score.
func (t *Template) UnmarshalYAML(value *yaml.Node) error {
	var head struct {
		Kind model.ActionKind `yaml:"kind"`
	}
	if err := value.Decode(&head); err != nil {
		return err
	}

	type plain Template
	p := plain(tmpl(head.Kind))
	if err := value.Decode(&p); err != nil {
		return err
	}
	*t = Template(p)
	return nil
}

// normalize fills unset fields from the action definition.
func (t *Template) normalize() error {
	d, ok := definitions[t.Kind]
	if !ok {
		return fmt.Errorf("unknown action %q", t.Kind)
	}
	if t.RiskScore < 0 || t.RiskScore > 1 {
		return fmt.Errorf("action %s: risk score %.2f out of range", t.Kind, t.RiskScore)
	}
	if t.Timeout <= 0 {
		t.Timeout = d.DefaultTimeout
	}
	if t.RollbackAction == "" {
		t.RollbackAction = d.Rollback
	}
	return nil
}

func (t Template) clone() Template {
	if t.Parameters != nil {
		p := make(map[string]any, len(t.Parameters))
		for k, v := range t.Parameters {
			p[k] = v
		}
		t.Parameters = p
	}
	t.DependsOn = append([]model.ActionKind(nil), t.DependsOn...)
	return t
}

// tmpl builds a template from the action definition defaults.
func tmpl(kind model.ActionKind, opts ...func(*Template)) Template {
	d := definitions[kind]
	t := Template{
		Kind:           kind,
		RiskScore:      d.DefaultRisk,
		Timeout:        d.DefaultTimeout,
		RetryCount:     d.DefaultRetries,
		RollbackAction: d.Rollback,
	}
	for _, o := range opts {
		o(&t)
	}
	return t
}

func approval(t *Template) { t.RequiresApproval = true }

func after(kinds ...model.ActionKind) func(*Template) {
	return func(t *Template) { t.DependsOn = kinds }
}

func params(p map[string]any) func(*Template) {
	return func(t *Template) { t.Parameters = p }
}

func builtinTemplates() map[string][]Template {
	return map[string][]Template{
		"ransomware": {
			tmpl(model.ActionIsolateHost),
			tmpl(model.ActionKillProcess),
			tmpl(model.ActionQuarantineFile),
			tmpl(model.ActionBlockIP),
			tmpl(model.ActionDisableUser),
			tmpl(model.ActionSnapshotMemory),
			tmpl(model.ActionCreateTicket, params(map[string]any{"priority": "P1"})),
			tmpl(model.ActionNotifyTeam, params(map[string]any{"channel": "ir-critical"})),
		},
		"malware": {
			tmpl(model.ActionKillProcess),
			tmpl(model.ActionQuarantineFile),
			tmpl(model.ActionIsolateHost),
			tmpl(model.ActionBlockDomain),
			tmpl(model.ActionCollectEvidence),
			tmpl(model.ActionCreateTicket),
		},
		"phishing": {
			tmpl(model.ActionBlockDomain),
			tmpl(model.ActionBlockIP),
			tmpl(model.ActionRevokeSessions),
			tmpl(model.ActionResetPassword, approval),
			tmpl(model.ActionQuarantineFile),
			tmpl(model.ActionNotifyTeam),
		},
		"brute_force": {
			tmpl(model.ActionBlockIP),
			tmpl(model.ActionDisableUser),
			tmpl(model.ActionResetPassword, approval),
			tmpl(model.ActionCreateTicket),
		},
		"data_exfiltration": {
			tmpl(model.ActionBlockIP),
			tmpl(model.ActionBlockDomain),
			tmpl(model.ActionCollectEvidence),
			tmpl(model.ActionIsolateHost, after(model.ActionCollectEvidence)),
			tmpl(model.ActionDisableUser),
			tmpl(model.ActionCreateTicket, params(map[string]any{"priority": "P1"})),
			tmpl(model.ActionNotifyTeam, params(map[string]any{"channel": "ir-critical"})),
		},
		"lateral_movement": {
			tmpl(model.ActionIsolateHost),
			tmpl(model.ActionDisableUser),
			tmpl(model.ActionRevokeSessions),
			tmpl(model.ActionKillProcess),
			tmpl(model.ActionCollectEvidence),
			tmpl(model.ActionNotifyTeam),
		},
		"c2_communication": {
			tmpl(model.ActionBlockDomain),
			tmpl(model.ActionBlockIP),
			tmpl(model.ActionKillProcess),
			tmpl(model.ActionIsolateHost),
			tmpl(model.ActionCreateTicket),
		},
		"insider_threat": {
			tmpl(model.ActionCollectEvidence),
			tmpl(model.ActionRevokeSessions, after(model.ActionCollectEvidence)),
			tmpl(model.ActionDisableUser, approval, after(model.ActionCollectEvidence)),
			tmpl(model.ActionCreateTicket, params(map[string]any{"confidential": true})),
		},
		DefaultThreatType: {
			tmpl(model.ActionBlockIP),
			tmpl(model.ActionBlockDomain),
			tmpl(model.ActionIsolateHost),
			tmpl(model.ActionDisableUser),
			tmpl(model.ActionCreateTicket),
			tmpl(model.ActionNotifyTeam),
		},
	}
}
