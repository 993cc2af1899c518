package actions

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"ir-orchestrator/internal/model"
)

func TestTemplatesFallback(t *testing.T) {
	c := NewCatalog()

	ransomware := c.Templates("Ransomware")
	if len(ransomware) == 0 {
		t.Fatal("expected ransomware templates")
	}

	unknown := c.Templates("quantum_heist")
	def := c.Templates(DefaultThreatType)
	if len(unknown) != len(def) {
		t.Errorf("unknown threat type returned %d templates, default has %d", len(unknown), len(def))
	}
}

func TestTemplatesAreCopies(t *testing.T) {
	c := NewCatalog()
	first := c.Templates("ransomware")
	for i := range first {
		if first[i].Parameters != nil {
			first[i].Parameters["priority"] = "mutated"
		}
	}
	for _, tpl := range c.Templates("ransomware") {
		if tpl.Parameters["priority"] == "mutated" {
			t.Fatal("catalog templates shared with caller")
		}
	}
}

func TestApplicable(t *testing.T) {
	ic := &model.IncidentContext{
		AffectedAssets: []model.Asset{
			{Type: model.AssetHost, ID: "host-1"},
			{Type: model.AssetHost, ID: "host-1"},
		},
		Indicators: []model.Indicator{
			{Type: model.IndicatorIP, Value: "198.51.100.4"},
		},
	}

	tests := []struct {
		kind model.ActionKind
		want bool
	}{
		{model.ActionIsolateHost, true},
		{model.ActionBlockIP, true},
		{model.ActionBlockDomain, false},
		{model.ActionDisableUser, false},
		{model.ActionCreateTicket, true},
		{model.ActionNotifyTeam, true},
		{"teleport_host", false},
	}
	for _, tt := range tests {
		if got := Applicable(tt.kind, ic); got != tt.want {
			t.Errorf("Applicable(%s) = %v, want %v", tt.kind, got, tt.want)
		}
	}

	if got := Targets(model.ActionIsolateHost, ic); len(got) != 1 || got[0] != "host-1" {
		t.Errorf("Targets(isolate_host) = %v, want deduplicated [host-1]", got)
	}
}

func TestContainmentClasses(t *testing.T) {
	tests := []struct {
		asset model.AssetType
		want  []model.ActionKind
	}{
		{model.AssetHost, []model.ActionKind{model.ActionIsolateHost, model.ActionIsolateSubnet}},
		{model.AssetIP, []model.ActionKind{model.ActionBlockIP, model.ActionIsolateSubnet}},
		{model.AssetDomain, []model.ActionKind{model.ActionBlockDomain}},
		{model.AssetUser, []model.ActionKind{model.ActionDisableUser, model.ActionRevokeSessions}},
		{model.AssetFile, []model.ActionKind{model.ActionQuarantineFile}},
		{model.AssetProcess, []model.ActionKind{model.ActionKillProcess}},
	}
	for _, tt := range tests {
		got := ContainmentKinds(tt.asset)
		if len(got) != len(tt.want) {
			t.Errorf("ContainmentKinds(%s) = %v, want %v", tt.asset, got, tt.want)
			continue
		}
		for _, k := range tt.want {
			if !Contains(k, tt.asset) {
				t.Errorf("Contains(%s, %s) = false", k, tt.asset)
			}
		}
	}

	if IsContainment(model.ActionCreateTicket) {
		t.Error("create_ticket must not be containment class")
	}
	for _, k := range model.CriticalContainmentKinds {
		if !IsContainment(k) {
			t.Errorf("%s must be containment class", k)
		}
	}
}

func TestLoadOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	content := `
playbooks:
  cryptojacking:
    - kind: kill_process
      risk_score: 0.1
    - kind: block_domain
      risk_score: 0.2
      timeout: 5s
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	c := NewCatalog()
	if err := c.LoadOverrides(path); err != nil {
		t.Fatalf("LoadOverrides() error = %v", err)
	}

	set := c.Templates("cryptojacking")
	if len(set) != 2 {
		t.Fatalf("expected 2 templates, got %d", len(set))
	}
	if set[0].Timeout != 15*time.Second {
		t.Errorf("default timeout not applied: %v", set[0].Timeout)
	}
	if set[1].Timeout != 5*time.Second {
		t.Errorf("explicit timeout lost: %v", set[1].Timeout)
	}
	if set[1].RollbackAction != model.ActionUnblockDomain {
		t.Errorf("default rollback not applied: %q", set[1].RollbackAction)
	}
}

func TestLoadOverridesKeepsDefinitionDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	content := `
playbooks:
  cryptojacking:
    - kind: kill_process
    - kind: block_domain
      retry_count: 0
      risk_score: 0
    - kind: block_ip
      retry_count: 4
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	c := NewCatalog()
	if err := c.LoadOverrides(path); err != nil {
		t.Fatalf("LoadOverrides() error = %v", err)
	}
	set := c.Templates("cryptojacking")
	if len(set) != 3 {
		t.Fatalf("expected 3 templates, got %d", len(set))
	}

	tests := []struct {
		kind    model.ActionKind
		retries int
		risk    float64
	}{
		{model.ActionKillProcess, 1, 0.3},
		{model.ActionBlockDomain, 0, 0},
		{model.ActionBlockIP, 4, 0.2},
	}
	for i, tt := range tests {
		got := set[i]
		if got.Kind != tt.kind || got.RetryCount != tt.retries || got.RiskScore != tt.risk {
			t.Errorf("%s: retries %d risk %.2f, want %d %.2f", got.Kind, got.RetryCount, got.RiskScore, tt.retries, tt.risk)
		}
	}
}

func TestSetRejectsUnknownAction(t *testing.T) {
	c := NewCatalog()
	err := c.Set("custom", []Template{{Kind: "format_disk", RiskScore: 0.1}})
	if err == nil {
		t.Fatal("expected error for unknown action")
	}
	err = c.Set("custom", []Template{{Kind: model.ActionBlockIP, RiskScore: 1.5}})
	if err == nil {
		t.Fatal("expected error for out-of-range risk")
	}
}
