package escalation

import (
	"errors"
	"strings"
	"testing"
	"time"

	"ir-orchestrator/internal/actions"
	"ir-orchestrator/internal/model"
	"ir-orchestrator/internal/planner"
	"ir-orchestrator/internal/tools"
)

func newManager(t *testing.T, withNotifier bool) *Manager {
	t.Helper()
	reg := tools.NewRegistry(nil)
	list := []model.SecurityTool{
		{ID: "edr-1", Category: model.CategoryEDR, Endpoint: "https://edr", Enabled: true,
			Actions: []model.ActionKind{model.ActionIsolateHost, model.ActionKillProcess}},
		{ID: "fw-1", Category: model.CategoryFirewall, Endpoint: "https://fw", Enabled: true,
			Actions: []model.ActionKind{model.ActionBlockIP, model.ActionIsolateSubnet}},
	}
	if withNotifier {
		list = append(list, model.SecurityTool{ID: "chat-1", Category: model.CategoryNotification, Endpoint: "https://chat", Enabled: true,
			Actions: []model.ActionKind{model.ActionNotifyTeam, model.ActionEscalate}})
	}
	if err := reg.Replace(list); err != nil {
		t.Fatal(err)
	}
	gen := planner.New(actions.NewCatalog(), reg, nil, planner.DefaultConfig())
	m := NewManager(gen, DefaultConfig(), nil)
	m.now = func() time.Time { return time.Date(2026, 3, 1, 12, 2, 0, 0, time.UTC) }
	return m
}

func failedResponse() *model.IncidentResponse {
	ic := model.IncidentContext{
		IncidentID:     "inc-42",
		TenantID:       "acme",
		Severity:       model.SeverityMedium,
		ThreatType:     "malware",
		AffectedAssets: []model.Asset{{Type: model.AssetHost, ID: "host-7"}},
		DetectionTime:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	return &model.IncidentResponse{
		IncidentID: ic.IncidentID,
		Context:    ic,
		Severity:   ic.Severity,
		Plan:       []model.ResponseActionConfig{{Kind: model.ActionIsolateHost, ToolID: "edr-1"}},
		Executions: []model.ResponseExecution{{
			Action: model.ResponseActionConfig{Kind: model.ActionIsolateHost, ToolID: "edr-1"},
			Status: model.ExecutionFailed,
			Error:  "dispatch: tool call timed out",
		}},
	}
}

func TestEscalateBuildsBroaderPlan(t *testing.T) {
	m := newManager(t, true)
	r := failedResponse()

	round, err := m.Escalate(r, model.ReasonNotContained)
	if err != nil {
		t.Fatal(err)
	}
	if round.Number != 1 {
		t.Errorf("round = %d, want 1", round.Number)
	}
	if round.Severity != model.SeverityHigh {
		t.Errorf("severity = %s, want high", round.Severity)
	}
	if len(round.Plan) != 1 || round.Plan[0].Kind != model.ActionIsolateSubnet || round.Plan[0].ToolID != "fw-1" {
		t.Fatalf("plan = %+v, want isolate_subnet on fw-1", round.Plan)
	}
	if len(round.Notifications) != 1 || round.Notifications[0].Kind != model.ActionNotifyTeam {
		t.Fatalf("notifications = %+v", round.Notifications)
	}
	msg, _ := round.Notifications[0].Parameters["message"].(string)
	for _, want := range []string{"1st escalation", "inc-42", "2 minutes ago", "Uncontained: host", "1 failed"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q missing %q", msg, want)
		}
	}
	if len(round.Actions()) != 2 {
		t.Errorf("Actions() = %d, want plan plus notification", len(round.Actions()))
	}

	rec := round.Record()
	if rec.PlanSize != 1 || !rec.Notified || rec.Reason != model.ReasonNotContained {
		t.Errorf("record = %+v", rec)
	}
	if r.EscalationRounds() != 0 || r.Severity != model.SeverityMedium {
		t.Error("Escalate modified the response")
	}
}

func TestEscalateBounded(t *testing.T) {
	m := newManager(t, true)
	r := failedResponse()

	for i := 1; i <= DefaultMaxRounds; i++ {
		round, err := m.Escalate(r, model.ReasonNotContained)
		if err != nil {
			t.Fatalf("round %d: %v", i, err)
		}
		r.Escalations = append(r.Escalations, round.Record())
		r.Severity = round.Severity
		if i == DefaultMaxRounds {
			last := round.Notifications[len(round.Notifications)-1]
			if last.Kind != model.ActionEscalate {
				t.Errorf("final round did not page on-call: %+v", round.Notifications)
			}
		}
	}
	if r.Severity != model.SeverityCritical {
		t.Errorf("severity after rounds = %s, want critical", r.Severity)
	}

	_, err := m.Escalate(r, model.ReasonNotContained)
	if !errors.Is(err, ErrMaxRoundsReached) {
		t.Errorf("err = %v, want ErrMaxRoundsReached", err)
	}
}

func TestEscalateWithoutNotifier(t *testing.T) {
	m := newManager(t, false)
	round, err := m.Escalate(failedResponse(), model.ReasonNoViablePlan)
	if err != nil {
		t.Fatal(err)
	}
	if len(round.Notifications) != 0 || round.Record().Notified {
		t.Error("notification planned without a notification tool")
	}
}

func TestUnreliableToolsIgnoresApprovalHolds(t *testing.T) {
	execs := []model.ResponseExecution{
		{Action: model.ResponseActionConfig{ToolID: "idp-1", Kind: model.ActionResetPassword}, Status: model.ExecutionSkipped,
			Error: "dispatch.reset_password(idp-1): dispatch: action awaiting approval"},
		{Action: model.ResponseActionConfig{ToolID: "edr-1", Kind: model.ActionIsolateHost}, Status: model.ExecutionSkipped,
			Error: "dispatch: tool disabled"},
		{Action: model.ResponseActionConfig{ToolID: "fw-1", Kind: model.ActionBlockIP}, Status: model.ExecutionCompleted},
		{Action: model.ResponseActionConfig{ToolID: "chat-1", Kind: model.ActionNotifyTeam}, Status: model.ExecutionFailed},
	}
	got := unreliableTools(execs)
	if len(got) != 1 || !got["edr-1"] {
		t.Errorf("unreliableTools() = %v, want only edr-1", got)
	}
}
