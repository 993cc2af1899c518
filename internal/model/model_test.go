package model

import (
	"errors"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to ResponseStatus
		want     bool
	}{
		{StatusDetected, StatusAnalyzing, true},
		{StatusAnalyzing, StatusResponding, true},
		{StatusResponding, StatusResponding, true},
		{StatusResponding, StatusContained, true},
		{StatusContained, StatusResolved, true},
		{StatusContained, StatusClosed, true},
		{StatusResolved, StatusClosed, true},
		{StatusAnalyzing, StatusClosed, true},
		{StatusResponding, StatusAnalyzing, false},
		{StatusContained, StatusResponding, false},
		{StatusClosed, StatusResponding, false},
		{StatusClosed, StatusClosed, false},
		{StatusDetected, StatusContained, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestValidateTransitionWrapsSentinel(t *testing.T) {
	err := ValidateTransition(StatusClosed, StatusResponding)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestSeverityRaise(t *testing.T) {
	tests := []struct {
		in, want Severity
	}{
		{SeverityLow, SeverityMedium},
		{SeverityMedium, SeverityHigh},
		{SeverityHigh, SeverityCritical},
		{SeverityCritical, SeverityCritical},
	}
	for _, tt := range tests {
		if got := tt.in.Raise(); got != tt.want {
			t.Errorf("%s.Raise() = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestIncidentResponseCloneIsDeep(t *testing.T) {
	d := 5 * time.Second
	r := &IncidentResponse{
		IncidentID: "inc-1",
		Plan: []ResponseActionConfig{{
			Kind:       ActionBlockIP,
			Parameters: map[string]any{"targets": []string{"10.0.0.1"}},
		}},
		Executions:      []ResponseExecution{{ID: "e1", Result: map[string]any{"ok": true}}},
		ContainmentTime: &d,
	}

	c := r.Clone()
	c.Plan[0].Parameters["targets"].([]string)[0] = "changed"
	c.Executions[0].Result["ok"] = false
	*c.ContainmentTime = time.Minute

	if r.Plan[0].Parameters["targets"].([]string)[0] != "10.0.0.1" {
		t.Error("plan parameters shared with clone")
	}
	if r.Executions[0].Result["ok"] != true {
		t.Error("execution result shared with clone")
	}
	if *r.ContainmentTime != 5*time.Second {
		t.Error("containment time shared with clone")
	}
}

func TestValidateContext(t *testing.T) {
	v := NewValidator()
	valid := func() IncidentContext {
		return IncidentContext{
			IncidentID:    "inc-1",
			TenantID:      "tenant-a",
			Severity:      SeverityHigh,
			ThreatType:    "malware",
			DetectionTime: time.Now(),
			Confidence:    0.9,
			AffectedAssets: []Asset{
				{Type: AssetHost, ID: "host-1"},
			},
		}
	}

	tests := []struct {
		name    string
		modify  func(*IncidentContext)
		wantErr bool
	}{
		{"valid", func(c *IncidentContext) {}, false},
		{"missing incident id", func(c *IncidentContext) { c.IncidentID = "" }, true},
		{"unknown severity", func(c *IncidentContext) { c.Severity = "severe" }, true},
		{"confidence above one", func(c *IncidentContext) { c.Confidence = 1.5 }, true},
		{"asset without id", func(c *IncidentContext) { c.AffectedAssets[0].ID = "" }, true},
		{"future detection", func(c *IncidentContext) { c.DetectionTime = time.Now().Add(time.Hour) }, true},
		{"zero detection", func(c *IncidentContext) { c.DetectionTime = time.Time{} }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.modify(&c)
			err := v.ValidateContext(&c)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateContext() error = %v, wantErr %v", err, tt.wantErr)
			}
			var verr *ValidationError
			if err != nil && !errors.As(err, &verr) {
				t.Errorf("error %v is not a *ValidationError", err)
			}
		})
	}
}

func TestValidateTool(t *testing.T) {
	v := NewValidator()
	tool := SecurityTool{
		ID:       "edr-1",
		Category: CategoryEDR,
		Endpoint: "https://edr.example.com",
		Actions:  []ActionKind{ActionIsolateHost},
	}
	if err := v.ValidateTool(&tool); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tool.Category = "printer"
	if err := v.ValidateTool(&tool); err == nil {
		t.Error("expected error for unknown category")
	}

	tool.Category = CategoryEDR
	tool.Actions = []ActionKind{"Isolate Host"}
	if err := v.ValidateTool(&tool); err == nil {
		t.Error("expected error for malformed action name")
	}
}
