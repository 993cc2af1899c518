// Package analytics aggregates incident responses into containment and
// tool effectiveness metrics.
package analytics

import (
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"ir-orchestrator/internal/model"
)

// Period is a half-open detection-time window [Start, End). A zero bound is
// unbounded.
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Last returns the period of length d ending at now.
func Last(d time.Duration, now time.Time) Period {
	return Period{Start: now.Add(-d), End: now}
}

// Contains reports whether t falls inside the period.
func (p Period) Contains(t time.Time) bool {
	if !p.Start.IsZero() && t.Before(p.Start) {
		return false
	}
	if !p.End.IsZero() && !t.Before(p.End) {
		return false
	}
	return true
}

// RateStat is a success ratio. Skipped executions are not attempts.
type RateStat struct {
	Attempts  int     `json:"attempts"`
	Succeeded int     `json:"succeeded"`
	Rate      float64 `json:"rate"`
}

func (r *RateStat) add(status model.ExecutionStatus) {
	switch status {
	case model.ExecutionCompleted:
		r.Attempts++
		r.Succeeded++
	case model.ExecutionFailed:
		r.Attempts++
	}
}

func (r *RateStat) finish() {
	if r.Attempts > 0 {
		r.Rate = float64(r.Succeeded) / float64(r.Attempts)
	}
}

// Analytics is the aggregate view over a tenant and period.
type Analytics struct {
	TenantID string `json:"tenant_id,omitempty"`
	Period   Period `json:"period"`

	TotalIncidents       int     `json:"total_incidents"`
	ContainedIncidents   int     `json:"contained_incidents"`
	ContainmentRate      float64 `json:"containment_rate"`
	AvgContainmentTimeMs float64 `json:"avg_containment_time_ms"`
	P50ContainmentTimeMs float64 `json:"p50_containment_time_ms"`
	P95ContainmentTimeMs float64 `json:"p95_containment_time_ms"`
	FastContained        int     `json:"fast_contained"`
	FastContainmentRate  float64 `json:"fast_containment_rate"`
	SLAViolations        int     `json:"sla_violations"`
	EscalatedIncidents   int     `json:"escalated_incidents"`
	NoViablePlan         int     `json:"no_viable_plan"`
	AvgEffectiveness     float64 `json:"avg_effectiveness"`

	SeverityDistribution map[model.Severity]int        `json:"severity_distribution"`
	StatusDistribution   map[model.ResponseStatus]int  `json:"status_distribution"`
	ToolSuccessRate      map[string]RateStat           `json:"tool_success_rate"`
	ActionSuccessRate    map[model.ActionKind]RateStat `json:"action_success_rate"`
}

// Compute aggregates responses of tenantID (all tenants when empty) whose
// detection time falls in p. An incident counts as fast when its
// containment time is within budget.
func Compute(responses []*model.IncidentResponse, tenantID string, p Period, budget time.Duration) Analytics {
	a := Analytics{
		TenantID:             tenantID,
		Period:               p,
		SeverityDistribution: make(map[model.Severity]int),
		StatusDistribution:   make(map[model.ResponseStatus]int),
		ToolSuccessRate:      make(map[string]RateStat),
		ActionSuccessRate:    make(map[model.ActionKind]RateStat),
	}

	var containMs, scores []float64
	for _, r := range responses {
		if tenantID != "" && r.TenantID != tenantID {
			continue
		}
		if !p.Contains(r.Context.DetectionTime) {
			continue
		}

		a.TotalIncidents++
		a.SeverityDistribution[r.Context.Severity]++
		a.StatusDistribution[r.Status]++
		if r.SLAViolated {
			a.SLAViolations++
		}
		if len(r.Escalations) > 0 {
			a.EscalatedIncidents++
		}
		if r.NoViablePlan {
			a.NoViablePlan++
		}
		if r.EffectivenessScore != nil {
			scores = append(scores, *r.EffectivenessScore)
		}
		if r.ContainmentTime != nil {
			a.ContainedIncidents++
			containMs = append(containMs, float64(r.ContainmentTime.Milliseconds()))
			if *r.ContainmentTime <= budget {
				a.FastContained++
			}
		}

		for i := range r.Executions {
			ex := &r.Executions[i]
			if ex.Action.ToolID != "" {
				tool := a.ToolSuccessRate[ex.Action.ToolID]
				tool.add(ex.Status)
				a.ToolSuccessRate[ex.Action.ToolID] = tool
			}

			act := a.ActionSuccessRate[ex.Action.Kind]
			act.add(ex.Status)
			a.ActionSuccessRate[ex.Action.Kind] = act
		}
	}

	for k, v := range a.ToolSuccessRate {
		v.finish()
		a.ToolSuccessRate[k] = v
	}
	for k, v := range a.ActionSuccessRate {
		v.finish()
		a.ActionSuccessRate[k] = v
	}

	if a.TotalIncidents > 0 {
		n := float64(a.TotalIncidents)
		a.ContainmentRate = float64(a.ContainedIncidents) / n
		a.FastContainmentRate = float64(a.FastContained) / n
	}
	if len(containMs) > 0 {
		sort.Float64s(containMs)
		a.AvgContainmentTimeMs = stat.Mean(containMs, nil)
		a.P50ContainmentTimeMs = stat.Quantile(0.5, stat.Empirical, containMs, nil)
		a.P95ContainmentTimeMs = stat.Quantile(0.95, stat.Empirical, containMs, nil)
	}
	if len(scores) > 0 {
		a.AvgEffectiveness = stat.Mean(scores, nil)
	}
	return a
}
