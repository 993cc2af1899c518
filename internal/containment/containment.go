// Package containment decides whether an incident's affected assets have
// been contained and whether that happened inside the SLA budget.
//
// Every function here is pure: the result depends only on the context and
// the executions passed in, so evaluating twice gives the same answer.
package containment

import (
	"time"

	"ir-orchestrator/internal/actions"
	"ir-orchestrator/internal/model"
)

// DefaultSLABudget is the containment target measured from detection.
const DefaultSLABudget = 60 * time.Second

// SLAState classifies containment against the budget.
type SLAState string

const (
	SLAMet      SLAState = "met"
	SLAViolated SLAState = "violated"
	SLAPending  SLAState = "pending"
)

// SLAStatus is the outcome of comparing containment with the budget.
type SLAStatus struct {
	State     SLAState      `json:"state"`
	Budget    time.Duration `json:"budget"`
	Elapsed   time.Duration `json:"elapsed"`
	Remaining time.Duration `json:"remaining"`
}

// mappedTypes returns the asset types in ic that have at least one
// containment action.
func mappedTypes(ic *model.IncidentContext) []model.AssetType {
	var out []model.AssetType
	for _, t := range ic.AssetTypes() {
		if len(actions.ContainmentKinds(t)) > 0 {
			out = append(out, t)
		}
	}
	return out
}

// earliest returns the first completion time of a containment action for
// asset type t.
func earliest(t model.AssetType, execs []model.ResponseExecution) (time.Time, bool) {
	var at time.Time
	found := false
	for i := range execs {
		e := &execs[i]
		if e.Status != model.ExecutionCompleted || !actions.Contains(e.Action.Kind, t) {
			continue
		}
		if !found || e.EndTime.Before(at) {
			at = e.EndTime
			found = true
		}
	}
	return at, found
}

// anyContainment returns the first completion time of any containment-class
// action.
func anyContainment(execs []model.ResponseExecution) (time.Time, bool) {
	var at time.Time
	found := false
	for i := range execs {
		e := &execs[i]
		if e.Status != model.ExecutionCompleted || !actions.IsContainment(e.Action.Kind) {
			continue
		}
		if !found || e.EndTime.Before(at) {
			at = e.EndTime
			found = true
		}
	}
	return at, found
}

// ContainedAt returns the instant containment was first confirmed: the
// latest over asset types of each type's earliest qualifying completion.
func ContainedAt(ic *model.IncidentContext, execs []model.ResponseExecution) (time.Time, bool) {
	types := mappedTypes(ic)
	if len(types) == 0 {
		return anyContainment(execs)
	}

	var latest time.Time
	for _, t := range types {
		at, ok := earliest(t, execs)
		if !ok {
			return time.Time{}, false
		}
		if at.After(latest) {
			latest = at
		}
	}
	return latest, true
}

// IsContained reports whether every affected asset type has a completed
// containment action. With no mappable asset types, any completed
// containment action suffices.
func IsContained(ic *model.IncidentContext, execs []model.ResponseExecution) bool {
	_, ok := ContainedAt(ic, execs)
	return ok
}

// Uncontained lists the affected asset types still lacking a completed
// containment action, in context order.
func Uncontained(ic *model.IncidentContext, execs []model.ResponseExecution) []model.AssetType {
	var out []model.AssetType
	for _, t := range mappedTypes(ic) {
		if _, ok := earliest(t, execs); !ok {
			out = append(out, t)
		}
	}
	return out
}

// ContainmentTime returns the duration from detection to containment.
// Containment recorded before detection clamps to zero.
func ContainmentTime(ic *model.IncidentContext, execs []model.ResponseExecution) (time.Duration, bool) {
	at, ok := ContainedAt(ic, execs)
	if !ok {
		return 0, false
	}
	d := at.Sub(ic.DetectionTime)
	if d < 0 {
		d = 0
	}
	return d, true
}

// Evaluate compares containment with budget. now is used for incidents not
// yet contained: they are pending until the budget runs out.
func Evaluate(ic *model.IncidentContext, execs []model.ResponseExecution, budget time.Duration, now time.Time) SLAStatus {
	if budget <= 0 {
		budget = DefaultSLABudget
	}
	st := SLAStatus{Budget: budget}

	if d, ok := ContainmentTime(ic, execs); ok {
		st.Elapsed = d
		if d <= budget {
			st.State = SLAMet
			st.Remaining = budget - d
		} else {
			st.State = SLAViolated
		}
		return st
	}

	st.Elapsed = now.Sub(ic.DetectionTime)
	if st.Elapsed < 0 {
		st.Elapsed = 0
	}
	if st.Elapsed > budget {
		st.State = SLAViolated
		return st
	}
	st.State = SLAPending
	st.Remaining = budget - st.Elapsed
	return st
}
