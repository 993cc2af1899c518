package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ir-orchestrator/internal/containment"
	"ir-orchestrator/internal/escalation"
	"ir-orchestrator/internal/kafka"
	"ir-orchestrator/internal/model"
	"ir-orchestrator/internal/scheduler"
)

// RespondToIncident creates the response for ic, generates its plan and,
// when autoExecute is set, drives it to containment or exhaustion. Without
// autoExecute the response is left in analyzing with the plan attached for
// review; see ExecutePlan.
func (e *Engine) RespondToIncident(ctx context.Context, ic model.IncidentContext, autoExecute bool) (*model.IncidentResponse, error) {
	if err := e.validator.ValidateContext(&ic); err != nil {
		return nil, err
	}
	ic = ic.Clone()

	r := &model.IncidentResponse{
		IncidentID: ic.IncidentID,
		TenantID:   ic.TenantID,
		Context:    ic,
		Status:     model.StatusDetected,
		Severity:   ic.Severity,
		CreatedAt:  e.now(),
	}
	if err := e.store.Create(r); err != nil {
		return nil, err
	}
	e.metrics.IncidentAccepted(ic.Severity)
	e.emit(kafka.EventResponseStarted, r, map[string]any{
		"threat_type":   ic.ThreatType,
		"source_system": ic.SourceSystem,
	})

	plan := e.planner.GeneratePlan(ic)
	r, err := e.store.Update(ic.IncidentID, func(w *model.IncidentResponse) error {
		w.Status = model.StatusAnalyzing
		w.Plan = plan
		w.NoViablePlan = len(plan) == 0
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("response plan generated",
		"incident_id", r.IncidentID,
		"tenant_id", r.TenantID,
		"threat_type", ic.ThreatType,
		"severity", r.Severity,
		"actions", len(plan),
		"auto_execute", autoExecute,
	)
	e.emit(kafka.EventPlanGenerated, r, map[string]any{
		"actions":      planKinds(plan),
		"auto_execute": autoExecute,
	})

	if !autoExecute {
		return r, nil
	}
	return e.run(ctx, r.IncidentID)
}

// ExecutePlan dispatches a plan generated without auto-execution.
func (e *Engine) ExecutePlan(ctx context.Context, incidentID string) (*model.IncidentResponse, error) {
	r, err := e.store.Get(incidentID)
	if err != nil {
		return nil, err
	}
	if r.Status != model.StatusAnalyzing {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotAwaiting, incidentID, r.Status)
	}
	return e.run(ctx, incidentID)
}

// run dispatches the primary plan, then escalation rounds until the
// incident is contained, rounds run out or the incident deadline passes.
func (e *Engine) run(ctx context.Context, id string) (*model.IncidentResponse, error) {
	if !e.markActive(id) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
	}
	defer e.clearActive(id)

	r, err := e.store.Transition(id, model.StatusAnalyzing, model.StatusResponding)
	if err != nil {
		return nil, err
	}

	deadline := e.deadline(r)
	runCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	if len(r.Plan) > 0 {
		e.dispatch(runCtx, r.IncidentID, r.Severity, 0, r.Plan)
		if r, err = e.evaluate(id); err != nil {
			return nil, err
		}
	}

	for r.Status == model.StatusResponding && runCtx.Err() == nil {
		reason := e.escalationReason(r)
		round, err := e.escalation.Escalate(r, reason)
		if errors.Is(err, escalation.ErrMaxRoundsReached) {
			e.logger.Warn("escalation exhausted",
				"incident_id", id,
				"rounds", r.EscalationRounds(),
			)
			break
		}
		if err != nil {
			return nil, err
		}

		r, err = e.store.Update(id, func(w *model.IncidentResponse) error {
			w.Escalations = append(w.Escalations, round.Record())
			w.Severity = round.Severity
			w.Plan = append(w.Plan, round.Actions()...)
			return nil
		})
		if err != nil {
			return nil, err
		}
		e.metrics.Escalated(reason)
		e.emit(kafka.EventEscalated, r, map[string]any{
			"round":       round.Number,
			"reason":      reason,
			"plan_size":   len(round.Plan),
			"notified":    len(round.Notifications) > 0,
			"uncontained": round.Uncontained,
			"message":     round.Message,
		})

		if acts := round.Actions(); len(acts) > 0 {
			e.dispatch(runCtx, id, round.Severity, round.Number, acts)
			if r, err = e.evaluate(id); err != nil {
				return nil, err
			}
		}
		if len(round.Plan) == 0 {
			// Nothing new can contain the incident; later rounds would
			// produce the same empty plan.
			break
		}
	}

	if r.Status == model.StatusResponding && !e.now().Before(deadline) {
		return e.finish(id, "deadline exceeded", true)
	}

	r, err = e.store.Update(id, func(w *model.IncidentResponse) error {
		score := e.scorer.Score(w)
		w.EffectivenessScore = &score
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("response run finished",
		"incident_id", id,
		"status", r.Status,
		"executions", len(r.Executions),
		"escalations", r.EscalationRounds(),
		"containment_ms", r.ContainmentTimeMs(),
		"sla_violated", r.SLAViolated,
	)
	return r, nil
}

func (e *Engine) escalationReason(r *model.IncidentResponse) model.EscalationReason {
	switch {
	case r.NoViablePlan && r.EscalationRounds() == 0:
		return model.ReasonNoViablePlan
	case e.now().Sub(r.Context.DetectionTime) > e.config.SLABudget:
		return model.ReasonSLAExceeded
	default:
		return model.ReasonNotContained
	}
}

// dispatch runs plan and records every execution as it finishes.
func (e *Engine) dispatch(ctx context.Context, id string, sev model.Severity, round int, plan []model.ResponseActionConfig) {
	run := scheduler.Run{IncidentID: id, Severity: sev, Round: round}
	e.scheduler.Execute(ctx, run, plan, e.record)
}

// record appends one finished execution to its response.
func (e *Engine) record(ex model.ResponseExecution) {
	e.metrics.Executions([]model.ResponseExecution{ex})

	r, err := e.store.AppendExecutions(ex.IncidentID, ex)
	if err != nil {
		e.logger.Warn("execution not recorded",
			"incident_id", ex.IncidentID,
			"execution_id", ex.ID,
			"error", err,
		)
		return
	}
	e.emit(kafka.EventExecutionFinished, r, map[string]any{
		"execution_id": ex.ID,
		"action":       ex.Action.Kind,
		"tool_id":      ex.Action.ToolID,
		"status":       ex.Status,
		"attempts":     ex.Attempts,
		"round":        ex.Round,
		"executed_by":  ex.ExecutedBy,
		"error":        ex.Error,
	})
}

// evaluate re-derives containment from the recorded executions. The first
// time containment holds, ContainedAt is fixed and a responding incident
// moves to contained.
func (e *Engine) evaluate(id string) (*model.IncidentResponse, error) {
	var (
		st             containment.SLAStatus
		newlyContained bool
		newlyViolated  bool
	)
	r, err := e.store.Update(id, func(w *model.IncidentResponse) error {
		st = containment.Evaluate(&w.Context, w.Executions, e.config.SLABudget, e.now())
		if w.ContainedAt == nil {
			if at, ok := containment.ContainedAt(&w.Context, w.Executions); ok {
				d, _ := containment.ContainmentTime(&w.Context, w.Executions)
				w.ContainedAt = &at
				w.ContainmentTime = &d
				newlyContained = true
				if w.Status == model.StatusResponding {
					w.Status = model.StatusContained
				}
			}
		}
		if st.State == containment.SLAViolated && !w.SLAViolated {
			w.SLAViolated = true
			newlyViolated = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if newlyContained {
		e.metrics.Contained(*r.ContainmentTime, e.config.SLABudget)
		e.logger.Info("incident contained",
			"incident_id", id,
			"containment_ms", r.ContainmentTimeMs(),
			"sla", st.State,
		)
		e.emit(kafka.EventContained, r, map[string]any{
			"containment_ms": r.ContainmentTimeMs(),
			"sla_state":      st.State,
		})
	}
	if newlyViolated {
		e.violated(r, st.Elapsed)
	}
	return r, nil
}

func (e *Engine) violated(r *model.IncidentResponse, elapsed time.Duration) {
	e.metrics.SLAViolated()
	e.logger.Warn("containment SLA violated",
		"incident_id", r.IncidentID,
		"elapsed", elapsed,
		"budget", e.config.SLABudget,
	)
	e.emit(kafka.EventSLAViolated, r, map[string]any{
		"elapsed_ms": elapsed.Milliseconds(),
		"budget_ms":  e.config.SLABudget.Milliseconds(),
	})
}

func planKinds(plan []model.ResponseActionConfig) []string {
	out := make([]string, len(plan))
	for i, a := range plan {
		out[i] = string(a.Kind) + "@" + a.ToolID
	}
	return out
}
