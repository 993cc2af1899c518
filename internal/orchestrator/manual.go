package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	irerrors "ir-orchestrator/internal/errors"
	"ir-orchestrator/internal/kafka"
	"ir-orchestrator/internal/model"
	"ir-orchestrator/internal/scheduler"
	"ir-orchestrator/internal/store"
)

// ExecuteManualAction dispatches one operator-chosen action and re-evaluates
// containment. Tool failures, invalid actions and closed incidents come
// back as a failed execution with a nil error; only an unknown incident is
// an error. An empty ToolID selects the preferred capable tool.
func (e *Engine) ExecuteManualAction(ctx context.Context, incidentID string, action model.ResponseActionConfig, userID string) (*model.ResponseExecution, error) {
	r, err := e.store.Get(incidentID)
	if err != nil {
		return nil, err
	}
	if userID == "" {
		userID = model.SystemUser
	}
	if r.Status.IsTerminal() {
		return e.rejected(incidentID, action, userID, fmt.Errorf("%w: %s", store.ErrIncidentClosed, incidentID)), nil
	}

	action = action.Clone()
	if action.ToolID == "" {
		if tool, ok := e.planner.PickTool(action.Kind); ok {
			action.ToolID = tool.ID
		}
	}
	if err := e.validator.ValidateAction(&action); err != nil {
		return e.rejected(incidentID, action, userID, err), nil
	}

	if r.Status == model.StatusAnalyzing {
		if _, err := e.store.Transition(incidentID, model.StatusAnalyzing, model.StatusResponding); err != nil &&
			!errors.Is(err, store.ErrStatusConflict) {
			return e.rejected(incidentID, action, userID, err), nil
		}
	}

	run := scheduler.Run{
		IncidentID: incidentID,
		Severity:   r.Severity,
		Round:      r.EscalationRounds(),
		ExecutedBy: userID,
	}
	ex := e.scheduler.Dispatch(ctx, run, action)
	e.record(ex)

	if _, err := e.evaluate(incidentID); err != nil {
		e.logger.Warn("containment not re-evaluated", "incident_id", incidentID, "error", err)
	}

	e.logger.Info("manual action executed",
		"incident_id", incidentID,
		"action", action.Kind,
		"tool_id", action.ToolID,
		"user", userID,
		"status", ex.Status,
	)
	return &ex, nil
}

// rejected builds a failed execution that never reached a tool. It is not
// recorded on the response.
func (e *Engine) rejected(incidentID string, action model.ResponseActionConfig, userID string, err error) *model.ResponseExecution {
	now := e.now()
	e.logger.Warn("manual action rejected",
		"incident_id", incidentID,
		"action", action.Kind,
		"user", userID,
		"error", err,
	)
	return &model.ResponseExecution{
		ID:         uuid.NewString(),
		IncidentID: incidentID,
		Action:     action,
		Status:     model.ExecutionFailed,
		StartTime:  now,
		EndTime:    now,
		Error:      irerrors.Message(err),
		ExecutedBy: userID,
	}
}

// RollbackAction runs the rollback of a completed execution against the
// same tool and targets.
func (e *Engine) RollbackAction(ctx context.Context, incidentID, executionID, userID string) (*model.ResponseExecution, error) {
	r, err := e.store.Get(incidentID)
	if err != nil {
		return nil, err
	}
	if r.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s", store.ErrIncidentClosed, incidentID)
	}

	var orig *model.ResponseExecution
	for i := range r.Executions {
		if r.Executions[i].ID == executionID {
			orig = &r.Executions[i]
			break
		}
	}
	if orig == nil {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
	}
	if orig.Status != model.ExecutionCompleted || orig.Action.RollbackAction == "" {
		return nil, fmt.Errorf("%w: %s is %s with rollback %q",
			ErrNotRollbackable, executionID, orig.Status, orig.Action.RollbackAction)
	}
	if userID == "" {
		userID = model.SystemUser
	}

	action := orig.Action.Clone()
	action.Kind = orig.Action.RollbackAction
	action.RollbackAction = ""
	action.DependsOn = nil
	action.RequiresApproval = false
	if action.Parameters == nil {
		action.Parameters = make(map[string]any)
	}
	action.Parameters["rollback_of"] = orig.ID

	ex := e.scheduler.Dispatch(ctx, scheduler.Run{
		IncidentID: incidentID,
		Severity:   r.Severity,
		Round:      orig.Round,
		ExecutedBy: userID,
	}, action)
	e.record(ex)

	e.logger.Info("action rolled back",
		"incident_id", incidentID,
		"execution_id", executionID,
		"rollback", action.Kind,
		"status", ex.Status,
	)
	return &ex, nil
}

// ResolveIncident marks the incident resolved. notes, when not empty, is
// kept as a lesson learned.
func (e *Engine) ResolveIncident(incidentID, notes string) (*model.IncidentResponse, error) {
	r, err := e.store.Update(incidentID, func(w *model.IncidentResponse) error {
		now := e.now()
		w.Status = model.StatusResolved
		w.ResolvedAt = &now
		d := now.Sub(w.Context.DetectionTime)
		w.ResolutionTime = &d
		if notes != "" {
			w.LessonsLearned = append(w.LessonsLearned, notes)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("incident resolved",
		"incident_id", incidentID,
		"resolution_time", *r.ResolutionTime,
	)
	e.emit(kafka.EventResolved, r, map[string]any{
		"resolution_ms": r.ResolutionTime.Milliseconds(),
	})
	return r, nil
}

// CloseIncident closes the incident, fixes its effectiveness score and
// feeds the outcome back into planning.
func (e *Engine) CloseIncident(incidentID, reason string) (*model.IncidentResponse, error) {
	return e.finish(incidentID, reason, false)
}

var errNotExpired = errors.New("orchestrator: response contained, not force-closing")

// finish closes a response. forced closes come from the deadline: they
// flag the SLA as violated and leave contained or resolved responses
// alone.
func (e *Engine) finish(id, reason string, forced bool) (*model.IncidentResponse, error) {
	var wasViolated bool
	r, err := e.store.Update(id, func(w *model.IncidentResponse) error {
		if forced && (w.Status == model.StatusContained || w.Status == model.StatusResolved) {
			return errNotExpired
		}
		wasViolated = w.SLAViolated
		now := e.now()
		if forced && w.ContainedAt == nil {
			w.SLAViolated = true
		}
		w.Status = model.StatusClosed
		w.ClosedAt = &now
		w.ClosedReason = reason
		score := e.scorer.Score(w)
		w.EffectivenessScore = &score
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.feedback.Learn(r)
	e.metrics.IncidentClosed()
	e.metrics.Effectiveness(*r.EffectivenessScore)
	if r.SLAViolated && !wasViolated {
		e.violated(r, r.ClosedAt.Sub(r.Context.DetectionTime))
	}

	e.logger.Info("incident closed",
		"incident_id", id,
		"reason", reason,
		"forced", forced,
		"effectiveness", *r.EffectivenessScore,
		"sla_violated", r.SLAViolated,
	)
	e.emit(kafka.EventClosed, r, map[string]any{
		"reason":        reason,
		"forced":        forced,
		"effectiveness": *r.EffectivenessScore,
		"duration_ms":   r.ClosedAt.Sub(r.Context.DetectionTime).Milliseconds(),
	})
	return r, nil
}
