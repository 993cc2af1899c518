// Package escalation builds bounded escalation rounds for responses that
// failed to contain an incident.
package escalation

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"ir-orchestrator/internal/containment"
	irerrors "ir-orchestrator/internal/errors"
	"ir-orchestrator/internal/model"
)

// DefaultMaxRounds bounds escalation per incident.
const DefaultMaxRounds = 3

var awaitingApproval = irerrors.ErrAwaitingApproval.Error()

// ErrMaxRoundsReached is returned once an incident used all its rounds.
var ErrMaxRoundsReached = errors.New("escalation: max rounds reached")

// Planner builds secondary plans and single actions.
type Planner interface {
	GenerateEscalationPlan(ic model.IncidentContext, round int, uncontained []model.AssetType, exclude map[string]bool) []model.ResponseActionConfig
	PickTool(kind model.ActionKind) (model.SecurityTool, bool)
	BuildAction(kind model.ActionKind, tool model.SecurityTool, ic *model.IncidentContext) model.ResponseActionConfig
}

// Config controls escalation.
type Config struct {
	MaxRounds int    `yaml:"max_rounds"`
	Channel   string `yaml:"channel"`
	// PageOnLastRound adds an on-call page to the final round.
	PageOnLastRound bool `yaml:"page_on_last_round"`
}

// DefaultConfig returns the default escalation settings.
func DefaultConfig() Config {
	return Config{MaxRounds: DefaultMaxRounds, Channel: "ir-escalations", PageOnLastRound: true}
}

// Round is one escalation step ready for dispatch.
type Round struct {
	Number      int
	Reason      model.EscalationReason
	Severity    model.Severity
	Uncontained []model.AssetType
	// Plan is the broader secondary plan.
	Plan []model.ResponseActionConfig
	// Notifications are notify/page actions. Empty when no notification
	// tool is registered.
	Notifications []model.ResponseActionConfig
	Message       string
	Timestamp     time.Time
}

// Actions returns the secondary plan followed by the notifications.
func (r *Round) Actions() []model.ResponseActionConfig {
	out := make([]model.ResponseActionConfig, 0, len(r.Plan)+len(r.Notifications))
	out = append(out, r.Plan...)
	return append(out, r.Notifications...)
}

// Record converts the round into the record stored on the response.
func (r *Round) Record() model.EscalationRecord {
	return model.EscalationRecord{
		Round:     r.Number,
		Reason:    r.Reason,
		Severity:  r.Severity,
		PlanSize:  len(r.Plan),
		Notified:  len(r.Notifications) > 0,
		Timestamp: r.Timestamp,
	}
}

// Manager decides escalation rounds. It keeps no per-incident state; the
// round count comes from the response itself.
type Manager struct {
	planner Planner
	config  Config
	logger  *slog.Logger
	now     func() time.Time
}

// NewManager creates an escalation manager.
func NewManager(p Planner, cfg Config, logger *slog.Logger) *Manager {
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = DefaultMaxRounds
	}
	if cfg.Channel == "" {
		cfg.Channel = DefaultConfig().Channel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{planner: p, config: cfg, logger: logger, now: time.Now}
}

// MaxRounds returns the configured bound.
func (m *Manager) MaxRounds() int {
	return m.config.MaxRounds
}

// Escalate builds the next round for r. It does not modify r.
func (m *Manager) Escalate(r *model.IncidentResponse, reason model.EscalationReason) (*Round, error) {
	number := r.EscalationRounds() + 1
	if number > m.config.MaxRounds {
		return nil, fmt.Errorf("%w: incident %s used %d rounds", ErrMaxRoundsReached, r.IncidentID, m.config.MaxRounds)
	}

	ic := r.Context.Clone()
	current := r.Severity
	if current == "" {
		current = ic.Severity
	}
	ic.Severity = current.Raise()

	round := &Round{
		Number:      number,
		Reason:      reason,
		Severity:    ic.Severity,
		Uncontained: containment.Uncontained(&ic, r.Executions),
		Timestamp:   m.now(),
	}
	round.Plan = m.planner.GenerateEscalationPlan(ic, number, round.Uncontained, unreliableTools(r.Executions))
	round.Message = m.message(r, round)

	if n, ok := m.notification(model.ActionNotifyTeam, &ic, round); ok {
		round.Notifications = append(round.Notifications, n)
	}
	if m.config.PageOnLastRound && number == m.config.MaxRounds {
		if n, ok := m.notification(model.ActionEscalate, &ic, round); ok {
			round.Notifications = append(round.Notifications, n)
		}
	}

	m.logger.Warn("escalating incident",
		"incident_id", r.IncidentID,
		"round", number,
		"reason", reason,
		"severity", round.Severity,
		"plan_size", len(round.Plan),
		"uncontained", round.Uncontained,
	)
	return round, nil
}

func (m *Manager) notification(kind model.ActionKind, ic *model.IncidentContext, round *Round) (model.ResponseActionConfig, bool) {
	tool, ok := m.planner.PickTool(kind)
	if !ok {
		return model.ResponseActionConfig{}, false
	}
	a := m.planner.BuildAction(kind, tool, ic)
	a.Parameters["channel"] = m.config.Channel
	a.Parameters["message"] = round.Message
	a.Parameters["escalation_round"] = round.Number
	a.Parameters["reason"] = string(round.Reason)
	return a, true
}

// message renders the operator-facing summary of a round.
func (m *Manager) message(r *model.IncidentResponse, round *Round) string {
	completed, failed, skipped := 0, 0, 0
	for i := range r.Executions {
		switch r.Executions[i].Status {
		case model.ExecutionCompleted:
			completed++
		case model.ExecutionFailed:
			failed++
		case model.ExecutionSkipped:
			skipped++
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s escalation (%s) for %s incident %s [%s], detected %s.",
		humanize.Ordinal(round.Number),
		strings.ReplaceAll(string(round.Reason), "_", " "),
		round.Severity,
		r.IncidentID,
		r.Context.ThreatType,
		humanize.RelTime(r.Context.DetectionTime, round.Timestamp, "ago", "from now"),
	)
	fmt.Fprintf(&b, " Actions so far: %s planned, %d completed, %d failed, %d skipped.",
		humanize.Comma(int64(len(r.Plan))), completed, failed, skipped)
	if len(round.Uncontained) > 0 {
		types := make([]string, len(round.Uncontained))
		for i, t := range round.Uncontained {
			types[i] = string(t)
		}
		fmt.Fprintf(&b, " Uncontained: %s.", strings.Join(types, ", "))
	}
	if len(round.Plan) == 0 {
		b.WriteString(" No alternate tool can broaden containment; manual action required.")
	} else {
		fmt.Fprintf(&b, " Secondary plan: %d actions.", len(round.Plan))
	}
	return b.String()
}

// unreliableTools lists tools whose executions failed or were skipped. An
// action held for approval says nothing about its tool.
func unreliableTools(execs []model.ResponseExecution) map[string]bool {
	out := make(map[string]bool)
	for i := range execs {
		e := &execs[i]
		if e.Status != model.ExecutionFailed && e.Status != model.ExecutionSkipped {
			continue
		}
		if isNotification(e.Action.Kind) || strings.Contains(e.Error, awaitingApproval) {
			continue
		}
		out[e.Action.ToolID] = true
	}
	return out
}

func isNotification(kind model.ActionKind) bool {
	return kind == model.ActionNotifyTeam || kind == model.ActionEscalate || kind == model.ActionCreateTicket
}
