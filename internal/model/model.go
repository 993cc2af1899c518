// Package model defines the incident response data model shared by the
// orchestration components.
package model

import (
	"time"
)

// Severity represents incident severity.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Rank orders severities from low (1) to critical (4). Unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// Raise returns the next severity up, capped at critical.
func (s Severity) Raise() Severity {
	switch s {
	case SeverityLow:
		return SeverityMedium
	case SeverityMedium:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

// IsUrgent reports whether critical containment actions should be prepended.
func (s Severity) IsUrgent() bool {
	return s == SeverityCritical || s == SeverityHigh
}

// AllSeverities lists severities from most to least severe.
func AllSeverities() []Severity {
	return []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow}
}

// AssetType classifies an affected asset.
type AssetType string

const (
	AssetHost    AssetType = "host"
	AssetIP      AssetType = "ip"
	AssetDomain  AssetType = "domain"
	AssetUser    AssetType = "user"
	AssetFile    AssetType = "file"
	AssetProcess AssetType = "process"
)

// IndicatorType classifies an indicator of compromise.
type IndicatorType string

const (
	IndicatorIP     IndicatorType = "ip"
	IndicatorDomain IndicatorType = "domain"
	IndicatorHash   IndicatorType = "hash"
	IndicatorURL    IndicatorType = "url"
	IndicatorEmail  IndicatorType = "email"
)

// Asset is a resource affected by an incident.
type Asset struct {
	Type AssetType `json:"type" yaml:"type" validate:"required"`
	ID   string    `json:"id" yaml:"id" validate:"required"`
	Name string    `json:"name,omitempty" yaml:"name,omitempty"`
}

// Indicator is an observable tied to an incident.
type Indicator struct {
	Type  IndicatorType `json:"type" yaml:"type" validate:"required"`
	Value string        `json:"value" yaml:"value" validate:"required"`
}

// IncidentContext is the read-only description of a detected incident.
type IncidentContext struct {
	IncidentID     string      `json:"incident_id" validate:"required,max=128"`
	TenantID       string      `json:"tenant_id" validate:"required,max=128"`
	Severity       Severity    `json:"severity" validate:"required,severity"`
	ThreatType     string      `json:"threat_type" validate:"required,max=64"`
	AffectedAssets []Asset     `json:"affected_assets,omitempty" validate:"dive"`
	Indicators     []Indicator `json:"indicators,omitempty" validate:"dive"`
	DetectionTime  time.Time   `json:"detection_time" validate:"required"`
	SourceSystem   string      `json:"source_system,omitempty"`
	Confidence     float64     `json:"confidence" validate:"gte=0,lte=1"`
}

// AssetTypes returns the distinct asset types present, in first-seen order.
func (c *IncidentContext) AssetTypes() []AssetType {
	seen := make(map[AssetType]bool)
	var out []AssetType
	for _, a := range c.AffectedAssets {
		if !seen[a.Type] {
			seen[a.Type] = true
			out = append(out, a.Type)
		}
	}
	return out
}

// AssetIDs returns the ids of assets of the given type.
func (c *IncidentContext) AssetIDs(t AssetType) []string {
	var ids []string
	for _, a := range c.AffectedAssets {
		if a.Type == t {
			ids = append(ids, a.ID)
		}
	}
	return ids
}

// IndicatorValues returns the values of indicators of the given type.
func (c *IncidentContext) IndicatorValues(t IndicatorType) []string {
	var vals []string
	for _, i := range c.Indicators {
		if i.Type == t {
			vals = append(vals, i.Value)
		}
	}
	return vals
}

// Clone returns a deep copy of the context.
func (c IncidentContext) Clone() IncidentContext {
	c.AffectedAssets = append([]Asset(nil), c.AffectedAssets...)
	c.Indicators = append([]Indicator(nil), c.Indicators...)
	return c
}

// ActionKind identifies an abstract response action.
type ActionKind string

const (
	ActionIsolateHost     ActionKind = "isolate_host"
	ActionUnisolateHost   ActionKind = "unisolate_host"
	ActionIsolateSubnet   ActionKind = "isolate_subnet"
	ActionBlockIP         ActionKind = "block_ip"
	ActionUnblockIP       ActionKind = "unblock_ip"
	ActionBlockDomain     ActionKind = "block_domain"
	ActionUnblockDomain   ActionKind = "unblock_domain"
	ActionQuarantineFile  ActionKind = "quarantine_file"
	ActionKillProcess     ActionKind = "kill_process"
	ActionDisableUser     ActionKind = "disable_user"
	ActionEnableUser      ActionKind = "enable_user"
	ActionResetPassword   ActionKind = "reset_password"
	ActionRevokeSessions  ActionKind = "revoke_sessions"
	ActionCollectEvidence ActionKind = "collect_evidence"
	ActionSnapshotMemory  ActionKind = "snapshot_memory"
	ActionCreateTicket    ActionKind = "create_ticket"
	ActionNotifyTeam      ActionKind = "notify_team"
	ActionEscalate        ActionKind = "escalate"
)

// CriticalContainmentKinds are prepended to plans for urgent incidents.
var CriticalContainmentKinds = []ActionKind{ActionIsolateHost, ActionBlockIP, ActionBlockDomain}

// ToolCategory classifies an integrated security tool.
type ToolCategory string

const (
	CategoryEDR          ToolCategory = "edr"
	CategoryFirewall     ToolCategory = "firewall"
	CategoryIdentity     ToolCategory = "identity"
	CategoryForensics    ToolCategory = "forensics"
	CategoryTicketing    ToolCategory = "ticketing"
	CategoryNotification ToolCategory = "notification"
)

// AuthType selects how a tool transport authenticates.
type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthBearer AuthType = "bearer"
	AuthAPIKey AuthType = "api_key"
	AuthBasic  AuthType = "basic"
)

// AuthConfig holds credentials for a tool endpoint.
type AuthConfig struct {
	Type     AuthType `json:"type" yaml:"type"`
	Token    string   `json:"-" yaml:"token,omitempty"`
	Header   string   `json:"header,omitempty" yaml:"header,omitempty"`
	Username string   `json:"username,omitempty" yaml:"username,omitempty"`
	Password string   `json:"-" yaml:"password,omitempty"`
}

// SecurityTool is the configuration of one integrated tool.
type SecurityTool struct {
	ID       string        `json:"id" yaml:"id" validate:"required,max=64"`
	Name     string        `json:"name" yaml:"name"`
	Category ToolCategory  `json:"category" yaml:"category" validate:"required,tool_category"`
	Endpoint string        `json:"endpoint" yaml:"endpoint" validate:"required"`
	Auth     AuthConfig    `json:"auth" yaml:"auth"`
	Actions  []ActionKind  `json:"actions" yaml:"actions" validate:"required,min=1"`
	Priority int           `json:"priority" yaml:"priority" validate:"gte=0"`
	Timeout  time.Duration `json:"timeout" yaml:"timeout" validate:"gte=0"`
	Retries  int           `json:"retries" yaml:"retries" validate:"gte=0,lte=10"`
	Enabled  bool          `json:"enabled" yaml:"enabled"`
}

// Supports reports whether the tool lists the action in its capability set.
func (t *SecurityTool) Supports(kind ActionKind) bool {
	for _, a := range t.Actions {
		if a == kind {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the tool.
func (t SecurityTool) Clone() SecurityTool {
	t.Actions = append([]ActionKind(nil), t.Actions...)
	return t
}

// ResponseActionConfig is one planned step of a response plan.
type ResponseActionConfig struct {
	Kind             ActionKind     `json:"kind" validate:"required"`
	ToolID           string         `json:"tool_id" validate:"required"`
	Parameters       map[string]any `json:"parameters,omitempty"`
	Timeout          time.Duration  `json:"timeout" validate:"gte=0"`
	RetryCount       int            `json:"retry_count" validate:"gte=0,lte=10"`
	RollbackAction   ActionKind     `json:"rollback_action,omitempty"`
	RequiresApproval bool           `json:"requires_approval"`
	RiskScore        float64        `json:"risk_score" validate:"gte=0,lte=1"`
	Tier             int            `json:"tier"`
	DependsOn        []ActionKind   `json:"depends_on,omitempty"`
}

// Clone returns a deep copy of the action config.
func (a ResponseActionConfig) Clone() ResponseActionConfig {
	if a.Parameters != nil {
		params := make(map[string]any, len(a.Parameters))
		for k, v := range a.Parameters {
			if s, ok := v.([]string); ok {
				v = append([]string(nil), s...)
			}
			params[k] = v
		}
		a.Parameters = params
	}
	a.DependsOn = append([]ActionKind(nil), a.DependsOn...)
	return a
}

// ExecutionStatus is the state of a single action execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionExecuting ExecutionStatus = "executing"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionSkipped   ExecutionStatus = "skipped"
)

// IsTerminal reports whether the status is final.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionSkipped
}

// SystemUser is recorded as the executor of automated actions.
const SystemUser = "system"

// ResponseExecution is one attempt to run a planned action.
type ResponseExecution struct {
	ID         string               `json:"id"`
	IncidentID string               `json:"incident_id"`
	Action     ResponseActionConfig `json:"action"`
	Status     ExecutionStatus      `json:"status"`
	StartTime  time.Time            `json:"start_time,omitempty"`
	EndTime    time.Time            `json:"end_time,omitempty"`
	Result     map[string]any       `json:"result,omitempty"`
	Error      string               `json:"error,omitempty"`
	Elapsed    time.Duration        `json:"elapsed"`
	Attempts   int                  `json:"attempts"`
	Round      int                  `json:"round"`
	ExecutedBy string               `json:"executed_by"`
}

// Retries returns the number of retries performed after the first attempt.
func (e *ResponseExecution) Retries() int {
	if e.Attempts <= 1 {
		return 0
	}
	return e.Attempts - 1
}

// Clone returns a deep copy of the execution.
func (e ResponseExecution) Clone() ResponseExecution {
	e.Action = e.Action.Clone()
	if e.Result != nil {
		res := make(map[string]any, len(e.Result))
		for k, v := range e.Result {
			res[k] = v
		}
		e.Result = res
	}
	return e
}

// EscalationReason explains why an escalation round was started.
type EscalationReason string

const (
	ReasonNotContained EscalationReason = "not_contained"
	ReasonNoViablePlan EscalationReason = "no_viable_plan"
	ReasonSLAExceeded  EscalationReason = "sla_exceeded"
)

// EscalationRecord documents one escalation round.
type EscalationRecord struct {
	Round     int              `json:"round"`
	Reason    EscalationReason `json:"reason"`
	Severity  Severity         `json:"severity"`
	PlanSize  int              `json:"plan_size"`
	Notified  bool             `json:"notified"`
	Timestamp time.Time        `json:"timestamp"`
}

// IncidentResponse is the aggregate root of one incident's response.
type IncidentResponse struct {
	IncidentID         string                 `json:"incident_id"`
	TenantID           string                 `json:"tenant_id"`
	Context            IncidentContext        `json:"context"`
	Status             ResponseStatus         `json:"status"`
	Severity           Severity               `json:"severity"`
	Plan               []ResponseActionConfig `json:"plan"`
	Executions         []ResponseExecution    `json:"executions"`
	Escalations        []EscalationRecord     `json:"escalations,omitempty"`
	CreatedAt          time.Time              `json:"created_at"`
	UpdatedAt          time.Time              `json:"updated_at"`
	ContainedAt        *time.Time             `json:"contained_at,omitempty"`
	ContainmentTime    *time.Duration         `json:"containment_time,omitempty"`
	ResolvedAt         *time.Time             `json:"resolved_at,omitempty"`
	ResolutionTime     *time.Duration         `json:"resolution_time,omitempty"`
	ClosedAt           *time.Time             `json:"closed_at,omitempty"`
	ClosedReason       string                 `json:"closed_reason,omitempty"`
	EffectivenessScore *float64               `json:"effectiveness_score,omitempty"`
	LessonsLearned     []string               `json:"lessons_learned,omitempty"`
	SLAViolated        bool                   `json:"sla_violated"`
	NoViablePlan       bool                   `json:"no_viable_plan"`
}

// ContainmentTimeMs returns the containment time in milliseconds, or -1.
func (r *IncidentResponse) ContainmentTimeMs() int64 {
	if r.ContainmentTime == nil {
		return -1
	}
	return r.ContainmentTime.Milliseconds()
}

// EscalationRounds returns the number of escalation rounds performed.
func (r *IncidentResponse) EscalationRounds() int {
	return len(r.Escalations)
}

// Clone returns a deep copy of the response.
func (r *IncidentResponse) Clone() *IncidentResponse {
	c := *r
	c.Context = r.Context.Clone()
	c.Plan = make([]ResponseActionConfig, len(r.Plan))
	for i, a := range r.Plan {
		c.Plan[i] = a.Clone()
	}
	c.Executions = make([]ResponseExecution, len(r.Executions))
	for i, e := range r.Executions {
		c.Executions[i] = e.Clone()
	}
	c.Escalations = append([]EscalationRecord(nil), r.Escalations...)
	c.LessonsLearned = append([]string(nil), r.LessonsLearned...)
	c.ContainedAt = clonePtr(r.ContainedAt)
	c.ContainmentTime = clonePtr(r.ContainmentTime)
	c.ResolvedAt = clonePtr(r.ResolvedAt)
	c.ResolutionTime = clonePtr(r.ResolutionTime)
	c.ClosedAt = clonePtr(r.ClosedAt)
	c.EffectivenessScore = clonePtr(r.EffectivenessScore)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
