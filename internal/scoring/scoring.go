// Package scoring rates finished responses and keeps the per-action
// effectiveness history used to bias future plans.
package scoring

import (
	"strings"
	"sync"
	"time"

	"ir-orchestrator/internal/model"
)

// Component weights. They sum to one so the product stays in [0,1].
const (
	weightSuccess = 0.5
	weightSpeed   = 0.3
	weightSLA     = 0.2

	severityFloor = 0.6
	severitySpan  = 0.4
)

// Config holds the time references for scoring.
type Config struct {
	SLABudget time.Duration
	Deadline  time.Duration
}

// DefaultConfig returns a 60s budget and a 180s deadline.
func DefaultConfig() Config {
	return Config{SLABudget: 60 * time.Second, Deadline: 180 * time.Second}
}

// Scorer computes effectiveness scores.
type Scorer struct {
	config Config
}

// NewScorer creates a scorer, filling zero fields with defaults.
func NewScorer(cfg Config) *Scorer {
	def := DefaultConfig()
	if cfg.SLABudget <= 0 {
		cfg.SLABudget = def.SLABudget
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = def.Deadline
	}
	return &Scorer{config: cfg}
}

// SeverityWeight maps severity to (0,1].
func SeverityWeight(s model.Severity) float64 {
	switch s {
	case model.SeverityCritical:
		return 1.0
	case model.SeverityHigh:
		return 0.75
	case model.SeverityMedium:
		return 0.5
	case model.SeverityLow:
		return 0.25
	}
	return 0
}

// Breakdown is the per-component view of a score.
type Breakdown struct {
	Success  float64 `json:"success"`
	Speed    float64 `json:"speed"`
	SLA      float64 `json:"sla"`
	Severity float64 `json:"severity"`
	Score    float64 `json:"score"`
}

// Score returns the effectiveness of r in [0,1]. More completed actions or
// a faster containment never lower it.
func (s *Scorer) Score(r *model.IncidentResponse) float64 {
	return s.Explain(r).Score
}

// Explain returns the score with its components.
func (s *Scorer) Explain(r *model.IncidentResponse) Breakdown {
	var b Breakdown

	if n := len(r.Executions); n > 0 {
		completed := 0
		for i := range r.Executions {
			if r.Executions[i].Status == model.ExecutionCompleted {
				completed++
			}
		}
		b.Success = float64(completed) / float64(n)
	}

	if r.ContainmentTime != nil {
		ct := *r.ContainmentTime
		b.Speed = clamp01(1 - float64(ct)/float64(s.config.Deadline))
		if ct <= s.config.SLABudget {
			b.SLA = 1
		}
	}

	b.Severity = SeverityWeight(r.Context.Severity)
	raw := weightSuccess*b.Success + weightSpeed*b.Speed + weightSLA*b.SLA
	b.Score = clamp01(raw * (severityFloor + severitySpan*b.Severity))
	return b
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

type key struct {
	threat string
	kind   model.ActionKind
}

type stat struct {
	n    int
	mean float64
}

// Feedback keeps the running mean effectiveness score of the responses
// that dispatched each action, per threat type. It is safe for concurrent
// use.
type Feedback struct {
	mu         sync.RWMutex
	stats      map[key]stat
	minSamples int
}

// NewFeedback creates an empty history. Effectiveness reports nothing for
// a pair until minSamples outcomes have been seen.
func NewFeedback(minSamples int) *Feedback {
	if minSamples < 1 {
		minSamples = 1
	}
	return &Feedback{stats: make(map[key]stat), minSamples: minSamples}
}

// Observe folds one outcome into the running mean.
func (f *Feedback) Observe(threatType string, kind model.ActionKind, value float64) {
	k := key{strings.ToLower(threatType), kind}
	value = clamp01(value)

	f.mu.Lock()
	st := f.stats[k]
	st.n++
	st.mean += (value - st.mean) / float64(st.n)
	f.stats[k] = st
	f.mu.Unlock()
}

// Learn folds the effectiveness score of a scored response into every
// action kind it dispatched, once per kind. Skipped executions never
// reached a tool and are ignored; unscored responses teach nothing.
func (f *Feedback) Learn(r *model.IncidentResponse) {
	if r.EffectivenessScore == nil {
		return
	}
	seen := make(map[model.ActionKind]bool)
	for i := range r.Executions {
		e := &r.Executions[i]
		if e.Status != model.ExecutionCompleted && e.Status != model.ExecutionFailed {
			continue
		}
		if seen[e.Action.Kind] {
			continue
		}
		seen[e.Action.Kind] = true
		f.Observe(r.Context.ThreatType, e.Action.Kind, *r.EffectivenessScore)
	}
}

// Effectiveness returns the learned mean for a threat type and action.
func (f *Feedback) Effectiveness(threatType string, kind model.ActionKind) (float64, bool) {
	f.mu.RLock()
	st, ok := f.stats[key{strings.ToLower(threatType), kind}]
	f.mu.RUnlock()
	if !ok || st.n < f.minSamples {
		return 0, false
	}
	return st.mean, true
}

// Samples returns how many outcomes were recorded for the pair.
func (f *Feedback) Samples(threatType string, kind model.ActionKind) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.stats[key{strings.ToLower(threatType), kind}].n
}
