// Package scheduler dispatches response plans to tools under per-action
// timeout and retry policies.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	irerrors "ir-orchestrator/internal/errors"
	"ir-orchestrator/internal/model"
	"ir-orchestrator/internal/tools"
)

// DefaultActionTimeout applies when an action has no timeout.
const DefaultActionTimeout = 30 * time.Second

// ToolLookup resolves tool snapshots at dispatch time.
type ToolLookup interface {
	Get(id string) (model.SecurityTool, bool)
}

// Invoker performs one action on one tool.
type Invoker interface {
	Invoke(ctx context.Context, tool model.SecurityTool, kind model.ActionKind, params map[string]any) (*tools.Result, error)
}

// Observer receives every execution once it reaches a terminal state.
type Observer func(exec model.ResponseExecution)

// Config holds retry and concurrency settings.
type Config struct {
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	BackoffFactor  float64       `yaml:"backoff_factor"`
	// MaxParallel caps concurrent dispatches within a group. Zero is unlimited.
	MaxParallel int `yaml:"max_parallel"`
	// AutoApprove dispatches approval-required actions at any severity.
	AutoApprove bool `yaml:"auto_approve"`
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		InitialBackoff: 250 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		BackoffFactor:  2.0,
	}
}

// Run identifies one plan execution.
type Run struct {
	IncidentID string
	Severity   model.Severity
	Round      int
	ExecutedBy string
}

// Scheduler executes plans. It is safe for concurrent use by many incidents.
type Scheduler struct {
	tools   ToolLookup
	invoker Invoker
	config  Config
	logger  *slog.Logger
}

// New creates a scheduler.
func New(lookup ToolLookup, invoker Invoker, cfg Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = 1
	}
	return &Scheduler{tools: lookup, invoker: invoker, config: cfg, logger: logger}
}

// Execute runs plan group by group and returns exactly one execution per
// planned action, in plan order. A failed or skipped action never aborts
// the rest of the plan.
func (s *Scheduler) Execute(ctx context.Context, run Run, plan []model.ResponseActionConfig, observe Observer) []model.ResponseExecution {
	results := make([]model.ResponseExecution, len(plan))

	for gi, group := range Partition(plan) {
		s.logger.Debug("dispatching group",
			"incident_id", run.IncidentID,
			"group", gi,
			"tier", group.Tier,
			"parallel", group.Parallel,
			"actions", len(group.Indices),
		)

		var g errgroup.Group
		if s.config.MaxParallel > 0 {
			g.SetLimit(s.config.MaxParallel)
		}
		for _, idx := range group.Indices {
			idx := idx
			g.Go(func() error {
				results[idx] = s.Dispatch(ctx, run, plan[idx])
				if observe != nil {
					observe(results[idx])
				}
				return nil
			})
		}
		g.Wait()
	}

	return results
}

// Dispatch runs a single action and always returns a terminal execution.
func (s *Scheduler) Dispatch(ctx context.Context, run Run, action model.ResponseActionConfig) model.ResponseExecution {
	exec := model.ResponseExecution{
		ID:         uuid.New().String(),
		IncidentID: run.IncidentID,
		Action:     action.Clone(),
		Status:     model.ExecutionPending,
		Round:      run.Round,
		ExecutedBy: run.ExecutedBy,
	}
	if exec.ExecutedBy == "" {
		exec.ExecutedBy = model.SystemUser
	}

	tool, err := s.resolve(run, action)
	if err != nil {
		now := time.Now()
		exec.Status = model.ExecutionSkipped
		exec.StartTime, exec.EndTime = now, now
		exec.Error = irerrors.Message(err)
		s.logger.Info("action skipped",
			"incident_id", run.IncidentID,
			"action", action.Kind,
			"tool_id", action.ToolID,
			"reason", exec.Error,
		)
		return exec
	}

	exec.Status = model.ExecutionExecuting
	exec.StartTime = time.Now()

	timeout := action.Timeout
	if timeout <= 0 {
		timeout = DefaultActionTimeout
	}

	var result *tools.Result
	for attempt := 0; attempt <= action.RetryCount; attempt++ {
		if attempt > 0 {
			if !s.wait(ctx, s.backoff(attempt-1)) {
				break
			}
		}
		exec.Attempts++

		result, err = s.attempt(ctx, tool, action, timeout)
		if err == nil {
			break
		}
		if irerrors.IsSkip(err) || !irerrors.IsRetryable(err) || ctx.Err() != nil {
			break
		}
		s.logger.Warn("tool call failed, retrying",
			"incident_id", run.IncidentID,
			"action", action.Kind,
			"tool_id", tool.ID,
			"attempt", exec.Attempts,
			"error", err,
		)
	}

	exec.EndTime = time.Now()
	exec.Elapsed = exec.EndTime.Sub(exec.StartTime)

	switch {
	case err == nil:
		exec.Status = model.ExecutionCompleted
		if result != nil {
			exec.Result = result.Body
		}
	case irerrors.IsSkip(err):
		exec.Status = model.ExecutionSkipped
		exec.Error = irerrors.Message(err)
	default:
		exec.Status = model.ExecutionFailed
		exec.Error = irerrors.Message(err)
	}

	s.logger.Info("action finished",
		"incident_id", run.IncidentID,
		"execution_id", exec.ID,
		"action", action.Kind,
		"tool_id", tool.ID,
		"status", exec.Status,
		"attempts", exec.Attempts,
		"elapsed_ms", exec.Elapsed.Milliseconds(),
	)
	return exec
}

// resolve snapshots the tool and applies the skip rules.
func (s *Scheduler) resolve(run Run, action model.ResponseActionConfig) (model.SecurityTool, error) {
	tool, ok := s.tools.Get(action.ToolID)
	if !ok {
		return tool, irerrors.Wrap(action.ToolID, string(action.Kind),
			fmt.Errorf("%w: %q is not registered", irerrors.ErrToolNotFound, action.ToolID))
	}
	if !tool.Enabled {
		return tool, irerrors.Wrap(tool.ID, string(action.Kind),
			fmt.Errorf("%w: %q is disabled", irerrors.ErrToolDisabled, tool.ID))
	}
	if !tool.Supports(action.Kind) {
		return tool, irerrors.Wrap(tool.ID, string(action.Kind), irerrors.ErrActionUnsupported)
	}
	if action.RequiresApproval && !s.config.AutoApprove && run.Severity != model.SeverityCritical && run.ExecutedBy == "" {
		return tool, irerrors.Wrap(tool.ID, string(action.Kind), irerrors.ErrAwaitingApproval)
	}
	return tool, nil
}

// attempt performs one bounded tool call. The deadline holds even if the
// invoker ignores its context.
func (s *Scheduler) attempt(ctx context.Context, tool model.SecurityTool, action model.ResponseActionConfig, timeout time.Duration) (*tools.Result, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		res *tools.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := s.invoker.Invoke(attemptCtx, tool, action.Kind, action.Parameters)
		done <- outcome{res, err}
	}()

	select {
	case o := <-done:
		return o.res, o.err
	case <-attemptCtx.Done():
		return nil, irerrors.FromTransport(tool.ID, string(action.Kind), attemptCtx.Err())
	}
}

// backoff returns the deterministic delay before retry n (zero based).
func (s *Scheduler) backoff(n int) time.Duration {
	if s.config.InitialBackoff <= 0 {
		return 0
	}
	d := float64(s.config.InitialBackoff) * math.Pow(s.config.BackoffFactor, float64(n))
	if s.config.MaxBackoff > 0 && d > float64(s.config.MaxBackoff) {
		return s.config.MaxBackoff
	}
	return time.Duration(d)
}

func (s *Scheduler) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
