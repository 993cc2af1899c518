// Package orchestrator ties planning, dispatch, containment, escalation and
// scoring into the incident response lifecycle.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"ir-orchestrator/internal/actions"
	"ir-orchestrator/internal/analytics"
	"ir-orchestrator/internal/containment"
	"ir-orchestrator/internal/escalation"
	"ir-orchestrator/internal/kafka"
	"ir-orchestrator/internal/metrics"
	"ir-orchestrator/internal/model"
	"ir-orchestrator/internal/planner"
	"ir-orchestrator/internal/queue"
	"ir-orchestrator/internal/scheduler"
	"ir-orchestrator/internal/scoring"
	"ir-orchestrator/internal/store"
	"ir-orchestrator/internal/tools"
)

var (
	ErrEngineStopped      = errors.New("orchestrator: engine stopped")
	ErrQueueFull          = errors.New("orchestrator: intake queue full")
	ErrAlreadyRunning     = errors.New("orchestrator: response already executing")
	ErrNotAwaiting        = errors.New("orchestrator: plan is not awaiting execution")
	ErrExecutionNotFound  = errors.New("orchestrator: execution not found")
	ErrNotRollbackable    = errors.New("orchestrator: execution cannot be rolled back")
	ErrHistoryUnavailable = errors.New("orchestrator: historical analytics not configured")
)

// Publisher emits lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, ev kafka.Event) error
}

// HistorySource aggregates persisted responses.
type HistorySource interface {
	Compute(ctx context.Context, tenantID string, p analytics.Period, budget time.Duration) (analytics.Analytics, error)
}

// Config controls the engine.
type Config struct {
	Workers        int
	QueueSize      int
	SLABudget      time.Duration
	Deadline       time.Duration
	ReaperInterval time.Duration
	PublishTimeout time.Duration
	EventQueue     int

	FeedbackMinSamples int

	Scheduler  scheduler.Config
	Escalation escalation.Config
	Planner    planner.Config
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Workers:            8,
		QueueSize:          1024,
		SLABudget:          containment.DefaultSLABudget,
		Deadline:           3 * containment.DefaultSLABudget,
		ReaperInterval:     5 * time.Second,
		PublishTimeout:     5 * time.Second,
		EventQueue:         4096,
		FeedbackMinSamples: 3,
		Scheduler:          scheduler.DefaultConfig(),
		Escalation:         escalation.DefaultConfig(),
		Planner:            planner.DefaultConfig(),
	}
}

// Deps are the collaborators injected into the engine. Registry, Invoker
// and Store are required.
type Deps struct {
	Registry  *tools.Registry
	Invoker   scheduler.Invoker
	Store     *store.Store
	Catalog   *actions.Catalog
	Feedback  *scoring.Feedback
	Metrics   *metrics.Metrics
	Publisher Publisher
	History   HistorySource
	Logger    *slog.Logger
}

// Engine runs incident responses. All exported methods are safe for
// concurrent use.
type Engine struct {
	config     Config
	registry   *tools.Registry
	store      *store.Store
	planner    *planner.Generator
	scheduler  *scheduler.Scheduler
	escalation *escalation.Manager
	scorer     *scoring.Scorer
	feedback   *scoring.Feedback
	validator  *model.Validator
	metrics    *metrics.Metrics
	publisher  Publisher
	history    HistorySource
	logger     *slog.Logger
	now        func() time.Time

	intake *queue.RingBuffer[model.IncidentContext]
	events *queue.RingBuffer[kafka.Event]

	activeMu sync.Mutex
	active   map[string]struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	started  atomic.Bool
	stopped  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	workers  sync.WaitGroup
	bg       sync.WaitGroup
}

// New wires an engine from its collaborators.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Registry == nil || deps.Invoker == nil || deps.Store == nil {
		return nil, fmt.Errorf("orchestrator: registry, invoker and store are required")
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.SLABudget <= 0 {
		cfg.SLABudget = def.SLABudget
	}
	if cfg.Deadline < cfg.SLABudget {
		cfg.Deadline = 3 * cfg.SLABudget
	}
	if cfg.ReaperInterval <= 0 {
		cfg.ReaperInterval = def.ReaperInterval
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = def.PublishTimeout
	}
	if cfg.EventQueue <= 0 {
		cfg.EventQueue = def.EventQueue
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	catalog := deps.Catalog
	if catalog == nil {
		catalog = actions.NewCatalog()
	}
	feedback := deps.Feedback
	if feedback == nil {
		feedback = scoring.NewFeedback(cfg.FeedbackMinSamples)
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.New(false)
	}

	gen := planner.New(catalog, deps.Registry, feedback, cfg.Planner)
	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		config:     cfg,
		registry:   deps.Registry,
		store:      deps.Store,
		planner:    gen,
		scheduler:  scheduler.New(deps.Registry, deps.Invoker, cfg.Scheduler, logger.With("component", "scheduler")),
		escalation: escalation.NewManager(gen, cfg.Escalation, logger.With("component", "escalation")),
		scorer:     scoring.NewScorer(scoring.Config{SLABudget: cfg.SLABudget, Deadline: cfg.Deadline}),
		feedback:   feedback,
		validator:  model.NewValidator(),
		metrics:    m,
		publisher:  deps.Publisher,
		history:    deps.History,
		logger:     logger,
		now:        time.Now,
		intake:     queue.NewRingBuffer[model.IncidentContext](cfg.QueueSize),
		events:     queue.NewRingBuffer[kafka.Event](cfg.EventQueue),
		active:     make(map[string]struct{}),
		ctx:        ctx,
		cancel:     cancel,
		stopCh:     make(chan struct{}),
	}
	return e, nil
}

// Start launches the intake workers, the deadline reaper and the event
// publisher.
func (e *Engine) Start() {
	if !e.started.CompareAndSwap(false, true) {
		return
	}
	for i := 0; i < e.config.Workers; i++ {
		e.workers.Add(1)
		go e.worker()
	}

	e.bg.Add(1)
	go e.reapLoop()

	if e.publisher != nil {
		e.bg.Add(1)
		go e.publishLoop()
	}

	e.logger.Info("orchestrator started",
		"workers", e.config.Workers,
		"sla_budget", e.config.SLABudget,
		"deadline", e.config.Deadline,
		"max_rounds", e.escalation.MaxRounds(),
	)
}

// Stop rejects new submissions, lets workers drain the intake queue and
// flushes pending events. Responses still running when ctx expires are
// cancelled.
func (e *Engine) Stop(ctx context.Context) error {
	e.stopOnce.Do(func() {
		e.stopped.Store(true)
		close(e.stopCh)
		e.intake.Close()
	})

	done := make(chan struct{})
	go func() {
		e.workers.Wait()
		e.events.Close()
		e.bg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.cancel()
		e.logger.Info("orchestrator stopped")
		return nil
	case <-ctx.Done():
		e.cancel()
		<-done
		return ctx.Err()
	}
}

func (e *Engine) worker() {
	defer e.workers.Done()
	for {
		ic, err := e.intake.PopBlocking()
		if errors.Is(err, queue.ErrQueueClosed) {
			return
		}
		if err != nil {
			continue
		}
		e.metrics.QueueDepth(e.intake.Len())

		if _, err := e.RespondToIncident(e.ctx, ic, true); err != nil {
			e.logger.Error("queued response failed",
				"incident_id", ic.IncidentID,
				"error", err,
			)
		}
	}
}

// Submit queues an incident for automatic response. Known incidents are
// rejected with store.ErrIncidentExists.
func (e *Engine) Submit(ctx context.Context, ic model.IncidentContext) error {
	if e.stopped.Load() {
		return ErrEngineStopped
	}
	if err := e.validator.ValidateContext(&ic); err != nil {
		return err
	}
	if _, err := e.store.Get(ic.IncidentID); err == nil {
		return fmt.Errorf("%w: %s", store.ErrIncidentExists, ic.IncidentID)
	}
	if err := e.intake.Push(ic.Clone()); err != nil {
		if errors.Is(err, queue.ErrQueueClosed) {
			return ErrEngineStopped
		}
		return fmt.Errorf("%w: %v", ErrQueueFull, err)
	}
	e.metrics.QueueDepth(e.intake.Len())
	e.logger.Debug("incident queued", "incident_id", ic.IncidentID, "depth", e.intake.Len())
	return nil
}

func (e *Engine) reapLoop() {
	defer e.bg.Done()
	ticker := time.NewTicker(e.config.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			if n := e.Reap(e.ctx); n > 0 {
				e.logger.Warn("force-closed responses past deadline", "count", n)
			}
		}
	}
}

// Reap force-closes uncontained responses past the incident deadline that
// no run is currently driving. It returns the number closed.
func (e *Engine) Reap(ctx context.Context) int {
	now := e.now()
	closed := 0
	for _, r := range e.store.List(store.Filter{OpenOnly: true}) {
		if r.Status == model.StatusContained || r.Status == model.StatusResolved {
			continue
		}
		if now.Before(e.deadline(r)) || e.isActive(r.IncidentID) {
			continue
		}
		if _, err := e.finish(r.IncidentID, "deadline exceeded", true); err != nil {
			e.logger.Debug("reaper skipped response", "incident_id", r.IncidentID, "error", err)
			continue
		}
		closed++
	}
	return closed
}

// deadline is when an uncontained response gets force-closed. It counts
// from detection, or from when the response was created for incidents
// that reached the engine late. The SLA budget always counts from
// detection.
func (e *Engine) deadline(r *model.IncidentResponse) time.Time {
	start := r.Context.DetectionTime
	if r.CreatedAt.After(start) {
		start = r.CreatedAt
	}
	return start.Add(e.config.Deadline)
}

func (e *Engine) markActive(id string) bool {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	if _, ok := e.active[id]; ok {
		return false
	}
	e.active[id] = struct{}{}
	return true
}

func (e *Engine) clearActive(id string) {
	e.activeMu.Lock()
	delete(e.active, id)
	e.activeMu.Unlock()
}

func (e *Engine) isActive(id string) bool {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	_, ok := e.active[id]
	return ok
}

// GetIncidentStatus returns a snapshot of the response.
func (e *Engine) GetIncidentStatus(incidentID string) (*model.IncidentResponse, error) {
	return e.store.Get(incidentID)
}

// GetResponseAnalytics aggregates in-memory responses of tenantID.
func (e *Engine) GetResponseAnalytics(tenantID string, p analytics.Period) analytics.Analytics {
	responses := e.store.List(store.Filter{TenantID: tenantID})
	return analytics.Compute(responses, tenantID, p, e.config.SLABudget)
}

// GetHistoricalAnalytics aggregates persisted responses, including ones
// already evicted from memory.
func (e *Engine) GetHistoricalAnalytics(ctx context.Context, tenantID string, p analytics.Period) (analytics.Analytics, error) {
	if e.history == nil {
		return analytics.Analytics{}, ErrHistoryUnavailable
	}
	return e.history.Compute(ctx, tenantID, p, e.config.SLABudget)
}

// Planner exposes the plan generator for dry runs.
func (e *Engine) Planner() *planner.Generator { return e.planner }

// Stats returns engine counters for health reporting.
func (e *Engine) Stats() map[string]any {
	e.activeMu.Lock()
	running := len(e.active)
	e.activeMu.Unlock()

	st := e.store.Stats()
	return map[string]any{
		"responses":      st.Responses,
		"by_status":      st.ByStatus,
		"running":        running,
		"queue_depth":    e.intake.Len(),
		"queue_capacity": e.intake.Cap(),
		"tools":          len(e.registry.List()),
		"max_rounds":     e.escalation.MaxRounds(),
	}
}
