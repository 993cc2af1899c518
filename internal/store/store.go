// Package store keeps incident responses in memory with per-incident
// locking, mirrors snapshots to external persisters and sweeps closed
// responses into the archive.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"ir-orchestrator/internal/model"
	"ir-orchestrator/internal/queue"
)

var (
	ErrIncidentNotFound = errors.New("store: incident not found")
	ErrIncidentExists   = errors.New("store: incident already exists")
	ErrIncidentClosed   = errors.New("store: incident is closed")
	ErrStatusConflict   = errors.New("store: status changed concurrently")
)

// Persister receives snapshots of every committed change.
type Persister interface {
	Name() string
	Save(ctx context.Context, r *model.IncidentResponse) error
	Delete(ctx context.Context, incidentID string) error
}

// Loader returns previously persisted snapshots.
type Loader interface {
	Load(ctx context.Context) ([]*model.IncidentResponse, error)
}

// Archiver stores closed responses before they are evicted.
type Archiver interface {
	ArchiveResponses(ctx context.Context, responses []*model.IncidentResponse) (string, error)
}

// Config controls mirroring and retention.
type Config struct {
	Retention     time.Duration `yaml:"retention"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	MirrorQueue   int           `yaml:"mirror_queue"`
	MirrorTimeout time.Duration `yaml:"mirror_timeout"`
}

// DefaultConfig returns the store defaults.
func DefaultConfig() Config {
	return Config{
		Retention:     30 * 24 * time.Hour,
		SweepInterval: time.Hour,
		MirrorQueue:   1024,
		MirrorTimeout: 5 * time.Second,
	}
}

// Filter selects responses for List. Zero fields match everything.
type Filter struct {
	TenantID string
	Since    time.Time
	Until    time.Time
	Status   model.ResponseStatus
	OpenOnly bool
}

func (f *Filter) matches(r *model.IncidentResponse) bool {
	if f.TenantID != "" && r.TenantID != f.TenantID {
		return false
	}
	dt := r.Context.DetectionTime
	if !f.Since.IsZero() && dt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && dt.After(f.Until) {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.OpenOnly && !r.Status.IsOpen() {
		return false
	}
	return true
}

type entry struct {
	mu sync.Mutex
	r  *model.IncidentResponse
}

// Stats is a snapshot of store counters.
type Stats struct {
	Responses    int
	ByStatus     map[model.ResponseStatus]int
	Mirrored     uint64
	MirrorErrors uint64
	MirrorDrops  uint64
	Archived     uint64
	Evicted      uint64
}

// Store is the in-memory response store.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry

	config     Config
	logger     *slog.Logger
	persisters []Persister
	archiver   Archiver
	now        func() time.Time

	mirror   *queue.RingBuffer[*model.IncidentResponse]
	stopCh   chan struct{}
	wg       sync.WaitGroup
	started  atomic.Bool
	stopOnce sync.Once

	mirrored     atomic.Uint64
	mirrorErrors atomic.Uint64
	archived     atomic.Uint64
	evicted      atomic.Uint64
}

// New creates an empty store.
func New(cfg Config, logger *slog.Logger) *Store {
	def := DefaultConfig()
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.MirrorQueue <= 0 {
		cfg.MirrorQueue = def.MirrorQueue
	}
	if cfg.MirrorTimeout <= 0 {
		cfg.MirrorTimeout = def.MirrorTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		entries: make(map[string]*entry),
		config:  cfg,
		logger:  logger.With("component", "store"),
		now:     time.Now,
		mirror:  queue.NewRingBuffer[*model.IncidentResponse](cfg.MirrorQueue),
		stopCh:  make(chan struct{}),
	}
}

// AddPersister registers a snapshot mirror. Call before Start.
func (s *Store) AddPersister(p Persister) {
	s.persisters = append(s.persisters, p)
	s.logger.Info("added persister", "name", p.Name())
}

// SetArchiver registers the archive used by the retention sweeper.
func (s *Store) SetArchiver(a Archiver) {
	s.archiver = a
}

func (s *Store) lookup(id string) (*entry, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrIncidentNotFound, id)
	}
	return e, nil
}

// Create inserts a new response.
func (s *Store) Create(r *model.IncidentResponse) error {
	if r == nil || r.IncidentID == "" {
		return fmt.Errorf("store: response without incident id")
	}
	c := r.Clone()
	now := s.now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	s.mu.Lock()
	if _, ok := s.entries[c.IncidentID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrIncidentExists, c.IncidentID)
	}
	s.entries[c.IncidentID] = &entry{r: c}
	s.mu.Unlock()

	s.enqueue(c)
	return nil
}

// Get returns a copy of the response.
func (s *Store) Get(id string) (*model.IncidentResponse, error) {
	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.r.Clone(), nil
}

// Update applies fn to a working copy under the incident lock and commits
// it when fn succeeds. Status changes must be valid lifecycle transitions
// and containment time is never overwritten once set.
func (s *Store) Update(id string, fn func(r *model.IncidentResponse) error) (*model.IncidentResponse, error) {
	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.r
	if cur.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s", ErrIncidentClosed, id)
	}

	work := cur.Clone()
	if err := fn(work); err != nil {
		return nil, err
	}
	if work.Status != cur.Status {
		if err := model.ValidateTransition(cur.Status, work.Status); err != nil {
			return nil, err
		}
	}
	if cur.ContainedAt != nil {
		work.ContainedAt = cur.ContainedAt
		work.ContainmentTime = cur.ContainmentTime
	}
	work.IncidentID = cur.IncidentID
	work.UpdatedAt = s.now()

	e.r = work
	out := work.Clone()
	s.enqueue(out)
	return out, nil
}

// Transition moves the response from -> to only if it is still in from.
func (s *Store) Transition(id string, from, to model.ResponseStatus) (*model.IncidentResponse, error) {
	return s.Update(id, func(r *model.IncidentResponse) error {
		if r.Status != from {
			return fmt.Errorf("%w: %s is %s, expected %s", ErrStatusConflict, id, r.Status, from)
		}
		r.Status = to
		return nil
	})
}

// AppendExecutions adds executions to the response.
func (s *Store) AppendExecutions(id string, execs ...model.ResponseExecution) (*model.IncidentResponse, error) {
	return s.Update(id, func(r *model.IncidentResponse) error {
		for _, ex := range execs {
			ex.IncidentID = id
			r.Executions = append(r.Executions, ex.Clone())
		}
		return nil
	})
}

// List returns copies of matching responses ordered by detection time.
func (s *Store) List(f Filter) []*model.IncidentResponse {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	var out []*model.IncidentResponse
	for _, e := range entries {
		e.mu.Lock()
		if f.matches(e.r) {
			out = append(out, e.r.Clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].Context.DetectionTime, out[j].Context.DetectionTime
		if ti.Equal(tj) {
			return out[i].IncidentID < out[j].IncidentID
		}
		return ti.Before(tj)
	})
	return out
}

// Delete removes the response from memory.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		return fmt.Errorf("%w: %s", ErrIncidentNotFound, id)
	}
	delete(s.entries, id)
	return nil
}

// Restore loads snapshots from l. Incidents already in memory are kept.
func (s *Store) Restore(ctx context.Context, l Loader) (int, error) {
	snapshots, err := l.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("store: restore: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range snapshots {
		if r == nil || r.IncidentID == "" {
			continue
		}
		if _, ok := s.entries[r.IncidentID]; ok {
			continue
		}
		s.entries[r.IncidentID] = &entry{r: r.Clone()}
		n++
	}
	s.logger.Info("restored responses", "count", n)
	return n, nil
}

// Len returns the number of responses held in memory.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Stats returns store counters.
func (s *Store) Stats() Stats {
	st := Stats{ByStatus: make(map[model.ResponseStatus]int)}
	for _, r := range s.List(Filter{}) {
		st.Responses++
		st.ByStatus[r.Status]++
	}
	st.Mirrored = s.mirrored.Load()
	st.MirrorErrors = s.mirrorErrors.Load()
	st.MirrorDrops = s.mirror.Metrics().Dropped
	st.Archived = s.archived.Load()
	st.Evicted = s.evicted.Load()
	return st
}
