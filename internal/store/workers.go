package store

import (
	"context"
	"errors"
	"time"

	"ir-orchestrator/internal/model"
	"ir-orchestrator/internal/queue"
)

// Start launches the mirror worker and the retention sweeper.
func (s *Store) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}

	s.wg.Add(1)
	go s.mirrorLoop()

	if s.config.Retention > 0 {
		s.wg.Add(1)
		go s.sweepLoop()
	}
}

// Stop stops the sweeper, drains pending snapshots and waits for workers.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.mirror.Close()
	})
	s.wg.Wait()
}

func (s *Store) enqueue(r *model.IncidentResponse) {
	if len(s.persisters) == 0 {
		return
	}
	if err := s.mirror.Push(r); err != nil {
		s.logger.Warn("snapshot mirror queue rejected response",
			"incident_id", r.IncidentID, "error", err)
	}
}

func (s *Store) mirrorLoop() {
	defer s.wg.Done()
	for {
		r, err := s.mirror.PopBlocking()
		if errors.Is(err, queue.ErrQueueClosed) {
			return
		}
		if err != nil {
			continue
		}
		s.persist(r)
	}
}

func (s *Store) persist(r *model.IncidentResponse) {
	for _, p := range s.persisters {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.MirrorTimeout)
		err := p.Save(ctx, r)
		cancel()
		if err != nil {
			s.mirrorErrors.Add(1)
			s.logger.Error("failed to mirror response",
				"persister", p.Name(),
				"incident_id", r.IncidentID,
				"error", err)
			continue
		}
		s.mirrored.Add(1)
	}
}

func (s *Store) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.config.SweepInterval)
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("retention sweep failed", "error", err)
			}
			cancel()
		}
	}
}

// Sweep evicts closed responses whose close time is older than the
// retention window. With an archiver configured the batch is archived
// first and also removed from the persisters; a failed archive evicts
// nothing.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	if s.config.Retention <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-s.config.Retention)

	var expired []*model.IncidentResponse
	for _, r := range s.List(Filter{Status: model.StatusClosed}) {
		if r.ClosedAt != nil && r.ClosedAt.Before(cutoff) {
			expired = append(expired, r)
		}
	}
	if len(expired) == 0 {
		return 0, nil
	}

	if s.archiver != nil {
		id, err := s.archiver.ArchiveResponses(ctx, expired)
		if err != nil {
			return 0, err
		}
		s.archived.Add(uint64(len(expired)))
		s.logger.Info("archived closed responses", "archive_id", id, "count", len(expired))
	}

	for _, r := range expired {
		s.mu.Lock()
		delete(s.entries, r.IncidentID)
		s.mu.Unlock()
		s.evicted.Add(1)

		if s.archiver == nil {
			continue
		}
		for _, p := range s.persisters {
			if err := p.Delete(ctx, r.IncidentID); err != nil {
				s.logger.Warn("failed to delete archived response",
					"persister", p.Name(), "incident_id", r.IncidentID, "error", err)
			}
		}
	}
	return len(expired), nil
}

// Flush persists queued snapshots synchronously. Used when the mirror
// worker is not running.
func (s *Store) Flush() {
	for {
		r, err := s.mirror.Pop()
		if err != nil {
			return
		}
		s.persist(r)
	}
}
