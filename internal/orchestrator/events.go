package orchestrator

import (
	"context"

	"ir-orchestrator/internal/kafka"
	"ir-orchestrator/internal/model"
)

// emit queues an event for the publisher. Events are dropped when no
// publisher is configured or the queue is full.
func (e *Engine) emit(t kafka.EventType, r *model.IncidentResponse, data map[string]any) {
	if e.publisher == nil || r == nil {
		return
	}
	if err := e.events.Push(kafka.NewEvent(t, r, data)); err != nil {
		e.logger.Warn("lifecycle event dropped",
			"incident_id", r.IncidentID,
			"type", t,
			"error", err,
		)
	}
}

func (e *Engine) publishLoop() {
	defer e.bg.Done()
	for {
		ev, err := e.events.PopBlocking()
		if err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), e.config.PublishTimeout)
		if err := e.publisher.Publish(ctx, ev); err != nil {
			e.logger.Warn("lifecycle event not published",
				"incident_id", ev.IncidentID,
				"type", ev.Type,
				"error", err,
			)
		}
		cancel()
	}
}
