package kafka

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"ir-orchestrator/internal/model"
)

// EventType names a response lifecycle event.
type EventType string

const (
	EventResponseStarted   EventType = "response.started"
	EventPlanGenerated     EventType = "plan.generated"
	EventExecutionFinished EventType = "execution.finished"
	EventContained         EventType = "response.contained"
	EventEscalated         EventType = "response.escalated"
	EventSLAViolated       EventType = "sla.violated"
	EventResolved          EventType = "response.resolved"
	EventClosed            EventType = "response.closed"
)

// Event is one lifecycle notification, keyed by incident id so that all
// events of an incident land on the same partition in order.
type Event struct {
	ID         string               `json:"id"`
	Type       EventType            `json:"type"`
	IncidentID string               `json:"incident_id"`
	TenantID   string               `json:"tenant_id"`
	Status     model.ResponseStatus `json:"status"`
	Severity   model.Severity       `json:"severity"`
	Timestamp  time.Time            `json:"timestamp"`
	Data       map[string]any       `json:"data,omitempty"`
}

// NewEvent builds an event from the current state of r.
func NewEvent(t EventType, r *model.IncidentResponse, data map[string]any) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       t,
		IncidentID: r.IncidentID,
		TenantID:   r.TenantID,
		Status:     r.Status,
		Severity:   r.Severity,
		Timestamp:  time.Now().UTC(),
		Data:       data,
	}
}

// EventPublisher writes events to the events topic.
type EventPublisher struct {
	producer *Producer
	logger   *slog.Logger
}

// NewEventPublisher creates a publisher on config.EventsTopic.
func NewEventPublisher(config *Config, logger *slog.Logger) (*EventPublisher, error) {
	p, err := NewProducer(config, config.EventsTopic, logger)
	if err != nil {
		return nil, err
	}
	return &EventPublisher{producer: p, logger: p.logger}, nil
}

// Publish sends ev with its type and tenant as headers.
func (p *EventPublisher) Publish(ctx context.Context, ev Event) error {
	return p.producer.ProduceJSON(ctx, ev.IncidentID, ev,
		kafka.Header{Key: "event_type", Value: []byte(ev.Type)},
		kafka.Header{Key: "tenant_id", Value: []byte(ev.TenantID)},
	)
}

// Metrics returns the underlying producer metrics.
func (p *EventPublisher) Metrics() Metrics {
	return p.producer.GetMetrics()
}

// Close flushes and closes the producer.
func (p *EventPublisher) Close() error {
	return p.producer.Close()
}
