package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// QuarantineEntry is an inbound incident payload that failed validation.
type QuarantineEntry struct {
	Source           string // "kafka", "cli"
	Payload          string
	ValidationErrors []string
	ErrorCode        string // "decode", "invalid_context", "duplicate"
}

// QuarantinedIncident is a stored quarantine row.
type QuarantinedIncident struct {
	QuarantineID     uuid.UUID
	ReceivedAt       time.Time
	Source           string
	Payload          string
	ValidationErrors []string
	ErrorCode        string
}

// QuarantineWriter stores rejected incident payloads for later review.
type QuarantineWriter struct {
	client *ClickHouseClient
}

// NewQuarantineWriter creates a QuarantineWriter.
func NewQuarantineWriter(client *ClickHouseClient) *QuarantineWriter {
	return &QuarantineWriter{client: client}
}

// Write stores a single rejected payload.
func (qw *QuarantineWriter) Write(ctx context.Context, entry *QuarantineEntry) error {
	err := qw.client.Exec(ctx, `
		INSERT INTO ir_quarantine (
			quarantine_id, source, payload, validation_errors, error_code
		) VALUES (?, ?, ?, ?, ?)
	`,
		uuid.New(),
		entry.Source,
		entry.Payload,
		entry.ValidationErrors,
		entry.ErrorCode,
	)
	if err != nil {
		return WrapQueryError("Write", "ir_quarantine", err)
	}
	return nil
}

// Recent returns the newest quarantined payloads.
func (qw *QuarantineWriter) Recent(ctx context.Context, limit int) ([]QuarantinedIncident, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := qw.client.Query(ctx, `
		SELECT quarantine_id, received_at, source, payload, validation_errors, error_code
		FROM ir_quarantine
		ORDER BY received_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, WrapQueryError("Recent", "ir_quarantine", err)
	}
	defer rows.Close()

	var out []QuarantinedIncident
	for rows.Next() {
		var q QuarantinedIncident
		if err := rows.Scan(&q.QuarantineID, &q.ReceivedAt, &q.Source, &q.Payload, &q.ValidationErrors, &q.ErrorCode); err != nil {
			return nil, fmt.Errorf("failed to scan quarantine row: %w", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}
