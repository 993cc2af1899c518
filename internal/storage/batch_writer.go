package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"ir-orchestrator/internal/model"
)

// BatchWriterConfig holds configuration for the history batch writer.
type BatchWriterConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// DefaultBatchWriterConfig returns the default batch writer configuration.
func DefaultBatchWriterConfig() BatchWriterConfig {
	return BatchWriterConfig{
		BatchSize:     200,
		FlushInterval: 5 * time.Second,
		MaxRetries:    3,
		RetryDelay:    time.Second,
	}
}

// BatchWriter buffers response snapshots and writes them, with their
// executions, to the ClickHouse history tables.
type BatchWriter struct {
	client *ClickHouseClient
	config BatchWriterConfig
	logger *slog.Logger

	buffer []*model.IncidentResponse
	mu     sync.Mutex

	flushTimer *time.Timer
	closed     bool

	totalWritten uint64
	totalFailed  uint64
	batchCount   uint64
}

// NewBatchWriter creates a BatchWriter and starts its flush timer.
func NewBatchWriter(client *ClickHouseClient, cfg BatchWriterConfig, logger *slog.Logger) *BatchWriter {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchWriterConfig().BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultBatchWriterConfig().FlushInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	bw := &BatchWriter{
		client: client,
		config: cfg,
		logger: logger,
		buffer: make([]*model.IncidentResponse, 0, cfg.BatchSize),
	}
	bw.flushTimer = time.AfterFunc(cfg.FlushInterval, bw.timerFlush)
	return bw
}

// Name identifies the writer in logs.
func (bw *BatchWriter) Name() string { return "clickhouse" }

// Save queues a snapshot. It satisfies the store persister contract; the
// write happens on the next flush.
func (bw *BatchWriter) Save(_ context.Context, r *model.IncidentResponse) error {
	return bw.Write(r)
}

// Delete is a no-op: history rows outlive the live store.
func (bw *BatchWriter) Delete(context.Context, string) error { return nil }

// Write adds a response snapshot to the batch.
func (bw *BatchWriter) Write(r *model.IncidentResponse) error {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if bw.closed {
		return &StorageError{Op: "Write", Table: "ir_responses", Err: ErrClosed}
	}

	bw.buffer = append(bw.buffer, r.Clone())
	if len(bw.buffer) >= bw.config.BatchSize {
		return bw.flushLocked()
	}
	return nil
}

func (bw *BatchWriter) timerFlush() {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if bw.closed {
		return
	}
	if err := bw.flushLocked(); err != nil {
		bw.logger.Error("timer flush failed", "error", err)
	}
	bw.flushTimer.Reset(bw.config.FlushInterval)
}

// flushLocked writes the buffer. Caller must hold the lock.
func (bw *BatchWriter) flushLocked() error {
	if len(bw.buffer) == 0 {
		return nil
	}

	responses := bw.buffer
	bw.buffer = make([]*model.IncidentResponse, 0, bw.config.BatchSize)

	var lastErr error
	for attempt := 0; attempt <= bw.config.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(bw.config.RetryDelay * time.Duration(attempt))
		}
		if err := bw.insert(responses); err != nil {
			lastErr = err
			bw.logger.Warn("history insert failed, retrying",
				"attempt", attempt+1,
				"max_retries", bw.config.MaxRetries,
				"error", err,
			)
			continue
		}
		atomic.AddUint64(&bw.totalWritten, uint64(len(responses)))
		atomic.AddUint64(&bw.batchCount, 1)
		return nil
	}

	atomic.AddUint64(&bw.totalFailed, uint64(len(responses)))
	return &StorageError{
		Op:    "Flush",
		Table: "ir_responses",
		Err:   fmt.Errorf("%w after %d retries: %v", ErrBatchInsertFailed, bw.config.MaxRetries, lastErr),
	}
}

func (bw *BatchWriter) insert(responses []*model.IncidentResponse) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	batch, err := bw.client.PrepareBatch(ctx, `
		INSERT INTO ir_responses (
			incident_id, tenant_id, threat_type, severity, final_severity, status,
			detection_time, created_at, updated_at, containment_ms, contained,
			sla_violated, no_viable_plan, escalation_rounds, effectiveness_score,
			execution_count, closed_reason
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare response batch: %w", err)
	}
	for _, r := range responses {
		score := 0.0
		if r.EffectivenessScore != nil {
			score = *r.EffectivenessScore
		}
		if err := batch.Append(
			r.IncidentID,
			r.TenantID,
			r.Context.ThreatType,
			string(r.Context.Severity),
			string(r.Severity),
			string(r.Status),
			r.Context.DetectionTime,
			r.CreatedAt,
			r.UpdatedAt,
			r.ContainmentTimeMs(),
			boolToUint8(r.ContainedAt != nil),
			boolToUint8(r.SLAViolated),
			boolToUint8(r.NoViablePlan),
			uint8(r.EscalationRounds()),
			score,
			uint32(len(r.Executions)),
			r.ClosedReason,
		); err != nil {
			return fmt.Errorf("failed to append response: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send response batch: %w", err)
	}

	execBatch, err := bw.client.PrepareBatch(ctx, `
		INSERT INTO ir_executions (
			execution_id, incident_id, tenant_id, action, tool_id, status,
			start_time, end_time, elapsed_ms, attempts, round, executed_by, error
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare execution batch: %w", err)
	}
	for _, r := range responses {
		for i := range r.Executions {
			e := &r.Executions[i]
			id, err := uuid.Parse(e.ID)
			if err != nil {
				id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(e.ID))
			}
			if err := execBatch.Append(
				id,
				r.IncidentID,
				r.TenantID,
				string(e.Action.Kind),
				e.Action.ToolID,
				string(e.Status),
				e.StartTime,
				e.EndTime,
				e.Elapsed.Milliseconds(),
				uint8(e.Attempts),
				uint8(e.Round),
				e.ExecutedBy,
				e.Error,
			); err != nil {
				return fmt.Errorf("failed to append execution: %w", err)
			}
		}
	}
	if err := execBatch.Send(); err != nil {
		return fmt.Errorf("failed to send execution batch: %w", err)
	}

	bw.logger.Debug("history batch inserted", "responses", len(responses))
	return nil
}

func boolToUint8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

// Flush forces a flush of the current buffer.
func (bw *BatchWriter) Flush() error {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return bw.flushLocked()
}

// Close stops the timer and flushes what is left.
func (bw *BatchWriter) Close() error {
	bw.mu.Lock()
	if bw.closed {
		bw.mu.Unlock()
		return nil
	}
	bw.closed = true
	bw.flushTimer.Stop()
	err := bw.flushLocked()
	bw.mu.Unlock()
	return err
}

// Metrics returns batch writer statistics.
func (bw *BatchWriter) Metrics() BatchWriterMetrics {
	bw.mu.Lock()
	pending := len(bw.buffer)
	bw.mu.Unlock()
	return BatchWriterMetrics{
		Written: atomic.LoadUint64(&bw.totalWritten),
		Failed:  atomic.LoadUint64(&bw.totalFailed),
		Batches: atomic.LoadUint64(&bw.batchCount),
		Pending: pending,
	}
}

// BatchWriterMetrics holds batch writer statistics.
type BatchWriterMetrics struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Batches uint64 `json:"batches"`
	Pending int    `json:"pending"`
}
