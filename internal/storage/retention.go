package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetentionConfig holds TTLs for the history tables.
type RetentionConfig struct {
	ResponsesTTL  time.Duration `yaml:"responses_ttl"`
	ExecutionsTTL time.Duration `yaml:"executions_ttl"`
	QuarantineTTL time.Duration `yaml:"quarantine_ttl"`
}

// DefaultRetentionConfig keeps history for a year and rejects for a month.
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		ResponsesTTL:  365 * 24 * time.Hour,
		ExecutionsTTL: 365 * 24 * time.Hour,
		QuarantineTTL: 30 * 24 * time.Hour,
	}
}

type tablePolicy struct {
	table  string
	column string
	ttl    time.Duration
}

// RetentionManager applies retention policies to the history tables.
type RetentionManager struct {
	client *ClickHouseClient
	config RetentionConfig
	logger *slog.Logger
}

// NewRetentionManager creates a new retention manager.
func NewRetentionManager(client *ClickHouseClient, cfg RetentionConfig, logger *slog.Logger) *RetentionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetentionManager{client: client, config: cfg, logger: logger}
}

func (r *RetentionManager) policies() []tablePolicy {
	return []tablePolicy{
		{"ir_responses", "detection_time", r.config.ResponsesTTL},
		{"ir_executions", "start_time", r.config.ExecutionsTTL},
		{"ir_quarantine", "received_at", r.config.QuarantineTTL},
	}
}

// ttlStatement renders the ALTER for one policy, or "" when disabled.
func ttlStatement(p tablePolicy) string {
	if p.ttl <= 0 {
		return ""
	}
	days := int(p.ttl.Hours() / 24)
	if days < 1 {
		days = 1
	}
	return fmt.Sprintf("ALTER TABLE %s MODIFY TTL toDateTime(%s) + INTERVAL %d DAY DELETE",
		sanitizeTableName(p.table), sanitizeTableName(p.column), days)
}

// ApplyTTLs updates table TTLs. Call after migrations; failures are logged
// and do not stop startup.
func (r *RetentionManager) ApplyTTLs(ctx context.Context) error {
	for _, p := range r.policies() {
		stmt := ttlStatement(p)
		if stmt == "" {
			continue
		}
		if err := r.client.Exec(ctx, stmt); err != nil {
			r.logger.Warn("failed to apply TTL policy", "table", p.table, "error", err)
			continue
		}
		r.logger.Info("applied retention policy", "table", p.table, "ttl", p.ttl.String())
	}
	return nil
}

// sanitizeTableName keeps only identifier characters.
func sanitizeTableName(name string) string {
	var result []byte
	for _, b := range []byte(name) {
		if (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') ||
			(b >= '0' && b <= '9') || b == '_' {
			result = append(result, b)
		}
	}
	return string(result)
}
