package analytics

import (
	"context"
	"fmt"
	"time"

	"ir-orchestrator/internal/model"
	"ir-orchestrator/internal/storage"
)

// History answers analytics queries over the ClickHouse response history,
// which outlives the in-memory store's retention window.
type History struct {
	client *storage.ClickHouseClient
}

// NewHistory creates a history reader.
func NewHistory(client *storage.ClickHouseClient) *History {
	return &History{client: client}
}

var (
	minTime = time.Unix(0, 0).UTC()
	maxTime = time.Date(2200, 1, 1, 0, 0, 0, 0, time.UTC)
)

func bounds(p Period) (time.Time, time.Time) {
	start, end := p.Start, p.End
	if start.IsZero() {
		start = minTime
	}
	if end.IsZero() {
		end = maxTime
	}
	return start, end
}

const summaryQuery = `
	SELECT
		count() AS total,
		countIf(contained = 1) AS contained,
		countIf(contained = 1 AND containment_ms <= ?) AS fast,
		countIf(sla_violated = 1) AS violations,
		countIf(escalation_rounds > 0) AS escalated,
		countIf(no_viable_plan = 1) AS no_plan,
		ifNotFinite(avgIf(containment_ms, contained = 1), 0) AS avg_ms,
		ifNotFinite(quantileIf(0.5)(containment_ms, contained = 1), 0) AS p50_ms,
		ifNotFinite(quantileIf(0.95)(containment_ms, contained = 1), 0) AS p95_ms
	FROM ir_responses FINAL
	WHERE (? = '' OR tenant_id = ?)
		AND detection_time >= ? AND detection_time < ?
`

const severityQuery = `
	SELECT severity, count() AS cnt
	FROM ir_responses FINAL
	WHERE (? = '' OR tenant_id = ?)
		AND detection_time >= ? AND detection_time < ?
	GROUP BY severity
`

// rateQuery is formatted with the grouping column.
const rateQuery = `
	SELECT %s AS key,
		countIf(status = 'completed') AS succeeded,
		countIf(status IN ('completed', 'failed')) AS attempts
	FROM ir_executions FINAL
	WHERE (? = '' OR tenant_id = ?)
		AND start_time >= ? AND start_time < ?
	GROUP BY key
`

// Compute runs the aggregate queries and returns the same shape as the
// in-memory Compute.
func (h *History) Compute(ctx context.Context, tenantID string, p Period, budget time.Duration) (Analytics, error) {
	start, end := bounds(p)
	a := Analytics{
		TenantID:             tenantID,
		Period:               p,
		SeverityDistribution: make(map[model.Severity]int),
		StatusDistribution:   make(map[model.ResponseStatus]int),
		ToolSuccessRate:      make(map[string]RateStat),
		ActionSuccessRate:    make(map[model.ActionKind]RateStat),
	}

	if err := h.summary(ctx, &a, tenantID, start, end, budget); err != nil {
		return a, err
	}
	if err := h.severities(ctx, &a, tenantID, start, end); err != nil {
		return a, err
	}

	tools, err := h.rates(ctx, "tool_id", tenantID, start, end)
	if err != nil {
		return a, err
	}
	for k, v := range tools {
		a.ToolSuccessRate[k] = v
	}
	acts, err := h.rates(ctx, "action", tenantID, start, end)
	if err != nil {
		return a, err
	}
	for k, v := range acts {
		a.ActionSuccessRate[model.ActionKind(k)] = v
	}
	return a, nil
}

func (h *History) summary(ctx context.Context, a *Analytics, tenantID string, start, end time.Time, budget time.Duration) error {
	rows, err := h.client.Query(ctx, summaryQuery, budget.Milliseconds(), tenantID, tenantID, start, end)
	if err != nil {
		return fmt.Errorf("analytics: summary query failed: %w", err)
	}
	defer rows.Close()

	if rows.Next() {
		var total, contained, fast, violations, escalated, noPlan uint64
		var avg, p50, p95 float64
		if err := rows.Scan(&total, &contained, &fast, &violations, &escalated, &noPlan, &avg, &p50, &p95); err != nil {
			return fmt.Errorf("analytics: scan summary: %w", err)
		}
		a.TotalIncidents = int(total)
		a.ContainedIncidents = int(contained)
		a.FastContained = int(fast)
		a.SLAViolations = int(violations)
		a.EscalatedIncidents = int(escalated)
		a.NoViablePlan = int(noPlan)
		a.AvgContainmentTimeMs = avg
		a.P50ContainmentTimeMs = p50
		a.P95ContainmentTimeMs = p95
		if total > 0 {
			a.ContainmentRate = float64(contained) / float64(total)
			a.FastContainmentRate = float64(fast) / float64(total)
		}
	}
	return rows.Err()
}

func (h *History) severities(ctx context.Context, a *Analytics, tenantID string, start, end time.Time) error {
	rows, err := h.client.Query(ctx, severityQuery, tenantID, tenantID, start, end)
	if err != nil {
		return fmt.Errorf("analytics: severity query failed: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var sev string
		var cnt uint64
		if err := rows.Scan(&sev, &cnt); err != nil {
			return fmt.Errorf("analytics: scan severity: %w", err)
		}
		a.SeverityDistribution[model.Severity(sev)] = int(cnt)
	}
	return rows.Err()
}

func (h *History) rates(ctx context.Context, column, tenantID string, start, end time.Time) (map[string]RateStat, error) {
	rows, err := h.client.Query(ctx, fmt.Sprintf(rateQuery, column), tenantID, tenantID, start, end)
	if err != nil {
		return nil, fmt.Errorf("analytics: %s rate query failed: %w", column, err)
	}
	defer rows.Close()

	out := make(map[string]RateStat)
	for rows.Next() {
		var key string
		var succeeded, attempts uint64
		if err := rows.Scan(&key, &succeeded, &attempts); err != nil {
			return nil, fmt.Errorf("analytics: scan %s rate: %w", column, err)
		}
		rs := RateStat{Attempts: int(attempts), Succeeded: int(succeeded)}
		rs.finish()
		out[key] = rs
	}
	return out, rows.Err()
}
