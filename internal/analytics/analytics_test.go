package analytics

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"ir-orchestrator/internal/model"
	"ir-orchestrator/internal/storage"
)

var base = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func response(id, tenant string, sev model.Severity, offset time.Duration, contain time.Duration, execs ...model.ResponseExecution) *model.IncidentResponse {
	r := &model.IncidentResponse{
		IncidentID: id,
		TenantID:   tenant,
		Context: model.IncidentContext{
			IncidentID:    id,
			TenantID:      tenant,
			Severity:      sev,
			DetectionTime: base.Add(offset),
		},
		Status:     model.StatusResponding,
		Severity:   sev,
		Executions: execs,
	}
	if contain >= 0 {
		r.ContainmentTime = &contain
		r.Status = model.StatusContained
	}
	return r
}

func exec(kind model.ActionKind, tool string, status model.ExecutionStatus) model.ResponseExecution {
	return model.ResponseExecution{Action: model.ResponseActionConfig{Kind: kind, ToolID: tool}, Status: status}
}

const notContained = -1

func TestFastContainmentRateIsExactRatio(t *testing.T) {
	tests := []struct {
		name     string
		contains []time.Duration
		wantK    int
	}{
		{"all fast", []time.Duration{time.Second, 59 * time.Second, 60 * time.Second}, 3},
		{"one slow", []time.Duration{time.Second, 61 * time.Second, 30 * time.Second}, 2},
		{"uncontained count in N", []time.Duration{time.Second, notContained, notContained, 45 * time.Second, 2 * time.Minute, time.Second, notContained}, 3},
		{"none contained", []time.Duration{notContained, notContained}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var rs []*model.IncidentResponse
			for i, c := range tt.contains {
				rs = append(rs, response(fmt.Sprint(i), "acme", model.SeverityHigh, time.Duration(i)*time.Minute, c))
			}
			a := Compute(rs, "", Period{}, 60*time.Second)
			want := float64(tt.wantK) / float64(len(tt.contains))
			if a.TotalIncidents != len(tt.contains) || a.FastContained != tt.wantK {
				t.Fatalf("N=%d K=%d, want N=%d K=%d", a.TotalIncidents, a.FastContained, len(tt.contains), tt.wantK)
			}
			if a.FastContainmentRate != want {
				t.Errorf("FastContainmentRate = %v, want exactly %v", a.FastContainmentRate, want)
			}
		})
	}
}

func TestComputeAggregates(t *testing.T) {
	rs := []*model.IncidentResponse{
		response("a", "acme", model.SeverityCritical, 0, 10*time.Second,
			exec(model.ActionIsolateHost, "edr-1", model.ExecutionCompleted),
			exec(model.ActionBlockIP, "fw-1", model.ExecutionFailed),
			exec(model.ActionDisableUser, "idp-1", model.ExecutionSkipped)),
		response("b", "acme", model.SeverityHigh, time.Hour, 30*time.Second,
			exec(model.ActionIsolateHost, "edr-1", model.ExecutionCompleted),
			exec(model.ActionBlockIP, "fw-1", model.ExecutionCompleted)),
		response("c", "acme", model.SeverityHigh, 2*time.Hour, notContained,
			exec(model.ActionIsolateHost, "edr-1", model.ExecutionFailed)),
		response("d", "globex", model.SeverityLow, 0, time.Second),
	}
	rs[2].SLAViolated = true
	rs[2].Escalations = []model.EscalationRecord{{Round: 1}}
	score := 0.9
	rs[0].EffectivenessScore = &score

	a := Compute(rs, "acme", Period{}, time.Minute)

	if a.TotalIncidents != 3 || a.ContainedIncidents != 2 {
		t.Fatalf("total=%d contained=%d", a.TotalIncidents, a.ContainedIncidents)
	}
	if math.Abs(a.ContainmentRate-2.0/3.0) > 1e-12 {
		t.Errorf("ContainmentRate = %v", a.ContainmentRate)
	}
	if a.AvgContainmentTimeMs != 20000 {
		t.Errorf("AvgContainmentTimeMs = %v, want 20000", a.AvgContainmentTimeMs)
	}
	if a.P50ContainmentTimeMs != 10000 || a.P95ContainmentTimeMs != 30000 {
		t.Errorf("p50=%v p95=%v", a.P50ContainmentTimeMs, a.P95ContainmentTimeMs)
	}
	if a.SLAViolations != 1 || a.EscalatedIncidents != 1 {
		t.Errorf("violations=%d escalated=%d", a.SLAViolations, a.EscalatedIncidents)
	}
	if a.SeverityDistribution[model.SeverityHigh] != 2 || a.SeverityDistribution[model.SeverityCritical] != 1 {
		t.Errorf("severity distribution = %v", a.SeverityDistribution)
	}
	if a.AvgEffectiveness != 0.9 {
		t.Errorf("AvgEffectiveness = %v", a.AvgEffectiveness)
	}

	edr := a.ToolSuccessRate["edr-1"]
	if edr.Attempts != 3 || edr.Succeeded != 2 || math.Abs(edr.Rate-2.0/3.0) > 1e-12 {
		t.Errorf("edr-1 = %+v", edr)
	}
	if fw := a.ToolSuccessRate["fw-1"]; fw.Rate != 0.5 {
		t.Errorf("fw-1 = %+v", fw)
	}
	if idp := a.ToolSuccessRate["idp-1"]; idp.Attempts != 0 || idp.Rate != 0 {
		t.Errorf("skipped execution counted as attempt: %+v", idp)
	}
	if iso := a.ActionSuccessRate[model.ActionIsolateHost]; iso.Attempts != 3 || iso.Succeeded != 2 {
		t.Errorf("isolate_host = %+v", iso)
	}
}

func TestComputePeriodFilter(t *testing.T) {
	rs := []*model.IncidentResponse{
		response("a", "acme", model.SeverityHigh, -time.Hour, time.Second),
		response("b", "acme", model.SeverityHigh, 0, time.Second),
		response("c", "acme", model.SeverityHigh, time.Hour, time.Second),
	}
	a := Compute(rs, "", Period{Start: base, End: base.Add(time.Hour)}, time.Minute)
	if a.TotalIncidents != 1 {
		t.Errorf("TotalIncidents = %d, want 1 (start inclusive, end exclusive)", a.TotalIncidents)
	}
	if p := Last(time.Hour, base); !p.Contains(base.Add(-time.Minute)) || p.Contains(base) {
		t.Errorf("Last() bounds wrong: %+v", p)
	}
}

func TestComputeEmpty(t *testing.T) {
	a := Compute(nil, "acme", Period{}, time.Minute)
	if a.TotalIncidents != 0 || a.ContainmentRate != 0 || a.FastContainmentRate != 0 || a.AvgContainmentTimeMs != 0 {
		t.Errorf("empty analytics = %+v", a)
	}
	if a.SeverityDistribution == nil || a.ToolSuccessRate == nil {
		t.Error("maps must be non-nil")
	}
}

// ---------------------------------------------------------------------------
// ClickHouse history with fake driver types.
// ---------------------------------------------------------------------------

type fakeRows struct {
	data [][]any
	i    int
}

func (r *fakeRows) Next() bool {
	r.i++
	return r.i <= len(r.data)
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.data[r.i-1]
	if len(row) != len(dest) {
		return fmt.Errorf("scan: %d columns into %d dest", len(row), len(dest))
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *uint64:
			*p = row[i].(uint64)
		case *float64:
			*p = row[i].(float64)
		case *string:
			*p = row[i].(string)
		default:
			return fmt.Errorf("scan: unsupported dest %T", d)
		}
	}
	return nil
}

func (r *fakeRows) ScanStruct(any) error             { return errors.New("not supported") }
func (r *fakeRows) ColumnTypes() []driver.ColumnType { return nil }
func (r *fakeRows) Totals(...any) error              { return nil }
func (r *fakeRows) Columns() []string                { return nil }
func (r *fakeRows) Close() error                     { return nil }
func (r *fakeRows) Err() error                       { return nil }

type fakeConn struct {
	queries []string
	respond func(query string) [][]any
}

func (c *fakeConn) Contributors() []string                              { return nil }
func (c *fakeConn) ServerVersion() (*driver.ServerVersion, error)       { return nil, nil }
func (c *fakeConn) Select(context.Context, any, string, ...any) error   { return nil }
func (c *fakeConn) QueryRow(context.Context, string, ...any) driver.Row { return nil }
func (c *fakeConn) PrepareBatch(context.Context, string, ...driver.PrepareBatchOption) (driver.Batch, error) {
	return nil, errors.New("not supported")
}
func (c *fakeConn) Exec(context.Context, string, ...any) error              { return nil }
func (c *fakeConn) AsyncInsert(context.Context, string, bool, ...any) error { return nil }
func (c *fakeConn) Ping(context.Context) error                              { return nil }
func (c *fakeConn) Stats() driver.Stats                                     { return driver.Stats{} }
func (c *fakeConn) Close() error                                            { return nil }

func (c *fakeConn) Query(_ context.Context, query string, _ ...any) (driver.Rows, error) {
	c.queries = append(c.queries, query)
	return &fakeRows{data: c.respond(query)}, nil
}

func TestHistoryCompute(t *testing.T) {
	conn := &fakeConn{respond: func(q string) [][]any {
		switch {
		case strings.Contains(q, "quantileIf"):
			return [][]any{{uint64(10), uint64(8), uint64(6), uint64(2), uint64(3), uint64(1), 25000.0, 20000.0, 58000.0}}
		case strings.Contains(q, "GROUP BY severity"):
			return [][]any{{"critical", uint64(4)}, {"high", uint64(6)}}
		case strings.Contains(q, "tool_id AS key"):
			return [][]any{{"edr-1", uint64(3), uint64(4)}}
		default:
			return [][]any{{"isolate_host", uint64(1), uint64(2)}}
		}
	}}
	h := NewHistory(storage.NewClickHouseClientWithConn(conn, storage.DefaultClickHouseConfig()))

	a, err := h.Compute(context.Background(), "acme", Period{}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if a.TotalIncidents != 10 || a.FastContainmentRate != 0.6 || a.ContainmentRate != 0.8 {
		t.Errorf("summary = %+v", a)
	}
	if a.P95ContainmentTimeMs != 58000 || a.SLAViolations != 2 {
		t.Errorf("p95=%v violations=%d", a.P95ContainmentTimeMs, a.SLAViolations)
	}
	if a.SeverityDistribution[model.SeverityCritical] != 4 {
		t.Errorf("severity = %v", a.SeverityDistribution)
	}
	if a.ToolSuccessRate["edr-1"].Rate != 0.75 {
		t.Errorf("edr-1 = %+v", a.ToolSuccessRate["edr-1"])
	}
	if a.ActionSuccessRate[model.ActionIsolateHost].Rate != 0.5 {
		t.Errorf("isolate_host = %+v", a.ActionSuccessRate[model.ActionIsolateHost])
	}
	if len(conn.queries) != 4 {
		t.Errorf("ran %d queries, want 4", len(conn.queries))
	}
	for _, q := range conn.queries {
		if !strings.Contains(q, "FINAL") {
			t.Errorf("query does not read deduplicated rows: %s", q)
		}
	}
}

func TestBounds(t *testing.T) {
	start, end := bounds(Period{})
	if !start.Equal(minTime) || !end.Equal(maxTime) {
		t.Errorf("bounds(zero) = %v, %v", start, end)
	}
	p := Period{Start: base, End: base.Add(time.Hour)}
	if s, e := bounds(p); !s.Equal(p.Start) || !e.Equal(p.End) {
		t.Errorf("bounds(p) = %v, %v", s, e)
	}
}
