package storage

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/column"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"

	"ir-orchestrator/internal/model"
)

// ---------------------------------------------------------------------------
// Mock implementations of driver.Conn and driver.Batch for unit testing
// without a real ClickHouse connection.
// ---------------------------------------------------------------------------

type mockConn struct {
	mu               sync.Mutex
	execs            []string
	prepareBatchFunc func(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error)
}

func (m *mockConn) Contributors() []string                                           { return nil }
func (m *mockConn) ServerVersion() (*driver.ServerVersion, error)                    { return nil, nil }
func (m *mockConn) Select(_ context.Context, _ any, _ string, _ ...any) error        { return nil }
func (m *mockConn) Query(_ context.Context, _ string, _ ...any) (driver.Rows, error) { return nil, nil }
func (m *mockConn) QueryRow(_ context.Context, _ string, _ ...any) driver.Row        { return nil }
func (m *mockConn) AsyncInsert(_ context.Context, _ string, _ bool, _ ...any) error  { return nil }
func (m *mockConn) Ping(_ context.Context) error                                     { return nil }
func (m *mockConn) Stats() driver.Stats                                              { return driver.Stats{} }
func (m *mockConn) Close() error                                                     { return nil }

func (m *mockConn) Exec(_ context.Context, query string, _ ...any) error {
	m.mu.Lock()
	m.execs = append(m.execs, query)
	m.mu.Unlock()
	return nil
}

func (m *mockConn) PrepareBatch(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error) {
	if m.prepareBatchFunc != nil {
		return m.prepareBatchFunc(ctx, query, opts...)
	}
	return &mockBatch{}, nil
}

type mockBatch struct {
	mu          sync.Mutex
	appendCount int
	rows        [][]any
	sendFunc    func() error
}

func (m *mockBatch) Abort() error { return nil }
func (m *mockBatch) Append(v ...any) error {
	m.mu.Lock()
	m.appendCount++
	m.rows = append(m.rows, v)
	m.mu.Unlock()
	return nil
}
func (m *mockBatch) AppendStruct(_ any) error        { return nil }
func (m *mockBatch) Column(_ int) driver.BatchColumn { return nil }
func (m *mockBatch) Flush() error                    { return nil }
func (m *mockBatch) Send() error {
	if m.sendFunc != nil {
		return m.sendFunc()
	}
	return nil
}
func (m *mockBatch) IsSent() bool                { return false }
func (m *mockBatch) Rows() int                   { return m.appendCount }
func (m *mockBatch) Columns() []column.Interface { return nil }
func (m *mockBatch) Close() error                { return nil }

// recordingConn hands out batches and remembers them by target table.
type recordingConn struct {
	mockConn
	mu      sync.Mutex
	batches map[string][]*mockBatch
}

func newRecordingConn() *recordingConn {
	c := &recordingConn{batches: make(map[string][]*mockBatch)}
	c.prepareBatchFunc = func(_ context.Context, query string, _ ...driver.PrepareBatchOption) (driver.Batch, error) {
		b := &mockBatch{}
		table := "ir_responses"
		if strings.Contains(query, "ir_executions") {
			table = "ir_executions"
		}
		c.mu.Lock()
		c.batches[table] = append(c.batches[table], b)
		c.mu.Unlock()
		return b, nil
	}
	return c
}

func (c *recordingConn) rows(table string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, b := range c.batches[table] {
		n += b.Rows()
	}
	return n
}

func newTestResponse(executions int) *model.IncidentResponse {
	now := time.Now()
	score := 0.8
	r := &model.IncidentResponse{
		IncidentID: "inc-" + uuid.NewString()[:8],
		TenantID:   "acme",
		Context: model.IncidentContext{
			ThreatType:    "ransomware",
			Severity:      model.SeverityHigh,
			DetectionTime: now.Add(-time.Minute),
		},
		Status:             model.StatusContained,
		Severity:           model.SeverityHigh,
		CreatedAt:          now,
		UpdatedAt:          now,
		EffectivenessScore: &score,
	}
	for i := 0; i < executions; i++ {
		r.Executions = append(r.Executions, model.ResponseExecution{
			ID:        uuid.NewString(),
			Action:    model.ResponseActionConfig{Kind: model.ActionIsolateHost, ToolID: "edr-1"},
			Status:    model.ExecutionCompleted,
			StartTime: now,
			EndTime:   now.Add(time.Second),
			Attempts:  1,
		})
	}
	return r
}

func TestBatchWriterBuffersUntilBatchSize(t *testing.T) {
	conn := newRecordingConn()
	bw := NewBatchWriter(NewClickHouseClientWithConn(conn, DefaultClickHouseConfig()), BatchWriterConfig{
		BatchSize:     3,
		FlushInterval: time.Hour,
	}, nil)
	defer bw.Close()

	for i := 0; i < 2; i++ {
		if err := bw.Write(newTestResponse(2)); err != nil {
			t.Fatalf("Write() error: %v", err)
		}
	}
	if m := bw.Metrics(); m.Pending != 2 || m.Written != 0 {
		t.Fatalf("metrics before flush = %+v", m)
	}

	if err := bw.Write(newTestResponse(1)); err != nil {
		t.Fatal(err)
	}
	m := bw.Metrics()
	if m.Pending != 0 || m.Written != 3 || m.Batches != 1 {
		t.Errorf("metrics after size flush = %+v", m)
	}
	if got := conn.rows("ir_responses"); got != 3 {
		t.Errorf("response rows = %d, want 3", got)
	}
	if got := conn.rows("ir_executions"); got != 5 {
		t.Errorf("execution rows = %d, want 5", got)
	}
}

func TestBatchWriterSnapshotsAreCopies(t *testing.T) {
	conn := newRecordingConn()
	bw := NewBatchWriter(NewClickHouseClientWithConn(conn, DefaultClickHouseConfig()), BatchWriterConfig{
		BatchSize:     10,
		FlushInterval: time.Hour,
	}, nil)
	defer bw.Close()

	r := newTestResponse(1)
	if err := bw.Save(context.Background(), r); err != nil {
		t.Fatal(err)
	}
	r.Executions = append(r.Executions, r.Executions[0])

	if err := bw.Flush(); err != nil {
		t.Fatal(err)
	}
	if got := conn.rows("ir_executions"); got != 1 {
		t.Errorf("execution rows = %d, want 1 (mutation after Save leaked)", got)
	}
}

func TestBatchWriterRetriesThenFails(t *testing.T) {
	var sends atomic.Int32
	conn := &mockConn{}
	conn.prepareBatchFunc = func(context.Context, string, ...driver.PrepareBatchOption) (driver.Batch, error) {
		return &mockBatch{sendFunc: func() error {
			sends.Add(1)
			return errors.New("connection reset")
		}}, nil
	}
	bw := NewBatchWriter(NewClickHouseClientWithConn(conn, DefaultClickHouseConfig()), BatchWriterConfig{
		BatchSize:     10,
		FlushInterval: time.Hour,
		MaxRetries:    2,
		RetryDelay:    time.Millisecond,
	}, nil)

	if err := bw.Write(newTestResponse(1)); err != nil {
		t.Fatal(err)
	}
	err := bw.Flush()
	if !errors.Is(err, ErrBatchInsertFailed) {
		t.Fatalf("Flush() error = %v, want ErrBatchInsertFailed", err)
	}
	if sends.Load() != 3 {
		t.Errorf("send attempts = %d, want 3", sends.Load())
	}
	if m := bw.Metrics(); m.Failed != 1 {
		t.Errorf("Failed = %d, want 1", m.Failed)
	}
	bw.Close()
}

func TestBatchWriterTimerFlush(t *testing.T) {
	conn := newRecordingConn()
	bw := NewBatchWriter(NewClickHouseClientWithConn(conn, DefaultClickHouseConfig()), BatchWriterConfig{
		BatchSize:     100,
		FlushInterval: 20 * time.Millisecond,
	}, nil)
	defer bw.Close()

	if err := bw.Write(newTestResponse(0)); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if bw.Metrics().Written == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("timer did not flush the pending response")
}

func TestBatchWriterClosed(t *testing.T) {
	bw := NewBatchWriter(NewClickHouseClientWithConn(&mockConn{}, DefaultClickHouseConfig()), DefaultBatchWriterConfig(), nil)
	if err := bw.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := bw.Write(newTestResponse(0)); !errors.Is(err, ErrClosed) {
		t.Errorf("Write() after Close() = %v, want ErrClosed", err)
	}
	if err := bw.Close(); err != nil {
		t.Errorf("second Close() = %v", err)
	}
}

func TestQuarantineWrite(t *testing.T) {
	conn := &mockConn{}
	qw := NewQuarantineWriter(NewClickHouseClientWithConn(conn, DefaultClickHouseConfig()))
	err := qw.Write(context.Background(), &QuarantineEntry{
		Source:           "kafka",
		Payload:          `{"incident_id":""}`,
		ValidationErrors: []string{"incident_id required"},
		ErrorCode:        "invalid_context",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(conn.execs) != 1 || !strings.Contains(conn.execs[0], "ir_quarantine") {
		t.Errorf("execs = %v", conn.execs)
	}
}

func TestRetentionStatements(t *testing.T) {
	conn := &mockConn{}
	rm := NewRetentionManager(NewClickHouseClientWithConn(conn, DefaultClickHouseConfig()), RetentionConfig{
		ResponsesTTL:  90 * 24 * time.Hour,
		ExecutionsTTL: time.Hour,
	}, nil)
	if err := rm.ApplyTTLs(context.Background()); err != nil {
		t.Fatal(err)
	}
	want := []string{
		"ALTER TABLE ir_responses MODIFY TTL toDateTime(detection_time) + INTERVAL 90 DAY DELETE",
		"ALTER TABLE ir_executions MODIFY TTL toDateTime(start_time) + INTERVAL 1 DAY DELETE",
	}
	if len(conn.execs) != len(want) {
		t.Fatalf("execs = %v", conn.execs)
	}
	for i := range want {
		if conn.execs[i] != want[i] {
			t.Errorf("exec[%d] = %q, want %q", i, conn.execs[i], want[i])
		}
	}
}

func TestSanitizeTableName(t *testing.T) {
	if got := sanitizeTableName("ir_responses; DROP TABLE x"); got != "ir_responsesDROPTABLEx" {
		t.Errorf("sanitizeTableName() = %q", got)
	}
}
