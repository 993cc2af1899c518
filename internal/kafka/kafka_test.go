package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"ir-orchestrator/internal/model"
	"ir-orchestrator/internal/storage"
)

func getTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if len(cfg.Brokers) == 0 {
		t.Error("expected default brokers")
	}
	if cfg.EventsTopic != "ir.response.events" || cfg.IncidentsTopic != "ir.incidents" {
		t.Errorf("topics = %q, %q", cfg.EventsTopic, cfg.IncidentsTopic)
	}
	if cfg.ConsumerGroup == "" {
		t.Error("expected default consumer group")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid config", func(c *Config) {}, false},
		{"empty brokers", func(c *Config) { c.Brokers = nil }, true},
		{"empty events topic", func(c *Config) { c.EventsTopic = "" }, true},
		{"empty incidents topic", func(c *Config) { c.IncidentsTopic = "" }, true},
		{"same topic", func(c *Config) { c.IncidentsTopic = c.EventsTopic }, true},
		{"invalid partitions", func(c *Config) { c.Partitions = 0 }, true},
		{"invalid replication", func(c *Config) { c.ReplicationFactor = 0 }, true},
		{"invalid protocol", func(c *Config) { c.SecurityProtocol = "INVALID" }, true},
		{
			name: "SASL without credentials",
			modify: func(c *Config) {
				c.SecurityProtocol = "SASL_PLAINTEXT"
				c.SASLMechanism = "PLAIN"
			},
			wantErr: true,
		},
		{
			name: "SASL bad mechanism",
			modify: func(c *Config) {
				c.SecurityProtocol = "SASL_SSL"
				c.SASLMechanism = "GSSAPI"
				c.SASLUsername = "u"
				c.SASLPassword = "p"
			},
			wantErr: true,
		},
		{
			name: "valid SASL SCRAM",
			modify: func(c *Config) {
				c.SecurityProtocol = "SASL_PLAINTEXT"
				c.SASLMechanism = "SCRAM-SHA-512"
				c.SASLUsername = "user"
				c.SASLPassword = "pass"
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGetCompression(t *testing.T) {
	tests := []struct {
		compression string
		expected    kafka.Compression
	}{
		{"none", 0},
		{"gzip", kafka.Gzip},
		{"snappy", kafka.Snappy},
		{"lz4", kafka.Lz4},
		{"zstd", kafka.Zstd},
		{"invalid", 0},
	}
	for _, tt := range tests {
		t.Run(tt.compression, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.CompressionType = tt.compression
			if got := cfg.GetCompression(); got != tt.expected {
				t.Errorf("GetCompression() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestGetDialer(t *testing.T) {
	cfg := DefaultConfig()
	dialer, err := cfg.GetDialer()
	if err != nil {
		t.Fatalf("GetDialer() error = %v", err)
	}
	if dialer.Timeout != cfg.DialTimeout {
		t.Errorf("Timeout = %v, want %v", dialer.Timeout, cfg.DialTimeout)
	}
	if dialer.TLS != nil || dialer.SASLMechanism != nil {
		t.Error("plaintext dialer should have no TLS or SASL")
	}

	cfg.SecurityProtocol = "SASL_SSL"
	cfg.SASLMechanism = "SCRAM-SHA-256"
	cfg.SASLUsername = "user"
	cfg.SASLPassword = "pass"
	dialer, err = cfg.GetDialer()
	if err != nil {
		t.Fatalf("GetDialer() error = %v", err)
	}
	if dialer.TLS == nil || dialer.SASLMechanism == nil {
		t.Error("SASL_SSL dialer should have TLS and SASL")
	}
	if dialer.SASLMechanism.Name() != "SCRAM-SHA-256" {
		t.Errorf("mechanism = %s", dialer.SASLMechanism.Name())
	}
}

func TestMissingTopics(t *testing.T) {
	cfg := DefaultConfig()
	got := missingTopics(cfg.Topics(), []string{"ir.incidents", "other"})
	if len(got) != 1 || got[0].Name != "ir.response.events" {
		t.Errorf("missingTopics = %+v", got)
	}
	if got := missingTopics(cfg.Topics(), []string{"ir.incidents", "ir.response.events"}); len(got) != 0 {
		t.Errorf("expected nothing missing, got %+v", got)
	}
}

// ---------------------------------------------------------------------------
// Producer and event publisher
// ---------------------------------------------------------------------------

type fakeWriter struct {
	mu       sync.Mutex
	failures []error
	written  []kafka.Message
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.failures) > 0 {
		err := w.failures[0]
		w.failures = w.failures[1:]
		return err
	}
	w.written = append(w.written, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func testProducer(w *fakeWriter) *Producer {
	cfg := DefaultConfig()
	cfg.ProducerRetryBackoff = time.Millisecond
	return newProducerWithWriter(w, cfg, cfg.EventsTopic, getTestLogger())
}

func TestProducerRetries(t *testing.T) {
	tests := []struct {
		name        string
		failures    []error
		wantErr     bool
		wantWritten int
		wantRetries int64
	}{
		{"first try", nil, false, 1, 0},
		{"transient then ok", []error{errors.New("leader not available"), errors.New("timeout")}, false, 1, 2},
		{"exhausted", []error{errors.New("a"), errors.New("b"), errors.New("c"), errors.New("d")}, true, 0, 3},
		{"non-retryable", []error{kafka.MessageSizeTooLarge}, true, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &fakeWriter{failures: tt.failures}
			p := testProducer(w)
			err := p.Produce(context.Background(), []byte("k"), []byte("v"))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Produce() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(w.written) != tt.wantWritten {
				t.Errorf("written = %d, want %d", len(w.written), tt.wantWritten)
			}
			if m := p.GetMetrics(); m.Retries != tt.wantRetries {
				t.Errorf("retries = %d, want %d", m.Retries, tt.wantRetries)
			}
		})
	}
}

func TestProducerClosed(t *testing.T) {
	w := &fakeWriter{}
	p := testProducer(w)
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if !w.closed {
		t.Error("writer not closed")
	}
	if err := p.Produce(context.Background(), nil, []byte("x")); !errors.Is(err, ErrProducerClosed) {
		t.Errorf("Produce after close = %v, want ErrProducerClosed", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("second Close() = %v", err)
	}
}

func TestEventPublisherKeysByIncident(t *testing.T) {
	w := &fakeWriter{}
	pub := &EventPublisher{producer: testProducer(w), logger: getTestLogger()}

	r := &model.IncidentResponse{
		IncidentID: "inc-7",
		TenantID:   "acme",
		Status:     model.StatusContained,
		Severity:   model.SeverityCritical,
	}
	ev := NewEvent(EventContained, r, map[string]any{"containment_ms": 4200})
	if err := pub.Publish(context.Background(), ev); err != nil {
		t.Fatal(err)
	}

	if len(w.written) != 1 {
		t.Fatalf("written = %d", len(w.written))
	}
	msg := w.written[0]
	if string(msg.Key) != "inc-7" {
		t.Errorf("key = %q", msg.Key)
	}
	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	if headers["event_type"] != "response.contained" || headers["tenant_id"] != "acme" {
		t.Errorf("headers = %v", headers)
	}

	var got Event
	if err := json.Unmarshal(msg.Value, &got); err != nil {
		t.Fatal(err)
	}
	if got.ID == "" || got.Type != EventContained || got.Status != model.StatusContained {
		t.Errorf("event = %+v", got)
	}
}

// ---------------------------------------------------------------------------
// Consumer
// ---------------------------------------------------------------------------

type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	fetchErrs []error
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.fetchErrs) > 0 {
		err := r.fetchErrs[0]
		r.fetchErrs = r.fetchErrs[1:]
		r.mu.Unlock()
		return kafka.Message{}, err
	}
	if len(r.msgs) > 0 {
		m := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.closed = true
	return nil
}

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func TestConsumerCommitsOnlyHandledMessages(t *testing.T) {
	reader := &fakeReader{
		fetchErrs: []error{errors.New("broker gone")},
		msgs: []kafka.Message{
			{Offset: 1, Value: []byte("ok")},
			{Offset: 2, Value: []byte("fail")},
			{Offset: 3, Value: []byte("ok")},
		},
	}
	handled := make(chan int64, 3)
	handler := func(_ context.Context, m Message) error {
		handled <- m.Offset
		if string(m.Value) == "fail" {
			return errors.New("transient")
		}
		return nil
	}

	c := newConsumerWithReader(reader, DefaultConfig(), handler, getTestLogger())
	c.fetchBackoff = time.Millisecond
	if err := c.StartAsync(); err != nil {
		t.Fatal(err)
	}
	if err := c.StartAsync(); err == nil {
		t.Error("second StartAsync should fail")
	}

	for i := 0; i < 3; i++ {
		select {
		case <-handled:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for messages")
		}
	}
	if err := c.Stop(); err != nil {
		t.Fatal(err)
	}

	got := reader.commits()
	if len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Errorf("committed = %v, want [1 3]", got)
	}
	m := c.GetMetrics()
	if m.MessagesConsumed != 2 || m.Errors != 2 {
		t.Errorf("metrics = %+v", m)
	}
	if !reader.closed {
		t.Error("reader not closed")
	}
	if err := c.StartAsync(); !errors.Is(err, ErrConsumerClosed) {
		t.Errorf("StartAsync after Stop = %v", err)
	}
}

// ---------------------------------------------------------------------------
// Intake
// ---------------------------------------------------------------------------

var errDuplicate = errors.New("incident already exists")

type fakeSubmitter struct {
	got []model.IncidentContext
	err error
}

func (s *fakeSubmitter) Submit(_ context.Context, ic model.IncidentContext) error {
	if s.err != nil {
		return s.err
	}
	s.got = append(s.got, ic)
	return nil
}

type fakeQuarantine struct {
	entries []*storage.QuarantineEntry
}

func (q *fakeQuarantine) Write(_ context.Context, e *storage.QuarantineEntry) error {
	q.entries = append(q.entries, e)
	return nil
}

func incidentPayload(t *testing.T, mutate func(*model.IncidentContext)) []byte {
	t.Helper()
	ic := model.IncidentContext{
		IncidentID:    "inc-1",
		TenantID:      "acme",
		Severity:      model.SeverityHigh,
		ThreatType:    "ransomware",
		DetectionTime: time.Now().Add(-time.Minute).UTC(),
		Confidence:    0.9,
	}
	if mutate != nil {
		mutate(&ic)
	}
	b, err := json.Marshal(ic)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestIntakeHandle(t *testing.T) {
	tests := []struct {
		name       string
		payload    func(t *testing.T) []byte
		submitErr  error
		wantErr    bool
		wantSubmit int
		wantCode   string
	}{
		{
			name:       "valid",
			payload:    func(t *testing.T) []byte { return incidentPayload(t, nil) },
			wantSubmit: 1,
		},
		{
			name:     "malformed json",
			payload:  func(*testing.T) []byte { return []byte("{not json") },
			wantCode: "decode",
		},
		{
			name: "bad severity",
			payload: func(t *testing.T) []byte {
				return incidentPayload(t, func(ic *model.IncidentContext) { ic.Severity = "urgent" })
			},
			wantCode: "invalid_context",
		},
		{
			name: "missing tenant",
			payload: func(t *testing.T) []byte {
				return incidentPayload(t, func(ic *model.IncidentContext) { ic.TenantID = "" })
			},
			wantCode: "invalid_context",
		},
		{
			name:      "duplicate",
			payload:   func(t *testing.T) []byte { return incidentPayload(t, nil) },
			submitErr: errDuplicate,
			wantCode:  "duplicate",
		},
		{
			name:      "queue full is retried",
			payload:   func(t *testing.T) []byte { return incidentPayload(t, nil) },
			submitErr: errors.New("queue is full"),
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := &fakeSubmitter{err: tt.submitErr}
			q := &fakeQuarantine{}
			in := NewIntake(sub, q, func(err error) bool { return errors.Is(err, errDuplicate) }, getTestLogger())

			err := in.Handle(context.Background(), Message{Offset: 9, Value: tt.payload(t)})
			if (err != nil) != tt.wantErr {
				t.Fatalf("Handle() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(sub.got) != tt.wantSubmit {
				t.Errorf("submitted = %d, want %d", len(sub.got), tt.wantSubmit)
			}
			if tt.wantCode == "" {
				if len(q.entries) != 0 {
					t.Errorf("unexpected quarantine: %+v", q.entries[0])
				}
				return
			}
			if len(q.entries) != 1 {
				t.Fatalf("quarantined = %d, want 1", len(q.entries))
			}
			e := q.entries[0]
			if e.ErrorCode != tt.wantCode || e.Source != "kafka" || len(e.ValidationErrors) == 0 {
				t.Errorf("entry = %+v", e)
			}
		})
	}
}
