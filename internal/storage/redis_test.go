package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ir-orchestrator/internal/model"
)

// mockRedisClient is an in-memory RedisClient with TTL support.
type mockRedisClient struct {
	mu     sync.RWMutex
	data   map[string][]byte
	sets   map[string]map[string]bool
	expiry map[string]time.Time
	closed bool
}

func newMockRedisClient() *mockRedisClient {
	return &mockRedisClient{
		data:   make(map[string][]byte),
		sets:   make(map[string]map[string]bool),
		expiry: make(map[string]time.Time),
	}
}

func (m *mockRedisClient) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("client closed")
	}
	m.data[key] = append([]byte(nil), value...)
	if ttl > 0 {
		m.expiry[key] = time.Now().Add(ttl)
	}
	return nil
}

func (m *mockRedisClient) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, errors.New("client closed")
	}
	if exp, ok := m.expiry[key]; ok && time.Now().After(exp) {
		return nil, WrapNotFoundError("Get", "redis", key)
	}
	v, ok := m.data[key]
	if !ok {
		return nil, WrapNotFoundError("Get", "redis", key)
	}
	return v, nil
}

func (m *mockRedisClient) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
		delete(m.expiry, k)
	}
	return nil
}

func (m *mockRedisClient) SAdd(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sets[key] == nil {
		m.sets[key] = make(map[string]bool)
	}
	for _, mem := range members {
		m.sets[key][mem] = true
	}
	return nil
}

func (m *mockRedisClient) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for mem := range m.sets[key] {
		out = append(out, mem)
	}
	return out, nil
}

func (m *mockRedisClient) SRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mem := range members {
		delete(m.sets[key], mem)
	}
	return nil
}

func (m *mockRedisClient) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func TestRedisStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	client := newMockRedisClient()
	s := NewRedisStore(client, "test", time.Hour)

	r := newTestResponse(2)
	ct := 42 * time.Second
	r.ContainmentTime = &ct
	if err := s.Save(ctx, r); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(ctx, r.IncidentID)
	if err != nil {
		t.Fatal(err)
	}
	if got.IncidentID != r.IncidentID || len(got.Executions) != 2 || got.ContainmentTimeMs() != 42000 {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.Status != model.StatusContained {
		t.Errorf("status = %s", got.Status)
	}

	if _, ok := client.data["test:response:"+r.IncidentID]; !ok {
		t.Error("snapshot not stored under the prefixed key")
	}
}

func TestRedisStoreLoadPrunesExpired(t *testing.T) {
	ctx := context.Background()
	client := newMockRedisClient()
	s := NewRedisStore(client, "ir", time.Hour)

	live := newTestResponse(0)
	gone := newTestResponse(0)
	if err := s.Save(ctx, live); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx, gone); err != nil {
		t.Fatal(err)
	}
	client.expiry["ir:response:"+gone.IncidentID] = time.Now().Add(-time.Second)

	loaded, err := s.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 1 || loaded[0].IncidentID != live.IncidentID {
		t.Fatalf("Load() = %d responses, want only the live one", len(loaded))
	}
	members, _ := client.SMembers(ctx, "ir:responses")
	if len(members) != 1 {
		t.Errorf("index still holds %v", members)
	}
}

func TestRedisStoreDelete(t *testing.T) {
	ctx := context.Background()
	s := NewRedisStore(newMockRedisClient(), "", 0)
	r := newTestResponse(0)
	if err := s.Save(ctx, r); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, r.IncidentID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, r.IncidentID); !IsNotFound(err) {
		t.Errorf("Get() after Delete = %v, want not found", err)
	}
}

func TestToolIDs(t *testing.T) {
	r := newTestResponse(3)
	r.Executions[1].Action.ToolID = "fw-1"
	got := toolIDs(r)
	if len(got) != 2 || got[0] != "edr-1" || got[1] != "fw-1" {
		t.Errorf("toolIDs() = %v", got)
	}
	if got := toolIDs(&model.IncidentResponse{}); got == nil || len(got) != 0 {
		t.Errorf("toolIDs(empty) = %#v, want empty non-nil", got)
	}
}

func TestStorageErrorWrapping(t *testing.T) {
	err := WrapQueryError("Save", "incident_responses", errors.New("boom"))
	var se *StorageError
	if !errors.As(err, &se) || se.Table != "incident_responses" {
		t.Fatalf("errors.As failed for %v", err)
	}
	if !errors.Is(err, ErrQueryFailed) {
		t.Error("query error does not match ErrQueryFailed")
	}
	if IsConnectionError(err) {
		t.Error("query error classified as connection error")
	}
	if !IsConnectionError(WrapConnectionError("Ping", errors.New("refused"))) {
		t.Error("connection error not classified")
	}
}
