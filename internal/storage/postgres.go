package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/lib/pq"

	"ir-orchestrator/internal/model"
)

// PostgresConfig holds the durable record store settings.
type PostgresConfig struct {
	Enabled      bool          `yaml:"enabled"`
	DSN          string        `yaml:"dsn"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	ConnMaxLife  time.Duration `yaml:"conn_max_lifetime"`
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS incident_responses (
	incident_id   TEXT PRIMARY KEY,
	tenant_id     TEXT NOT NULL,
	threat_type   TEXT NOT NULL,
	severity      TEXT NOT NULL,
	status        TEXT NOT NULL,
	tools         TEXT[] NOT NULL DEFAULT '{}',
	detection_time TIMESTAMPTZ NOT NULL,
	contained_at  TIMESTAMPTZ,
	closed_at     TIMESTAMPTZ,
	updated_at    TIMESTAMPTZ NOT NULL,
	body          JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS incident_responses_tenant_idx
	ON incident_responses (tenant_id, detection_time DESC);
`

// PostgresStore keeps one JSONB record per response.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres opens the store from cfg and ensures the schema.
func NewPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, WrapConnectionError("Open", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLife > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLife)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, WrapConnectionError("Ping", err)
	}

	s := &PostgresStore{db: db}
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresWithDB wraps an open database handle.
func NewPostgresWithDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Name identifies the store in logs.
func (s *PostgresStore) Name() string { return "postgres" }

// EnsureSchema creates the table if missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, postgresSchema); err != nil {
		return WrapQueryError("EnsureSchema", "incident_responses", err)
	}
	return nil
}

// Close closes the database.
func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save upserts the response record.
func (s *PostgresStore) Save(ctx context.Context, r *model.IncidentResponse) error {
	body, err := json.Marshal(r)
	if err != nil {
		return WrapDataError("Save", "incident_responses", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO incident_responses
			(incident_id, tenant_id, threat_type, severity, status, tools,
			 detection_time, contained_at, closed_at, updated_at, body)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (incident_id) DO UPDATE SET
			severity = EXCLUDED.severity,
			status = EXCLUDED.status,
			tools = EXCLUDED.tools,
			contained_at = EXCLUDED.contained_at,
			closed_at = EXCLUDED.closed_at,
			updated_at = EXCLUDED.updated_at,
			body = EXCLUDED.body
		WHERE incident_responses.updated_at <= EXCLUDED.updated_at
	`,
		r.IncidentID,
		r.TenantID,
		r.Context.ThreatType,
		string(r.Severity),
		string(r.Status),
		pq.Array(toolIDs(r)),
		r.Context.DetectionTime,
		nullTime(r.ContainedAt),
		nullTime(r.ClosedAt),
		r.UpdatedAt,
		body,
	)
	if err != nil {
		return WrapQueryError("Save", "incident_responses", err)
	}
	return nil
}

// Get loads one record.
func (s *PostgresStore) Get(ctx context.Context, id string) (*model.IncidentResponse, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM incident_responses WHERE incident_id = $1`, id).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, WrapNotFoundError("Get", "incident_responses", id)
	}
	if err != nil {
		return nil, WrapQueryError("Get", "incident_responses", err)
	}
	var r model.IncidentResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, WrapDataError("Get", "incident_responses", err)
	}
	return &r, nil
}

// ListByTool returns incident ids whose executions used tool, newest first.
func (s *PostgresStore) ListByTool(ctx context.Context, tenantID, toolID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT incident_id FROM incident_responses
		WHERE ($1 = '' OR tenant_id = $1) AND $2 = ANY(tools)
		ORDER BY detection_time DESC
		LIMIT $3
	`, tenantID, toolID, limit)
	if err != nil {
		return nil, WrapQueryError("ListByTool", "incident_responses", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, WrapQueryError("ListByTool", "incident_responses", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Delete removes a record.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM incident_responses WHERE incident_id = $1`, id); err != nil {
		return WrapQueryError("Delete", "incident_responses", err)
	}
	return nil
}

func toolIDs(r *model.IncidentResponse) []string {
	seen := make(map[string]bool)
	out := []string{}
	for i := range r.Executions {
		id := r.Executions[i].Action.ToolID
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
