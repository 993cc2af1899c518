package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Engine.SLABudget != 60*time.Second {
		t.Errorf("expected SLABudget 60s, got %v", cfg.Engine.SLABudget)
	}
	if got := cfg.Engine.Deadline(); got != 180*time.Second {
		t.Errorf("expected deadline 180s, got %v", got)
	}
	if cfg.Engine.MaxEscalationRounds != 3 {
		t.Errorf("expected 3 escalation rounds, got %d", cfg.Engine.MaxEscalationRounds)
	}
	if cfg.Retry.InitialBackoff != 250*time.Millisecond || cfg.Retry.MaxBackoff != 2*time.Second {
		t.Errorf("unexpected retry defaults: %+v", cfg.Retry)
	}
	if cfg.Kafka.Enabled || cfg.Archive.Enabled || cfg.ClickHouse.Enabled || cfg.Store.Redis.Enabled {
		t.Error("external backends should be disabled by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"no listen addr", func(c *Config) { c.Server.ListenAddr = "" }, true},
		{"zero workers", func(c *Config) { c.Engine.Workers = 0 }, true},
		{"zero queue", func(c *Config) { c.Engine.QueueSize = 0 }, true},
		{"zero budget", func(c *Config) { c.Engine.SLABudget = 0 }, true},
		{"deadline below budget", func(c *Config) { c.Engine.DeadlineMultiplier = 0.5 }, true},
		{"no rounds", func(c *Config) { c.Engine.MaxEscalationRounds = 0 }, true},
		{"negative parallel", func(c *Config) { c.Engine.MaxParallel = -1 }, true},
		{"backoff inverted", func(c *Config) { c.Retry.InitialBackoff = 5 * time.Second }, true},
		{"backoff factor", func(c *Config) { c.Retry.BackoffFactor = 0.5 }, true},
		{"no registry path", func(c *Config) { c.Tools.RegistryPath = "" }, true},
		{"redis without addr", func(c *Config) {
			c.Store.Redis.Enabled = true
			c.Store.Redis.Addr = ""
		}, true},
		{"postgres without dsn", func(c *Config) { c.Store.Postgres.Enabled = true }, true},
		{"clickhouse without hosts", func(c *Config) {
			c.ClickHouse.Enabled = true
			c.ClickHouse.Hosts = nil
		}, true},
		{"kafka invalid", func(c *Config) {
			c.Kafka.Enabled = true
			c.Kafka.Brokers = nil
		}, true},
		{"kafka invalid but disabled", func(c *Config) { c.Kafka.Brokers = nil }, false},
		{"archive without bucket", func(c *Config) {
			c.Archive.Enabled = true
			c.Archive.Bucket = ""
		}, true},
		{"api keys without header", func(c *Config) {
			c.Server.APIKeys = []string{"k1"}
			c.Server.APIKeyHeader = ""
		}, true},
		{"rate limit zero requests", func(c *Config) { c.Server.RateLimit.RequestsPerIP = 0 }, true},
		{"rate limit zero requests disabled", func(c *Config) {
			c.Server.RateLimit.Enabled = false
			c.Server.RateLimit.RequestsPerIP = 0
		}, false},
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

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
server:
  listen_addr: ":9100"
engine:
  workers: 2
  sla_budget: 30s
  auto_approve: true
kafka:
  enabled: true
  brokers: ["k1:9092", "k2:9092"]
clickhouse:
  enabled: true
  hosts: ["ch:9000"]
  database: ir_test
  batch_writer:
    batch_size: 50
store:
  redis:
    enabled: true
    addr: "redis:6379"
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if cfg.Server.ListenAddr != ":9100" || cfg.Engine.Workers != 2 || !cfg.Engine.AutoApprove {
		t.Errorf("file values not applied: %+v %+v", cfg.Server, cfg.Engine)
	}
	if cfg.Engine.SLABudget != 30*time.Second || cfg.Engine.Deadline() != 90*time.Second {
		t.Errorf("budget=%v deadline=%v", cfg.Engine.SLABudget, cfg.Engine.Deadline())
	}
	// Unset keys keep their defaults.
	if cfg.Engine.QueueSize != 1024 || cfg.Kafka.EventsTopic != "ir.response.events" {
		t.Errorf("defaults lost: queue=%d topic=%s", cfg.Engine.QueueSize, cfg.Kafka.EventsTopic)
	}
	if !reflect.DeepEqual(cfg.Kafka.Brokers, []string{"k1:9092", "k2:9092"}) {
		t.Errorf("brokers = %v", cfg.Kafka.Brokers)
	}
	if cfg.ClickHouse.Database != "ir_test" || cfg.ClickHouse.BatchWriter.BatchSize != 50 {
		t.Errorf("clickhouse = %+v", cfg.ClickHouse)
	}
	if cfg.ClickHouse.BatchWriter.FlushInterval != 5*time.Second {
		t.Errorf("nested default lost: %v", cfg.ClickHouse.BatchWriter.FlushInterval)
	}
	if !cfg.Store.Redis.Enabled || cfg.Store.Redis.Prefix != "ir" {
		t.Errorf("redis = %+v", cfg.Store.Redis)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config invalid: %v", err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("IR_CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))
	t.Setenv("IR_WORKERS", "16")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Engine.Workers != 16 {
		t.Errorf("env override not applied to defaults: workers=%d", cfg.Engine.Workers)
	}
}

func TestLoadFileBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("engine: [unclosed"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Run("engine", func(t *testing.T) {
		t.Setenv("IR_SLA_BUDGET", "45s")
		t.Setenv("IR_AUTO_APPROVE", "true")
		t.Setenv("IR_LOG_LEVEL", "debug")
		cfg := DefaultConfig()
		if err := cfg.applyEnvOverrides(); err != nil {
			t.Fatal(err)
		}
		if cfg.Engine.SLABudget != 45*time.Second || !cfg.Engine.AutoApprove || cfg.Logging.Level != "debug" {
			t.Errorf("engine overrides = %+v, level=%s", cfg.Engine, cfg.Logging.Level)
		}
	})

	t.Run("api keys", func(t *testing.T) {
		t.Setenv("IR_API_KEYS", "alpha, beta")
		cfg := DefaultConfig()
		if err := cfg.applyEnvOverrides(); err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(cfg.Server.APIKeys, []string{"alpha", "beta"}) {
			t.Errorf("api keys = %q", cfg.Server.APIKeys)
		}
	})

	t.Run("backends enable themselves", func(t *testing.T) {
		t.Setenv("IR_KAFKA_BROKERS", " a:9092 , b:9092 ,")
		t.Setenv("IR_REDIS_ADDR", "cache:6379")
		t.Setenv("IR_POSTGRES_DSN", "postgres://ir@db/ir")
		t.Setenv("CLICKHOUSE_HOST", "ch1:9000")
		t.Setenv("IR_ARCHIVE_BUCKET", "ir-archive")
		t.Setenv("IR_NATS_URL", "nats://bus:4222")
		cfg := DefaultConfig()
		if err := cfg.applyEnvOverrides(); err != nil {
			t.Fatal(err)
		}
		if !cfg.Kafka.Enabled || !reflect.DeepEqual(cfg.Kafka.Brokers, []string{"a:9092", "b:9092"}) {
			t.Errorf("kafka = %v %v", cfg.Kafka.Enabled, cfg.Kafka.Brokers)
		}
		if !cfg.Store.Redis.Enabled || !cfg.Store.Postgres.Enabled || !cfg.ClickHouse.Enabled {
			t.Error("storage backends not enabled")
		}
		if !cfg.Archive.Enabled || cfg.Archive.Bucket != "ir-archive" {
			t.Errorf("archive = %+v", cfg.Archive)
		}
		if !cfg.NATS.Enabled || cfg.NATS.URL != "nats://bus:4222" {
			t.Errorf("nats = %+v", cfg.NATS)
		}
	})

	t.Run("kafka explicitly disabled", func(t *testing.T) {
		t.Setenv("IR_KAFKA_BROKERS", "a:9092")
		t.Setenv("IR_KAFKA_ENABLED", "false")
		cfg := DefaultConfig()
		if err := cfg.applyEnvOverrides(); err != nil {
			t.Fatal(err)
		}
		if cfg.Kafka.Enabled {
			t.Error("IR_KAFKA_ENABLED=false should win")
		}
	})

	t.Run("malformed values", func(t *testing.T) {
		for name, value := range map[string]string{
			"IR_WORKERS":      "many",
			"IR_SLA_BUDGET":   "soon",
			"IR_AUTO_APPROVE": "perhaps",
		} {
			t.Run(name, func(t *testing.T) {
				t.Setenv(name, value)
				if err := DefaultConfig().applyEnvOverrides(); err == nil {
					t.Errorf("%s=%q should fail", name, value)
				}
			})
		}
	})
}

func TestSplitAndTrim(t *testing.T) {
	tests := []struct {
		input string
		want  []string
	}{
		{"a,b,c", []string{"a", "b", "c"}},
		{" a , b ", []string{"a", "b"}},
		{"a,,b", []string{"a", "b"}},
		{"", nil},
		{" , ", nil},
	}
	for _, tt := range tests {
		if got := splitAndTrim(tt.input, ","); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("splitAndTrim(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}
