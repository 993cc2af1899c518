package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

// Admin provisions the orchestrator's topics.
type Admin struct {
	config *Config
	logger *slog.Logger
}

// NewAdmin creates a new Kafka admin client.
func NewAdmin(config *Config, logger *slog.Logger) (*Admin, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Admin{config: config, logger: logger}, nil
}

// TopicConfig defines configuration for topic creation.
type TopicConfig struct {
	Name              string
	Partitions        int
	ReplicationFactor int
	RetentionMs       int64
	CleanupPolicy     string // "delete" or "compact"
}

// Topics returns the topic definitions derived from the config.
func (c *Config) Topics() []TopicConfig {
	return []TopicConfig{
		{
			Name:              c.EventsTopic,
			Partitions:        c.Partitions,
			ReplicationFactor: c.ReplicationFactor,
			RetentionMs:       c.RetentionMs,
			CleanupPolicy:     "delete",
		},
		{
			Name:              c.IncidentsTopic,
			Partitions:        c.Partitions,
			ReplicationFactor: c.ReplicationFactor,
			RetentionMs:       c.RetentionMs,
			CleanupPolicy:     "delete",
		},
	}
}

func (t TopicConfig) entries() []kafka.ConfigEntry {
	out := []kafka.ConfigEntry{
		{ConfigName: "retention.ms", ConfigValue: strconv.FormatInt(t.RetentionMs, 10)},
	}
	if t.CleanupPolicy != "" {
		out = append(out, kafka.ConfigEntry{ConfigName: "cleanup.policy", ConfigValue: t.CleanupPolicy})
	}
	return out
}

func (a *Admin) dial(ctx context.Context) (*kafka.Conn, error) {
	dialer, err := a.config.GetDialer()
	if err != nil {
		return nil, fmt.Errorf("kafka: failed to create dialer: %w", err)
	}
	conn, err := dialer.DialContext(ctx, "tcp", a.config.Brokers[0])
	if err != nil {
		return nil, fmt.Errorf("kafka: failed to connect to broker: %w", err)
	}
	return conn, nil
}

// CreateTopic creates a topic through the cluster controller.
func (a *Admin) CreateTopic(ctx context.Context, cfg TopicConfig) error {
	conn, err := a.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("kafka: failed to get controller: %w", err)
	}

	dialer, err := a.config.GetDialer()
	if err != nil {
		return err
	}
	cc, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("kafka: failed to connect to controller: %w", err)
	}
	defer cc.Close()

	err = cc.CreateTopics(kafka.TopicConfig{
		Topic:             cfg.Name,
		NumPartitions:     cfg.Partitions,
		ReplicationFactor: cfg.ReplicationFactor,
		ConfigEntries:     cfg.entries(),
	})
	if err != nil {
		return fmt.Errorf("kafka: failed to create topic %s: %w", cfg.Name, err)
	}

	a.logger.Info("kafka topic created",
		"topic", cfg.Name,
		"partitions", cfg.Partitions,
		"replication_factor", cfg.ReplicationFactor,
	)
	return nil
}

// ListTopics returns the distinct topic names known to the broker.
func (a *Admin) ListTopics(ctx context.Context) ([]string, error) {
	conn, err := a.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions()
	if err != nil {
		return nil, fmt.Errorf("kafka: failed to read partitions: %w", err)
	}

	seen := make(map[string]bool)
	var topics []string
	for _, p := range partitions {
		if !seen[p.Topic] {
			seen[p.Topic] = true
			topics = append(topics, p.Topic)
		}
	}
	return topics, nil
}

// EnsureTopics creates any configured topic that does not exist yet.
func (a *Admin) EnsureTopics(ctx context.Context) error {
	existing, err := a.ListTopics(ctx)
	if err != nil {
		return err
	}
	for _, t := range missingTopics(a.config.Topics(), existing) {
		if err := a.CreateTopic(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func missingTopics(want []TopicConfig, existing []string) []TopicConfig {
	have := make(map[string]bool, len(existing))
	for _, name := range existing {
		have[name] = true
	}
	var out []TopicConfig
	for _, t := range want {
		if !have[t.Name] {
			out = append(out, t)
		}
	}
	return out
}

// HealthCheck dials the first broker and counts the cluster's brokers.
func (a *Admin) HealthCheck(ctx context.Context) HealthStatus {
	status := HealthStatus{LastCheck: time.Now()}
	start := time.Now()

	conn, err := a.dial(ctx)
	if err != nil {
		status.Error = err.Error()
		return status
	}
	defer conn.Close()

	brokers, err := conn.Brokers()
	if err != nil {
		status.Error = fmt.Sprintf("failed to get brokers: %v", err)
		return status
	}

	status.Latency = time.Since(start)
	status.Connected = true
	status.Healthy = len(brokers) > 0
	status.BrokerCount = len(brokers)
	return status
}
