package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"ir-orchestrator/internal/actions"
	"ir-orchestrator/internal/analytics"
	"ir-orchestrator/internal/api"
	"ir-orchestrator/internal/config"
	"ir-orchestrator/internal/escalation"
	"ir-orchestrator/internal/kafka"
	"ir-orchestrator/internal/metrics"
	"ir-orchestrator/internal/middleware"
	"ir-orchestrator/internal/orchestrator"
	"ir-orchestrator/internal/planner"
	"ir-orchestrator/internal/scheduler"
	"ir-orchestrator/internal/storage"
	"ir-orchestrator/internal/storage/s3"
	"ir-orchestrator/internal/store"
	"ir-orchestrator/internal/tools"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestration engine and operator API",
	RunE:  runServe,
}

// closer is released in reverse order of acquisition on shutdown.
type closer struct {
	name string
	fn   func() error
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	logger.Info("configuration loaded",
		"listen_addr", cfg.Server.ListenAddr,
		"workers", cfg.Engine.Workers,
		"sla_budget", cfg.Engine.SLABudget,
		"deadline", cfg.Engine.Deadline(),
		"kafka_enabled", cfg.Kafka.Enabled,
		"clickhouse_enabled", cfg.ClickHouse.Enabled,
		"redis_enabled", cfg.Store.Redis.Enabled,
		"postgres_enabled", cfg.Store.Postgres.Enabled,
		"archive_enabled", cfg.Archive.Enabled,
		"nats_enabled", cfg.NATS.Enabled,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var closers []closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].fn(); err != nil {
				logger.Warn("close failed", "component", closers[i].name, "error", err)
			}
		}
	}()

	m := metrics.New(true)

	// Tool registry and action catalog
	registry := tools.NewRegistry(nil)
	if err := tools.LoadFile(registry, cfg.Tools.RegistryPath); err != nil {
		return fmt.Errorf("load tool registry: %w", err)
	}
	catalog := actions.NewCatalog()
	if cfg.Catalog.Path != "" {
		if err := catalog.LoadOverrides(cfg.Catalog.Path); err != nil {
			return fmt.Errorf("load catalog overrides: %w", err)
		}
	}
	logger.Info("tool registry loaded", "tools", len(registry.List()), "path", cfg.Tools.RegistryPath)

	// Tool transports
	httpTransport := tools.NewHTTPTransport(&http.Client{Timeout: cfg.Tools.HTTPTimeout})
	transports := map[string]tools.Transport{
		"http":  httpTransport,
		"https": httpTransport,
	}
	if cfg.NATS.Enabled {
		nc, err := nats.Connect(cfg.NATS.URL,
			nats.Name(cfg.NATS.Name),
			nats.Timeout(cfg.NATS.Timeout),
			nats.MaxReconnects(-1),
		)
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		closers = append(closers, closer{"nats", func() error { return nc.Drain() }})
		transports["nats"] = tools.NewNATSTransport(nc)
		logger.Info("NATS command transport connected", "url", cfg.NATS.URL)
	}
	invoker := tools.NewClient(tools.DefaultDrivers(), transports)

	// Response store and mirrors
	st := store.New(store.Config{
		Retention:     cfg.Store.Retention,
		SweepInterval: cfg.Store.SweepInterval,
		MirrorQueue:   cfg.Store.MirrorQueue,
		MirrorTimeout: cfg.Store.MirrorTimeout,
	}, logger.With("component", "store"))

	if cfg.Store.Redis.Enabled {
		rc, err := storage.NewGoRedisClient(cfg.Store.Redis)
		if err != nil {
			return fmt.Errorf("connect to Redis: %w", err)
		}
		closers = append(closers, closer{"redis", rc.Close})
		rs := storage.NewRedisStore(rc, cfg.Store.Redis.Prefix, cfg.Store.Redis.TTL)
		n, err := st.Restore(ctx, rs)
		if err != nil {
			logger.Warn("response restore failed", "error", err)
		} else {
			logger.Info("responses restored from redis", "count", n)
		}
		st.AddPersister(rs)
	}

	if cfg.Store.Postgres.Enabled {
		pg, err := storage.NewPostgres(ctx, cfg.Store.Postgres)
		if err != nil {
			return fmt.Errorf("connect to Postgres: %w", err)
		}
		closers = append(closers, closer{"postgres", pg.Close})
		st.AddPersister(pg)
	}

	var (
		history    orchestrator.HistorySource
		quarantine kafka.Quarantine
	)
	if cfg.ClickHouse.Enabled {
		ch, err := storage.NewClickHouseClient(cfg.ClickHouse.ClickHouseConfig)
		if err != nil {
			return fmt.Errorf("connect to ClickHouse: %w", err)
		}
		closers = append(closers, closer{"clickhouse", ch.Close})

		if err := storage.NewMigrator(ch, logger).Run(ctx); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		if err := storage.NewRetentionManager(ch, cfg.ClickHouse.Retention, logger).ApplyTTLs(ctx); err != nil {
			logger.Warn("retention policies not applied", "error", err)
		}

		bw := storage.NewBatchWriter(ch, cfg.ClickHouse.BatchWriter, logger.With("component", "batch_writer"))
		closers = append(closers, closer{"batch_writer", bw.Close})
		st.AddPersister(bw)

		history = analytics.NewHistory(ch)
		quarantine = storage.NewQuarantineWriter(ch)
		logger.Info("clickhouse history enabled", "database", ch.Database())
	}

	if cfg.Archive.Enabled {
		client, err := s3.NewClient(ctx, cfg.Archive, logger)
		if err != nil {
			return fmt.Errorf("create S3 client: %w", err)
		}
		st.SetArchiver(s3.NewArchiver(client, nil, logger.With("component", "archiver")))
		logger.Info("response archival enabled", "bucket", client.Bucket())
	}

	// Lifecycle events
	var (
		publisher orchestrator.Publisher
		admin     *kafka.Admin
	)
	if cfg.Kafka.Enabled {
		if err := cfg.Kafka.Validate(); err != nil {
			return fmt.Errorf("invalid kafka config: %w", err)
		}
		admin, err = kafka.NewAdmin(cfg.Kafka, logger)
		if err != nil {
			return fmt.Errorf("create kafka admin: %w", err)
		}
		if err := admin.EnsureTopics(ctx); err != nil {
			logger.Warn("kafka topics not ensured", "error", err)
		}
		pub, err := kafka.NewEventPublisher(cfg.Kafka, logger)
		if err != nil {
			return fmt.Errorf("create event publisher: %w", err)
		}
		closers = append(closers, closer{"event_publisher", pub.Close})
		publisher = pub
	}

	engine, err := orchestrator.New(engineConfig(cfg), orchestrator.Deps{
		Registry:  registry,
		Invoker:   invoker,
		Store:     st,
		Catalog:   catalog,
		Metrics:   m,
		Publisher: publisher,
		History:   history,
		Logger:    logger.With("component", "engine"),
	})
	if err != nil {
		return err
	}

	st.Start()
	engine.Start()

	var consumer *kafka.Consumer
	if cfg.Kafka.Enabled {
		intake := kafka.NewIntake(engine, quarantine, func(err error) bool {
			return errors.Is(err, store.ErrIncidentExists)
		}, logger)
		consumer, err = kafka.NewConsumer(cfg.Kafka, intake.Handle, logger)
		if err != nil {
			return fmt.Errorf("create incident consumer: %w", err)
		}
		if err := consumer.StartAsync(); err != nil {
			return fmt.Errorf("start incident consumer: %w", err)
		}
		logger.Info("incident consumer started", "topic", cfg.Kafka.IncidentsTopic)
	}

	var watcher *tools.Watcher
	if cfg.Tools.Watch {
		watcher, err = tools.NewWatcher(registry, cfg.Tools.RegistryPath, cfg.Tools.Debounce, logger.With("component", "registry_watcher"))
		if err != nil {
			return err
		}
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("registry hot reload disabled", "error", err)
			watcher = nil
		}
	}

	// Operator API
	limiter := middleware.NewRateLimiter(cfg.Server.RateLimit, logger)
	defer limiter.Stop()

	mux := http.NewServeMux()
	apiHandler := api.NewHandler(engine, logger.With("component", "api"))
	if admin != nil {
		apiHandler.WithDependency("kafka", func(ctx context.Context) (bool, any) {
			hs := admin.HealthCheck(ctx)
			return hs.Healthy, hs
		})
	}
	apiHandler.Routes(mux)
	mux.Handle("GET /metrics", m.Handler())

	var handler http.Handler = mux
	handler = middleware.APIKey(cfg.Server.APIKeys, cfg.Server.APIKeyHeader, handler)
	handler = middleware.RateLimit(limiter, func() { m.IntakeRejected("rate_limited") }, handler)
	handler = middleware.Logging(logger, handler)
	handler = middleware.Recovery(logger, handler)

	server := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting operator API", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if depth, ok := engine.Stats()["queue_depth"].(int); ok {
					m.QueueDepth(depth)
				}
			}
		}
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
	case <-gctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Intake first, then the engine, then the store so every mirror write
	// queued by finishing responses is flushed before backends close.
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if consumer != nil {
		if err := consumer.Stop(); err != nil {
			logger.Error("consumer stop error", "error", err)
		}
	}
	if watcher != nil {
		watcher.Stop()
	}
	if err := engine.Stop(shutdownCtx); err != nil {
		logger.Error("engine stop error", "error", err)
	}
	st.Stop()
	cancel()

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// engineConfig maps file configuration onto the engine.
func engineConfig(cfg *config.Config) orchestrator.Config {
	ec := orchestrator.DefaultConfig()
	ec.Workers = cfg.Engine.Workers
	ec.QueueSize = cfg.Engine.QueueSize
	ec.SLABudget = cfg.Engine.SLABudget
	ec.Deadline = cfg.Engine.Deadline()
	ec.ReaperInterval = cfg.Engine.ReaperInterval
	ec.FeedbackMinSamples = cfg.Engine.FeedbackMinSamples

	ec.Scheduler = scheduler.Config{
		InitialBackoff: cfg.Retry.InitialBackoff,
		MaxBackoff:     cfg.Retry.MaxBackoff,
		BackoffFactor:  cfg.Retry.BackoffFactor,
		MaxParallel:    cfg.Engine.MaxParallel,
		AutoApprove:    cfg.Engine.AutoApprove,
	}
	ec.Escalation = escalation.Config{
		MaxRounds:       cfg.Engine.MaxEscalationRounds,
		Channel:         cfg.Escalation.Channel,
		PageOnLastRound: cfg.Escalation.PageOnLastRound,
	}
	pc := planner.DefaultConfig()
	pc.BiasWeight = cfg.Engine.BiasWeight
	ec.Planner = pc
	return ec
}
