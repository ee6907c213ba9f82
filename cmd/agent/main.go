package main

import (
	"context"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"slotsync/internal/api"
	"slotsync/internal/config"
	"slotsync/internal/events"
	"slotsync/internal/export"
	"slotsync/internal/logging"
	"slotsync/internal/metrics"
	"slotsync/internal/netmon"
	"slotsync/internal/notify"
	"slotsync/internal/queue"
	"slotsync/internal/recurrence"
	"slotsync/internal/remote"
	"slotsync/internal/repository"
	"slotsync/internal/session"
	"slotsync/internal/store"
	"slotsync/internal/syncer"

	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func(c io.Closer) { _ = c.Close() })(closer)
	}

	if err := prepareDirectories(cfg, &logger); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.Register()

	eventBus := events.NewEventBus()

	actionStore, err := initStore(cfg, eventBus, &logger)
	if err != nil {
		return err
	}
	defer actionStore.Close()

	retry := queue.RetryPolicy{
		MaxAttempts:   cfg.Sync.MaxAttempts,
		InitialDelay:  time.Duration(cfg.Sync.BaseBackoffMillis) * time.Millisecond,
		MaxDelay:      time.Duration(cfg.Sync.MaxBackoffSeconds) * time.Second,
		BackoffFactor: cfg.Sync.BackoffFactor,
	}

	client := remote.NewClient(cfg.Server, &logger)

	var syncEngine *syncer.Engine
	queueManager := queue.NewManager(actionStore, retry, cfg.Retention(), eventBus, &logger,
		queue.WithDegraded(actionStore.Degraded),
		queue.WithLastSync(func() *time.Time {
			if syncEngine == nil {
				return nil
			}
			return syncEngine.LastSyncAt()
		}))

	syncEngine = syncer.New(queueManager, client, actionStore, eventBus, &logger,
		cfg.Sync.BatchSize, cfg.Sync.Concurrency, cfg.ServerTimeout())

	monitor := netmon.New(client, queueManager, syncEngine, eventBus, netmon.Config{
		ProbeInterval:   time.Duration(cfg.Monitor.ProbeIntervalSeconds) * time.Second,
		StabilityWindow: time.Duration(cfg.Monitor.StabilityWindowSeconds) * time.Second,
		StableProbes:    cfg.Monitor.StableProbes,
		RetriggerRPS:    cfg.Monitor.RetriggerRPS,
	}, logger)
	go monitor.Run(ctx)

	drafts := initDrafts(ctx, cfg, &logger)
	sessionEngine := session.NewEngine(drafts, queueManager, client, actionStore, monitor, eventBus, cfg.SessionTTL(), logger)

	generator := recurrence.NewGenerator(actionStore, queueManager, cfg.ConflictBuffer(), logger)
	exporter := export.NewExporter(queueManager, cfg.Exports.Path, logger)

	if cfg.Notifications.Telegram.Enabled {
		notifier, err := notify.NewTelegramNotifier(cfg.Notifications.Telegram.BotToken, cfg.Notifications.Telegram.ChatID, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("telegram notifier disabled")
		} else {
			notifier.Attach(eventBus)
		}
	}

	go runRetentionLoop(ctx, queueManager, &logger)
	go runQueueGaugeLoop(ctx, queueManager, &logger)

	if cfg.API.Enabled {
		apiServer := api.NewHTTPServer(cfg.API, queueManager, syncEngine, sessionEngine, generator, exporter, monitor, actionStore.Degraded, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error().Err(err).Msg("API server error")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = apiServer.Shutdown(shutdownCtx)
		}()
	}

	logger.Info().Str("device_id", cfg.App.DeviceID).Msg("agent started")
	<-ctx.Done()
	logger.Info().Msg("shutting down")
	return nil
}

func loadConfigAndLogger() (*config.Config, zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, err
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, err
	}
	logger := baseLogger.With().Str("component", "agent").Logger()
	return cfg, logger, closer, nil
}

func prepareDirectories(cfg *config.Config, logger *zerolog.Logger) error {
	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		logger.Error().Err(err).Msg("failed to create database directory")
		return err
	}
	if err := os.MkdirAll(cfg.Exports.Path, 0o755); err != nil {
		logger.Error().Err(err).Msg("failed to create export directory")
		return err
	}
	return nil
}

// failoverStore is the process-wide store: SQLite while healthy, memory
// after degradation.
type failoverStore struct {
	*store.Failover
	sqlite *store.SQLite
}

func (s *failoverStore) Close() {
	if s.sqlite != nil {
		_ = s.sqlite.Close()
	}
}

func initStore(cfg *config.Config, bus *events.EventBus, logger *zerolog.Logger) (*failoverStore, error) {
	sqlite, err := store.NewSQLite(cfg.Database.Path)
	if err != nil {
		logger.Error().Err(err).Msg("failed to open local database")
		return nil, err
	}

	failover := store.NewFailover(sqlite, store.NewMemory(), logger)
	failover.AttachBus(bus)
	return &failoverStore{Failover: failover, sqlite: sqlite}, nil
}

func initDrafts(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) *repository.FailoverDraftRepository {
	fallback := repository.NewMemoryDraftRepository(cfg.SessionTTL())
	if !cfg.Redis.Enabled {
		return repository.NewFailoverDraftRepository(fallback, fallback, logger)
	}

	redisClient := repository.NewRedisClient(cfg.Redis)
	if err := repository.Ping(ctx, redisClient); err != nil {
		logger.Warn().Err(err).Msg("Redis unavailable")
	}
	primary := repository.NewRedisDraftRepository(redisClient, cfg.SessionTTL())
	return repository.NewFailoverDraftRepository(primary, fallback, logger)
}

// runQueueGaugeLoop keeps the queue depth gauges current even when
// nobody polls the stats endpoint. Stats itself mirrors the counts
// into Prometheus.
func runQueueGaugeLoop(ctx context.Context, q *queue.Manager, logger *zerolog.Logger) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.Stats(ctx); err != nil {
				logger.Warn().Err(err).Msg("queue stats refresh failed")
			}
		}
	}
}

// runRetentionLoop purges terminal actions past the retention window.
func runRetentionLoop(ctx context.Context, q *queue.Manager, logger *zerolog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := q.Purge(ctx)
			if err != nil {
				logger.Warn().Err(err).Msg("retention purge failed")
				continue
			}
			if purged > 0 {
				logger.Info().Int64("purged", purged).Msg("retention purge completed")
			}
		}
	}
}
