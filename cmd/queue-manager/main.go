package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
	"go.uber.org/zap"

	"rental-queue/internal/api"
	"rental-queue/internal/common/auth"
	awsx "rental-queue/internal/common/aws"
	"rental-queue/internal/common/camunda"
	"rental-queue/internal/common/config"
	"rental-queue/internal/common/database"
	"rental-queue/internal/common/logger"
	"rental-queue/internal/common/observability"
	"rental-queue/internal/history"
	"rental-queue/internal/queue"

	pcr "rental-queue/internal/workers/application/provision-chat-room"
	ra "rental-queue/internal/workers/application/review-application"
	sn "rental-queue/internal/workers/application/send-notification"
	sa "rental-queue/internal/workers/application/submit-application"
	wa "rental-queue/internal/workers/application/withdraw-application"
)

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			time.Sleep(delay)
			delay *= 2
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	zapLog := logger.New(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)
	defer zapLog.Sync()
	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("Starting queue manager...", zap.String("environment", cfg.App.Environment))

	obs, err := observability.New(cfg.App.Name)
	if err != nil {
		zapLog.Warn("otel metrics exporter unavailable", zap.Error(err))
	}
	defer obs.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- PostgreSQL ---
	var pg *database.PostgresClient
	err = retryWithBackoff(func() error {
		var err error
		pg, err = database.NewPostgres(cfg.Database.Postgres)
		if err != nil {
			return err
		}
		return pg.Ping(ctx)
	}, 15, 2*time.Second, zapLog, "PostgreSQL connection")
	if err != nil {
		zapLog.Fatal("postgres failed after retries", zap.Error(err))
	}
	defer pg.Close()
	zapLog.Info("PostgreSQL connected successfully")

	store := queue.NewPostgresStore(pg, queue.StoreConfig{
		TxTimeout: config.GetDuration(cfg.Queue.TxTimeout),
		Retry: queue.RetryPolicy{
			Attempts:  cfg.Queue.RetryAttempts,
			BaseDelay: config.GetDuration(cfg.Queue.RetryBaseDelay),
			MaxDelay:  queue.DefaultRetryPolicy.MaxDelay,
		},
	}, log)
	if cfg.Database.Postgres.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			zapLog.Fatal("schema migration failed", zap.Error(err))
		}
		zapLog.Info("Queue schema applied")
	}

	// --- Redis ---
	var rdb *database.RedisClient
	err = retryWithBackoff(func() error {
		var err error
		rdb, err = database.NewRedis(cfg.Database.Redis)
		if err != nil {
			return err
		}
		return rdb.Ping(ctx)
	}, 10, 2*time.Second, zapLog, "Redis connection")
	if err != nil {
		zapLog.Fatal("redis failed after retries", zap.Error(err))
	}
	defer rdb.Close()
	zapLog.Info("Redis connected successfully")

	keycloak := auth.NewKeycloakClient(
		cfg.Auth.Keycloak.URL,
		cfg.Auth.Keycloak.Realm,
		cfg.Auth.Keycloak.ClientID,
		cfg.Auth.Keycloak.ClientSecret,
	)
	gate := auth.NewListingGate(auth.ListingGateConfig{
		OwnerCacheTTL: time.Duration(cfg.Queue.OwnerCacheTTL) * time.Second,
		AdminRole:     cfg.Auth.Keycloak.AdminRole,
	}, pg.DB, rdb, keycloak, log)

	opts := []queue.Option{queue.WithObservability(obs)}
	checks := map[string]api.Checker{
		"postgres": pg.Ping,
		"redis":    rdb.Ping,
	}

	// --- Elasticsearch (optional) ---
	if cfg.Database.Elasticsearch.Enabled {
		var esClient *database.ElasticsearchClient
		err = retryWithBackoff(func() error {
			var err error
			esClient, err = database.NewElasticsearch(cfg.Database.Elasticsearch)
			if err != nil {
				return err
			}
			return esClient.Ping(ctx)
		}, 15, 2*time.Second, zapLog, "Elasticsearch connection")
		if err != nil {
			zapLog.Fatal("elasticsearch failed after retries", zap.Error(err))
		}

		indexer := history.NewIndexer(esClient.Client, esClient.HistoryIndex, log)
		if err := indexer.EnsureIndex(ctx); err != nil {
			zapLog.Warn("history index not ready, indexing will be retried per batch", zap.Error(err))
		}
		opts = append(opts, queue.WithEventSinks(indexer), queue.WithHistoryReader(indexer))
		checks["elasticsearch"] = esClient.Ping
		zapLog.Info("Elasticsearch connected successfully")
	}

	// --- Zeebe (optional) ---
	var zeebe *camunda.Client
	if cfg.Camunda.Enabled {
		err = retryWithBackoff(func() error {
			var err error
			zeebe, err = camunda.NewClientWithConfig(&camunda.ClientConfig{
				GatewayAddress:         cfg.Camunda.BrokerAddress,
				UsePlaintextConnection: true,
			})
			return err
		}, 10, 2*time.Second, zapLog, "Zeebe client initialization")
		if err != nil {
			zapLog.Fatal("zeebe client failed after retries", zap.Error(err))
		}
		defer zeebe.Close()
		opts = append(opts, queue.WithEventSinks(camunda.NewEventPublisher(zeebe, time.Hour)))
		checks["zeebe"] = zeebe.HealthCheck
		zapLog.Info("Zeebe client connected successfully")
	}

	manager := queue.NewManager(queue.Config{NotesMaxLength: cfg.Queue.NotesMaxLength}, store, gate, log, opts...)

	// --- Notification delivery ---
	awsCfg, err := awsx.LoadConfig(ctx, cfg.Notifications.AWS.Region)
	if err != nil {
		zapLog.Fatal("load AWS config", zap.Error(err))
	}
	notifyWorker := config.GetWorkerConfig(cfg, sn.TaskType)
	notifier := sn.NewHandler(
		sn.LoadConfig(cfg.Notifications, notifyWorker),
		pg, keycloak,
		awsx.NewSESClient(awsCfg), awsx.NewSNSClient(awsCfg),
		log,
	)
	go drainOutbox(ctx, notifier, config.GetDuration(notifyWorker.PollInterval), zapLog)

	// --- Job workers ---
	var workers []worker.JobWorker
	if zeebe != nil {
		register := func(taskType string, h camunda.HandlerFunc) {
			if w := camunda.StartWorker(zeebe.GetClient(), taskType, config.GetWorkerConfig(cfg, taskType), h, zapLog); w != nil {
				workers = append(workers, w)
			}
		}
		register(sa.TaskType, sa.NewHandler(sa.LoadConfig(config.GetWorkerConfig(cfg, sa.TaskType)), manager, log).Handle)
		register(ra.TaskType, ra.NewHandler(ra.LoadConfig(config.GetWorkerConfig(cfg, ra.TaskType)), manager, log).Handle)
		register(wa.TaskType, wa.NewHandler(wa.LoadConfig(config.GetWorkerConfig(cfg, wa.TaskType)), manager, log).Handle)
		register(pcr.TaskType, pcr.NewHandler(pcr.LoadConfig(config.GetWorkerConfig(cfg, pcr.TaskType)), manager, log).Handle)
		register(sn.TaskType, notifier.Handle)
		zapLog.Info("Job workers registered", zap.Int("count", len(workers)))
	}

	// --- HTTP API ---
	limiter := api.NewRateLimiter(rdb.Client, cfg.Queue.SubmitRateLimit,
		time.Duration(cfg.Queue.SubmitRateWindow)*time.Second, log)
	server := api.NewServer(api.Config{RequestTimeout: config.GetDuration(cfg.HTTP.RequestTimeout)},
		manager, keycloak, limiter, checks, log)

	httpServer := &http.Server{
		Addr:              cfg.HTTP.Address,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		zapLog.Info("HTTP API listening", zap.String("address", cfg.HTTP.Address))
		if err := httpServer.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			zapLog.Error("HTTP server failed", zap.Error(err))
			stop()
		}
	}()

	// --- Graceful Shutdown ---
	<-ctx.Done()
	zapLog.Info("Shutdown signal received, stopping...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zapLog.Error("Error shutting down HTTP server", zap.Error(err))
	}
	for _, w := range workers {
		w.Close()
		w.AwaitClose()
	}

	zapLog.Info("Queue manager stopped gracefully")
}

// drainOutbox polls the notification outbox until ctx is cancelled. The
// send-notification job worker may drain the same table; rows are claimed
// with SKIP LOCKED so the two never deliver one row twice.
func drainOutbox(ctx context.Context, h *sn.Handler, interval time.Duration, log *zap.Logger) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := h.Execute(ctx, &sn.Input{}); err != nil {
				log.Warn("outbox drain failed", zap.Error(err))
			}
		}
	}
}
