package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/crabzie/Auction-Stack-Orchestrator/config/logger"
	postgresConfig "github.com/crabzie/Auction-Stack-Orchestrator/config/storage/postgresql"
	config "github.com/crabzie/Auction-Stack-Orchestrator/config/utils"
	"github.com/crabzie/Auction-Stack-Orchestrator/internal/adapter/monitoring/prometheus"
	"github.com/crabzie/Auction-Stack-Orchestrator/internal/adapter/queue/rabbitmq"
	"github.com/crabzie/Auction-Stack-Orchestrator/internal/adapter/storage/postgres"
	"github.com/crabzie/Auction-Stack-Orchestrator/internal/core/service"
	"go.uber.org/zap"
)

func main() {
	rootCtx, rootCtxCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer rootCtxCancel()

	// 1. Init Config & Logger
	appConfig := config.New()
	log := logger.Build(appConfig.Logger)
	zap.ReplaceGlobals(log)

	workerCfg := appConfig.Worker
	if workerCfg == nil || workerCfg.Tier == "" {
		log.Fatal("No worker tier configured (worker.tier / TIER)")
	}
	tier := workerCfg.Tier
	log = log.With(zap.String("service", "worker"), zap.String("tier", tier))
	log.Info("Starting worker pool")

	// 2. Init Adapters

	// Postgres (dead letter store)
	dbService, err := postgresConfig.New(rootCtx, appConfig.DB, log)
	if err != nil {
		log.Fatal("Failed to init Postgres", zap.Error(err))
	}
	if err := dbService.Migrate(); err != nil {
		log.Fatal("Failed to migrate database", zap.Error(err))
	}
	deadLetters := postgres.NewDeadLetterRepository(dbService.Pool, log)

	// RabbitMQ: exactly this tier's endpoint. The other tier's broker
	// URL is never even read here.
	brokerURL := appConfig.BrokerURL(tier)
	if brokerURL == "" {
		log.Fatal("No broker endpoint configured for tier", zap.String("tier", tier))
	}
	queueService, err := rabbitmq.NewQueueService(brokerURL, log)
	if err != nil {
		log.Fatal("Failed to init RabbitMQ", zap.Error(err))
	}

	// 3. Init Worker Pool
	metrics := prometheus.New()
	pool := service.NewWorkerPool(tier, queueService, deadLetters, workerCfg.Concurrency, log)
	pool.SetMetrics(service.WorkerMetrics{
		TaskDone:   metrics.ObserveTask,
		DeadLetter: metrics.ObserveDeadLetter,
	})
	registerHandlers(pool, tier, log)

	if workerCfg.AdminAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		srv := &http.Server{Addr: workerCfg.AdminAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("Admin endpoint failed", zap.Error(err))
			}
		}()
		defer srv.Close()
	}

	// 4. Start consuming; blocks until shutdown and drains in-flight
	// tasks.
	if err := pool.Start(rootCtx, workerCfg.Queues); err != nil {
		log.Fatal("Worker pool failed", zap.Error(err))
	}

	// Cleanup
	queueService.Close()
	dbService.Close()
	log.Info("Shutdown complete")
}

// registerHandlers wires the tier's task handlers. The tiers' REST
// services own the business logic; handlers talk to them over their
// narrow HTTP interfaces.
func registerHandlers(pool *service.WorkerPool, tier string, log *zap.Logger) {
	client := &http.Client{Timeout: 300 * time.Second}

	switch tier {
	case "entities":
		parsersBase := envOr("PARSERS_API_URL", "http://parsers:8000")
		entitiesBase := envOr("ENTITIES_API_URL", "http://entities:8000")
		parsersKey := os.Getenv("PARSERS_AUTH_TOKEN")

		pool.Handle("vehicle.refresh",
			vehicleRefreshHandler(client, parsersBase, parsersKey, pool.Enqueue))
		pool.Handle("vehicle.update",
			vehicleUpdateHandler(client, entitiesBase, log))

	case "parsers":
		pool.Handle("listings.fetch", listingsFetchHandler(client, log))
		pool.Handle("fees.parse", feesParseHandler(log))

	default:
		log.Warn("No handlers known for tier, pool will dead-letter everything",
			zap.String("tier", tier))
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
