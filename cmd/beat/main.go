package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/crabzie/Auction-Stack-Orchestrator/config/logger"
	redisConfig "github.com/crabzie/Auction-Stack-Orchestrator/config/storage/redis"
	config "github.com/crabzie/Auction-Stack-Orchestrator/config/utils"
	"github.com/crabzie/Auction-Stack-Orchestrator/internal/adapter/monitoring/prometheus"
	"github.com/crabzie/Auction-Stack-Orchestrator/internal/adapter/queue/rabbitmq"
	redisAdapter "github.com/crabzie/Auction-Stack-Orchestrator/internal/adapter/storage/redis"
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

	beatCfg := appConfig.Beat
	if beatCfg == nil || beatCfg.Tier == "" {
		log.Fatal("No beat tier configured (beat.tier / TIER)")
	}
	tier := beatCfg.Tier
	log = log.With(zap.String("service", "beat"), zap.String("tier", tier))
	log.Info("Starting beat")

	// 2. Init Adapters

	// Redis holds the singleton lease.
	redisService, err := redisConfig.New(rootCtx, appConfig.Redis)
	if err != nil {
		log.Fatal("Failed to init Redis", zap.Error(err))
	}
	lease := redisAdapter.NewLeaseCoordinator(redisService.Client, log)

	// RabbitMQ: this tier's endpoint only.
	brokerURL := appConfig.BrokerURL(tier)
	if brokerURL == "" {
		log.Fatal("No broker endpoint configured for tier", zap.String("tier", tier))
	}
	queueService, err := rabbitmq.NewQueueService(brokerURL, log)
	if err != nil {
		log.Fatal("Failed to init RabbitMQ", zap.Error(err))
	}

	// 3. Init Beat
	metrics := prometheus.New()
	beat := service.NewBeat(tier, lease, queueService, beatCfg.Schedules,
		service.BeatOptions{LeaseTTL: beatCfg.LeaseTTL}, log)
	beat.SetFiredHook(metrics.ObserveBeatFire)

	if beatCfg.AdminAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		srv := &http.Server{Addr: beatCfg.AdminAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("Admin endpoint failed", zap.Error(err))
			}
		}()
		defer srv.Close()
	}

	// 4. Run; blocks until shutdown. The lease is released on the way
	// out so a standby can take over without waiting for the TTL.
	if err := beat.Run(rootCtx); err != nil {
		log.Fatal("Beat failed", zap.Error(err))
	}

	queueService.Close()
	redisService.Close()
	log.Info("Shutdown complete")
}
