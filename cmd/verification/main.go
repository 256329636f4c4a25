package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/crabzie/Auction-Stack-Orchestrator/config/logger"
	postgresConfig "github.com/crabzie/Auction-Stack-Orchestrator/config/storage/postgresql"
	redisConfig "github.com/crabzie/Auction-Stack-Orchestrator/config/storage/redis"
	config "github.com/crabzie/Auction-Stack-Orchestrator/config/utils"
	"github.com/crabzie/Auction-Stack-Orchestrator/internal/adapter/queue/rabbitmq"
	"github.com/crabzie/Auction-Stack-Orchestrator/internal/adapter/storage/postgres"
	redisAdapter "github.com/crabzie/Auction-Stack-Orchestrator/internal/adapter/storage/redis"
	"github.com/crabzie/Auction-Stack-Orchestrator/internal/core/domain"
	"github.com/crabzie/Auction-Stack-Orchestrator/internal/core/port"
	"go.uber.org/zap"
)

// verification is a live smoke test against a running stack: dead
// letter store round trip, lease handshake, and the broker isolation
// invariant across the two endpoints.
func main() {
	// 1. Setup Logger & Config
	appConfig := config.New()
	log := logger.Build(appConfig.Logger)
	ctx := context.Background()

	log.Info("Starting Verification...")

	// 2. Test Postgres dead letter store
	log.Info("--- Testing Postgres ---")
	dbService, err := postgresConfig.New(ctx, appConfig.DB, log)
	if err != nil {
		log.Fatal("Failed to connect to DB", zap.Error(err))
	}
	if err := dbService.Migrate(); err != nil {
		log.Fatal("Failed to migrate DB", zap.Error(err))
	}
	repo := postgres.NewDeadLetterRepository(dbService.Pool, log)

	payload, _ := json.Marshal(map[string]string{"vin": "TEST000"})
	dl := &domain.DeadLetter{
		TaskID:       fmt.Sprintf("verify-%d", time.Now().Unix()),
		Name:         "vehicle.refresh",
		Queue:        "entities.default",
		Payload:      payload,
		AttemptCount: 3,
		LastError:    "verification probe",
		FailedAt:     time.Now().UTC(),
	}
	if err := repo.Save(ctx, dl); err != nil {
		log.Error("X Postgres: Save Dead Letter Failed", zap.Error(err))
	} else {
		log.Info("✓ Postgres: Save Dead Letter Success")
	}
	if replayed, err := repo.Replay(ctx, dl.TaskID); err != nil {
		log.Error("X Postgres: Replay Failed", zap.Error(err))
	} else {
		log.Info("✓ Postgres: Replay Success", zap.String("TaskID", replayed.TaskID))
	}

	// 3. Test Redis lease
	log.Info("--- Testing Redis ---")
	redisService, err := redisConfig.New(ctx, appConfig.Redis)
	if err != nil {
		log.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	lease := redisAdapter.NewLeaseCoordinator(redisService.Client, log)

	held, err := lease.TryAcquire(ctx, "verify:lease", 30*time.Second)
	switch {
	case err != nil:
		log.Error("X Redis: Acquire Failed", zap.Error(err))
	case !held:
		log.Error("X Redis: Lease unexpectedly held elsewhere")
	default:
		log.Info("✓ Redis: Lease Acquired")
		if renewed, err := lease.Renew(ctx, "verify:lease", 30*time.Second); err != nil || !renewed {
			log.Error("X Redis: Renew Failed", zap.Error(err))
		} else {
			log.Info("✓ Redis: Lease Renewed")
		}
		if err := lease.Release(ctx, "verify:lease"); err != nil {
			log.Error("X Redis: Release Failed", zap.Error(err))
		} else {
			log.Info("✓ Redis: Lease Released")
		}
	}

	// 4. Test broker endpoints and isolation
	log.Info("--- Testing Brokers ---")
	entitiesURL := appConfig.BrokerURL("entities")
	parsersURL := appConfig.BrokerURL("parsers")
	if entitiesURL == "" || parsersURL == "" {
		log.Error("X Brokers: both tiers must have endpoints configured")
		os.Exit(1)
	}

	entitiesQ, err := rabbitmq.NewQueueService(entitiesURL, log)
	if err != nil {
		log.Fatal("X RabbitMQ (entities): Connection Failed", zap.Error(err))
	}
	parsersQ, err := rabbitmq.NewQueueService(parsersURL, log)
	if err != nil {
		log.Fatal("X RabbitMQ (parsers): Connection Failed", zap.Error(err))
	}

	// Consume a probe queue on the entities endpoint, publish the same
	// queue name on the parsers endpoint: nothing may cross over.
	var crossed atomic.Int64
	consumeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err = entitiesQ.Consume(consumeCtx, "verify.isolation", port.TaskHandler(
		func(_ context.Context, _ *domain.Task) error {
			crossed.Add(1)
			return nil
		}))
	if err != nil {
		log.Error("X RabbitMQ (entities): Consume Failed", zap.Error(err))
	}

	probe := &domain.Task{ID: "verify-isolation", Name: "noop", Queue: "verify.isolation"}
	if err := parsersQ.Publish(ctx, probe); err != nil {
		log.Error("X RabbitMQ (parsers): Publish Failed", zap.Error(err))
	} else {
		log.Info("✓ RabbitMQ (parsers): Publish Success")
	}

	<-consumeCtx.Done()
	if n := crossed.Load(); n > 0 {
		log.Error("X Isolation: task published on parsers endpoint reached entities consumer",
			zap.Int64("count", n))
	} else {
		log.Info("✓ Isolation: endpoints are disjoint")
	}

	entitiesQ.Close()
	parsersQ.Close()
	redisService.Close()
	dbService.Close()

	log.Info("Verification Complete.")
}
