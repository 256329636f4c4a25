package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/crabzie/Auction-Stack-Orchestrator/config/logger"
	config "github.com/crabzie/Auction-Stack-Orchestrator/config/utils"
	"github.com/crabzie/Auction-Stack-Orchestrator/internal/adapter/monitoring/prometheus"
	"github.com/crabzie/Auction-Stack-Orchestrator/internal/adapter/probe"
	"github.com/crabzie/Auction-Stack-Orchestrator/internal/adapter/proc"
	"github.com/crabzie/Auction-Stack-Orchestrator/internal/core/domain"
	"github.com/crabzie/Auction-Stack-Orchestrator/internal/core/service"
	"go.uber.org/zap"
)

// _exitUnsatisfiable distinguishes "a dependency never became healthy
// within its budget" from an ordinary crash.
const _exitUnsatisfiable = 2

func main() {
	rootCtx, rootCtxCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer rootCtxCancel()

	// Init config
	appConfig := config.New()
	baseLogger := logger.Build(appConfig.Logger)
	zap.L().Debug("Logger Builded successfully")

	zap.L().Info("Starting the orchestrator",
		zap.String("app", appConfig.App.Name),
		zap.String("env", appConfig.App.Env),
		zap.String("owner", appConfig.App.Owner))

	orchCfg := appConfig.Orchestrator
	if orchCfg == nil || orchCfg.Profile == "" {
		zap.L().Error("No orchestrator profile configured")
		os.Exit(1)
	}
	profile, ok := orchCfg.Profiles[orchCfg.Profile]
	if !ok {
		zap.L().Error("Unknown stack profile", zap.String("profile", orchCfg.Profile))
		os.Exit(1)
	}

	// Build the dependency graph. A cycle is fatal before anything
	// starts.
	graph, err := domain.BuildGraph(profile.Services)
	if err != nil {
		var cycleErr *domain.CycleError
		if errors.As(err, &cycleErr) {
			zap.L().Error("Dependency cycle in stack profile",
				zap.String("profile", orchCfg.Profile),
				zap.Strings("cycle", cycleErr.Nodes))
			os.Exit(_exitUnsatisfiable)
		}
		zap.L().Error("Invalid stack profile", zap.Error(err))
		os.Exit(1)
	}
	zap.L().Info("Built start plan",
		zap.String("profile", orchCfg.Profile),
		zap.Strings("order", graph.Names()))

	metrics := prometheus.New()
	resolver := service.NewResolver(
		graph,
		proc.NewRunner(baseLogger.Named("proc")),
		probe.NewProber(baseLogger.Named("probe")),
		service.ResolverOptions{
			StartTimeout: orchCfg.StartTimeout,
			StopGrace:    orchCfg.StopGrace,
		},
		baseLogger.Named("resolver"),
	)
	resolver.SetStateListener(func(name string, state domain.NodeState) {
		metrics.ObserveNodeState(name, state)
	})

	// Admin endpoint: readers get resolver state through snapshots,
	// never through the resolver's own locks being held open.
	adminAddr := orchCfg.AdminAddr
	if adminAddr == "" {
		adminAddr = ":9600"
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resolver.Snapshot())
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", metrics.Handler())
	adminSrv := &http.Server{Addr: adminAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		zap.L().Info("Admin endpoint listening", zap.String("addr", adminAddr))
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zap.L().Error("Admin endpoint failed", zap.Error(err))
		}
	}()

	err = resolver.Run(rootCtx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	adminSrv.Shutdown(shutdownCtx)
	cancel()

	if err != nil {
		var planErr *domain.PlanError
		if errors.As(err, &planErr) {
			zap.L().Error("Start plan unsatisfiable",
				zap.String("service", planErr.Node),
				zap.Error(planErr.Cause))
			os.Exit(_exitUnsatisfiable)
		}
		zap.L().Error("Orchestrator failed", zap.Error(err))
		os.Exit(1)
	}

	zap.L().Info("Graceful shutdown complete.")
}
