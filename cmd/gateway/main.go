package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/crabzie/Auction-Stack-Orchestrator/config/logger"
	config "github.com/crabzie/Auction-Stack-Orchestrator/config/utils"
	"github.com/crabzie/Auction-Stack-Orchestrator/internal/adapter/gateway"
	"go.uber.org/zap"
)

func main() {
	rootCtx, rootCtxCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer rootCtxCancel()

	// 1. Init Config & Logger
	appConfig := config.New()
	log := logger.Build(appConfig.Logger)
	zap.ReplaceGlobals(log)
	log = log.With(zap.String("service", "gateway"))

	gwCfg := appConfig.Gateway
	if gwCfg == nil || gwCfg.Listen == "" {
		log.Fatal("No gateway listen address configured")
	}
	if gwCfg.CertFile == "" || gwCfg.KeyFile == "" {
		log.Fatal("Gateway requires cert_file and key_file")
	}

	// 2. Health source: poll the orchestrator's status endpoint. Until
	// the first poll lands, every upstream reads as not ready.
	poller := gateway.NewStatusPoller(gwCfg.StatusURL, gwCfg.PollInterval, log.Named("health"))
	go poller.Run(rootCtx)

	// 3. Routing table
	routes := make([]gateway.Route, 0, len(gwCfg.Routes))
	for _, r := range gwCfg.Routes {
		routes = append(routes, gateway.Route{
			Prefix:    r.Prefix,
			Upstream:  r.Upstream,
			Service:   r.Service,
			Protected: r.Protected,
		})
	}
	router, err := gateway.NewRouter(routes, poller, gwCfg.AuthKey, gateway.Timeouts{
		Connect: gwCfg.Timeouts.Connect,
		Send:    gwCfg.Timeouts.Send,
		Read:    gwCfg.Timeouts.Read,
	}, log)
	if err != nil {
		log.Fatal("Invalid routing table", zap.Error(err))
	}
	log.Info("Routing table built", zap.Int("routes", len(routes)))

	// 4. Serve TLS until shutdown
	if err := router.Serve(rootCtx, gwCfg.Listen, gwCfg.CertFile, gwCfg.KeyFile); err != nil && err != http.ErrServerClosed {
		log.Fatal("Gateway failed", zap.Error(err))
	}
	log.Info("Shutdown complete")
}
