// Package gateway terminates TLS and routes external traffic to the
// application tiers, refusing upstreams the orchestrator has not marked
// healthy.
package gateway

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/crabzie/Auction-Stack-Orchestrator/internal/core/domain"
	"github.com/crabzie/Auction-Stack-Orchestrator/internal/core/port"
	"go.uber.org/zap"
)

// Timeouts is the proxy's trio: connect caps the upstream dial, send
// caps the whole proxied exchange, read caps the wait for upstream
// response headers. Read is typically the longest to tolerate slow
// parser responses.
type Timeouts struct {
	Connect time.Duration
	Send    time.Duration
	Read    time.Duration
}

// Route maps a path prefix to an upstream and the service node whose
// health gates it. Protected prefixes additionally require the API key.
type Route struct {
	Prefix    string
	Upstream  string
	Service   string
	Protected bool
}

type route struct {
	Route
	proxy *httputil.ReverseProxy
}

type Router struct {
	routes   []route
	health   port.HealthSource
	authKey  string
	timeouts Timeouts
	log      *zap.Logger
}

// NewRouter builds the routing table. Routes are matched by longest
// prefix, so declaration order does not matter.
func NewRouter(routes []Route, health port.HealthSource, authKey string, t Timeouts, log *zap.Logger) (*Router, error) {
	if t.Connect <= 0 {
		t.Connect = 5 * time.Second
	}
	if t.Send <= 0 {
		t.Send = 60 * time.Second
	}
	if t.Read <= 0 {
		t.Read = 300 * time.Second
	}

	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: t.Connect}).DialContext,
		TLSHandshakeTimeout:   t.Connect,
		ResponseHeaderTimeout: t.Read,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
	}

	r := &Router{health: health, authKey: authKey, timeouts: t, log: log}
	for _, rt := range routes {
		target, err := url.Parse(rt.Upstream)
		if err != nil {
			return nil, fmt.Errorf("route %q: bad upstream %q: %w", rt.Prefix, rt.Upstream, err)
		}
		proxy := httputil.NewSingleHostReverseProxy(target)
		proxy.Transport = transport
		proxy.ErrorHandler = func(w http.ResponseWriter, req *http.Request, err error) {
			log.Error("Upstream request failed",
				zap.String("path", req.URL.Path), zap.Error(err))
			writeJSONError(w, http.StatusBadGateway, "upstream request failed")
		}
		r.routes = append(r.routes, route{Route: rt, proxy: proxy})
	}
	// Longest prefix first.
	sort.Slice(r.routes, func(i, j int) bool {
		return len(r.routes[i].Prefix) > len(r.routes[j].Prefix)
	})
	return r, nil
}

func (r *Router) match(path string) *route {
	for i := range r.routes {
		if strings.HasPrefix(path, r.routes[i].Prefix) {
			return &r.routes[i]
		}
	}
	return nil
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	rt := r.match(req.URL.Path)
	if rt == nil {
		writeJSONError(w, http.StatusNotFound, "no route")
		return
	}

	if rt.Protected && req.Header.Get("api-key") != r.authKey {
		r.log.Warn("Rejected unauthenticated request to protected path",
			zap.String("path", req.URL.Path))
		writeJSONError(w, http.StatusUnauthorized, "api key required")
		return
	}

	// Not-ready upstreams get a clean 503, never a connection reset,
	// so clients can tell "starting up" from a network failure.
	if state := r.health.State(rt.Service); state != domain.NodeStateHealthy {
		r.log.Debug("Refusing route to unready upstream",
			zap.String("service", rt.Service), zap.String("state", string(state)))
		w.Header().Set("Retry-After", "5")
		writeJSONError(w, http.StatusServiceUnavailable,
			fmt.Sprintf("service %q is not ready", rt.Service))
		return
	}

	ctx, cancel := context.WithTimeout(req.Context(), r.timeouts.Send)
	defer cancel()
	rt.proxy.ServeHTTP(w, req.WithContext(ctx))
}

// Serve runs the TLS listener until ctx is cancelled.
func (r *Router) Serve(ctx context.Context, addr, certFile, keyFile string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		TLSConfig:         &tls.Config{MinVersion: tls.VersionTLS12},
	}

	errCh := make(chan error, 1)
	go func() {
		r.log.Info("Gateway listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServeTLS(certFile, keyFile)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
