package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/crabzie/Auction-Stack-Orchestrator/internal/core/domain"
	"go.uber.org/zap"
)

// StatusPoller implements port.HealthSource by polling the
// orchestrator's /status endpoint. Until the first successful poll
// every node reads as PENDING, which keeps the gateway failing closed.
// A snapshot that has outlived several poll intervals is treated the
// same way: when the orchestrator stops answering, the gateway stops
// vouching for the nodes it used to report healthy.
type StatusPoller struct {
	url        string
	interval   time.Duration
	staleAfter time.Duration
	client     *http.Client
	log        *zap.Logger

	mu        sync.RWMutex
	states    map[string]domain.NodeState
	updatedAt time.Time
}

func NewStatusPoller(url string, interval time.Duration, log *zap.Logger) *StatusPoller {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &StatusPoller{
		url:        url,
		interval:   interval,
		staleAfter: 3 * interval,
		client:     &http.Client{Timeout: 5 * time.Second},
		log:        log,
		states:     make(map[string]domain.NodeState),
	}
}

// Run polls until ctx is cancelled.
func (p *StatusPoller) Run(ctx context.Context) {
	p.poll(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *StatusPoller) poll(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.log.Warn("Orchestrator status poll failed", zap.Error(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		p.log.Warn("Orchestrator status poll returned non-200",
			zap.Int("status", resp.StatusCode))
		return
	}

	var snapshot map[string]domain.NodeState
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		p.log.Warn("Bad status payload", zap.Error(err))
		return
	}

	p.mu.Lock()
	p.states = snapshot
	p.updatedAt = time.Now()
	p.mu.Unlock()
}

func (p *StatusPoller) stale() bool {
	return p.updatedAt.IsZero() || time.Since(p.updatedAt) > p.staleAfter
}

func (p *StatusPoller) State(name string) domain.NodeState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stale() {
		return domain.NodeStatePending
	}
	if s, ok := p.states[name]; ok {
		return s
	}
	return domain.NodeStatePending
}

func (p *StatusPoller) Snapshot() map[string]domain.NodeState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stale() {
		return map[string]domain.NodeState{}
	}
	out := make(map[string]domain.NodeState, len(p.states))
	for k, v := range p.states {
		out[k] = v
	}
	return out
}
