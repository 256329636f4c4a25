// Package probe executes health check round trips against service
// endpoints: HTTP GET, raw TCP dial, or an arbitrary check command.
package probe

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"time"

	"github.com/crabzie/Auction-Stack-Orchestrator/internal/core/domain"
	"github.com/crabzie/Auction-Stack-Orchestrator/internal/core/port"
	"go.uber.org/zap"
)

type prober struct {
	client *http.Client
	dialer *net.Dialer
	log    *zap.Logger
}

func NewProber(log *zap.Logger) port.Prober {
	return &prober{
		// Per-probe deadlines come from the caller's context; these are
		// hard caps against spec-less misconfiguration.
		client: &http.Client{Timeout: 30 * time.Second},
		dialer: &net.Dialer{},
		log:    log,
	}
}

func (p *prober) Probe(ctx context.Context, spec *domain.HealthCheckSpec) error {
	switch spec.Type {
	case domain.ProbeHTTP:
		return p.probeHTTP(ctx, spec.Target)
	case domain.ProbeTCP:
		return p.probeTCP(ctx, spec.Target)
	case domain.ProbeCmd:
		return p.probeCmd(ctx, spec.Command)
	default:
		return fmt.Errorf("unknown probe type %q", spec.Type)
	}
}

func (p *prober) probeHTTP(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("health endpoint returned %d", resp.StatusCode)
	}
	return nil
}

func (p *prober) probeTCP(ctx context.Context, addr string) error {
	conn, err := p.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

func (p *prober) probeCmd(ctx context.Context, command []string) error {
	if len(command) == 0 {
		return fmt.Errorf("cmd probe with empty command")
	}
	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		p.log.Debug("Probe command failed",
			zap.Strings("command", command),
			zap.ByteString("output", out))
		return fmt.Errorf("probe command: %w", err)
	}
	return nil
}
