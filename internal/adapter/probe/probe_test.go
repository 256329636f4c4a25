package probe

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/crabzie/Auction-Stack-Orchestrator/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestProbe_HTTP(t *testing.T) {
	var code atomic.Int32
	code.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(int(code.Load()))
	}))
	defer srv.Close()

	p := NewProber(zap.NewNop())
	spec := &domain.HealthCheckSpec{Type: domain.ProbeHTTP, Target: srv.URL}

	require.NoError(t, p.Probe(context.Background(), spec))

	code.Store(http.StatusServiceUnavailable)
	err := p.Probe(context.Background(), spec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestProbe_TCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	p := NewProber(zap.NewNop())
	require.NoError(t, p.Probe(context.Background(),
		&domain.HealthCheckSpec{Type: domain.ProbeTCP, Target: ln.Addr().String()}))
}

func TestProbe_TCPRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	p := NewProber(zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.Error(t, p.Probe(ctx, &domain.HealthCheckSpec{Type: domain.ProbeTCP, Target: addr}))
}

func TestProbe_Cmd(t *testing.T) {
	p := NewProber(zap.NewNop())
	ctx := context.Background()

	require.NoError(t, p.Probe(ctx,
		&domain.HealthCheckSpec{Type: domain.ProbeCmd, Command: []string{"true"}}))
	require.Error(t, p.Probe(ctx,
		&domain.HealthCheckSpec{Type: domain.ProbeCmd, Command: []string{"false"}}))
	require.Error(t, p.Probe(ctx,
		&domain.HealthCheckSpec{Type: domain.ProbeCmd, Command: nil}))
}

func TestProbe_UnknownType(t *testing.T) {
	p := NewProber(zap.NewNop())
	err := p.Probe(context.Background(), &domain.HealthCheckSpec{Type: "icmp"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "icmp")
}
