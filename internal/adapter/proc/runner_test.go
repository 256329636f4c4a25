package proc

import (
	"context"
	"testing"
	"time"

	"github.com/crabzie/Auction-Stack-Orchestrator/internal/core/domain"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRunner_DoneClosesOnExit(t *testing.T) {
	r := NewRunner(zap.NewNop())
	h, err := r.Start(context.Background(), &domain.ServiceNode{
		Name:    "quick",
		Command: []string{"true"},
	})
	require.NoError(t, err)

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process never reported exit")
	}
}

func TestRunner_StopTerminatesProcess(t *testing.T) {
	r := NewRunner(zap.NewNop())
	h, err := r.Start(context.Background(), &domain.ServiceNode{
		Name:    "long",
		Command: []string{"sleep", "60"},
	})
	require.NoError(t, err)

	select {
	case <-h.Done():
		t.Fatal("process exited before Stop")
	default:
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.Stop(ctx, time.Second))

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("process still running after Stop")
	}
}

func TestRunner_EmptyCommandRejected(t *testing.T) {
	r := NewRunner(zap.NewNop())
	_, err := r.Start(context.Background(), &domain.ServiceNode{Name: "empty"})
	require.Error(t, err)
}
