// Package proc launches and stops service node processes.
package proc

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/crabzie/Auction-Stack-Orchestrator/internal/core/domain"
	"github.com/crabzie/Auction-Stack-Orchestrator/internal/core/port"
	"go.uber.org/zap"
)

type runner struct {
	log *zap.Logger
}

func NewRunner(log *zap.Logger) port.ProcessRunner {
	return &runner{log: log}
}

func (r *runner) Start(_ context.Context, node *domain.ServiceNode) (port.ProcessHandle, error) {
	if len(node.Command) == 0 {
		return nil, fmt.Errorf("service %q has no start command", node.Name)
	}

	cmd := exec.Command(node.Command[0], node.Command[1:]...)
	cmd.Dir = node.WorkDir
	cmd.Env = append(os.Environ(), node.Env...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	// Own process group so Stop can signal the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %q: %w", node.Name, err)
	}
	r.log.Info("Process started",
		zap.String("service", node.Name),
		zap.Int("pid", cmd.Process.Pid))

	h := &handle{
		name: node.Name,
		cmd:  cmd,
		done: make(chan struct{}),
		log:  r.log,
	}
	go func() {
		h.waitErr = cmd.Wait()
		close(h.done)
	}()
	return h, nil
}

type handle struct {
	name    string
	cmd     *exec.Cmd
	done    chan struct{}
	waitErr error
	log     *zap.Logger
}

func (h *handle) Done() <-chan struct{} { return h.done }

// Stop sends TERM to the process group, waits up to grace, then KILLs.
func (h *handle) Stop(ctx context.Context, grace time.Duration) error {
	select {
	case <-h.done:
		return nil // already exited
	default:
	}

	pgid := -h.cmd.Process.Pid
	if err := syscall.Kill(pgid, syscall.SIGTERM); err != nil {
		h.log.Warn("TERM failed", zap.String("service", h.name), zap.Error(err))
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
	case <-timer.C:
	}

	h.log.Warn("Grace period expired, killing", zap.String("service", h.name))
	if err := syscall.Kill(pgid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("killing %q: %w", h.name, err)
	}
	<-h.done
	return nil
}
