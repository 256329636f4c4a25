package port

import (
	"context"
	"time"

	"github.com/crabzie/Auction-Stack-Orchestrator/internal/core/domain"
)

// TaskHandler executes one claimed task. A nil return acknowledges the
// delivery; an error hands the retry decision back to the caller.
type TaskHandler func(ctx context.Context, task *domain.Task) error

// QueueService publishes and consumes tasks on exactly one broker
// endpoint. The per-endpoint binding is the isolation boundary between
// tiers: a process holds one QueueService and can never see the other
// tier's queues.
type QueueService interface {
	Publish(ctx context.Context, task *domain.Task) error
	// PublishAfter re-enqueues task once delay has elapsed without
	// blocking the caller.
	PublishAfter(ctx context.Context, task *domain.Task, delay time.Duration) error
	// Consume claims tasks from one named queue and runs handler for
	// each. It returns once consumption is set up; deliveries flow
	// until ctx is cancelled.
	Consume(ctx context.Context, queue string, handler TaskHandler) error
	Close() error
}

// DeadLetterRepository stores tasks that exhausted their retry budget.
type DeadLetterRepository interface {
	Save(ctx context.Context, dl *domain.DeadLetter) error
	ListByQueue(ctx context.Context, queue string, limit int) ([]*domain.DeadLetter, error)
	// Replay removes the dead letter for taskID and returns it so the
	// caller can re-enqueue the preserved payload.
	Replay(ctx context.Context, taskID string) (*domain.DeadLetter, error)
}

// LeaseCoordinator is a time-bounded exclusivity claim (Redis). All
// operations are token-fenced: Renew and Release succeed only for the
// instance that acquired the lease.
type LeaseCoordinator interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Renew(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// Prober executes one health check round trip.
type Prober interface {
	Probe(ctx context.Context, spec *domain.HealthCheckSpec) error
}

// ProcessHandle controls one started service process.
type ProcessHandle interface {
	// Stop signals the process to terminate and force-kills it if it
	// has not exited within grace.
	Stop(ctx context.Context, grace time.Duration) error
	// Done is closed when the process exits on its own.
	Done() <-chan struct{}
}

// ProcessRunner launches service node processes.
type ProcessRunner interface {
	Start(ctx context.Context, node *domain.ServiceNode) (ProcessHandle, error)
}

// HealthSource is the read side of the resolver's state registry.
// Consumers (gateway, admin endpoint) only ever observe snapshots;
// mutation stays with the resolver.
type HealthSource interface {
	State(name string) domain.NodeState
	Snapshot() map[string]domain.NodeState
}
