package service

import (
	"context"
	"fmt"
	"time"

	"github.com/crabzie/Auction-Stack-Orchestrator/internal/core/domain"
	"github.com/crabzie/Auction-Stack-Orchestrator/internal/core/port"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// BeatOptions tune the lease handshake.
type BeatOptions struct {
	LeaseTTL      time.Duration
	RenewInterval time.Duration
	AcquireRetry  time.Duration
}

// Beat is the periodic scheduler for one tier. At most one instance
// per tier fires: the lease holder. An instance that cannot acquire or
// renew the lease abstains entirely, so a rolling restart may skip a
// firing during handover but can never duplicate one. Missed firings
// are not backfilled; next-fire times are recomputed from the wall
// clock when leadership is (re)acquired.
type Beat struct {
	tier    string
	lease   port.LeaseCoordinator
	queue   port.QueueService
	entries []*domain.ScheduledTask
	opts    BeatOptions
	log     *zap.Logger

	fired func(name string) // metrics hook, may be nil

	// Injected clock so firing behavior is testable without real time.
	now   func() time.Time
	after func(d time.Duration) <-chan time.Time
}

func NewBeat(
	tier string,
	lease port.LeaseCoordinator,
	queue port.QueueService,
	entries []*domain.ScheduledTask,
	opts BeatOptions,
	log *zap.Logger,
) *Beat {
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 30 * time.Second
	}
	if opts.RenewInterval <= 0 {
		opts.RenewInterval = opts.LeaseTTL / 3
	}
	if opts.AcquireRetry <= 0 {
		opts.AcquireRetry = 5 * time.Second
	}
	return &Beat{
		tier:    tier,
		lease:   lease,
		queue:   queue,
		entries: entries,
		opts:    opts,
		log:     log,
		now:     time.Now,
		after:   func(d time.Duration) <-chan time.Time { return time.After(d) },
	}
}

// SetFiredHook registers a per-fire observer. Call before Run.
func (b *Beat) SetFiredHook(f func(name string)) { b.fired = f }

// SetClock overrides the wall clock, for tests.
func (b *Beat) SetClock(now func() time.Time, after func(time.Duration) <-chan time.Time) {
	b.now = now
	b.after = after
}

func (b *Beat) leaseKey() string { return fmt.Sprintf("beat:%s:lease", b.tier) }

// Run compiles the schedule and loops between standby and leadership
// until ctx is cancelled.
func (b *Beat) Run(ctx context.Context) error {
	for _, e := range b.entries {
		if err := e.Compile(); err != nil {
			return err
		}
	}
	b.log.Info("Beat starting",
		zap.String("tier", b.tier),
		zap.Int("entries", len(b.entries)),
		zap.Duration("lease_ttl", b.opts.LeaseTTL))

	key := b.leaseKey()
	for {
		held, err := b.lease.TryAcquire(ctx, key, b.opts.LeaseTTL)
		if err != nil {
			b.log.Error("Lease acquire failed", zap.Error(err))
		} else if held {
			b.lead(ctx)
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := b.lease.Release(releaseCtx, key); err != nil {
				b.log.Warn("Lease release failed, will expire by TTL", zap.Error(err))
			}
			cancel()
		} else {
			b.log.Debug("Lease held elsewhere, standing by", zap.String("tier", b.tier))
		}

		select {
		case <-ctx.Done():
			b.log.Info("Beat stopped", zap.String("tier", b.tier))
			return nil
		case <-b.after(b.opts.AcquireRetry):
		}
	}
}

// lead fires schedules while the lease holds. Returns when the lease
// is lost or ctx is cancelled.
func (b *Beat) lead(ctx context.Context) {
	b.log.Info("Acquired beat lease, scheduling",
		zap.String("tier", b.tier), zap.Int("entries", len(b.entries)))

	// Anything that should have fired before now is skipped, not
	// backfilled.
	next := make([]time.Time, len(b.entries))
	for i, e := range b.entries {
		next[i] = e.Next(b.now())
	}

	renewCh := b.after(b.opts.RenewInterval)
	for {
		fireCh := b.nextFireChan(next)
		select {
		case <-ctx.Done():
			return

		case <-renewCh:
			held, err := b.lease.Renew(ctx, b.leaseKey(), b.opts.LeaseTTL)
			if err != nil || !held {
				b.log.Warn("Lost beat lease, standing down",
					zap.String("tier", b.tier), zap.Error(err))
				return
			}
			renewCh = b.after(b.opts.RenewInterval)

		case <-fireCh:
			now := b.now()
			for i, e := range b.entries {
				if next[i].After(now) {
					continue
				}
				b.fire(ctx, e)
				next[i] = e.Next(now)
			}
		}
	}
}

// nextFireChan returns a channel that fires when the soonest schedule
// is due, or never when there are no entries.
func (b *Beat) nextFireChan(next []time.Time) <-chan time.Time {
	var soonest time.Time
	for _, t := range next {
		if soonest.IsZero() || t.Before(soonest) {
			soonest = t
		}
	}
	if soonest.IsZero() {
		return nil
	}
	d := soonest.Sub(b.now())
	if d < 0 {
		d = 0
	}
	return b.after(d)
}

func (b *Beat) fire(ctx context.Context, e *domain.ScheduledTask) {
	task := &domain.Task{
		ID:          uuid.NewString(),
		Name:        e.Name,
		Queue:       e.TargetQueue,
		Payload:     e.Payload,
		MaxAttempts: e.MaxAttempts,
		Backoff:     domain.DefaultBackoff,
		EnqueuedAt:  b.now().UTC(),
	}
	if err := b.queue.Publish(ctx, task); err != nil {
		b.log.Error("Failed to enqueue scheduled task",
			zap.String("schedule", e.Name), zap.Error(err))
		return
	}
	b.log.Info("Scheduled task fired",
		zap.String("tier", b.tier),
		zap.String("schedule", e.Name),
		zap.String("queue", e.TargetQueue),
		zap.String("id", task.ID))
	if b.fired != nil {
		b.fired(e.Name)
	}
}
