package service

import (
	"context"
	"testing"
	"time"

	"github.com/crabzie/Auction-Stack-Orchestrator/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func minutelyEntry() *domain.ScheduledTask {
	return &domain.ScheduledTask{
		Name:        "minutely",
		Spec:        "@every 1m",
		TargetQueue: "entities.default",
		MaxAttempts: 3,
	}
}

var beatStart = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestBeat_FiresExactlyOncePerPeriod(t *testing.T) {
	clk := newFakeClock(beatStart)
	queue := newFakeQueue()
	fired := make(chan *domain.Task, 16)
	queue.notify = fired

	state := &leaseState{}
	b := NewBeat("entities", &fakeLease{state: state}, queue,
		[]*domain.ScheduledTask{minutelyEntry()},
		BeatOptions{LeaseTTL: 24 * time.Hour, AcquireRetry: time.Hour}, zap.NewNop())
	b.SetClock(clk.Now, clk.After)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	// Ten simulated minutes, one fire per minute boundary.
	for i := 0; i < 10; i++ {
		require.True(t, clk.AwaitTimers(2), "beat never armed its timers")
		clk.Advance(time.Minute)
		select {
		case task := <-fired:
			assert.Equal(t, "minutely", task.Name)
			assert.Equal(t, "entities.default", task.Queue)
			assert.Equal(t, 3, task.MaxAttempts)
		case <-time.After(2 * time.Second):
			t.Fatalf("no fire after minute %d", i+1)
		}
	}

	published := queue.published()
	require.Len(t, published, 10, "exactly one firing per elapsed period")
	ids := make(map[string]bool, len(published))
	for _, task := range published {
		ids[task.ID] = true
	}
	assert.Len(t, ids, 10, "every firing carries a distinct task id")

	cancel()
	require.NoError(t, <-done)
}

func TestBeat_OnlyLeaseHolderFires(t *testing.T) {
	clk := newFakeClock(beatStart)
	state := &leaseState{}

	queueA, queueB := newFakeQueue(), newFakeQueue()
	a := NewBeat("entities", &fakeLease{state: state}, queueA,
		[]*domain.ScheduledTask{minutelyEntry()},
		BeatOptions{LeaseTTL: 24 * time.Hour, AcquireRetry: 5 * time.Second}, zap.NewNop())
	b := NewBeat("entities", &fakeLease{state: state}, queueB,
		[]*domain.ScheduledTask{minutelyEntry()},
		BeatOptions{LeaseTTL: 24 * time.Hour, AcquireRetry: 5 * time.Second}, zap.NewNop())
	a.SetClock(clk.Now, clk.After)
	b.SetClock(clk.Now, clk.After)

	ctxA, cancelA := context.WithCancel(context.Background())
	ctxB, cancelB := context.WithCancel(context.Background())
	defer cancelB()
	doneA := make(chan error, 1)
	doneB := make(chan error, 1)
	go func() { doneA <- a.Run(ctxA) }()
	go func() { doneB <- b.Run(ctxB) }()

	require.Eventually(t, state.held, 2*time.Second, time.Millisecond)

	// Walk three minutes of virtual time in small steps so both
	// instances get to re-arm between advances.
	for i := 0; i < 185; i++ {
		clk.Advance(time.Second)
		time.Sleep(time.Millisecond)
	}
	require.Eventually(t, func() bool {
		return len(queueA.published())+len(queueB.published()) == 3
	}, 2*time.Second, time.Millisecond, "expected exactly three firings for three periods")

	// All firings came from the single lease holder.
	winner, winnerCancel, winnerDone := queueA, cancelA, doneA
	loser := queueB
	if len(queueB.published()) > 0 {
		winner, winnerCancel, winnerDone = queueB, cancelB, doneB
		loser = queueA
	}
	assert.Len(t, winner.published(), 3)
	assert.Empty(t, loser.published(), "standby instance must not fire")

	// Handover: once the holder exits and releases, the standby takes
	// over and resumes firing without replaying missed periods.
	winnerCancel()
	require.NoError(t, <-winnerDone)
	require.Eventually(t, func() bool {
		clk.Advance(5 * time.Second)
		return len(loser.published()) >= 1
	}, 5*time.Second, 10*time.Millisecond, "standby never took over after release")
	assert.Len(t, winner.published(), 3, "retired holder must not keep firing")
}

func TestBeat_StandbyNeverFiresWhileLeaseHeldElsewhere(t *testing.T) {
	clk := newFakeClock(beatStart)
	state := &leaseState{}
	state.holder = &fakeLease{state: state} // held by some other process

	queue := newFakeQueue()
	b := NewBeat("entities", &fakeLease{state: state}, queue,
		[]*domain.ScheduledTask{minutelyEntry()},
		BeatOptions{LeaseTTL: 24 * time.Hour, AcquireRetry: 5 * time.Second}, zap.NewNop())
	b.SetClock(clk.Now, clk.After)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	for i := 0; i < 300; i++ {
		clk.Advance(time.Second)
		if i%10 == 0 {
			time.Sleep(time.Millisecond)
		}
	}
	assert.Empty(t, queue.published())

	cancel()
	require.NoError(t, <-done)
}

func TestBeat_ReleasesLeaseOnShutdown(t *testing.T) {
	clk := newFakeClock(beatStart)
	state := &leaseState{}

	b := NewBeat("entities", &fakeLease{state: state}, newFakeQueue(),
		[]*domain.ScheduledTask{minutelyEntry()},
		BeatOptions{LeaseTTL: 24 * time.Hour, AcquireRetry: time.Hour}, zap.NewNop())
	b.SetClock(clk.Now, clk.After)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	require.Eventually(t, state.held, 2*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.False(t, state.held(), "shutdown must release the lease instead of waiting out the TTL")
}

func TestBeat_LostLeaseStandsDown(t *testing.T) {
	clk := newFakeClock(beatStart)
	state := &leaseState{}

	queue := newFakeQueue()
	b := NewBeat("entities", &fakeLease{state: state}, queue,
		[]*domain.ScheduledTask{minutelyEntry()},
		BeatOptions{LeaseTTL: 30 * time.Second, RenewInterval: 10 * time.Second, AcquireRetry: time.Hour},
		zap.NewNop())
	b.SetClock(clk.Now, clk.After)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	require.Eventually(t, state.held, 2*time.Second, time.Millisecond)

	// Steal the lease out from under the running instance; its next
	// renew fails and it must stop firing.
	usurper := &fakeLease{state: state}
	state.mu.Lock()
	state.holder = usurper
	state.mu.Unlock()

	require.True(t, clk.AwaitTimers(2))
	clk.Advance(10 * time.Second) // trigger the renew
	for i := 0; i < 120; i++ {
		clk.Advance(time.Second)
		if i%10 == 0 {
			time.Sleep(time.Millisecond)
		}
	}
	assert.Empty(t, queue.published(), "an instance that lost its lease must abstain")

	cancel()
	require.NoError(t, <-done)
}

func TestBeat_BadScheduleSpecFailsFast(t *testing.T) {
	b := NewBeat("entities", &fakeLease{state: &leaseState{}}, newFakeQueue(),
		[]*domain.ScheduledTask{{Name: "broken", Spec: "every minute or so"}},
		BeatOptions{}, zap.NewNop())
	err := b.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
}
