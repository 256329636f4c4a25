package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/crabzie/Auction-Stack-Orchestrator/internal/core/domain"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeAcknowledger records how each delivery was settled.
type fakeAcknowledger struct {
	mu       sync.Mutex
	acked    int
	requeued int
	dropped  int
}

func (a *fakeAcknowledger) Ack(_ uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked++
	return nil
}

func (a *fakeAcknowledger) Nack(_ uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if requeue {
		a.requeued++
	} else {
		a.dropped++
	}
	return nil
}

func (a *fakeAcknowledger) Reject(_ uint64, requeue bool) error {
	return a.Nack(0, false, requeue)
}

func (a *fakeAcknowledger) counts() (acked, requeued, dropped int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acked, a.requeued, a.dropped
}

func delivery(t *testing.T, ack amqp.Acknowledger, tag uint64, name string) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(&domain.Task{ID: "t", Name: name, Queue: "q", MaxAttempts: 1})
	require.NoError(t, err)
	return amqp.Delivery{Acknowledger: ack, DeliveryTag: tag, Body: body}
}

func TestConsumeLoop_DispatchesDeliveriesConcurrently(t *testing.T) {
	q := &queueService{log: zap.NewNop()}
	ack := &fakeAcknowledger{}
	msgs := make(chan amqp.Delivery)

	var current int32
	release := make(chan struct{})
	handler := func(ctx context.Context, task *domain.Task) error {
		atomic.AddInt32(&current, 1)
		<-release
		return nil
	}

	done := make(chan struct{})
	go func() {
		q.consumeLoop(context.Background(), "q", msgs, handler)
		close(done)
	}()

	for i := uint64(1); i <= 3; i++ {
		msgs <- delivery(t, ack, i, "slow")
	}

	// All three handlers must run at once; a serial dispatch loop would
	// sit at one.
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&current) == 3
	}, 2*time.Second, time.Millisecond, "deliveries were dispatched serially")

	close(release)
	close(msgs)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consume loop never returned")
	}

	acked, requeued, dropped := ack.counts()
	assert.Equal(t, 3, acked)
	assert.Zero(t, requeued)
	assert.Zero(t, dropped)
}

func TestConsumeLoop_WaitsForInflightHandlers(t *testing.T) {
	q := &queueService{log: zap.NewNop()}
	ack := &fakeAcknowledger{}
	msgs := make(chan amqp.Delivery)

	release := make(chan struct{})
	handler := func(ctx context.Context, task *domain.Task) error {
		<-release
		return nil
	}

	done := make(chan struct{})
	go func() {
		q.consumeLoop(context.Background(), "q", msgs, handler)
		close(done)
	}()

	msgs <- delivery(t, ack, 1, "slow")
	close(msgs)

	select {
	case <-done:
		t.Fatal("consume loop returned with a handler still in flight")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consume loop never returned after handlers settled")
	}
	acked, _, _ := ack.counts()
	assert.Equal(t, 1, acked)
}

func TestDispatch_SettlesByOutcome(t *testing.T) {
	q := &queueService{log: zap.NewNop()}
	ctx := context.Background()

	t.Run("poison payload discarded", func(t *testing.T) {
		ack := &fakeAcknowledger{}
		q.dispatch(ctx, "q", amqp.Delivery{Acknowledger: ack, Body: []byte("not json")},
			func(ctx context.Context, task *domain.Task) error { return nil })
		_, requeued, dropped := ack.counts()
		assert.Zero(t, requeued)
		assert.Equal(t, 1, dropped)
	})

	t.Run("handler error requeued", func(t *testing.T) {
		ack := &fakeAcknowledger{}
		q.dispatch(ctx, "q", delivery(t, ack, 1, "doomed"),
			func(ctx context.Context, task *domain.Task) error { return errors.New("boom") })
		acked, requeued, _ := ack.counts()
		assert.Zero(t, acked)
		assert.Equal(t, 1, requeued)
	})

	t.Run("nil return acked", func(t *testing.T) {
		ack := &fakeAcknowledger{}
		q.dispatch(ctx, "q", delivery(t, ack, 1, "fine"),
			func(ctx context.Context, task *domain.Task) error { return nil })
		acked, _, _ := ack.counts()
		assert.Equal(t, 1, acked)
	})
}

func TestClose_WaitsForDelayedPublishes(t *testing.T) {
	q := &queueService{log: zap.NewNop()}
	task := &domain.Task{ID: "t", Name: "doomed", Queue: "q", MaxAttempts: 3}

	require.NoError(t, q.PublishAfter(context.Background(), task, 60*time.Millisecond))

	done := make(chan struct{})
	go func() {
		q.Close()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Close returned with a delayed publish still pending")
	case <-time.After(20 * time.Millisecond):
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close never returned after the delayed publish flushed")
	}
}
