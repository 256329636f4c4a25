package rabbitmq

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/crabzie/Auction-Stack-Orchestrator/internal/core/domain"
	"github.com/crabzie/Auction-Stack-Orchestrator/internal/core/port"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Consume binds a dedicated channel to one named queue. Each queue gets
// its own channel and prefetch window so a backlog on one queue never
// starves consumers of another.
func (q *queueService) Consume(ctx context.Context, queue string, handler port.TaskHandler) error {
	ch, err := q.conn.Channel()
	if err != nil {
		return err
	}

	if _, err := ch.QueueDeclare(
		queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		ch.Close()
		return err
	}
	if err := ch.QueueBind(queue, queue, exchange, false, nil); err != nil {
		ch.Close()
		return err
	}

	// Prefetch bounds how many unacked deliveries this consumer holds;
	// the pool's semaphore bounds execution.
	if err := ch.Qos(8, 0, false); err != nil {
		ch.Close()
		return err
	}

	msgs, err := ch.Consume(
		queue,
		"",    // consumer tag
		false, // manual ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		return err
	}

	q.log.Info("Consuming queue", zap.String("queue", queue))

	go func() {
		defer ch.Close()
		q.consumeLoop(ctx, queue, msgs, handler)
	}()

	return nil
}

// consumeLoop dispatches every delivery on its own goroutine so a slow
// handler never serializes the queue: execution concurrency stays with
// the pool's semaphore and the in-flight delivery count with Qos.
// Returns once the stream ends and all dispatched handlers settled.
func (q *queueService) consumeLoop(ctx context.Context, queue string, msgs <-chan amqp.Delivery, handler port.TaskHandler) {
	var inflight sync.WaitGroup
	defer inflight.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-msgs:
			if !ok {
				q.log.Warn("Delivery channel closed", zap.String("queue", queue))
				return
			}
			inflight.Add(1)
			go func() {
				defer inflight.Done()
				q.dispatch(ctx, queue, d, handler)
			}()
		}
	}
}

// dispatch settles one delivery: ack on a nil handler return (done,
// republished for retry, or dead-lettered), requeue on a handler
// error, discard on a poison payload.
func (q *queueService) dispatch(ctx context.Context, queue string, d amqp.Delivery, handler port.TaskHandler) {
	var task domain.Task
	if err := json.Unmarshal(d.Body, &task); err != nil {
		q.log.Error("Failed to unmarshal task, discarding",
			zap.String("queue", queue), zap.Error(err))
		d.Nack(false, false)
		return
	}

	if err := handler(ctx, &task); err != nil {
		q.log.Warn("Handler deferred delivery, requeueing",
			zap.String("id", task.ID), zap.Error(err))
		d.Nack(false, true)
		return
	}
	d.Ack(false)
}
