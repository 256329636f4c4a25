package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/crabzie/Auction-Stack-Orchestrator/internal/core/domain"
	"github.com/crabzie/Auction-Stack-Orchestrator/internal/core/port"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// exchange is the per-endpoint direct exchange all tier queues bind to.
// Isolation between tiers comes from each tier dialing its own broker,
// not from naming.
const exchange = "tasks.direct"

type queueService struct {
	conn *amqp.Connection
	log  *zap.Logger

	mu    sync.Mutex // amqp channels are not safe for concurrent publish
	pubCh *amqp.Channel

	// delayed tracks retries waiting out their backoff window; Close
	// waits for them so a shutdown cannot drop a republish.
	delayed sync.WaitGroup
}

// NewQueueService dials one broker endpoint, retrying with incremental
// backoff, and declares the task exchange.
func NewQueueService(url string, log *zap.Logger) (port.QueueService, error) {
	var conn *amqp.Connection
	var err error

	maxRetries := 10
	for i := 1; i <= maxRetries; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			ch, chErr := conn.Channel()
			if chErr == nil {
				if declErr := ch.ExchangeDeclare(
					exchange,
					"direct",
					true,  // durable
					false, // auto-delete
					false, // internal
					false, // no-wait
					nil,
				); declErr != nil {
					conn.Close()
					return nil, fmt.Errorf("declaring exchange: %w", declErr)
				}
				return &queueService{conn: conn, pubCh: ch, log: log}, nil
			}
			err = chErr
			conn.Close()
		}

		log.Warn("Failed to connect to RabbitMQ, retrying...",
			zap.Int("attempt", i),
			zap.Int("max_retries", maxRetries),
			zap.Error(err),
		)
		time.Sleep(time.Duration(i*2) * time.Second)
	}

	return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", maxRetries, err)
}

func (q *queueService) Publish(ctx context.Context, task *domain.Task) error {
	body, err := json.Marshal(task)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pubCh == nil {
		return fmt.Errorf("publisher closed, task %s not published", task.ID)
	}
	err = q.pubCh.PublishWithContext(ctx,
		exchange,
		task.Queue, // routing key mirrors the queue name
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    task.ID,
			Timestamp:    time.Now(),
			Body:         body,
		})
	if err != nil {
		q.log.Error("Failed to publish task",
			zap.String("id", task.ID), zap.String("queue", task.Queue), zap.Error(err))
		return err
	}

	q.log.Debug("Published task",
		zap.String("id", task.ID), zap.String("queue", task.Queue))
	return nil
}

// PublishAfter republishes the task once delay elapses, off the
// caller's goroutine. A shutdown flushes the pending publish
// immediately rather than dropping it; Close waits for the flush.
func (q *queueService) PublishAfter(ctx context.Context, task *domain.Task, delay time.Duration) error {
	if delay <= 0 {
		return q.Publish(ctx, task)
	}
	q.delayed.Add(1)
	go func() {
		defer q.delayed.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
		}
		pubCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := q.Publish(pubCtx, task); err != nil {
			q.log.Error("Delayed republish failed, task lost from broker",
				zap.String("id", task.ID), zap.Error(err))
		}
	}()
	return nil
}

// Close flushes pending delayed publishes, then tears the connection
// down. Callers cancel the consume ctx first, so the pending flushes
// run immediately instead of waiting out their backoff windows.
func (q *queueService) Close() error {
	q.delayed.Wait()

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pubCh != nil {
		q.pubCh.Close()
		q.pubCh = nil
	}
	if q.conn == nil {
		return nil
	}
	return q.conn.Close()
}
