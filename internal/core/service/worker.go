package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/crabzie/Auction-Stack-Orchestrator/internal/core/domain"
	"github.com/crabzie/Auction-Stack-Orchestrator/internal/core/port"
	"go.uber.org/zap"
)

// WorkerMetrics receives task outcomes. Nil hooks are skipped.
type WorkerMetrics struct {
	TaskDone   func(queue, result string)
	DeadLetter func(queue string)
}

// WorkerPool consumes one tier's queues. It holds exactly one
// QueueService, so it is physically incapable of claiming tasks from
// the other tier's broker; queue-level bindings keep a backlog on one
// queue from starving the others.
type WorkerPool struct {
	tier        string
	queue       port.QueueService
	deadLetters port.DeadLetterRepository
	concurrency int
	metrics     WorkerMetrics
	log         *zap.Logger

	mu       sync.RWMutex
	handlers map[string]port.TaskHandler

	sem      chan struct{}
	inflight sync.WaitGroup
}

func NewWorkerPool(
	tier string,
	queue port.QueueService,
	deadLetters port.DeadLetterRepository,
	concurrency int,
	log *zap.Logger,
) *WorkerPool {
	if concurrency < 1 {
		concurrency = 1
	}
	return &WorkerPool{
		tier:        tier,
		queue:       queue,
		deadLetters: deadLetters,
		concurrency: concurrency,
		log:         log,
		handlers:    make(map[string]port.TaskHandler),
		sem:         make(chan struct{}, concurrency),
	}
}

// SetMetrics registers outcome hooks. Call before Start.
func (w *WorkerPool) SetMetrics(m WorkerMetrics) { w.metrics = m }

// Handle registers the handler for a task name.
func (w *WorkerPool) Handle(name string, h port.TaskHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[name] = h
}

// Enqueue publishes a fresh task on the pool's endpoint. Handlers use
// it to chain follow-up work; chained publishes never block the claim
// loop because publishing and consuming ride separate channels.
func (w *WorkerPool) Enqueue(ctx context.Context, task *domain.Task) error {
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}
	return w.queue.Publish(ctx, task)
}

// Start binds a consumer to every named queue and blocks until ctx is
// cancelled, then waits for in-flight tasks to finish.
func (w *WorkerPool) Start(ctx context.Context, queues []string) error {
	if len(queues) == 0 {
		return fmt.Errorf("worker pool %q has no queue bindings", w.tier)
	}
	for _, q := range queues {
		if err := w.queue.Consume(ctx, q, w.process); err != nil {
			return fmt.Errorf("binding queue %q: %w", q, err)
		}
		w.log.Info("Bound to queue", zap.String("tier", w.tier), zap.String("queue", q))
	}

	<-ctx.Done()
	w.log.Info("Worker pool draining", zap.String("tier", w.tier))
	w.inflight.Wait()
	w.log.Info("Worker pool stopped", zap.String("tier", w.tier))
	return nil
}

// process executes one claimed task under the concurrency limit. The
// return value decides the broker ack: nil means the delivery is
// settled here (success, retry republished, or dead-lettered); an
// error asks the broker to redeliver.
func (w *WorkerPool) process(ctx context.Context, task *domain.Task) error {
	select {
	case w.sem <- struct{}{}:
	case <-ctx.Done():
		// Shutting down before we could claim a slot: leave the task
		// on the broker for the next instance.
		return ctx.Err()
	}
	w.inflight.Add(1)
	defer func() {
		<-w.sem
		w.inflight.Done()
	}()

	w.mu.RLock()
	handler, ok := w.handlers[task.Name]
	w.mu.RUnlock()
	if !ok {
		w.log.Error("No handler registered, dead-lettering",
			zap.String("task", task.Name), zap.String("id", task.ID))
		task.AttemptCount = task.MaxAttempts
		return w.deadLetter(task, fmt.Errorf("no handler registered for %q", task.Name))
	}

	task.AttemptCount++
	err := handler(ctx, task)
	if err == nil {
		w.log.Info("Task processed",
			zap.String("tier", w.tier),
			zap.String("task", task.Name),
			zap.String("id", task.ID),
			zap.Int("attempt", task.AttemptCount))
		w.observe(task.Queue, "ok")
		return nil
	}

	if task.Exhausted() {
		return w.deadLetter(task, err)
	}

	delay := task.Backoff.Delay(task.AttemptCount)
	w.log.Warn("Task failed, scheduling retry",
		zap.String("task", task.Name),
		zap.String("id", task.ID),
		zap.Int("attempt", task.AttemptCount),
		zap.Int("max_attempts", task.MaxAttempts),
		zap.Duration("backoff", delay),
		zap.Error(err))
	w.observe(task.Queue, "retry")

	// Republish with the bumped attempt count; the delivery in hand is
	// acked so the retry is the only live copy.
	if pubErr := w.queue.PublishAfter(ctx, task, delay); pubErr != nil {
		w.log.Error("Failed to republish for retry", zap.String("id", task.ID), zap.Error(pubErr))
		return pubErr
	}
	return nil
}

// deadLetter records the exhausted task exactly once, payload intact.
func (w *WorkerPool) deadLetter(task *domain.Task, cause error) error {
	dl := &domain.DeadLetter{
		TaskID:       task.ID,
		Name:         task.Name,
		Queue:        task.Queue,
		Payload:      task.Payload,
		AttemptCount: task.AttemptCount,
		LastError:    cause.Error(),
		FailedAt:     time.Now().UTC(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.deadLetters.Save(ctx, dl); err != nil {
		w.log.Error("Failed to persist dead letter, leaving task on broker",
			zap.String("id", task.ID), zap.Error(err))
		return err
	}
	w.log.Error("Task dead-lettered",
		zap.String("tier", w.tier),
		zap.String("task", task.Name),
		zap.String("id", task.ID),
		zap.Int("attempts", task.AttemptCount),
		zap.String("last_error", cause.Error()))
	w.observe(task.Queue, "dead")
	if w.metrics.DeadLetter != nil {
		w.metrics.DeadLetter(task.Queue)
	}
	return nil
}

func (w *WorkerPool) observe(queue, result string) {
	if w.metrics.TaskDone != nil {
		w.metrics.TaskDone(queue, result)
	}
}
