package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/crabzie/Auction-Stack-Orchestrator/internal/core/domain"
	"github.com/crabzie/Auction-Stack-Orchestrator/internal/core/port"
)

// fakeQueue is an in-memory port.QueueService. Published tasks are
// recorded; Consume only registers the handler, delivery is driven by
// the test.
type fakeQueue struct {
	mu       sync.Mutex
	tasks    []*domain.Task
	delayed  []delayedTask
	handlers map[string]port.TaskHandler
	closed   bool

	// notify, when set, receives every published task.
	notify chan *domain.Task
}

type delayedTask struct {
	task  *domain.Task
	delay time.Duration
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{handlers: make(map[string]port.TaskHandler)}
}

func (q *fakeQueue) Publish(_ context.Context, task *domain.Task) error {
	q.mu.Lock()
	q.tasks = append(q.tasks, task)
	notify := q.notify
	q.mu.Unlock()
	if notify != nil {
		notify <- task
	}
	return nil
}

func (q *fakeQueue) PublishAfter(_ context.Context, task *domain.Task, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.delayed = append(q.delayed, delayedTask{task: task, delay: delay})
	return nil
}

func (q *fakeQueue) Consume(_ context.Context, queue string, handler port.TaskHandler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[queue] = handler
	return nil
}

func (q *fakeQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

func (q *fakeQueue) published() []*domain.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*domain.Task, len(q.tasks))
	copy(out, q.tasks)
	return out
}

func (q *fakeQueue) delayedPublishes() []delayedTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]delayedTask, len(q.delayed))
	copy(out, q.delayed)
	return out
}

func (q *fakeQueue) boundQueues() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.handlers))
	for name := range q.handlers {
		out = append(out, name)
	}
	return out
}

// fakeDeadLetters is an in-memory port.DeadLetterRepository.
type fakeDeadLetters struct {
	mu      sync.Mutex
	stored  []*domain.DeadLetter
	saveErr error
}

func (r *fakeDeadLetters) Save(_ context.Context, dl *domain.DeadLetter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveErr != nil {
		return r.saveErr
	}
	for _, existing := range r.stored {
		if existing.TaskID == dl.TaskID {
			return nil // same idempotency as the ON CONFLICT insert
		}
	}
	r.stored = append(r.stored, dl)
	return nil
}

func (r *fakeDeadLetters) ListByQueue(_ context.Context, queue string, limit int) ([]*domain.DeadLetter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.DeadLetter
	for _, dl := range r.stored {
		if dl.Queue == queue {
			out = append(out, dl)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *fakeDeadLetters) Replay(_ context.Context, taskID string) (*domain.DeadLetter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, dl := range r.stored {
		if dl.TaskID == taskID {
			r.stored = append(r.stored[:i], r.stored[i+1:]...)
			return dl, nil
		}
	}
	return nil, errors.New("dead letter not found")
}

func (r *fakeDeadLetters) saved() []*domain.DeadLetter {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.DeadLetter, len(r.stored))
	copy(out, r.stored)
	return out
}

// leaseState is the shared side of the fake lease: at most one
// fakeLease instance holds it at a time.
type leaseState struct {
	mu     sync.Mutex
	holder *fakeLease
}

// fakeLease is one instance's view of a shared lease, mirroring the
// token-fenced Redis coordinator: only the holder can renew or release.
type fakeLease struct {
	state *leaseState
}

func (l *fakeLease) TryAcquire(_ context.Context, _ string, _ time.Duration) (bool, error) {
	l.state.mu.Lock()
	defer l.state.mu.Unlock()
	if l.state.holder == nil || l.state.holder == l {
		l.state.holder = l
		return true, nil
	}
	return false, nil
}

func (l *fakeLease) Renew(_ context.Context, _ string, _ time.Duration) (bool, error) {
	l.state.mu.Lock()
	defer l.state.mu.Unlock()
	return l.state.holder == l, nil
}

func (l *fakeLease) Release(_ context.Context, _ string) error {
	l.state.mu.Lock()
	defer l.state.mu.Unlock()
	if l.state.holder == l {
		l.state.holder = nil
	}
	return nil
}

func (s *leaseState) held() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.holder != nil
}

// fakeClock drives Beat's injected now/after pair. Advance moves the
// clock and fires every timer whose deadline has passed.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	at time.Time
	ch chan time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{at: c.now.Add(d), ch: make(chan time.Time, 1)}
	if d <= 0 {
		t.ch <- c.now
		return t.ch
	}
	c.timers = append(c.timers, t)
	return t.ch
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	remaining := c.timers[:0]
	for _, t := range c.timers {
		if t.at.After(c.now) {
			remaining = append(remaining, t)
		} else {
			t.ch <- c.now
		}
	}
	c.timers = remaining
}

// AwaitTimers blocks until at least n timers are pending, so Advance
// cannot race ahead of the goroutines registering them.
func (c *fakeClock) AwaitTimers(n int) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		pending := len(c.timers)
		c.mu.Unlock()
		if pending >= n {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return false
}

// fakeHandle is a controllable port.ProcessHandle.
type fakeHandle struct {
	name  string
	done  chan struct{}
	once  sync.Once
	stops *stopRecorder
}

func (h *fakeHandle) Stop(_ context.Context, _ time.Duration) error {
	if h.stops != nil {
		h.stops.record(h.name)
	}
	h.exit()
	return nil
}

func (h *fakeHandle) Done() <-chan struct{} { return h.done }

func (h *fakeHandle) exit() {
	h.once.Do(func() { close(h.done) })
}

type stopRecorder struct {
	mu    sync.Mutex
	order []string
}

func (s *stopRecorder) record(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = append(s.order, name)
}

func (s *stopRecorder) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// fakeRunner records every start and hands out fresh handles.
type fakeRunner struct {
	mu      sync.Mutex
	order   []string
	handles map[string][]*fakeHandle
	stops   *stopRecorder
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		handles: make(map[string][]*fakeHandle),
		stops:   &stopRecorder{},
	}
}

func (r *fakeRunner) Start(_ context.Context, node *domain.ServiceNode) (port.ProcessHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := &fakeHandle{name: node.Name, done: make(chan struct{}), stops: r.stops}
	r.order = append(r.order, node.Name)
	r.handles[node.Name] = append(r.handles[node.Name], h)
	return h, nil
}

func (r *fakeRunner) started() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

func (r *fakeRunner) startCount(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles[name])
}

func (r *fakeRunner) handle(name string, i int) *fakeHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i >= len(r.handles[name]) {
		return nil
	}
	return r.handles[name][i]
}

// fakeProber passes or fails by target, flipped at runtime by tests.
type fakeProber struct {
	mu      sync.Mutex
	healthy map[string]bool
}

func newFakeProber() *fakeProber {
	return &fakeProber{healthy: make(map[string]bool)}
}

func (p *fakeProber) set(target string, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.healthy[target] = ok
}

func (p *fakeProber) Probe(_ context.Context, spec *domain.HealthCheckSpec) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.healthy[spec.Target] {
		return nil
	}
	return errors.New("probe failed")
}
