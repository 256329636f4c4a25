package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/crabzie/Auction-Stack-Orchestrator/internal/core/domain"
	"github.com/crabzie/Auction-Stack-Orchestrator/internal/core/port"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ResolverOptions tune plan execution.
type ResolverOptions struct {
	// StartTimeout is the total budget for every node to reach its
	// settled state (Healthy, or Started for nodes without a check).
	// Zero means no budget.
	StartTimeout time.Duration
	// StopGrace is how long a node gets between TERM and KILL during
	// shutdown.
	StopGrace time.Duration
	// RestartBackoff paces restart:always cycles.
	RestartBackoff domain.BackoffPolicy
}

// StateListener observes every node state transition. Used to feed the
// metrics gauge; the resolver itself has no metrics dependency.
type StateListener func(name string, state domain.NodeState)

// Resolver owns the start plan: it computes the dependency order,
// launches nodes whose declared conditions are met, probes health, and
// is the only writer of node state. Everything else reads through
// State / Snapshot.
type Resolver struct {
	graph  *domain.Graph
	runner port.ProcessRunner
	prober port.Prober
	opts   ResolverOptions
	log    *zap.Logger

	listener StateListener

	mu      sync.RWMutex
	states  map[string]domain.NodeState
	changed chan struct{}
	handles map[string]port.ProcessHandle
}

func NewResolver(
	graph *domain.Graph,
	runner port.ProcessRunner,
	prober port.Prober,
	opts ResolverOptions,
	log *zap.Logger,
) *Resolver {
	if opts.StopGrace <= 0 {
		opts.StopGrace = 10 * time.Second
	}
	if opts.RestartBackoff == (domain.BackoffPolicy{}) {
		opts.RestartBackoff = domain.DefaultBackoff
	}
	states := make(map[string]domain.NodeState, graph.Len())
	for _, name := range graph.Names() {
		states[name] = domain.NodeStatePending
	}
	return &Resolver{
		graph:   graph,
		runner:  runner,
		prober:  prober,
		opts:    opts,
		log:     log,
		states:  states,
		changed: make(chan struct{}),
		handles: make(map[string]port.ProcessHandle),
	}
}

// SetStateListener registers a transition observer. Call before Run.
func (r *Resolver) SetStateListener(l StateListener) { r.listener = l }

// State implements port.HealthSource.
func (r *Resolver) State(name string) domain.NodeState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.states[name]
}

// Snapshot implements port.HealthSource.
func (r *Resolver) Snapshot() map[string]domain.NodeState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]domain.NodeState, len(r.states))
	for k, v := range r.states {
		out[k] = v
	}
	return out
}

// Run executes the plan and then supervises until ctx is cancelled.
// It returns nil on cooperative shutdown and a *domain.PlanError when
// a node can never be satisfied.
func (r *Resolver) Run(ctx context.Context) error {
	r.log.Info("Executing start plan",
		zap.Int("nodes", r.graph.Len()),
		zap.Strings("order", r.graph.Names()))

	deadline := time.Time{}
	if r.opts.StartTimeout > 0 {
		deadline = time.Now().Add(r.opts.StartTimeout)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range r.graph.Names() {
		name := name
		g.Go(func() error {
			return r.runNode(gctx, name, deadline)
		})
	}
	err := g.Wait()

	// Stop whatever is running, dependents first, even on failure.
	r.shutdown()

	if err != nil && ctx.Err() == nil {
		return err
	}
	r.log.Info("Start plan supervisor stopped")
	return nil
}

// runNode drives one node through its lifecycle, honoring the restart
// policy on failure.
func (r *Resolver) runNode(ctx context.Context, name string, deadline time.Time) error {
	node := r.graph.Node(name)
	restarts := 0

	for {
		startCtx := ctx
		cancel := context.CancelFunc(func() {})
		if !deadline.IsZero() {
			startCtx, cancel = context.WithDeadline(ctx, deadline)
		}
		err := r.startNode(startCtx, node)
		cancel()

		if err == nil {
			// Settled: supervise until shutdown or process death.
			err = r.superviseNode(ctx, node)
			if err == nil {
				return nil // cooperative shutdown
			}
		}

		if ctx.Err() != nil {
			return nil
		}

		r.transition(name, domain.NodeStateFailed)
		r.stopHandle(name)

		if node.Restart != domain.RestartAlways {
			r.log.Error("Node failed with no restart policy, halting plan",
				zap.String("service", name), zap.Error(err))
			return &domain.PlanError{Node: name, Cause: err}
		}

		restarts++
		delay := r.opts.RestartBackoff.Delay(restarts)
		r.log.Warn("Node failed, restarting",
			zap.String("service", name),
			zap.Int("restart", restarts),
			zap.Duration("backoff", delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		r.transition(name, domain.NodeStatePending)
	}
}

// startNode blocks until the node's dependencies allow it, launches the
// process, and probes it to Healthy.
func (r *Resolver) startNode(ctx context.Context, node *domain.ServiceNode) error {
	if err := r.awaitDependencies(ctx, node); err != nil {
		return fmt.Errorf("waiting for dependencies: %w", err)
	}

	r.transition(node.Name, domain.NodeStateStarting)
	handle, err := r.runner.Start(ctx, node)
	if err != nil {
		return fmt.Errorf("starting process: %w", err)
	}
	r.mu.Lock()
	r.handles[node.Name] = handle
	r.mu.Unlock()

	if node.HealthCheck == nil {
		// No check means healthy once the process is up.
		r.transition(node.Name, domain.NodeStateHealthy)
		return nil
	}

	r.transition(node.Name, domain.NodeStateProbing)
	if err := r.probeToHealthy(ctx, node, handle); err != nil {
		return err
	}
	r.transition(node.Name, domain.NodeStateHealthy)
	return nil
}

// awaitDependencies blocks until every dependency meets its declared
// condition: "healthy" requires Healthy, "started" requires Starting
// or later.
func (r *Resolver) awaitDependencies(ctx context.Context, node *domain.ServiceNode) error {
	for {
		r.mu.RLock()
		ch := r.changed
		unmet := ""
		for _, dep := range node.DependsOn {
			state := r.states[dep.Service]
			switch dep.Condition {
			case domain.ConditionHealthy:
				if state != domain.NodeStateHealthy {
					unmet = dep.Service
				}
			default: // started
				if !state.Started() {
					unmet = dep.Service
				}
			}
			if unmet != "" {
				break
			}
		}
		r.mu.RUnlock()

		if unmet == "" {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("dependency %q never satisfied: %w", unmet, ctx.Err())
		case <-ch:
		}
	}
}

// probeToHealthy waits out the start period then probes on the
// configured interval until the required consecutive successes, or
// fails after the configured consecutive failures.
func (r *Resolver) probeToHealthy(ctx context.Context, node *domain.ServiceNode, handle port.ProcessHandle) error {
	hc := node.HealthCheck

	if hc.StartPeriod > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-handle.Done():
			return errors.New("process exited during start period")
		case <-time.After(hc.StartPeriod):
		}
	}

	ticker := time.NewTicker(hc.Interval)
	defer ticker.Stop()

	successes, failures := 0, 0
	var lastErr error
	for {
		select {
		case <-ctx.Done():
			if lastErr != nil {
				return fmt.Errorf("never became healthy (last probe: %v): %w", lastErr, ctx.Err())
			}
			return ctx.Err()
		case <-handle.Done():
			return errors.New("process exited while probing")
		case <-ticker.C:
			if err := r.probeOnce(ctx, hc); err != nil {
				successes = 0
				failures++
				lastErr = err
				r.log.Debug("Probe failed",
					zap.String("service", node.Name),
					zap.Int("consecutive", failures),
					zap.Error(err))
				if failures >= hc.Retries {
					return fmt.Errorf("health check failed %d consecutive times: %w", failures, err)
				}
				continue
			}
			failures = 0
			successes++
			if successes >= hc.ConsecutiveSuccesses() {
				return nil
			}
		}
	}
}

// superviseNode keeps probing a settled node. A later run of probe
// failures flips it to Failed (traffic is withdrawn, the process keeps
// running) and recovery flips it back to Healthy. The node's process
// exiting is a hard failure handed back to the restart logic.
func (r *Resolver) superviseNode(ctx context.Context, node *domain.ServiceNode) error {
	r.mu.RLock()
	handle := r.handles[node.Name]
	r.mu.RUnlock()

	if node.HealthCheck == nil {
		select {
		case <-ctx.Done():
			return nil
		case <-handle.Done():
			return errors.New("process exited")
		}
	}

	hc := node.HealthCheck
	ticker := time.NewTicker(hc.Interval)
	defer ticker.Stop()

	successes, failures := 0, 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-handle.Done():
			return errors.New("process exited")
		case <-ticker.C:
			if err := r.probeOnce(ctx, hc); err != nil {
				successes = 0
				failures++
				if failures == hc.Retries && r.State(node.Name) == domain.NodeStateHealthy {
					r.log.Warn("Healthy node went unhealthy",
						zap.String("service", node.Name), zap.Error(err))
					r.transition(node.Name, domain.NodeStateFailed)
				}
				continue
			}
			failures = 0
			successes++
			if successes >= hc.ConsecutiveSuccesses() && r.State(node.Name) == domain.NodeStateFailed {
				r.log.Info("Node recovered", zap.String("service", node.Name))
				r.transition(node.Name, domain.NodeStateHealthy)
			}
		}
	}
}

func (r *Resolver) probeOnce(ctx context.Context, hc *domain.HealthCheckSpec) error {
	probeCtx, cancel := context.WithTimeout(ctx, hc.Timeout)
	defer cancel()
	return r.prober.Probe(probeCtx, hc)
}

// transition is the single place node state changes. It wakes every
// goroutine blocked on a dependency.
func (r *Resolver) transition(name string, state domain.NodeState) {
	r.mu.Lock()
	prev := r.states[name]
	r.states[name] = state
	close(r.changed)
	r.changed = make(chan struct{})
	r.mu.Unlock()

	if prev != state {
		r.log.Info("Node state changed",
			zap.String("service", name),
			zap.String("from", string(prev)),
			zap.String("to", string(state)))
		if r.listener != nil {
			r.listener(name, state)
		}
	}
}

func (r *Resolver) stopHandle(name string) {
	r.mu.Lock()
	handle := r.handles[name]
	delete(r.handles, name)
	r.mu.Unlock()
	if handle == nil {
		return
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), r.opts.StopGrace+time.Second)
	defer cancel()
	if err := handle.Stop(stopCtx, r.opts.StopGrace); err != nil {
		r.log.Warn("Failed to stop process", zap.String("service", name), zap.Error(err))
	}
}

// shutdown stops every running node, dependents before dependencies.
func (r *Resolver) shutdown() {
	for _, name := range r.graph.ReverseNames() {
		r.mu.RLock()
		_, running := r.handles[name]
		r.mu.RUnlock()
		if !running {
			continue
		}
		r.log.Info("Stopping node", zap.String("service", name))
		r.stopHandle(name)
		r.transition(name, domain.NodeStateStopped)
	}
}
