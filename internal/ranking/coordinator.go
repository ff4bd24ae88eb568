package ranking

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Runner performs one recompute for a contest.
type Runner interface {
	Recompute(ctx context.Context, contestID string) (*Snapshot, error)
}

// DefaultRunTimeout bounds a single recompute started by the Coordinator.
const DefaultRunTimeout = 2 * time.Minute

// Coordinator guarantees at most one recompute in flight per contest. A
// trigger that arrives during a run is coalesced into one follow-up run
// that starts after the current one finishes. Different contests run in
// parallel.
type Coordinator struct {
	runner  Runner
	logger  *slog.Logger
	metrics *Metrics
	timeout time.Duration

	mu       sync.Mutex
	contests map[string]*contestRun
	wg       sync.WaitGroup
}

type contestRun struct {
	pending bool
	done    chan struct{}
	err     error
}

// NewCoordinator creates a Coordinator. timeout <= 0 uses DefaultRunTimeout.
func NewCoordinator(runner Runner, timeout time.Duration, logger *slog.Logger, metrics *Metrics) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultRunTimeout
	}
	return &Coordinator{
		runner:   runner,
		logger:   logger,
		metrics:  metrics,
		timeout:  timeout,
		contests: make(map[string]*contestRun),
	}
}

// Trigger requests a recompute without waiting. It reports whether a new
// run was started; false means the request was folded into a run in flight.
func (c *Coordinator) Trigger(ctx context.Context, contestID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, started := c.trigger(ctx, contestID)
	return started
}

// Recompute requests a recompute and waits until the contest is idle again.
// It returns the error of the last run, or ctx's error if ctx ends first.
func (c *Coordinator) Recompute(ctx context.Context, contestID string) error {
	c.mu.Lock()
	run, _ := c.trigger(ctx, contestID)
	c.mu.Unlock()

	select {
	case <-run.done:
		return run.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InFlight reports whether a recompute for the contest is running.
func (c *Coordinator) InFlight(contestID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.contests[contestID]
	return ok
}

// Wait blocks until every started run has finished.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// trigger must be called with c.mu held.
func (c *Coordinator) trigger(ctx context.Context, contestID string) (*contestRun, bool) {
	if run, ok := c.contests[contestID]; ok {
		if !run.pending {
			run.pending = true
			c.metrics.incCoalesced()
			c.logger.Debug("recompute already in flight, coalescing trigger",
				slog.String("contest_id", contestID))
		}
		return run, false
	}

	run := &contestRun{done: make(chan struct{})}
	c.contests[contestID] = run
	c.wg.Add(1)
	// Runs outlive the triggering request.
	go c.loop(context.WithoutCancel(ctx), contestID, run)
	return run, true
}

func (c *Coordinator) loop(ctx context.Context, contestID string, run *contestRun) {
	defer c.wg.Done()
	for {
		runCtx, cancel := context.WithTimeout(ctx, c.timeout)
		_, err := c.runner.Recompute(runCtx, contestID)
		cancel()

		c.mu.Lock()
		run.err = err
		if !run.pending {
			delete(c.contests, contestID)
			close(run.done)
			c.mu.Unlock()
			return
		}
		run.pending = false
		c.mu.Unlock()
	}
}
