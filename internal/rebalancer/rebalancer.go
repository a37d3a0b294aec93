package rebalancer

import (
	"context"
	"expvar"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"qms/queue-engine/internal/engine"
)

var (
	runsTotal    = expvar.NewInt("rebalancer_branch_runs_total")
	skippedTotal = expvar.NewInt("rebalancer_branch_skipped_total")
	errorsTotal  = expvar.NewInt("rebalancer_branch_errors_total")
)

const (
	defaultInterval    = 30 * time.Second
	defaultConcurrency = 4
	defaultRunTimeout  = 10 * time.Second
)

type Balancer interface {
	Branches(ctx context.Context) ([]string, error)
	RebalanceAll(ctx context.Context, branchID string) (engine.RebalanceResult, error)
}

type Options struct {
	Interval    time.Duration
	Concurrency int
	// RunTimeout bounds one pass over all branches.
	RunTimeout time.Duration
	Logger     *logrus.Logger
}

// Rebalancer refreshes queued scores on a timer. At most one pass per branch
// is in flight; a branch still busy from the previous tick is skipped.
type Rebalancer struct {
	balancer    Balancer
	interval    time.Duration
	concurrency int
	runTimeout  time.Duration
	logger      *logrus.Logger

	inflight sync.Map
}

func New(balancer Balancer, options Options) *Rebalancer {
	r := &Rebalancer{
		balancer:    balancer,
		interval:    options.Interval,
		concurrency: options.Concurrency,
		runTimeout:  options.RunTimeout,
		logger:      options.Logger,
	}
	if r.interval <= 0 {
		r.interval = defaultInterval
	}
	if r.concurrency <= 0 {
		r.concurrency = defaultConcurrency
	}
	if r.runTimeout <= 0 {
		r.runTimeout = defaultRunTimeout
	}
	if r.logger == nil {
		r.logger = logrus.StandardLogger()
	}
	return r
}

// Run ticks until ctx is cancelled and returns once the passes it started
// have finished.
func (r *Rebalancer) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	r.logger.WithField("interval", r.interval.String()).Info("rebalancer started")

	var passes sync.WaitGroup
	for {
		select {
		case <-ctx.Done():
			passes.Wait()
			r.logger.Info("rebalancer stopped")
			return
		case <-ticker.C:
			// Passes may overlap across ticks; Rebalance skips busy branches.
			passes.Add(1)
			go func() {
				defer passes.Done()
				runCtx, cancel := context.WithTimeout(ctx, r.runTimeout)
				defer cancel()
				if err := r.RunOnce(runCtx); err != nil {
					r.logger.WithError(err).Warn("rebalance pass failed")
				}
			}()
		}
	}
}

// RunOnce rebalances every active branch. Branch failures are logged and the
// first one is returned after all branches have been attempted.
func (r *Rebalancer) RunOnce(ctx context.Context) error {
	branches, err := r.balancer.Branches(ctx)
	if err != nil {
		return err
	}

	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for _, branchID := range branches {
		g.Go(func() error {
			_, err := r.Rebalance(ctx, branchID)
			return err
		})
	}
	return g.Wait()
}

// Rebalance runs one pass for branchID unless one is already running. ran is
// false when the pass was skipped.
func (r *Rebalancer) Rebalance(ctx context.Context, branchID string) (bool, error) {
	if _, busy := r.inflight.LoadOrStore(branchID, struct{}{}); busy {
		skippedTotal.Add(1)
		r.logger.WithField("branch_id", branchID).Debug("rebalance already in flight, skipping")
		return false, nil
	}
	defer r.inflight.Delete(branchID)

	started := time.Now()
	result, err := r.balancer.RebalanceAll(ctx, branchID)
	runsTotal.Add(1)
	entry := r.logger.WithFields(logrus.Fields{
		"branch_id":   branchID,
		"duration_ms": time.Since(started).Milliseconds(),
	})
	if err != nil {
		errorsTotal.Add(1)
		entry.WithError(err).Error("rebalance failed")
		return true, err
	}
	entry.WithFields(logrus.Fields{
		"updated": result.Updated,
		"gone":    result.Gone,
	}).Debug("rebalance done")
	return true, nil
}
