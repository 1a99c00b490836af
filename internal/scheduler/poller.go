// Package scheduler starts instances whose scheduled start time has passed.
package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ronappleton/flowengine/internal/metrics"
	"github.com/ronappleton/flowengine/internal/workflow"
)

// Runner claims and runs one due instance.
type Runner interface {
	RunScheduled(ctx context.Context, listed workflow.Instance) (workflow.ExecutionResult, error)
}

// DueLister returns Scheduled instances ready to run.
type DueLister interface {
	ListDue(ctx context.Context, now time.Time, limit int) ([]workflow.Instance, error)
}

type Options struct {
	Interval    time.Duration
	BatchSize   int
	Concurrency int
	Now         func() time.Time
}

// Stats counts claim outcomes since the poller was built.
type Stats struct {
	Claimed int64
	Lost    int64
	Failed  int64
}

// Poller claims due instances with a revision check, so several processes
// can poll the same store and each instance starts exactly once.
type Poller struct {
	due    DueLister
	runner Runner
	logger *zap.Logger
	opts   Options

	claimed atomic.Int64
	lost    atomic.Int64
	failed  atomic.Int64
}

func NewPoller(due DueLister, runner Runner, logger *zap.Logger, opts Options) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Poller{due: due, runner: runner, logger: logger, opts: opts}
}

// PollOnce runs one pass and returns how many instances this poller claimed.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	due, err := p.due.ListDue(ctx, p.opts.Now().UTC(), p.opts.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(due) == 0 {
		return 0, nil
	}

	var claimed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Concurrency)
	for _, inst := range due {
		g.Go(func() error {
			res, err := p.runner.RunScheduled(gctx, inst)
			switch {
			case err == nil:
				claimed.Add(1)
				p.claimed.Add(1)
				metrics.RecordClaim("claimed")
				p.logger.Info("scheduled instance started",
					zap.String("instance_id", inst.ID),
					zap.String("workflow_id", inst.WorkflowID),
					zap.String("status", string(res.Status)))
			case errors.Is(err, workflow.ErrConflict), errors.Is(err, workflow.ErrInvalidState):
				p.lost.Add(1)
				metrics.RecordClaim("lost")
			default:
				p.failed.Add(1)
				metrics.RecordClaim("error")
				p.logger.Warn("scheduled instance claim failed", zap.String("instance_id", inst.ID), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(claimed.Load()), nil
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()
	for {
		if _, err := p.PollOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Warn("scheduler poll failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Poller) Stats() Stats {
	return Stats{Claimed: p.claimed.Load(), Lost: p.lost.Load(), Failed: p.failed.Load()}
}
