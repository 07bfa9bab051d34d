package system

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/provision/pkg/actions"
)

// Pool drives many systems from one control flow with bounded concurrency.
// Each system handles one batch at a time; a failure on one system does not
// affect the others.
type Pool struct {
	limit int
}

// NewPool returns a pool running at most limit systems at once. A limit of
// zero or less uses the number of CPUs.
func NewPool(limit int) *Pool {
	if limit <= 0 {
		limit = runtime.NumCPU()
	}
	return &Pool{limit: limit}
}

// Limit returns the concurrency bound.
func (p *Pool) Limit() int { return p.limit }

// ForEach calls fn for every system, at most Limit at a time, and returns the
// per-system errors in input order.
func (p *Pool) ForEach(ctx context.Context, systems []System, fn func(context.Context, System) error) []error {
	errs := make([]error, len(systems))

	var g errgroup.Group
	g.SetLimit(p.limit)
	for i, sys := range systems {
		g.Go(func() error {
			errs[i] = fn(ctx, sys)
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

// Job is one batch destined for one system.
type Job struct {
	System  System
	Actions []actions.Action
}

// BatchResult is the outcome of one Job: every executed action, or none and
// the error that aborted the batch.
type BatchResult struct {
	Target  string
	Results []actions.Action
	Err     error
}

// Dispatch runs every job concurrently within the pool limit and returns the
// results in job order.
func (p *Pool) Dispatch(ctx context.Context, jobs []Job) []BatchResult {
	results := make([]BatchResult, len(jobs))

	var g errgroup.Group
	g.SetLimit(p.limit)
	for i, job := range jobs {
		g.Go(func() error {
			res, err := job.System.RunActions(ctx, job.Actions)
			results[i] = BatchResult{Target: job.System.Name(), Results: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}
