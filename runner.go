package planogram

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Runner schedules independent tasks, e.g. runs of a batch.
type Runner interface {
	Go(fn func() error)
	Wait() error
}

// DefaultRunner returns the default implementation backed by errgroup.Group.
func DefaultRunner(ctx context.Context) Runner {
	return newErrGroupRunner(ctx, runtime.NumCPU())
}

// NewLimitedRunner creates a runner with bounded concurrency.
func NewLimitedRunner(ctx context.Context, maxConcurrency int) Runner {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	return newErrGroupRunner(ctx, maxConcurrency)
}

// errGroupRunner is the default implementation backed by errgroup.Group.
type errGroupRunner struct {
	ctx context.Context // derived ctx shared by all tasks
	eg  *errgroup.Group
	sem chan struct{} // concurrency gate
}

func newErrGroupRunner(parent context.Context, maxConcurrency int) *errGroupRunner {
	eg, ctx := errgroup.WithContext(parent)
	return &errGroupRunner{
		ctx: ctx,
		eg:  eg,
		sem: make(chan struct{}, maxConcurrency),
	}
}

func (r *errGroupRunner) Go(fn func() error) {
	r.eg.Go(func() error {
		r.sem <- struct{}{}        // acquire
		defer func() { <-r.sem }() // release
		return fn()
	})
}

func (r *errGroupRunner) Wait() error { return r.eg.Wait() }

// Job is one run of a batch.
type Job struct {
	Key    string // caller's identifier, e.g. a queue item id
	Config *RunConfig
	Images []*Part
}

// JobResult pairs a job with its outcome.
type JobResult struct {
	Job    Job
	Result *RunResult
	Err    error
}

// RunBatch executes independent runs with bounded concurrency. Each run owns
// its own state; a failed run does not cancel the others. Results keep the
// order of jobs.
func (o *Orchestrator) RunBatch(ctx context.Context, jobs []Job, concurrency int) []JobResult {
	results := make([]JobResult, len(jobs))
	r := NewLimitedRunner(ctx, concurrency)
	for i, job := range jobs {
		r.Go(func() error {
			res, err := o.Run(ctx, job.Config, job.Images)
			results[i] = JobResult{Job: job, Result: res, Err: err}
			return nil
		})
	}
	_ = r.Wait() // tasks never return an error
	o.log.Debug("Batch finished", "jobs", len(jobs), "concurrency", concurrency)
	return results
}
