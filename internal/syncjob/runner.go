package syncjob

import (
	"context"
	"log"

	"golang.org/x/sync/errgroup"
)

// Runner fans a batch of sync jobs across a bounded worker pool. One job
// failing, or parking, never stops the others; per-job outcomes are logged
// and the batch as a whole only fails on context cancellation.
type Runner struct {
	orchestrator *Orchestrator
	concurrency  int
	logger       *log.Logger
}

// NewRunner builds a Runner with the given worker-pool size.
func NewRunner(orchestrator *Orchestrator, concurrency int, logger *log.Logger) *Runner {
	if concurrency <= 0 {
		concurrency = 4
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[syncjob] ", log.LstdFlags)
	}
	return &Runner{
		orchestrator: orchestrator,
		concurrency:  concurrency,
		logger:       logger,
	}
}

// RunBatch executes all jobs, at most concurrency at a time, and waits for
// them to finish.
func (r *Runner) RunBatch(ctx context.Context, jobs []Job) error {
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(r.concurrency)

	for _, job := range jobs {
		job := job
		group.Go(func() error {
			if err := r.orchestrator.RunJob(ctx, job); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				r.logger.Printf("job %s/%s did not complete: %v", job.AthleteID, job.SourceID, err)
			}
			return nil
		})
	}

	return group.Wait()
}
