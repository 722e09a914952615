package loadjob

import (
	"context"

	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"

	"github.com/grafana/blockworker/pkg/workerclient"
)

// Dispatcher drives tasks to workers with bounded concurrency, the same
// channel-plus-errgroup handoff fetcher.go's fetchMetadata uses to fan
// work out across a fixed pool of goroutines.
type Dispatcher struct {
	pool        *workerclient.Pool
	concurrency int
	job         *Job
}

// NewDispatcher creates a dispatcher sending at most concurrency tasks to
// workers in parallel.
func NewDispatcher(job *Job, pool *workerclient.Pool, concurrency int) *Dispatcher {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Dispatcher{pool: pool, concurrency: concurrency, job: job}
}

// Dispatch sends every task to its assigned worker and reconciles the
// response via Job.ProcessResponse, returning the first unexpected error
// (task-level failures are reconciled into the job's own state, not
// returned).
func (d *Dispatcher) Dispatch(ctx context.Context, tasks []Task) error {
	ch := make(chan Task, len(tasks))
	for _, t := range tasks {
		ch <- t
	}
	close(ch)

	eg, egCtx := errgroup.WithContext(ctx)
	for i := 0; i < d.concurrency; i++ {
		eg.Go(func() error {
			for task := range ch {
				d.runOne(egCtx, task)
			}
			return nil
		})
	}
	return eg.Wait()
}

func (d *Dispatcher) runOne(ctx context.Context, task Task) {
	var totalBytes int64
	for _, f := range task.Files {
		totalBytes += f.Length
	}
	if err := d.job.waitForBandwidth(ctx, totalBytes); err != nil {
		if perr := d.job.ProcessResponse(task, OutcomeCancelled, workerclient.LoadFileResponse{}); perr != nil {
			level.Warn(d.job.logger).Log("msg", "task reconciliation reported an error", "task", task.ID, "err", perr)
		}
		return
	}

	callCtx := ctx
	if d.job.cfg.ProcessResponseTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, d.job.cfg.ProcessResponseTimeout)
		defer cancel()
	}

	client := d.pool.GetClientFor(task.Worker)
	resp, err := client.LoadFile(callCtx, workerclient.LoadFileRequest{
		Files:  task.Files,
		Tag:    d.job.ID().String(),
		Verify: d.job.verify,
	})

	outcome := OutcomeCompleted
	switch {
	case ctx.Err() == context.Canceled:
		outcome = OutcomeCancelled
	case callCtx.Err() == context.DeadlineExceeded:
		outcome = OutcomeExecutionError
	case err != nil:
		outcome = OutcomeExecutionError
	}

	if perr := d.job.ProcessResponse(task, outcome, resp); perr != nil {
		level.Warn(d.job.logger).Log("msg", "task reconciliation reported an error", "task", task.ID, "err", perr)
	}
}
