package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/charmbracelet/log"
)

const (
	DefaultPollInterval = 30 * time.Second
	DefaultBatchSize    = 20
	DefaultJobTimeout   = 2 * time.Minute
)

// JobDispatcher is the part of Dispatcher the runner needs.
type JobDispatcher interface {
	Dispatch(ctx context.Context, name string, metadata json.RawMessage) error
}

// Runner polls the repository for due jobs and dispatches them. A claimed job
// runs once; its outcome is recorded and it is never retried.
type Runner struct {
	Repository Repository
	Dispatcher JobDispatcher
	Log        *log.Logger
	Now        func() time.Time
	Interval   time.Duration
	BatchSize  int
	JobTimeout time.Duration
}

func NewRunner(repository Repository, dispatcher JobDispatcher, logger *log.Logger) *Runner {
	return &Runner{
		Repository: repository,
		Dispatcher: dispatcher,
		Log:        logger,
		Now:        func() time.Time { return time.Now().UTC() },
		Interval:   DefaultPollInterval,
		BatchSize:  DefaultBatchSize,
		JobTimeout: DefaultJobTimeout,
	}
}

// RunOnce drains every job due now, batch by batch, and reports how many ran.
// Handler failures are stored on the job and do not fail the run.
func (r *Runner) RunOnce(ctx context.Context) (int, error) {
	size := r.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}
	ran := 0
	for {
		batch, err := r.Repository.ClaimDue(ctx, r.Now(), size)
		if err != nil {
			return ran, err
		}
		for _, job := range batch {
			r.runJob(ctx, job)
			ran++
		}
		if len(batch) < size || ctx.Err() != nil {
			return ran, ctx.Err()
		}
	}
}

func (r *Runner) runJob(ctx context.Context, job Job) {
	jobCtx, cancel := context.WithTimeout(ctx, r.JobTimeout)
	defer cancel()

	err := r.Dispatcher.Dispatch(jobCtx, job.Name, job.Metadata)
	if err != nil {
		r.Log.Error("job failed", "id", job.ID, "name", job.Name, "due_at", job.DueAt, "err", err)
	} else {
		r.Log.Info("job done", "id", job.ID, "name", job.Name, "due_at", job.DueAt)
	}

	// Record the outcome even when the poll context is shutting down.
	markCtx, markCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer markCancel()
	if markErr := r.Repository.MarkDone(markCtx, job.ID, err); markErr != nil {
		r.Log.Error("record job outcome", "id", job.ID, "err", markErr)
	}
}

// Run polls every Interval until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	interval := r.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.Log.Info("job runner started", "interval", interval, "batch", r.BatchSize)
	for {
		if n, err := r.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.Log.Error("poll due jobs", "err", err)
		} else if n > 0 {
			r.Log.Debug("poll finished", "jobs", n)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
