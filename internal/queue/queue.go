// Package queue hands approved and pipeline jobs to background workers and
// serves the polling surface over them.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Richard1990h/KING-V3-sub001/internal/apperr"
	"github.com/Richard1990h/KING-V3-sub001/internal/jobs"
	"github.com/Richard1990h/KING-V3-sub001/internal/logging"
)

var (
	// ErrForbidden is returned when the job belongs to another user
	ErrForbidden = apperr.New(apperr.KindForbidden, "FORBIDDEN", "job belongs to another user")
	// ErrNotReady is returned by GetJobResult while the job is unfinished
	ErrNotReady = apperr.New(apperr.KindNotReady, "NOT_READY", "still processing")
)

const (
	defaultListLimit = 20
	maxListLimit     = 100

	// DefaultStaleAfter is how long an unfinished job must go without an
	// update before Recover treats its owner as gone
	DefaultStaleAfter = 10 * time.Minute
)

// Store is the job persistence the queue reads
type Store interface {
	Create(ctx context.Context, job *jobs.Job) error
	Get(ctx context.Context, id string) (*jobs.Job, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*jobs.Job, error)
	ListUnfinished(ctx context.Context) ([]*jobs.Job, error)
}

// JobRunner runs one job to its next stopping point
type JobRunner interface {
	RunJob(ctx context.Context, jobID string) error
}

// Runner is the orchestrator surface the queue drives
type Runner interface {
	JobRunner
	Cancel(ctx context.Context, jobID string) (*jobs.Job, error)
	Abandon(ctx context.Context, jobID, reason string) error
}

// Dispatcher delivers job ids to workers
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Queue persists and dispatches jobs and answers ownership-checked reads
type Queue struct {
	store      Store
	runner     Runner
	dispatcher Dispatcher
	logger     *zap.Logger
	staleAfter time.Duration
	now        func() time.Time
}

// Option configures a Queue
type Option func(*Queue)

// WithStaleAfter sets how long a planning or mid-run pipeline job may sit
// without an update before Recover abandons it. Jobs updated more recently
// are assumed to belong to another live process.
func WithStaleAfter(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.staleAfter = d
		}
	}
}

// New creates a queue
func New(store Store, runner Runner, dispatcher Dispatcher, logger *zap.Logger, opts ...Option) *Queue {
	q := &Queue{
		store:      store,
		runner:     runner,
		dispatcher: dispatcher,
		logger:     logging.OrNop(logger).Named("queue"),
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue persists job when it is new and dispatches it. It returns as soon
// as a worker has been handed the id.
func (q *Queue) Enqueue(ctx context.Context, job *jobs.Job) (string, error) {
	if _, err := q.store.Get(ctx, job.ID); err != nil {
		if !apperr.IsKind(err, apperr.KindNotFound) {
			return "", fmt.Errorf("load job: %w", err)
		}
		if err := q.store.Create(ctx, job); err != nil {
			return "", fmt.Errorf("create job: %w", err)
		}
	}
	if err := q.dispatcher.Dispatch(ctx, job.ID); err != nil {
		return "", fmt.Errorf("dispatch job %s: %w", job.ID, err)
	}
	q.logger.Info("job queued",
		zap.String("job_id", job.ID),
		zap.String("user_id", job.UserID),
		zap.String("kind", string(job.Kind)))
	return job.ID, nil
}

// Dispatch hands an existing job to the workers. Only approved interactive
// jobs and pending pipeline jobs can run.
func (q *Queue) Dispatch(ctx context.Context, jobID string) error {
	job, err := q.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if !runnable(job) {
		return apperr.New(apperr.KindConflict, "INVALID_STATE", fmt.Sprintf("%s job is %s and cannot be dispatched", job.Kind, job.Status))
	}
	return q.dispatcher.Dispatch(ctx, jobID)
}

func runnable(job *jobs.Job) bool {
	switch job.Kind {
	case jobs.KindPipeline:
		return job.Status == jobs.StatusPending
	default:
		return job.Status == jobs.StatusRunning
	}
}

// GetJob returns a job owned by userID
func (q *Queue) GetJob(ctx context.Context, jobID, userID string) (*jobs.Job, error) {
	job, err := q.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, ErrForbidden
	}
	return job, nil
}

// GetUserJobs lists a user's jobs, newest first
func (q *Queue) GetUserJobs(ctx context.Context, userID string, limit int) ([]*jobs.Job, error) {
	switch {
	case limit <= 0:
		limit = defaultListLimit
	case limit > maxListLimit:
		limit = maxListLimit
	}
	return q.store.ListByUser(ctx, userID, limit)
}

// GetJobResult returns the finished job. Unfinished jobs yield ErrNotReady.
func (q *Queue) GetJobResult(ctx context.Context, jobID, userID string) (*jobs.Job, error) {
	job, err := q.GetJob(ctx, jobID, userID)
	if err != nil {
		return nil, err
	}
	if !job.Status.IsTerminal() {
		return job, ErrNotReady
	}
	return job, nil
}

// CancelJob requests cooperative cancellation of a user's job
func (q *Queue) CancelJob(ctx context.Context, jobID, userID string) (*jobs.Job, error) {
	if _, err := q.GetJob(ctx, jobID, userID); err != nil {
		return nil, err
	}
	return q.runner.Cancel(ctx, jobID)
}

// Recover re-dispatches jobs a previous process left unfinished. Pending
// pipeline jobs and running interactive jobs resume; a pipeline job caught
// mid-run or a job stuck in planning is cancelled, since neither can pick
// up where it stopped. Those two are only cancelled once they have gone
// stale; a recent update means another process still owns them. It returns
// how many jobs were dispatched.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	unfinished, err := q.store.ListUnfinished(ctx)
	if err != nil {
		return 0, fmt.Errorf("list unfinished jobs: %w", err)
	}
	dispatched := 0
	var errs []error
	for _, job := range unfinished {
		logger := q.logger.With(zap.String("job_id", job.ID), zap.String("status", string(job.Status)))
		switch {
		case runnable(job):
			if err := q.dispatcher.Dispatch(ctx, job.ID); err != nil {
				errs = append(errs, fmt.Errorf("dispatch %s: %w", job.ID, err))
				continue
			}
			dispatched++
			logger.Info("job re-dispatched")
		case job.Status == jobs.StatusPlanning, job.Kind == jobs.KindPipeline && job.Status == jobs.StatusRunning:
			if idle := q.now().Sub(lastTouched(job)); idle < q.staleAfter {
				logger.Info("job left to its current owner", zap.Duration("idle", idle))
				continue
			}
			if err := q.runner.Abandon(ctx, job.ID, "interrupted by restart"); err != nil {
				errs = append(errs, fmt.Errorf("abandon %s: %w", job.ID, err))
				continue
			}
			logger.Warn("job abandoned after restart")
		}
	}
	return dispatched, errors.Join(errs...)
}

func lastTouched(job *jobs.Job) time.Time {
	if job.UpdatedAt.After(job.CreatedAt) {
		return job.UpdatedAt
	}
	return job.CreatedAt
}

// Start starts the dispatcher's workers
func (q *Queue) Start(ctx context.Context) error { return q.dispatcher.Start(ctx) }

// Stop stops the workers, waiting for in-flight jobs until ctx ends
func (q *Queue) Stop(ctx context.Context) error { return q.dispatcher.Stop(ctx) }
