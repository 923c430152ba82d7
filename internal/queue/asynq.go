package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/Richard1990h/KING-V3-sub001/internal/apperr"
	"github.com/Richard1990h/KING-V3-sub001/internal/logging"
)

// TaskTypeRunJob is the asynq task type carrying a job id
const TaskTypeRunJob = "pipeline:run_job"

const asynqQueue = "pipeline"

type runJobPayload struct {
	JobID string `json:"job_id"`
}

// AsynqDispatcher delivers job ids through Redis so any process running the
// server side can pick them up.
type AsynqDispatcher struct {
	client *asynq.Client
	server *asynq.Server
	runner JobRunner
	logger *zap.Logger
}

// NewAsynqDispatcher connects to redisURL (redis://[:password@]host:port/db)
func NewAsynqDispatcher(redisURL string, concurrency int, runner JobRunner, logger *zap.Logger) (*AsynqDispatcher, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	logger = logging.OrNop(logger).Named("asynq")
	return &AsynqDispatcher{
		client: asynq.NewClient(opt),
		server: asynq.NewServer(opt, asynq.Config{
			Concurrency: concurrency,
			Queues:      map[string]int{asynqQueue: 1},
			Logger:      logger.Sugar(),
		}),
		runner: runner,
		logger: logger,
	}, nil
}

func newRunJobTask(jobID string) (*asynq.Task, error) {
	data, err := json.Marshal(runJobPayload{JobID: jobID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeRunJob, data), nil
}

// Dispatch enqueues the job id. A job already waiting in Redis is not
// enqueued twice.
func (d *AsynqDispatcher) Dispatch(ctx context.Context, jobID string) error {
	task, err := newRunJobTask(jobID)
	if err != nil {
		return err
	}
	_, err = d.client.EnqueueContext(ctx, task,
		asynq.Queue(asynqQueue),
		asynq.TaskID(jobID),
		asynq.MaxRetry(3),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		d.logger.Debug("job already enqueued", zap.String("job_id", jobID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}
	return nil
}

// Start runs the asynq server in the background
func (d *AsynqDispatcher) Start(context.Context) error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskTypeRunJob, d.ProcessTask)
	if err := d.server.Start(mux); err != nil {
		return fmt.Errorf("start asynq server: %w", err)
	}
	return nil
}

// ProcessTask runs the job named by the task payload. Jobs that are missing
// or already owned by another worker are not retried.
func (d *AsynqDispatcher) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p runJobPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil || p.JobID == "" {
		return fmt.Errorf("invalid %s payload: %w", TaskTypeRunJob, asynq.SkipRetry)
	}

	err := d.runner.RunJob(ctx, p.JobID)
	switch {
	case err == nil:
		return nil
	case apperr.IsKind(err, apperr.KindNotFound), apperr.IsKind(err, apperr.KindConflict):
		d.logger.Info("skipping job", zap.String("job_id", p.JobID), zap.Error(err))
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	default:
		return err
	}
}

// Stop shuts the server down, waiting for active tasks, and closes the
// client
func (d *AsynqDispatcher) Stop(context.Context) error {
	d.server.Shutdown()
	return d.client.Close()
}
