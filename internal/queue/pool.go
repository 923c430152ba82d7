package queue

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/Richard1990h/KING-V3-sub001/internal/apperr"
	"github.com/Richard1990h/KING-V3-sub001/internal/logging"
	"github.com/Richard1990h/KING-V3-sub001/internal/metrics"
)

// ErrStopped is returned by Dispatch after Stop
var ErrStopped = apperr.New(apperr.KindTransient, "QUEUE_STOPPED", "job queue is shutting down")

// Pool is the in-process dispatcher: a buffered channel drained by a fixed
// number of workers, each running one job at a time.
type Pool struct {
	runner  JobRunner
	workers int
	ids     chan string
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	started bool
	stopped bool
	quit    chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPool creates a pool of workers. buffer bounds how many dispatched ids
// may wait for a worker.
func NewPool(runner JobRunner, workers, buffer int, logger *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if buffer < workers {
		buffer = workers * 16
	}
	return &Pool{
		runner:  runner,
		workers: workers,
		ids:     make(chan string, buffer),
		logger:  logging.OrNop(logger).Named("pool"),
		metrics: metrics.Get(),
		quit:    make(chan struct{}),
	}
}

// Start launches the workers. Jobs run under a context detached from ctx's
// cancellation; Stop ends them.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}
	if p.stopped {
		return ErrStopped
	}
	p.started = true

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.work(runCtx, i)
	}
	p.logger.Info("worker pool started", zap.Int("workers", p.workers))
	return nil
}

// Dispatch queues a job id, blocking while the buffer is full
func (p *Pool) Dispatch(ctx context.Context, jobID string) error {
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		return ErrStopped
	}
	select {
	case p.ids <- jobID:
		p.metrics.QueueDepth.Set(float64(len(p.ids)))
		return nil
	case <-p.quit:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) work(ctx context.Context, n int) {
	defer p.wg.Done()
	logger := p.logger.With(zap.Int("worker", n))
	for {
		select {
		case <-p.quit:
			return
		case <-ctx.Done():
			return
		case id := <-p.ids:
			p.metrics.QueueDepth.Set(float64(len(p.ids)))
			p.run(ctx, logger, id)
		}
	}
}

func (p *Pool) run(ctx context.Context, logger *zap.Logger, jobID string) {
	p.metrics.WorkersActive.Inc()
	defer p.metrics.WorkersActive.Dec()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("job run panicked", zap.String("job_id", jobID), zap.Any("panic", r))
		}
	}()

	err := p.runner.RunJob(ctx, jobID)
	switch {
	case err == nil:
		logger.Debug("job run finished", zap.String("job_id", jobID))
	case errors.Is(err, context.Canceled):
		logger.Info("job run interrupted by shutdown", zap.String("job_id", jobID))
	case apperr.IsKind(err, apperr.KindConflict):
		logger.Debug("job already executing elsewhere", zap.String("job_id", jobID))
	default:
		logger.Warn("job run failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

// Stop stops taking jobs and waits for running ones. When ctx ends first the
// running jobs are interrupted; they stay resumable. Ids still buffered are
// dropped and picked up again by Recover.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.quit)
	cancel := p.cancel
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if cancel != nil {
			cancel()
		}
		<-done
	}
	if cancel != nil {
		cancel()
	}
	p.logger.Info("worker pool stopped", zap.Int("dropped", len(p.ids)))
	return nil
}
