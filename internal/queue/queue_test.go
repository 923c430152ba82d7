package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Richard1990h/KING-V3-sub001/internal/apperr"
	"github.com/Richard1990h/KING-V3-sub001/internal/jobs"
)

type fakeStore struct {
	mu   sync.Mutex
	jobs map[string]*jobs.Job
}

func newFakeStore(js ...*jobs.Job) *fakeStore {
	s := &fakeStore{jobs: map[string]*jobs.Job{}}
	for _, j := range js {
		s.jobs[j.ID] = j
	}
	return s
}

func (s *fakeStore) Create(_ context.Context, job *jobs.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return nil
}

func (s *fakeStore) Get(_ context.Context, id string) (*jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "NOT_FOUND", "not found")
	}
	return j, nil
}

func (s *fakeStore) ListByUser(_ context.Context, userID string, limit int) ([]*jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*jobs.Job
	for _, j := range s.jobs {
		if j.UserID == userID {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) ListUnfinished(_ context.Context) ([]*jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*jobs.Job
	for _, j := range s.jobs {
		if !j.Status.IsTerminal() {
			out = append(out, j)
		}
	}
	return out, nil
}

type fakeRunner struct {
	mu        sync.Mutex
	ran       []string
	cancelled []string
	abandoned []string
	err       error
	block     chan struct{}
}

func (r *fakeRunner) RunJob(ctx context.Context, id string) error {
	r.mu.Lock()
	r.ran = append(r.ran, id)
	block := r.block
	r.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return r.err
}

func (r *fakeRunner) Cancel(_ context.Context, id string) (*jobs.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = append(r.cancelled, id)
	return &jobs.Job{ID: id, Status: jobs.StatusCancelled}, nil
}

func (r *fakeRunner) Abandon(_ context.Context, id, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.abandoned = append(r.abandoned, id)
	return nil
}

func (r *fakeRunner) runs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ran...)
}

type recordingDispatcher struct {
	mu  sync.Mutex
	ids []string
}

func (d *recordingDispatcher) Dispatch(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = append(d.ids, id)
	return nil
}
func (d *recordingDispatcher) Start(context.Context) error { return nil }
func (d *recordingDispatcher) Stop(context.Context) error  { return nil }

func job(id, user string, kind jobs.Kind, status jobs.Status) *jobs.Job {
	return &jobs.Job{ID: id, UserID: user, Kind: kind, Status: status, CreatedAt: time.Now()}
}

func TestEnqueue_PersistsNewJobs(t *testing.T) {
	store := newFakeStore()
	d := &recordingDispatcher{}
	q := New(store, &fakeRunner{}, d, nil)

	id, err := q.Enqueue(context.Background(), job("j1", "u1", jobs.KindPipeline, jobs.StatusPending))
	require.NoError(t, err)
	assert.Equal(t, "j1", id)

	_, err = store.Get(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, []string{"j1"}, d.ids)

	// existing jobs are dispatched without being re-created
	_, err = q.Enqueue(context.Background(), job("j1", "u1", jobs.KindPipeline, jobs.StatusPending))
	require.NoError(t, err)
	assert.Equal(t, []string{"j1", "j1"}, d.ids)
}

func TestDispatch_OnlyRunnableJobs(t *testing.T) {
	tests := []struct {
		name    string
		job     *jobs.Job
		wantErr apperr.Kind
	}{
		{"approved interactive", job("a", "u", jobs.KindInteractive, jobs.StatusRunning), ""},
		{"pending pipeline", job("b", "u", jobs.KindPipeline, jobs.StatusPending), ""},
		{"awaiting approval", job("c", "u", jobs.KindInteractive, jobs.StatusAwaitingApproval), apperr.KindConflict},
		{"finished pipeline", job("d", "u", jobs.KindPipeline, jobs.StatusCompleted), apperr.KindConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &recordingDispatcher{}
			q := New(newFakeStore(tt.job), &fakeRunner{}, d, nil)
			err := q.Dispatch(context.Background(), tt.job.ID)
			if tt.wantErr == "" {
				require.NoError(t, err)
				assert.Equal(t, []string{tt.job.ID}, d.ids)
				return
			}
			assert.Equal(t, tt.wantErr, apperr.KindOf(err))
			assert.Empty(t, d.ids)
		})
	}

	q := New(newFakeStore(), &fakeRunner{}, &recordingDispatcher{}, nil)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(q.Dispatch(context.Background(), "missing")))
}

func TestReads_CheckOwnership(t *testing.T) {
	running := job("r", "owner", jobs.KindPipeline, jobs.StatusRunning)
	done := job("d", "owner", jobs.KindPipeline, jobs.StatusCompleted)
	done.Result = &jobs.Result{Passed: true}
	runner := &fakeRunner{}
	q := New(newFakeStore(running, done), runner, &recordingDispatcher{}, nil)
	ctx := context.Background()

	_, err := q.GetJob(ctx, "r", "intruder")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = q.GetJobResult(ctx, "r", "owner")
	assert.ErrorIs(t, err, ErrNotReady)

	finished, err := q.GetJobResult(ctx, "d", "owner")
	require.NoError(t, err)
	assert.True(t, finished.Result.Passed)

	_, err = q.CancelJob(ctx, "r", "intruder")
	assert.ErrorIs(t, err, ErrForbidden)
	assert.Empty(t, runner.cancelled)

	cancelled, err := q.CancelJob(ctx, "r", "owner")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCancelled, cancelled.Status)
	assert.Equal(t, []string{"r"}, runner.cancelled)
}

func TestGetUserJobs_Limits(t *testing.T) {
	store := newFakeStore()
	base := time.Now()
	for i := 0; i < 120; i++ {
		j := job(fmt.Sprintf("job-%d", i), "u1", jobs.KindPipeline, jobs.StatusCompleted)
		j.CreatedAt = base.Add(time.Duration(i) * time.Second)
		store.jobs[j.ID] = j
	}
	q := New(store, &fakeRunner{}, &recordingDispatcher{}, nil)

	tests := []struct {
		limit, want int
	}{
		{0, 20},
		{-5, 20},
		{50, 50},
		{500, 100},
	}
	for _, tt := range tests {
		list, err := q.GetUserJobs(context.Background(), "u1", tt.limit)
		require.NoError(t, err)
		assert.Len(t, list, tt.want)
	}
	list, _ := q.GetUserJobs(context.Background(), "u1", 0)
	assert.True(t, list[0].CreatedAt.After(list[1].CreatedAt))
}

func TestRecover(t *testing.T) {
	store := newFakeStore(
		job("interactive-running", "u", jobs.KindInteractive, jobs.StatusRunning),
		job("pipeline-pending", "u", jobs.KindPipeline, jobs.StatusPending),
		job("pipeline-running", "u", jobs.KindPipeline, jobs.StatusRunning),
		job("planning", "u", jobs.KindInteractive, jobs.StatusPlanning),
		job("awaiting", "u", jobs.KindInteractive, jobs.StatusAwaitingApproval),
		job("done", "u", jobs.KindPipeline, jobs.StatusCompleted),
	)
	runner := &fakeRunner{}
	d := &recordingDispatcher{}
	q := New(store, runner, d, nil)
	q.now = func() time.Time { return time.Now().Add(time.Hour) }

	n, err := q.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{"interactive-running", "pipeline-pending"}, d.ids)
	assert.ElementsMatch(t, []string{"pipeline-running", "planning"}, runner.abandoned)
}

func TestRecover_LeavesLiveJobsToTheirOwner(t *testing.T) {
	now := time.Now()
	touched := func(j *jobs.Job, ago time.Duration) *jobs.Job {
		j.CreatedAt = now.Add(-time.Hour)
		j.UpdatedAt = now.Add(-ago)
		return j
	}
	store := newFakeStore(
		touched(job("pipeline-live", "u", jobs.KindPipeline, jobs.StatusRunning), time.Minute),
		touched(job("planning-live", "u", jobs.KindInteractive, jobs.StatusPlanning), 30*time.Second),
		touched(job("pipeline-stale", "u", jobs.KindPipeline, jobs.StatusRunning), 20*time.Minute),
		touched(job("planning-stale", "u", jobs.KindInteractive, jobs.StatusPlanning), 6*time.Minute),
	)
	runner := &fakeRunner{}
	d := &recordingDispatcher{}
	q := New(store, runner, d, nil, WithStaleAfter(5*time.Minute))
	q.now = func() time.Time { return now }

	n, err := q.Recover(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, d.ids)
	assert.ElementsMatch(t, []string{"pipeline-stale", "planning-stale"}, runner.abandoned)
}

func TestPool_RunsDispatchedJobs(t *testing.T) {
	runner := &fakeRunner{}
	pool := NewPool(runner, 2, 8, nil)
	require.NoError(t, pool.Start(context.Background()))

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, pool.Dispatch(context.Background(), id))
	}
	assert.Eventually(t, func() bool { return len(runner.runs()) == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, runner.runs())

	require.NoError(t, pool.Stop(context.Background()))
	assert.ErrorIs(t, pool.Dispatch(context.Background(), "d"), ErrStopped)
}

func TestPool_StopInterruptsAfterDeadline(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})}
	pool := NewPool(runner, 1, 4, nil)
	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Dispatch(context.Background(), "slow"))
	assert.Eventually(t, func() bool { return len(runner.runs()) == 1 }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	stopped := make(chan error, 1)
	go func() { stopped <- pool.Stop(ctx) }()

	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop")
	}
}

func TestAsynqProcessTask(t *testing.T) {
	tests := []struct {
		name      string
		payload   []byte
		runErr    error
		wantErr   bool
		skipRetry bool
	}{
		{"runs job", []byte(`{"job_id":"j1"}`), nil, false, false},
		{"bad payload", []byte(`{`), nil, true, true},
		{"missing job", []byte(`{"job_id":"j1"}`), apperr.New(apperr.KindNotFound, "NOT_FOUND", "gone"), true, true},
		{"already executing", []byte(`{"job_id":"j1"}`), apperr.New(apperr.KindConflict, "ALREADY_EXECUTING", "busy"), true, true},
		{"shutdown", []byte(`{"job_id":"j1"}`), context.Canceled, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{err: tt.runErr}
			d := &AsynqDispatcher{runner: runner, logger: zap.NewNop()}

			err := d.ProcessTask(context.Background(), asynq.NewTask(TaskTypeRunJob, tt.payload))
			if !tt.wantErr {
				require.NoError(t, err)
				assert.Equal(t, []string{"j1"}, runner.runs())
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.skipRetry, errors.Is(err, asynq.SkipRetry))
		})
	}
}

func TestNewRunJobTask(t *testing.T) {
	task, err := newRunJobTask("job-42")
	require.NoError(t, err)
	assert.Equal(t, TaskTypeRunJob, task.Type())
	assert.JSONEq(t, `{"job_id":"job-42"}`, string(task.Payload()))
}
