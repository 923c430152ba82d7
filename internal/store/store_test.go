package store

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/Richard1990h/KING-V3-sub001/internal/apperr"
	"github.com/Richard1990h/KING-V3-sub001/internal/config"
	"github.com/Richard1990h/KING-V3-sub001/internal/jobs"
)

// newTestDB opens a private in-memory sqlite database with the schema applied
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"

	db, err := Open(config.DatabaseConfig{Driver: "sqlite", DSN: dsn}, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	runner, err := NewMigrationRunner("sqlite", dsn, nil)
	require.NoError(t, err)
	require.NoError(t, runner.Up())
	require.NoError(t, runner.Close())
	return db
}

func sampleJob(userID string, created time.Time) *jobs.Job {
	id := uuid.NewString()
	return &jobs.Job{
		ID:        id,
		UserID:    userID,
		ProjectID: "proj-1",
		Prompt:    "build a todo api",
		Language:  "python",
		Kind:      jobs.KindInteractive,
		Status:    jobs.StatusAwaitingApproval,
		Tasks: []*jobs.Task{
			{ID: uuid.NewString(), JobID: id, Title: "plan", AgentType: "planner", Order: 0, Status: jobs.TaskPending, EstimatedTokens: 500, EstimatedCredits: 0.5},
			{ID: uuid.NewString(), JobID: id, Title: "code", AgentType: "coder", Order: 1, Status: jobs.TaskPending, EstimatedTokens: 1500, EstimatedCredits: 1.5},
		},
		TotalEstimatedCredits: 2,
		MaxErrors:             5,
		CreditRate:            1,
		Options:               jobs.PipelineOptions{Files: map[string]string{"main.py": "print(1)"}, MaxIterations: 3},
		CreatedAt:             created,
		UpdatedAt:             created,
	}
}

func TestMigrationRunner(t *testing.T) {
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := Open(config.DatabaseConfig{Driver: "sqlite", DSN: dsn}, nil)
	require.NoError(t, err)
	defer func() {
		sqlDB, _ := db.DB()
		sqlDB.Close()
	}()

	runner, err := NewMigrationRunner("sqlite", dsn, nil)
	require.NoError(t, err)
	defer runner.Close()

	status, err := runner.Status()
	require.NoError(t, err)
	assert.Equal(t, MigrationStatus{}, status)

	require.NoError(t, runner.Up())
	require.NoError(t, runner.Up(), "a second run is a no-op")
	status, err = runner.Status()
	require.NoError(t, err)
	assert.Equal(t, MigrationStatus{Version: 2}, status)
	assert.True(t, db.Migrator().HasTable("ledger_entries"))
	assert.True(t, db.Migrator().HasColumn("jobs", "version"))

	require.NoError(t, runner.Down(1))
	assert.False(t, db.Migrator().HasColumn("jobs", "version"))
	assert.True(t, db.Migrator().HasTable("ledger_entries"))

	require.NoError(t, runner.Down(1))
	assert.False(t, db.Migrator().HasTable("ledger_entries"))
}

func TestNewMigrationRunner_UnsupportedDriver(t *testing.T) {
	_, err := NewMigrationRunner("mysql", "", nil)
	assert.Error(t, err)
}

func TestJobStore_CreateGetSave(t *testing.T) {
	db := newTestDB(t)
	s := NewJobStore(db)
	ctx := context.Background()

	job := sampleJob("u1", time.Now().UTC())
	require.NoError(t, s.Create(ctx, job))

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.Prompt, got.Prompt)
	assert.Equal(t, jobs.StatusAwaitingApproval, got.Status)
	assert.Equal(t, job.Options, got.Options)
	assert.Nil(t, got.Result)
	require.Len(t, got.Tasks, 2)
	assert.Equal(t, "planner", got.Tasks[0].AgentType)
	assert.Equal(t, 1.5, got.Tasks[1].EstimatedCredits)

	// run the first task, then insert a fix task after it
	now := time.Now().UTC()
	job.Status = jobs.StatusRunning
	job.Tasks[0].Status = jobs.TaskCompleted
	job.Tasks[0].FilesCreated = []string{"app.py"}
	job.Tasks[0].CompletedAt = &now
	job.CreditsUsed = 0.5
	job.InsertAfter(0, &jobs.Task{ID: uuid.NewString(), JobID: job.ID, Title: "fix", AgentType: "debugger", Status: jobs.TaskPending})
	job.Result = &jobs.Result{Files: map[string]string{"app.py": "x"}, Passed: true}
	require.NoError(t, s.Save(ctx, job))

	got, err = s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusRunning, got.Status)
	assert.Equal(t, 0.5, got.CreditsUsed)
	require.Len(t, got.Tasks, 3)
	assert.Equal(t, []string{"planner", "debugger", "coder"},
		[]string{got.Tasks[0].AgentType, got.Tasks[1].AgentType, got.Tasks[2].AgentType})
	assert.Equal(t, []string{"app.py"}, got.Tasks[0].FilesCreated)
	require.NotNil(t, got.Tasks[0].CompletedAt)
	assert.WithinDuration(t, now, *got.Tasks[0].CompletedAt, time.Millisecond)
	require.NotNil(t, got.Result)
	assert.True(t, got.Result.Passed)

	// dropping a pending task removes its row
	job.Tasks = job.Tasks[:2]
	require.NoError(t, s.Save(ctx, job))
	got, err = s.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, got.Tasks, 2)
	assert.Equal(t, "debugger", got.Tasks[1].AgentType)
}

func TestJobStore_VersionAndCancel(t *testing.T) {
	s := NewJobStore(newTestDB(t))
	ctx := context.Background()

	job := sampleJob("u1", time.Now().UTC())
	job.Status = jobs.StatusRunning
	require.NoError(t, s.Create(ctx, job))

	mine, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	theirs, err := s.Get(ctx, job.ID)
	require.NoError(t, err)

	mine.CreditsUsed = 0.5
	require.NoError(t, s.Save(ctx, mine))
	assert.Equal(t, int64(1), mine.Version)

	theirs.Status = jobs.StatusCancelled
	err = s.Save(ctx, theirs)
	assert.ErrorIs(t, err, jobs.ErrStale)
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))
	assert.Equal(t, int64(0), theirs.Version)

	stopped, err := s.Stopped(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, stopped)

	flagged, err := s.RequestCancel(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, flagged)
	stopped, err = s.Stopped(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, stopped)

	// a writer that never saw the flag keeps it set
	mine.CreditsUsed = 0.75
	require.NoError(t, s.Save(ctx, mine))
	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, got.CancelRequested)
	assert.Equal(t, 0.75, got.CreditsUsed)
	assert.Equal(t, int64(2), got.Version)

	got.Status = jobs.StatusCancelled
	require.NoError(t, s.Save(ctx, got))
	flagged, err = s.RequestCancel(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, flagged, "finished jobs are not flagged again")

	// the run that lost the race cannot overwrite the cancelled row
	mine.Status = jobs.StatusCompleted
	assert.ErrorIs(t, s.Save(ctx, mine), jobs.ErrStale)
	got, err = s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCancelled, got.Status)

	_, err = s.Stopped(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestJobStore_NotFound(t *testing.T) {
	s := NewJobStore(newTestDB(t))
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))

	err = s.Save(ctx, sampleJob("u1", time.Now()))
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, s.Delete(ctx, "missing"), ErrNotFound)
}

func TestJobStore_ListAndCount(t *testing.T) {
	s := NewJobStore(newTestDB(t))
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	statuses := []jobs.Status{jobs.StatusCompleted, jobs.StatusRunning, jobs.StatusPlanning, jobs.StatusAwaitingApproval}
	var ids []string
	for i, st := range statuses {
		j := sampleJob("u1", base.Add(time.Duration(i)*time.Minute))
		j.Status = st
		require.NoError(t, s.Create(ctx, j))
		ids = append(ids, j.ID)
	}
	other := sampleJob("u2", base)
	other.Status = jobs.StatusRunning
	require.NoError(t, s.Create(ctx, other))

	list, err := s.ListByUser(ctx, "u1", 3)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, ids[3], list[0].ID, "newest first")
	assert.Equal(t, ids[1], list[2].ID)
	assert.Len(t, list[0].Tasks, 2)

	empty, err := s.ListByUser(ctx, "nobody", 10)
	require.NoError(t, err)
	assert.Empty(t, empty)

	n, err := s.CountActiveJobs(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	unfinished, err := s.ListUnfinished(ctx)
	require.NoError(t, err)
	assert.Len(t, unfinished, 3)

	require.NoError(t, s.Delete(ctx, ids[0]))
	_, err = s.Get(ctx, ids[0])
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEventStore(t *testing.T) {
	db := newTestDB(t)
	js := NewJobStore(db)
	es := NewEventStore(db)
	ctx := context.Background()

	job := sampleJob("u1", time.Now())
	require.NoError(t, js.Create(ctx, job))

	seq, err := es.LastSeq(ctx, job.ID)
	require.NoError(t, err)
	assert.Zero(t, seq)

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, es.Append(ctx, jobs.ProgressEvent{
			JobID: job.ID, Seq: i, Type: jobs.EventTaskStarted, TaskID: job.Tasks[0].ID,
			Status: "running", Data: map[string]any{"n": float64(i)}, Timestamp: time.Now(),
		}))
	}
	// duplicate seq is ignored
	require.NoError(t, es.Append(ctx, jobs.ProgressEvent{JobID: job.ID, Seq: 2, Type: jobs.EventJobFailed, Timestamp: time.Now()}))

	seq, err = es.LastSeq(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), seq)

	evs, err := es.After(ctx, job.ID, 1)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, int64(2), evs[0].Seq)
	assert.Equal(t, jobs.EventTaskStarted, evs[0].Type)
	assert.Equal(t, float64(2), evs[0].Data["n"])
	assert.Equal(t, int64(3), evs[1].Seq)
}

func TestLedger_DebitIsIdempotent(t *testing.T) {
	l := NewLedger(newTestDB(t), nil)
	ctx := context.Background()

	bal, err := l.Grant(ctx, "u1", 10, "top up", "grant-1")
	require.NoError(t, err)
	assert.Equal(t, 10.0, bal)

	bal, err = l.Debit(ctx, "u1", 2.5, "task", "job-1:task-1")
	require.NoError(t, err)
	assert.Equal(t, 7.5, bal)

	bal, err = l.Debit(ctx, "u1", 2.5, "task", "job-1:task-1")
	require.NoError(t, err)
	assert.Equal(t, 7.5, bal, "repeated reference leaves the balance unchanged")

	bal, err = l.CheckBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 7.5, bal)

	entries, err := l.History(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, -2.5, entries[0].Amount)
}

func TestLedger_Debit(t *testing.T) {
	tests := []struct {
		name    string
		grant   float64
		amount  float64
		want    float64
		wantErr error
	}{
		{"exact balance", 3, 3, 0, nil},
		{"insufficient", 1, 1.5, 0, ErrInsufficientCredits},
		{"unknown user", 0, 1, 0, ErrInsufficientCredits},
		{"zero amount is a no-op", 2, 0, 2, nil},
		{"rounded to four places", 1, 0.123456, 0.8765, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLedger(newTestDB(t), nil)
			ctx := context.Background()
			if tt.grant > 0 {
				_, err := l.Grant(ctx, "u1", tt.grant, "seed", "seed")
				require.NoError(t, err)
			}
			bal, err := l.Debit(ctx, "u1", tt.amount, "task", "ref-1")
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, http.StatusPaymentRequired, apperr.HTTPStatus(err))
				var e *apperr.Error
				require.True(t, errors.As(err, &e))
				assert.Contains(t, e.Details, "shortfall")

				after, err := l.CheckBalance(ctx, "u1")
				require.NoError(t, err)
				assert.Equal(t, tt.grant, after, "a failed debit changes nothing")
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, bal, 1e-9)
		})
	}
}

func TestLedger_ConcurrentDebitsSameReference(t *testing.T) {
	l := NewLedger(newTestDB(t), nil)
	ctx := context.Background()
	_, err := l.Grant(ctx, "u1", 10, "seed", "seed")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Debit(ctx, "u1", 1, "task", "job:task")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	bal, err := l.CheckBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 9.0, bal)
}

func TestLedger_GrantValidation(t *testing.T) {
	l := NewLedger(newTestDB(t), nil)
	ctx := context.Background()

	_, err := l.Grant(ctx, "u1", -1, "bad", "ref")
	assert.True(t, apperr.IsKind(err, apperr.KindInput))
	_, err = l.Grant(ctx, "u1", 1, "bad", "")
	assert.True(t, apperr.IsKind(err, apperr.KindInput))
	_, err = l.Debit(ctx, "u1", 1, "bad", "")
	assert.True(t, apperr.IsKind(err, apperr.KindInput))

	bal, err := l.Grant(ctx, "u1", 5, "top up", "g")
	require.NoError(t, err)
	assert.Equal(t, 5.0, bal)
	bal, err = l.Grant(ctx, "u1", 5, "top up", "g")
	require.NoError(t, err)
	assert.Equal(t, 5.0, bal)
}

func TestIdentities_Resolve(t *testing.T) {
	db := newTestDB(t)
	ledger := NewLedger(db, nil)
	ids := NewIdentities(db, ledger, 50, nil)
	ctx := context.Background()

	id, err := ids.Resolve(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", id.ID)
	assert.Equal(t, "free", id.PlanTier)
	assert.Empty(t, id.APIKeyOverrides)

	_, err = ids.Resolve(ctx, "alice")
	require.NoError(t, err)
	bal, err := ledger.CheckBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 50.0, bal, "signup grant applied once")

	require.NoError(t, ids.SetPlan(ctx, "alice", "Pro"))
	require.NoError(t, ids.SetAPIKey(ctx, "alice", "Claude", "sk-alice"))
	id, err = ids.Resolve(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "pro", id.PlanTier)
	assert.Equal(t, "sk-alice", id.APIKey("claude"))

	tier, err := ids.PlanTier(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "pro", tier)

	require.NoError(t, ids.SetAPIKey(ctx, "alice", "claude", ""))
	id, err = ids.Resolve(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, id.HasOwnKey("claude"))

	_, err = ids.Resolve(ctx, " ")
	assert.True(t, apperr.IsKind(err, apperr.KindForbidden))
	assert.ErrorIs(t, ids.SetPlan(ctx, "nobody", "pro"), ErrNotFound)
	_, err = ids.PlanTier(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStore(t *testing.T) {
	s := NewFileStore(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, "p1", "main.py", "print(1)"))
	require.NoError(t, s.Write(ctx, "p1", "./pkg/util.py", "x = 1"))
	require.NoError(t, s.Write(ctx, "p1", "main.py", "print(2)"))
	require.NoError(t, s.Write(ctx, "p2", "main.py", "other"))

	files, err := s.Read(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"main.py": "print(2)", "pkg/util.py": "x = 1"}, files)

	empty, err := s.Read(ctx, "p3")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestCleanFilePath(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"main.go", "main.go", true},
		{"./src/app.js", "src/app.js", true},
		{`src\win.py`, "src/win.py", true},
		{"a//b.txt", "a/b.txt", true},
		{"../etc/passwd", "", false},
		{"src/../../x", "", false},
		{"/abs/path", "", false},
		{"", "", false},
		{".", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := cleanFilePath(tt.in)
			if !tt.ok {
				assert.True(t, apperr.IsKind(err, apperr.KindInput))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
