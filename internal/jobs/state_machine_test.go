package jobs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransition_InteractivePath(t *testing.T) {
	job := &Job{ID: "job-1", Status: StatusPending}
	now := time.Now()

	steps := []struct {
		event Event
		want  Status
	}{
		{EventPlan, StatusPlanning},
		{EventPlanReady, StatusAwaitingApproval},
		{EventApprove, StatusRunning},
		{EventTaskDone, StatusRunning},
		{EventPause, StatusNeedsMoreCredits},
		{EventResume, StatusRunning},
		{EventComplete, StatusCompleted},
	}

	for _, step := range steps {
		change, err := Transition(job, step.event, now)
		if err != nil {
			t.Fatalf("event %s from %s: %v", step.event, change.From, err)
		}
		if job.Status != step.want {
			t.Fatalf("after %s expected %s, got %s", step.event, step.want, job.Status)
		}
	}

	require.NotNil(t, job.StartedAt)
	require.NotNil(t, job.CompletedAt)
}

func TestTransition_InvalidLeavesJobUntouched(t *testing.T) {
	tests := []struct {
		name  string
		from  Status
		event Event
	}{
		{"approve while pending", StatusPending, EventApprove},
		{"complete while awaiting approval", StatusAwaitingApproval, EventComplete},
		{"cancel completed job", StatusCompleted, EventCancel},
		{"resume running job", StatusRunning, EventResume},
		{"fail cancelled job", StatusCancelled, EventFail},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := &Job{ID: "j", Status: tt.from}
			_, err := Transition(job, tt.event, time.Now())
			assert.Error(t, err)
			assert.Equal(t, tt.from, job.Status)
			assert.Nil(t, job.CompletedAt)
		})
	}
}

func TestTransition_CancelFromEveryNonTerminalState(t *testing.T) {
	for _, from := range []Status{StatusPending, StatusPlanning, StatusAwaitingApproval, StatusRunning, StatusNeedsMoreCredits} {
		job := &Job{ID: "j", Status: from}
		_, err := Transition(job, EventCancel, time.Now())
		require.NoError(t, err, "cancel from %s", from)
		assert.Equal(t, StatusCancelled, job.Status)
		assert.True(t, job.Status.IsTerminal())
	}
}

func TestAdvanceTask_ForwardOnly(t *testing.T) {
	task := &Task{ID: "t1", Status: TaskPending}
	now := time.Now()

	require.NoError(t, AdvanceTask(task, TaskRunning, now))
	require.NotNil(t, task.StartedAt)
	require.Error(t, AdvanceTask(task, TaskPending, now))
	require.NoError(t, AdvanceTask(task, TaskFailed, now))
	require.NotNil(t, task.CompletedAt)

	// Terminal tasks are never revisited
	assert.Error(t, AdvanceTask(task, TaskRunning, now))
	assert.Error(t, AdvanceTask(task, TaskCompleted, now))
	assert.Equal(t, TaskFailed, task.Status)
}

func TestInsertAfter(t *testing.T) {
	job := &Job{Tasks: []*Task{{ID: "a"}, {ID: "b"}, {ID: "c"}}}

	job.InsertAfter(0, &Task{ID: "fix-a"})
	job.InsertAfter(3, &Task{ID: "fix-c"})

	var ids []string
	for i, task := range job.Tasks {
		ids = append(ids, task.ID)
		assert.Equal(t, i, task.Order)
	}
	assert.Equal(t, []string{"a", "fix-a", "b", "c", "fix-c"}, ids)
}

func TestCreditsHelpers(t *testing.T) {
	assert.Equal(t, 1.5, CreditsForTokens(1500, 1.0))
	assert.Equal(t, 0.25, CreditsForTokens(500, 0.5))
	assert.Equal(t, 0.0, CreditsForTokens(0, 1.0))
	assert.Equal(t, 0.0, CreditsForTokens(100, 0))

	job := &Job{
		CreditsApproved: 3,
		CreditsUsed:     1.25,
		Tasks: []*Task{
			{Status: TaskCompleted, EstimatedCredits: 1},
			{Status: TaskPending, EstimatedCredits: 0.8},
			{Status: TaskPending, EstimatedCredits: 0.5},
		},
	}
	assert.Equal(t, 1.3, job.PendingEstimate())
	assert.Equal(t, 1.75, job.RemainingApproval())

	job.SkipPending()
	assert.Equal(t, 0.0, job.PendingEstimate())
	assert.Equal(t, TaskSkipped, job.Tasks[2].Status)
}

func TestCloneIsDeep(t *testing.T) {
	job := &Job{
		ID:      "j",
		Tasks:   []*Task{{ID: "a", FilesCreated: []string{"main.py"}}},
		Options: PipelineOptions{Files: map[string]string{"main.py": "print(1)"}},
	}
	c := job.Clone()
	c.Tasks[0].FilesCreated[0] = "other.py"
	c.Options.Files["main.py"] = "changed"
	c.Tasks[0].Status = TaskCompleted

	assert.Equal(t, "main.py", job.Tasks[0].FilesCreated[0])
	assert.Equal(t, "print(1)", job.Options.Files["main.py"])
	assert.Equal(t, TaskStatus(""), job.Tasks[0].Status)
}
