// Package jobs defines the job and task model driven by the pipeline
// orchestrator, the job state machine and the progress event vocabulary.
package jobs

import (
	"math"
	"time"

	"github.com/Richard1990h/KING-V3-sub001/internal/apperr"
)

// ErrStale is returned when a job was written by someone else since it was
// loaded
var ErrStale = apperr.New(apperr.KindConflict, "JOB_MODIFIED", "job was modified concurrently")

// Status is the lifecycle state of a Job.
type Status string

const (
	StatusPending          Status = "pending"
	StatusPlanning         Status = "planning"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusRunning          Status = "running"
	StatusNeedsMoreCredits Status = "needs_more_credits"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusCancelled        Status = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsActive reports whether the job counts against the user's concurrency cap.
func (s Status) IsActive() bool {
	return s == StatusPlanning || s == StatusRunning
}

// TaskStatus is the state of a single Task. It only moves forward.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskSkipped   TaskStatus = "skipped"
)

// IsTerminal reports whether the task will never run again.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskSkipped
}

// Kind distinguishes interactive jobs (plan, approve, execute) from pipeline
// jobs submitted for a one-shot build/test/verify loop.
type Kind string

const (
	KindInteractive Kind = "interactive"
	KindPipeline    Kind = "pipeline"
)

// Task is one unit of agent work within a Job.
type Task struct {
	ID               string     `json:"id"`
	JobID            string     `json:"job_id"`
	Title            string     `json:"title"`
	Description      string     `json:"description"`
	AgentType        string     `json:"agent_type"`
	Order            int        `json:"order"`
	Status           TaskStatus `json:"status"`
	EstimatedTokens  int        `json:"estimated_tokens"`
	EstimatedCredits float64    `json:"estimated_credits"`
	ActualTokens     int        `json:"actual_tokens"`
	ActualCredits    float64    `json:"actual_credits"`
	Output           string     `json:"output,omitempty"`
	FilesCreated     []string   `json:"files_created,omitempty"`
	Error            string     `json:"error,omitempty"`
	ParentTaskID     string     `json:"parent_task_id,omitempty"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// PipelineOptions are the submission parameters of a pipeline job.
type PipelineOptions struct {
	Files         map[string]string `json:"files,omitempty"`
	EntryPoint    string            `json:"entry_point,omitempty"`
	RunAfterBuild bool              `json:"run_after_build"`
	MaxIterations int               `json:"max_iterations"`
}

// Job is one end-to-end request tracked through planning, approval,
// execution and completion.
type Job struct {
	ID                    string          `json:"id"`
	UserID                string          `json:"user_id"`
	ProjectID             string          `json:"project_id"`
	Prompt                string          `json:"prompt"`
	Language              string          `json:"language"`
	Kind                  Kind            `json:"kind"`
	Status                Status          `json:"status"`
	Tasks                 []*Task         `json:"tasks"`
	TotalEstimatedCredits float64         `json:"total_estimated_credits"`
	CreditsUsed           float64         `json:"credits_used"`
	CreditsApproved       float64         `json:"credits_approved"`
	CurrentTaskIndex      int             `json:"current_task_index"`
	ErrorCount            int             `json:"error_count"`
	MaxErrors             int             `json:"max_errors"`
	CreditRate            float64         `json:"credit_rate"`
	FreeUsage             bool            `json:"free_usage"`
	CancelRequested       bool            `json:"cancel_requested"`
	Error                 string          `json:"error,omitempty"`
	Shortfall             float64         `json:"shortfall,omitempty"`
	Options               PipelineOptions `json:"options"`
	Result                *Result         `json:"result,omitempty"`
	CreatedAt             time.Time       `json:"created_at"`
	StartedAt             *time.Time      `json:"started_at,omitempty"`
	CompletedAt           *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt             time.Time       `json:"updated_at"`
	// Version counts stored writes. A save made from an older version is
	// rejected with ErrStale.
	Version int64 `json:"version"`
}

// Result is the final artifact bundle of a job.
type Result struct {
	Files       map[string]string `json:"files"`
	TestFiles   map[string]string `json:"test_files,omitempty"`
	Passed      bool              `json:"passed"`
	Reasons     []string          `json:"reasons,omitempty"`
	Iterations  int               `json:"iterations,omitempty"`
	Stdout      string            `json:"stdout,omitempty"`
	Stderr      string            `json:"stderr,omitempty"`
	TimedOut    bool              `json:"timed_out,omitempty"`
	CreditsUsed float64           `json:"credits_used"`
}

// CurrentTask returns the task at CurrentTaskIndex, or nil past the end.
func (j *Job) CurrentTask() *Task {
	if j.CurrentTaskIndex < 0 || j.CurrentTaskIndex >= len(j.Tasks) {
		return nil
	}
	return j.Tasks[j.CurrentTaskIndex]
}

// TaskByID finds a task by id.
func (j *Job) TaskByID(id string) *Task {
	for _, t := range j.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// InsertAfter places task directly after position index and renumbers the
// Order of all tasks.
func (j *Job) InsertAfter(index int, task *Task) {
	pos := index + 1
	if pos > len(j.Tasks) {
		pos = len(j.Tasks)
	}
	j.Tasks = append(j.Tasks, nil)
	copy(j.Tasks[pos+1:], j.Tasks[pos:])
	j.Tasks[pos] = task
	for i, t := range j.Tasks {
		t.Order = i
	}
}

// PendingEstimate sums the estimated credits of tasks not yet run.
func (j *Job) PendingEstimate() float64 {
	var total float64
	for _, t := range j.Tasks {
		if t.Status == TaskPending {
			total += t.EstimatedCredits
		}
	}
	return RoundCredits(total)
}

// RemainingApproval is the approved budget not yet spent.
func (j *Job) RemainingApproval() float64 {
	r := RoundCredits(j.CreditsApproved - j.CreditsUsed)
	if r < 0 {
		return 0
	}
	return r
}

// SkipPending marks every pending task as skipped. Used on cancellation and
// declined checkpoints; skipped tasks are never charged.
func (j *Job) SkipPending() {
	for _, t := range j.Tasks {
		if t.Status == TaskPending {
			t.Status = TaskSkipped
		}
	}
}

// CompletedFiles collects the files created by completed tasks, in order.
func (j *Job) CompletedFiles() []string {
	var out []string
	seen := make(map[string]bool)
	for _, t := range j.Tasks {
		if t.Status != TaskCompleted {
			continue
		}
		for _, f := range t.FilesCreated {
			if !seen[f] {
				seen[f] = true
				out = append(out, f)
			}
		}
	}
	return out
}

// Clone returns a deep copy that callers may read without holding locks.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Tasks = make([]*Task, len(j.Tasks))
	for i, t := range j.Tasks {
		tc := *t
		tc.FilesCreated = append([]string(nil), t.FilesCreated...)
		c.Tasks[i] = &tc
	}
	if j.Options.Files != nil {
		c.Options.Files = make(map[string]string, len(j.Options.Files))
		for k, v := range j.Options.Files {
			c.Options.Files[k] = v
		}
	}
	if j.Result != nil {
		r := *j.Result
		c.Result = &r
	}
	return &c
}

// CreditsForTokens converts a token count into credits at rate credits per
// thousand tokens.
func CreditsForTokens(tokens int, rate float64) float64 {
	if tokens <= 0 || rate <= 0 {
		return 0
	}
	return RoundCredits(float64(tokens) / 1000.0 * rate)
}

// RoundCredits rounds to four decimal places.
func RoundCredits(v float64) float64 {
	return math.Round(v*10000) / 10000
}
