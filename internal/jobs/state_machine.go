package jobs

import (
	"fmt"
	"time"
)

// Event triggers a job status transition.
type Event string

const (
	EventPlan        Event = "plan"
	EventPlanReady   Event = "plan_ready"
	EventApprove     Event = "approve"
	EventTaskDone    Event = "task_done"
	EventPause       Event = "pause_for_credits"
	EventResume      Event = "resume"
	EventComplete    Event = "complete"
	EventFail        Event = "fail"
	EventCancel      Event = "cancel"
	EventStartDirect Event = "start_direct"
)

// transition defines a valid (from, event) → to mapping.
type transition struct {
	From  Status
	Event Event
	To    Status
}

// validTransitions is the canonical job state machine.
var validTransitions = []transition{
	// Interactive path
	{StatusPending, EventPlan, StatusPlanning},
	{StatusPlanning, EventPlanReady, StatusAwaitingApproval},
	{StatusAwaitingApproval, EventApprove, StatusRunning},

	// Pipeline jobs skip planning/approval
	{StatusPending, EventStartDirect, StatusRunning},

	// Task loop; running loops back to running across tasks
	{StatusRunning, EventTaskDone, StatusRunning},
	{StatusRunning, EventComplete, StatusCompleted},

	// Mid-run re-approval checkpoint
	{StatusRunning, EventPause, StatusNeedsMoreCredits},
	{StatusNeedsMoreCredits, EventResume, StatusRunning},
	{StatusNeedsMoreCredits, EventApprove, StatusRunning},

	// Failure
	{StatusPending, EventFail, StatusFailed},
	{StatusPlanning, EventFail, StatusFailed},
	{StatusRunning, EventFail, StatusFailed},

	// Cancel: allowed from every non-terminal state
	{StatusPending, EventCancel, StatusCancelled},
	{StatusPlanning, EventCancel, StatusCancelled},
	{StatusAwaitingApproval, EventCancel, StatusCancelled},
	{StatusRunning, EventCancel, StatusCancelled},
	{StatusNeedsMoreCredits, EventCancel, StatusCancelled},
}

// Change records one applied transition.
type Change struct {
	JobID     string    `json:"job_id"`
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	Event     Event     `json:"event"`
	Timestamp time.Time `json:"timestamp"`
}

// CanTransition reports whether event is valid from the job's current status.
func CanTransition(from Status, event Event) bool {
	_, ok := lookup(from, event)
	return ok
}

// Transition moves job via event, stamping timestamps. The job is left
// untouched when the transition is invalid.
func Transition(job *Job, event Event, now time.Time) (Change, error) {
	to, ok := lookup(job.Status, event)
	if !ok {
		return Change{}, fmt.Errorf("invalid transition: job=%s state=%s event=%s", job.ID, job.Status, event)
	}

	change := Change{
		JobID:     job.ID,
		From:      job.Status,
		To:        to,
		Event:     event,
		Timestamp: now,
	}

	job.Status = to
	job.UpdatedAt = now
	if to == StatusRunning && job.StartedAt == nil {
		started := now
		job.StartedAt = &started
	}
	if to.IsTerminal() {
		done := now
		job.CompletedAt = &done
	}
	return change, nil
}

func lookup(from Status, event Event) (Status, bool) {
	for _, t := range validTransitions {
		if t.From == from && t.Event == event {
			return t.To, true
		}
	}
	return "", false
}

// AdvanceTask moves a task forward. Going backwards or leaving a terminal
// status is rejected.
func AdvanceTask(task *Task, to TaskStatus, now time.Time) error {
	if task.Status.IsTerminal() {
		return fmt.Errorf("task %s is already %s", task.ID, task.Status)
	}
	switch {
	case task.Status == TaskPending && (to == TaskRunning || to == TaskSkipped):
	case task.Status == TaskRunning && (to == TaskCompleted || to == TaskFailed):
	default:
		return fmt.Errorf("invalid task transition %s -> %s for task %s", task.Status, to, task.ID)
	}
	task.Status = to
	t := now
	if to == TaskRunning {
		task.StartedAt = &t
	} else {
		task.CompletedAt = &t
	}
	return nil
}
