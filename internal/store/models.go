package store

import (
	"time"

	"github.com/Richard1990h/KING-V3-sub001/internal/jobs"
)

// JobRecord is the persisted form of a jobs.Job. Tasks live in their own
// table.
type JobRecord struct {
	ID                    string               `gorm:"primaryKey;size:36"`
	UserID                string               `gorm:"size:128;not null;index:idx_jobs_user_created,priority:1"`
	ProjectID             string               `gorm:"size:128;not null"`
	Prompt                string               `gorm:"type:text"`
	Language              string               `gorm:"size:32"`
	Kind                  string               `gorm:"size:16;not null"`
	Status                string               `gorm:"size:32;not null;index"`
	TotalEstimatedCredits float64              `gorm:"not null;default:0"`
	CreditsUsed           float64              `gorm:"not null;default:0"`
	CreditsApproved       float64              `gorm:"not null;default:0"`
	CurrentTaskIndex      int                  `gorm:"not null;default:0"`
	ErrorCount            int                  `gorm:"not null;default:0"`
	MaxErrors             int                  `gorm:"not null;default:0"`
	CreditRate            float64              `gorm:"not null;default:0"`
	FreeUsage             bool                 `gorm:"not null;default:false"`
	CancelRequested       bool                 `gorm:"not null;default:false"`
	Error                 string               `gorm:"type:text"`
	Shortfall             float64              `gorm:"not null;default:0"`
	Options               jobs.PipelineOptions `gorm:"type:text;serializer:json"`
	Result                *jobs.Result         `gorm:"type:text;serializer:json"`
	CreatedAt             time.Time            `gorm:"index:idx_jobs_user_created,priority:2"`
	StartedAt             *time.Time
	CompletedAt           *time.Time
	UpdatedAt             time.Time
	Version               int64 `gorm:"not null;default:0"`
}

func (JobRecord) TableName() string { return "jobs" }

// TaskRecord is one persisted task. Position holds the task order.
type TaskRecord struct {
	ID               string   `gorm:"primaryKey;size:36"`
	JobID            string   `gorm:"size:36;not null;index"`
	Position         int      `gorm:"not null"`
	Title            string   `gorm:"size:255"`
	Description      string   `gorm:"type:text"`
	AgentType        string   `gorm:"size:32;not null"`
	Status           string   `gorm:"size:16;not null"`
	EstimatedTokens  int      `gorm:"not null;default:0"`
	EstimatedCredits float64  `gorm:"not null;default:0"`
	ActualTokens     int      `gorm:"not null;default:0"`
	ActualCredits    float64  `gorm:"not null;default:0"`
	Output           string   `gorm:"type:text"`
	FilesCreated     []string `gorm:"type:text;serializer:json"`
	Error            string   `gorm:"type:text"`
	ParentTaskID     string   `gorm:"size:36"`
	StartedAt        *time.Time
	CompletedAt      *time.Time
}

func (TaskRecord) TableName() string { return "tasks" }

// EventRecord is one entry of a job's progress log
type EventRecord struct {
	ID        uint           `gorm:"primaryKey"`
	JobID     string         `gorm:"size:36;not null;uniqueIndex:idx_job_events_seq,priority:1"`
	Seq       int64          `gorm:"not null;uniqueIndex:idx_job_events_seq,priority:2"`
	Type      string         `gorm:"size:32;not null"`
	TaskID    string         `gorm:"size:36"`
	TaskIndex int            `gorm:"not null;default:0"`
	Status    string         `gorm:"size:32"`
	Message   string         `gorm:"type:text"`
	Data      map[string]any `gorm:"type:text;serializer:json"`
	Timestamp time.Time      `gorm:"not null"`
}

func (EventRecord) TableName() string { return "job_events" }

// Account is a user's credit balance and plan
type Account struct {
	ID        string            `gorm:"primaryKey;size:128"`
	PlanTier  string            `gorm:"size:32;not null;default:free"`
	Balance   float64           `gorm:"not null;default:0"`
	APIKeys   map[string]string `gorm:"type:text;serializer:json"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Account) TableName() string { return "accounts" }

// LedgerEntry records one balance movement. ReferenceID is unique so a
// repeated debit for the same work is a no-op.
type LedgerEntry struct {
	ID           uint      `gorm:"primaryKey"`
	UserID       string    `gorm:"size:128;not null;index"`
	Amount       float64   `gorm:"not null"`
	BalanceAfter float64   `gorm:"not null"`
	Reason       string    `gorm:"size:255"`
	ReferenceID  string    `gorm:"size:255;not null;uniqueIndex"`
	CreatedAt    time.Time `gorm:"not null"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

// ProjectFile is one file of a project's working tree
type ProjectFile struct {
	ProjectID string `gorm:"primaryKey;size:128"`
	Path      string `gorm:"primaryKey;size:512"`
	Content   string `gorm:"type:text"`
	UpdatedAt time.Time
}

func (ProjectFile) TableName() string { return "project_files" }

func toJobRecord(j *jobs.Job) *JobRecord {
	return &JobRecord{
		ID:                    j.ID,
		UserID:                j.UserID,
		ProjectID:             j.ProjectID,
		Prompt:                j.Prompt,
		Language:              j.Language,
		Kind:                  string(j.Kind),
		Status:                string(j.Status),
		TotalEstimatedCredits: j.TotalEstimatedCredits,
		CreditsUsed:           j.CreditsUsed,
		CreditsApproved:       j.CreditsApproved,
		CurrentTaskIndex:      j.CurrentTaskIndex,
		ErrorCount:            j.ErrorCount,
		MaxErrors:             j.MaxErrors,
		CreditRate:            j.CreditRate,
		FreeUsage:             j.FreeUsage,
		CancelRequested:       j.CancelRequested,
		Error:                 j.Error,
		Shortfall:             j.Shortfall,
		Options:               j.Options,
		Result:                j.Result,
		CreatedAt:             j.CreatedAt,
		StartedAt:             j.StartedAt,
		CompletedAt:           j.CompletedAt,
		UpdatedAt:             j.UpdatedAt,
		Version:               j.Version,
	}
}

func toTaskRecord(t *jobs.Task) TaskRecord {
	return TaskRecord{
		ID:               t.ID,
		JobID:            t.JobID,
		Position:         t.Order,
		Title:            t.Title,
		Description:      t.Description,
		AgentType:        t.AgentType,
		Status:           string(t.Status),
		EstimatedTokens:  t.EstimatedTokens,
		EstimatedCredits: t.EstimatedCredits,
		ActualTokens:     t.ActualTokens,
		ActualCredits:    t.ActualCredits,
		Output:           t.Output,
		FilesCreated:     t.FilesCreated,
		Error:            t.Error,
		ParentTaskID:     t.ParentTaskID,
		StartedAt:        t.StartedAt,
		CompletedAt:      t.CompletedAt,
	}
}

func (r *JobRecord) toJob(tasks []TaskRecord) *jobs.Job {
	j := &jobs.Job{
		ID:                    r.ID,
		UserID:                r.UserID,
		ProjectID:             r.ProjectID,
		Prompt:                r.Prompt,
		Language:              r.Language,
		Kind:                  jobs.Kind(r.Kind),
		Status:                jobs.Status(r.Status),
		TotalEstimatedCredits: r.TotalEstimatedCredits,
		CreditsUsed:           r.CreditsUsed,
		CreditsApproved:       r.CreditsApproved,
		CurrentTaskIndex:      r.CurrentTaskIndex,
		ErrorCount:            r.ErrorCount,
		MaxErrors:             r.MaxErrors,
		CreditRate:            r.CreditRate,
		FreeUsage:             r.FreeUsage,
		CancelRequested:       r.CancelRequested,
		Error:                 r.Error,
		Shortfall:             r.Shortfall,
		Options:               r.Options,
		Result:                r.Result,
		CreatedAt:             r.CreatedAt,
		StartedAt:             r.StartedAt,
		CompletedAt:           r.CompletedAt,
		UpdatedAt:             r.UpdatedAt,
		Version:               r.Version,
		Tasks:                 make([]*jobs.Task, 0, len(tasks)),
	}
	for _, t := range tasks {
		j.Tasks = append(j.Tasks, &jobs.Task{
			ID:               t.ID,
			JobID:            t.JobID,
			Title:            t.Title,
			Description:      t.Description,
			AgentType:        t.AgentType,
			Order:            t.Position,
			Status:           jobs.TaskStatus(t.Status),
			EstimatedTokens:  t.EstimatedTokens,
			EstimatedCredits: t.EstimatedCredits,
			ActualTokens:     t.ActualTokens,
			ActualCredits:    t.ActualCredits,
			Output:           t.Output,
			FilesCreated:     t.FilesCreated,
			Error:            t.Error,
			ParentTaskID:     t.ParentTaskID,
			StartedAt:        t.StartedAt,
			CompletedAt:      t.CompletedAt,
		})
	}
	return j
}

func toEventRecord(ev jobs.ProgressEvent) *EventRecord {
	return &EventRecord{
		JobID:     ev.JobID,
		Seq:       ev.Seq,
		Type:      string(ev.Type),
		TaskID:    ev.TaskID,
		TaskIndex: ev.TaskIndex,
		Status:    ev.Status,
		Message:   ev.Message,
		Data:      ev.Data,
		Timestamp: ev.Timestamp,
	}
}

func (r EventRecord) toEvent() jobs.ProgressEvent {
	return jobs.ProgressEvent{
		JobID:     r.JobID,
		Seq:       r.Seq,
		Type:      jobs.EventType(r.Type),
		TaskID:    r.TaskID,
		TaskIndex: r.TaskIndex,
		Status:    r.Status,
		Message:   r.Message,
		Data:      r.Data,
		Timestamp: r.Timestamp,
	}
}
