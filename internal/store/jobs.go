package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Richard1990h/KING-V3-sub001/internal/jobs"
)

// JobStore persists jobs with their tasks
type JobStore struct {
	db *gorm.DB
}

func NewJobStore(db *gorm.DB) *JobStore {
	return &JobStore{db: db}
}

// Create inserts a new job and its tasks
func (s *JobStore) Create(ctx context.Context, job *jobs.Job) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(toJobRecord(job)).Error; err != nil {
			return fmt.Errorf("create job %s: %w", job.ID, err)
		}
		return saveTasks(tx, job)
	})
}

// Save writes the job row, upserts every task and deletes tasks no longer
// on the job (pending tasks replaced at approval). The write only applies
// to the version the job was loaded at; otherwise it fails with
// jobs.ErrStale. A stored cancel request is never cleared.
func (s *JobStore) Save(ctx context.Context, job *jobs.Job) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec := toJobRecord(job)
		rec.Version = job.Version + 1
		omit := []string{"created_at"}
		if !job.CancelRequested {
			omit = append(omit, "cancel_requested")
		}
		res := tx.Model(&JobRecord{}).
			Where("id = ? AND version = ?", job.ID, job.Version).
			Select("*").Omit(omit...).Updates(rec)
		if res.Error != nil {
			return fmt.Errorf("save job %s: %w", job.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			var n int64
			if err := tx.Model(&JobRecord{}).Where("id = ?", job.ID).Count(&n).Error; err != nil {
				return fmt.Errorf("save job %s: %w", job.ID, err)
			}
			if n == 0 {
				return fmt.Errorf("save job %s: %w", job.ID, ErrNotFound)
			}
			return fmt.Errorf("save job %s at version %d: %w", job.ID, job.Version, jobs.ErrStale)
		}
		ids := make([]string, 0, len(job.Tasks))
		for _, t := range job.Tasks {
			ids = append(ids, t.ID)
		}
		stale := tx.Where("job_id = ?", job.ID)
		if len(ids) > 0 {
			stale = stale.Where("id NOT IN ?", ids)
		}
		if err := stale.Delete(&TaskRecord{}).Error; err != nil {
			return fmt.Errorf("prune tasks of job %s: %w", job.ID, err)
		}
		return saveTasks(tx, job)
	})
	if err != nil {
		return err
	}
	job.Version++
	return nil
}

// RequestCancel flags an unfinished job for cancellation without touching
// its version. It reports whether the job was still unfinished.
func (s *JobStore) RequestCancel(ctx context.Context, id string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&JobRecord{}).
		Where("id = ? AND status NOT IN ?", id, terminalStatuses).
		Update("cancel_requested", true)
	if res.Error != nil {
		return false, fmt.Errorf("request cancel of %s: %w", id, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// Stopped reports whether the job was cancelled, flagged for cancellation
// or otherwise finished, as seen by any process
func (s *JobStore) Stopped(ctx context.Context, id string) (bool, error) {
	var rec JobRecord
	err := s.db.WithContext(ctx).Select("status", "cancel_requested").First(&rec, "id = ?", id).Error
	if err != nil {
		return false, notFound(err, "job "+id)
	}
	return rec.CancelRequested || jobs.Status(rec.Status).IsTerminal(), nil
}

var terminalStatuses = []string{string(jobs.StatusCompleted), string(jobs.StatusFailed), string(jobs.StatusCancelled)}

func saveTasks(tx *gorm.DB, job *jobs.Job) error {
	if len(job.Tasks) == 0 {
		return nil
	}
	recs := make([]TaskRecord, 0, len(job.Tasks))
	for _, t := range job.Tasks {
		r := toTaskRecord(t)
		r.JobID = job.ID
		recs = append(recs, r)
	}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&recs).Error
	if err != nil {
		return fmt.Errorf("save tasks of job %s: %w", job.ID, err)
	}
	return nil
}

// Get loads a job with its tasks in order
func (s *JobStore) Get(ctx context.Context, id string) (*jobs.Job, error) {
	db := s.db.WithContext(ctx)
	var rec JobRecord
	if err := db.First(&rec, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "job "+id)
	}
	var tasks []TaskRecord
	if err := db.Where("job_id = ?", id).Order("position ASC").Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("load tasks of job %s: %w", id, err)
	}
	return rec.toJob(tasks), nil
}

// ListByUser returns the user's jobs, newest first
func (s *JobStore) ListByUser(ctx context.Context, userID string, limit int) ([]*jobs.Job, error) {
	db := s.db.WithContext(ctx)
	var recs []JobRecord
	if err := db.Where("user_id = ?", userID).Order("created_at DESC").Limit(limit).Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list jobs of %s: %w", userID, err)
	}
	if len(recs) == 0 {
		return []*jobs.Job{}, nil
	}

	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.ID
	}
	var tasks []TaskRecord
	if err := db.Where("job_id IN ?", ids).Order("position ASC").Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	byJob := make(map[string][]TaskRecord, len(recs))
	for _, t := range tasks {
		byJob[t.JobID] = append(byJob[t.JobID], t)
	}

	out := make([]*jobs.Job, len(recs))
	for i := range recs {
		out[i] = recs[i].toJob(byJob[recs[i].ID])
	}
	return out, nil
}

// CountActiveJobs counts the user's jobs in planning or running
func (s *JobStore) CountActiveJobs(ctx context.Context, userID string) (int, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&JobRecord{}).
		Where("user_id = ? AND status IN ?", userID, []string{string(jobs.StatusPlanning), string(jobs.StatusRunning)}).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count active jobs: %w", err)
	}
	return int(n), nil
}

// ListUnfinished returns jobs left pending, planning or running, e.g. by a crash
func (s *JobStore) ListUnfinished(ctx context.Context) ([]*jobs.Job, error) {
	var recs []JobRecord
	err := s.db.WithContext(ctx).
		Where("status IN ?", []string{string(jobs.StatusPending), string(jobs.StatusPlanning), string(jobs.StatusRunning)}).
		Order("created_at ASC").Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("list unfinished jobs: %w", err)
	}
	out := make([]*jobs.Job, 0, len(recs))
	for i := range recs {
		j, err := s.Get(ctx, recs[i].ID)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

// Delete removes a job with its tasks and events
func (s *JobStore) Delete(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("job_id = ?", id).Delete(&EventRecord{}).Error; err != nil {
			return err
		}
		if err := tx.Where("job_id = ?", id).Delete(&TaskRecord{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&JobRecord{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		return nil
	})
}
