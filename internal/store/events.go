package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Richard1990h/KING-V3-sub001/internal/jobs"
)

// EventStore is the persisted progress log replayed to reconnecting clients
type EventStore struct {
	db *gorm.DB
}

func NewEventStore(db *gorm.DB) *EventStore {
	return &EventStore{db: db}
}

// Append stores ev. Re-appending an existing (job, seq) is ignored.
func (s *EventStore) Append(ctx context.Context, ev jobs.ProgressEvent) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "job_id"}, {Name: "seq"}}, DoNothing: true}).
		Create(toEventRecord(ev)).Error
	if err != nil {
		return fmt.Errorf("append event %s/%d: %w", ev.JobID, ev.Seq, err)
	}
	return nil
}

// After returns the job's events with seq greater than after, in order
func (s *EventStore) After(ctx context.Context, jobID string, after int64) ([]jobs.ProgressEvent, error) {
	var recs []EventRecord
	err := s.db.WithContext(ctx).
		Where("job_id = ? AND seq > ?", jobID, after).
		Order("seq ASC").Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("load events of %s: %w", jobID, err)
	}
	out := make([]jobs.ProgressEvent, len(recs))
	for i, r := range recs {
		out[i] = r.toEvent()
	}
	return out, nil
}

// LastSeq returns the highest seq stored for the job, 0 when none
func (s *EventStore) LastSeq(ctx context.Context, jobID string) (int64, error) {
	var seq int64
	row := s.db.WithContext(ctx).Model(&EventRecord{}).
		Where("job_id = ?", jobID).
		Select("COALESCE(MAX(seq), 0)").Row()
	if err := row.Scan(&seq); err != nil {
		return 0, fmt.Errorf("last seq of %s: %w", jobID, err)
	}
	return seq, nil
}
