// Package pipeline coordinates agents, the sandbox and the verification gate
// into credit-budgeted, cancellable jobs.
package pipeline

import (
	"context"

	"github.com/Richard1990h/KING-V3-sub001/internal/auth"
	"github.com/Richard1990h/KING-V3-sub001/internal/jobs"
	"github.com/Richard1990h/KING-V3-sub001/internal/ratelimit"
)

// CreditLedger holds user balances. Debit is idempotent on referenceID.
type CreditLedger interface {
	CheckBalance(ctx context.Context, userID string) (float64, error)
	Debit(ctx context.Context, userID string, amount float64, reason, referenceID string) (float64, error)
	Grant(ctx context.Context, userID string, amount float64, reason, referenceID string) (float64, error)
}

// ProjectFileStore reads and writes a project's source files
type ProjectFileStore interface {
	Read(ctx context.Context, projectID string) (map[string]string, error)
	Write(ctx context.Context, projectID, path, content string) error
}

// IdentityResolver maps an authenticated principal onto a user
type IdentityResolver interface {
	Resolve(ctx context.Context, principal string) (*auth.Identity, error)
}

// JobStore persists jobs with their tasks. Save fails with jobs.ErrStale
// when the stored version moved since the job was loaded.
type JobStore interface {
	Create(ctx context.Context, job *jobs.Job) error
	Save(ctx context.Context, job *jobs.Job) error
	Get(ctx context.Context, id string) (*jobs.Job, error)
	// RequestCancel flags an unfinished job without bumping its version
	RequestCancel(ctx context.Context, id string) (bool, error)
	// Stopped reports a stored cancel request or a finished job
	Stopped(ctx context.Context, id string) (bool, error)
}

// EventStore is the replayable progress log
type EventStore interface {
	Append(ctx context.Context, ev jobs.ProgressEvent) error
	LastSeq(ctx context.Context, jobID string) (int64, error)
}

// Limiter guards expensive steps
type Limiter interface {
	CheckLimit(ctx context.Context, projectID, userID string) ratelimit.Check
}
