package port

import (
	"context"
	"encoding/json"

	"github.com/bnema/renderq/internal/domain"
)

// JobQueue is the durable source of truth for render jobs. Claim semantics:
// ClaimNext atomically moves the single oldest queued job to rendering and
// returns it to exactly one caller, even across processes sharing the store.
type JobQueue interface {
	Enqueue(ctx context.Context, userID string, params json.RawMessage) (*domain.Job, error)

	// ClaimNext returns (nil, nil) when no job is claimable.
	ClaimNext(ctx context.Context) (*domain.Job, error)

	// MarkCompleted writes the terminal completed state and debits the
	// owner's credits (floored at zero) in a single transaction.
	MarkCompleted(ctx context.Context, jobID, outputRef, userID string, credits int64) error

	// MarkFailed is best-effort; the message is truncated before storage.
	MarkFailed(ctx context.Context, jobID, errMsg string) error

	// UpdateProgress is best-effort and advisory; it also renews the
	// claimant's lease on the job.
	UpdateProgress(ctx context.Context, jobID string, progress float64) error

	Get(ctx context.Context, jobID string) (*domain.Job, error)

	// ReapExpired requeues rendering jobs whose lease has lapsed, returning
	// the number of jobs recovered.
	ReapExpired(ctx context.Context) (int64, error)
}

// Canceler is implemented by backends that can abort a job in place. The
// durable backend does not: a job claimed by a remote worker cannot be
// cancelled without an out-of-band channel.
type Canceler interface {
	Cancel(ctx context.Context, jobID string) error
}

// CancelRegistrar lets the worker hand a backend the cancellation hook for a
// job it just claimed, so Cancel can reach the in-flight render.
type CancelRegistrar interface {
	RegisterCancel(jobID string, cancel context.CancelFunc)
}
