// Package memory holds the single-process job registry: the same state
// machine as the sqlite backend without persistence or cross-process claim
// contention. All state is lost when the process exits; in exchange it
// supports cancelling a job in place.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bnema/renderq/internal/domain"
	"github.com/bnema/renderq/internal/port"
)

type Registry struct {
	mu      sync.Mutex
	jobs    map[string]*domain.Job
	cancels map[string]context.CancelFunc
	credits map[string]int64
	users   map[string]bool
}

func NewRegistry() *Registry {
	return &Registry{
		jobs:    make(map[string]*domain.Job),
		cancels: make(map[string]context.CancelFunc),
		credits: make(map[string]int64),
		users:   make(map[string]bool),
	}
}

func (r *Registry) Enqueue(ctx context.Context, userID string, params json.RawMessage) (*domain.Job, error) {
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	job := &domain.Job{
		ID:        uuid.NewString(),
		UserID:    userID,
		Params:    params,
		Status:    domain.JobStatusQueued,
		CreatedAt: time.Now().UTC(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = job

	copied := *job
	return &copied, nil
}

// ClaimNext picks the oldest queued job. The registry mutex is the whole
// claim protocol here: only one caller can flip a job to rendering.
func (r *Registry) ClaimNext(ctx context.Context) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var queued []*domain.Job
	for _, j := range r.jobs {
		if j.Status == domain.JobStatusQueued {
			queued = append(queued, j)
		}
	}
	if len(queued) == 0 {
		return nil, nil
	}
	sort.Slice(queued, func(i, k int) bool { return queued[i].CreatedAt.Before(queued[k].CreatedAt) })

	job := queued[0]
	job.Status = domain.JobStatusRendering
	job.StartedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}

	copied := *job
	return &copied, nil
}

func (r *Registry) RegisterCancel(jobID string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels[jobID] = cancel
}

// Cancel removes a queued job outright; for a rendering job it signals the
// attached cancellation hook and lets the pipeline record the failure.
func (r *Registry) Cancel(ctx context.Context, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	switch job.Status {
	case domain.JobStatusQueued:
		delete(r.jobs, jobID)
		return nil
	case domain.JobStatusRendering:
		if cancel, ok := r.cancels[jobID]; ok {
			cancel()
			return nil
		}
		return domain.ErrCancelUnsupported
	default:
		return domain.ErrTerminalState
	}
}

func (r *Registry) MarkCompleted(ctx context.Context, jobID, outputRef, userID string, credits int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	if job.Status != domain.JobStatusRendering {
		return domain.ErrTerminalState
	}

	// Status write and debit share the mutex, so they are atomic together.
	job.Status = domain.JobStatusCompleted
	job.OutputRef = outputRef
	job.Progress = 1
	job.CompletedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}

	balance := r.credits[userID] - credits
	if balance < 0 {
		balance = 0
	}
	r.credits[userID] = balance
	r.users[userID] = true
	delete(r.cancels, jobID)
	return nil
}

func (r *Registry) MarkFailed(ctx context.Context, jobID, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	if job.Status.Terminal() {
		return nil
	}
	job.Status = domain.JobStatusFailed
	job.ErrorMessage = domain.TruncateError(errMsg)
	job.CompletedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}
	delete(r.cancels, jobID)
	return nil
}

func (r *Registry) UpdateProgress(ctx context.Context, jobID string, progress float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	if job.Status == domain.JobStatusRendering && progress >= job.Progress {
		job.Progress = progress
	}
	return nil
}

func (r *Registry) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *job
	return &copied, nil
}

// ReapExpired is a no-op: a crashed process takes the registry with it, so
// there are no orphaned leases to recover.
func (r *Registry) ReapExpired(ctx context.Context) (int64, error) {
	return 0, nil
}

// Ledger operations, backed by the same mutex.

func (r *Registry) CreateUser(ctx context.Context, userID string, credits int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.users[userID] {
		return domain.ErrUserExists
	}
	r.users[userID] = true
	r.credits[userID] = credits
	return nil
}

func (r *Registry) GetBalance(ctx context.Context, userID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.users[userID] {
		return 0, domain.ErrNotFound
	}
	return r.credits[userID], nil
}

func (r *Registry) AddCredits(ctx context.Context, userID string, credits int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[userID] = true
	r.credits[userID] += credits
	return nil
}

var (
	_ port.JobQueue        = (*Registry)(nil)
	_ port.Ledger          = (*Registry)(nil)
	_ port.Canceler        = (*Registry)(nil)
	_ port.CancelRegistrar = (*Registry)(nil)
)
