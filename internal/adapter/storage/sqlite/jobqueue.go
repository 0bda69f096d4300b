package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bnema/renderq/internal/domain"
	"github.com/bnema/renderq/internal/infrastructure/logger"
	"github.com/bnema/renderq/internal/infrastructure/retry"
	"github.com/bnema/renderq/internal/port"
)

const jobColumns = `id, user_id, input_params, status, progress, output_reference,
	error_message, attempts, created_at, started_at, completed_at, lease_expires_at`

type JobQueue struct {
	store    *Store
	leaseTTL time.Duration
}

func NewJobQueue(store *Store, leaseTTL time.Duration) *JobQueue {
	return &JobQueue{
		store:    store,
		leaseTTL: leaseTTL,
	}
}

func (q *JobQueue) Enqueue(ctx context.Context, userID string, params json.RawMessage) (*domain.Job, error) {
	job := &domain.Job{
		ID:        uuid.NewString(),
		UserID:    userID,
		Params:    params,
		Status:    domain.JobStatusQueued,
		CreatedAt: time.Now().UTC(),
	}
	if len(job.Params) == 0 {
		job.Params = json.RawMessage("{}")
	}

	err := q.store.withConn(ctx, "enqueue job", func(ctx context.Context, conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx,
			`INSERT INTO jobs (id, user_id, input_params, status, created_at) VALUES (?, ?, ?, ?, ?)`,
			job.ID, job.UserID, string(job.Params), job.Status, job.CreatedAt)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ClaimNext atomically claims the oldest queued job: select the FIFO head
// inside a transaction, then flip it to rendering guarded by its current
// status so a competing claimant that got there first simply leaves us
// empty-handed. Rollback failures are swallowed so they never mask the
// original error.
func (q *JobQueue) ClaimNext(ctx context.Context) (*domain.Job, error) {
	var claimed *domain.Job

	err := q.store.withConn(ctx, "claim next job", func(ctx context.Context, conn *sql.Conn) error {
		claimed = nil

		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim transaction: %w", err)
		}

		row := tx.QueryRowContext(ctx, fmt.Sprintf(
			`SELECT %s FROM jobs WHERE status = ? ORDER BY created_at ASC LIMIT 1`, jobColumns),
			domain.JobStatusQueued)

		job, err := scanJob(row)
		if err != nil {
			_ = tx.Rollback()
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("select claimable job: %w", err)
		}

		now := time.Now().UTC()
		lease := now.Add(q.leaseTTL)
		res, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, started_at = ?, lease_expires_at = ? WHERE id = ? AND status = ?`,
			domain.JobStatusRendering, now, lease, job.ID, domain.JobStatusQueued)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("claim job %s: %w", job.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Lost the race to another claimant.
			_ = tx.Rollback()
			return nil
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim of job %s: %w", job.ID, err)
		}

		job.Status = domain.JobStatusRendering
		job.StartedAt = sql.NullTime{Time: now, Valid: true}
		job.LeaseExpiresAt = sql.NullTime{Time: lease, Valid: true}
		claimed = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// MarkCompleted finalizes the job and debits the owner in one transaction:
// both writes commit or both roll back. The debit is floored at zero; a
// shortfall is an ops concern, not a failure, and is logged as such.
func (q *JobQueue) MarkCompleted(ctx context.Context, jobID, outputRef, userID string, credits int64) error {
	return q.store.withConn(ctx, "complete job", func(ctx context.Context, conn *sql.Conn) error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin completion transaction: %w", err)
		}

		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, output_reference = ?, progress = 1, completed_at = ?, lease_expires_at = NULL
			 WHERE id = ? AND status = ?`,
			domain.JobStatusCompleted, outputRef, now, jobID, domain.JobStatusRendering)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("write completed status for job %s: %w", jobID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			_ = tx.Rollback()
			return retry.Permanent(fmt.Errorf("job %s: %w", jobID, domain.ErrTerminalState))
		}

		var balance int64
		err = tx.QueryRowContext(ctx, `SELECT credits FROM users WHERE user_id = ?`, userID).Scan(&balance)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			_ = tx.Rollback()
			return fmt.Errorf("read balance for user %s: %w", userID, err)
		}
		if balance < credits {
			logger.Warn.Printf("billing shortfall: user %s owes %d credits but has %d (job %s)",
				logger.Sanitize(userID), credits, balance, jobID)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO users (user_id, credits) VALUES (?, 0)
			 ON CONFLICT(user_id) DO UPDATE SET credits = MAX(credits - ?, 0)`,
			userID, credits)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("debit %d credits from user %s: %w", credits, userID, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit completion of job %s: %w", jobID, err)
		}
		return nil
	})
}

// MarkFailed is a best-effort single statement. The guard on status keeps a
// late failure report from clobbering a terminal state. No debit happens for
// failed jobs.
func (q *JobQueue) MarkFailed(ctx context.Context, jobID, errMsg string) error {
	return q.store.withConn(ctx, "fail job", func(ctx context.Context, conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx,
			`UPDATE jobs SET status = ?, error_message = ?, completed_at = ?, lease_expires_at = NULL
			 WHERE id = ? AND status IN (?, ?)`,
			domain.JobStatusFailed, domain.TruncateError(errMsg), time.Now().UTC(),
			jobID, domain.JobStatusQueued, domain.JobStatusRendering)
		return err
	})
}

// UpdateProgress is advisory and fire-and-forget from the caller's side. The
// progress guard keeps the stored value monotonic if two updates race; the
// write also renews the claimant's lease.
func (q *JobQueue) UpdateProgress(ctx context.Context, jobID string, progress float64) error {
	return q.store.withConn(ctx, "update progress", func(ctx context.Context, conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx,
			`UPDATE jobs SET progress = ?, lease_expires_at = ?
			 WHERE id = ? AND status = ? AND progress <= ?`,
			progress, time.Now().UTC().Add(q.leaseTTL), jobID, domain.JobStatusRendering, progress)
		return err
	})
}

func (q *JobQueue) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	var job *domain.Job
	err := q.store.withConn(ctx, "get job", func(ctx context.Context, conn *sql.Conn) error {
		row := conn.QueryRowContext(ctx, fmt.Sprintf(
			`SELECT %s FROM jobs WHERE id = ?`, jobColumns), jobID)
		j, err := scanJob(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return retry.Permanent(domain.ErrNotFound)
			}
			return err
		}
		job = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ReapExpired requeues rendering jobs whose lease lapsed, recovering work
// lost to a crashed claimant. This is the one sanctioned transition out of
// rendering that is not terminal.
func (q *JobQueue) ReapExpired(ctx context.Context) (int64, error) {
	var reaped int64
	err := q.store.withConn(ctx, "reap expired leases", func(ctx context.Context, conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx,
			`UPDATE jobs SET status = ?, started_at = NULL, lease_expires_at = NULL, progress = 0, attempts = attempts + 1
			 WHERE status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at < ?`,
			domain.JobStatusQueued, domain.JobStatusRendering, time.Now().UTC())
		if err != nil {
			return err
		}
		reaped, _ = res.RowsAffected()
		return nil
	})
	return reaped, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var job domain.Job
	var params string
	err := row.Scan(&job.ID, &job.UserID, &params, &job.Status, &job.Progress,
		&job.OutputRef, &job.ErrorMessage, &job.Attempts,
		&job.CreatedAt, &job.StartedAt, &job.CompletedAt, &job.LeaseExpiresAt)
	if err != nil {
		return nil, err
	}
	job.Params = json.RawMessage(params)
	return &job, nil
}

var _ port.JobQueue = (*JobQueue)(nil)
