package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bnema/renderq/internal/domain"
	"github.com/bnema/renderq/internal/infrastructure/logger"
	"github.com/bnema/renderq/internal/port"
)

// backpressureInterval is how long the loop naps when all render slots are
// busy. It is a pacing knob, not a correctness one.
const backpressureInterval = 500 * time.Millisecond

type PoolConfig struct {
	MaxParallel      int
	PollInterval     time.Duration
	ProgressInterval time.Duration
	CreditUnit       time.Duration
}

// WorkerPool polls the queue for claimable jobs and runs each one to
// completion as an independent goroutine, bounded by MaxParallel. One job's
// failure (error or panic) is contained at the dispatch boundary and can
// never kill the loop or a sibling job.
type WorkerPool struct {
	queue    port.JobQueue
	renderer port.Renderer
	uploader port.Uploader
	cfg      PoolConfig

	active   atomic.Int64
	stopping atomic.Bool
	wg       sync.WaitGroup

	// onFatal is invoked for claim-path errors that are not
	// connection-class; the coordinator wires it to graceful shutdown.
	onFatal func(error)
}

func NewWorkerPool(queue port.JobQueue, renderer port.Renderer, uploader port.Uploader, cfg PoolConfig) *WorkerPool {
	if cfg.MaxParallel < 1 {
		cfg.MaxParallel = 1
	}
	return &WorkerPool{
		queue:    queue,
		renderer: renderer,
		uploader: uploader,
		cfg:      cfg,
	}
}

func (wp *WorkerPool) SetFatalHandler(fn func(error)) {
	wp.onFatal = fn
}

// Active returns the number of renders currently in flight.
func (wp *WorkerPool) Active() int64 {
	return wp.active.Load()
}

// StopClaiming flips the shutdown flag; the loop stops before its next
// claim attempt. In-flight jobs keep running.
func (wp *WorkerPool) StopClaiming() {
	wp.stopping.Store(true)
}

// Run is the poll loop. It returns when ctx is cancelled or StopClaiming is
// called; dispatched jobs are not interrupted.
func (wp *WorkerPool) Run(ctx context.Context) {
	logger.Info.Printf("worker pool started, max %d parallel renders", wp.cfg.MaxParallel)

	for {
		if ctx.Err() != nil || wp.stopping.Load() {
			logger.Info.Printf("worker pool stopped claiming, %d renders active", wp.Active())
			return
		}

		if wp.active.Load() >= int64(wp.cfg.MaxParallel) {
			sleep(ctx, backpressureInterval)
			continue
		}

		job, err := wp.queue.ClaimNext(ctx)
		if err != nil {
			logger.Error.Printf("claim failed: %v", err)
			if !domain.IsConnectionError(err) && wp.onFatal != nil {
				wp.onFatal(err)
				return
			}
			sleep(ctx, 2*wp.cfg.PollInterval)
			continue
		}
		if job == nil {
			sleep(ctx, wp.cfg.PollInterval)
			continue
		}

		logger.Info.Printf("claimed job %s (user %s)", job.ID, logger.Sanitize(job.UserID))
		wp.active.Add(1)
		wp.wg.Add(1)
		go func() {
			defer wp.wg.Done()
			defer wp.active.Add(-1)
			defer func() {
				if r := recover(); r != nil {
					logger.Error.Printf("job %s panicked: %v", job.ID, r)
					wp.failJob(job, fmt.Errorf("internal error: %v", r))
				}
			}()
			wp.runJob(job)
		}()
	}
}

// runJob drives one claimed job through the single-path state machine:
// render, upload, then the combined complete-and-debit commit. Any failure
// records a failed status with no debit.
func (wp *WorkerPool) runJob(job *domain.Job) {
	// Jobs run on their own context so shutdown can drain them instead of
	// cancelling them. The cancel hook is handed to backends that support
	// aborting a job in place.
	jobCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if reg, ok := wp.queue.(port.CancelRegistrar); ok {
		reg.RegisterCancel(job.ID, cancel)
	}

	reporter := NewProgressReporter(wp.queue, job.ID, wp.cfg.ProgressInterval)

	result, err := wp.renderer.Render(jobCtx, job.ID, job.Params, reporter.Report)
	if err != nil {
		wp.failJob(job, err)
		return
	}
	defer removeArtifact(result.Path)

	reporter.Flush(context.Background())

	ref, err := wp.uploader.Upload(jobCtx, result.Path, job.ID)
	if err != nil {
		wp.failJob(job, err)
		return
	}

	credits := domain.CreditsForDuration(result.Duration, wp.cfg.CreditUnit)
	if err := wp.queue.MarkCompleted(context.Background(), job.ID, ref, job.UserID, credits); err != nil {
		if errors.Is(err, domain.ErrTerminalState) {
			// The lease lapsed and the reaper requeued this job (or another
			// worker already re-claimed it). The record is no longer ours to
			// write; marking it failed would destroy the recovery.
			logger.Warn.Printf("job %s finished but its claim was lost, leaving the record alone: %v", job.ID, err)
			return
		}
		wp.failJob(job, fmt.Errorf("finalize: %w", err))
		return
	}

	logger.Info.Printf("job %s completed: %s (%s rendered, %d credits)",
		job.ID, ref, result.Duration.Round(time.Second), credits)
}

func (wp *WorkerPool) failJob(job *domain.Job, cause error) {
	logger.Error.Printf("job %s failed: %s", job.ID, logger.Sanitize(cause.Error()))

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := wp.queue.MarkFailed(ctx, job.ID, cause.Error()); err != nil {
		// A job whose failure record could not be written is silently
		// stuck; this is the one write failure that demands an operator.
		logger.Error.Printf("UNRECORDED FAILURE for job %s: %v (original: %v)", job.ID, err, cause)
	}
}

// Drain waits for all in-flight renders to finish, polling the active
// counter, up to the deadline. Returns false if jobs were still running.
func (wp *WorkerPool) Drain(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if wp.active.Load() == 0 {
			wp.wg.Wait()
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		<-ticker.C
	}
}

func removeArtifact(path string) {
	logger.Detach("artifact cleanup", func() error {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	})
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
