package service

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/bnema/renderq/internal/infrastructure/logger"
)

// progressWriter is the slice of the job queue the reporter needs.
type progressWriter interface {
	UpdateProgress(ctx context.Context, jobID string, progress float64) error
}

// writeTimeout bounds a detached progress write so it cannot outlive the
// render by much.
const writeTimeout = 15 * time.Second

// ProgressReporter throttles a renderer's high-frequency progress callbacks
// into bounded-rate durable writes. A write happens only when the throttle
// window has elapsed AND the value, rounded to two decimals, changed.
// Writes are detached: their failure never reaches the render.
type ProgressReporter struct {
	writer   progressWriter
	jobID    string
	interval time.Duration

	mu        sync.Mutex
	lastWrite time.Time
	written   float64
	fed       float64
}

func NewProgressReporter(writer progressWriter, jobID string, interval time.Duration) *ProgressReporter {
	return &ProgressReporter{
		writer:   writer,
		jobID:    jobID,
		interval: interval,
		written:  -1,
		fed:      -1,
	}
}

// Report is the callback handed to the renderer. Safe for concurrent use.
func (r *ProgressReporter) Report(fraction float64) {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	rounded := math.Round(fraction*100) / 100

	r.mu.Lock()
	defer r.mu.Unlock()

	if rounded < r.fed {
		// Progress is monotonic; ignore stale callbacks.
		return
	}
	r.fed = rounded

	if rounded == r.written || time.Since(r.lastWrite) < r.interval {
		return
	}
	r.lastWrite = time.Now()
	r.written = rounded

	jobID := r.jobID
	logger.Detach("progress update", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		return r.writer.UpdateProgress(ctx, jobID, rounded)
	})
}

// Flush persists the last fed value regardless of the throttle window, so
// the stored progress catches up once the stream ends. The write is
// synchronous and always happens, even when the value is already stored:
// it renews the claimant's lease before the upload begins. Best-effort.
func (r *ProgressReporter) Flush(ctx context.Context) {
	r.mu.Lock()
	fed := r.fed
	if fed < 0 {
		r.mu.Unlock()
		return
	}
	r.written = fed
	r.lastWrite = time.Now()
	r.mu.Unlock()

	if err := r.writer.UpdateProgress(ctx, r.jobID, fed); err != nil {
		logger.Warn.Printf("final progress write for job %s: %v", r.jobID, err)
	}
}
