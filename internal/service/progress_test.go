package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	mu     sync.Mutex
	writes []float64
}

func (w *recordingWriter) UpdateProgress(ctx context.Context, jobID string, progress float64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes = append(w.writes, progress)
	return nil
}

func (w *recordingWriter) snapshot() []float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]float64(nil), w.writes...)
}

func waitForWrites(t *testing.T, w *recordingWriter, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(w.snapshot()) >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected at least %d writes, got %d", n, len(w.snapshot()))
}

func TestProgressReporter_ThrottlesHighFrequencyCallbacks(t *testing.T) {
	w := &recordingWriter{}
	r := NewProgressReporter(w, "job1", 100*time.Millisecond)

	// A burst far denser than the throttle window.
	for i := range 1000 {
		r.Report(float64(i) / 1000)
	}

	waitForWrites(t, w, 1)
	writes := w.snapshot()
	assert.LessOrEqual(t, len(writes), 2, "a sub-window burst yields at most the opening write")
}

func TestProgressReporter_WritesWhenWindowElapsesAndValueChanges(t *testing.T) {
	w := &recordingWriter{}
	r := NewProgressReporter(w, "job1", 20*time.Millisecond)

	r.Report(0.10)
	waitForWrites(t, w, 1)

	time.Sleep(30 * time.Millisecond)
	r.Report(0.50)
	waitForWrites(t, w, 2)

	writes := w.snapshot()
	require.Len(t, writes, 2)
	assert.Equal(t, 0.10, writes[0])
	assert.Equal(t, 0.50, writes[1])
}

func TestProgressReporter_SkipsUnchangedRoundedValue(t *testing.T) {
	w := &recordingWriter{}
	r := NewProgressReporter(w, "job1", time.Millisecond)

	r.Report(0.501)
	waitForWrites(t, w, 1)

	time.Sleep(5 * time.Millisecond)
	r.Report(0.502) // still 0.50 at two decimals
	time.Sleep(20 * time.Millisecond)

	assert.Len(t, w.snapshot(), 1)
}

func TestProgressReporter_IgnoresStaleCallbacks(t *testing.T) {
	w := &recordingWriter{}
	r := NewProgressReporter(w, "job1", time.Millisecond)

	r.Report(0.8)
	waitForWrites(t, w, 1)

	time.Sleep(5 * time.Millisecond)
	r.Report(0.3)
	time.Sleep(20 * time.Millisecond)

	writes := w.snapshot()
	assert.Equal(t, []float64{0.8}, writes)
}

func TestProgressReporter_FlushPersistsLastFedValue(t *testing.T) {
	w := &recordingWriter{}
	r := NewProgressReporter(w, "job1", time.Hour)

	r.Report(0.25)
	waitForWrites(t, w, 1)
	r.Report(0.99) // throttled: the window is an hour

	r.Flush(context.Background())

	writes := w.snapshot()
	require.NotEmpty(t, writes)
	assert.Equal(t, 0.99, writes[len(writes)-1], "flush catches the store up to the last fed value")
}

func TestProgressReporter_FlushRewritesAlreadyStoredValue(t *testing.T) {
	w := &recordingWriter{}
	r := NewProgressReporter(w, "job1", time.Millisecond)

	r.Report(0.5)
	waitForWrites(t, w, 1)

	// Even though 0.5 is already stored, Flush writes again: the store-side
	// write is what renews the job's lease before the upload.
	r.Flush(context.Background())

	writes := w.snapshot()
	require.Len(t, writes, 2)
	assert.Equal(t, 0.5, writes[1])
}

func TestProgressReporter_FlushWithoutReportsIsNoop(t *testing.T) {
	w := &recordingWriter{}
	r := NewProgressReporter(w, "job1", time.Millisecond)

	r.Flush(context.Background())
	assert.Empty(t, w.snapshot())
}

func TestProgressReporter_ClampsOutOfRangeValues(t *testing.T) {
	w := &recordingWriter{}
	r := NewProgressReporter(w, "job1", time.Millisecond)

	r.Report(-0.5)
	waitForWrites(t, w, 1)
	time.Sleep(5 * time.Millisecond)
	r.Report(4.2)
	waitForWrites(t, w, 2)

	writes := w.snapshot()
	assert.Equal(t, 0.0, writes[0])
	assert.Equal(t, 1.0, writes[1])
}
