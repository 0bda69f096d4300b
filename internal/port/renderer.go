package port

import (
	"context"
	"encoding/json"
	"time"
)

// RenderResult describes a finished local artifact. Duration feeds the
// credit computation.
type RenderResult struct {
	Path     string
	Duration time.Duration
}

// Renderer is the external render pipeline. It reports fractional progress
// in [0,1] through onProgress (possibly at very high frequency) and aborts
// cooperatively when ctx is cancelled.
type Renderer interface {
	Render(ctx context.Context, jobID string, params json.RawMessage, onProgress func(float64)) (*RenderResult, error)
}
