package domain

import (
	"database/sql"
	"encoding/json"
	"time"
	"unicode/utf8"
)

type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRendering JobStatus = "rendering"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether a status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// MaxErrorLen bounds the stored diagnostic for a failed job.
const MaxErrorLen = 500

// Job is a single render request tracked by the queue. Params is an opaque
// payload interpreted only by the renderer; the queue passes it through.
type Job struct {
	ID             string
	UserID         string
	Params         json.RawMessage
	Status         JobStatus
	Progress       float64
	OutputRef      string
	ErrorMessage   string
	Attempts       int64
	CreatedAt      time.Time
	StartedAt      sql.NullTime
	CompletedAt    sql.NullTime
	LeaseExpiresAt sql.NullTime
}

// TruncateError bounds an error message before it is persisted. The cut
// backs up to a rune boundary so the stored string stays valid UTF-8.
func TruncateError(msg string) string {
	if len(msg) <= MaxErrorLen {
		return msg
	}
	cut := MaxErrorLen
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}
