package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound          = errors.New("resource not found")
	ErrTerminalState     = errors.New("job already in a terminal state")
	ErrCancelUnsupported = errors.New("backend does not support cancellation")
	ErrUserExists        = errors.New("user already exists")
)

// RenderError wraps a failure reported by the render pipeline.
type RenderError struct {
	Err error
}

func (e *RenderError) Error() string { return fmt.Sprintf("render failed: %v", e.Err) }
func (e *RenderError) Unwrap() error { return e.Err }

// UploadError wraps a failure from the artifact upload collaborator.
type UploadError struct {
	Err error
}

func (e *UploadError) Error() string { return fmt.Sprintf("upload failed: %v", e.Err) }
func (e *UploadError) Unwrap() error { return e.Err }

var connectionPatterns = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"i/o timeout",
	"database is locked",
	"database table is locked",
	"sqlite_busy",
	"no such host",
}

// IsConnectionError classifies an error as transient connectivity loss. The
// worker loop treats these as recoverable; anything else escalates to a
// graceful shutdown.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, p := range connectionPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
