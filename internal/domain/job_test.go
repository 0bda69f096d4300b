package domain

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestJobStatusTerminal(t *testing.T) {
	assert.False(t, JobStatusQueued.Terminal())
	assert.False(t, JobStatusRendering.Terminal())
	assert.True(t, JobStatusCompleted.Terminal())
	assert.True(t, JobStatusFailed.Terminal())
}

func TestTruncateError(t *testing.T) {
	short := "ffmpeg exited with code 1"
	assert.Equal(t, short, TruncateError(short))

	long := strings.Repeat("x", MaxErrorLen*2)
	got := TruncateError(long)
	assert.Len(t, got, MaxErrorLen)
}

func TestTruncateError_KeepsRuneBoundary(t *testing.T) {
	// Three bytes per rune; the byte limit lands inside a rune, so the cut
	// must back up rather than persist a split sequence.
	long := strings.Repeat("あ", MaxErrorLen)
	got := TruncateError(long)

	assert.LessOrEqual(t, len(got), MaxErrorLen)
	assert.True(t, utf8.ValidString(got))
}

func TestIsConnectionError(t *testing.T) {
	assert.True(t, IsConnectionError(errors.New("dial tcp: connection refused")))
	assert.True(t, IsConnectionError(errors.New("database is locked (5) (SQLITE_BUSY)")))
	assert.True(t, IsConnectionError(errors.New("read tcp: i/o timeout")))

	assert.False(t, IsConnectionError(errors.New("constraint failed")))
	assert.False(t, IsConnectionError(nil))
}

func TestRenderErrorWrapping(t *testing.T) {
	cause := errors.New("codec not found")
	err := &RenderError{Err: cause}

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "render failed")

	var re *RenderError
	assert.ErrorAs(t, error(err), &re)
}
