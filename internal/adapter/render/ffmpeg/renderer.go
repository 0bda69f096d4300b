// Package ffmpeg shells out to ffmpeg/ffprobe to turn job parameters into a
// local video artifact. The queue treats it as an opaque collaborator: it
// reports fractional progress through a callback and aborts when the job
// context is cancelled.
package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bnema/renderq/internal/domain"
	"github.com/bnema/renderq/internal/port"
)

type Renderer struct {
	outputDir string
}

func NewRenderer(outputDir string) *Renderer {
	return &Renderer{outputDir: outputDir}
}

// renderParams is the interpreted shape of a job's opaque payload.
type renderParams struct {
	Source string `json:"source"`
	Format string `json:"format"`
	Codec  string `json:"codec"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Fps    int    `json:"fps"`
}

func (p *renderParams) validate() error {
	if p.Source == "" {
		return fmt.Errorf("missing source")
	}
	if p.Format == "" {
		p.Format = "mp4"
	}
	if p.Codec == "" {
		p.Codec = "libx264"
	}
	return nil
}

func (r *Renderer) Render(ctx context.Context, jobID string, params json.RawMessage, onProgress func(float64)) (*port.RenderResult, error) {
	var p renderParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &domain.RenderError{Err: fmt.Errorf("parse parameters: %w", err)}
	}
	if err := p.validate(); err != nil {
		return nil, &domain.RenderError{Err: fmt.Errorf("invalid parameters: %w", err)}
	}

	// Probe the input first so ffmpeg's out_time can be turned into a
	// fraction of the whole.
	total, err := r.probeDuration(ctx, p.Source)
	if err != nil {
		return nil, &domain.RenderError{Err: err}
	}

	outputPath := filepath.Join(r.outputDir, jobID+"."+p.Format)
	args := []string{
		"-i", p.Source,
		"-c:v", p.Codec,
		"-c:a", "aac",
		"-b:a", "128k",
	}
	if p.Width > 0 && p.Height > 0 {
		args = append(args, "-vf", fmt.Sprintf("scale=%d:%d", p.Width, p.Height))
	}
	if p.Fps > 0 {
		args = append(args, "-r", strconv.Itoa(p.Fps))
	}
	args = append(args, "-progress", "pipe:1", "-nostats", "-y", outputPath)

	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &domain.RenderError{Err: fmt.Errorf("attach progress pipe: %w", err)}
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, &domain.RenderError{Err: fmt.Errorf("start ffmpeg: %w", err)}
	}

	readProgress(stdout, total, onProgress)

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, &domain.RenderError{Err: fmt.Errorf("render aborted: %w", ctx.Err())}
		}
		return nil, &domain.RenderError{Err: fmt.Errorf("ffmpeg: %v: %s", err, stderrTail(&stderr))}
	}

	return &port.RenderResult{Path: outputPath, Duration: total}, nil
}

func (r *Renderer) probeDuration(ctx context.Context, source string) (time.Duration, error) {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		source)
	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe %s: %w", source, err)
	}

	var probe struct {
		Format struct {
			Duration string `json:"duration"`
		} `json:"format"`
	}
	if err := json.Unmarshal(output, &probe); err != nil {
		return 0, fmt.Errorf("parse ffprobe output: %w", err)
	}

	seconds, err := strconv.ParseFloat(probe.Format.Duration, 64)
	if err != nil || seconds <= 0 {
		return 0, fmt.Errorf("source has no usable duration (%q)", probe.Format.Duration)
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

// readProgress consumes ffmpeg's key=value progress stream, emitting one
// callback per out_time_us line. ffmpeg writes a block per encoded frame
// batch, so the callback rate is high; throttling is the reporter's problem.
func readProgress(stream io.Reader, total time.Duration, onProgress func(float64)) {
	if onProgress == nil {
		onProgress = func(float64) {}
	}
	scanner := bufio.NewScanner(stream)
	for scanner.Scan() {
		if f, ok := parseProgressLine(scanner.Text(), total); ok {
			onProgress(f)
		}
	}
}

func parseProgressLine(line string, total time.Duration) (float64, bool) {
	value, found := strings.CutPrefix(strings.TrimSpace(line), "out_time_us=")
	if !found || total <= 0 {
		return 0, false
	}
	us, err := strconv.ParseInt(value, 10, 64)
	if err != nil || us < 0 {
		return 0, false
	}
	f := float64(us) * float64(time.Microsecond) / float64(total)
	if f > 1 {
		f = 1
	}
	return f, true
}

func stderrTail(buf *bytes.Buffer) string {
	const tail = 300
	s := strings.TrimSpace(buf.String())
	if len(s) > tail {
		s = s[len(s)-tail:]
	}
	return s
}

var _ port.Renderer = (*Renderer)(nil)
