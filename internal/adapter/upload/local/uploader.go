// Package local keeps finished artifacts on the local filesystem. It exists
// for deployments without object storage and for tests; the returned
// reference is a file:// URL.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/bnema/renderq/internal/domain"
	"github.com/bnema/renderq/internal/port"
)

type Uploader struct {
	outputDir string
}

func NewUploader(outputDir string) (*Uploader, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	return &Uploader{outputDir: outputDir}, nil
}

func (u *Uploader) Upload(ctx context.Context, localPath, jobID string) (string, error) {
	dest := filepath.Join(u.outputDir, jobID+filepath.Ext(localPath))

	// Rename fails across filesystems, so fall back to a copy.
	if err := os.Rename(localPath, dest); err != nil {
		if err := copyFile(localPath, dest); err != nil {
			return "", &domain.UploadError{Err: err}
		}
	}
	return "file://" + dest, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy to %s: %w", dst, err)
	}
	return out.Close()
}

var _ port.Uploader = (*Uploader)(nil)
