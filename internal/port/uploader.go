package port

import "context"

// Uploader moves a local artifact to durable storage and returns a durable
// reference for it.
type Uploader interface {
	Upload(ctx context.Context, localPath, jobID string) (string, error)
}
