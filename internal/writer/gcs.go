// Package writer lands a processing job's columnar output in object
// storage. The schema/columnar encoding itself is a deliberately
// out-of-scope external collaborator (spec Sec 1); this package is the
// storage adapter the orchestrator calls into to commit the bytes a
// completed processing job staged. Grounded in the teacher's bucket client: a thin
// *storage.Client wrapper, content-type-by-extension, and careful
// context handling around the object writer.
package writer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/yungbote/fhirqueue/internal/platform/gcp"
)

// Writer is what the orchestrator calls to commit a completed
// processing job's staged output. Writes are keyed by the caller so
// that committing the same job again after a crash overwrites the same
// key rather than appending a duplicate file -- idempotent commit by jobId (spec Sec 1 Non-goals).
type Writer interface {
	WriteObject(ctx context.Context, key string, data []byte) error
	ObjectExists(ctx context.Context, key string) (bool, error)
	DeleteObject(ctx context.Context, key string) error
}

type gcsWriter struct {
	client *storage.Client
	bucket string
}

func NewGCSWriter(ctx context.Context, bucket string) (Writer, error) {
	client, err := storage.NewClient(ctx, gcp.ClientOptionsFromEnv()...)
	if err != nil {
		return nil, fmt.Errorf("writer: new storage client: %w", err)
	}
	return &gcsWriter{client: client, bucket: bucket}, nil
}

func (w *gcsWriter) WriteObject(ctx context.Context, key string, data []byte) error {
	obj := w.client.Bucket(w.bucket).Object(key)
	sw := obj.NewWriter(ctx)
	sw.ContentType = contentTypeForKey(key)

	// Write before Close so a cancelled ctx during the write itself
	// surfaces here rather than silently truncating the object on Close.
	if _, err := sw.Write(data); err != nil {
		_ = sw.Close()
		return fmt.Errorf("writer: write %s: %w", key, err)
	}
	if err := sw.Close(); err != nil {
		return fmt.Errorf("writer: close %s: %w", key, err)
	}
	return nil
}

func (w *gcsWriter) ObjectExists(ctx context.Context, key string) (bool, error) {
	_, err := w.client.Bucket(w.bucket).Object(key).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("writer: attrs %s: %w", key, err)
	}
	return true, nil
}

func (w *gcsWriter) DeleteObject(ctx context.Context, key string) error {
	err := w.client.Bucket(w.bucket).Object(key).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("writer: delete %s: %w", key, err)
	}
	return nil
}

func contentTypeForKey(key string) string {
	switch strings.ToLower(filepath.Ext(key)) {
	case ".parquet":
		return "application/vnd.apache.parquet"
	case ".json", ".ndjson":
		return "application/json"
	case ".csv":
		return "text/csv"
	default:
		return "application/octet-stream"
	}
}
