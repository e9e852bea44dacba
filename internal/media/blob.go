package media

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

const maxNameCandidates = 1000

// BlobStore writes image bytes under a unique relative path.
type BlobStore interface {
	// Put stores data at dir/base+ext, or dir/base-N+ext when taken, and returns the chosen path.
	Put(ctx context.Context, dir, base, ext string, data []byte, contentType string) (string, error)
	Delete(ctx context.Context, relPath string) error
}

func candidateName(dir, base, ext string, n int) string {
	name := base + ext
	if n > 0 {
		name = base + "-" + strconv.Itoa(n) + ext
	}
	return path.Join(dir, name)
}

// LocalBlobStore keeps blobs on the local filesystem under root.
type LocalBlobStore struct {
	root string
}

// NewLocalBlobStore creates root if needed.
func NewLocalBlobStore(root string) (*LocalBlobStore, error) {
	if root == "" {
		return nil, errors.New("local media store requires a directory")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create media directory: %w", err)
	}
	return &LocalBlobStore{root: root}, nil
}

func (l *LocalBlobStore) Put(_ context.Context, dir, base, ext string, data []byte, _ string) (string, error) {
	if err := os.MkdirAll(filepath.Join(l.root, filepath.FromSlash(dir)), 0o755); err != nil {
		return "", fmt.Errorf("create media subdirectory: %w", err)
	}
	for n := 0; n < maxNameCandidates; n++ {
		rel := candidateName(dir, base, ext, n)
		full := filepath.Join(l.root, filepath.FromSlash(rel))
		f, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create %s: %w", rel, err)
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			os.Remove(full)
			return "", fmt.Errorf("write %s: %w", rel, err)
		}
		if err := f.Close(); err != nil {
			os.Remove(full)
			return "", fmt.Errorf("close %s: %w", rel, err)
		}
		return rel, nil
	}
	return "", fmt.Errorf("no free filename for %s%s in %s", base, ext, dir)
}

func (l *LocalBlobStore) Delete(_ context.Context, relPath string) error {
	err := os.Remove(filepath.Join(l.root, filepath.FromSlash(relPath)))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// GCSBlobStore writes blobs to a Cloud Storage bucket, never overwriting objects.
type GCSBlobStore struct {
	bucket *storage.BucketHandle
	prefix string
}

// NewGCSBlobStore wraps bucket; prefix is prepended to every object name.
func NewGCSBlobStore(bucket *storage.BucketHandle, prefix string) *GCSBlobStore {
	return &GCSBlobStore{bucket: bucket, prefix: prefix}
}

func (g *GCSBlobStore) objectName(rel string) string {
	if g.prefix == "" {
		return rel
	}
	return path.Join(g.prefix, rel)
}

func (g *GCSBlobStore) Put(ctx context.Context, dir, base, ext string, data []byte, contentType string) (string, error) {
	for n := 0; n < maxNameCandidates; n++ {
		rel := candidateName(dir, base, ext, n)
		err := g.writeIfAbsent(ctx, g.objectName(rel), data, contentType)
		if isPreconditionFailed(err) {
			continue
		}
		if err != nil {
			return "", err
		}
		return rel, nil
	}
	return "", fmt.Errorf("no free object name for %s%s in %s", base, ext, dir)
}

func (g *GCSBlobStore) writeIfAbsent(ctx context.Context, name string, data []byte, contentType string) error {
	w := g.bucket.Object(name).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		if isPreconditionFailed(err) {
			return err
		}
		return fmt.Errorf("write gcs object %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		if isPreconditionFailed(err) {
			return err
		}
		return fmt.Errorf("finalize gcs object %s: %w", name, err)
	}
	return nil
}

func (g *GCSBlobStore) Delete(ctx context.Context, relPath string) error {
	err := g.bucket.Object(g.objectName(relPath)).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil
	}
	return err
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}
