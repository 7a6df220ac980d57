package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/ruteri/stowage/interfaces"
)

// FileBackend implements a storage backend using the local file system.
// Identifiers are slash separated paths relative to the base directory.
type FileBackend struct {
	baseDir     string
	log         *slog.Logger
	locationURI string
}

// NewFileBackend creates a new file storage backend rooted at baseDir,
// creating the directory if it doesn't exist.
func NewFileBackend(baseDir string, log *slog.Logger) (*FileBackend, error) {
	if log == nil {
		log = slog.Default()
	}

	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base directory: %w", err)
	}

	// Ensure base directory exists
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &FileBackend{
		baseDir:     abs,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", abs),
	}, nil
}

// Exists reports whether a regular file is stored under id.
func (b *FileBackend) Exists(ctx context.Context, id string) (bool, error) {
	filePath, err := b.getFilePath(id)
	if err != nil {
		return false, err
	}

	info, err := os.Stat(filePath)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, classifyFSError(id, err)
	}
	return info.Mode().IsRegular(), nil
}

// Put writes src to a temporary file next to the target and renames it into
// place, so readers never observe a partially written object.
func (b *FileBackend) Put(ctx context.Context, id string, src io.Reader, sizeHint int64) error {
	filePath, err := b.getFilePath(id)
	if err != nil {
		return err
	}

	// Create parent directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return classifyFSError(id, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(filePath), ".stowage-*")
	if err != nil {
		return classifyFSError(id, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	n, err := io.Copy(tmp, contextReader(ctx, src))
	if err != nil {
		tmp.Close()
		return fmt.Errorf("%w: writing %s: %w", interfaces.ErrIo, id, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: closing %s: %w", interfaces.ErrIo, id, err)
	}
	if err := os.Rename(tmpName, filePath); err != nil {
		return classifyFSError(id, err)
	}

	b.log.Debug("Stored object in file",
		slog.String("path", filePath),
		slog.Int64("size", n))
	return nil
}

// GetInto copies the file stored under id into sink.
func (b *FileBackend) GetInto(ctx context.Context, id string, sink io.Writer) (int64, error) {
	filePath, err := b.getFilePath(id)
	if err != nil {
		return 0, err
	}

	f, err := os.Open(filePath)
	if err != nil {
		return 0, classifyFSError(id, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, classifyFSError(id, err)
	}
	if info.IsDir() {
		return 0, fmt.Errorf("%w: %s is a directory", interfaces.ErrNotFound, id)
	}

	n, err := io.Copy(sink, contextReader(ctx, f))
	if err != nil {
		return n, fmt.Errorf("%w: reading %s: %w", interfaces.ErrIo, id, err)
	}

	b.log.Debug("Fetched object from file",
		slog.String("path", filePath),
		slog.Int64("size", n))
	return n, nil
}

// Delete removes the file stored under id. Missing files are not an error.
func (b *FileBackend) Delete(ctx context.Context, id string) error {
	filePath, err := b.getFilePath(id)
	if err != nil {
		return err
	}

	if err := os.Remove(filePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return classifyFSError(id, err)
	}
	return nil
}

// List walks the base directory and yields the ids of regular files whose id
// starts with prefix, in lexical order.
func (b *FileBackend) List(ctx context.Context, prefix string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		// Only descend from the deepest directory the prefix pins down.
		start := b.baseDir
		if dir := path.Dir(prefix); strings.Contains(prefix, "/") && dir != "." {
			dirPath, err := b.getFilePath(dir)
			if err != nil {
				yield("", err)
				return
			}
			start = dirPath
		}

		err := filepath.WalkDir(start, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if d.IsDir() || !d.Type().IsRegular() || strings.HasPrefix(d.Name(), ".stowage-") {
				return nil
			}
			rel, err := filepath.Rel(b.baseDir, p)
			if err != nil {
				return err
			}
			id := filepath.ToSlash(rel)
			if !strings.HasPrefix(id, prefix) {
				return nil
			}
			if !yield(id, nil) {
				return fs.SkipAll
			}
			return nil
		})
		if err != nil {
			yield("", classifyFSError(prefix, err))
		}
	}
}

// LocationURI returns the URI that identifies this storage backend.
func (b *FileBackend) LocationURI() string {
	return b.locationURI
}

// getFilePath maps an id to a path under the base directory. Ids that are
// empty, absolute or escape the base directory are refused.
func (b *FileBackend) getFilePath(id string) (string, error) {
	if id == "" {
		return "", fmt.Errorf("%w: empty id", interfaces.ErrPermissionDenied)
	}
	if path.IsAbs(id) || filepath.IsAbs(id) {
		return "", fmt.Errorf("%w: absolute id %q", interfaces.ErrPermissionDenied, id)
	}
	for _, part := range strings.Split(id, "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: id %q escapes the storage root", interfaces.ErrPermissionDenied, id)
		}
	}
	return filepath.Join(b.baseDir, filepath.FromSlash(id)), nil
}

func classifyFSError(id string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %s", interfaces.ErrNotFound, id)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %s: %v", interfaces.ErrPermissionDenied, id, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %s: %w", interfaces.ErrIo, id, err)
	}
}

var _ interfaces.Storage[string] = (*FileBackend)(nil)
