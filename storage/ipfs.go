package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	shell "github.com/ipfs/go-ipfs-api"
	"github.com/ruteri/stowage/interfaces"
)

// IPFSBackend implements a storage backend on the mutable file system (MFS)
// of an IPFS node. Identifiers are paths relative to the root directory.
type IPFSBackend struct {
	shell       *shell.Shell
	apiURL      string
	root        string
	log         *slog.Logger
	locationURI string
}

// NewIPFSBackend creates a new IPFS storage backend talking to the node API
// at host:port and keeping objects under root in MFS.
func NewIPFSBackend(host, port, root string, timeout time.Duration, log *slog.Logger) (*IPFSBackend, error) {
	if log == nil {
		log = slog.Default()
	}
	if host == "" {
		return nil, fmt.Errorf("%w: missing IPFS host", interfaces.ErrInvalidLocationURI)
	}
	if port == "" {
		port = "5001"
	}
	root = "/" + strings.Trim(root, "/")
	if root == "/" {
		root = "/stowage"
	}

	apiURL := fmt.Sprintf("%s:%s", host, port)
	sh := shell.NewShell(apiURL)
	if timeout > 0 {
		sh.SetTimeout(timeout)
	}

	return &IPFSBackend{
		shell:       sh,
		apiURL:      apiURL,
		root:        root,
		log:         log,
		locationURI: fmt.Sprintf("ipfs://%s%s?timeout=%s", apiURL, root, timeout),
	}, nil
}

// Available checks if the IPFS node is accessible.
func (b *IPFSBackend) Available(ctx context.Context) bool {
	return b.shell.IsUp()
}

// Exists stats the MFS entry for id.
func (b *IPFSBackend) Exists(ctx context.Context, id string) (bool, error) {
	p, err := b.mfsPath(id)
	if err != nil {
		return false, err
	}
	stat, err := b.shell.FilesStat(ctx, p)
	if err != nil {
		classified := classifyIPFSError(id, err)
		if errors.Is(classified, interfaces.ErrNotFound) {
			return false, nil
		}
		return false, classified
	}
	return stat.Type != "directory", nil
}

// Put writes src to the MFS path of id, creating parents and truncating any
// previous content.
func (b *IPFSBackend) Put(ctx context.Context, id string, src io.Reader, sizeHint int64) error {
	start := time.Now()
	p, err := b.mfsPath(id)
	if err != nil {
		return err
	}

	err = b.shell.FilesWrite(ctx, p, contextReader(ctx, src),
		shell.FilesWrite.Create(true),
		shell.FilesWrite.Parents(true),
		shell.FilesWrite.Truncate(true))
	if err != nil {
		b.log.Error("Failed to write to IPFS",
			slog.String("path", p),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return classifyIPFSError(id, err)
	}

	b.log.Debug("Stored object in IPFS",
		slog.String("path", p),
		slog.Int64("sizeHint", sizeHint),
		slog.Duration("duration", time.Since(start)))
	return nil
}

// GetInto streams the MFS file for id into sink.
func (b *IPFSBackend) GetInto(ctx context.Context, id string, sink io.Writer) (int64, error) {
	start := time.Now()
	p, err := b.mfsPath(id)
	if err != nil {
		return 0, err
	}

	reader, err := b.shell.FilesRead(ctx, p)
	if err != nil {
		return 0, classifyIPFSError(id, err)
	}
	defer reader.Close()

	n, err := io.Copy(sink, reader)
	if err != nil {
		b.log.Error("Failed to read data from IPFS",
			slog.String("path", p),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return n, fmt.Errorf("%w: reading %s: %w", interfaces.ErrIo, id, err)
	}

	b.log.Debug("Fetched object from IPFS",
		slog.String("path", p),
		slog.Int64("size", n),
		slog.Duration("duration", time.Since(start)))
	return n, nil
}

// Delete removes the MFS entry for id. Missing entries are not an error.
func (b *IPFSBackend) Delete(ctx context.Context, id string) error {
	p, err := b.mfsPath(id)
	if err != nil {
		return err
	}
	if err := b.shell.FilesRm(ctx, p, true); err != nil {
		classified := classifyIPFSError(id, err)
		if errors.Is(classified, interfaces.ErrNotFound) {
			return nil
		}
		return classified
	}
	return nil
}

// List walks the MFS tree below the root in lexical order.
func (b *IPFSBackend) List(ctx context.Context, prefix string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		dir := ""
		if i := strings.LastIndex(prefix, "/"); i >= 0 {
			dir = prefix[:i]
		}
		b.walk(ctx, dir, prefix, yield)
	}
}

func (b *IPFSBackend) walk(ctx context.Context, dir, prefix string, yield func(string, error) bool) bool {
	p := path.Join(b.root, dir)
	entries, err := b.shell.FilesLs(ctx, p)
	if err != nil {
		classified := classifyIPFSError(dir, err)
		if errors.Is(classified, interfaces.ErrNotFound) {
			return true
		}
		return yield("", classified)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	sort.Strings(names)

	for _, name := range names {
		id := name
		if dir != "" {
			id = dir + "/" + name
		}
		if !strings.HasPrefix(id, prefix) && !strings.HasPrefix(prefix, id+"/") {
			continue
		}

		stat, err := b.shell.FilesStat(ctx, path.Join(b.root, id))
		if err != nil {
			return yield("", classifyIPFSError(id, err))
		}
		if stat.Type == "directory" {
			if !b.walk(ctx, id, prefix, yield) {
				return false
			}
			continue
		}
		if !strings.HasPrefix(id, prefix) {
			continue
		}
		if !yield(id, nil) {
			return false
		}
	}
	return true
}

// LocationURI returns the URI that identifies this storage backend.
func (b *IPFSBackend) LocationURI() string {
	return b.locationURI
}

// mfsPath maps an id under the MFS root, rejecting ids that would escape it.
func (b *IPFSBackend) mfsPath(id string) (string, error) {
	if id == "" || strings.HasPrefix(id, "/") {
		return "", fmt.Errorf("%w: invalid id %q", interfaces.ErrPermissionDenied, id)
	}
	for _, part := range strings.Split(id, "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: id %q escapes the storage root", interfaces.ErrPermissionDenied, id)
		}
	}
	return path.Join(b.root, id), nil
}

func classifyIPFSError(id string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *shell.Error
	if errors.As(err, &apiErr) {
		msg := strings.ToLower(apiErr.Message)
		switch {
		case strings.Contains(msg, "does not exist"), strings.Contains(msg, "no link named"):
			return fmt.Errorf("%w: %s", interfaces.ErrNotFound, id)
		case strings.Contains(msg, "permission"):
			return fmt.Errorf("%w: %s: %v", interfaces.ErrPermissionDenied, id, err)
		}
		return fmt.Errorf("ipfs %s: %w", id, err)
	}

	var netErr net.Error
	var urlErr *url.Error
	if errors.As(err, &netErr) || errors.As(err, &urlErr) {
		return fmt.Errorf("%w: %s: %v", interfaces.ErrConnection, id, err)
	}
	if strings.Contains(strings.ToLower(err.Error()), "does not exist") {
		return fmt.Errorf("%w: %s", interfaces.ErrNotFound, id)
	}
	return fmt.Errorf("ipfs %s: %w", id, err)
}

var _ interfaces.Storage[string] = (*IPFSBackend)(nil)
