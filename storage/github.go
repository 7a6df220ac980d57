package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/ruteri/stowage/interfaces"
)

const defaultGitHubAPI = "https://api.github.com"

// GitHubConfig selects a directory of a repository at a git ref.
type GitHubConfig struct {
	Owner string
	Repo  string
	// Ref is a branch, tag or commit. Defaults to HEAD.
	Ref string
	// Root is the directory inside the repository that identifiers are
	// relative to.
	Root string
	// Token is sent as a bearer token when set.
	Token string
	// APIURL overrides https://api.github.com, e.g. for GitHub Enterprise.
	APIURL  string
	Timeout time.Duration
}

// GitHubBackend implements a read-only storage backend over the files of a
// GitHub repository. Identifiers are file paths below the configured root.
// Every call resolves the ref again, so a moving branch is followed.
type GitHubBackend struct {
	cfg         GitHubConfig
	client      *http.Client
	log         *slog.Logger
	locationURI string
}

type gitTree struct {
	SHA       string         `json:"sha"`
	Tree      []gitTreeEntry `json:"tree"`
	Truncated bool           `json:"truncated"`
}

type gitTreeEntry struct {
	Path string `json:"path"`
	Type string `json:"type"`
	SHA  string `json:"sha"`
	Size int64  `json:"size"`
}

// NewGitHubBackend creates a read-only backend for a repository.
func NewGitHubBackend(cfg GitHubConfig, log *slog.Logger) (*GitHubBackend, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Owner == "" || cfg.Repo == "" {
		return nil, fmt.Errorf("%w: github location needs owner and repository", interfaces.ErrInvalidLocationURI)
	}
	if cfg.Ref == "" {
		cfg.Ref = "HEAD"
	}
	if cfg.APIURL == "" {
		cfg.APIURL = defaultGitHubAPI
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	cfg.Root = strings.Trim(cfg.Root, "/")
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &GitHubBackend{
		cfg:         cfg,
		client:      &http.Client{Timeout: cfg.Timeout},
		log:         log,
		locationURI: fmt.Sprintf("github://%s/%s/%s?ref=%s", cfg.Owner, cfg.Repo, cfg.Root, url.QueryEscape(cfg.Ref)),
	}, nil
}

// Exists reports whether id is a file of the tree at the configured ref.
func (b *GitHubBackend) Exists(ctx context.Context, id string) (bool, error) {
	entries, err := b.files(ctx)
	if err != nil {
		return false, err
	}
	_, ok := entries[id]
	return ok, nil
}

// Put always fails: the backend is read-only.
func (b *GitHubBackend) Put(ctx context.Context, id string, src io.Reader, sizeHint int64) error {
	return fmt.Errorf("put %s: %w", id, interfaces.ErrReadOnlyViolation)
}

// GetInto streams the blob of id into sink.
func (b *GitHubBackend) GetInto(ctx context.Context, id string, sink io.Writer) (int64, error) {
	entries, err := b.files(ctx)
	if err != nil {
		return 0, err
	}
	entry, ok := entries[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", interfaces.ErrNotFound, id)
	}

	// The raw media type returns the blob bytes instead of base64 JSON.
	resp, err := b.get(ctx, b.repoURL("git/blobs/"+entry.SHA), "application/vnd.github.raw")
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if err := classifyGitHubResponse(id, resp); err != nil {
		return 0, err
	}

	n, err := io.Copy(sink, resp.Body)
	if err != nil {
		return n, fmt.Errorf("%w: reading %s: %w", interfaces.ErrIo, id, err)
	}

	b.log.Debug("Fetched content from GitHub",
		slog.String("id", id),
		slog.String("blobSHA", entry.SHA),
		slog.Int64("size", n))
	return n, nil
}

// Delete always fails: the backend is read-only.
func (b *GitHubBackend) Delete(ctx context.Context, id string) error {
	return fmt.Errorf("delete %s: %w", id, interfaces.ErrReadOnlyViolation)
}

// List yields the files under prefix in lexical order.
func (b *GitHubBackend) List(ctx context.Context, prefix string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		entries, err := b.files(ctx)
		if err != nil {
			yield("", err)
			return
		}

		ids := make([]string, 0, len(entries))
		for id := range entries {
			if strings.HasPrefix(id, prefix) {
				ids = append(ids, id)
			}
		}
		sort.Strings(ids)

		for _, id := range ids {
			if !yield(id, nil) {
				return
			}
		}
	}
}

// Name returns a unique identifier for this storage backend.
func (b *GitHubBackend) Name() string {
	return fmt.Sprintf("github-%s-%s", b.cfg.Owner, b.cfg.Repo)
}

// LocationURI returns the URI that identifies this storage backend.
func (b *GitHubBackend) LocationURI() string {
	return b.locationURI
}

// files returns the blobs below the root, keyed by identifier.
func (b *GitHubBackend) files(ctx context.Context) (map[string]gitTreeEntry, error) {
	resp, err := b.get(ctx, b.repoURL("git/trees/"+url.PathEscape(b.cfg.Ref))+"?recursive=1", "application/vnd.github+json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := classifyGitHubResponse(b.cfg.Ref, resp); err != nil {
		return nil, err
	}

	var tree gitTree
	if err := json.NewDecoder(resp.Body).Decode(&tree); err != nil {
		return nil, fmt.Errorf("%w: failed to decode tree: %w", interfaces.ErrIo, err)
	}
	if tree.Truncated {
		b.log.Warn("GitHub tree listing truncated", slog.String("ref", b.cfg.Ref), slog.String("sha", tree.SHA))
	}

	prefix := ""
	if b.cfg.Root != "" {
		prefix = b.cfg.Root + "/"
	}
	entries := make(map[string]gitTreeEntry)
	for _, e := range tree.Tree {
		if e.Type != "blob" || !strings.HasPrefix(e.Path, prefix) {
			continue
		}
		entries[strings.TrimPrefix(e.Path, prefix)] = e
	}
	return entries, nil
}

func (b *GitHubBackend) repoURL(suffix string) string {
	return b.cfg.APIURL + path.Join("/repos", url.PathEscape(b.cfg.Owner), url.PathEscape(b.cfg.Repo), suffix)
}

func (b *GitHubBackend) get(ctx context.Context, u, accept string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if b.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+b.cfg.Token)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: github: %v", interfaces.ErrConnection, err)
	}
	return resp, nil
}

func classifyGitHubResponse(what string, resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	err := errors.New(strings.TrimSpace(string(body)))
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", interfaces.ErrNotFound, what)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: GitHub API error %s: %v", interfaces.ErrConnection, resp.Status, err)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		// Rate limiting is reported as 403 with an exhausted quota.
		if resp.Header.Get("X-RateLimit-Remaining") == "0" {
			return fmt.Errorf("%w: GitHub rate limit exceeded", interfaces.ErrConnection)
		}
		return fmt.Errorf("%w: %s: %v", interfaces.ErrPermissionDenied, what, err)
	default:
		return fmt.Errorf("GitHub API error %s: %v", resp.Status, err)
	}
}

var _ interfaces.Storage[string] = (*GitHubBackend)(nil)
