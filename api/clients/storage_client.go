package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ruteri/stowage/api"
	"github.com/ruteri/stowage/interfaces"
)

// StorageClient implements the storage contract against a remote stowage
// gateway.
type StorageClient struct {
	// ServerAddr is the base URL of the gateway, e.g. http://localhost:8080
	ServerAddr string

	// HTTPClient is used for every request. http.DefaultClient when nil.
	HTTPClient *http.Client
}

// NewStorageClient creates a client with its own http.Client bounded by timeout.
func NewStorageClient(serverAddr string, timeout time.Duration) *StorageClient {
	return &StorageClient{
		ServerAddr: strings.TrimRight(serverAddr, "/"),
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

// Exists issues HEAD /api/objects/{id}.
func (c *StorageClient) Exists(ctx context.Context, id string) (bool, error) {
	resp, err := c.do(ctx, http.MethodHead, c.objectURL(id), nil, -1)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, decodeError(resp)
	}
}

// Put uploads src with PUT /api/objects/{id}. A known size hint is sent as
// the Content-Length.
func (c *StorageClient) Put(ctx context.Context, id string, src io.Reader, sizeHint int64) error {
	resp, err := c.do(ctx, http.MethodPut, c.objectURL(id), src, sizeHint)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	return nil
}

// GetInto downloads the object with GET /api/objects/{id} and copies it into sink.
func (c *StorageClient) GetInto(ctx context.Context, id string, sink io.Writer) (int64, error) {
	resp, err := c.do(ctx, http.MethodGet, c.objectURL(id), nil, -1)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, decodeError(resp)
	}

	n, err := io.Copy(sink, resp.Body)
	if err != nil {
		return n, fmt.Errorf("%w: reading %s: %w", interfaces.ErrIo, id, err)
	}
	if kind := resp.Trailer.Get(api.StreamErrorTrailer); kind != "" {
		return n, api.ErrorResponse{Kind: kind, Error: "stream of " + id + " interrupted"}.AsError()
	}
	return n, nil
}

// Delete issues DELETE /api/objects/{id}.
func (c *StorageClient) Delete(ctx context.Context, id string) error {
	resp, err := c.do(ctx, http.MethodDelete, c.objectURL(id), nil, -1)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	return nil
}

// List fetches the identifiers under prefix. The request is sent when the
// sequence is first ranged over.
func (c *StorageClient) List(ctx context.Context, prefix string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		u := c.ServerAddr + api.ObjectsPath
		if prefix != "" {
			u += "?prefix=" + url.QueryEscape(prefix)
		}

		resp, err := c.do(ctx, http.MethodGet, u, nil, -1)
		if err != nil {
			yield("", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			yield("", decodeError(resp))
			return
		}

		var parsed api.ListResponse
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			yield("", fmt.Errorf("%w: could not parse list response: %w", interfaces.ErrIo, err))
			return
		}
		for _, id := range parsed.Keys {
			if !yield(id, nil) {
				return
			}
		}
	}
}

// LocationURI returns the URI that identifies this storage backend.
func (c *StorageClient) LocationURI() string {
	return c.ServerAddr
}

func (c *StorageClient) do(ctx context.Context, method, u string, body io.Reader, sizeHint int64) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("could not create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
		if sizeHint >= 0 {
			req.ContentLength = sizeHint
			if sizeHint == 0 {
				req.Body = http.NoBody
			}
		}
	}

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: could not reach %s: %v", interfaces.ErrConnection, c.ServerAddr, err)
	}
	return resp, nil
}

func (c *StorageClient) objectURL(id string) string {
	segments := strings.Split(id, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return c.ServerAddr + api.ObjectsPath + "/" + strings.Join(segments, "/")
}

// decodeError maps a non-2xx gateway response to a storage error.
func decodeError(resp *http.Response) error {
	var parsed api.ErrorResponse
	if resp.Body != nil {
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&parsed); err == nil && parsed.Kind != "" {
			return parsed.AsError()
		}
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: gateway returned %d", interfaces.ErrNotFound, resp.StatusCode)
	case http.StatusForbidden, http.StatusUnauthorized:
		return fmt.Errorf("%w: gateway returned %d", interfaces.ErrPermissionDenied, resp.StatusCode)
	case http.StatusBadGateway:
		return fmt.Errorf("%w: gateway returned %d", interfaces.ErrMirrorFailure, resp.StatusCode)
	case http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return fmt.Errorf("%w: gateway returned %d", interfaces.ErrConnection, resp.StatusCode)
	default:
		return fmt.Errorf("gateway returned non-2xx response: %d", resp.StatusCode)
	}
}

var _ interfaces.Storage[string] = (*StorageClient)(nil)
