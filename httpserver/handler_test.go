package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ruteri/stowage/api"
	"github.com/ruteri/stowage/api/clients"
	"github.com/ruteri/stowage/cryptoutils"
	"github.com/ruteri/stowage/interfaces"
	"github.com/ruteri/stowage/storage"
	"github.com/ruteri/stowage/storage/multi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// brokenStorage fails every mutation with err.
type brokenStorage struct {
	*storage.MemoryBackend
	err error
}

func (b *brokenStorage) Put(ctx context.Context, id string, src io.Reader, sizeHint int64) error {
	return b.err
}

func (b *brokenStorage) Delete(ctx context.Context, id string) error {
	return b.err
}

// interruptedStorage writes part of the object and then fails.
type interruptedStorage struct {
	*storage.MemoryBackend
}

func (s *interruptedStorage) GetInto(ctx context.Context, id string, sink io.Writer) (int64, error) {
	n, _ := sink.Write([]byte("partial"))
	return int64(n), fmt.Errorf("%w: upstream went away", interfaces.ErrConnection)
}

func newTestGateway(t *testing.T, store interfaces.Storage[string], maxObjectSize int64) (*httptest.Server, *clients.StorageClient) {
	t.Helper()
	srv, err := New(&api.HTTPServerConfig{Log: testLogger}, NewHandler(store, maxObjectSize, testLogger), nil)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, clients.NewStorageClient(ts.URL, 0)
}

func TestGateway_RoundTrip(t *testing.T) {
	ctx := context.Background()
	_, client := newTestGateway(t, storage.NewMemoryBackend("gw", testLogger), 0)

	ids := []string{"plain", "nested/dir/object", "with space", "percent%sign", "unicode/żółw"}
	for _, id := range ids {
		t.Run(id, func(t *testing.T) {
			ok, err := client.Exists(ctx, id)
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, storage.PutString(ctx, client, id, "payload of "+id))

			ok, err = client.Exists(ctx, id)
			require.NoError(t, err)
			assert.True(t, ok)

			got, err := storage.GetString(ctx, client, id)
			require.NoError(t, err)
			assert.Equal(t, "payload of "+id, got)

			require.NoError(t, client.Delete(ctx, id))
			require.NoError(t, client.Delete(ctx, id))

			_, err = storage.GetString(ctx, client, id)
			assert.True(t, interfaces.IsNotFound(err))
		})
	}
}

func TestGateway_EmptyObjectAndUnknownSize(t *testing.T) {
	ctx := context.Background()
	_, client := newTestGateway(t, storage.NewMemoryBackend("gw", testLogger), 0)

	require.NoError(t, client.Put(ctx, "empty", bytes.NewReader(nil), 0))
	var sink bytes.Buffer
	n, err := client.GetInto(ctx, "empty", &sink)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, client.Put(ctx, "streamed", io.MultiReader(strings.NewReader("a"), strings.NewReader("b")), interfaces.UnknownSize))
	got, err := storage.GetString(ctx, client, "streamed")
	require.NoError(t, err)
	assert.Equal(t, "ab", got)
}

func TestGateway_List(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryBackend("gw", testLogger)
	_, client := newTestGateway(t, backend, 0)

	for _, id := range []string{"logs/1", "logs/2", "other"} {
		require.NoError(t, storage.PutString(ctx, backend, id, id))
	}

	ids, err := interfaces.Collect(client.List(ctx, "logs/"))
	require.NoError(t, err)
	assert.Equal(t, []string{"logs/1", "logs/2"}, ids)

	ids, err = interfaces.Collect(client.List(ctx, "none/"))
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestGateway_ReadOnly(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryBackend("gw", testLogger)
	require.NoError(t, storage.PutString(ctx, backend, "x", "frozen"))
	ts, client := newTestGateway(t, multi.NewReadOnlyStorage[string](backend), 0)

	err := storage.PutString(ctx, client, "x", "changed")
	assert.ErrorIs(t, err, interfaces.ErrReadOnlyViolation)
	assert.ErrorIs(t, err, interfaces.ErrPermissionDenied)

	assert.ErrorIs(t, client.Delete(ctx, "x"), interfaces.ErrReadOnlyViolation)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+api.ObjectsPath+"/x", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	got, err := storage.GetString(ctx, client, "x")
	require.NoError(t, err)
	assert.Equal(t, "frozen", got)
}

func TestGateway_MirrorFailureCarriesOutcome(t *testing.T) {
	ctx := context.Background()
	healthy := storage.NewMemoryBackend("healthy", testLogger)
	broken := &brokenStorage{MemoryBackend: storage.NewMemoryBackend("broken", testLogger), err: interfaces.ErrConnection}

	mirror, err := multi.NewMirrorBuilder[string]().
		AddBackend(healthy).
		AddBackend(broken).
		WithWriteStrategy(multi.AllOrFail(true)).
		WithLogger(testLogger).
		Build()
	require.NoError(t, err)
	ts, client := newTestGateway(t, mirror, 0)

	err = storage.PutString(ctx, client, "k", "v")
	mf, ok := interfaces.AsMirrorFailure(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, "put", mf.Op)
	assert.Equal(t, 2, mf.Required)
	assert.Equal(t, []int{0}, mf.Outcome.RolledBack)
	require.Len(t, mf.Outcome.Failed, 1)
	assert.Equal(t, 1, mf.Outcome.Failed[0].Index)
	assert.ErrorIs(t, mf.Outcome.Failed[0].Err, interfaces.ErrConnection)

	ok, err = healthy.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "rolled back")

	resp, err := http.Post(ts.URL+api.ObjectsPath+"/k", "application/octet-stream", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPut, ts.URL+api.ObjectsPath+"/k", strings.NewReader("v"))
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	var body api.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "mirror_failure", body.Kind)
	require.NotNil(t, body.Outcome)
	assert.Equal(t, "all_or_fail(rollback)", body.Outcome.Strategy)
	assert.Equal(t, []int{0}, body.Outcome.Succeeded)
}

// opaqueStorage reads the whole source and reports read failures without
// keeping the cause in the error chain.
type opaqueStorage struct {
	*storage.MemoryBackend
}

func (s *opaqueStorage) Put(ctx context.Context, id string, src io.Reader, sizeHint int64) error {
	data, err := io.ReadAll(src)
	if err != nil {
		return fmt.Errorf("%w: upload of %s failed: %v", interfaces.ErrConnection, id, err)
	}
	return s.MemoryBackend.Put(ctx, id, bytes.NewReader(data), int64(len(data)))
}

func TestGateway_MaxObjectSize(t *testing.T) {
	ctx := context.Background()

	newMirror := func() interfaces.Storage[string] {
		mirror, err := multi.NewMirrorBuilder[string]().
			AddBackend(storage.NewMemoryBackend("a", testLogger)).
			AddBackend(storage.NewMemoryBackend("b", testLogger)).
			WithLogger(testLogger).
			Build()
		require.NoError(t, err)
		return mirror
	}

	stores := []struct {
		name  string
		store func() interfaces.Storage[string]
	}{
		{name: "memory", store: func() interfaces.Storage[string] { return storage.NewMemoryBackend("gw", testLogger) }},
		{name: "mirror", store: newMirror},
		{name: "opaque backend error", store: func() interfaces.Storage[string] {
			return &opaqueStorage{storage.NewMemoryBackend("gw", testLogger)}
		}},
	}

	for _, st := range stores {
		t.Run(st.name, func(t *testing.T) {
			ts, client := newTestGateway(t, st.store(), 4)

			require.NoError(t, storage.PutString(ctx, client, "small", "abcd"))

			tests := []struct {
				name          string
				body          string
				contentLength int64
			}{
				{name: "declared", body: "abcde", contentLength: 5},
				{name: "chunked", body: "abcdefgh", contentLength: -1},
			}
			for _, tt := range tests {
				req, err := http.NewRequest(http.MethodPut, ts.URL+api.ObjectsPath+"/"+tt.name, io.NopCloser(strings.NewReader(tt.body)))
				require.NoError(t, err)
				req.ContentLength = tt.contentLength
				if tt.contentLength < 0 {
					req.TransferEncoding = []string{"chunked"}
				}

				resp, err := http.DefaultClient.Do(req)
				require.NoError(t, err, tt.name)
				resp.Body.Close()
				assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode, tt.name)

				ok, err := client.Exists(ctx, tt.name)
				require.NoError(t, err)
				assert.False(t, ok, tt.name)
			}
		})
	}
}

func TestGateway_InterruptedStream(t *testing.T) {
	ctx := context.Background()
	_, client := newTestGateway(t, &interruptedStorage{storage.NewMemoryBackend("gw", testLogger)}, 0)

	var sink bytes.Buffer
	n, err := client.GetInto(ctx, "x", &sink)
	assert.ErrorIs(t, err, interfaces.ErrConnection)
	assert.Equal(t, int64(len("partial")), n)
	assert.Equal(t, "partial", sink.String())
}

func TestGateway_MissingIdentifier(t *testing.T) {
	ts, _ := newTestGateway(t, storage.NewMemoryBackend("gw", testLogger), 0)

	resp, err := http.Get(ts.URL + api.ObjectsPath + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("x: %w", interfaces.ErrNotFound), http.StatusNotFound},
		{interfaces.ErrPermissionDenied, http.StatusForbidden},
		{interfaces.ErrReadOnlyViolation, http.StatusForbidden},
		{&interfaces.MirrorFailure{Op: "put", Outcome: &interfaces.Outcome{}}, http.StatusBadGateway},
		{interfaces.ErrConnection, http.StatusServiceUnavailable},
		{interfaces.ErrIo, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
		{&http.MaxBytesError{Limit: 1}, http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.status, StatusFor(tt.err))
		})
	}
}

func TestGateway_PinnedTLS(t *testing.T) {
	ctx := context.Background()
	cert, err := cryptoutils.RandomCert("127.0.0.1")
	require.NoError(t, err)
	pin, err := cryptoutils.PubkeyPin(cert)
	require.NoError(t, err)

	cfg := &api.HTTPServerConfig{Log: testLogger, TLSCertificate: &cert}
	srv, err := New(cfg, NewHandler(storage.NewMemoryBackend("gw", testLogger), 0, testLogger), nil)
	require.NoError(t, err)

	ts := httptest.NewUnstartedServer(srv.Handler())
	ts.TLS = srv.srv.TLSConfig
	ts.StartTLS()
	defer ts.Close()

	sf := storage.NewStorageBackendFactory(testLogger)
	client, err := sf.StorageBackendForURI(ts.URL + "?pin=" + pin)
	require.NoError(t, err)
	require.NoError(t, storage.PutString(ctx, client, "secure", "v"))
	got, err := storage.GetString(ctx, client, "secure")
	require.NoError(t, err)
	assert.Equal(t, "v", got)

	other, err := cryptoutils.RandomCert()
	require.NoError(t, err)
	otherPin, err := cryptoutils.PubkeyPin(other)
	require.NoError(t, err)
	client, err = sf.StorageBackendForURI(ts.URL + "?pin=" + otherPin)
	require.NoError(t, err)
	_, err = client.Exists(ctx, "secure")
	assert.ErrorIs(t, err, interfaces.ErrConnection)

	_, err = sf.StorageBackendForURI("http://127.0.0.1:1?pin=" + pin)
	assert.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)
}
