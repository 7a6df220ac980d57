package storage

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/ruteri/stowage/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rejectingStorage fails Put after reading at most limit bytes.
type rejectingStorage struct {
	*MemoryBackend
	limit int64
	err   error
}

func (r *rejectingStorage) Put(ctx context.Context, id string, src io.Reader, sizeHint int64) error {
	if _, err := io.CopyN(io.Discard, src, r.limit); err != nil && err != io.EOF {
		return err
	}
	return r.err
}

func TestCopy(t *testing.T) {
	ctx := context.Background()
	src := NewMemoryBackend("src", testLogger)
	dst := NewMemoryBackend("dst", testLogger)

	payload := bytes.Repeat([]byte("0123456789"), 100000)
	require.NoError(t, PutBytes(ctx, src, "big", payload))

	require.NoError(t, Copy(ctx, src, dst, "big"))
	got, err := GetBytes(ctx, dst, "big")
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	require.NoError(t, CopyAs(ctx, src, "big", dst, "renamed"))
	ok, err := dst.Exists(ctx, "renamed")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCopy_MissingSource(t *testing.T) {
	ctx := context.Background()
	src := NewMemoryBackend("src", testLogger)
	dst := NewMemoryBackend("dst", testLogger)

	err := Copy(ctx, src, dst, "missing")
	assert.True(t, interfaces.IsNotFound(err), "got %v", err)
	assert.Equal(t, 0, dst.Len())
}

func TestCopy_DestinationFailure(t *testing.T) {
	ctx := context.Background()
	src := NewMemoryBackend("src", testLogger)
	require.NoError(t, PutBytes(ctx, src, "big", bytes.Repeat([]byte("x"), 1<<20)))

	dst := &rejectingStorage{MemoryBackend: NewMemoryBackend("dst", testLogger), limit: 10, err: interfaces.ErrPermissionDenied}
	err := Copy(ctx, src, dst, "big")
	assert.ErrorIs(t, err, interfaces.ErrPermissionDenied)
}

func TestStringAndBytesHelpers(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend("helpers", testLogger)

	require.NoError(t, PutString(ctx, b, "s", "text"))
	data, err := GetBytes(ctx, b, "s")
	require.NoError(t, err)
	assert.Equal(t, []byte("text"), data)

	_, err = GetString(ctx, b, "missing")
	assert.True(t, interfaces.IsNotFound(err))
}
