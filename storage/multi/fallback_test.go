package multi

import (
	"bytes"
	"context"
	"testing"

	"github.com/ruteri/stowage/interfaces"
	"github.com/ruteri/stowage/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestFallbackStorage_ReadThrough(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name        string
		setup       func(primary, secondary *faultyStorage)
		expectData  string
		expectKind  interfaces.Kind
		expectError bool
	}{
		{
			name: "primary holds the id",
			setup: func(p, s *faultyStorage) {
				require.NoError(t, storage.PutString(ctx, p, "x", "primary"))
				require.NoError(t, storage.PutString(ctx, s, "x", "secondary"))
			},
			expectData: "primary",
		},
		{
			name: "only secondary holds the id",
			setup: func(p, s *faultyStorage) {
				require.NoError(t, storage.PutString(ctx, s, "x", "secondary"))
			},
			expectData: "secondary",
		},
		{
			name: "primary unreachable",
			setup: func(p, s *faultyStorage) {
				require.NoError(t, storage.PutString(ctx, s, "x", "secondary"))
				p.failOn("get", interfaces.ErrConnection)
			},
			expectData: "secondary",
		},
		{
			name:        "neither holds the id",
			setup:       func(p, s *faultyStorage) {},
			expectError: true,
			expectKind:  interfaces.KindNotFound,
		},
		{
			name: "secondary error is final",
			setup: func(p, s *faultyStorage) {
				s.failOn("get", interfaces.ErrPermissionDenied)
			},
			expectError: true,
			expectKind:  interfaces.KindPermissionDenied,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			primary, secondary := newFaulty("primary"), newFaulty("secondary")
			tt.setup(primary, secondary)
			f := NewFallbackStorage[string](primary, secondary, WithLogger(testLogger))

			got, err := storage.GetString(ctx, f, "x")
			if tt.expectError {
				require.Error(t, err)
				assert.Equal(t, tt.expectKind, interfaces.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expectData, got)
		})
	}
}

func TestFallbackStorage_Exists(t *testing.T) {
	ctx := context.Background()
	primary, secondary := newFaulty("primary"), newFaulty("secondary")
	f := NewFallbackStorage[string](primary, secondary)

	ok, err := f.Exists(ctx, "x")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, storage.PutString(ctx, secondary, "x", "v"))
	ok, err = f.Exists(ctx, "x")
	require.NoError(t, err)
	assert.True(t, ok)

	primary.failOn("exists", interfaces.ErrConnection)
	ok, err = f.Exists(ctx, "x")
	require.NoError(t, err)
	assert.True(t, ok)

	secondary.failOn("exists", interfaces.ErrConnection)
	_, err = f.Exists(ctx, "x")
	assert.ErrorIs(t, err, interfaces.ErrConnection)
}

func TestFallbackStorage_WritesOnlyPrimary(t *testing.T) {
	ctx := context.Background()
	primary, secondary := newFaulty("primary"), newFaulty("secondary")
	f := NewFallbackStorage[string](primary, secondary)

	require.NoError(t, storage.PutString(ctx, f, "x", "v"))
	assert.True(t, primary.has("x"))
	assert.False(t, secondary.has("x"))
	assert.Equal(t, 0, secondary.callCount("put"))

	require.NoError(t, storage.PutString(ctx, secondary, "y", "v"))
	require.NoError(t, f.Delete(ctx, "y"))
	assert.True(t, secondary.has("y"), "delete never reaches the secondary")

	primary.failOn("put", interfaces.ErrPermissionDenied)
	err := storage.PutString(ctx, f, "z", "v")
	assert.ErrorIs(t, err, interfaces.ErrPermissionDenied)
	assert.False(t, secondary.has("z"))
}

func TestFallbackStorage_WriteThrough(t *testing.T) {
	ctx := context.Background()
	primary, secondary := newFaulty("primary"), newFaulty("secondary")
	f := NewFallbackStorage[string](primary, secondary, WithWriteThrough(true), WithSpoolThreshold(2))

	require.NoError(t, storage.PutString(ctx, f, "x", "written through"))
	for _, s := range []*faultyStorage{primary, secondary} {
		got, err := storage.GetString(ctx, s, "x")
		require.NoError(t, err)
		assert.Equal(t, "written through", got)
	}

	require.NoError(t, f.Delete(ctx, "x"))
	assert.False(t, primary.has("x"))
	assert.False(t, secondary.has("x"))

	primary.failOn("put", interfaces.ErrIo)
	err := storage.PutString(ctx, f, "y", "v")
	assert.ErrorIs(t, err, interfaces.ErrIo)
	assert.Equal(t, 0, secondary.callCount("put"), "secondary is not written after a primary failure")

	primary.failOn("put", nil)
	secondary.failOn("put", interfaces.ErrConnection)
	err = storage.PutString(ctx, f, "y", "v")
	assert.ErrorIs(t, err, interfaces.ErrConnection, "leaf error is returned unchanged")

	secondary.failOn("put", nil)
	require.NoError(t, storage.PutString(ctx, f, "z", "v"))
	deletes := secondary.callCount("delete")
	primary.failOn("delete", interfaces.ErrConnection)
	err = f.Delete(ctx, "z")
	assert.ErrorIs(t, err, interfaces.ErrConnection)
	assert.Equal(t, deletes, secondary.callCount("delete"), "secondary is not deleted after a primary failure")
	assert.True(t, secondary.has("z"))
}

func TestFallbackStorage_DeleteTwice(t *testing.T) {
	ctx := context.Background()
	for _, writeThrough := range []bool{false, true} {
		f := NewFallbackStorage[string](newFaulty("p"), newFaulty("s"), WithWriteThrough(writeThrough))
		require.NoError(t, storage.PutString(ctx, f, "x", "v"))
		require.NoError(t, f.Delete(ctx, "x"))
		require.NoError(t, f.Delete(ctx, "x"))
	}
}

func TestFallbackStorage_GetIntoDoesNotRetryAfterPartialWrite(t *testing.T) {
	primary := &MockStorage{}
	secondary := &MockStorage{}
	primary.On("GetInto", mock.Anything, "x", mock.Anything).
		Run(func(args mock.Arguments) {
			args.Get(2).(interface{ Write([]byte) (int, error) }).Write([]byte("ab"))
		}).
		Return(int64(2), interfaces.ErrConnection)

	f := NewFallbackStorage[string](primary, secondary, WithLogger(testLogger))

	var sink bytes.Buffer
	n, err := f.GetInto(context.Background(), "x", &sink)
	assert.ErrorIs(t, err, interfaces.ErrConnection)
	assert.Equal(t, int64(2), n)
	secondary.AssertNotCalled(t, "GetInto", mock.Anything, mock.Anything, mock.Anything)
}

func TestFallbackStorage_List(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		setup  func(p, s *faultyStorage)
		expect []string
	}{
		{
			name: "primary listing wins",
			setup: func(p, s *faultyStorage) {
				require.NoError(t, storage.PutString(ctx, p, "a/1", "v"))
				require.NoError(t, storage.PutString(ctx, s, "a/2", "v"))
			},
			expect: []string{"a/1"},
		},
		{
			name: "empty primary listing falls back",
			setup: func(p, s *faultyStorage) {
				require.NoError(t, storage.PutString(ctx, s, "a/2", "v"))
			},
			expect: []string{"a/2"},
		},
		{
			name: "failing primary listing falls back",
			setup: func(p, s *faultyStorage) {
				require.NoError(t, storage.PutString(ctx, p, "a/1", "v"))
				require.NoError(t, storage.PutString(ctx, s, "a/2", "v"))
				p.failOn("list", interfaces.ErrConnection)
			},
			expect: []string{"a/2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, s := newFaulty("p"), newFaulty("s")
			tt.setup(p, s)
			f := NewFallbackStorage[string](p, s)

			ids, err := interfaces.Collect(f.List(ctx, "a/"))
			require.NoError(t, err)
			assert.Equal(t, tt.expect, ids)
		})
	}
}
