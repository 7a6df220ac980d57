package multi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ruteri/stowage/interfaces"
	"github.com/ruteri/stowage/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func buildMirror(t *testing.T, strategy WriteStrategy, backends ...*faultyStorage) *MirrorStorage[string] {
	t.Helper()
	m, err := NewMirrorBuilder[string]().
		WithBackends(storages(backends...)...).
		WithWriteStrategy(strategy).
		WithLogger(testLogger).
		Build()
	require.NoError(t, err)
	return m
}

func TestMirrorBuilder_Build(t *testing.T) {
	a, b := newFaulty("a"), newFaulty("b")

	tests := []struct {
		name    string
		builder *MirrorBuilder[string]
		wantErr bool
	}{
		{
			name:    "no backends",
			builder: NewMirrorBuilder[string](),
			wantErr: true,
		},
		{
			name:    "single backend",
			builder: NewMirrorBuilder[string]().AddBackend(a),
			wantErr: true,
		},
		{
			name:    "two backends",
			builder: NewMirrorBuilder[string]().AddBackend(a).AddBackend(b),
		},
		{
			name:    "read order subset",
			builder: NewMirrorBuilder[string]().WithBackends(a, b).WithReadOrder(1),
		},
		{
			name:    "read order out of range",
			builder: NewMirrorBuilder[string]().WithBackends(a, b).WithReadOrder(0, 2),
			wantErr: true,
		},
		{
			name:    "read order repeated",
			builder: NewMirrorBuilder[string]().WithBackends(a, b).WithReadOrder(1, 1),
			wantErr: true,
		},
		{
			name:    "parallel writes with optimistic return",
			builder: NewMirrorBuilder[string]().WithBackends(a, b).WithParallelWrites(true).WithReturnPolicy(Optimistic),
			wantErr: true,
		},
		{
			name:    "parallel writes with wait all",
			builder: NewMirrorBuilder[string]().WithBackends(a, b).WithParallelWrites(true),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := tt.builder.Build()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidMirror)
				assert.Nil(t, m)
				return
			}
			require.NoError(t, err)
			assert.GreaterOrEqual(t, m.Len(), 2)
		})
	}
}

func TestMirrorStorage_AllOrFailRollback(t *testing.T) {
	ctx := context.Background()
	a := newFaulty("a")
	b := newFaulty("b").failOn("put", errBoom)
	m := buildMirror(t, AllOrFail(true), a, b)

	err := storage.PutString(ctx, m, "k", "v1")
	require.Error(t, err)
	assert.ErrorIs(t, err, interfaces.ErrMirrorFailure)
	assert.Equal(t, interfaces.KindMirrorFailure, interfaces.KindOf(err))

	mf, ok := interfaces.AsMirrorFailure(err)
	require.True(t, ok)
	assert.Equal(t, "put", mf.Op)
	assert.Equal(t, 2, mf.Required)
	assert.Equal(t, []int{0}, mf.Outcome.Succeeded)
	assert.Equal(t, []int{1}, mf.Outcome.FailedIndices())
	assert.Equal(t, []int{0}, mf.Outcome.RolledBack)
	assert.Empty(t, mf.Outcome.RollbackFailed)
	assert.ErrorIs(t, mf.Outcome.Failed[0].Err, errBoom)

	assert.False(t, a.has("k"), "rolled back backend must not retain the id")
	assert.False(t, b.has("k"))
}

func TestMirrorStorage_AllOrFailWithoutRollback(t *testing.T) {
	ctx := context.Background()
	a := newFaulty("a")
	b := newFaulty("b").failOn("put", errBoom)
	m := buildMirror(t, AllOrFail(false), a, b)

	err := storage.PutString(ctx, m, "k", "v1")
	mf, ok := interfaces.AsMirrorFailure(err)
	require.True(t, ok)
	assert.Empty(t, mf.Outcome.RolledBack)
	assert.True(t, a.has("k"))
	assert.Equal(t, 0, a.callCount("delete"))
}

func TestMirrorStorage_RollbackFailureIsReported(t *testing.T) {
	ctx := context.Background()
	a := newFaulty("a").failOn("delete", errBoom)
	b := newFaulty("b")
	c := newFaulty("c").failOn("put", errBoom)
	m := buildMirror(t, AllOrFail(true), a, b, c)

	err := storage.PutString(ctx, m, "k", "v1")
	mf, ok := interfaces.AsMirrorFailure(err)
	require.True(t, ok)
	assert.Equal(t, []int{0, 1}, mf.Outcome.Succeeded)
	assert.Equal(t, []int{1}, mf.Outcome.RolledBack)
	require.Len(t, mf.Outcome.RollbackFailed, 1)
	assert.Equal(t, 0, mf.Outcome.RollbackFailed[0].Index)
	assert.True(t, a.has("k"))
	assert.False(t, b.has("k"))
}

func TestMirrorStorage_AtLeastOne(t *testing.T) {
	ctx := context.Background()
	a := newFaulty("a").failOn("put", errBoom)
	b := newFaulty("b")
	c := newFaulty("c").failOn("put", interfaces.ErrConnection)
	rec := &degradedRecorder{}

	m, err := NewMirrorBuilder[string]().
		WithBackends(a, b, c).
		WithWriteStrategy(AtLeastOne()).
		WithDegradedHandler(rec.handle).
		WithLogger(testLogger).
		Build()
	require.NoError(t, err)

	require.NoError(t, storage.PutString(ctx, m, "k", "v1"))

	held := 0
	for _, s := range []*faultyStorage{a, b, c} {
		if s.has("k") {
			held++
		}
	}
	assert.Equal(t, 1, held)

	require.Equal(t, 1, rec.count())
	assert.Equal(t, []int{1}, rec.last().Succeeded)
	assert.Equal(t, []int{0, 2}, rec.last().FailedIndices())

	got, err := storage.GetString(ctx, m, "k")
	require.NoError(t, err)
	assert.Equal(t, "v1", got)
}

func TestMirrorStorage_AtLeastOneAllFail(t *testing.T) {
	a := newFaulty("a").failOn("put", errBoom)
	b := newFaulty("b").failOn("put", errBoom)
	m := buildMirror(t, AtLeastOne(), a, b)

	err := storage.PutString(context.Background(), m, "k", "v1")
	mf, ok := interfaces.AsMirrorFailure(err)
	require.True(t, ok)
	assert.Equal(t, 1, mf.Required)
	assert.Empty(t, mf.Outcome.Succeeded)
}

func TestMirrorStorage_Quorum(t *testing.T) {
	tests := []struct {
		n         int
		failing   int
		expectErr bool
	}{
		{n: 3, failing: 0},
		{n: 3, failing: 1},
		{n: 3, failing: 2, expectErr: true},
		{n: 4, failing: 1},
		{n: 4, failing: 2, expectErr: true},
		{n: 5, failing: 2},
		{n: 5, failing: 3, expectErr: true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("n=%d failing=%d", tt.n, tt.failing), func(t *testing.T) {
			backends := make([]*faultyStorage, tt.n)
			for i := range backends {
				backends[i] = newFaulty(fmt.Sprintf("b%d", i))
				if i < tt.failing {
					backends[i].failOn("put", errBoom)
				}
			}
			m := buildMirror(t, Quorum(), backends...)

			err := storage.PutString(context.Background(), m, "k", "v1")
			if !tt.expectErr {
				require.NoError(t, err)
				return
			}

			mf, ok := interfaces.AsMirrorFailure(err)
			require.True(t, ok)
			assert.Equal(t, tt.n/2+1, mf.Required)
			assert.Len(t, mf.Outcome.Succeeded, tt.n-tt.failing)
			assert.Empty(t, mf.Outcome.RolledBack, "quorum never rolls back")
			for _, i := range mf.Outcome.Succeeded {
				assert.True(t, backends[i].has("k"))
			}
		})
	}
}

func TestMirrorStorage_DeleteTwice(t *testing.T) {
	ctx := context.Background()
	a, b := newFaulty("a"), newFaulty("b")
	m := buildMirror(t, AllOrFail(true), a, b)

	require.NoError(t, storage.PutString(ctx, m, "k", "v1"))
	require.NoError(t, m.Delete(ctx, "k"))
	require.NoError(t, m.Delete(ctx, "k"))
	assert.False(t, a.has("k"))
	assert.False(t, b.has("k"))
}

func TestMirrorStorage_DeleteFailureIsNotRolledBack(t *testing.T) {
	ctx := context.Background()
	a := newFaulty("a")
	b := newFaulty("b")
	m := buildMirror(t, AllOrFail(true), a, b)
	require.NoError(t, storage.PutString(ctx, m, "k", "v1"))

	b.failOn("delete", errBoom)
	err := m.Delete(ctx, "k")
	mf, ok := interfaces.AsMirrorFailure(err)
	require.True(t, ok)
	assert.Equal(t, "delete", mf.Op)
	assert.Equal(t, []int{0}, mf.Outcome.Succeeded)
	assert.Empty(t, mf.Outcome.RolledBack)
	assert.False(t, a.has("k"))
	assert.Equal(t, 1, a.callCount("put"))
}

func TestMirrorStorage_ReadOrderAndFailover(t *testing.T) {
	ctx := context.Background()
	a, b := newFaulty("a"), newFaulty("b")
	require.NoError(t, storage.PutString(ctx, a, "k", "from-a"))
	require.NoError(t, storage.PutString(ctx, b, "k", "from-b"))

	m, err := NewMirrorBuilder[string]().WithBackends(a, b).WithReadOrder(1, 0).Build()
	require.NoError(t, err)

	got, err := storage.GetString(ctx, m, "k")
	require.NoError(t, err)
	assert.Equal(t, "from-b", got)
	assert.Equal(t, 0, a.callCount("get"))

	b.failOn("get", errBoom)
	got, err = storage.GetString(ctx, m, "k")
	require.NoError(t, err)
	assert.Equal(t, "from-a", got)

	a.failOn("get", interfaces.ErrConnection)
	_, err = storage.GetString(ctx, m, "k")
	assert.ErrorIs(t, err, interfaces.ErrConnection, "last failure is returned")
}

func TestMirrorStorage_GetIntoDoesNotRetryAfterPartialWrite(t *testing.T) {
	first := &MockStorage{}
	second := &MockStorage{}
	first.On("GetInto", mock.Anything, "k", mock.Anything).
		Run(func(args mock.Arguments) {
			args.Get(2).(interface{ Write([]byte) (int, error) }).Write([]byte("par"))
		}).
		Return(int64(3), errBoom)

	m, err := NewMirrorBuilder[string]().WithBackends(first, second).Build()
	require.NoError(t, err)

	var sink bytes.Buffer
	n, err := m.GetInto(context.Background(), "k", &sink)
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, "par", sink.String())
	second.AssertNotCalled(t, "GetInto", mock.Anything, mock.Anything, mock.Anything)
	first.AssertExpectations(t)
}

func TestMirrorStorage_Exists(t *testing.T) {
	ctx := context.Background()
	a := newFaulty("a").failOn("exists", errBoom)
	b := newFaulty("b")
	m := buildMirror(t, AllOrFail(false), a, b)

	ok, err := m.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, storage.PutString(ctx, b, "k", "v"))
	ok, err = m.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	b.failOn("exists", interfaces.ErrPermissionDenied)
	_, err = m.Exists(ctx, "k")
	assert.ErrorIs(t, err, interfaces.ErrPermissionDenied)
}

func TestMirrorStorage_List(t *testing.T) {
	ctx := context.Background()
	a := newFaulty("a").failOn("list", interfaces.ErrConnection)
	b := newFaulty("b")
	for _, id := range []string{"x/1", "x/2", "y/1"} {
		require.NoError(t, storage.PutString(ctx, b, id, id))
	}
	m := buildMirror(t, AllOrFail(false), a, b)

	ids, err := interfaces.Collect(m.List(ctx, "x/"))
	require.NoError(t, err)
	assert.Equal(t, []string{"x/1", "x/2"}, ids)

	b.failOn("list", errBoom)
	_, err = interfaces.Collect(m.List(ctx, ""))
	assert.ErrorIs(t, err, errBoom)
}

func TestMirrorStorage_FastFail(t *testing.T) {
	a := newFaulty("a").failOn("put", errBoom)
	b, c := newFaulty("b"), newFaulty("c")

	m, err := NewMirrorBuilder[string]().
		WithBackends(a, b, c).
		WithWriteStrategy(AllOrFail(true)).
		WithReturnPolicy(FastFail).
		Build()
	require.NoError(t, err)

	err = storage.PutString(context.Background(), m, "k", "v1")
	mf, ok := interfaces.AsMirrorFailure(err)
	require.True(t, ok)
	assert.Equal(t, []int{1, 2}, mf.Outcome.Skipped)
	assert.Equal(t, 0, b.callCount("put"))
	assert.Equal(t, 0, c.callCount("put"))
}

func TestMirrorStorage_FastFailKeepsGoingWhileReachable(t *testing.T) {
	a := newFaulty("a").failOn("put", errBoom)
	b, c := newFaulty("b"), newFaulty("c")

	m, err := NewMirrorBuilder[string]().
		WithBackends(a, b, c).
		WithWriteStrategy(Quorum()).
		WithReturnPolicy(FastFail).
		Build()
	require.NoError(t, err)

	require.NoError(t, storage.PutString(context.Background(), m, "k", "v1"))
	assert.True(t, b.has("k"))
	assert.True(t, c.has("k"))
}

func TestMirrorStorage_Optimistic(t *testing.T) {
	a, b := newFaulty("a"), newFaulty("b")
	c := newFaulty("c").failOn("put", errBoom)
	rec := &degradedRecorder{}

	m, err := NewMirrorBuilder[string]().
		WithBackends(a, b, c).
		WithWriteStrategy(AtLeastOne()).
		WithReturnPolicy(Optimistic).
		WithDegradedHandler(rec.handle).
		WithSpoolThreshold(4).
		Build()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, storage.PutString(ctx, m, "k", "optimistic value"))
	cancel()
	m.WaitBackground()

	assert.Equal(t, int64(0), m.BackgroundWrites())
	assert.True(t, a.has("k"))
	assert.True(t, b.has("k"), "background writes survive caller cancellation")
	require.Equal(t, 1, rec.count())
	assert.Equal(t, []int{0, 1}, rec.last().Succeeded)
	assert.Equal(t, []int{2}, rec.last().FailedIndices())

	got, err := storage.GetString(context.Background(), b, "k")
	require.NoError(t, err)
	assert.Equal(t, "optimistic value", got)
}

func TestMirrorStorage_OptimisticAfterWaitBackground(t *testing.T) {
	ctx := context.Background()
	a, b, c := newFaulty("a"), newFaulty("b"), newFaulty("c")

	m, err := NewMirrorBuilder[string]().
		WithBackends(a, b, c).
		WithWriteStrategy(AtLeastOne()).
		WithReturnPolicy(Optimistic).
		Build()
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, storage.PutString(ctx, m, fmt.Sprintf("racing-%d", i), "v"))
		}()
	}
	m.WaitBackground()
	wg.Wait()
	m.WaitBackground()

	require.NoError(t, storage.PutString(ctx, m, "late", "v"))
	assert.Equal(t, int64(0), m.BackgroundWrites())
	for _, backend := range []*faultyStorage{a, b, c} {
		assert.True(t, backend.has("late"), backend.Name())
		for i := range 8 {
			assert.True(t, backend.has(fmt.Sprintf("racing-%d", i)), backend.Name())
		}
	}
}

func TestMirrorStorage_CancellationSkipsRemaining(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	a := newFaulty("a")
	a.onPut = func(context.Context) { cancel() }
	b := newFaulty("b")
	m := buildMirror(t, AllOrFail(true), a, b)

	err := storage.PutString(ctx, m, "k", "v1")
	mf, ok := interfaces.AsMirrorFailure(err)
	require.True(t, ok)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []int{1}, mf.Outcome.Skipped)
	assert.Empty(t, mf.Outcome.RolledBack, "cancellation never triggers rollback")
	assert.Equal(t, 0, b.callCount("put"))
	assert.Equal(t, 0, a.callCount("delete"))
}

func TestMirrorStorage_ParallelWrites(t *testing.T) {
	a, b := newFaulty("a"), newFaulty("b")
	c := newFaulty("c").failOn("put", errBoom)

	m, err := NewMirrorBuilder[string]().
		WithBackends(a, b, c).
		WithWriteStrategy(AllOrFail(true)).
		WithParallelWrites(true).
		Build()
	require.NoError(t, err)

	err = storage.PutString(context.Background(), m, "k", "v1")
	mf, ok := interfaces.AsMirrorFailure(err)
	require.True(t, ok)
	assert.Equal(t, []int{0, 1}, mf.Outcome.Succeeded)
	assert.Equal(t, []int{2}, mf.Outcome.FailedIndices())
	assert.Equal(t, []int{0, 1}, mf.Outcome.RolledBack)
	assert.False(t, a.has("k"))
	assert.False(t, b.has("k"))
}

func TestMirrorStorage_BackendTimeout(t *testing.T) {
	a := newFaulty("a")
	b := newFaulty("b").blockUntilDone("put")
	rec := &degradedRecorder{}

	m, err := NewMirrorBuilder[string]().
		WithBackends(a, b).
		WithWriteStrategy(AtLeastOne()).
		WithBackendTimeout(20 * time.Millisecond).
		WithDegradedHandler(rec.handle).
		Build()
	require.NoError(t, err)

	require.NoError(t, storage.PutString(context.Background(), m, "k", "v1"))
	require.Equal(t, 1, rec.count())
	failed := rec.last().Failed
	require.Len(t, failed, 1)
	assert.Equal(t, 1, failed[0].Index)
	assert.ErrorIs(t, failed[0].Err, interfaces.ErrConnection)
}

func TestMirrorStorage_SpooledReplay(t *testing.T) {
	ctx := context.Background()
	a, b, c := newFaulty("a"), newFaulty("b"), newFaulty("c")

	m, err := NewMirrorBuilder[string]().
		WithBackends(a, b, c).
		WithSpoolThreshold(16).
		Build()
	require.NoError(t, err)

	payload := strings.Repeat("0123456789", 100)
	// A reader without a known length still reaches every backend in full.
	require.NoError(t, m.Put(ctx, "big", strings.NewReader(payload), interfaces.UnknownSize))

	for _, s := range []*faultyStorage{a, b, c} {
		got, err := storage.GetString(ctx, s, "big")
		require.NoError(t, err)
		assert.Equal(t, payload, got)
	}
}

func TestMirrorStorage_SourceErrorFailsBeforeWriting(t *testing.T) {
	a, b := newFaulty("a"), newFaulty("b")
	m := buildMirror(t, AllOrFail(true), a, b)

	err := m.Put(context.Background(), "k", &failingReader{}, interfaces.UnknownSize)
	assert.ErrorIs(t, err, interfaces.ErrIo)
	assert.Equal(t, 0, a.callCount("put"))
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("source broke")
}
