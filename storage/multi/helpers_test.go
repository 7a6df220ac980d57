package multi

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"sync"

	"github.com/ruteri/stowage/interfaces"
	"github.com/ruteri/stowage/storage"
	"github.com/stretchr/testify/mock"
)

var (
	errBoom    = errors.New("boom")
	testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
)

// MockStorage implements interfaces.Storage[string] for testing
type MockStorage struct {
	mock.Mock
}

func (m *MockStorage) Exists(ctx context.Context, id string) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *MockStorage) Put(ctx context.Context, id string, src io.Reader, sizeHint int64) error {
	args := m.Called(ctx, id, src, sizeHint)
	return args.Error(0)
}

func (m *MockStorage) GetInto(ctx context.Context, id string, sink io.Writer) (int64, error) {
	args := m.Called(ctx, id, sink)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStorage) Delete(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockStorage) List(ctx context.Context, prefix string) iter.Seq2[string, error] {
	args := m.Called(ctx, prefix)
	return args.Get(0).(iter.Seq2[string, error])
}

// faultyStorage is an in-memory backend whose operations can be made to fail.
type faultyStorage struct {
	*storage.MemoryBackend

	mu      sync.Mutex
	fail    map[string]error
	calls   map[string]int
	onPut   func(ctx context.Context)
	blockOn map[string]bool
}

func newFaulty(name string) *faultyStorage {
	return &faultyStorage{
		MemoryBackend: storage.NewMemoryBackend(name, testLogger),
		fail:          make(map[string]error),
		calls:         make(map[string]int),
		blockOn:       make(map[string]bool),
	}
}

// failOn makes op ("exists", "put", "get", "delete", "list") return err.
func (f *faultyStorage) failOn(op string, err error) *faultyStorage {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[op] = err
	return f
}

// blockUntilDone makes op wait for its context to end and return its error.
func (f *faultyStorage) blockUntilDone(op string) *faultyStorage {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blockOn[op] = true
	return f
}

func (f *faultyStorage) enter(ctx context.Context, op string) error {
	f.mu.Lock()
	f.calls[op]++
	err := f.fail[op]
	block := f.blockOn[op]
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (f *faultyStorage) callCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *faultyStorage) has(id string) bool {
	ok, _ := f.MemoryBackend.Exists(context.Background(), id)
	return ok
}

func (f *faultyStorage) Exists(ctx context.Context, id string) (bool, error) {
	if err := f.enter(ctx, "exists"); err != nil {
		return false, err
	}
	return f.MemoryBackend.Exists(ctx, id)
}

func (f *faultyStorage) Put(ctx context.Context, id string, src io.Reader, sizeHint int64) error {
	if f.onPut != nil {
		f.onPut(ctx)
	}
	if err := f.enter(ctx, "put"); err != nil {
		return err
	}
	return f.MemoryBackend.Put(ctx, id, src, sizeHint)
}

func (f *faultyStorage) GetInto(ctx context.Context, id string, sink io.Writer) (int64, error) {
	if err := f.enter(ctx, "get"); err != nil {
		return 0, err
	}
	return f.MemoryBackend.GetInto(ctx, id, sink)
}

func (f *faultyStorage) Delete(ctx context.Context, id string) error {
	if err := f.enter(ctx, "delete"); err != nil {
		return err
	}
	return f.MemoryBackend.Delete(ctx, id)
}

func (f *faultyStorage) List(ctx context.Context, prefix string) iter.Seq2[string, error] {
	if err := f.enter(ctx, "list"); err != nil {
		return interfaces.ErrorSeq[string](err)
	}
	return f.MemoryBackend.List(ctx, prefix)
}

// degradedRecorder collects degraded handler calls.
type degradedRecorder struct {
	mu    sync.Mutex
	calls []*interfaces.Outcome
}

func (r *degradedRecorder) handle(ctx context.Context, op string, id any, outcome *interfaces.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, outcome)
}

func (r *degradedRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *degradedRecorder) last() *interfaces.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls) == 0 {
		return nil
	}
	return r.calls[len(r.calls)-1]
}

func storages(backends ...*faultyStorage) []interfaces.Storage[string] {
	out := make([]interfaces.Storage[string], 0, len(backends))
	for _, b := range backends {
		out = append(out, b)
	}
	return out
}
