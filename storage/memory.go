package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/ruteri/stowage/interfaces"
)

// MemoryBackend keeps objects in a map. It is meant for tests, local
// development and ephemeral caches.
type MemoryBackend struct {
	mu      sync.RWMutex
	objects map[string][]byte
	name    string
	log     *slog.Logger
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend(name string, log *slog.Logger) *MemoryBackend {
	if log == nil {
		log = slog.Default()
	}
	return &MemoryBackend{
		objects: make(map[string][]byte),
		name:    name,
		log:     log,
	}
}

// Exists reports whether id is stored.
func (b *MemoryBackend) Exists(ctx context.Context, id string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.objects[id]
	return ok, nil
}

// Put reads src to the end and stores it under id.
func (b *MemoryBackend) Put(ctx context.Context, id string, src io.Reader, sizeHint int64) error {
	var buf bytes.Buffer
	if sizeHint > 0 {
		buf.Grow(int(sizeHint))
	}
	if _, err := buf.ReadFrom(src); err != nil {
		return fmt.Errorf("%w: reading source for %s: %w", interfaces.ErrIo, id, err)
	}
	data := buf.Bytes()

	b.mu.Lock()
	b.objects[id] = data
	b.mu.Unlock()

	b.log.Debug("Stored object in memory",
		slog.String("backend", b.name),
		slog.String("id", id),
		slog.Int("size", len(data)))
	return nil
}

// GetInto writes the object stored under id to sink.
func (b *MemoryBackend) GetInto(ctx context.Context, id string, sink io.Writer) (int64, error) {
	b.mu.RLock()
	data, ok := b.objects[id]
	b.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", interfaces.ErrNotFound, id)
	}

	n, err := sink.Write(data)
	if err != nil {
		return int64(n), fmt.Errorf("%w: writing %s: %w", interfaces.ErrIo, id, err)
	}
	return int64(n), nil
}

// Delete removes id. Absent ids are not an error.
func (b *MemoryBackend) Delete(ctx context.Context, id string) error {
	b.mu.Lock()
	delete(b.objects, id)
	b.mu.Unlock()
	return nil
}

// List yields a sorted snapshot of the ids starting with prefix, taken when
// iteration starts.
func (b *MemoryBackend) List(ctx context.Context, prefix string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		b.mu.RLock()
		ids := make([]string, 0, len(b.objects))
		for id := range b.objects {
			if strings.HasPrefix(id, prefix) {
				ids = append(ids, id)
			}
		}
		b.mu.RUnlock()
		sort.Strings(ids)

		for _, id := range ids {
			if !yield(id, nil) {
				return
			}
		}
	}
}

// Len returns the number of stored objects.
func (b *MemoryBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.objects)
}

// Name returns the name given at construction.
func (b *MemoryBackend) Name() string {
	return b.name
}

var _ interfaces.Storage[string] = (*MemoryBackend)(nil)
