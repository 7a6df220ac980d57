package multi

import (
	"context"
	"fmt"
	"io"
	"iter"
	"log/slog"

	"github.com/ruteri/stowage/interfaces"
)

// ReadOnlyStorage exposes the reads of an inner storage and refuses every
// mutation without reaching it.
type ReadOnlyStorage[ID comparable] struct {
	inner interfaces.Storage[ID]
	opts  options
}

// NewReadOnlyStorage wraps inner in a read-only view.
func NewReadOnlyStorage[ID comparable](inner interfaces.Storage[ID], opts ...Option) *ReadOnlyStorage[ID] {
	return &ReadOnlyStorage[ID]{
		inner: inner,
		opts:  newOptions("readonly", opts),
	}
}

func (r *ReadOnlyStorage[ID]) Exists(ctx context.Context, id ID) (bool, error) {
	return r.inner.Exists(ctx, id)
}

func (r *ReadOnlyStorage[ID]) GetInto(ctx context.Context, id ID, sink io.Writer) (int64, error) {
	return r.inner.GetInto(ctx, id, sink)
}

func (r *ReadOnlyStorage[ID]) List(ctx context.Context, prefix ID) iter.Seq2[ID, error] {
	return r.inner.List(ctx, prefix)
}

// Put fails with ErrReadOnlyViolation. src is not read.
func (r *ReadOnlyStorage[ID]) Put(ctx context.Context, id ID, src io.Reader, sizeHint int64) error {
	return r.reject(opPut, id)
}

// Delete fails with ErrReadOnlyViolation.
func (r *ReadOnlyStorage[ID]) Delete(ctx context.Context, id ID) error {
	return r.reject(opDelete, id)
}

func (r *ReadOnlyStorage[ID]) reject(op string, id ID) error {
	r.opts.metrics.ObserveRejected(op)
	r.opts.log.Debug("Rejected mutation on read-only storage",
		slog.String("op", op),
		slog.Any("id", id))
	return fmt.Errorf("%w: %s %v", interfaces.ErrReadOnlyViolation, op, id)
}

var _ interfaces.Storage[string] = (*ReadOnlyStorage[string])(nil)
