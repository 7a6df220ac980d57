package multi

import (
	"context"
	"io"
	"iter"
	"log/slog"
	"time"

	"github.com/ruteri/stowage/interfaces"
)

// FallbackStorage serves reads from a primary backend and falls back to a
// secondary one. There is no circuit breaking: every call tries the primary
// first.
type FallbackStorage[ID comparable] struct {
	primary   interfaces.Storage[ID]
	secondary interfaces.Storage[ID]
	opts      options
}

// NewFallbackStorage creates a fallback composite. Mutations reach the
// secondary only with WithWriteThrough(true).
func NewFallbackStorage[ID comparable](primary, secondary interfaces.Storage[ID], opts ...Option) *FallbackStorage[ID] {
	return &FallbackStorage[ID]{
		primary:   primary,
		secondary: secondary,
		opts:      newOptions("fallback", opts),
	}
}

// Exists asks the primary and, if it does not report the identifier, the
// secondary. The secondary's answer is final.
func (f *FallbackStorage[ID]) Exists(ctx context.Context, id ID) (exists bool, err error) {
	defer func(start time.Time) { f.opts.metrics.ObserveOp(f.opts.name, "exists", start, err) }(time.Now())

	ok, err := f.primary.Exists(ctx, id)
	if err == nil && ok {
		return true, nil
	}
	f.failover("exists", id, err)
	return f.secondary.Exists(ctx, id)
}

// Put writes to the primary, or to both backends with write-through. The
// backends are written in order and the first failing leaf's error is
// returned unchanged; a failing primary leaves the secondary untouched.
func (f *FallbackStorage[ID]) Put(ctx context.Context, id ID, src io.Reader, sizeHint int64) (err error) {
	defer func(start time.Time) { f.opts.metrics.ObserveOp(f.opts.name, "put", start, err) }(time.Now())

	if !f.opts.writeThrough {
		return f.primary.Put(ctx, id, src, sizeHint)
	}

	sp, err := newSpool(ctx, src, sizeHint, f.opts.spoolThreshold)
	if err != nil {
		return err
	}
	defer sp.Close()

	if err := f.primary.Put(ctx, id, sp.Reader(), sp.Size()); err != nil {
		return err
	}
	return f.secondary.Put(ctx, id, sp.Reader(), sp.Size())
}

// GetInto reads from the primary. The secondary is tried only when the
// primary failed before writing anything to sink.
func (f *FallbackStorage[ID]) GetInto(ctx context.Context, id ID, sink io.Writer) (n int64, err error) {
	defer func(start time.Time) { f.opts.metrics.ObserveOp(f.opts.name, "get", start, err) }(time.Now())

	cw := &countingWriter{w: sink}
	n, err = f.primary.GetInto(ctx, id, cw)
	if err == nil {
		return n, nil
	}
	if cw.n > 0 {
		f.opts.log.Warn("Primary failed mid-stream, not falling back",
			slog.Any("id", id),
			slog.Int64("written", cw.n),
			"err", err)
		return cw.n, err
	}
	f.failover("get", id, err)
	return f.secondary.GetInto(ctx, id, sink)
}

// Delete removes from the primary, or from both backends with write-through.
// As with Put, a failing primary returns its error and the secondary is not
// touched.
func (f *FallbackStorage[ID]) Delete(ctx context.Context, id ID) (err error) {
	defer func(start time.Time) { f.opts.metrics.ObserveOp(f.opts.name, "delete", start, err) }(time.Now())

	if err := f.primary.Delete(ctx, id); err != nil {
		return err
	}
	if f.opts.writeThrough {
		return f.secondary.Delete(ctx, id)
	}
	return nil
}

// List lists the primary. If the primary's listing fails before producing an
// identifier, or produces nothing, the secondary is listed instead. Errors
// after the first identifier are passed through.
func (f *FallbackStorage[ID]) List(ctx context.Context, prefix ID) iter.Seq2[ID, error] {
	return func(yield func(ID, error) bool) {
		next, stop := iter.Pull2(f.primary.List(ctx, prefix))
		defer stop()

		id, err, ok := next()
		if !ok || err != nil {
			stop()
			f.failover("list", prefix, err)
			for id, err := range f.secondary.List(ctx, prefix) {
				if !yield(id, err) {
					return
				}
			}
			return
		}

		for ok {
			if !yield(id, err) || err != nil {
				return
			}
			id, err, ok = next()
		}
	}
}

func (f *FallbackStorage[ID]) failover(op string, id any, err error) {
	f.opts.metrics.ObserveFailover(f.opts.name, op)
	if err != nil {
		f.opts.log.Debug("Primary failed, using secondary",
			slog.String("op", op),
			slog.Any("id", id),
			"err", err)
		return
	}
	f.opts.log.Debug("Primary does not hold the identifier, using secondary",
		slog.String("op", op),
		slog.Any("id", id))
}

var _ interfaces.Storage[string] = (*FallbackStorage[string])(nil)
