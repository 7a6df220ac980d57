package multi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/ruteri/stowage/interfaces"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

const (
	opPut    = "put"
	opDelete = "delete"
)

// MirrorStorage replicates mutations to every backend and judges the result
// with its WriteStrategy. Reads are served by the first backend in read order
// that answers.
//
// Writes are issued sequentially in backend order unless parallel writes were
// enabled, so outcomes and rollback order are reproducible.
type MirrorStorage[ID comparable] struct {
	backends       []interfaces.Storage[ID]
	strategy       WriteStrategy
	readOrder      []int
	policy         ReturnPolicy
	backendTimeout time.Duration
	parallel       bool
	opts           options

	mu         sync.Mutex
	closed     bool
	background sync.WaitGroup
	inFlight   atomic.Int64
}

// Len returns the number of backends.
func (m *MirrorStorage[ID]) Len() int {
	return len(m.backends)
}

// Strategy returns the write strategy.
func (m *MirrorStorage[ID]) Strategy() WriteStrategy {
	return m.strategy
}

// BackgroundWrites returns the number of optimistic writes still running.
func (m *MirrorStorage[ID]) BackgroundWrites() int64 {
	return m.inFlight.Load()
}

// WaitBackground blocks until every optimistic background write finished.
// Optimistic writes issued afterwards complete before returning to the
// caller.
func (m *MirrorStorage[ID]) WaitBackground() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.background.Wait()
}

// Exists returns the answer of the first backend in read order that does not
// fail. A backend reporting false is an answer.
func (m *MirrorStorage[ID]) Exists(ctx context.Context, id ID) (exists bool, err error) {
	defer func(start time.Time) { m.opts.metrics.ObserveOp(m.opts.name, "exists", start, err) }(time.Now())

	for pos, i := range m.readOrder {
		if pos > 0 {
			m.opts.metrics.ObserveFailover(m.opts.name, "exists")
		}
		var ok bool
		err = m.call(ctx, func(ctx context.Context) error {
			var callErr error
			ok, callErr = m.backends[i].Exists(ctx, id)
			return callErr
		})
		if err == nil {
			return ok, nil
		}
		m.readFailed("exists", i, id, err)
	}
	return false, err
}

// GetInto reads from the first backend in read order that succeeds. A backend
// failing after it wrote to sink ends the read with its error.
func (m *MirrorStorage[ID]) GetInto(ctx context.Context, id ID, sink io.Writer) (n int64, err error) {
	defer func(start time.Time) { m.opts.metrics.ObserveOp(m.opts.name, "get", start, err) }(time.Now())

	cw := &countingWriter{w: sink}
	for pos, i := range m.readOrder {
		if pos > 0 {
			m.opts.metrics.ObserveFailover(m.opts.name, "get")
		}
		err = m.call(ctx, func(ctx context.Context) error {
			var callErr error
			n, callErr = m.backends[i].GetInto(ctx, id, cw)
			return callErr
		})
		if err == nil {
			return n, nil
		}
		if cw.n > 0 {
			return cw.n, err
		}
		m.readFailed("get", i, id, err)
	}
	return 0, err
}

// List lists the first backend in read order whose listing does not fail
// before its first element. Backend timeouts do not apply to listings.
func (m *MirrorStorage[ID]) List(ctx context.Context, prefix ID) iter.Seq2[ID, error] {
	return func(yield func(ID, error) bool) {
		var lastErr error
		for pos, i := range m.readOrder {
			if pos > 0 {
				m.opts.metrics.ObserveFailover(m.opts.name, "list")
			}
			next, stop := iter.Pull2(m.backends[i].List(ctx, prefix))
			id, err, ok := next()
			if ok && err != nil {
				stop()
				lastErr = err
				m.readFailed("list", i, prefix, err)
				continue
			}
			defer stop()
			for ok {
				if !yield(id, err) || err != nil {
					return
				}
				id, err, ok = next()
			}
			return
		}
		var zero ID
		yield(zero, lastErr)
	}
}

// Put spools src and writes it to the backends.
func (m *MirrorStorage[ID]) Put(ctx context.Context, id ID, src io.Reader, sizeHint int64) (err error) {
	defer func(start time.Time) { m.opts.metrics.ObserveOp(m.opts.name, opPut, start, err) }(time.Now())

	sp, err := newSpool(ctx, src, sizeHint, m.opts.spoolThreshold)
	if err != nil {
		return err
	}

	return m.mutate(ctx, opPut, id, func(ctx context.Context, b interfaces.Storage[ID]) error {
		return b.Put(ctx, id, sp.Reader(), sp.Size())
	}, func() { sp.Close() })
}

// Delete removes id from the backends. Failed deletes are never rolled back.
func (m *MirrorStorage[ID]) Delete(ctx context.Context, id ID) (err error) {
	defer func(start time.Time) { m.opts.metrics.ObserveOp(m.opts.name, opDelete, start, err) }(time.Now())

	return m.mutate(ctx, opDelete, id, func(ctx context.Context, b interfaces.Storage[ID]) error {
		return b.Delete(ctx, id)
	}, func() {})
}

// tally accumulates per-backend results into an outcome.
type tally struct {
	outcome   *interfaces.Outcome
	successes int
}

func (t *tally) record(i int, err error) {
	if err != nil {
		t.outcome.Failed = append(t.outcome.Failed, interfaces.BackendError{Index: i, Err: err})
		return
	}
	t.outcome.Succeeded = append(t.outcome.Succeeded, i)
	t.successes++
}

// mutate runs write on the backends according to the return policy and
// evaluates the strategy. release is called exactly once, after the last
// write (foreground or background) finished.
func (m *MirrorStorage[ID]) mutate(ctx context.Context, op string, id ID, write func(context.Context, interfaces.Storage[ID]) error, release func()) error {
	n := len(m.backends)
	required := m.strategy.Required(n)
	t := &tally{outcome: &interfaces.Outcome{}}
	var cause error
	detachAt := -1

	if m.parallel {
		errs := make([]error, n)
		var g errgroup.Group
		for i, b := range m.backends {
			g.Go(func() error {
				errs[i] = m.call(ctx, func(ctx context.Context) error { return write(ctx, b) })
				return nil
			})
		}
		_ = g.Wait()
		for i, err := range errs {
			t.record(i, err)
		}
	} else {
		for i, b := range m.backends {
			if err := ctx.Err(); err != nil {
				cause = err
				t.outcome.Skipped = indexRange(i, n)
				break
			}
			if m.policy == FastFail && !m.strategy.Reachable(n, t.successes, n-i) {
				t.outcome.Skipped = indexRange(i, n)
				break
			}
			if m.policy == Optimistic && t.successes >= required {
				detachAt = i
				break
			}
			t.record(i, m.call(ctx, func(ctx context.Context) error { return write(ctx, b) }))
		}
	}

	satisfied := m.strategy.Satisfied(n, t.successes)
	if cause == nil && len(t.outcome.Failed) > 0 {
		if err := ctx.Err(); err != nil {
			cause = err
		}
	}

	if satisfied && cause == nil {
		if detachAt >= 0 {
			m.finishInBackground(ctx, op, id, write, release, t, detachAt)
			return nil
		}
		release()
		m.opts.metrics.ObserveOutcome(m.opts.name, op, t.outcome, true)
		if t.outcome.Degraded() {
			m.opts.reportDegraded(ctx, op, id, t.outcome)
		}
		return nil
	}

	if op == opPut && cause == nil && m.strategy.Rollback() && len(t.outcome.Succeeded) > 0 {
		m.rollback(ctx, id, t.outcome)
	}
	release()
	m.opts.metrics.ObserveOutcome(m.opts.name, op, t.outcome, false)

	failure := &interfaces.MirrorFailure{
		Op:       op,
		Strategy: m.strategy.String(),
		Required: required,
		Outcome:  t.outcome,
		Cause:    cause,
	}
	m.opts.log.Error("Mirrored operation failed",
		slog.String("op", op),
		slog.Any("id", id),
		slog.String("strategy", failure.Strategy),
		slog.String("outcome", t.outcome.String()),
		"err", cause)
	return failure
}

// finishInBackground writes to the backends from index from onwards after
// the caller has been answered. Once WaitBackground was called the writes
// run before returning instead.
func (m *MirrorStorage[ID]) finishInBackground(ctx context.Context, op string, id ID, write func(context.Context, interfaces.Storage[ID]) error, release func(), t *tally, from int) {
	bctx := context.WithoutCancel(ctx)
	finish := func() {
		defer release()

		for i := from; i < len(m.backends); i++ {
			b := m.backends[i]
			t.record(i, m.call(bctx, func(ctx context.Context) error { return write(ctx, b) }))
		}

		m.opts.metrics.ObserveOutcome(m.opts.name, op, t.outcome, true)
		if t.outcome.Degraded() {
			m.opts.reportDegraded(bctx, op, id, t.outcome)
		}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		finish()
		return
	}
	m.background.Add(1)
	m.inFlight.Inc()
	m.mu.Unlock()

	go func() {
		defer m.background.Done()
		defer m.inFlight.Dec()
		finish()
	}()
}

// rollback deletes id from every succeeded backend, in index order.
func (m *MirrorStorage[ID]) rollback(ctx context.Context, id ID, outcome *interfaces.Outcome) {
	for _, i := range outcome.Succeeded {
		err := m.call(ctx, func(ctx context.Context) error { return m.backends[i].Delete(ctx, id) })
		if err != nil {
			m.opts.log.Error("Rollback failed, backend may still hold the identifier",
				slog.Int("backend", i),
				slog.Any("id", id),
				"err", err)
			outcome.RollbackFailed = append(outcome.RollbackFailed, interfaces.BackendError{Index: i, Err: err})
			continue
		}
		outcome.RolledBack = append(outcome.RolledBack, i)
	}
}

// call runs fn under the per-backend timeout, if any.
func (m *MirrorStorage[ID]) call(ctx context.Context, fn func(context.Context) error) error {
	if m.backendTimeout <= 0 {
		return fn(ctx)
	}
	cctx, cancel := context.WithTimeout(ctx, m.backendTimeout)
	defer cancel()

	err := fn(cctx)
	if err != nil && ctx.Err() == nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: backend timed out after %s: %v", interfaces.ErrConnection, m.backendTimeout, err)
	}
	return err
}

func (m *MirrorStorage[ID]) readFailed(op string, backend int, id any, err error) {
	m.opts.log.Debug("Mirror read failed, trying next backend",
		slog.String("op", op),
		slog.Int("backend", backend),
		slog.Any("id", id),
		"err", err)
}

func indexRange(from, to int) []int {
	idx := make([]int, 0, to-from)
	for i := from; i < to; i++ {
		idx = append(idx, i)
	}
	return idx
}

var _ interfaces.Storage[string] = (*MirrorStorage[string])(nil)
