package multi

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/stowage/interfaces"
	"github.com/ruteri/stowage/metrics"
)

// ErrInvalidMirror is returned by MirrorBuilder.Build for unusable configurations.
var ErrInvalidMirror = errors.New("invalid mirror configuration")

// MirrorBuilder assembles a MirrorStorage.
type MirrorBuilder[ID comparable] struct {
	backends       []interfaces.Storage[ID]
	strategy       WriteStrategy
	readOrder      []int
	policy         ReturnPolicy
	backendTimeout time.Duration
	parallel       bool
	opts           []Option
}

// NewMirrorBuilder starts a mirror with the AllOrFail(false) strategy and the
// WaitAll return policy.
func NewMirrorBuilder[ID comparable]() *MirrorBuilder[ID] {
	return &MirrorBuilder[ID]{
		strategy: AllOrFail(false),
		policy:   WaitAll,
	}
}

// AddBackend appends a backend. Backends are written in the order added.
func (b *MirrorBuilder[ID]) AddBackend(s interfaces.Storage[ID]) *MirrorBuilder[ID] {
	b.backends = append(b.backends, s)
	return b
}

// WithBackends appends several backends.
func (b *MirrorBuilder[ID]) WithBackends(backends ...interfaces.Storage[ID]) *MirrorBuilder[ID] {
	b.backends = append(b.backends, backends...)
	return b
}

// WithWriteStrategy sets how per-backend write results are judged.
func (b *MirrorBuilder[ID]) WithWriteStrategy(s WriteStrategy) *MirrorBuilder[ID] {
	b.strategy = s
	return b
}

// WithReadOrder sets the backend indices reads are attempted on, in order.
// It may be a subset of the backends.
func (b *MirrorBuilder[ID]) WithReadOrder(order ...int) *MirrorBuilder[ID] {
	b.readOrder = append([]int(nil), order...)
	return b
}

// WithReturnPolicy sets when writes return to the caller.
func (b *MirrorBuilder[ID]) WithReturnPolicy(p ReturnPolicy) *MirrorBuilder[ID] {
	b.policy = p
	return b
}

// WithBackendTimeout bounds every individual backend call. Zero disables it.
func (b *MirrorBuilder[ID]) WithBackendTimeout(d time.Duration) *MirrorBuilder[ID] {
	b.backendTimeout = d
	return b
}

// WithParallelWrites issues writes to all backends concurrently. It requires
// the WaitAll return policy.
func (b *MirrorBuilder[ID]) WithParallelWrites(enabled bool) *MirrorBuilder[ID] {
	b.parallel = enabled
	return b
}

// WithSpoolThreshold sets the in-memory limit of the replay buffer.
func (b *MirrorBuilder[ID]) WithSpoolThreshold(n int64) *MirrorBuilder[ID] {
	b.opts = append(b.opts, WithSpoolThreshold(n))
	return b
}

// WithDegradedHandler sets the handler notified about partial successes.
func (b *MirrorBuilder[ID]) WithDegradedHandler(h DegradedHandler) *MirrorBuilder[ID] {
	b.opts = append(b.opts, WithDegradedHandler(h))
	return b
}

// WithLogger sets the logger.
func (b *MirrorBuilder[ID]) WithLogger(log *slog.Logger) *MirrorBuilder[ID] {
	b.opts = append(b.opts, WithLogger(log))
	return b
}

// WithMetrics sets the metrics sink.
func (b *MirrorBuilder[ID]) WithMetrics(m *metrics.StorageMetrics) *MirrorBuilder[ID] {
	b.opts = append(b.opts, WithMetrics(m))
	return b
}

// WithName sets the name used in log lines and metric labels.
func (b *MirrorBuilder[ID]) WithName(name string) *MirrorBuilder[ID] {
	b.opts = append(b.opts, WithName(name))
	return b
}

// Build validates the configuration and returns the mirror.
func (b *MirrorBuilder[ID]) Build() (*MirrorStorage[ID], error) {
	n := len(b.backends)
	if n < 2 {
		return nil, fmt.Errorf("%w: a mirror needs at least 2 backends, got %d", ErrInvalidMirror, n)
	}
	for i, s := range b.backends {
		if s == nil {
			return nil, fmt.Errorf("%w: backend %d is nil", ErrInvalidMirror, i)
		}
	}

	readOrder := b.readOrder
	if len(readOrder) == 0 {
		readOrder = make([]int, n)
		for i := range readOrder {
			readOrder[i] = i
		}
	}
	seen := make(map[int]bool, len(readOrder))
	for _, idx := range readOrder {
		if idx < 0 || idx >= n {
			return nil, fmt.Errorf("%w: read order index %d out of range [0, %d)", ErrInvalidMirror, idx, n)
		}
		if seen[idx] {
			return nil, fmt.Errorf("%w: read order index %d repeated", ErrInvalidMirror, idx)
		}
		seen[idx] = true
	}

	if b.parallel && b.policy != WaitAll {
		return nil, fmt.Errorf("%w: parallel writes require the %s return policy, got %s", ErrInvalidMirror, WaitAll, b.policy)
	}

	return &MirrorStorage[ID]{
		backends:       append([]interfaces.Storage[ID](nil), b.backends...),
		strategy:       b.strategy,
		readOrder:      readOrder,
		policy:         b.policy,
		backendTimeout: b.backendTimeout,
		parallel:       b.parallel,
		opts:           newOptions("mirror", b.opts),
	}, nil
}
