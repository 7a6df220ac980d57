package multi

import (
	"bytes"
	"cmp"
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"slices"
	"time"

	"github.com/hashicorp/vault/shamir"
	"github.com/ruteri/stowage/interfaces"
	"golang.org/x/crypto/blake2b"
)

// shareFormat prefixes every split payload so that empty objects can be split.
const shareFormat byte = 0x01

// Every stored share ends with a write tag: the write time in unix
// nanoseconds followed by a random write identifier. Shares of one Put carry
// the same tag.
const (
	writeIDSize  = 16
	writeTagSize = 8 + writeIDSize
)

type writeTag [writeTagSize]byte

func newWriteTag(now time.Time) (writeTag, error) {
	var tag writeTag
	binary.BigEndian.PutUint64(tag[:8], uint64(now.UnixNano()))
	if _, err := rand.Read(tag[8:]); err != nil {
		return tag, err
	}
	return tag, nil
}

func (t writeTag) stamp() uint64 {
	return binary.BigEndian.Uint64(t[:8])
}

// ErrInvalidThreshold is returned by NewThresholdStorage for unusable parameters.
var ErrInvalidThreshold = errors.New("invalid threshold configuration")

// ThresholdStorage splits every object into Shamir shares, one per backend.
// Any threshold of backends can reconstruct an object; fewer learn nothing
// about it.
type ThresholdStorage[ID comparable] struct {
	backends  []interfaces.Storage[ID]
	threshold int
	opts      options
}

// NewThresholdStorage creates a threshold composite over backends. threshold
// must be at least 2 and at most len(backends), which may not exceed 255.
func NewThresholdStorage[ID comparable](backends []interfaces.Storage[ID], threshold int, opts ...Option) (*ThresholdStorage[ID], error) {
	n := len(backends)
	switch {
	case threshold < 2:
		return nil, fmt.Errorf("%w: threshold must be at least 2, got %d", ErrInvalidThreshold, threshold)
	case n < threshold:
		return nil, fmt.Errorf("%w: %d backends cannot satisfy threshold %d", ErrInvalidThreshold, n, threshold)
	case n > 255:
		return nil, fmt.Errorf("%w: at most 255 backends are supported, got %d", ErrInvalidThreshold, n)
	}

	return &ThresholdStorage[ID]{
		backends:  append([]interfaces.Storage[ID](nil), backends...),
		threshold: threshold,
		opts:      newOptions("threshold", opts),
	}, nil
}

// Threshold returns the number of shares needed to reconstruct an object.
func (s *ThresholdStorage[ID]) Threshold() int {
	return s.threshold
}

func (s *ThresholdStorage[ID]) strategyName() string {
	return fmt.Sprintf("threshold(%d/%d)", s.threshold, len(s.backends))
}

// Exists reports true once threshold backends hold a share of id.
func (s *ThresholdStorage[ID]) Exists(ctx context.Context, id ID) (exists bool, err error) {
	defer func(start time.Time) { s.opts.metrics.ObserveOp(s.opts.name, "exists", start, err) }(time.Now())

	found, failed := 0, 0
	var lastErr error
	for i, b := range s.backends {
		ok, err := b.Exists(ctx, id)
		if err != nil {
			failed++
			lastErr = err
			s.opts.log.Debug("Share lookup failed",
				slog.Int("backend", i),
				slog.Any("id", id),
				"err", err)
			continue
		}
		if ok {
			found++
			if found >= s.threshold {
				return true, nil
			}
		}
	}
	// Unreachable backends might still hold the missing shares.
	if failed > 0 && found+failed >= s.threshold {
		return false, lastErr
	}
	return false, nil
}

// Put splits src and writes one share per backend, in backend order. At
// least threshold shares must be written; otherwise the written shares are
// deleted again and a *MirrorFailure is returned.
func (s *ThresholdStorage[ID]) Put(ctx context.Context, id ID, src io.Reader, sizeHint int64) (err error) {
	defer func(start time.Time) { s.opts.metrics.ObserveOp(s.opts.name, opPut, start, err) }(time.Now())

	var buf bytes.Buffer
	buf.WriteByte(shareFormat)
	if sizeHint > 0 {
		buf.Grow(int(sizeHint) + blake2b.Size256)
	}
	if _, err := buf.ReadFrom(&ctxReader{ctx: ctx, r: src}); err != nil {
		return fmt.Errorf("%w: reading source: %w", interfaces.ErrIo, err)
	}
	sum := blake2b.Sum256(buf.Bytes()[1:])
	buf.Write(sum[:])

	shares, err := shamir.Split(buf.Bytes(), len(s.backends), s.threshold)
	if err != nil {
		return fmt.Errorf("splitting object: %w", err)
	}
	tag, err := newWriteTag(time.Now())
	if err != nil {
		return fmt.Errorf("generating write tag: %w", err)
	}
	for i := range shares {
		shares[i] = append(shares[i], tag[:]...)
	}

	n := len(s.backends)
	t := &tally{outcome: &interfaces.Outcome{}}
	var cause error
	for i, b := range s.backends {
		if err := ctx.Err(); err != nil {
			cause = err
			t.outcome.Skipped = indexRange(i, n)
			break
		}
		t.record(i, b.Put(ctx, id, bytes.NewReader(shares[i]), int64(len(shares[i]))))
	}
	if cause == nil && t.successes < s.threshold && ctx.Err() != nil {
		cause = ctx.Err()
	}

	if t.successes >= s.threshold && cause == nil {
		s.opts.metrics.ObserveOutcome(s.opts.name, opPut, t.outcome, true)
		if t.outcome.Degraded() {
			s.opts.reportDegraded(ctx, opPut, id, t.outcome)
		}
		return nil
	}

	if cause == nil {
		for _, i := range t.outcome.Succeeded {
			if err := s.backends[i].Delete(ctx, id); err != nil {
				t.outcome.RollbackFailed = append(t.outcome.RollbackFailed, interfaces.BackendError{Index: i, Err: err})
				continue
			}
			t.outcome.RolledBack = append(t.outcome.RolledBack, i)
		}
	}
	s.opts.metrics.ObserveOutcome(s.opts.name, opPut, t.outcome, false)

	return &interfaces.MirrorFailure{
		Op:       opPut,
		Strategy: s.strategyName(),
		Required: s.threshold,
		Outcome:  t.outcome,
		Cause:    cause,
	}
}

// GetInto fetches the share of every backend and groups the shares by the
// write that produced them. The newest write with at least threshold shares
// is reconstructed and written to sink, so shares left behind by a partially
// failed overwrite are ignored.
func (s *ThresholdStorage[ID]) GetInto(ctx context.Context, id ID, sink io.Writer) (n int64, err error) {
	defer func(start time.Time) { s.opts.metrics.ObserveOp(s.opts.name, "get", start, err) }(time.Now())

	groups := make(map[writeTag][][]byte)
	var lastErr error
	for i, b := range s.backends {
		var buf bytes.Buffer
		if _, err := b.GetInto(ctx, id, &buf); err != nil {
			lastErr = err
			s.opts.log.Debug("Share fetch failed",
				slog.Int("backend", i),
				slog.Any("id", id),
				"err", err)
			continue
		}
		share := buf.Bytes()
		if len(share) <= writeTagSize {
			s.opts.log.Warn("Discarding malformed share",
				slog.Int("backend", i),
				slog.Any("id", id),
				slog.Int("size", len(share)))
			continue
		}
		var tag writeTag
		copy(tag[:], share[len(share)-writeTagSize:])
		groups[tag] = append(groups[tag], share[:len(share)-writeTagSize])
	}

	tags := make([]writeTag, 0, len(groups))
	for tag, shares := range groups {
		if len(shares) >= s.threshold {
			tags = append(tags, tag)
		}
	}
	if len(tags) == 0 {
		if lastErr != nil {
			return 0, lastErr
		}
		return 0, fmt.Errorf("%w: reconstructing %v: no %d shares of the same write", interfaces.ErrIo, id, s.threshold)
	}
	slices.SortFunc(tags, func(a, b writeTag) int {
		return cmp.Compare(b.stamp(), a.stamp())
	})

	var payload []byte
	for _, tag := range tags {
		payload, err = combineShares(groups[tag][:s.threshold])
		if err == nil {
			break
		}
		s.opts.log.Warn("Discarding inconsistent shares",
			slog.Any("id", id),
			slog.Uint64("stamp", tag.stamp()),
			"err", err)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: reconstructing %v: %w", interfaces.ErrIo, id, err)
	}

	written, err := sink.Write(payload)
	if err != nil {
		return int64(written), fmt.Errorf("%w: writing %v: %w", interfaces.ErrIo, id, err)
	}
	return int64(written), nil
}

// Delete removes the share from every backend. All backends must succeed.
func (s *ThresholdStorage[ID]) Delete(ctx context.Context, id ID) (err error) {
	defer func(start time.Time) { s.opts.metrics.ObserveOp(s.opts.name, opDelete, start, err) }(time.Now())

	t := &tally{outcome: &interfaces.Outcome{}}
	for i, b := range s.backends {
		t.record(i, b.Delete(ctx, id))
	}
	if !t.outcome.Degraded() {
		return nil
	}
	s.opts.metrics.ObserveOutcome(s.opts.name, opDelete, t.outcome, false)
	return &interfaces.MirrorFailure{
		Op:       opDelete,
		Strategy: s.strategyName(),
		Required: len(s.backends),
		Outcome:  t.outcome,
		Cause:    ctx.Err(),
	}
}

// List lists the first backend whose listing does not fail before its first
// element.
func (s *ThresholdStorage[ID]) List(ctx context.Context, prefix ID) iter.Seq2[ID, error] {
	return func(yield func(ID, error) bool) {
		var lastErr error
		for _, b := range s.backends {
			next, stop := iter.Pull2(b.List(ctx, prefix))
			id, err, ok := next()
			if ok && err != nil {
				stop()
				lastErr = err
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

// combineShares reconstructs and verifies a payload written by Put.
func combineShares(shares [][]byte) ([]byte, error) {
	secret, err := shamir.Combine(shares)
	if err != nil {
		return nil, err
	}
	if len(secret) < 1+blake2b.Size256 || secret[0] != shareFormat {
		return nil, errors.New("shares are inconsistent")
	}
	data := secret[1 : len(secret)-blake2b.Size256]
	sum := blake2b.Sum256(data)
	if !bytes.Equal(sum[:], secret[len(secret)-blake2b.Size256:]) {
		return nil, errors.New("shares are inconsistent")
	}
	return data, nil
}

var _ interfaces.Storage[string] = (*ThresholdStorage[string])(nil)
