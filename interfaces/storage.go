package interfaces

import (
	"context"
	"io"
	"iter"
)

// UnknownSize is passed as the size hint to Put when the length of the source
// stream is not known up front.
const UnknownSize int64 = -1

// Storage is the capability set every storage backend satisfies, whether it
// is a leaf adapter (disk, memory, S3, Vault, IPFS, ...) or a composite that
// wraps other Storage instances.
//
// ID is an opaque, backend-defined identifier. Path based backends use
// string; ID based backends may use any comparable type. Callers and
// composites never interpret an ID, they only copy it, compare it and pass it
// through.
//
// All methods must be safe for concurrent use. Adapters synchronize their own
// internal state (connection pools, maps, sessions).
type Storage[ID comparable] interface {
	// Exists reports whether id is present.
	Exists(ctx context.Context, id ID) (bool, error)

	// Put stores the contents of src under id, replacing any previous value.
	// sizeHint is the length of src if known, UnknownSize otherwise.
	Put(ctx context.Context, id ID, src io.Reader, sizeHint int64) error

	// GetInto streams the value stored under id into sink and returns the
	// number of bytes written. Returns an error wrapping ErrNotFound if id is
	// absent.
	GetInto(ctx context.Context, id ID, sink io.Writer) (int64, error)

	// Delete removes id. Deleting an absent id succeeds.
	Delete(ctx context.Context, id ID) error

	// List returns the identifiers starting with prefix; the zero prefix lists
	// everything. The sequence is lazy, finite and can be ranged over once.
	// A failure is reported as a final element carrying a non-nil error.
	List(ctx context.Context, prefix ID) iter.Seq2[ID, error]
}

// ErrorSeq returns a sequence that yields a single error element.
func ErrorSeq[ID comparable](err error) iter.Seq2[ID, error] {
	return func(yield func(ID, error) bool) {
		var zero ID
		yield(zero, err)
	}
}

// SliceSeq returns a sequence over an already materialized set of ids.
func SliceSeq[ID comparable](ids []ID) iter.Seq2[ID, error] {
	return func(yield func(ID, error) bool) {
		for _, id := range ids {
			if !yield(id, nil) {
				return
			}
		}
	}
}

// Collect drains a listing into a slice, stopping at the first error.
func Collect[ID comparable](seq iter.Seq2[ID, error]) ([]ID, error) {
	var ids []ID
	for id, err := range seq {
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
