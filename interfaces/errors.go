package interfaces

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when the requested identifier does not exist
	// in the storage backend (or, for Put, when a required parent is missing).
	ErrNotFound = errors.New("not found")

	// ErrPermissionDenied is returned when the backend refuses the operation.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrConnection is returned for transient transport failures: network
	// errors, timeouts, unreachable or sealed services.
	ErrConnection = errors.New("storage backend connection error")

	// ErrIo is returned for local or stream level failures while moving bytes.
	ErrIo = errors.New("io error")

	// ErrMirrorFailure is matched by every *MirrorFailure.
	ErrMirrorFailure = errors.New("mirrored operation failed")

	// ErrReadOnlyViolation is returned when a mutating operation reaches a
	// read-only view. It also matches ErrPermissionDenied.
	ErrReadOnlyViolation error = &readOnlyError{}

	// ErrInvalidLocationURI is returned when a storage location URI is malformed or unsupported.
	// URIs must follow the format: [scheme]://[auth@]host[:port][/path][?params]
	ErrInvalidLocationURI = errors.New("invalid storage location URI")
)

type readOnlyError struct{}

func (*readOnlyError) Error() string { return "write operation on read-only storage" }

func (*readOnlyError) Is(target error) bool { return target == ErrPermissionDenied }

// Kind is the coarse classification of a storage error.
type Kind int

const (
	KindGeneric Kind = iota
	KindNotFound
	KindPermissionDenied
	KindConnection
	KindIo
	KindMirrorFailure
	KindReadOnlyViolation
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindPermissionDenied:
		return "permission_denied"
	case KindConnection:
		return "connection"
	case KindIo:
		return "io"
	case KindMirrorFailure:
		return "mirror_failure"
	case KindReadOnlyViolation:
		return "read_only_violation"
	default:
		return "generic"
	}
}

// KindOf classifies err. Composite-specific kinds take precedence over the
// leaf kinds they may also match. A nil error has no kind and returns
// KindGeneric.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindGeneric
	case errors.Is(err, ErrReadOnlyViolation):
		return KindReadOnlyViolation
	case errors.Is(err, ErrMirrorFailure):
		return KindMirrorFailure
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrPermissionDenied):
		return KindPermissionDenied
	case errors.Is(err, ErrConnection):
		return KindConnection
	case errors.Is(err, ErrIo):
		return KindIo
	default:
		return KindGeneric
	}
}

// IsNotFound is shorthand for errors.Is(err, ErrNotFound).
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// BackendError pairs a backend position inside a composite with the error it
// reported.
type BackendError struct {
	Index int
	Err   error
}

func (e BackendError) Error() string {
	return fmt.Sprintf("backend %d: %v", e.Index, e.Err)
}

// Outcome partitions the backends of a multi-backend operation by what
// happened to them. Index lists are in ascending order.
type Outcome struct {
	// Succeeded holds the backends that accepted the operation.
	Succeeded []int
	// Failed holds the backends that rejected it, with their cause.
	Failed []BackendError
	// Skipped holds backends that were never attempted (fast fail or
	// cancellation).
	Skipped []int
	// RolledBack holds succeeded backends whose write was undone.
	RolledBack []int
	// RollbackFailed holds succeeded backends whose undo failed; they may
	// still hold the identifier.
	RollbackFailed []BackendError
}

// Degraded reports whether at least one backend failed.
func (o *Outcome) Degraded() bool {
	return o != nil && len(o.Failed) > 0
}

// FailedIndices returns the indices of Failed, in order.
func (o *Outcome) FailedIndices() []int {
	if o == nil {
		return nil
	}
	idx := make([]int, 0, len(o.Failed))
	for _, f := range o.Failed {
		idx = append(idx, f.Index)
	}
	return idx
}

func (o *Outcome) String() string {
	if o == nil {
		return "<nil>"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "succeeded=%v", o.Succeeded)
	if len(o.Failed) > 0 {
		parts := make([]string, 0, len(o.Failed))
		for _, f := range o.Failed {
			parts = append(parts, f.Error())
		}
		fmt.Fprintf(&b, " failed=[%s]", strings.Join(parts, "; "))
	}
	if len(o.Skipped) > 0 {
		fmt.Fprintf(&b, " skipped=%v", o.Skipped)
	}
	if len(o.RolledBack) > 0 {
		fmt.Fprintf(&b, " rolled_back=%v", o.RolledBack)
	}
	if len(o.RollbackFailed) > 0 {
		parts := make([]string, 0, len(o.RollbackFailed))
		for _, f := range o.RollbackFailed {
			parts = append(parts, f.Error())
		}
		fmt.Fprintf(&b, " rollback_failed=[%s]", strings.Join(parts, "; "))
	}
	return b.String()
}

// MirrorFailure is returned by multi-backend composites when the configured
// write strategy was not satisfied. It never hides which backends are in
// which state.
type MirrorFailure struct {
	// Op is the operation that failed ("put" or "delete").
	Op string
	// Strategy names the write strategy that was evaluated.
	Strategy string
	// Required is the number of successes the strategy needed.
	Required int
	// Outcome records the per-backend results.
	Outcome *Outcome
	// Cause is set when the operation stopped early, e.g. because the
	// context was cancelled.
	Cause error
}

func (e *MirrorFailure) Error() string {
	succeeded := 0
	if e.Outcome != nil {
		succeeded = len(e.Outcome.Succeeded)
	}
	msg := fmt.Sprintf("%s: %s %s needed %d successes, got %d (%s)",
		ErrMirrorFailure, e.Strategy, e.Op, e.Required, succeeded, e.Outcome)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *MirrorFailure) Is(target error) bool {
	return target == ErrMirrorFailure
}

func (e *MirrorFailure) Unwrap() error {
	return e.Cause
}

// AsMirrorFailure extracts a *MirrorFailure from err's chain.
func AsMirrorFailure(err error) (*MirrorFailure, bool) {
	var mf *MirrorFailure
	if errors.As(err, &mf) {
		return mf, true
	}
	return nil, false
}
