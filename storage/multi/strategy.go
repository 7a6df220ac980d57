package multi

import (
	"fmt"
	"strings"
)

type strategyKind int

const (
	kindAllOrFail strategyKind = iota
	kindAtLeastOne
	kindQuorum
)

// WriteStrategy decides whether a mirrored mutation succeeded from the
// per-backend results.
type WriteStrategy struct {
	kind     strategyKind
	rollback bool
}

// AllOrFail requires every backend to accept the write. With rollback, the
// backends that accepted a failed write have the identifier deleted again.
func AllOrFail(rollback bool) WriteStrategy {
	return WriteStrategy{kind: kindAllOrFail, rollback: rollback}
}

// AtLeastOne succeeds when any backend accepted the write.
func AtLeastOne() WriteStrategy {
	return WriteStrategy{kind: kindAtLeastOne}
}

// Quorum succeeds when a strict majority of backends accepted the write.
// Minority writes are left in place.
func Quorum() WriteStrategy {
	return WriteStrategy{kind: kindQuorum}
}

// Required returns the number of successes needed out of n backends.
func (s WriteStrategy) Required(n int) int {
	switch s.kind {
	case kindAtLeastOne:
		return 1
	case kindQuorum:
		return n/2 + 1
	default:
		return n
	}
}

// Satisfied reports whether successes out of n meet the strategy.
func (s WriteStrategy) Satisfied(n, successes int) bool {
	return successes >= s.Required(n)
}

// Reachable reports whether the strategy can still be met with pending
// backends left to try.
func (s WriteStrategy) Reachable(n, successes, pending int) bool {
	return successes+pending >= s.Required(n)
}

// Rollback reports whether failed writes are undone.
func (s WriteStrategy) Rollback() bool {
	return s.kind == kindAllOrFail && s.rollback
}

func (s WriteStrategy) String() string {
	switch s.kind {
	case kindAtLeastOne:
		return "at_least_one"
	case kindQuorum:
		return "quorum"
	default:
		if s.rollback {
			return "all_or_fail(rollback)"
		}
		return "all_or_fail"
	}
}

// ParseWriteStrategy parses "all_or_fail", "at_least_one" or "quorum".
func ParseWriteStrategy(name string, rollback bool) (WriteStrategy, error) {
	switch strings.ToLower(strings.ReplaceAll(name, "-", "_")) {
	case "", "all_or_fail", "all":
		return AllOrFail(rollback), nil
	case "at_least_one", "any":
		return AtLeastOne(), nil
	case "quorum", "majority":
		return Quorum(), nil
	default:
		return WriteStrategy{}, fmt.Errorf("unknown write strategy %q", name)
	}
}

// ReturnPolicy controls when a mirrored write returns to the caller.
type ReturnPolicy int

const (
	// WaitAll attempts every backend before returning.
	WaitAll ReturnPolicy = iota
	// FastFail stops as soon as the strategy can no longer be met. The
	// remaining backends are reported as skipped.
	FastFail
	// Optimistic returns as soon as the strategy is met and finishes the
	// remaining backends in the background.
	Optimistic
)

func (p ReturnPolicy) String() string {
	switch p {
	case FastFail:
		return "fast_fail"
	case Optimistic:
		return "optimistic"
	default:
		return "wait_all"
	}
}

// ParseReturnPolicy parses "wait_all", "fast_fail" or "optimistic".
func ParseReturnPolicy(name string) (ReturnPolicy, error) {
	switch strings.ToLower(strings.ReplaceAll(name, "-", "_")) {
	case "", "wait_all":
		return WaitAll, nil
	case "fast_fail":
		return FastFail, nil
	case "optimistic":
		return Optimistic, nil
	default:
		return 0, fmt.Errorf("unknown return policy %q", name)
	}
}
