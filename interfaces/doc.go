// Package interfaces defines the storage contract shared by every backend and
// composite, separating interface definitions from implementations.
//
// # Storage Contract
//
// Storage[ID] is the capability set every backend satisfies: Exists, Put
// (from a stream, with an optional size hint), GetInto (into a sink), Delete
// (idempotent) and List (a lazy sequence of identifiers under a prefix).
// Leaf adapters live in package storage, composites in package storage/multi.
// Because composites implement the same interface, they nest freely.
//
// # Identifiers
//
// ID is any comparable type. Path based backends use string. The composition
// layer never looks inside an ID.
//
// # Error Types
//
// Errors are classified by sentinel, matched with errors.Is:
//
//   - ErrNotFound: the identifier does not exist
//   - ErrPermissionDenied: the backend refused the operation
//   - ErrConnection: transient transport failure
//   - ErrIo: local or stream level failure
//   - ErrMirrorFailure: a multi-backend write strategy was not met (*MirrorFailure)
//   - ErrReadOnlyViolation: mutation attempted through a read-only view
//
// KindOf maps any error to its Kind; unclassified errors are KindGeneric.
package interfaces
