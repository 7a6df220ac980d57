/*
Package multi composes storage backends into higher order storage policies.

Every composite in this package implements interfaces.Storage[ID] itself, so
composites nest freely:

	mirror, err := multi.NewMirrorBuilder[string]().
	    AddBackend(multi.NewFallbackStorage(diskA, s3A)).
	    AddBackend(multi.NewFallbackStorage(diskB, s3B)).
	    WithWriteStrategy(multi.AllOrFail(true)).
	    Build()
	view := multi.NewReadOnlyStorage(mirror)

# Composites

  - FallbackStorage reads from a primary backend and falls back to a
    secondary one when the primary fails or lacks the identifier. Writes go
    to the primary only unless write-through is enabled.
  - MirrorStorage replicates writes to two or more backends and judges the
    per-backend results with a WriteStrategy: AllOrFail (optionally rolling
    back partial writes), AtLeastOne or Quorum. Reads try the backends in a
    configurable order. Failed writes are reported as *interfaces.MirrorFailure
    carrying the full per-backend Outcome.
  - ReadOnlyStorage passes reads through and refuses every mutation with
    interfaces.ErrReadOnlyViolation.
  - ThresholdStorage splits each object into Shamir shares, one per backend,
    so that any threshold of backends can reconstruct it and fewer learn
    nothing.

Composites never interpret identifiers and never retry on their own. Leaf
errors are passed through unchanged except where several backends failed, in
which case the failure is aggregated into a MirrorFailure.
*/
package multi
