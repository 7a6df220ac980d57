package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/ruteri/stowage/interfaces"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/errgroup"
)

// ConflictStrategy decides what happens when the destination already holds
// an identifier being migrated.
type ConflictStrategy int

const (
	// ConflictOverwrite replaces the destination value.
	ConflictOverwrite ConflictStrategy = iota
	// ConflictSkip leaves the destination value and counts the item as skipped.
	ConflictSkip
	// ConflictFail records an error for the item.
	ConflictFail
)

func (c ConflictStrategy) String() string {
	switch c {
	case ConflictSkip:
		return "skip"
	case ConflictFail:
		return "fail"
	default:
		return "overwrite"
	}
}

// ParseConflictStrategy parses "overwrite", "skip" or "fail".
func ParseConflictStrategy(s string) (ConflictStrategy, error) {
	switch s {
	case "", "overwrite":
		return ConflictOverwrite, nil
	case "skip":
		return ConflictSkip, nil
	case "fail":
		return ConflictFail, nil
	default:
		return 0, fmt.Errorf("unknown conflict strategy %q", s)
	}
}

// ErrDestinationExists is recorded for items refused by ConflictFail.
var ErrDestinationExists = errors.New("destination already exists")

// ErrVerificationFailed is recorded when the copied bytes do not match.
var ErrVerificationFailed = errors.New("migrated object digest mismatch")

// MigrateOptions configures Migrate.
type MigrateOptions[ID comparable] struct {
	// Prefix restricts the migration to identifiers starting with it.
	Prefix ID
	// Conflict handles identifiers already present in the destination.
	Conflict ConflictStrategy
	// Concurrency bounds the number of items in flight. Defaults to 4.
	Concurrency int
	// DeleteSource removes each item from the source once it is transferred.
	DeleteSource bool
	// Verify compares BLAKE2b-256 digests of source and destination.
	Verify bool
	// Log receives per-item diagnostics. slog.Default() when nil.
	Log *slog.Logger
}

// MigrationResult summarizes a migration.
type MigrationResult[ID comparable] struct {
	Transferred int
	Skipped     int
	Deleted     int
	Errors      []ItemError[ID]
}

// ItemError is the failure of a single migrated identifier.
type ItemError[ID comparable] struct {
	ID  ID
	Err error
}

func (e ItemError[ID]) Error() string {
	return fmt.Sprintf("%v: %v", e.ID, e.Err)
}

func (e ItemError[ID]) Unwrap() error {
	return e.Err
}

// Err aggregates the per-item errors, or returns nil if there were none.
func (r *MigrationResult[ID]) Err() error {
	var result *multierror.Error
	for _, e := range r.Errors {
		result = multierror.Append(result, e)
	}
	return result.ErrorOrNil()
}

// Migrate copies every identifier listed by src under opts.Prefix into dst.
// Per-item failures are collected in the result; only a listing failure or
// cancellation is returned as an error.
func Migrate[ID comparable](ctx context.Context, src, dst interfaces.Storage[ID], opts MigrateOptions[ID]) (*MigrationResult[ID], error) {
	log := opts.Log
	if log == nil {
		log = slog.Default()
		opts.Log = log
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	var (
		mu     sync.Mutex
		result = &MigrationResult[ID]{}
	)
	record := func(fn func(r *MigrationResult[ID])) {
		mu.Lock()
		fn(result)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	var listErr error
	for id, err := range src.List(ctx, opts.Prefix) {
		if err != nil {
			listErr = err
			break
		}
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			outcome, err := migrateOne(gctx, src, dst, id, opts)
			if err != nil {
				log.Warn("Failed to migrate object",
					slog.Any("id", id),
					"err", err)
				record(func(r *MigrationResult[ID]) {
					r.Errors = append(r.Errors, ItemError[ID]{ID: id, Err: err})
				})
				return nil
			}
			record(func(r *MigrationResult[ID]) {
				switch outcome {
				case itemSkipped:
					r.Skipped++
				case itemMoved:
					r.Transferred++
					r.Deleted++
				default:
					r.Transferred++
				}
			})
			return nil
		})
	}

	_ = g.Wait()
	if listErr != nil {
		return result, fmt.Errorf("listing migration source: %w", listErr)
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}

	log.Info("Migration finished",
		slog.Int("transferred", result.Transferred),
		slog.Int("skipped", result.Skipped),
		slog.Int("deleted", result.Deleted),
		slog.Int("errors", len(result.Errors)))
	return result, nil
}

type itemOutcome int

const (
	itemCopied itemOutcome = iota
	itemSkipped
	itemMoved
)

func migrateOne[ID comparable](ctx context.Context, src, dst interfaces.Storage[ID], id ID, opts MigrateOptions[ID]) (itemOutcome, error) {
	if opts.Conflict != ConflictOverwrite {
		exists, err := dst.Exists(ctx, id)
		if err != nil {
			return 0, fmt.Errorf("checking destination: %w", err)
		}
		if exists {
			if opts.Conflict == ConflictSkip {
				return itemSkipped, nil
			}
			return 0, ErrDestinationExists
		}
	}

	if err := Copy(ctx, src, dst, id); err != nil {
		return 0, err
	}

	if opts.Verify {
		if err := verifyCopy(ctx, src, dst, id); err != nil {
			return 0, err
		}
	}

	if opts.DeleteSource {
		if err := src.Delete(ctx, id); err != nil {
			opts.Log.Warn("Failed to delete migrated source object",
				slog.Any("id", id),
				"err", err)
			return itemCopied, nil
		}
		return itemMoved, nil
	}
	return itemCopied, nil
}

func verifyCopy[ID comparable](ctx context.Context, src, dst interfaces.Storage[ID], id ID) error {
	srcSum, err := digestOf(ctx, src, id)
	if err != nil {
		return fmt.Errorf("verifying source: %w", err)
	}
	dstSum, err := digestOf(ctx, dst, id)
	if err != nil {
		return fmt.Errorf("verifying destination: %w", err)
	}
	if !bytes.Equal(srcSum, dstSum) {
		return ErrVerificationFailed
	}
	return nil
}

func digestOf[ID comparable](ctx context.Context, s interfaces.Storage[ID], id ID) ([]byte, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return nil, err
	}
	if _, err := s.GetInto(ctx, id, h); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}
