package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/ruteri/stowage/interfaces"
)

// listBatchSize is the number of keys read per transaction while listing.
const listBatchSize = 1000

// BadgerBackend stores objects in an embedded BadgerDB key-value store.
type BadgerBackend struct {
	db          *badger.DB
	log         *slog.Logger
	locationURI string
}

// badgerLoggerAdapter adapts slog.Logger to badger.Logger interface.
type badgerLoggerAdapter struct {
	logger *slog.Logger
}

var _ badger.Logger = (*badgerLoggerAdapter)(nil)

func (bl *badgerLoggerAdapter) Errorf(msg string, items ...any) {
	bl.logger.Error(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Warningf(msg string, items ...any) {
	bl.logger.Warn(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Infof(msg string, items ...any) {
	bl.logger.Info(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Debugf(msg string, items ...any) {
	bl.logger.Debug(fmt.Sprintf(msg, items...))
}

// NewBadgerBackend opens a BadgerDB database in dir, creating the directory
// if it doesn't exist. An empty dir opens an in-memory database.
func NewBadgerBackend(dir string, log *slog.Logger) (*BadgerBackend, error) {
	if log == nil {
		log = slog.Default()
	}

	var opts badger.Options
	uri := "badger://memory"
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create badger directory: %w", err)
		}
		opts = badger.DefaultOptions(dir)
		uri = "badger://" + dir
	}

	opts.Logger = &badgerLoggerAdapter{logger: log.With(slog.String("component", "badger"))}
	opts.Compression = options.None

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	return &BadgerBackend{
		db:          db,
		log:         log,
		locationURI: uri,
	}, nil
}

// Close closes the underlying database.
func (b *BadgerBackend) Close() error {
	return b.db.Close()
}

// Exists reports whether a key is stored for id.
func (b *BadgerBackend) Exists(ctx context.Context, id string) (bool, error) {
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(id))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, classifyBadgerError(id, err)
	}
	return true, nil
}

// Put reads src to the end and sets it as the value of id.
func (b *BadgerBackend) Put(ctx context.Context, id string, src io.Reader, sizeHint int64) error {
	if id == "" {
		return fmt.Errorf("%w: empty id", interfaces.ErrPermissionDenied)
	}

	var buf bytes.Buffer
	if sizeHint > 0 {
		buf.Grow(int(sizeHint))
	}
	if _, err := buf.ReadFrom(contextReader(ctx, src)); err != nil {
		return fmt.Errorf("%w: reading source for %s: %w", interfaces.ErrIo, id, err)
	}

	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(id), buf.Bytes())
	})
	if err != nil {
		return classifyBadgerError(id, err)
	}

	b.log.Debug("Stored object in badger",
		slog.String("id", id),
		slog.Int("size", buf.Len()))
	return nil
}

// GetInto writes the value of id to sink.
func (b *BadgerBackend) GetInto(ctx context.Context, id string, sink io.Writer) (int64, error) {
	var n int64
	var sinkErr error
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			written, err := sink.Write(val)
			n = int64(written)
			sinkErr = err
			return nil
		})
	})
	if err != nil {
		return n, classifyBadgerError(id, err)
	}
	if sinkErr != nil {
		return n, fmt.Errorf("%w: writing %s: %w", interfaces.ErrIo, id, sinkErr)
	}
	return n, nil
}

// Delete removes id. Absent ids are not an error.
func (b *BadgerBackend) Delete(ctx context.Context, id string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(id))
	})
	if err != nil {
		return classifyBadgerError(id, err)
	}
	return nil
}

// List iterates keys in lexical order. Each batch of keys is read in its own
// read transaction so that a slow consumer does not pin old versions.
func (b *BadgerBackend) List(ctx context.Context, prefix string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		p := []byte(prefix)
		seek := p
		skipSeek := false
		for {
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}

			batch := make([]string, 0, listBatchSize)
			err := b.db.View(func(txn *badger.Txn) error {
				opts := badger.DefaultIteratorOptions
				opts.PrefetchValues = false
				opts.Prefix = p
				it := txn.NewIterator(opts)
				defer it.Close()

				for it.Seek(seek); it.ValidForPrefix(p) && len(batch) < listBatchSize; it.Next() {
					key := it.Item().KeyCopy(nil)
					if skipSeek && bytes.Equal(key, seek) {
						continue
					}
					batch = append(batch, string(key))
				}
				return nil
			})
			if err != nil {
				yield("", classifyBadgerError(prefix, err))
				return
			}

			for _, id := range batch {
				if !yield(id, nil) {
					return
				}
			}
			if len(batch) < listBatchSize {
				return
			}
			seek = []byte(batch[len(batch)-1])
			skipSeek = true
		}
	}
}

// LocationURI returns the URI that identifies this storage backend.
func (b *BadgerBackend) LocationURI() string {
	return b.locationURI
}

func classifyBadgerError(id string, err error) error {
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		return fmt.Errorf("%w: %s", interfaces.ErrNotFound, id)
	case errors.Is(err, badger.ErrEmptyKey):
		return fmt.Errorf("%w: empty id", interfaces.ErrPermissionDenied)
	case errors.Is(err, badger.ErrDBClosed):
		return fmt.Errorf("%w: %s: %v", interfaces.ErrConnection, id, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %s: %w", interfaces.ErrIo, id, err)
	}
}

var _ interfaces.Storage[string] = (*BadgerBackend)(nil)
