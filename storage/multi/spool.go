package multi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/ruteri/stowage/interfaces"
)

// DefaultSpoolThreshold is the largest source kept in memory before spooling
// spills to a temporary file.
const DefaultSpoolThreshold int64 = 32 << 20

// spool captures a one-shot source so that it can be replayed to several
// backends, possibly concurrently.
type spool struct {
	readerAt io.ReaderAt
	size     int64
	file     *os.File

	closeOnce sync.Once
}

// newSpool drains src. Up to threshold bytes are held in memory; anything
// larger is written to a temporary file.
func newSpool(ctx context.Context, src io.Reader, sizeHint, threshold int64) (*spool, error) {
	if threshold <= 0 {
		threshold = DefaultSpoolThreshold
	}

	var buf bytes.Buffer
	if sizeHint > 0 && sizeHint <= threshold {
		buf.Grow(int(sizeHint))
	}
	n, err := buf.ReadFrom(io.LimitReader(src, threshold+1))
	if err != nil {
		return nil, fmt.Errorf("%w: reading source: %w", interfaces.ErrIo, err)
	}
	if n <= threshold {
		return &spool{readerAt: bytes.NewReader(buf.Bytes()), size: n}, nil
	}

	f, err := os.CreateTemp("", "stowage-spool-*")
	if err != nil {
		return nil, fmt.Errorf("%w: creating spool file: %w", interfaces.ErrIo, err)
	}
	// The name is not needed once the descriptor is open.
	os.Remove(f.Name())

	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: writing spool file: %w", interfaces.ErrIo, err)
	}
	rest, err := io.Copy(f, &ctxReader{ctx: ctx, r: src})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: spooling source: %w", interfaces.ErrIo, err)
	}

	return &spool{readerAt: f, size: n + rest, file: f}, nil
}

// Reader returns an independent reader over the spooled bytes.
func (s *spool) Reader() io.Reader {
	return io.NewSectionReader(s.readerAt, 0, s.size)
}

// Size returns the number of spooled bytes.
func (s *spool) Size() int64 {
	return s.size
}

// Bytes returns the spooled content.
func (s *spool) Bytes() ([]byte, error) {
	return io.ReadAll(s.Reader())
}

// Close releases the spool file, if any.
func (s *spool) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.file != nil {
			err = s.file.Close()
		}
	})
	return err
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// countingWriter tracks how many bytes reached the sink, so that a read is
// only retried elsewhere while the sink is still untouched.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
