package storage

import (
	"bytes"
	"context"
	"io"
	"strings"

	"github.com/ruteri/stowage/interfaces"
)

// PutBytes stores data under id.
func PutBytes[ID comparable](ctx context.Context, s interfaces.Storage[ID], id ID, data []byte) error {
	return s.Put(ctx, id, bytes.NewReader(data), int64(len(data)))
}

// GetBytes reads the whole object stored under id.
func GetBytes[ID comparable](ctx context.Context, s interfaces.Storage[ID], id ID) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := s.GetInto(ctx, id, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// PutString stores value under id.
func PutString[ID comparable](ctx context.Context, s interfaces.Storage[ID], id ID, value string) error {
	return s.Put(ctx, id, strings.NewReader(value), int64(len(value)))
}

// GetString reads the object stored under id as a string.
func GetString[ID comparable](ctx context.Context, s interfaces.Storage[ID], id ID) (string, error) {
	var sb strings.Builder
	if _, err := s.GetInto(ctx, id, &sb); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// Copy transfers the object stored under id from src to dst.
func Copy[ID comparable](ctx context.Context, src, dst interfaces.Storage[ID], id ID) error {
	return CopyAs(ctx, src, id, dst, id)
}

// CopyAs streams the object srcID of src into dst under dstID without
// buffering it whole. The size is unknown to dst.
func CopyAs[S, D comparable](ctx context.Context, src interfaces.Storage[S], srcID S, dst interfaces.Storage[D], dstID D) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pr, pw := io.Pipe()
	readDone := make(chan error, 1)
	go func() {
		_, err := src.GetInto(ctx, srcID, pw)
		// Report before closing so a dst failure caused by the source is
		// attributed to the source.
		readDone <- err
		pw.CloseWithError(err)
	}()

	putErr := dst.Put(ctx, dstID, pr, interfaces.UnknownSize)
	select {
	case err := <-readDone:
		if err != nil {
			return err
		}
		return putErr
	default:
	}

	// dst returned before the source finished.
	pr.CloseWithError(io.ErrClosedPipe)
	cancel()
	<-readDone
	return putErr
}
