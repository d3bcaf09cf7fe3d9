// Package chunkreader implements ChunkedReader: a byte-addressable read
// interface over a Painter and its local sparse data file. Every Read
// blocks until the leaves it touches are fetched and hash-verified.
package chunkreader

import (
	"context"

	"github.com/vectorbench/chunkcache/internal/cerrors"
	"github.com/vectorbench/chunkcache/internal/painter"
)

// ChunkedReader reads verified bytes out of a Painter-backed artifact.
type ChunkedReader struct {
	p *painter.Painter
}

// New wraps an already-open Painter.
func New(p *painter.Painter) *ChunkedReader {
	return &ChunkedReader{p: p}
}

// Read ensures every leaf touching [offset, offset+len(dst)) is
// verified, then copies those bytes from the local data file into dst.
// It returns the number of bytes copied, which is len(dst) unless the
// read runs past the end of the artifact.
func (r *ChunkedReader) Read(ctx context.Context, dst []byte, offset int64) (int, error) {
	const op = "chunkreader.Read"
	if len(dst) == 0 {
		return 0, nil
	}

	sh := r.p.Shape()
	length := int64(len(dst))
	if offset+length > sh.ContentLength {
		length = sh.ContentLength - offset
	}
	if length <= 0 {
		return 0, cerrors.New(op, cerrors.OutOfRange, nil)
	}

	if err := r.p.EnsureRange(ctx, offset, length); err != nil {
		return 0, err
	}

	n, err := r.p.DataFile().ReadAt(dst[:length], offset)
	if err != nil {
		return n, cerrors.New(op, cerrors.Io, err)
	}
	return n, nil
}

// Prebuffer ensures [offset, offset+length) is fetched and verified
// without copying any bytes out, letting a caller hide fetch latency
// ahead of a later Read.
func (r *ChunkedReader) Prebuffer(ctx context.Context, offset, length int64) error {
	return r.p.EnsureRange(ctx, offset, length)
}

// Size returns the artifact's total content length.
func (r *ChunkedReader) Size() int64 {
	return r.p.Shape().ContentLength
}

// Close flushes verification state and releases the underlying Painter.
func (r *ChunkedReader) Close() error {
	return r.p.Close()
}
