// Package shape derives Merkle tree geometry from a content length and
// chunk size. It performs no I/O and allocates nothing beyond the
// returned Shape value.
package shape

import (
	"math/bits"

	"github.com/vectorbench/chunkcache/internal/cerrors"
)

// Shape describes the tree geometry for an artifact of a given content
// length and chunk size. Two shapes are compatible iff ContentLength and
// ChunkSize are equal.
type Shape struct {
	ChunkSize     int64
	ContentLength int64
	LeafCount     int64
	CapLeaf       int64
	NodeCount     int64

	// OffsetToFirstLeaf is capLeaf-1: hashes[OffsetToFirstLeaf+i] is leaf i.
	OffsetToFirstLeaf int64
}

// New derives a Shape for the given content length and chunk size.
// chunkSize must be a positive power of two, or New fails with
// InvalidChunkSize. A zero or negative contentLength fails with Empty:
// per spec policy an empty artifact is rejected rather than represented
// by a synthesized canonical empty shape.
func New(contentLength, chunkSize int64) (Shape, error) {
	if chunkSize <= 0 || !isPowerOfTwo(chunkSize) {
		return Shape{}, cerrors.New("shape.New", cerrors.InvalidChunkSize, nil)
	}
	if contentLength <= 0 {
		return Shape{}, cerrors.New("shape.New", cerrors.Empty, nil)
	}

	leafCount := ceilDiv(contentLength, chunkSize)
	capLeaf := nextPowerOfTwo(leafCount)
	nodeCount := 2*capLeaf - 1

	return Shape{
		ChunkSize:         chunkSize,
		ContentLength:     contentLength,
		LeafCount:         leafCount,
		CapLeaf:           capLeaf,
		NodeCount:         nodeCount,
		OffsetToFirstLeaf: capLeaf - 1,
	}, nil
}

// LeafForOffset returns the leaf index covering the given byte offset.
func (s Shape) LeafForOffset(offset int64) (int64, error) {
	if offset < 0 || offset >= s.ContentLength {
		return 0, cerrors.New("shape.LeafForOffset", cerrors.OutOfRange, nil)
	}
	return offset / s.ChunkSize, nil
}

// RangeForLeaf returns the half-open byte range [start, end) for leaf i.
// The last leaf's range may be shorter than ChunkSize.
func (s Shape) RangeForLeaf(i int64) (start, end int64, err error) {
	if i < 0 || i >= s.LeafCount {
		return 0, 0, cerrors.New("shape.RangeForLeaf", cerrors.OutOfRange, nil)
	}
	start = i * s.ChunkSize
	end = start + s.ChunkSize
	if end > s.ContentLength {
		end = s.ContentLength
	}
	return start, end, nil
}

// LeavesForRange returns the inclusive, ascending list of leaf indices
// touching the byte range [offset, offset+length), clipped to the
// artifact's bounds.
func (s Shape) LeavesForRange(offset, length int64) ([]int64, error) {
	if offset < 0 || length < 0 || offset >= s.ContentLength {
		return nil, cerrors.New("shape.LeavesForRange", cerrors.OutOfRange, nil)
	}
	end := offset + length
	if end > s.ContentLength {
		end = s.ContentLength
	}
	if end <= offset {
		return nil, nil
	}

	firstLeaf := offset / s.ChunkSize
	lastLeaf := (end - 1) / s.ChunkSize

	leaves := make([]int64, 0, lastLeaf-firstLeaf+1)
	for i := firstLeaf; i <= lastLeaf; i++ {
		leaves = append(leaves, i)
	}
	return leaves, nil
}

// Parent returns the heap-index parent of node i. Parent(0) is undefined
// (the root has no parent) and returns 0.
func Parent(i int64) int64 {
	if i == 0 {
		return 0
	}
	return (i - 1) / 2
}

// Children returns the heap-index children of internal node i.
func Children(i int64) (left, right int64) {
	return 2*i + 1, 2*i + 2
}

// Sibling returns the heap-index sibling of node i (the other child of
// Parent(i)).
func Sibling(i int64) int64 {
	if i%2 == 1 {
		return i + 1
	}
	return i - 1
}

// IsLeaf reports whether node index i (in [0, NodeCount)) addresses a
// leaf slot rather than an internal node.
func (s Shape) IsLeaf(i int64) bool {
	return i >= s.OffsetToFirstLeaf
}

func isPowerOfTwo(n int64) bool {
	return n > 0 && n&(n-1) == 0
}

func nextPowerOfTwo(n int64) int64 {
	if n <= 1 {
		return 1
	}
	return int64(1) << bits.Len64(uint64(n-1))
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}
