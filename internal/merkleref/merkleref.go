// Package merkleref implements MerkleRef: the immutable reference tree
// of leaf and internal SHA-256 hashes for an artifact, serialized to a
// .mref sidecar file.
//
// Pad-leaf policy: leaves between LeafCount and CapLeaf are filled with
// the SHA-256 of the empty byte string, never a replica of the last real
// leaf (see SPEC_FULL.md §4.2 for the rationale). MerkleState must use
// the identical policy so the two hash arrays stay bit-compatible.
package merkleref

import (
	"crypto/sha256"
	"io"
	"os"
	"runtime"
	"sync"

	"github.com/vectorbench/chunkcache/internal/cerrors"
	"github.com/vectorbench/chunkcache/internal/shape"
	"github.com/vectorbench/chunkcache/internal/sidecar"
)

// ZeroHash is SHA-256 of the empty string, used for every pad leaf.
var ZeroHash = sha256.Sum256(nil)

// ProgressFunc is invoked after each leaf hash completes during Build.
type ProgressFunc func(done, total int64)

// MerkleRef is the immutable reference tree for one artifact. It is safe
// for concurrent reads from many goroutines once constructed.
type MerkleRef struct {
	sh     shape.Shape
	hashes [][32]byte // len == sh.NodeCount, heap-indexed
}

// Shape returns the tree geometry.
func (r *MerkleRef) Shape() shape.Shape { return r.sh }

// LeafHash returns the reference hash for leaf i.
func (r *MerkleRef) LeafHash(i int64) ([32]byte, error) {
	if i < 0 || i >= r.sh.LeafCount {
		return [32]byte{}, cerrors.New("merkleref.LeafHash", cerrors.OutOfRange, nil)
	}
	return r.hashes[r.sh.OffsetToFirstLeaf+i], nil
}

// InternalHash returns the hash stored at heap index i, exposed as a
// test-only accessor in place of reflection-based field introspection.
func (r *MerkleRef) InternalHash(i int64) ([32]byte, error) {
	if i < 0 || i >= r.sh.NodeCount {
		return [32]byte{}, cerrors.New("merkleref.InternalHash", cerrors.OutOfRange, nil)
	}
	return r.hashes[i], nil
}

// RootHash returns the tree's single top hash.
func (r *MerkleRef) RootHash() [32]byte { return r.hashes[0] }

// hashLeafWindow hashes the bytes of leaf i directly from an *os.File
// using positional reads, avoiding the need to hold the whole file in
// memory.
func hashLeafWindow(f *os.File, start, end int64) ([32]byte, error) {
	buf := make([]byte, end-start)
	if _, err := f.ReadAt(buf, start); err != nil && err != io.EOF {
		return [32]byte{}, err
	}
	return sha256.Sum256(buf), nil
}

// leafJob is one unit of work for the parallel hashing pool in Build.
type leafJob struct {
	index      int64
	start, end int64
}

type leafResult struct {
	index int64
	hash  [32]byte
	err   error
}

// Build scans path once in chunk-sized windows, hashing each leaf across
// a worker pool sized to available CPUs (adapted from the teacher's
// pack_concurrent.go CompressionPool), then folds the leaf hashes upward
// into internal node hashes.
func Build(path string, chunkSize int64, progress ProgressFunc) (*MerkleRef, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, cerrors.New("merkleref.Build", cerrors.Io, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, cerrors.New("merkleref.Build", cerrors.Io, err)
	}

	sh, err := shape.New(info.Size(), chunkSize)
	if err != nil {
		return nil, err
	}

	hashes := make([][32]byte, sh.NodeCount)
	for i := sh.LeafCount; i < sh.CapLeaf; i++ {
		hashes[sh.OffsetToFirstLeaf+i] = ZeroHash
	}

	if err := hashLeavesParallel(f, sh, hashes, progress); err != nil {
		return nil, cerrors.New("merkleref.Build", cerrors.Io, err)
	}

	foldUp(sh, hashes)

	return &MerkleRef{sh: sh, hashes: hashes}, nil
}

// hashLeavesParallel runs one worker per CPU (capped, as in the teacher's
// pool) pulling leaf windows off a channel and hashing them with
// positional reads on a shared, read-only file handle.
func hashLeavesParallel(f *os.File, sh shape.Shape, hashes [][32]byte, progress ProgressFunc) error {
	workers := runtime.NumCPU()
	if int64(workers) > sh.LeafCount {
		workers = int(sh.LeafCount)
	}
	if workers < 1 {
		workers = 1
	}

	jobs := make(chan leafJob, workers*2)
	results := make(chan leafResult, workers*2)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				h, err := hashLeafWindow(f, job.start, job.end)
				results <- leafResult{index: job.index, hash: h, err: err}
			}
		}()
	}

	go func() {
		for i := int64(0); i < sh.LeafCount; i++ {
			start, end, _ := sh.RangeForLeaf(i)
			jobs <- leafJob{index: i, start: start, end: end}
		}
		close(jobs)
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	var firstErr error
	var done int64
	for res := range results {
		if res.err != nil {
			if firstErr == nil {
				firstErr = res.err
			}
			continue
		}
		hashes[sh.OffsetToFirstLeaf+res.index] = res.hash
		done++
		if progress != nil {
			progress(done, sh.LeafCount)
		}
	}
	return firstErr
}

// foldUp computes every internal node hash bottom-up: hashes[i] =
// SHA-256(hashes[2i+1] || hashes[2i+2]).
func foldUp(sh shape.Shape, hashes [][32]byte) {
	for i := sh.OffsetToFirstLeaf - 1; i >= 0; i-- {
		left, right := shape.Children(i)
		var buf [64]byte
		copy(buf[0:32], hashes[left][:])
		copy(buf[32:64], hashes[right][:])
		hashes[i] = sha256.Sum256(buf[:])
	}
}

// Load reads and validates a .mref sidecar, reconstructing the Shape and
// hash array.
func Load(sidecarPath string) (*MerkleRef, error) {
	const op = "merkleref.Load"

	f, err := os.Open(sidecarPath)
	if err != nil {
		return nil, cerrors.New(op, cerrors.Io, err)
	}
	defer f.Close()

	headerBuf := make([]byte, sidecar.HeaderLen())
	if _, err := io.ReadFull(f, headerBuf); err != nil {
		return nil, cerrors.New(op, cerrors.CorruptSidecar, err)
	}
	hdr, err := sidecar.DecodeHeader(headerBuf, sidecar.MagicMRef, op)
	if err != nil {
		return nil, err
	}

	sh, err := shape.New(int64(hdr.ContentLength), int64(hdr.ChunkSize))
	if err != nil {
		return nil, err
	}
	if uint64(sh.NodeCount) != hdr.NodeCount || uint64(sh.LeafCount) != hdr.LeafCount {
		return nil, cerrors.New(op, cerrors.CorruptSidecar, nil)
	}

	hashesBuf := make([]byte, sh.NodeCount*32)
	if _, err := io.ReadFull(f, hashesBuf); err != nil {
		return nil, cerrors.New(op, cerrors.CorruptSidecar, err)
	}

	digest, footerOffset, err := sidecar.ReadFooter(f, op)
	if err != nil {
		return nil, err
	}
	wantLen := int64(sidecar.HeaderLen()) + sh.NodeCount*32
	if footerOffset != wantLen {
		return nil, cerrors.New(op, cerrors.CorruptSidecar, nil)
	}
	if sidecar.StructuralDigest(headerBuf, hashesBuf) != digest {
		return nil, cerrors.New(op, cerrors.CorruptSidecar, nil)
	}

	hashes := make([][32]byte, sh.NodeCount)
	for i := int64(0); i < sh.NodeCount; i++ {
		copy(hashes[i][:], hashesBuf[i*32:(i+1)*32])
	}

	return &MerkleRef{sh: sh, hashes: hashes}, nil
}

// Save writes the .mref sidecar atomically: full contents to a temp file
// in the same directory, then rename over sidecarPath.
func (r *MerkleRef) Save(sidecarPath string) error {
	const op = "merkleref.Save"

	hdr := sidecar.Header{
		Magic:         sidecar.MagicMRef,
		Version:       sidecar.Version,
		ChunkSize:     uint64(r.sh.ChunkSize),
		ContentLength: uint64(r.sh.ContentLength),
		LeafCount:     uint64(r.sh.LeafCount),
		NodeCount:     uint64(r.sh.NodeCount),
	}
	headerBuf := sidecar.EncodeHeader(hdr)

	hashesBuf := make([]byte, r.sh.NodeCount*32)
	for i, h := range r.hashes {
		copy(hashesBuf[i*32:(i+1)*32], h[:])
	}

	digest := sidecar.StructuralDigest(headerBuf, hashesBuf)
	footerBuf := sidecar.EncodeFooter(digest)

	tmpPath := sidecarPath + ".tmp"
	tmp, err := os.Create(tmpPath)
	if err != nil {
		return cerrors.New(op, cerrors.Io, err)
	}

	writeErr := writeAll(tmp, headerBuf, hashesBuf, footerBuf)
	closeErr := tmp.Close()
	if writeErr != nil {
		os.Remove(tmpPath)
		return cerrors.New(op, cerrors.Io, writeErr)
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return cerrors.New(op, cerrors.Io, closeErr)
	}
	if err := os.Rename(tmpPath, sidecarPath); err != nil {
		os.Remove(tmpPath)
		return cerrors.New(op, cerrors.Io, err)
	}
	return nil
}

func writeAll(f *os.File, chunks ...[]byte) error {
	for _, c := range chunks {
		if _, err := f.Write(c); err != nil {
			return err
		}
	}
	return nil
}
