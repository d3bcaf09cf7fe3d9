// Package merklestate implements MerkleState: the mutable per-consumer
// verification state paired with a MerkleRef, serialized to a .mrkl
// sidecar file that supports atomic partial-progress persistence.
package merklestate

import (
	"crypto/sha256"
	"io"
	"os"
	"sync"

	"github.com/vectorbench/chunkcache/internal/cerrors"
	"github.com/vectorbench/chunkcache/internal/merkleref"
	"github.com/vectorbench/chunkcache/internal/shape"
	"github.com/vectorbench/chunkcache/internal/sidecar"
)

// MerkleState is the mutable verification state for one local copy of an
// artifact. It is safe for concurrent use by multiple goroutines: bitset
// mutation is guarded by one mutex per bitset byte (8 leaves/word), so
// leaves in different bytes are verified in parallel; the single-byte
// writes to the state file are serialized by one file mutex.
type MerkleState struct {
	sh     shape.Shape
	hashes [][32]byte // copy of the paired MerkleRef's hash array

	mu        sync.Mutex // serializes writes and syncs on f; the bitset is guarded by wordLocks
	bitset    []byte     // ceil(leafCount/8) bytes, bit i at byte i/8 bit i%8 (LSB-first)
	wordLocks []sync.Mutex

	f    *os.File
	path string
}

// AcceptFunc is invoked by SaveIfValid exactly once, with verified bytes,
// before the corresponding bit is set. It is the opaque acceptance
// callback the painter supplies so MerkleState never needs to know about
// Painter or the data file it writes to (breaking the cyclic
// painter<->state dependency the teacher's own source shows signs of).
type AcceptFunc func(data []byte) error

// FromRef creates a new .mrkl at statePath from ref's shape and hash
// array, with every bit cleared. It creates the state file but does not
// touch the companion data file.
func FromRef(ref *merkleref.MerkleRef, statePath string) (*MerkleState, error) {
	const op = "merklestate.FromRef"

	sh := ref.Shape()
	hashes := make([][32]byte, sh.NodeCount)
	for i := int64(0); i < sh.NodeCount; i++ {
		h, err := ref.InternalHash(i)
		if err != nil {
			return nil, err
		}
		hashes[i] = h
	}

	bitsetLen := sidecar.BitsetByteLen(sh.LeafCount)
	bitset := make([]byte, bitsetLen)

	f, err := os.OpenFile(statePath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, cerrors.New(op, cerrors.Io, err)
	}

	st := &MerkleState{
		sh:        sh,
		hashes:    hashes,
		bitset:    bitset,
		wordLocks: make([]sync.Mutex, bitsetLen),
		f:         f,
		path:      statePath,
	}

	if err := st.writeFull(); err != nil {
		f.Close()
		os.Remove(statePath)
		return nil, err
	}
	return st, nil
}

// Load reads and validates a .mrkl sidecar, reconstructing Shape, hash
// array, and bitset. Legacy sidecars with no structural digest are
// rejected with UnsupportedVersion rather than silently trusted or
// auto-migrated (see SPEC_FULL.md §4.4).
func Load(statePath string) (*MerkleState, error) {
	const op = "merklestate.Load"

	f, err := os.OpenFile(statePath, os.O_RDWR, 0o644)
	if err != nil {
		return nil, cerrors.New(op, cerrors.Io, err)
	}

	headerBuf := make([]byte, sidecar.HeaderLen())
	if _, err := io.ReadFull(f, headerBuf); err != nil {
		f.Close()
		return nil, cerrors.New(op, cerrors.CorruptSidecar, err)
	}
	hdr, err := sidecar.DecodeHeader(headerBuf, sidecar.MagicMRKL, op)
	if err != nil {
		f.Close()
		return nil, err
	}

	sh, err := shape.New(int64(hdr.ContentLength), int64(hdr.ChunkSize))
	if err != nil {
		f.Close()
		return nil, err
	}
	if uint64(sh.NodeCount) != hdr.NodeCount || uint64(sh.LeafCount) != hdr.LeafCount {
		f.Close()
		return nil, cerrors.New(op, cerrors.CorruptSidecar, nil)
	}

	hashesBuf := make([]byte, sh.NodeCount*32)
	if _, err := io.ReadFull(f, hashesBuf); err != nil {
		f.Close()
		return nil, cerrors.New(op, cerrors.CorruptSidecar, err)
	}

	bitsetLen := sidecar.BitsetByteLen(sh.LeafCount)
	bitset := make([]byte, bitsetLen)
	if _, err := io.ReadFull(f, bitset); err != nil {
		f.Close()
		return nil, cerrors.New(op, cerrors.CorruptSidecar, err)
	}

	digest, footerOffset, err := sidecar.ReadFooter(f, op)
	if err != nil {
		f.Close()
		return nil, err
	}
	wantOffset := int64(sidecar.HeaderLen()) + sh.NodeCount*32 + bitsetLen
	if footerOffset != wantOffset {
		f.Close()
		return nil, cerrors.New(op, cerrors.CorruptSidecar, nil)
	}
	if sidecar.StructuralDigest(headerBuf, hashesBuf) != digest {
		f.Close()
		return nil, cerrors.New(op, cerrors.CorruptSidecar, nil)
	}

	hashes := make([][32]byte, sh.NodeCount)
	for i := int64(0); i < sh.NodeCount; i++ {
		copy(hashes[i][:], hashesBuf[i*32:(i+1)*32])
	}

	return &MerkleState{
		sh:        sh,
		hashes:    hashes,
		bitset:    bitset,
		wordLocks: make([]sync.Mutex, bitsetLen),
		f:         f,
		path:      statePath,
	}, nil
}

// Shape returns the geometry of the paired artifact.
func (s *MerkleState) Shape() shape.Shape { return s.sh }

// VerifyMatchesRef reports ShapeMismatch if s's shape disagrees with
// ref's. Callers should run this immediately after Load when reopening
// an existing .mrkl against a freshly loaded .mref.
func (s *MerkleState) VerifyMatchesRef(ref *merkleref.MerkleRef) error {
	if s.sh != ref.Shape() {
		return cerrors.New("merklestate.VerifyMatchesRef", cerrors.ShapeMismatch, nil)
	}
	return nil
}

// IsValid reports whether leaf i has been observed locally with content
// hashing equal to the reference leaf hash.
func (s *MerkleState) IsValid(leafIndex int64) bool {
	if leafIndex < 0 || leafIndex >= s.sh.LeafCount {
		return false
	}
	word := leafIndex / 8
	bit := uint(leafIndex % 8)
	s.wordLocks[word].Lock()
	defer s.wordLocks[word].Unlock()
	return s.bitset[word]&(1<<bit) != 0
}

// ValidLeafCount returns the number of leaves currently marked valid.
// Each bitset byte is read under its own word lock (the same lock
// SaveIfValid mutates it under), not s.mu, which guards file
// bookkeeping rather than the bitset itself.
func (s *MerkleState) ValidLeafCount() int64 {
	var n int64
	for word := range s.bitset {
		s.wordLocks[word].Lock()
		n += int64(popcount(s.bitset[word]))
		s.wordLocks[word].Unlock()
	}
	return n
}

func popcount(b byte) int {
	n := 0
	for b != 0 {
		n += int(b & 1)
		b >>= 1
	}
	return n
}

// SaveIfValid hashes data and compares it against the reference leaf
// hash for leafIndex. On mismatch it returns (false, nil): nothing is
// persisted and onAccepted is never invoked. On match it invokes
// onAccepted(data) exactly once (the painter's hook to write bytes to
// the data file at the right offset), then flips the bit and persists
// the bitset word to disk, in that order — so a crash can only leave
// data present with the bit unset (safe: re-verification re-accepts),
// never the bit set with data absent or wrong.
//
// Concurrent calls for different leaves proceed independently. Calls for
// the same leaf are idempotent: only the first acceptance writes
// anything; later calls observe the bit already set and return true
// without re-invoking onAccepted.
func (s *MerkleState) SaveIfValid(leafIndex int64, data []byte, onAccepted AcceptFunc) (bool, error) {
	const op = "merklestate.SaveIfValid"

	if leafIndex < 0 || leafIndex >= s.sh.LeafCount {
		return false, cerrors.New(op, cerrors.OutOfRange, nil)
	}
	start, end, _ := s.sh.RangeForLeaf(leafIndex)
	if int64(len(data)) != end-start {
		return false, cerrors.New(op, cerrors.Io, errLengthMismatch)
	}

	word := leafIndex / 8
	bit := uint(leafIndex % 8)

	s.wordLocks[word].Lock()
	defer s.wordLocks[word].Unlock()

	if s.bitset[word]&(1<<bit) != 0 {
		return true, nil // already accepted; idempotent no-op
	}

	want := s.hashes[s.sh.OffsetToFirstLeaf+leafIndex]
	got := sha256.Sum256(data)
	if got != want {
		return false, nil
	}

	if onAccepted != nil {
		if err := onAccepted(data); err != nil {
			return false, cerrors.New(op, cerrors.Io, err)
		}
	}

	s.bitset[word] |= 1 << bit
	if err := s.persistBitsetWord(word); err != nil {
		// Roll back the in-memory bit: disk and memory must agree, and
		// a later retry must be allowed to persist cleanly.
		s.bitset[word] &^= 1 << bit
		return false, err
	}
	return true, nil
}

var errLengthMismatch = lengthMismatchError{}

type lengthMismatchError struct{}

func (lengthMismatchError) Error() string { return "data length does not match leaf range" }

// persistBitsetWord writes a single bitset byte to its offset in the
// state file. Partial writes only ever touch whole bitset bytes, keeping
// atomicity practical per spec §6.2.
func (s *MerkleState) persistBitsetWord(word int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	offset := bitsetFileOffset(s.sh) + word
	_, err := s.f.WriteAt(s.bitset[word:word+1], offset)
	if err != nil {
		return cerrors.New("merklestate.persistBitsetWord", cerrors.Io, err)
	}
	return nil
}

func bitsetFileOffset(sh shape.Shape) int64 {
	return int64(sidecar.HeaderLen()) + sh.NodeCount*32
}

// writeFull writes the complete file (header, hashes, bitset, footer)
// from the in-memory state. Used only by FromRef for initial creation;
// steady-state updates go through persistBitsetWord.
func (s *MerkleState) writeFull() error {
	hdr := sidecar.Header{
		Magic:         sidecar.MagicMRKL,
		Version:       sidecar.Version,
		ChunkSize:     uint64(s.sh.ChunkSize),
		ContentLength: uint64(s.sh.ContentLength),
		LeafCount:     uint64(s.sh.LeafCount),
		NodeCount:     uint64(s.sh.NodeCount),
	}
	headerBuf := sidecar.EncodeHeader(hdr)

	hashesBuf := make([]byte, s.sh.NodeCount*32)
	for i, h := range s.hashes {
		copy(hashesBuf[i*32:(i+1)*32], h[:])
	}

	digest := sidecar.StructuralDigest(headerBuf, hashesBuf)
	footerBuf := sidecar.EncodeFooter(digest)

	if _, err := s.f.WriteAt(headerBuf, 0); err != nil {
		return cerrors.New("merklestate.writeFull", cerrors.Io, err)
	}
	if _, err := s.f.WriteAt(hashesBuf, int64(sidecar.HeaderLen())); err != nil {
		return cerrors.New("merklestate.writeFull", cerrors.Io, err)
	}
	if _, err := s.f.WriteAt(s.bitset, bitsetFileOffset(s.sh)); err != nil {
		return cerrors.New("merklestate.writeFull", cerrors.Io, err)
	}
	if _, err := s.f.WriteAt(footerBuf, bitsetFileOffset(s.sh)+int64(len(s.bitset))); err != nil {
		return cerrors.New("merklestate.writeFull", cerrors.Io, err)
	}
	return s.f.Sync()
}

// Flush forces durability of the bitset region (and the rest of the
// file, which stdlib doesn't let us sync more narrowly than whole-file).
func (s *MerkleState) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.f.Sync(); err != nil {
		return cerrors.New("merklestate.Flush", cerrors.Io, err)
	}
	return nil
}

// Close flushes and releases the underlying file handle.
func (s *MerkleState) Close() error {
	if err := s.Flush(); err != nil {
		s.f.Close()
		return err
	}
	return s.f.Close()
}
