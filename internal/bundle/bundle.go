// Package bundle packs a MerkleState's verified chunks into a single
// zstd-compressed stream so a partially- or fully-painted artifact can
// move between machines without re-fetching chunks that are already
// verified. It reuses the teacher's pack format idiom (magic + version +
// count header, per-entry records, a trailing SHA-256 digest) from
// internal/pack, applied to a new payload shape: Merkle leaves instead
// of git objects.
//
// Import never bypasses verification: every record is replayed through
// the same MerkleState.SaveIfValid acceptance path the painter itself
// uses, so a corrupted or tampered bundle is rejected exactly like a
// corrupted network response.
package bundle

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/vectorbench/chunkcache/internal/cerrors"
	"github.com/vectorbench/chunkcache/internal/merklestate"
)

var magicCCBD = [4]byte{'C', 'C', 'B', 'D'}

const formatVersion uint32 = 1

// ExportBundle writes every currently-valid leaf of state to w: a
// 4-byte magic, a big-endian version and record count, then one record
// per valid leaf (leafIndex uvarint, compressedLen uvarint, zstd bytes),
// followed by a trailing SHA-256 digest of everything written before it.
// dataFile supplies the verified bytes via positional reads.
func ExportBundle(w io.Writer, state *merklestate.MerkleState, dataFile io.ReaderAt) error {
	const op = "bundle.ExportBundle"

	sh := state.Shape()
	var validLeaves []int64
	for i := int64(0); i < sh.LeafCount; i++ {
		if state.IsValid(i) {
			validLeaves = append(validLeaves, i)
		}
	}

	var body bytes.Buffer
	body.Write(magicCCBD[:])
	if err := binary.Write(&body, binary.BigEndian, formatVersion); err != nil {
		return cerrors.New(op, cerrors.Io, err)
	}
	if err := binary.Write(&body, binary.BigEndian, uint32(len(validLeaves))); err != nil {
		return cerrors.New(op, cerrors.Io, err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return cerrors.New(op, cerrors.Io, err)
	}
	defer enc.Close()

	var leafBuf [8]byte
	for _, leaf := range validLeaves {
		start, end, err := sh.RangeForLeaf(leaf)
		if err != nil {
			return err
		}
		raw := make([]byte, end-start)
		if _, err := dataFile.ReadAt(raw, start); err != nil {
			return cerrors.New(op, cerrors.Io, err)
		}
		compressed := enc.EncodeAll(raw, nil)

		n := binary.PutUvarint(leafBuf[:], uint64(leaf))
		body.Write(leafBuf[:n])
		n = binary.PutUvarint(leafBuf[:], uint64(len(compressed)))
		body.Write(leafBuf[:n])
		body.Write(compressed)
	}

	digest := sha256.Sum256(body.Bytes())

	if _, err := w.Write(body.Bytes()); err != nil {
		return cerrors.New(op, cerrors.Io, err)
	}
	if _, err := w.Write(digest[:]); err != nil {
		return cerrors.New(op, cerrors.Io, err)
	}
	return nil
}

// ImportResult summarizes what ImportBundle accepted.
type ImportResult struct {
	RecordsSeen    int
	LeavesAccepted int
	LeavesRejected int // hash mismatch: bundle record didn't match the reference hash
}

// ImportBundle reads a bundle produced by ExportBundle and replays each
// record through state.SaveIfValid, invoking onAccepted to persist
// verified bytes (normally a write into the local sparse data file at
// the leaf's offset). A digest mismatch on the trailer is fatal for the
// whole bundle; a single leaf's hash mismatch only rejects that leaf.
func ImportBundle(r io.Reader, state *merklestate.MerkleState, onAccepted func(leaf int64, data []byte) error) (ImportResult, error) {
	const op = "bundle.ImportBundle"

	raw, err := io.ReadAll(r)
	if err != nil {
		return ImportResult{}, cerrors.New(op, cerrors.Io, err)
	}
	if len(raw) < 4+4+4+32 {
		return ImportResult{}, cerrors.New(op, cerrors.CorruptSidecar, io.ErrUnexpectedEOF)
	}

	body, trailerDigest := raw[:len(raw)-32], raw[len(raw)-32:]
	if sha256.Sum256(body) != [32]byte(trailerDigest) {
		return ImportResult{}, cerrors.New(op, cerrors.CorruptSidecar, nil)
	}

	br := bufio.NewReader(bytes.NewReader(body))

	var magic [4]byte
	if _, err := io.ReadFull(br, magic[:]); err != nil || magic != magicCCBD {
		return ImportResult{}, cerrors.New(op, cerrors.CorruptSidecar, nil)
	}
	var version, count uint32
	if err := binary.Read(br, binary.BigEndian, &version); err != nil {
		return ImportResult{}, cerrors.New(op, cerrors.CorruptSidecar, err)
	}
	if version != formatVersion {
		return ImportResult{}, cerrors.New(op, cerrors.UnsupportedVersion, nil)
	}
	if err := binary.Read(br, binary.BigEndian, &count); err != nil {
		return ImportResult{}, cerrors.New(op, cerrors.CorruptSidecar, err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return ImportResult{}, cerrors.New(op, cerrors.Io, err)
	}
	defer dec.Close()

	var res ImportResult
	for i := uint32(0); i < count; i++ {
		leaf, err := binary.ReadUvarint(br)
		if err != nil {
			return res, cerrors.New(op, cerrors.CorruptSidecar, err)
		}
		compLen, err := binary.ReadUvarint(br)
		if err != nil {
			return res, cerrors.New(op, cerrors.CorruptSidecar, err)
		}
		compressed := make([]byte, compLen)
		if _, err := io.ReadFull(br, compressed); err != nil {
			return res, cerrors.New(op, cerrors.CorruptSidecar, err)
		}
		res.RecordsSeen++

		raw, err := dec.DecodeAll(compressed, nil)
		if err != nil {
			return res, cerrors.New(op, cerrors.CorruptSidecar, err)
		}

		leafIndex := int64(leaf)
		ok, err := state.SaveIfValid(leafIndex, raw, func(data []byte) error {
			return onAccepted(leafIndex, data)
		})
		if err != nil {
			return res, err
		}
		if ok {
			res.LeavesAccepted++
		} else {
			res.LeavesRejected++
		}
	}

	return res, nil
}
