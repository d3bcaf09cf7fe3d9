// Package sidecar implements the shared binary header and footer layout
// used by both the .mref (reference) and .mrkl (state) sidecar files, so
// the two formats' common prefix can never drift apart. Byte order is
// little-endian throughout, per the wire format.
package sidecar

import (
	"crypto/sha256"
	"encoding/binary"
	"io"

	"github.com/vectorbench/chunkcache/internal/cerrors"
)

const (
	// Version is the only sidecar format version this build understands.
	Version uint16 = 1

	headerLen = 4 + 2 + 2 + 8 + 8 + 8 + 8 // magic+version+flags+chunkSize+contentLength+leafCount+nodeCount
	footerLen = 32 + 2                    // structural digest + footer_length
)

// MagicMRef and MagicMRKL distinguish the two sidecar kinds.
var (
	MagicMRef = [4]byte{'M', 'R', 'E', 'F'}
	MagicMRKL = [4]byte{'M', 'R', 'K', 'L'}
)

// Header is the fixed-size prefix shared by .mref and .mrkl files.
type Header struct {
	Magic         [4]byte
	Version       uint16
	Flags         uint16
	ChunkSize     uint64
	ContentLength uint64
	LeafCount     uint64
	NodeCount     uint64
}

// EncodeHeader writes h in the wire format described by spec §6.1/§6.2.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, headerLen)
	copy(buf[0:4], h.Magic[:])
	binary.LittleEndian.PutUint16(buf[4:6], h.Version)
	binary.LittleEndian.PutUint16(buf[6:8], h.Flags)
	binary.LittleEndian.PutUint64(buf[8:16], h.ChunkSize)
	binary.LittleEndian.PutUint64(buf[16:24], h.ContentLength)
	binary.LittleEndian.PutUint64(buf[24:32], h.LeafCount)
	binary.LittleEndian.PutUint64(buf[32:40], h.NodeCount)
	return buf
}

// DecodeHeader parses the fixed-size header prefix and validates the
// magic against wantMagic.
func DecodeHeader(buf []byte, wantMagic [4]byte, op string) (Header, error) {
	if len(buf) < headerLen {
		return Header{}, cerrors.New(op, cerrors.CorruptSidecar, io.ErrUnexpectedEOF)
	}
	var h Header
	copy(h.Magic[:], buf[0:4])
	if h.Magic != wantMagic {
		return Header{}, cerrors.New(op, cerrors.CorruptSidecar, errBadMagic)
	}
	h.Version = binary.LittleEndian.Uint16(buf[4:6])
	h.Flags = binary.LittleEndian.Uint16(buf[6:8])
	h.ChunkSize = binary.LittleEndian.Uint64(buf[8:16])
	h.ContentLength = binary.LittleEndian.Uint64(buf[16:24])
	h.LeafCount = binary.LittleEndian.Uint64(buf[24:32])
	h.NodeCount = binary.LittleEndian.Uint64(buf[32:40])
	if h.Version != Version {
		return Header{}, cerrors.New(op, cerrors.UnsupportedVersion, nil)
	}
	return h, nil
}

type sidecarError string

func (e sidecarError) Error() string { return string(e) }

const errBadMagic = sidecarError("bad magic")

// HeaderLen returns the fixed header size in bytes.
func HeaderLen() int { return headerLen }

// FooterLen returns the fixed footer size in bytes.
func FooterLen() int { return footerLen }

// StructuralDigest computes SHA-256(header || digestedRegion). For .mref
// digestedRegion is the full hash array; for .mrkl it is the hash array
// only — the bitset is intentionally excluded because it mutates.
func StructuralDigest(header, digestedRegion []byte) [32]byte {
	h := sha256.New()
	h.Write(header)
	h.Write(digestedRegion)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// EncodeFooter writes the trailing footer: digest then a fixed-size
// footer_length so a reader can seek from EOF to find the footer start.
func EncodeFooter(digest [32]byte) []byte {
	buf := make([]byte, footerLen)
	copy(buf[0:32], digest[:])
	binary.LittleEndian.PutUint16(buf[32:34], uint16(footerLen))
	return buf
}

// ReadFooter seeks from the end of f and parses the trailing footer,
// returning the digest and the offset at which the footer begins.
func ReadFooter(f io.ReadSeeker, op string) (digest [32]byte, footerOffset int64, err error) {
	end, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return digest, 0, cerrors.New(op, cerrors.Io, err)
	}
	if end < int64(footerLen) {
		return digest, 0, cerrors.New(op, cerrors.CorruptSidecar, io.ErrUnexpectedEOF)
	}
	footerOffset = end - int64(footerLen)
	if _, err := f.Seek(footerOffset, io.SeekStart); err != nil {
		return digest, 0, cerrors.New(op, cerrors.Io, err)
	}
	buf := make([]byte, footerLen)
	if _, err := io.ReadFull(f, buf); err != nil {
		return digest, 0, cerrors.New(op, cerrors.CorruptSidecar, err)
	}
	copy(digest[:], buf[0:32])
	declaredLen := binary.LittleEndian.Uint16(buf[32:34])
	if int(declaredLen) != footerLen {
		return digest, 0, cerrors.New(op, cerrors.CorruptSidecar, errBadMagic)
	}
	return digest, footerOffset, nil
}

// BitsetByteLen returns ceil(leafCount/8), the on-disk size of the valid
// bitset region for a given leaf count.
func BitsetByteLen(leafCount int64) int64 {
	return (leafCount + 7) / 8
}
