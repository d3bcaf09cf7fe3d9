package bundle

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/vectorbench/chunkcache/internal/merkleref"
	"github.com/vectorbench/chunkcache/internal/merklestate"
)

func writeTestFile(t *testing.T, path string, n int) []byte {
	t.Helper()
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 256)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return data
}

func TestExportImportRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "artifact.bin")
	data := writeTestFile(t, path, 3_670_016)

	ref, err := merkleref.Build(path, 1<<20, nil)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	srcState, err := merklestate.FromRef(ref, filepath.Join(dir, "src.mrkl"))
	if err != nil {
		t.Fatalf("FromRef failed: %v", err)
	}
	defer srcState.Close()

	// Verify leaves 0 and 2 locally; leave 1 and 3 unverified.
	for _, leaf := range []int64{0, 2} {
		start, end, _ := ref.Shape().RangeForLeaf(leaf)
		if ok, err := srcState.SaveIfValid(leaf, data[start:end], func(b []byte) error { return nil }); err != nil || !ok {
			t.Fatalf("SaveIfValid(%d): ok=%v err=%v", leaf, ok, err)
		}
	}

	var buf bytes.Buffer
	dataFile, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer dataFile.Close()

	if err := ExportBundle(&buf, srcState, dataFile); err != nil {
		t.Fatalf("ExportBundle failed: %v", err)
	}

	dstDir := t.TempDir()
	dstDataPath := filepath.Join(dstDir, "artifact.bin")
	dstData := make([]byte, len(data))
	if err := os.WriteFile(dstDataPath, dstData, 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	dstDataFile, err := os.OpenFile(dstDataPath, os.O_RDWR, 0o644)
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	defer dstDataFile.Close()

	dstState, err := merklestate.FromRef(ref, filepath.Join(dstDir, "dst.mrkl"))
	if err != nil {
		t.Fatalf("FromRef failed: %v", err)
	}
	defer dstState.Close()

	res, err := ImportBundle(&buf, dstState, func(leaf int64, data []byte) error {
		start, _, _ := ref.Shape().RangeForLeaf(leaf)
		_, err := dstDataFile.WriteAt(data, start)
		return err
	})
	if err != nil {
		t.Fatalf("ImportBundle failed: %v", err)
	}
	if res.LeavesAccepted != 2 || res.LeavesRejected != 0 {
		t.Fatalf("unexpected import result: %+v", res)
	}

	if !dstState.IsValid(0) || !dstState.IsValid(2) {
		t.Error("imported leaves should be valid in the destination state")
	}
	if dstState.IsValid(1) || dstState.IsValid(3) {
		t.Error("leaves never exported should remain invalid")
	}

	start, end, _ := ref.Shape().RangeForLeaf(0)
	gotBytes, err := os.ReadFile(dstDataPath)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !bytes.Equal(gotBytes[start:end], data[start:end]) {
		t.Error("imported leaf 0 bytes differ from the source")
	}
}

func TestImportRejectsTamperedTrailer(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "artifact.bin")
	writeTestFile(t, path, 1<<20)

	ref, err := merkleref.Build(path, 1<<20, nil)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	state, err := merklestate.FromRef(ref, filepath.Join(dir, "state.mrkl"))
	if err != nil {
		t.Fatalf("FromRef failed: %v", err)
	}
	defer state.Close()

	dataFile, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer dataFile.Close()

	var buf bytes.Buffer
	if err := ExportBundle(&buf, state, dataFile); err != nil {
		t.Fatalf("ExportBundle failed: %v", err)
	}

	tampered := buf.Bytes()
	tampered[len(tampered)-1] ^= 0xFF

	dstState, err := merklestate.FromRef(ref, filepath.Join(dir, "dst.mrkl"))
	if err != nil {
		t.Fatalf("FromRef failed: %v", err)
	}
	defer dstState.Close()

	if _, err := ImportBundle(bytes.NewReader(tampered), dstState, func(int64, []byte) error { return nil }); err == nil {
		t.Error("ImportBundle should reject a bundle with a tampered trailer digest")
	}
}

func TestImportRejectsMismatchedChunk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "artifact.bin")
	writeTestFile(t, path, 1<<20)

	ref, err := merkleref.Build(path, 1<<20, nil)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	otherDir := t.TempDir()
	otherPath := filepath.Join(otherDir, "artifact.bin")
	os.WriteFile(otherPath, make([]byte, 1<<20), 0o644) // all zero, different content
	otherRef, err := merkleref.Build(otherPath, 1<<20, nil)
	if err != nil {
		t.Fatalf("Build (other) failed: %v", err)
	}

	srcState, err := merklestate.FromRef(otherRef, filepath.Join(otherDir, "state.mrkl"))
	if err != nil {
		t.Fatalf("FromRef failed: %v", err)
	}
	defer srcState.Close()
	zeroData := make([]byte, 1<<20)
	if ok, err := srcState.SaveIfValid(0, zeroData, func(b []byte) error { return nil }); err != nil || !ok {
		t.Fatalf("SaveIfValid: ok=%v err=%v", ok, err)
	}

	otherDataFile, err := os.Open(otherPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer otherDataFile.Close()

	var buf bytes.Buffer
	if err := ExportBundle(&buf, srcState, otherDataFile); err != nil {
		t.Fatalf("ExportBundle failed: %v", err)
	}

	// Import the all-zero bundle against ref (built from non-zero data):
	// the leaf hash won't match, so it must be rejected, not accepted.
	dstState, err := merklestate.FromRef(ref, filepath.Join(dir, "dst.mrkl"))
	if err != nil {
		t.Fatalf("FromRef failed: %v", err)
	}
	defer dstState.Close()

	res, err := ImportBundle(&buf, dstState, func(int64, []byte) error { return nil })
	if err != nil {
		t.Fatalf("ImportBundle failed: %v", err)
	}
	if res.LeavesAccepted != 0 || res.LeavesRejected != 1 {
		t.Fatalf("expected the mismatched chunk to be rejected, got %+v", res)
	}
	if dstState.IsValid(0) {
		t.Error("a hash-mismatched imported chunk must not be marked valid")
	}
}
