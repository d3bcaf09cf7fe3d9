package merklestate

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vectorbench/chunkcache/internal/merkleref"
)

func writeTestFile(t *testing.T, dir string, n int) string {
	t.Helper()
	path := filepath.Join(dir, "artifact.bin")
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 256)
	}
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func buildRef(t *testing.T, path string, chunkSize int64) *merkleref.MerkleRef {
	t.Helper()
	ref, err := merkleref.Build(path, chunkSize, nil)
	require.NoError(t, err)
	return ref
}

func TestFromRefAllInvalid(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, 3_670_016)
	ref := buildRef(t, path, 1<<20)

	st, err := FromRef(ref, filepath.Join(dir, "artifact.bin.mrkl"))
	require.NoError(t, err)
	defer st.Close()

	assert.EqualValues(t, 0, st.ValidLeafCount())
	for i := int64(0); i < ref.Shape().LeafCount; i++ {
		assert.Falsef(t, st.IsValid(i), "leaf %d should not be valid initially", i)
	}
}

func TestSaveIfValidAcceptsCorrectBytes(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, 3_670_016)
	ref := buildRef(t, path, 1<<20)
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	st, err := FromRef(ref, filepath.Join(dir, "artifact.bin.mrkl"))
	require.NoError(t, err)
	defer st.Close()

	var accepted []byte
	start, end, _ := ref.Shape().RangeForLeaf(0)
	ok, err := st.SaveIfValid(0, data[start:end], func(b []byte) error {
		accepted = append([]byte{}, b...)
		return nil
	})
	require.NoError(t, err)
	require.True(t, ok, "SaveIfValid should accept correct leaf bytes")
	assert.Equal(t, data[start:end], accepted, "onAccepted did not receive the verified bytes")
	assert.True(t, st.IsValid(0))
	assert.EqualValues(t, 1, st.ValidLeafCount())
}

func TestSaveIfValidRejectsMismatch(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, 1<<20)
	ref := buildRef(t, path, 1<<20)

	st, err := FromRef(ref, filepath.Join(dir, "artifact.bin.mrkl"))
	require.NoError(t, err)
	defer st.Close()

	bad := make([]byte, ref.Shape().ChunkSize)
	called := false
	ok, err := st.SaveIfValid(0, bad, func(b []byte) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.False(t, ok, "SaveIfValid should reject mismatched bytes")
	assert.False(t, called, "onAccepted must not be invoked on hash mismatch")
	assert.False(t, st.IsValid(0), "leaf must remain invalid after a rejected write")
}

func TestSaveIfValidIdempotentSameLeaf(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, 1<<20)
	ref := buildRef(t, path, 1<<20)
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	st, err := FromRef(ref, filepath.Join(dir, "artifact.bin.mrkl"))
	require.NoError(t, err)
	defer st.Close()

	calls := 0
	accept := func(b []byte) error {
		calls++
		return nil
	}
	ok, err := st.SaveIfValid(0, data, accept)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = st.SaveIfValid(0, data, accept)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, 1, calls, "onAccepted invoked more than once for the same leaf")
}

func TestSaveIfValidConcurrentDifferentLeaves(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, 3_670_016)
	ref := buildRef(t, path, 1<<20)
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	st, err := FromRef(ref, filepath.Join(dir, "artifact.bin.mrkl"))
	require.NoError(t, err)
	defer st.Close()

	var wg sync.WaitGroup
	for i := int64(0); i < ref.Shape().LeafCount; i++ {
		wg.Add(1)
		go func(i int64) {
			defer wg.Done()
			start, end, _ := ref.Shape().RangeForLeaf(i)
			_, err := st.SaveIfValid(i, data[start:end], func(b []byte) error { return nil })
			assert.NoErrorf(t, err, "SaveIfValid(%d) failed", i)
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, ref.Shape().LeafCount, st.ValidLeafCount())
}

func TestLoadPreservesPartialProgress(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, 3_670_016)
	ref := buildRef(t, path, 1<<20)
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	statePath := filepath.Join(dir, "artifact.bin.mrkl")
	st, err := FromRef(ref, statePath)
	require.NoError(t, err)

	// Accept only leaves 0 and 2, leave 1 and 3 unverified.
	for _, i := range []int64{0, 2} {
		start, end, _ := ref.Shape().RangeForLeaf(i)
		ok, err := st.SaveIfValid(i, data[start:end], func(b []byte) error { return nil })
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.NoError(t, st.Close())

	reloaded, err := Load(statePath)
	require.NoError(t, err)
	defer reloaded.Close()

	assert.True(t, reloaded.IsValid(0))
	assert.True(t, reloaded.IsValid(2))
	assert.False(t, reloaded.IsValid(1))
	assert.False(t, reloaded.IsValid(3))
	assert.EqualValues(t, 2, reloaded.ValidLeafCount())

	// Progress continues correctly after reload.
	start, end, _ := ref.Shape().RangeForLeaf(1)
	ok, err := reloaded.SaveIfValid(1, data[start:end], func(b []byte) error { return nil })
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 3, reloaded.ValidLeafCount())
}

func TestLoadRejectsCorruptState(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, 1<<20)
	ref := buildRef(t, path, 1<<20)

	statePath := filepath.Join(dir, "artifact.bin.mrkl")
	st, err := FromRef(ref, statePath)
	require.NoError(t, err)
	st.Close()

	raw, err := os.ReadFile(statePath)
	require.NoError(t, err)
	raw[45] ^= 0xFF
	require.NoError(t, os.WriteFile(statePath, raw, 0o644))

	_, err = Load(statePath)
	assert.Error(t, err, "Load should fail on a corrupted state file")
}

func TestVerifyMatchesRefDetectsMismatch(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, 1<<20)
	ref := buildRef(t, path, 1<<20)

	other := writeTestFile(t, t.TempDir(), 2<<20)
	otherRef := buildRef(t, other, 1<<20)

	st, err := FromRef(ref, filepath.Join(dir, "artifact.bin.mrkl"))
	require.NoError(t, err)
	defer st.Close()

	assert.Error(t, st.VerifyMatchesRef(otherRef), "VerifyMatchesRef should fail for a differently shaped ref")
	assert.NoError(t, st.VerifyMatchesRef(ref), "VerifyMatchesRef should succeed for the matching ref")
}

func TestSaveIfValidRejectsWrongLength(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, 1<<20)
	ref := buildRef(t, path, 1<<20)

	st, err := FromRef(ref, filepath.Join(dir, "artifact.bin.mrkl"))
	require.NoError(t, err)
	defer st.Close()

	_, err = st.SaveIfValid(0, make([]byte, 10), func(b []byte) error { return nil })
	assert.Error(t, err, "SaveIfValid should reject a buffer of the wrong length")
}

func TestSaveIfValidOutOfRange(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, 1<<20)
	ref := buildRef(t, path, 1<<20)

	st, err := FromRef(ref, filepath.Join(dir, "artifact.bin.mrkl"))
	require.NoError(t, err)
	defer st.Close()

	_, err = st.SaveIfValid(99, make([]byte, ref.Shape().ChunkSize), nil)
	assert.Error(t, err, "SaveIfValid should reject an out-of-range leaf index")
}
