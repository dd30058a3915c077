package treestore

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func statSize(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func TestSaveAndLoadReferenceCacheRoundTrips(t *testing.T) {
	content := randBytes(4*1048576+17, 11)
	ref, err := BuildReferenceFromReaderAt(bytes.NewReader(content), uint64(len(content)))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "a.mref.snappy")
	require.NoError(t, ref.SaveReferenceCache(path))

	loaded, err := LoadReferenceCache(path)
	require.NoError(t, err)
	assert.Equal(t, KindReference, loaded.Kind())
	assert.Equal(t, ref.Shape(), loaded.Shape())
	for i := uint64(0); i < uint64(len(ref.nodes)); i++ {
		assert.Equal(t, ref.nodes[i], loaded.nodes[i])
	}
}

func TestSaveReferenceCacheRejectsStateTree(t *testing.T) {
	content := randBytes(1048576, 12)
	ref, err := BuildReferenceFromReaderAt(bytes.NewReader(content), uint64(len(content)))
	require.NoError(t, err)
	state, err := CreateStateFromReference(ref, filepath.Join(t.TempDir(), "a.mrkl"))
	require.NoError(t, err)

	err = state.SaveReferenceCache(filepath.Join(t.TempDir(), "a.mref.snappy"))
	assert.Error(t, err)
}

func TestSaveReferenceCacheProducesSmallerFileThanUncompressed(t *testing.T) {
	content := make([]byte, 8*1048576)
	ref, err := BuildReferenceFromReaderAt(bytes.NewReader(content), uint64(len(content)))
	require.NoError(t, err)

	dir := t.TempDir()
	plainPath := filepath.Join(dir, "a.mrkl")
	cachePath := filepath.Join(dir, "a.mref.snappy")
	require.NoError(t, ref.Save(plainPath))
	require.NoError(t, ref.SaveReferenceCache(cachePath))

	// All-zero content hashes to identical leaf/internal hashes
	// repeated throughout the node array, which snappy compresses well.
	plainInfo, err := statSize(plainPath)
	require.NoError(t, err)
	cacheInfo, err := statSize(cachePath)
	require.NoError(t, err)
	assert.Less(t, cacheInfo, plainInfo)
}
