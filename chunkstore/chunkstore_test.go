package chunkstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attic-labs/mrkl/shape"
)

func TestOpenPreallocatesExactSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "content.bin")
	s := shape.New(5*1048576, 1048576)

	st, err := Open(path, s, Options{})
	require.NoError(t, err)
	defer st.Close()

	assert.Equal(t, s.TotalContentSize, st.Size())
	got, err := st.Read(0, s.TotalContentSize)
	require.NoError(t, err)
	assert.Equal(t, int(s.TotalContentSize), len(got))
	for _, b := range got {
		assert.Equal(t, byte(0), b)
	}
}

func TestWriteChunkThenReadBack(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "content.bin")
	s := shape.New(3*1048576, 1048576)

	st, err := Open(path, s, Options{})
	require.NoError(t, err)
	defer st.Close()

	chunk1 := make([]byte, 1048576)
	for i := range chunk1 {
		chunk1[i] = byte(i)
	}
	require.NoError(t, st.WriteChunk(1, chunk1))

	start, end := s.ChunkRange(1)
	got, err := st.Read(start, end)
	require.NoError(t, err)
	assert.Equal(t, chunk1, got)

	// Untouched chunks stay zero.
	zeros, err := st.Read(0, 1048576)
	require.NoError(t, err)
	for _, b := range zeros {
		assert.Equal(t, byte(0), b)
	}
}

func TestWriteChunkWrongSizeRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "content.bin")
	s := shape.New(2*1048576, 1048576)

	st, err := Open(path, s, Options{})
	require.NoError(t, err)
	defer st.Close()

	err = st.WriteChunk(0, make([]byte, 100))
	assert.Error(t, err)
}

func TestReadClampsPastEnd(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "content.bin")
	s := shape.New(1024, 1048576)

	st, err := Open(path, s, Options{})
	require.NoError(t, err)
	defer st.Close()

	got, err := st.Read(0, 1<<20)
	require.NoError(t, err)
	assert.Equal(t, 1024, len(got))

	got, err = st.Read(s.TotalContentSize, s.TotalContentSize+100)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestReopenPersistsChunks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "content.bin")
	s := shape.New(2*1048576, 1048576)

	st, err := Open(path, s, Options{})
	require.NoError(t, err)
	chunk := make([]byte, 1048576)
	for i := range chunk {
		chunk[i] = byte(255 - i%256)
	}
	require.NoError(t, st.WriteChunk(0, chunk))
	require.NoError(t, st.Close())

	st2, err := Open(path, s, Options{})
	require.NoError(t, err)
	defer st2.Close()

	got, err := st2.Read(0, 1048576)
	require.NoError(t, err)
	assert.Equal(t, chunk, got)
}

func TestDisableMmapStillWorks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "content.bin")
	s := shape.New(1048576, 1048576)

	st, err := Open(path, s, Options{DisableMmap: true})
	require.NoError(t, err)
	defer st.Close()

	chunk := make([]byte, 1048576)
	chunk[0] = 42
	require.NoError(t, st.WriteChunk(0, chunk))

	got, err := st.Read(0, 1048576)
	require.NoError(t, err)
	assert.Equal(t, chunk, got)
}
