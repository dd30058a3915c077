package manifest

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestManifest(t *testing.T) *Manifest {
	t.Helper()
	m, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestParseIfExistsReportsAbsent(t *testing.T) {
	m := openTestManifest(t)
	exists, _, err := m.ParseIfExists("https://example.com/artifact")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestPutThenParseIfExistsRoundTrips(t *testing.T) {
	m := openTestManifest(t)
	rec := Record{ContentSize: 4096, Mtime: time.Now().Truncate(time.Second), Staleness: `"abc123"`}
	require.NoError(t, m.Put("https://example.com/artifact", rec))

	exists, got, err := m.ParseIfExists("https://example.com/artifact")
	require.NoError(t, err)
	require.True(t, exists)
	assert.Equal(t, rec.ContentSize, got.ContentSize)
	assert.True(t, rec.Mtime.Equal(got.Mtime))
	assert.Equal(t, rec.Staleness, got.Staleness)
}

func TestDeleteRemovesRecord(t *testing.T) {
	m := openTestManifest(t)
	url := "https://example.com/artifact"
	require.NoError(t, m.Put(url, Record{ContentSize: 1}))
	require.NoError(t, m.Delete(url))

	exists, _, err := m.ParseIfExists(url)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestStaleFalseWhenNothingChanged(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "content.bin")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0644))
	fi, err := os.Stat(path)
	require.NoError(t, err)

	rec := Record{ContentSize: 5, Mtime: fi.ModTime(), Staleness: `"x"`}
	stale, err := Stale(rec, path, 5, `"x"`)
	require.NoError(t, err)
	assert.False(t, stale)
}

func TestStaleTrueWhenMtimeMoves(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "content.bin")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0644))
	fi, err := os.Stat(path)
	require.NoError(t, err)

	rec := Record{ContentSize: 5, Mtime: fi.ModTime().Add(-time.Hour)}
	stale, err := Stale(rec, path, 5, "")
	require.NoError(t, err)
	assert.True(t, stale)
}

func TestStaleTrueWhenSizeChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "content.bin")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0644))
	fi, err := os.Stat(path)
	require.NoError(t, err)

	rec := Record{ContentSize: 5, Mtime: fi.ModTime()}
	stale, err := Stale(rec, path, 999, "")
	require.NoError(t, err)
	assert.True(t, stale)
}

func TestStaleTrueWhenStalenessTokenChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "content.bin")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0644))
	fi, err := os.Stat(path)
	require.NoError(t, err)

	rec := Record{ContentSize: 5, Mtime: fi.ModTime(), Staleness: `"old"`}
	stale, err := Stale(rec, path, 5, `"new"`)
	require.NoError(t, err)
	assert.True(t, stale)
}

func TestStaleTrueWhenFileMissing(t *testing.T) {
	dir := t.TempDir()
	rec := Record{ContentSize: 5, Mtime: time.Now()}
	stale, err := Stale(rec, filepath.Join(dir, "gone.bin"), 5, "")
	require.NoError(t, err)
	assert.True(t, stale)
}
