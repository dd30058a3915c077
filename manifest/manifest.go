// Package manifest tracks, per remote artifact URL, the local cache
// bookkeeping session needs to decide whether an existing state tree
// is still trustworthy or must be rebuilt from scratch: the chunk
// store file's mtime at the time the tree was built, and the remote's
// last-seen Last-Modified/ETag. One LevelDB instance is shared by
// every artifact tracked under a given cache directory, keyed by URL.
//
// Grounded on the teacher's fileManifest (go/store/nbs/
// file_manifest_test.go): a small per-directory record of "what do we
// currently believe is true about this artifact", loaded with a
// ParseIfExists-style call and replaced wholesale on update rather
// than mutated in place.
package manifest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"

	"github.com/attic-labs/mrkl/merr"
)

// Record is what's known about one tracked artifact as of the last
// successful tree build. Staleness mirrors transport.Transport.Head's
// second return value (ETag, falling back to Last-Modified).
type Record struct {
	ContentSize uint64
	Mtime       time.Time
	Staleness   string
}

// Manifest is a handle on the LevelDB database under one cache
// directory. It's safe for concurrent use by multiple goroutines in
// this process; cross-process safety is session's job (fslock).
type Manifest struct {
	db *leveldb.DB
}

// Open opens (creating if necessary) the manifest database at
// <dir>/manifest.ldb.
func Open(dir string) (*Manifest, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, merr.Wrap(err, merr.ErrIO, "manifest: mkdir cache dir")
	}
	db, err := leveldb.OpenFile(filepath.Join(dir, "manifest.ldb"), nil)
	if err != nil {
		return nil, merr.Wrap(err, merr.ErrIO, "manifest: open leveldb")
	}
	return &Manifest{db: db}, nil
}

// Close releases the underlying LevelDB handle.
func (m *Manifest) Close() error {
	return m.db.Close()
}

// ParseIfExists looks up the record for url, reporting whether one
// was found.
func (m *Manifest) ParseIfExists(url string) (exists bool, rec Record, err error) {
	val, err := m.db.Get([]byte(url), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return false, Record{}, nil
	}
	if err != nil {
		return false, Record{}, merr.Wrap(err, merr.ErrIO, "manifest: get")
	}
	if err := json.Unmarshal(val, &rec); err != nil {
		return false, Record{}, merr.Wrap(err, merr.ErrCorruptTree, "manifest: decode record")
	}
	return true, rec, nil
}

// Put replaces the record for url wholesale.
func (m *Manifest) Put(url string, rec Record) error {
	val, err := json.Marshal(rec)
	if err != nil {
		return merr.Wrap(err, merr.ErrIO, "manifest: encode record")
	}
	if err := m.db.Put([]byte(url), val, nil); err != nil {
		return merr.Wrap(err, merr.ErrIO, "manifest: put")
	}
	return nil
}

// Delete removes any record for url, e.g. after a rebuild invalidates
// the old one.
func (m *Manifest) Delete(url string) error {
	if err := m.db.Delete([]byte(url), nil); err != nil {
		return merr.Wrap(err, merr.ErrIO, "manifest: delete")
	}
	return nil
}

// Stale reports whether rec still describes the artifact at path,
// given the transport's current view of its metadata. A local file
// whose mtime moved, or a remote whose staleness token or size
// changed, can never be partially trusted: Stale returning true means
// the whole local state tree must be discarded and rebuilt.
func Stale(rec Record, path string, currentSize uint64, currentStaleness string) (bool, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return true, nil
	}
	if !fi.ModTime().Equal(rec.Mtime) {
		return true, nil
	}
	if rec.ContentSize != currentSize {
		return true, nil
	}
	if rec.Staleness != "" && currentStaleness != "" && rec.Staleness != currentStaleness {
		return true, nil
	}
	return false, nil
}
