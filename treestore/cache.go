package treestore

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/golang/snappy"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/attic-labs/mrkl/merr"
)

// SaveReferenceCache persists t (which must be a Reference tree) to
// path in the same on-disk layout Save uses, but snappy-compressed.
// Reference trees are write-once/read-many and, for large artifacts,
// dominate a cache directory's non-chunk footprint; canonical trees
// used for direct verification (Save/Load) stay uncompressed so the
// byte layout in spec.md §6.1 is never obscured by this caching
// layer.
func (t *Tree) SaveReferenceCache(path string) (err error) {
	if t.kind != KindReference {
		return errors.Wrapf(merr.ErrShapeMismatch, "treestore: SaveReferenceCache requires a Reference tree")
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	dir := filepath.Dir(path)
	tmpPath := filepath.Join(dir, fmt.Sprintf(".%s.tmp-%s", filepath.Base(path), uuid.NewString()))

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrapf(merr.ErrIO, "treestore: creating temp cache file: %v", err)
	}
	defer func() {
		f.Close()
		os.Remove(tmpPath)
	}()

	sw := snappy.NewBufferedWriter(f)
	if werr := t.writeTo(sw); werr != nil {
		return errors.Wrap(merr.ErrIO, werr.Error())
	}
	if err := sw.Close(); err != nil {
		return errors.Wrapf(merr.ErrIO, "treestore: flushing snappy writer: %v", err)
	}
	if err := f.Sync(); err != nil {
		return errors.Wrapf(merr.ErrIO, "treestore: fsync: %v", err)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(merr.ErrIO, "treestore: close: %v", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return errors.Wrapf(merr.ErrIO, "treestore: rename into place: %v", err)
	}
	return nil
}

// LoadReferenceCache is the inverse of SaveReferenceCache: it
// transparently decompresses path and parses it the same way Load
// does, always returning a Reference tree.
func LoadReferenceCache(path string) (*Tree, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(merr.ErrIO, "treestore: opening cache %s: %v", path, err)
	}
	defer f.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, snappy.NewReader(f)); err != nil {
		return nil, errors.Wrapf(merr.ErrCorruptTree, "treestore: decompressing cache %s: %v", path, err)
	}

	t, err := parse(buf.Bytes(), path)
	if err != nil {
		return nil, err
	}
	if t.kind != KindReference {
		return nil, errors.Wrapf(merr.ErrCorruptTree, "treestore: cached tree at %s is not a Reference tree", path)
	}
	return t, nil
}
