// Package session wires C1-C7 plus the cache-staleness and
// cross-process-locking machinery into one entry point: Open takes an
// artifact URL and a local cache directory and returns a ready
// FileChannel, discarding and rebuilding the local state whenever it
// can no longer be trusted.
//
// Grounded on the teacher's FileStore constructor-and-lock pattern
// (chunks/file_store_test.go, base/seekable_reader_test.go's
// SetupTest) for "one call that opens/creates everything a local
// cache root needs and hands back a ready-to-use handle".
package session

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/juju/fslock"
	"github.com/pkg/errors"

	"github.com/attic-labs/mrkl/chunkstore"
	"github.com/attic-labs/mrkl/events"
	"github.com/attic-labs/mrkl/filechannel"
	"github.com/attic-labs/mrkl/manifest"
	"github.com/attic-labs/mrkl/merr"
	"github.com/attic-labs/mrkl/painter"
	"github.com/attic-labs/mrkl/transport"
	"github.com/attic-labs/mrkl/treestore"
)

// Options configures Open. Dir is the local cache directory for this
// one artifact; distinct artifacts should use distinct directories
// since the chunk store, tree files and reference cache all live
// directly under it.
type Options struct {
	Dir           string
	PainterConfig painter.Config
	Sink          events.Sink

	// LockTimeout bounds how long Open waits for the cache directory's
	// advisory lock before giving up. Zero means try once and fail
	// fast.
	LockTimeout time.Duration
}

// Session is a FileChannel bound to a cache directory's advisory
// lock, released on Close alongside the painter's shutdown sequence.
type Session struct {
	*filechannel.FileChannel
	lock *fslock.Lock
}

// Close runs the painter's shutdown sequence, then releases the
// cache directory lock regardless of whether shutdown succeeded.
func (s *Session) Close(ctx context.Context) error {
	err := s.FileChannel.Close(ctx)
	if unlockErr := s.lock.Unlock(); unlockErr != nil && err == nil {
		err = errors.Wrapf(merr.ErrIO, "session: unlock: %v", unlockErr)
	}
	return err
}

// Open builds or resumes local state for artifactURL under
// opts.Dir and returns a ready FileChannel.
func Open(ctx context.Context, artifactURL string, opts Options) (*Session, error) {
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, errors.Wrapf(merr.ErrIO, "session: mkdir cache dir: %v", err)
	}

	lock := fslock.New(filepath.Join(opts.Dir, ".lock"))
	if err := acquireLock(lock, opts.LockTimeout); err != nil {
		return nil, errors.Wrapf(merr.ErrIO, "session: cache directory is locked by another process: %v", err)
	}
	unlockOnErr := true
	defer func() {
		if unlockOnErr {
			lock.Unlock()
		}
	}()

	tr, addr, err := newTransport(ctx, artifactURL)
	if err != nil {
		return nil, err
	}

	size, staleness, err := tr.Head(ctx, addr)
	if err != nil {
		return nil, errors.Wrapf(merr.ErrTransport, "session: head %s: %v", artifactURL, err)
	}

	contentPath := filepath.Join(opts.Dir, "content.bin")
	statePath := filepath.Join(opts.Dir, "state.mrkl")
	refCachePath := filepath.Join(opts.Dir, "reference.mref.snappy")

	mf, err := manifest.Open(opts.Dir)
	if err != nil {
		return nil, err
	}
	defer mf.Close()

	exists, rec, err := mf.ParseIfExists(artifactURL)
	if err != nil {
		return nil, err
	}

	stale := true
	if exists {
		stale, err = manifest.Stale(rec, contentPath, size, staleness)
		if err != nil {
			return nil, err
		}
	}
	if stale {
		discardLocalState(contentPath, statePath, refCachePath)
	}

	ref, err := loadOrFetchReference(ctx, tr, addr, refCachePath, stale)
	if err != nil {
		return nil, err
	}

	state, err := loadOrCreateState(ref, statePath, stale)
	if err != nil {
		return nil, err
	}

	cs, err := chunkstore.Open(contentPath, ref.Shape(), chunkstore.Options{})
	if err != nil {
		return nil, err
	}

	fi, err := os.Stat(contentPath)
	if err != nil {
		cs.Close()
		return nil, errors.Wrapf(merr.ErrIO, "session: stat %s: %v", contentPath, err)
	}
	if err := mf.Put(artifactURL, manifest.Record{
		ContentSize: size,
		Mtime:       fi.ModTime(),
		Staleness:   staleness,
	}); err != nil {
		cs.Close()
		return nil, err
	}

	p := painter.New(opts.PainterConfig, tr, addr, cs, ref, state, statePath, opts.Sink)
	fc := filechannel.New(p, cs, ref.Shape().TotalContentSize)

	unlockOnErr = false
	return &Session{FileChannel: fc, lock: lock}, nil
}

func acquireLock(lock *fslock.Lock, timeout time.Duration) error {
	if timeout <= 0 {
		return lock.TryLock()
	}
	return lock.LockWithTimeout(timeout)
}

func discardLocalState(paths ...string) {
	for _, p := range paths {
		os.Remove(p)
	}
}

func loadOrFetchReference(ctx context.Context, tr transport.Transport, addr, refCachePath string, stale bool) (*treestore.Tree, error) {
	if !stale {
		if ref, err := treestore.LoadReferenceCache(refCachePath); err == nil {
			return ref, nil
		}
	}

	mrefAddr := addr + ".mref"
	mrefSize, _, err := tr.Head(ctx, mrefAddr)
	if err != nil {
		return nil, errors.Wrapf(merr.ErrTransport, "session: head %s: %v", mrefAddr, err)
	}
	data, err := tr.GetRange(ctx, mrefAddr, 0, mrefSize)
	if err != nil {
		return nil, errors.Wrapf(merr.ErrTransport, "session: fetch %s: %v", mrefAddr, err)
	}

	tmpPath := refCachePath + ".fetch-tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return nil, errors.Wrapf(merr.ErrIO, "session: write %s: %v", tmpPath, err)
	}
	defer os.Remove(tmpPath)

	ref, err := treestore.Load(tmpPath)
	if err != nil {
		return nil, err
	}
	if err := ref.SaveReferenceCache(refCachePath); err != nil {
		return nil, err
	}
	return ref, nil
}

func loadOrCreateState(ref *treestore.Tree, statePath string, stale bool) (*treestore.Tree, error) {
	if !stale {
		if state, err := treestore.Load(statePath); err == nil {
			return state, nil
		}
	}
	return treestore.CreateStateFromReference(ref, statePath)
}

// newTransport picks an adapter based on artifactURL's scheme and
// returns the address that adapter's methods should be called with:
// for s3://bucket/key or gs://bucket/object that's the bare key
// (S3Transport and GCSTransport are each addressed within a fixed
// bucket), for everything else it's the URL unchanged.
func newTransport(ctx context.Context, artifactURL string) (transport.Transport, string, error) {
	u, err := url.Parse(artifactURL)
	if err != nil {
		return nil, "", errors.Wrapf(merr.ErrTransport, "session: parse url %s: %v", artifactURL, err)
	}
	switch u.Scheme {
	case "s3":
		key := strings.TrimPrefix(u.Path, "/")
		tr, err := transport.NewS3Transport(transport.S3Options{Bucket: u.Host})
		if err != nil {
			return nil, "", err
		}
		return tr, key, nil
	case "gs":
		key := strings.TrimPrefix(u.Path, "/")
		tr, err := transport.NewGCSTransport(ctx, transport.GCSOptions{Bucket: u.Host})
		if err != nil {
			return nil, "", err
		}
		return tr, key, nil
	default:
		return transport.NewHTTPTransport(transport.HTTPOptions{}), artifactURL, nil
	}
}
