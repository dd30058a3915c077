// Package transport is the injected remote data source for mrkl
// (spec.md §6.2): three operations, `head`/`GetRange`/`GetRangeStream`,
// with three concrete adapters (http.go, s3.go, gcs.go) and no core
// package importing any of them directly — painter and session hold a Transport
// value, never a concrete client.
package transport

import (
	"context"
	"io"
)

// Transport fetches byte ranges of one remote, immutable artifact.
// GetRange must return exactly hi-lo bytes or an error; implementations
// never silently truncate a short read.
type Transport interface {
	// Head returns the artifact's total size in bytes, along with an
	// opaque staleness token (e.g. ETag or Last-Modified) that
	// manifest compares across runs.
	Head(ctx context.Context, url string) (size uint64, staleness string, err error)

	// GetRange fetches the half-open byte range [lo, hi).
	GetRange(ctx context.Context, url string, lo, hi uint64) ([]byte, error)

	// GetRangeStream is GetRange without buffering the whole range in
	// memory first. Callers must Close the returned ReadCloser.
	GetRangeStream(ctx context.Context, url string, lo, hi uint64) (io.ReadCloser, error)
}
