package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	"golang.org/x/net/http2"

	"github.com/attic-labs/mrkl/merr"
)

// HTTPTransport issues ranged GETs against a generic HTTP(S) origin.
// Grounded on the teacher's httpStoreClient/httpStoreServer pairing
// (chunks/http_store_test.go) generalized from "POST a batch of chunk
// hashes" to "GET a byte range of one large object", with retry
// behavior grounded on go/store/nbs's makeFlakyS3-style
// connection-reset tolerance test (s3_table_reader_test.go's
// TolerateFailingReads).
type HTTPTransport struct {
	client     *http.Client
	maxRetries int
	backoff    backoff.Backoff
}

// HTTPOptions configures an HTTPTransport.
type HTTPOptions struct {
	// MaxRetries bounds retries of a single range request after a 5xx
	// response or an error from the request itself (dial failure,
	// connection reset before a response). An error while reading the
	// response body is not retried here. Zero means "use 3".
	MaxRetries int
	// Client, if non-nil, is used as-is; its Transport is not
	// configured for HTTP/2.
	Client *http.Client
}

// NewHTTPTransport builds an HTTPTransport. When opts.Client is nil a
// fresh *http.Transport is created and configured for HTTP/2, so a
// painter issuing many concurrent ranged GETs to the same origin
// multiplexes them over one connection instead of opening a TCP
// connection per in-flight transfer.
func NewHTTPTransport(opts HTTPOptions) *HTTPTransport {
	client := opts.Client
	if client == nil {
		tr := &http.Transport{}
		_ = http2.ConfigureTransport(tr)
		client = &http.Client{Transport: tr, Timeout: 0}
	}
	retries := opts.MaxRetries
	if retries == 0 {
		retries = 3
	}
	return &HTTPTransport{
		client:     client,
		maxRetries: retries,
		backoff:    backoff.Backoff{Min: 50 * time.Millisecond, Max: 2 * time.Second, Factor: 2, Jitter: true},
	}
}

func (t *HTTPTransport) Head(ctx context.Context, url string) (uint64, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, "", errors.Wrapf(merr.ErrTransport, "http: build HEAD %s: %v", url, err)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return 0, "", errors.Wrapf(merr.ErrTransport, "http: HEAD %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, "", errors.Wrapf(merr.ErrTransport, "http: HEAD %s: status %d", url, resp.StatusCode)
	}
	size, err := strconv.ParseUint(resp.Header.Get("Content-Length"), 10, 64)
	if err != nil {
		return 0, "", errors.Wrapf(merr.ErrTransport, "http: HEAD %s: bad Content-Length: %v", url, err)
	}
	staleness := resp.Header.Get("ETag")
	if staleness == "" {
		staleness = resp.Header.Get("Last-Modified")
	}
	return size, staleness, nil
}

func (t *HTTPTransport) GetRange(ctx context.Context, url string, lo, hi uint64) ([]byte, error) {
	rc, err := t.GetRangeStream(ctx, url, lo, hi)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	buf := make([]byte, hi-lo)
	n := 0
	for n < len(buf) {
		m, err := rc.Read(buf[n:])
		n += m
		if err != nil {
			if err == io.EOF && uint64(n) == hi-lo {
				break
			}
			return nil, errors.Wrapf(merr.ErrTransport, "http: read range [%d,%d) of %s: %v", lo, hi, url, err)
		}
	}
	if uint64(n) != hi-lo {
		return nil, errors.Wrapf(merr.ErrTransport, "http: short range read of %s: wanted %d got %d", url, hi-lo, n)
	}
	return buf, nil
}

func (t *HTTPTransport) GetRangeStream(ctx context.Context, url string, lo, hi uint64) (io.ReadCloser, error) {
	b := t.backoff
	b.Reset()
	var lastErr error
	var retryable bool
	for attempt := 0; attempt <= t.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, errors.Wrap(merr.ErrCancelled, "http: range request cancelled during backoff")
			case <-time.After(b.Duration()):
			}
		}
		var rc io.ReadCloser
		rc, retryable, lastErr = t.tryRange(ctx, url, lo, hi)
		if lastErr == nil {
			return rc, nil
		}
		if !retryable {
			return nil, lastErr
		}
	}
	return nil, errors.Wrapf(merr.ErrTransport, "http: range [%d,%d) of %s: exhausted %d retries: %v", lo, hi, url, t.maxRetries, lastErr)
}

// tryRange issues one attempt, reporting whether a failure looks
// transient (5xx, a plain Do() network error) and worth a retry, as
// opposed to a definitive client error (404, satisfiable-range
// mismatch) that retrying won't fix.
func (t *HTTPTransport) tryRange(ctx context.Context, url string, lo, hi uint64) (io.ReadCloser, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, errors.Wrapf(merr.ErrTransport, "http: build GET %s: %v", url, err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", lo, hi-1))

	resp, err := t.client.Do(req)
	if err != nil {
		// Do() only returns an error for things below the HTTP layer
		// (dial failure, connection reset, timeout) — always worth a
		// retry.
		return nil, true, errors.Wrapf(merr.ErrTransport, "http: GET %s: %v", url, err)
	}
	if resp.StatusCode >= 500 {
		resp.Body.Close()
		return nil, true, errors.Wrapf(merr.ErrTransport, "http: GET %s range [%d,%d): status %d", url, lo, hi, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusPartialContent {
		resp.Body.Close()
		return nil, false, errors.Wrapf(merr.ErrTransport, "http: GET %s range [%d,%d): status %d", url, lo, hi, resp.StatusCode)
	}
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseUint(cl, 10, 64); err == nil && n != hi-lo {
			resp.Body.Close()
			return nil, false, errors.Wrapf(merr.ErrTransport, "http: GET %s range [%d,%d): server returned %d bytes", url, lo, hi, n)
		}
	}
	return resp.Body, false, nil
}
