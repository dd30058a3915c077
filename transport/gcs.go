package transport

import (
	"context"
	"io"
	"time"

	"cloud.google.com/go/storage"
	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/attic-labs/mrkl/merr"
)

// gcsObject is the slice of *storage.ObjectHandle that GCSTransport
// needs, narrowed to an interface the same way transport/s3.go depends
// on s3iface.S3API rather than the concrete AWS client, so tests can
// supply an in-memory double. NewRangeReader returns a plain
// io.ReadCloser rather than *storage.Reader so a fake doesn't need to
// construct one (storage.Reader has no exported constructor).
type gcsObject interface {
	Attrs(ctx context.Context) (*storage.ObjectAttrs, error)
	NewRangeReader(ctx context.Context, offset, length int64) (io.ReadCloser, error)
}

// gcsBucket is the corresponding narrowed slice of *storage.BucketHandle.
type gcsBucket interface {
	Object(name string) gcsObject
}

type realGCSBucket struct{ h *storage.BucketHandle }

func (b realGCSBucket) Object(name string) gcsObject { return realGCSObject{b.h.Object(name)} }

type realGCSObject struct{ h *storage.ObjectHandle }

func (o realGCSObject) Attrs(ctx context.Context) (*storage.ObjectAttrs, error) {
	return o.h.Attrs(ctx)
}

func (o realGCSObject) NewRangeReader(ctx context.Context, offset, length int64) (io.ReadCloser, error) {
	return o.h.NewRangeReader(ctx, offset, length)
}

// GCSTransport adapts Transport to an artifact stored as a single GCS
// object, addressed by bare object name within a fixed bucket rather
// than a gs:// URL, mirroring S3Transport's key-within-bucket
// convention (transport/s3.go).
type GCSTransport struct {
	bucket     gcsBucket
	bucketName string
	maxRetries int
	backoff    backoff.Backoff
}

// GCSOptions configures a GCSTransport. TokenSource is nil by default,
// which leaves credential discovery to the client library's usual
// application-default-credentials search.
type GCSOptions struct {
	Bucket      string
	TokenSource oauth2.TokenSource
	MaxRetries  int

	bucket gcsBucket // test injection point; unlike S3Options.Svc it is unexported
}

func NewGCSTransport(ctx context.Context, opts GCSOptions) (*GCSTransport, error) {
	bucket := opts.bucket
	if bucket == nil {
		var clientOpts []option.ClientOption
		if opts.TokenSource != nil {
			clientOpts = append(clientOpts, option.WithTokenSource(opts.TokenSource))
		}
		client, err := storage.NewClient(ctx, clientOpts...)
		if err != nil {
			return nil, errors.Wrapf(merr.ErrTransport, "gcs: new client: %v", err)
		}
		bucket = realGCSBucket{client.Bucket(opts.Bucket)}
	}
	retries := opts.MaxRetries
	if retries == 0 {
		retries = 3
	}
	return &GCSTransport{
		bucket:     bucket,
		bucketName: opts.Bucket,
		maxRetries: retries,
		backoff:    backoff.Backoff{Min: 50 * time.Millisecond, Max: 2 * time.Second, Factor: 2, Jitter: true},
	}, nil
}

func (t *GCSTransport) Head(ctx context.Context, object string) (uint64, string, error) {
	attrs, err := t.bucket.Object(object).Attrs(ctx)
	if err != nil {
		return 0, "", errors.Wrapf(merr.ErrTransport, "gcs: attrs gs://%s/%s: %v", t.bucketName, object, err)
	}
	return uint64(attrs.Size), attrs.Etag, nil
}

func (t *GCSTransport) GetRange(ctx context.Context, object string, lo, hi uint64) ([]byte, error) {
	rc, err := t.GetRangeStream(ctx, object, lo, hi)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	buf := make([]byte, hi-lo)
	if _, err := io.ReadFull(rc, buf); err != nil {
		return nil, errors.Wrapf(merr.ErrTransport, "gcs: read range [%d,%d) of gs://%s/%s: %v", lo, hi, t.bucketName, object, err)
	}
	return buf, nil
}

func (t *GCSTransport) GetRangeStream(ctx context.Context, object string, lo, hi uint64) (io.ReadCloser, error) {
	b := t.backoff
	b.Reset()

	var lastErr error
	for attempt := 0; attempt <= t.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, errors.Wrap(merr.ErrCancelled, "gcs: range request cancelled during backoff")
			case <-time.After(b.Duration()):
			}
		}
		rc, err := t.bucket.Object(object).NewRangeReader(ctx, int64(lo), int64(hi-lo))
		if err == nil {
			return rc, nil
		}
		lastErr = err
		if !isRetryableGCSErr(err) {
			return nil, errors.Wrapf(merr.ErrTransport, "gcs: NewRangeReader gs://%s/%s [%d,%d): %v", t.bucketName, object, lo, hi, err)
		}
	}
	return nil, errors.Wrapf(merr.ErrTransport, "gcs: NewRangeReader gs://%s/%s [%d,%d): exhausted %d retries: %v", t.bucketName, object, lo, hi, t.maxRetries, lastErr)
}

// isRetryableGCSErr mirrors isRetryableS3Err (transport/s3.go): separate
// transient server-side failures from definitive ones (no such object,
// access denied, unsatisfiable range).
func isRetryableGCSErr(err error) bool {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return true
	}
	switch gerr.Code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}
