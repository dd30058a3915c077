package transport

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/jpillora/backoff"
	"github.com/pkg/errors"

	"github.com/attic-labs/mrkl/merr"
)

// S3Transport adapts Transport to an artifact stored as a single S3
// object, for callers whose origin is S3 rather than a generic HTTP(S)
// server. Grounded on the teacher's s3ObjectReader/s3TableReaderAt
// (go/store/nbs/s3_object_reader_test.go,
// go/store/nbs/s3_table_reader_test.go): a thin s3iface.S3API wrapper
// with a Range-qualified GetObject and retry-on-connection-reset, here
// generalized from "table file" chunk reads to plain byte ranges.
type S3Transport struct {
	svc        s3iface.S3API
	bucket     string
	maxRetries int
	backoff    backoff.Backoff
}

// S3Options configures an S3Transport. URL arguments passed to Head /
// GetRange / GetRangeStream are treated as S3 keys within Bucket, not
// full s3:// URLs, mirroring the teacher's s3ObjectReader which is
// likewise constructed with a fixed bucket and addressed by key.
type S3Options struct {
	Bucket     string
	Svc        s3iface.S3API // nil uses a default session-derived client
	MaxRetries int
}

func NewS3Transport(opts S3Options) (*S3Transport, error) {
	svc := opts.Svc
	if svc == nil {
		sess, err := session.NewSession()
		if err != nil {
			return nil, errors.Wrapf(merr.ErrTransport, "s3: new session: %v", err)
		}
		svc = s3.New(sess)
	}
	retries := opts.MaxRetries
	if retries == 0 {
		retries = 3
	}
	return &S3Transport{
		svc:        svc,
		bucket:     opts.Bucket,
		maxRetries: retries,
		backoff:    backoff.Backoff{Min: 50 * time.Millisecond, Max: 2 * time.Second, Factor: 2, Jitter: true},
	}, nil
}

func (t *S3Transport) Head(ctx context.Context, key string) (uint64, string, error) {
	out, err := t.svc.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, "", errors.Wrapf(merr.ErrTransport, "s3: HeadObject s3://%s/%s: %v", t.bucket, key, err)
	}
	staleness := ""
	if out.ETag != nil {
		staleness = *out.ETag
	}
	var size uint64
	if out.ContentLength != nil {
		size = uint64(*out.ContentLength)
	}
	return size, staleness, nil
}

func (t *S3Transport) GetRange(ctx context.Context, key string, lo, hi uint64) ([]byte, error) {
	rc, err := t.GetRangeStream(ctx, key, lo, hi)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	buf := make([]byte, hi-lo)
	if _, err := io.ReadFull(rc, buf); err != nil {
		return nil, errors.Wrapf(merr.ErrTransport, "s3: read range [%d,%d) of s3://%s/%s: %v", lo, hi, t.bucket, key, err)
	}
	return buf, nil
}

func (t *S3Transport) GetRangeStream(ctx context.Context, key string, lo, hi uint64) (io.ReadCloser, error) {
	rangeHeader := fmt.Sprintf("bytes=%d-%d", lo, hi-1)
	b := t.backoff
	b.Reset()

	var lastErr error
	for attempt := 0; attempt <= t.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, errors.Wrap(merr.ErrCancelled, "s3: range request cancelled during backoff")
			case <-time.After(b.Duration()):
			}
		}
		out, err := t.svc.GetObjectWithContext(ctx, &s3.GetObjectInput{
			Bucket: aws.String(t.bucket),
			Key:    aws.String(key),
			Range:  aws.String(rangeHeader),
		})
		if err == nil {
			return out.Body, nil
		}
		lastErr = err
		if !isRetryableS3Err(err) {
			return nil, errors.Wrapf(merr.ErrTransport, "s3: GetObject s3://%s/%s range %s: %v", t.bucket, key, rangeHeader, err)
		}
	}
	return nil, errors.Wrapf(merr.ErrTransport, "s3: GetObject s3://%s/%s range %s: exhausted %d retries: %v", t.bucket, key, rangeHeader, t.maxRetries, lastErr)
}

// isRetryableS3Err separates transient failures (connection reset
// mid-body, throttling, internal error) from definitive ones (no such
// key, access denied, unsatisfiable range) the way the teacher's
// makeFlakyS3/TolerateFailingReads tests exercise.
func isRetryableS3Err(err error) bool {
	aerr, ok := err.(awserr.Error)
	if !ok {
		return true
	}
	switch aerr.Code() {
	case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable":
		return true
	default:
		return false
	}
}
