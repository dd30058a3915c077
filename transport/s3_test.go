package transport

import (
	"context"
	"io/ioutil"
	"strconv"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 is grounded on the teacher's fakeS3/flakyS3 pair
// (go/store/nbs/s3_fake_test.go, s3_table_reader_test.go): an
// in-memory, single-bucket S3 double wired through s3iface.S3API so
// S3Transport never touches a real AWS endpoint in tests.
type fakeS3 struct {
	s3iface.S3API
	data         map[string][]byte
	failNextN    int
	requestCount int
}

func (f *fakeS3) HeadObjectWithContext(ctx aws.Context, in *s3.HeadObjectInput, _ ...request.Option) (*s3.HeadObjectOutput, error) {
	body, ok := f.data[*in.Key]
	if !ok {
		return nil, awserr.New("NoSuchKey", "no such key", nil)
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(body))),
		ETag:          aws.String(`"fake-etag"`),
	}, nil
}

func (f *fakeS3) GetObjectWithContext(ctx aws.Context, in *s3.GetObjectInput, _ ...request.Option) (*s3.GetObjectOutput, error) {
	f.requestCount++
	if f.failNextN > 0 {
		f.failNextN--
		return nil, awserr.New("InternalError", "injected failure", nil)
	}
	body, ok := f.data[*in.Key]
	if !ok {
		return nil, awserr.New("NoSuchKey", "no such key", nil)
	}
	lo, hi, ok := parseFakeRange(aws.StringValue(in.Range), len(body))
	if !ok {
		return nil, awserr.New("InvalidRange", "bad range", nil)
	}
	return &s3.GetObjectOutput{
		Body:          ioutil.NopCloser(strings.NewReader(string(body[lo:hi]))),
		ContentLength: aws.Int64(int64(hi - lo)),
	}, nil
}

// parseFakeRange parses the "bytes=lo-hi" header S3Transport sends.
func parseFakeRange(header string, total int) (lo, hi int, ok bool) {
	rest, found := strings.CutPrefix(header, "bytes=")
	if !found {
		return 0, 0, false
	}
	loStr, hiStr, found := strings.Cut(rest, "-")
	if !found {
		return 0, 0, false
	}
	lo, err := strconv.Atoi(loStr)
	if err != nil {
		return 0, 0, false
	}
	hiInclusive, err := strconv.Atoi(hiStr)
	if err != nil || hiInclusive < lo || hiInclusive >= total {
		return 0, 0, false
	}
	return lo, hiInclusive + 1, true
}

func TestS3TransportHead(t *testing.T) {
	f := &fakeS3{data: map[string][]byte{"obj": make([]byte, 2048)}}
	tr, err := NewS3Transport(S3Options{Bucket: "b", Svc: f})
	require.NoError(t, err)

	size, staleness, err := tr.Head(context.Background(), "obj")
	require.NoError(t, err)
	assert.Equal(t, uint64(2048), size)
	assert.NotEmpty(t, staleness)
}

func TestS3TransportGetRange(t *testing.T) {
	data := make([]byte, 2048)
	for i := range data {
		data[i] = byte(i)
	}
	f := &fakeS3{data: map[string][]byte{"obj": data}}
	tr, err := NewS3Transport(S3Options{Bucket: "b", Svc: f})
	require.NoError(t, err)

	got, err := tr.GetRange(context.Background(), "obj", 100, 200)
	require.NoError(t, err)
	assert.Equal(t, data[100:200], got)
}

func TestS3TransportRetriesOnInternalError(t *testing.T) {
	data := make([]byte, 1024)
	f := &fakeS3{data: map[string][]byte{"obj": data}, failNextN: 2}
	tr, err := NewS3Transport(S3Options{Bucket: "b", Svc: f, MaxRetries: 3})
	require.NoError(t, err)

	got, err := tr.GetRange(context.Background(), "obj", 0, 100)
	require.NoError(t, err)
	assert.Equal(t, data[0:100], got)
	assert.Equal(t, 3, f.requestCount)
}

func TestS3TransportNoSuchKeyIsNotRetried(t *testing.T) {
	f := &fakeS3{data: map[string][]byte{}}
	tr, err := NewS3Transport(S3Options{Bucket: "b", Svc: f, MaxRetries: 5})
	require.NoError(t, err)

	_, err = tr.GetRange(context.Background(), "missing", 0, 10)
	assert.Error(t, err)
	assert.Equal(t, 1, f.requestCount)
}
