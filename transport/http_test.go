package transport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attic-labs/mrkl/transport/transporttest"
)

func TestHTTPTransportHead(t *testing.T) {
	data := make([]byte, 4096)
	srv := transporttest.New(data)
	defer srv.Close()

	tr := NewHTTPTransport(HTTPOptions{})
	size, staleness, err := tr.Head(context.Background(), srv.URL())
	require.NoError(t, err)
	assert.Equal(t, uint64(4096), size)
	assert.NotEmpty(t, staleness)
}

func TestHTTPTransportGetRange(t *testing.T) {
	data := make([]byte, 4096)
	for i := range data {
		data[i] = byte(i)
	}
	srv := transporttest.New(data)
	defer srv.Close()

	tr := NewHTTPTransport(HTTPOptions{})
	got, err := tr.GetRange(context.Background(), srv.URL(), 100, 200)
	require.NoError(t, err)
	assert.Equal(t, data[100:200], got)
}

func TestHTTPTransportRetriesOn500(t *testing.T) {
	data := make([]byte, 1024)
	srv := transporttest.New(data)
	defer srv.Close()
	srv.FailNext(2)

	tr := NewHTTPTransport(HTTPOptions{MaxRetries: 3})
	got, err := tr.GetRange(context.Background(), srv.URL(), 0, 100)
	require.NoError(t, err)
	assert.Equal(t, data[0:100], got)
}

func TestHTTPTransportGivesUpAfterMaxRetries(t *testing.T) {
	data := make([]byte, 1024)
	srv := transporttest.New(data)
	defer srv.Close()
	srv.FailNext(10)

	tr := NewHTTPTransport(HTTPOptions{MaxRetries: 2})
	_, err := tr.GetRange(context.Background(), srv.URL(), 0, 100)
	assert.Error(t, err)
}

func TestHTTPTransportRejectsOutOfRangeRequest(t *testing.T) {
	data := make([]byte, 100)
	srv := transporttest.New(data)
	defer srv.Close()

	tr := NewHTTPTransport(HTTPOptions{MaxRetries: 0})
	_, err := tr.GetRange(context.Background(), srv.URL(), 50, 1000)
	assert.Error(t, err)
}
