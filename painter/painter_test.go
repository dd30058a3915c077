package painter

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attic-labs/mrkl/chunkstore"
	"github.com/attic-labs/mrkl/events"
	"github.com/attic-labs/mrkl/transport"
	"github.com/attic-labs/mrkl/transport/transporttest"
	"github.com/attic-labs/mrkl/treestore"
)

func httpTransportFor(t *testing.T, srv *transporttest.Server) transport.Transport {
	t.Helper()
	return transport.NewHTTPTransport(transport.HTTPOptions{})
}

func randBytes(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i) + seed
	}
	return b
}

func newFixture(t *testing.T, content []byte) (*treestore.Tree, *treestore.Tree, *chunkstore.Store, string) {
	t.Helper()
	ref, err := treestore.BuildReferenceFromReaderAt(bytes.NewReader(content), uint64(len(content)))
	require.NoError(t, err)

	dir := t.TempDir()
	statePath := filepath.Join(dir, "a.mrkl")
	state, err := treestore.CreateStateFromReference(ref, statePath)
	require.NoError(t, err)

	cs, err := chunkstore.Open(filepath.Join(dir, "content.bin"), ref.Shape(), chunkstore.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { cs.Close() })

	return ref, state, cs, statePath
}

func TestMaterializeFetchesAndVerifiesMissingLeaves(t *testing.T) {
	chunkSize := uint64(1048576)
	content := randBytes(int(4*chunkSize), 1)
	ref, state, cs, statePath := newFixture(t, content)

	srv := transporttest.New(content)
	defer srv.Close()

	cfg := Config{MinTransfer: chunkSize, MaxTransfer: 5 * chunkSize, MaxInflight: 4}
	p := New(cfg, httpTransportFor(t, srv), srv.URL(), cs, ref, state, statePath, nil)

	err := p.Materialize(context.Background(), 0, uint64(len(content)))
	require.NoError(t, err)

	for k := uint64(0); k < ref.Shape().LeafCount(); k++ {
		assert.True(t, state.IsValid(k))
	}
	got, err := cs.Read(0, uint64(len(content)))
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestMaterializeIsIdempotentOnceValid(t *testing.T) {
	chunkSize := uint64(1048576)
	content := randBytes(int(2*chunkSize), 2)
	ref, state, cs, statePath := newFixture(t, content)

	srv := transporttest.New(content)
	defer srv.Close()

	cfg := Config{MinTransfer: chunkSize, MaxTransfer: 5 * chunkSize, MaxInflight: 4}
	p := New(cfg, httpTransportFor(t, srv), srv.URL(), cs, ref, state, statePath, nil)

	require.NoError(t, p.Materialize(context.Background(), 0, uint64(len(content))))
	before := srv.RequestCount()
	require.NoError(t, p.Materialize(context.Background(), 0, uint64(len(content))))
	assert.Equal(t, before, srv.RequestCount())
}

func TestConcurrentOverlappingReadsDedupe(t *testing.T) {
	chunkSize := uint64(1048576)
	content := randBytes(int(4*chunkSize), 3)
	ref, state, cs, statePath := newFixture(t, content)

	srv := transporttest.New(content)
	defer srv.Close()

	cfg := Config{MinTransfer: chunkSize, MaxTransfer: 5 * chunkSize, MaxInflight: 4}
	p := New(cfg, httpTransportFor(t, srv), srv.URL(), cs, ref, state, statePath, nil)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = p.Materialize(context.Background(), 0, uint64(len(content)))
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}
	for k := uint64(0); k < ref.Shape().LeafCount(); k++ {
		assert.True(t, state.IsValid(k))
	}
}

func TestVerificationFailureExhaustsRetries(t *testing.T) {
	chunkSize := uint64(1048576)
	content := randBytes(int(chunkSize), 4)
	ref, state, cs, statePath := newFixture(t, content)

	// A transport that always returns the wrong bytes forces every
	// verification attempt to fail.
	tr := &wrongBytesTransport{size: uint64(len(content))}

	cfg := Config{MinTransfer: chunkSize, MaxTransfer: chunkSize, MaxRetries: 2, MaxNetRetries: 0}
	p := New(cfg, tr, "wrong://artifact", cs, ref, state, statePath, nil)

	err := p.Materialize(context.Background(), 0, uint64(len(content)))
	assert.Error(t, err)
	assert.False(t, state.IsValid(0))
}

func TestReadAheadArmsAfterContiguousReads(t *testing.T) {
	chunkSize := uint64(65536)
	content := randBytes(int(20*chunkSize), 5)
	ref, state, cs, statePath := newFixture(t, content)

	srv := transporttest.New(content)
	defer srv.Close()

	cfg := Config{MinTransfer: chunkSize, MaxTransfer: 2 * chunkSize, MaxInflight: 4, AutobufferThreshold: 3}
	sink := &recordingSink{}
	p := New(cfg, httpTransportFor(t, srv), srv.URL(), cs, ref, state, statePath, sink)

	off := uint64(0)
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Materialize(context.Background(), off, off+chunkSize))
		off += chunkSize
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.True(t, sink.sawAutoBufferOn)
}

func TestCloseRunsShutdownSequenceAndPersists(t *testing.T) {
	chunkSize := uint64(1048576)
	content := randBytes(int(2*chunkSize), 6)
	ref, state, cs, statePath := newFixture(t, content)

	srv := transporttest.New(content)
	defer srv.Close()

	cfg := Config{MinTransfer: chunkSize, MaxTransfer: 5 * chunkSize, MaxInflight: 2, ShutdownGrace: time.Second}
	sink := &recordingSink{}
	p := New(cfg, httpTransportFor(t, srv), srv.URL(), cs, ref, state, statePath, sink)

	require.NoError(t, p.Materialize(context.Background(), 0, uint64(len(content))))
	require.NoError(t, p.Close(context.Background()))

	sink.mu.Lock()
	kinds := append([]events.Kind(nil), sink.kinds...)
	sink.mu.Unlock()
	assertContainsInOrder(t, kinds, events.ShutdownInit, events.ShutdownStopping, events.ShutdownHashing, events.ShutdownFlushing, events.ShutdownComplete)

	loaded, err := treestore.Load(statePath)
	require.NoError(t, err)
	for k := uint64(0); k < ref.Shape().LeafCount(); k++ {
		assert.True(t, loaded.IsValid(k))
	}
}

func assertContainsInOrder(t *testing.T, kinds []events.Kind, want ...events.Kind) {
	t.Helper()
	idx := 0
	for _, k := range kinds {
		if idx < len(want) && k == want[idx] {
			idx++
		}
	}
	assert.Equal(t, len(want), idx, "expected %v in order within %v", want, kinds)
}

type recordingSink struct {
	mu               sync.Mutex
	kinds            []events.Kind
	sawAutoBufferOn  bool
}

func (s *recordingSink) Emit(e events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kinds = append(s.kinds, e.Kind)
	if e.Kind == events.AutoBufferOn {
		s.sawAutoBufferOn = true
	}
}

// wrongBytesTransport satisfies transport.Transport but always returns
// bytes that won't hash-match, to exercise acceptWithRetry's
// exhaustion path without a real server.
type wrongBytesTransport struct{ size uint64 }

func (w *wrongBytesTransport) Head(ctx context.Context, url string) (uint64, string, error) {
	return w.size, "", nil
}

func (w *wrongBytesTransport) GetRange(ctx context.Context, url string, lo, hi uint64) ([]byte, error) {
	b := make([]byte, hi-lo)
	for i := range b {
		b[i] = 0xFF
	}
	return b, nil
}

func (w *wrongBytesTransport) GetRangeStream(ctx context.Context, url string, lo, hi uint64) (io.ReadCloser, error) {
	b, _ := w.GetRange(ctx, url, lo, hi)
	return io.NopCloser(bytes.NewReader(b)), nil
}
