// Package painter implements mrkl's C6 component: the scheduler that
// turns a byte-range request into a set of missing leaves, coalesces
// them into bounded ranged transfers, fetches and verifies them
// concurrently, and persists accepted chunks via chunkstore/treestore.
//
// Grounded on the teacher's worker-pool/commit-lane shape visible
// across chunks/*_test.go's ChunkStoreTestSuite (concurrent Put/Get
// against one store under a bounded number of goroutines) and on
// go/store/nbs's retry-on-connection-reset tests
// (s3_table_reader_test.go) for the chunk-level retry/backoff
// discipline.
package painter

import (
	"context"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"github.com/attic-labs/mrkl/chunkstore"
	"github.com/attic-labs/mrkl/events"
	"github.com/attic-labs/mrkl/merr"
	"github.com/attic-labs/mrkl/shape"
	"github.com/attic-labs/mrkl/transport"
	"github.com/attic-labs/mrkl/treestore"
)

// Future completes when a submitted leaf (or set of leaves) has
// either become valid or failed terminally. Modeled as a plain
// channel rather than a generic promise type, matching the rest of
// this codebase's preference for concrete, inspectable types.
type Future struct {
	done chan struct{}
	err  error
}

// Wait blocks until the future completes or ctx is cancelled first.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return merr.ErrCancelled
	}
}

func completedFuture() *Future {
	f := &Future{done: make(chan struct{})}
	close(f.done)
	return f
}

// leafFuture is the per-leaf completion signal that submitLeaves
// dedupes concurrent overlapping requests against.
type leafFuture struct {
	done chan struct{}
	err  error
}

func (lf *leafFuture) complete(err error) {
	lf.err = err
	close(lf.done)
}

// Painter is the scheduler. One Painter serves one (url, state tree,
// chunk store) triple.
type Painter struct {
	cfg   Config
	tr    transport.Transport
	url   string
	cs    *chunkstore.Store
	ref   *treestore.Tree
	state *treestore.Tree
	sink  events.Sink

	statePath string

	sem chan struct{}
	wg  sync.WaitGroup

	mu         sync.Mutex
	inflight   map[uint64]*leafFuture
	haveLast   bool
	lastEnd    uint64
	contiguous int
	autobuffer bool

	shuttingDown bool
	closeOnce    sync.Once
	closeErr     error
}

// New constructs a Painter. statePath is where Close persists the
// state tree during the flushing phase.
func New(cfg Config, tr transport.Transport, url string, cs *chunkstore.Store, ref, state *treestore.Tree, statePath string, sink events.Sink) *Painter {
	cfg = cfg.withDefaults()
	state.SetSink(sink)
	return &Painter{
		cfg:       cfg,
		tr:        tr,
		url:       url,
		cs:        cs,
		ref:       ref,
		state:     state,
		sink:      sink,
		statePath: statePath,
		sem:       make(chan struct{}, cfg.MaxInflight),
		inflight:  make(map[uint64]*leafFuture),
	}
}

func (p *Painter) emit(e events.Event) {
	if p.sink != nil {
		p.sink.Emit(e)
	}
}

// Materialize blocks until every leaf overlapping [lo, hi) is valid,
// per spec.md §4.6 step 2. It is the synchronous counterpart of
// Submit for callers (filechannel) that always wait immediately.
func (p *Painter) Materialize(ctx context.Context, lo, hi uint64) error {
	return p.Submit(ctx, lo, hi).Wait(ctx)
}

// Submit computes the leaves missing from [lo, hi), coalesces and
// schedules their fetch, records read-ahead bookkeeping, and returns a
// Future that completes once every leaf in range is valid or one
// fails terminally.
func (p *Painter) Submit(ctx context.Context, lo, hi uint64) *Future {
	s := p.state.Shape()
	kLo, kHiIncl := s.LeavesCovering(lo, hi)

	var missing []uint64
	for k := kLo; k <= kHiIncl; k++ {
		if !p.state.IsValid(k) {
			missing = append(missing, k)
		}
	}

	p.recordRead(lo, hi, kHiIncl+1)

	if len(missing) == 0 {
		return completedFuture()
	}

	futures := p.submitLeaves(missing, false)
	return joinFutures(futures)
}

func joinFutures(futures []*leafFuture) *Future {
	f := &Future{done: make(chan struct{})}
	go func() {
		var firstErr error
		for _, lf := range futures {
			<-lf.done
			if lf.err != nil && firstErr == nil {
				firstErr = lf.err
			}
		}
		f.err = firstErr
		close(f.done)
	}()
	return f
}

// submitLeaves dedupes against leaves already being fetched, coalesces
// the rest into transfers, and launches one goroutine per transfer.
// lowPriority marks read-ahead-originated work, which is dropped
// outright (rather than started) once shutdown has begun.
func (p *Painter) submitLeaves(missing []uint64, lowPriority bool) []*leafFuture {
	p.mu.Lock()
	var toFetch []uint64
	futures := make([]*leafFuture, 0, len(missing))
	for _, k := range missing {
		if lf, ok := p.inflight[k]; ok {
			futures = append(futures, lf)
			continue
		}
		lf := &leafFuture{done: make(chan struct{})}
		p.inflight[k] = lf
		futures = append(futures, lf)
		toFetch = append(toFetch, k)
	}
	shuttingDown := p.shuttingDown
	p.mu.Unlock()

	if len(toFetch) == 0 {
		return futures
	}
	if lowPriority && shuttingDown {
		p.failLeaves(toFetch, merr.ErrCancelled)
		return futures
	}

	// Effective max transfer size scales down with how many transfers
	// are already in flight (spec.md §4.5.3): prefer fewer, larger
	// requests when idle and many, smaller ones once saturated.
	active := len(p.sem)
	maxTransfer := p.cfg.TargetTransferBytes(active)
	xfers := coalesce(p.state.Shape(), toFetch, p.cfg.MinTransfer, maxTransfer)
	for _, x := range xfers {
		x := x
		p.wg.Add(1)
		go p.runTransfer(x)
	}
	return futures
}

func (p *Painter) failLeaves(leaves []uint64, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, k := range leaves {
		if lf, ok := p.inflight[k]; ok {
			delete(p.inflight, k)
			lf.complete(err)
		}
	}
}

func (p *Painter) completeLeaf(k uint64, err error) {
	p.mu.Lock()
	lf, ok := p.inflight[k]
	if ok {
		delete(p.inflight, k)
	}
	p.mu.Unlock()
	if ok {
		lf.complete(err)
	}
}

// runTransfer fetches one coalesced byte range (retrying transport
// failures up to MaxNetRetries), then verifies and accepts each
// covered chunk independently.
func (p *Painter) runTransfer(x xfer) {
	defer p.wg.Done()

	p.sem <- struct{}{}
	defer func() { <-p.sem }()

	ctx := context.Background()
	size := x.hi - x.lo
	p.emit(events.Event{Kind: events.RangeStart, Fields: map[string]any{
		"from_leaf": x.kLo, "to_leaf": x.kHi - 1, "byte_begin": x.lo, "byte_end": x.hi, "size": size,
	}})
	start := time.Now()

	data, err := p.fetchWithRetry(ctx, x.lo, x.hi)
	if err != nil {
		p.failRange(x, err)
		return
	}

	p.emit(events.Event{Kind: events.RangeDone, Fields: map[string]any{
		"from_leaf": x.kLo, "to_leaf": x.kHi - 1, "byte_begin": x.lo, "byte_end": x.hi, "size": size,
		"elapsed_ms": time.Since(start).Milliseconds(),
	}})

	s := p.state.Shape()
	for k := x.kLo; k < x.kHi; k++ {
		start, end := s.ChunkRange(k)
		p.acceptWithRetry(ctx, k, data[start-x.lo:end-x.lo])
	}
}

func (p *Painter) fetchWithRetry(ctx context.Context, lo, hi uint64) ([]byte, error) {
	b := backoff.Backoff{Min: 50 * time.Millisecond, Max: 2 * time.Second, Factor: 2, Jitter: true}
	var lastErr error
	for attempt := 0; attempt <= p.cfg.MaxNetRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(b.Duration())
		}
		data, err := p.tr.GetRange(ctx, p.url, lo, hi)
		if err == nil {
			return data, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (p *Painter) failRange(x xfer, err error) {
	leaves := make([]uint64, 0, x.kHi-x.kLo)
	for k := x.kLo; k < x.kHi; k++ {
		leaves = append(leaves, k)
	}
	p.failLeaves(leaves, err)
}

// acceptWithRetry verifies+accepts leaf k, retrying on a hash mismatch
// with a fresh single-chunk fetch per attempt, per spec.md §4.5.5.
func (p *Painter) acceptWithRetry(ctx context.Context, k uint64, bytes []byte) {
	s := p.state.Shape()
	b := backoff.Backoff{Min: 25 * time.Millisecond, Max: 1 * time.Second, Factor: 2, Jitter: true}

	for attempt := 0; ; attempt++ {
		ok, err := p.state.TryAcceptChunk(p.ref, k, bytes, func(data []byte) error {
			return p.cs.WriteChunk(k, data)
		})
		if err != nil {
			p.completeLeaf(k, err)
			return
		}
		if ok {
			p.completeLeaf(k, nil)
			return
		}
		if attempt >= p.cfg.MaxRetries {
			p.completeLeaf(k, &merr.VerificationExhausted{Leaf: k})
			return
		}

		p.emit(events.Event{Kind: events.ChunkVfyRetry, Fields: map[string]any{"leaf_index": k, "attempt": attempt + 1}})
		time.Sleep(b.Duration())

		start, end := s.ChunkRange(k)
		fresh, err := p.fetchWithRetry(ctx, start, end)
		if err != nil {
			p.completeLeaf(k, err)
			return
		}
		bytes = fresh
	}
}

// recordRead updates the sequential-access tracker (spec.md §4.5.4)
// and, once armed, schedules a low-priority read-ahead transfer for
// the leaves just beyond this read.
func (p *Painter) recordRead(lo, hi uint64, kHi uint64) {
	p.mu.Lock()
	contiguous := p.haveLast && lo == p.lastEnd
	if contiguous {
		p.contiguous++
	} else {
		// This read starts a new run of contiguous reads.
		p.contiguous = 1
		p.autobuffer = false
	}
	p.haveLast = true
	p.lastEnd = hi

	armedNow := !p.autobuffer && p.contiguous >= p.cfg.AutobufferThreshold
	if armedNow {
		p.autobuffer = true
	}
	autobuffer := p.autobuffer
	consecutiveCount := p.contiguous
	p.mu.Unlock()

	if armedNow {
		p.emit(events.Event{Kind: events.AutoBufferOn, Fields: map[string]any{"consecutive_count": consecutiveCount, "threshold": p.cfg.AutobufferThreshold}})
	}
	if !autobuffer {
		return
	}
	p.scheduleReadAhead(kHi)
}

func (p *Painter) scheduleReadAhead(fromLeaf uint64) {
	s := p.state.Shape()
	if fromLeaf >= s.LeafCount() {
		return
	}
	w := readAheadWindow(s, fromLeaf, p.cfg.MinTransfer, p.cfg.MaxTransfer)
	toLeaf := fromLeaf + w
	if toLeaf > s.LeafCount() {
		toLeaf = s.LeafCount()
	}

	var missing []uint64
	for k := fromLeaf; k < toLeaf; k++ {
		if !p.state.IsValid(k) {
			missing = append(missing, k)
		}
	}
	if len(missing) == 0 {
		return
	}
	p.emit(events.Event{Kind: events.ReadAhead, Fields: map[string]any{"from_leaf": missing[0], "to_leaf": missing[len(missing)-1]}})
	p.submitLeaves(missing, true)
}

// readAheadWindow picks a leaf count W such that the resulting
// transfer's byte size lies within [minTransfer, maxTransfer], per
// spec.md §4.5.4.
func readAheadWindow(s shape.Shape, fromLeaf, minTransfer, maxTransfer uint64) uint64 {
	w := maxTransfer / s.ChunkSize
	if w == 0 {
		w = 1
	}
	if s.ChunkSize*w < minTransfer {
		w = (minTransfer + s.ChunkSize - 1) / s.ChunkSize
	}
	if fromLeaf+w > s.LeafCount() {
		w = s.LeafCount() - fromLeaf
	}
	if w == 0 {
		w = 1
	}
	return w
}

// Close runs the shutdown sequence (spec.md §4.5.6): stop accepting
// new read-ahead work, wait up to ShutdownGrace for in-flight
// transfers, recompute internal hashes for now-fully-valid subtrees,
// and persist the state tree.
func (p *Painter) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.emit(events.Event{Kind: events.ShutdownInit})

		p.mu.Lock()
		p.shuttingDown = true
		p.mu.Unlock()
		p.emit(events.Event{Kind: events.ShutdownStopping})

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(p.cfg.ShutdownGrace):
		case <-ctx.Done():
		}

		p.emit(events.Event{Kind: events.ShutdownHashing})
		p.state.RecomputeValidInternal()

		p.emit(events.Event{Kind: events.ShutdownFlushing})
		p.closeErr = p.state.Save(p.statePath)

		p.emit(events.Event{Kind: events.ShutdownComplete})
	})
	return p.closeErr
}
