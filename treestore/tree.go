// Package treestore implements mrkl's C3 component: the persistent
// representation of a Merkle tree's node hashes and per-leaf validity
// bitmap, in the two roles described by spec.md §3/§4.3 — an
// immutable Reference tree (the verification oracle) and an
// incrementally-filled State tree (the client's working copy).
//
// Grounded on the teacher's chunk-store test suite
// (chunks/chunk_store_common_test.go, chunks/file_store_test.go): the
// compare-and-swap-ish "verify before any side effect, then publish"
// discipline of TryAcceptChunk mirrors FileStore's UpdateRoot, and the
// atomic save-then-reload discipline mirrors FileStore's temp-file
// commit protocol. The striped per-leaf locking mirrors the teacher's
// datas.cachingChunkHaver's per-key serialization.
package treestore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/attic-labs/mrkl/d"
	"github.com/attic-labs/mrkl/events"
	"github.com/attic-labs/mrkl/hash"
	"github.com/attic-labs/mrkl/merr"
	"github.com/attic-labs/mrkl/shape"
)

// Kind distinguishes a Reference tree (all leaves known, immutable)
// from a State tree (leaves filled in incrementally).
type Kind int

const (
	KindState Kind = iota
	KindReference
)

func (k Kind) String() string {
	if k == KindReference {
		return "reference"
	}
	return "state"
}

// stripes bounds the number of mutexes used to serialize
// TryAcceptChunk per leaf (spec.md §4.3 "per-index lock or striped
// lock"); one stripe guards many leaves, never blocking unrelated
// leaves against each other except by hash collision on k%stripes.
const stripes = 256

// Tree is the in-memory (and, via Save/Load, on-disk) representation
// of one Merkle tree: its shape, its heap-ordered node hashes, and —
// for a State tree — its validity bitmap.
type Tree struct {
	kind  Kind
	shape shape.Shape

	mu     sync.RWMutex // guards nodes/bitmap slice headers & kind promotion
	nodes  []hash.Hash  // heap order, len == shape.NodeCount()
	bitmap *bitmap

	leafLocks [stripes]sync.Mutex
	sink      events.Sink
}

// SetSink installs the event sink used by TryAcceptChunk to report
// verification failures (spec.md §4.3 "emits a verification-failure
// event"). Safe to call once before the tree is shared across
// goroutines; nil (the default) means events are dropped.
func (t *Tree) SetSink(sink events.Sink) { t.sink = sink }

func (t *Tree) emit(e events.Event) {
	if t.sink != nil {
		t.sink.Emit(e)
	}
}

// Shape returns the tree's geometry.
func (t *Tree) Shape() shape.Shape { return t.shape }

// Kind reports whether this is a Reference or State tree.
func (t *Tree) Kind() Kind { return t.kind }

// NewReference builds a Reference tree directly from a complete slice
// of leaf hashes (len == shape.LeafCount()), computing every internal
// hash bottom-up per spec.md invariant (2). All validity bits are set.
func NewReference(s shape.Shape, leafHashes []hash.Hash) *Tree {
	d.PanicIfTrue(uint64(len(leafHashes)) != s.LeafCount(), "treestore: expected %d leaf hashes, got %d", s.LeafCount(), len(leafHashes))

	t := &Tree{kind: KindReference, shape: s, nodes: make([]hash.Hash, s.NodeCount())}
	offset := s.Offset()
	copy(t.nodes[offset:], leafHashes)
	t.recomputeInternal(0, s.NodeCount()-1)

	bm := newBitmap(s.LeafCount())
	bm.setAll()
	t.bitmap = bm
	return t
}

// recomputeInternal fills hashes for every internal node in [0, offset)
// bottom-up. Per spec.md §4.1's odd-sibling padding rule, a missing
// right child (2i+2 out of range) falls back to the left child's hash;
// given this tree's node_count = 2*leafCount-1, every internal node
// always has both children in range (a property of full binary trees
// with exactly leafCount-1 internal nodes), so the padding branch is
// defensive rather than load-bearing.
func (t *Tree) recomputeInternal(_, _ uint64) {
	offset := t.shape.Offset()
	for i := int64(offset) - 1; i >= 0; i-- {
		t.nodes[i] = t.combineAt(uint64(i))
	}
}

func (t *Tree) combineAt(i uint64) hash.Hash {
	left, right := shape.Children(i)
	l := t.nodes[left]
	r := l
	if right < uint64(len(t.nodes)) {
		r = t.nodes[right]
	}
	return hash.Node(l, r)
}

// BuildReferenceFromReaderAt computes a Reference tree from an
// entire artifact available as a ReaderAt (e.g. a local file, or bytes
// already downloaded in full) — the sole way to build a reference
// without a pre-built tree file, per spec.md §4.3.
func BuildReferenceFromReaderAt(ra io.ReaderAt, totalContentSize uint64) (*Tree, error) {
	s := shape.FromContentSize(totalContentSize)
	leaves := make([]hash.Hash, s.LeafCount())
	buf := make([]byte, s.ChunkSize)
	for k := uint64(0); k < s.LeafCount(); k++ {
		start, end := s.ChunkRange(k)
		n := int(end - start)
		if _, err := ra.ReadAt(buf[:n], int64(start)); err != nil && err != io.EOF {
			return nil, errors.Wrapf(err, "treestore: reading chunk %d", k)
		}
		leaves[k] = hash.Leaf(buf[:n])
	}
	return NewReference(s, leaves), nil
}

// CreateStateFromReference derives a fresh State tree from ref: same
// shape, internal hashes copied verbatim (they're authoritative and
// don't change as leaves fill in — only validity does), bitmap
// cleared. The result is saved to statePath before returning, per
// spec.md §4.3.
func CreateStateFromReference(ref *Tree, statePath string) (*Tree, error) {
	d.PanicIfTrue(ref.kind != KindReference, "treestore: CreateStateFromReference requires a Reference tree")

	t := &Tree{
		kind:   KindState,
		shape:  ref.shape,
		nodes:  append([]hash.Hash(nil), ref.nodes...),
		bitmap: newBitmap(ref.shape.LeafCount()),
	}
	if err := t.Save(statePath); err != nil {
		return nil, err
	}
	return t, nil
}

// IsValid reports whether leaf k has been verified and persisted. It
// takes the tree's read lock, so concurrent readers do not block each
// other.
func (t *Tree) IsValid(k uint64) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.bitmap.get(k)
}

// SetValid marks leaf k verified. Exposed for tests and for recovery
// paths; normal callers go through TryAcceptChunk.
func (t *Tree) SetValid(k uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bitmap.set(k)
}

// ClearValid marks leaf k as not yet verified.
func (t *Tree) ClearValid(k uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bitmap.clear(k)
}

// HashOfLeaf returns leaf k's hash. Lock-free (reads of the node
// array are safe once the tree is built; only the bitmap mutates).
func (t *Tree) HashOfLeaf(k uint64) hash.Hash {
	return t.nodes[t.shape.Offset()+k]
}

// HashOfNode returns internal/leaf node i's hash. Only meaningful on a
// State tree for a node whose entire subtree is valid (spec.md
// invariant 4); callers are responsible for that precondition — this
// method does not check it, mirroring the spec's "must not be
// consulted" wording (a check here would require walking the subtree
// on every read, defeating the point of a lock-free hot path).
func (t *Tree) HashOfNode(i uint64) hash.Hash {
	return t.nodes[i]
}

// NodeCount is the size of the heap-ordered hash array.
func (t *Tree) NodeCount() uint64 { return uint64(len(t.nodes)) }

// TryAcceptChunk is the sole path by which a State tree gains a valid
// leaf. It hashes bytes, compares against ref's leaf hash, and only on
// a match invokes onAccept (which must durably persist bytes to the
// chunk store) before marking the bit valid — the hash comparison
// happens strictly before any side effect, per spec.md §4.3.
//
// Serialized per leaf via a striped lock so that two concurrent
// accepts for the same k cannot race the bitmap update past the
// on-disk write.
func (t *Tree) TryAcceptChunk(ref *Tree, k uint64, bytes []byte, onAccept func([]byte) error) (bool, error) {
	d.PanicIfTrue(t.kind != KindState, "treestore: TryAcceptChunk requires a State tree")
	d.PanicIfTrue(ref.kind != KindReference, "treestore: TryAcceptChunk requires a Reference tree for verification")

	lock := &t.leafLocks[k%stripes]
	lock.Lock()
	defer lock.Unlock()

	t.emit(events.Event{Kind: events.ChunkVfyStart, Fields: map[string]any{"leaf_index": k}})

	computed := hash.Leaf(bytes)
	want := ref.HashOfLeaf(k)
	if computed != want {
		t.emit(events.Event{Kind: events.ChunkVfyFail, Fields: map[string]any{
			"leaf_index":         k,
			"reference_hash_hex": want.String(),
			"computed_hash_hex":  computed.String(),
		}})
		return false, nil
	}

	if err := onAccept(bytes); err != nil {
		return false, errors.Wrapf(err, "treestore: persisting chunk %d", k)
	}

	t.mu.Lock()
	t.bitmap.set(k)
	t.mu.Unlock()

	t.emit(events.Event{Kind: events.ChunkVfyOK, Fields: map[string]any{"leaf_index": k}})
	return true, nil
}

// RecomputeValidInternal walks the State tree bottom-up and
// recomputes any internal node's hash whose entire subtree is now
// valid, so that the persisted state tree carries exact ancestor
// hashes wherever possible rather than stale/zero placeholders
// (spec.md §4.5.6 step 4, the shutdown "hashing" phase). A node whose
// subtree isn't fully valid yet is left untouched.
func (t *Tree) RecomputeValidInternal() {
	d.PanicIfTrue(t.kind != KindState, "treestore: RecomputeValidInternal requires a State tree")

	t.mu.Lock()
	defer t.mu.Unlock()

	offset := t.shape.Offset()
	validSubtree := make([]bool, len(t.nodes))
	for k := uint64(0); k < t.shape.LeafCount(); k++ {
		validSubtree[offset+k] = t.bitmap.get(k)
	}
	for i := int64(offset) - 1; i >= 0; i-- {
		left, right := shape.Children(uint64(i))
		rightValid := right >= uint64(len(t.nodes)) || validSubtree[right]
		if validSubtree[left] && rightValid {
			validSubtree[i] = true
			t.nodes[uint64(i)] = t.combineAt(uint64(i))
		}
	}
}

// FindMismatchedLeaves walks the heap arrays of t and other over
// [kLo, kHi] and returns indices whose leaf hashes differ — a
// diagnostic/resync helper, not on the hot path.
func (t *Tree) FindMismatchedLeaves(other *Tree, kLo, kHi uint64) []uint64 {
	d.PanicIfTrue(t.shape != other.shape, "treestore: FindMismatchedLeaves requires matching shapes")
	var out []uint64
	for k := kLo; k <= kHi; k++ {
		if t.HashOfLeaf(k) != other.HashOfLeaf(k) {
			out = append(out, k)
		}
	}
	return out
}

// Side identifies whether a proof step's sibling hash is the left or
// right child of their shared parent.
type Side int

const (
	SideLeft Side = iota
	SideRight
)

// ProofStep is one sibling hash on the path from a leaf to the root.
type ProofStep struct {
	Sibling hash.Hash
	Side    Side
}

// PathProof returns the sibling hashes from leaf k to the root,
// enabling third-party verification without holding the whole tree.
func (t *Tree) PathProof(k uint64) []ProofStep {
	path := t.shape.PathToRoot(k)
	steps := make([]ProofStep, 0, len(path)-1)
	for idx := 0; idx < len(path)-1; idx++ {
		node := path[idx]
		var sibling uint64
		var side Side
		if node%2 == 1 { // node is a left child
			sibling = node + 1
			side = SideRight
		} else { // node is a right child
			sibling = node - 1
			side = SideLeft
		}
		h := t.nodes[node]
		if sibling >= uint64(len(t.nodes)) {
			// Odd-sibling padding rule: duplicate the present side's
			// own hash. Dead in practice for this node-count formula
			// (see recomputeInternal) but implemented for parity with
			// spec.md §4.1/§8.
			steps = append(steps, ProofStep{Sibling: h, Side: side})
			continue
		}
		steps = append(steps, ProofStep{Sibling: t.nodes[sibling], Side: side})
	}
	return steps
}

// Save atomically (temp file + fsync + rename) persists the tree's
// hash region, bitmap region, and footer, per spec.md §6.1 and the
// atomicity requirement of §4.3. On failure the destination path is
// left untouched; a best-effort `.corrupted` sidecar captures whatever
// partial bytes were written, for forensic inspection (spec.md §7).
func (t *Tree) Save(path string) (err error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	dir := filepath.Dir(path)
	tmpPath := filepath.Join(dir, fmt.Sprintf(".%s.tmp-%s", filepath.Base(path), uuid.NewString()))

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrapf(merr.ErrIO, "treestore: creating temp file: %v", err)
	}
	defer func() {
		f.Close()
		os.Remove(tmpPath)
	}()

	if werr := t.writeTo(f); werr != nil {
		t.sidecarCorrupted(tmpPath)
		return errors.Wrap(merr.ErrIO, werr.Error())
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

func (t *Tree) writeTo(w io.Writer) error {
	for _, h := range t.nodes {
		if _, err := w.Write(h[:]); err != nil {
			return err
		}
	}
	bmBytes := t.bitmap.encode()
	if _, err := w.Write(bmBytes); err != nil {
		return err
	}
	f := footer{
		chunkSize:        t.shape.ChunkSize,
		totalContentSize: t.shape.TotalContentSize,
		leafCount:        t.shape.LeafCount(),
		bitmapByteLen:    uint32(len(bmBytes)),
	}
	_, err := w.Write(f.encode())
	return err
}

func (t *Tree) sidecarCorrupted(tmpPath string) {
	data, err := os.ReadFile(tmpPath)
	if err != nil {
		return
	}
	_ = os.WriteFile(tmpPath+".corrupted", data, 0644)
}

// Load reads and validates a tree file's footer, then maps the hash
// array and bitmap, classifying the result as Reference (bitmap all
// ones) or State (otherwise), per spec.md §4.3.
func Load(path string) (*Tree, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(merr.ErrIO, "treestore: %v", err)
		}
		return nil, errors.Wrapf(merr.ErrIO, "treestore: reading %s: %v", path, err)
	}
	return parse(data, path)
}

func parse(data []byte, path string) (*Tree, error) {
	if len(data) == 0 {
		return nil, errors.Wrapf(merr.ErrCorruptTree, "treestore: %s is empty", path)
	}
	flen := data[len(data)-1]
	if int(flen) != footerSize || len(data) < int(flen) {
		return nil, errors.Wrapf(merr.ErrCorruptTree, "treestore: %s has an unparseable footer (length byte %d)", path, flen)
	}
	footerBytes := data[len(data)-int(flen):]
	f, err := decodeFooter(footerBytes)
	if err != nil {
		return nil, err
	}

	s := shape.New(f.totalContentSize, f.chunkSize)
	if f.leafCount != s.LeafCount() {
		return nil, errors.Wrapf(merr.ErrCorruptTree, "treestore: %s footer leaf_count %d disagrees with shape (%d)", path, f.leafCount, s.LeafCount())
	}

	hashRegionLen := int(s.NodeCount()) * hash.Size
	wantBitmapLen := byteLenFor(s.LeafCount())
	if f.bitmapByteLen != wantBitmapLen {
		return nil, errors.Wrapf(merr.ErrCorruptTree, "treestore: %s footer bitmap_byte_len %d disagrees with leaf_count (%d)", path, f.bitmapByteLen, wantBitmapLen)
	}

	body := data[:len(data)-int(flen)]
	if len(body) != hashRegionLen+int(f.bitmapByteLen) {
		return nil, errors.Wrapf(merr.ErrCorruptTree, "treestore: %s has %d body bytes, want %d", path, len(body), hashRegionLen+int(f.bitmapByteLen))
	}
	if hashRegionLen%hash.Size != 0 {
		return nil, errors.Wrapf(merr.ErrCorruptTree, "treestore: %s hash region not a multiple of %d bytes", path, hash.Size)
	}

	hashBytes := body[:hashRegionLen]
	bitmapBytes := body[hashRegionLen:]

	nodes := make([]hash.Hash, s.NodeCount())
	for i := range nodes {
		copy(nodes[i][:], hashBytes[i*hash.Size:(i+1)*hash.Size])
	}
	bm := decodeBitmap(bitmapBytes, s.LeafCount())

	kind := KindState
	if bm.allSet() {
		kind = KindReference
	}

	return &Tree{kind: kind, shape: s, nodes: nodes, bitmap: bm}, nil
}
