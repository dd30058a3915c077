// Package shape implements mrkl's C1 component: pure geometry mapping
// a file's total byte size and chunk size to a leaf count, an
// internal-node count, and the heap-array index layout used by
// treestore. No I/O, no allocation beyond the returned value itself.
package shape

import "github.com/attic-labs/mrkl/d"

// MinChunkSize is the smallest chunk size the automatic policy will
// choose (spec.md §4.1: "smallest power of two >= 1 MiB").
const MinChunkSize = 1 << 20

// DefaultLeafCap bounds how many leaves FromContentSize will produce
// before doubling the chunk size again, keeping the tree's node count
// (and therefore its tree file's hash region) bounded for very large
// artifacts.
const DefaultLeafCap = 65536

// Shape is the geometry of one (content size, chunk size) pairing.
type Shape struct {
	TotalContentSize uint64
	ChunkSize        uint64
}

// FromContentSize chooses a chunk size automatically per §4.1's
// policy and returns the resulting Shape.
func FromContentSize(totalContentSize uint64) Shape {
	return FromContentSizeWithCap(totalContentSize, DefaultLeafCap)
}

// FromContentSizeWithCap is FromContentSize with an overridable leaf
// cap, exposed for tests that want to exercise the doubling policy
// without multi-gigabyte inputs.
func FromContentSizeWithCap(totalContentSize uint64, leafCap uint64) Shape {
	chunkSize := uint64(MinChunkSize)
	if totalContentSize == 0 {
		return Shape{TotalContentSize: 0, ChunkSize: chunkSize}
	}
	for {
		leaves := (totalContentSize + chunkSize - 1) / chunkSize
		if leaves <= leafCap {
			break
		}
		chunkSize *= 2
	}
	// Small content: a single leaf is sufficient even if it doesn't
	// fill a whole 1 MiB chunk; chunkSize still reports the nominal
	// (>= 1 MiB) chunk size so LeafCount()==1 and the last (only)
	// leaf's range is [0, totalContentSize).
	return Shape{TotalContentSize: totalContentSize, ChunkSize: chunkSize}
}

// New builds a Shape directly from an already-decided chunk size, as
// used when loading a persisted tree file whose footer records the
// chunk size that was used at build time.
func New(totalContentSize, chunkSize uint64) Shape {
	d.PanicIfTrue(chunkSize == 0, "shape: chunkSize must be > 0")
	return Shape{TotalContentSize: totalContentSize, ChunkSize: chunkSize}
}

// LeafCount is the number of chunks the content is split into.
func (s Shape) LeafCount() uint64 {
	if s.TotalContentSize == 0 {
		return 1
	}
	return (s.TotalContentSize + s.ChunkSize - 1) / s.ChunkSize
}

// InternalNodeCount is leaf_count-1 for leaf_count>=1, 0 for the
// degenerate single-leaf base case handled specially per §3.
func (s Shape) InternalNodeCount() uint64 {
	lc := s.LeafCount()
	if lc <= 1 {
		return 0
	}
	return lc - 1
}

// NodeCount is the total size of the heap-ordered hash array:
// 2*leaf_count - 1, or 1 for the single-leaf base case.
func (s Shape) NodeCount() uint64 {
	lc := s.LeafCount()
	if lc <= 1 {
		return 1
	}
	return 2*lc - 1
}

// Offset is the heap-array index at which leaves begin.
func (s Shape) Offset() uint64 { return s.InternalNodeCount() }

// LeafOfOffset maps a byte offset to the leaf (chunk index) covering
// it.
func (s Shape) LeafOfOffset(byteOffset uint64) uint64 {
	return byteOffset / s.ChunkSize
}

// ChunkRange returns the half-open byte range [start, end) covered by
// leaf k. The final leaf may be shorter than ChunkSize.
func (s Shape) ChunkRange(k uint64) (start, end uint64) {
	start = k * s.ChunkSize
	end = start + s.ChunkSize
	if end > s.TotalContentSize {
		end = s.TotalContentSize
	}
	return start, end
}

// LeavesCovering returns the inclusive leaf range [kLo, kHi] covering
// the half-open byte range [lo, hi).
func (s Shape) LeavesCovering(lo, hi uint64) (kLo, kHi uint64) {
	d.PanicIfTrue(hi <= lo, "shape: empty or inverted range [%d, %d)", lo, hi)
	kLo = s.LeafOfOffset(lo)
	kHi = s.LeafOfOffset(hi - 1)
	return kLo, kHi
}

// NodeIndex maps leaf k to its heap-array index.
func (s Shape) NodeIndex(k uint64) uint64 { return s.Offset() + k }

// IsLeaf reports whether heap index i addresses a leaf.
func (s Shape) IsLeaf(i uint64) bool { return i >= s.Offset() }

// Parent returns the heap index of i's parent. Must not be called
// with i == 0 (the root has no parent).
func Parent(i uint64) uint64 {
	d.PanicIfTrue(i == 0, "shape: root has no parent")
	return (i - 1) / 2
}

// Children returns the heap indices of i's left and right children.
// The right child may not exist (odd sibling); callers apply the
// padding rule (duplicate the left hash) when that's the case.
func Children(i uint64) (left, right uint64) {
	return 2*i + 1, 2*i + 2
}

// PathToRoot returns the heap indices from leaf k's own node up to and
// including the root (index 0), in that order: [node(k), parent(...),
// ..., 0].
func (s Shape) PathToRoot(k uint64) []uint64 {
	path := []uint64{s.NodeIndex(k)}
	for path[len(path)-1] != 0 {
		path = append(path, Parent(path[len(path)-1]))
	}
	return path
}
