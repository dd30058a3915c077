package painter

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/attic-labs/mrkl/shape"
)

func TestCoalesceMergesAdjacentMissing(t *testing.T) {
	s := shape.New(8*1048576, 1048576)
	xfers := coalesce(s, []uint64{0, 1, 2, 3}, 1048576, 5*1048576)
	if assert.Len(t, xfers, 1) {
		assert.Equal(t, uint64(0), xfers[0].kLo)
		assert.Equal(t, uint64(4), xfers[0].kHi)
	}
}

func TestCoalesceBridgesSmallGap(t *testing.T) {
	s := shape.New(8*1048576, 1048576)
	// Leaf 1 is valid (not in the missing set) but the gap is only one
	// chunk wide, so it should be bridged into a single transfer.
	xfers := coalesce(s, []uint64{0, 2}, 1048576, 5*1048576)
	if assert.Len(t, xfers, 1) {
		assert.Equal(t, uint64(0), xfers[0].kLo)
		assert.Equal(t, uint64(3), xfers[0].kHi)
	}
}

func TestCoalesceSplitsOnMaxTransfer(t *testing.T) {
	s := shape.New(10*1048576, 1048576)
	missing := []uint64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	xfers := coalesce(s, missing, 1048576, 3*1048576)
	for _, x := range xfers {
		assert.LessOrEqual(t, x.hi-x.lo, uint64(3*1048576))
	}
	// every leaf must be covered by exactly one transfer
	covered := uint64(0)
	for _, x := range xfers {
		covered += x.kHi - x.kLo
	}
	assert.Equal(t, uint64(len(missing)), covered)
}

func TestCoalesceMergesUndersizedTail(t *testing.T) {
	s := shape.New(4*1048576+512, 1048576)
	// A run [0,1] then a lone leaf 4 (the 512-byte final chunk), two
	// valid leaves away, too far to bridge, so it closes as its own
	// transfer under minTransfer; since merging it back into the
	// previous transfer still fits under maxTransfer, it should be
	// merged rather than kept as its own tiny transfer.
	xfers := coalesce(s, []uint64{0, 1, 4}, 1048576, 5*1048576)
	if assert.Len(t, xfers, 1) {
		assert.Equal(t, uint64(0), xfers[0].kLo)
		assert.Equal(t, uint64(5), xfers[0].kHi)
	}
}
