package painter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTargetTransferBytesSampledPoints(t *testing.T) {
	cfg := Config{MinTransfer: 1024, MaxTransfer: 1 << 30}
	assert.Equal(t, uint64(65536*1024), cfg.TargetTransferBytes(0))
	assert.Equal(t, uint64(65536*64), cfg.TargetTransferBytes(4))
	assert.Equal(t, uint64(65536*4), cfg.TargetTransferBytes(8))
}

func TestTargetTransferBytesMonotonicNonIncreasing(t *testing.T) {
	cfg := Config{MinTransfer: 1, MaxTransfer: 1 << 30}
	prev := cfg.TargetTransferBytes(0)
	for active := 1; active <= 20; active++ {
		cur := cfg.TargetTransferBytes(active)
		assert.LessOrEqual(t, cur, prev, "active=%d", active)
		prev = cur
	}
}

func TestTargetTransferBytesClampedToConfiguredBounds(t *testing.T) {
	cfg := Config{MinTransfer: 1 << 20, MaxTransfer: 5 << 20}
	for active := 0; active <= 20; active++ {
		v := cfg.TargetTransferBytes(active)
		assert.GreaterOrEqual(t, v, cfg.MinTransfer)
		assert.LessOrEqual(t, v, cfg.MaxTransfer)
	}
}

func TestTargetTransferBytesInterpolatesBetweenPoints(t *testing.T) {
	cfg := Config{MinTransfer: 1, MaxTransfer: 1 << 30}
	mid := cfg.TargetTransferBytes(6)
	assert.Less(t, mid, cfg.TargetTransferBytes(4))
	assert.Greater(t, mid, cfg.TargetTransferBytes(8))
}
