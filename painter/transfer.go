package painter

import "github.com/attic-labs/mrkl/shape"

// xfer is one coalesced, contiguous range of leaves to fetch in a
// single ranged request.
type xfer struct {
	kLo, kHi uint64 // half-open leaf range [kLo, kHi)
	lo, hi   uint64 // corresponding byte range
}

// coalesce groups missing (sorted, ascending, deduplicated) leaf
// indices into a list of transfers per spec.md §4.5.2: contiguous runs
// are merged, gaps of already-valid leaves no wider than one
// min_xfer-worth of chunks are bridged rather than issuing a separate
// request for them, and no transfer exceeds maxTransfer bytes. A final
// undersized transfer is merged into its predecessor when that still
// fits under maxTransfer; otherwise it's kept as the one permitted
// short exception.
func coalesce(s shape.Shape, missing []uint64, minTransfer, maxTransfer uint64) []xfer {
	if len(missing) == 0 {
		return nil
	}

	maxGapLeaves := minTransfer / s.ChunkSize
	if maxGapLeaves == 0 {
		maxGapLeaves = 1
	}

	var out []xfer
	curLo, curHi := missing[0], missing[0]+1

	flush := func() {
		lo, _ := s.ChunkRange(curLo)
		_, hi := s.ChunkRange(curHi - 1)
		out = append(out, xfer{kLo: curLo, kHi: curHi, lo: lo, hi: hi})
	}

	for i := 1; i < len(missing); i++ {
		k := missing[i]
		gap := k - curHi // number of valid leaves being bridged, if any

		candidateHi := k + 1
		_, byteHi := s.ChunkRange(candidateHi - 1)
		loByte, _ := s.ChunkRange(curLo)
		size := byteHi - loByte

		if gap <= maxGapLeaves && size <= maxTransfer {
			curHi = candidateHi
			continue
		}
		flush()
		curLo, curHi = k, k+1
	}
	flush()

	// Step 4: merge an undersized final transfer into its predecessor
	// when the result still fits, per spec.md §4.5.2.
	if len(out) >= 2 {
		last := out[len(out)-1]
		if last.hi-last.lo < minTransfer {
			prev := out[len(out)-2]
			if last.hi-prev.lo <= maxTransfer {
				out[len(out)-2] = xfer{kLo: prev.kLo, kHi: last.kHi, lo: prev.lo, hi: last.hi}
				out = out[:len(out)-1]
			}
		}
	}

	return splitOversized(out, s, maxTransfer)
}

// splitOversized handles spec.md §4.5.2 step 5: if a single already-
// contiguous run of missing leaves is itself wider than maxTransfer
// (e.g. a long stretch with no valid leaves to create a natural
// break), split it at chunk boundaries into maxTransfer-sized pieces.
func splitOversized(xfers []xfer, s shape.Shape, maxTransfer uint64) []xfer {
	var out []xfer
	for _, x := range xfers {
		if x.hi-x.lo <= maxTransfer {
			out = append(out, x)
			continue
		}
		lo := x.lo
		kLo := x.kLo
		for lo < x.hi {
			k := kLo
			var hi uint64
			for k < x.kHi {
				_, candHi := s.ChunkRange(k)
				if candHi-lo > maxTransfer && k > kLo {
					break
				}
				hi = candHi
				k++
			}
			out = append(out, xfer{kLo: kLo, kHi: k, lo: lo, hi: hi})
			lo = hi
			kLo = k
		}
	}
	return out
}
