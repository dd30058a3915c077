package painter

import (
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
)

// Config tunes the scheduler's coalescing, concurrency, retry, and
// shutdown behavior (spec.md §4.5). Zero-value fields are filled in by
// DefaultConfig's values where a field is left at its zero value by a
// caller building a Config literal.
type Config struct {
	// MinTransfer/MaxTransfer bound a single coalesced transfer's byte
	// size (spec.md §4.5.2); test defaults are 1 MiB / 5 MiB.
	MinTransfer uint64
	MaxTransfer uint64

	// MaxInflight bounds concurrent transfers in flight (spec.md
	// §4.5.3, "tens").
	MaxInflight int

	// MaxRetries bounds per-chunk verification retries (spec.md
	// §4.5.5); MaxNetRetries bounds whole-transfer retries after a
	// transport error.
	MaxRetries    int
	MaxNetRetries int

	// ShutdownGrace bounds how long Close waits for in-flight
	// transfers to finish before moving on to the hashing/flushing
	// phases (spec.md §4.5.6 step 3).
	ShutdownGrace time.Duration

	// AutobufferThreshold is the number of consecutive contiguous
	// reads that arms read-ahead (spec.md §4.5.4); fixed at 10 by the
	// spec's own constant, exposed here only so tests can shrink it.
	AutobufferThreshold int
}

// DefaultConfig returns spec.md's documented test defaults, with
// MaxInflight sized off the host's logical CPU count (grounded on the
// teacher's go.mod carrying shirou/gopsutil for exactly this kind of
// "how many workers should I run" decision) rather than a fixed
// constant.
func DefaultConfig() Config {
	n, err := cpu.Counts(true)
	if err != nil || n <= 0 {
		n = 4
	}
	inflight := n * 4
	if inflight < 8 {
		inflight = 8
	}
	if inflight > 64 {
		inflight = 64
	}
	return Config{
		MinTransfer:         1 << 20,
		MaxTransfer:         5 << 20,
		MaxInflight:         inflight,
		MaxRetries:          5,
		MaxNetRetries:       3,
		ShutdownGrace:       10 * time.Second,
		AutobufferThreshold: 10,
	}
}

// withDefaults fills any zero-valued field of cfg from DefaultConfig,
// so callers can pass a partially-specified Config (as the tests do).
func (cfg Config) withDefaults() Config {
	d := DefaultConfig()
	if cfg.MinTransfer == 0 {
		cfg.MinTransfer = d.MinTransfer
	}
	if cfg.MaxTransfer == 0 {
		cfg.MaxTransfer = d.MaxTransfer
	}
	if cfg.MaxInflight == 0 {
		cfg.MaxInflight = d.MaxInflight
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = d.MaxRetries
	}
	if cfg.MaxNetRetries == 0 {
		cfg.MaxNetRetries = d.MaxNetRetries
	}
	if cfg.ShutdownGrace == 0 {
		cfg.ShutdownGrace = d.ShutdownGrace
	}
	if cfg.AutobufferThreshold == 0 {
		cfg.AutobufferThreshold = d.AutobufferThreshold
	}
	return cfg
}
