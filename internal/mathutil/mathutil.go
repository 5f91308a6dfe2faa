// Copyright 2017 The go-ethereum Authors
// (original work)
// Copyright 2024 The Erigon Authors
// (modifications)
//
// Adapted for dsa110-contimg-sub003 from erigon-lib/common/math/integer.go:
// the uint256/hex-marshaling and integer-parsing helpers that file carried
// are gone (no 256-bit arithmetic or hex parsing in this domain) and
// replaced with the MJD/duration clamp helpers the scheduler and backoff
// code need.
package mathutil

import (
	"time"
)

// ClampDuration bounds d to [min, max], used by the backoff schedule
// (spec §4.9: delay = min(max_delay, base_delay * exp^attempt)).
func ClampDuration(d, min, max time.Duration) time.Duration {
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}

// MinInt returns the smaller of a, b.
func MinInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// MaxInt returns the larger of a, b.
func MaxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
