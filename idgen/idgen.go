// Package idgen produces the 64-bit request identifiers described in
// spec.md §3: high bits derived from creation time (millisecond
// granularity, monotonic per process) so that IDs sort in
// reverse-chronological order — a later request gets a strictly smaller
// ID than an earlier one, matching the invariant in spec.md §3.
//
// The generator is grounded on github.com/oklog/ulid/v2's monotonic
// entropy source, which already solves "same millisecond, need a
// monotonically increasing tiebreaker" — exactly the sub-component this
// package needs, without pulling in the rest of the ULID format (Crockford
// base32, 128-bit width) that this ID scheme doesn't use.
package idgen

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	// tsBits is wide enough to hold milliseconds-since-epoch until the
	// year 2248, comfortably past any deployment's lifetime.
	tsBits = 43
	// counterBits is the width of the within-millisecond monotonic
	// tiebreaker taken from the ULID entropy source.
	counterBits = 16

	tsMask      = (uint64(1) << tsBits) - 1
	counterMask = (uint64(1) << counterBits) - 1

	// RequestIDBits is the number of low bits idpack embeds a request ID
	// in after shifting left to make room for the kind nibble.
	RequestIDBits = tsBits + counterBits
)

// Generator produces unique, reverse-chronologically-sortable request IDs
// at millisecond granularity. It is safe for concurrent use; a single
// process should normally share one Generator so the monotonic
// tiebreaker is meaningful.
type Generator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// New creates a Generator.
func New() *Generator {
	return &Generator{entropy: ulid.Monotonic(rand.Reader, 1)}
}

// Next returns a new request ID derived from now. IDs from different
// milliseconds sort in reverse-chronological order — an ID minted in a
// later millisecond is always smaller than one minted in an earlier one,
// satisfying spec.md §3. Within the same millisecond, successive IDs take
// successive values of a 16-bit counter that starts at a random value and
// wraps, so they increase except at the wrap and up to 65536 IDs per
// millisecond are distinct; spec.md §3 only requires same-millisecond
// uniqueness, not ordering, so this doesn't violate the invariant.
func (g *Generator) Next(now time.Time) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := ulid.Timestamp(now)
	id, err := ulid.New(ms, g.entropy)
	if err != nil {
		return 0, fmt.Errorf("generate request id: %w", err)
	}

	// id[6:16] is the 80-bit monotonic entropy, incremented by one for
	// each ID within the same millisecond; its low 2 bytes are therefore
	// a 16-bit per-millisecond counter.
	counter := uint64(id[14])<<8 | uint64(id[15])

	inverted := ^ms & tsMask
	raw := (inverted << counterBits) | (counter & counterMask)
	return int64(raw & ((uint64(1) << RequestIDBits) - 1)), nil
}
