// Package dimindex maintains the pending-request index the Scheduler
// matches bots against: a mapping from pool fingerprint to a
// priority-ordered list of pending requests in that pool.
package dimindex

import (
	"sort"
	"sync"

	"swarm.dev/core/task"
)

// Entry is one pending request tracked by the index.
type Entry struct {
	RequestID  int64
	Priority   uint8
	CreatedTS  int64 // unix nanos; avoids importing time into the sort key comparator.
	Dimensions task.Dimensions
}

// Index shards pending requests by pool fingerprint. It is safe for
// concurrent use.
type Index struct {
	mu    sync.RWMutex
	pools map[string][]Entry
}

// New creates an empty index.
func New() *Index {
	return &Index{pools: make(map[string][]Entry)}
}

// Insert adds a pending request to its pool's candidate list, keeping the
// list sorted by (priority, created_ts, request_id).
func (ix *Index) Insert(poolFingerprint string, e Entry) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	list := ix.pools[poolFingerprint]
	i := sort.Search(len(list), func(i int) bool { return !less(list[i], e) })
	list = append(list, Entry{})
	copy(list[i+1:], list[i:])
	list[i] = e
	ix.pools[poolFingerprint] = list
}

// less orders a before b per spec: lowest priority, earliest created_ts,
// then lowest request_id as the final tie-break.
func less(a, b Entry) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if a.CreatedTS != b.CreatedTS {
		return a.CreatedTS < b.CreatedTS
	}
	return a.RequestID < b.RequestID
}

// Remove deletes a request from its pool's candidate list, if present.
func (ix *Index) Remove(poolFingerprint string, requestID int64) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	list := ix.pools[poolFingerprint]
	for i, e := range list {
		if e.RequestID == requestID {
			ix.pools[poolFingerprint] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Claim returns, without removing, the highest-priority pending request
// in poolFingerprint whose dimensions are satisfied (value-set
// containment) by botDimensions, per spec.md §4.2. Callers that win the
// optimistic claim race must call Remove themselves; callers that lose
// should call Claim again — the loser's candidate is still in the index
// for another poller to find.
//
// Returns ok=false ("NO_MATCH") if nothing in the pool matches.
func (ix *Index) Claim(poolFingerprint string, botDimensions task.Dimensions) (Entry, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	for _, e := range ix.pools[poolFingerprint] {
		if e.Dimensions.Subset(botDimensions) {
			return e, true
		}
	}
	return Entry{}, false
}

// ClaimExcluding behaves like Claim but skips entries whose RequestID is
// in excluded, letting the scheduler's bounded-retry claim loop advance
// past a candidate it just lost a race on without re-querying the same
// one repeatedly.
func (ix *Index) ClaimExcluding(poolFingerprint string, botDimensions task.Dimensions, excluded map[int64]struct{}) (Entry, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	for _, e := range ix.pools[poolFingerprint] {
		if _, skip := excluded[e.RequestID]; skip {
			continue
		}
		if e.Dimensions.Subset(botDimensions) {
			return e, true
		}
	}
	return Entry{}, false
}

// Len returns the number of pending requests tracked for poolFingerprint.
func (ix *Index) Len(poolFingerprint string) int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.pools[poolFingerprint])
}
