package scheduler

import (
	"github.com/bits-and-blooms/bloom/v3"
)

// dedupGuard rejects duplicate operation IDs among a queue's pending
// operations. A Bloom filter serves the fast negative path; the exact set
// decides, so there are no false rejections. The filter is rebuilt whenever
// the pending set drains to keep saturation bounded.
type dedupGuard struct {
	filter   *bloom.BloomFilter
	pending  map[string]struct{}
	expected uint
	fpRate   float64
}

func newDedupGuard(expected uint, fpRate float64) *dedupGuard {
	if expected == 0 {
		expected = 100000
	}
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = 0.01
	}
	return &dedupGuard{
		filter:   bloom.NewWithEstimates(expected, fpRate),
		pending:  make(map[string]struct{}),
		expected: expected,
		fpRate:   fpRate,
	}
}

// add records an ID. Returns false if the ID is already pending.
func (g *dedupGuard) add(id string) bool {
	key := []byte(id)
	if g.filter.Test(key) {
		// Maybe present; the exact set decides.
		if _, ok := g.pending[id]; ok {
			return false
		}
	}
	g.filter.Add(key)
	g.pending[id] = struct{}{}
	return true
}

// remove forgets an ID once its operation left the pending set. The Bloom
// filter cannot unlearn; it is reset when nothing is pending.
func (g *dedupGuard) remove(id string) {
	delete(g.pending, id)
	if len(g.pending) == 0 {
		g.filter.ClearAll()
	}
}
