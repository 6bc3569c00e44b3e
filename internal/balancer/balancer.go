// Package balancer implements round-robin selection among accounts that
// share the lowest priority in a candidate list, replacing a naive
// least-recently-used-by-timestamp approach that is unstable under clock
// skew and does not distribute load evenly when many accounts tie on
// priority.
package balancer

import (
	"sync"

	"github.com/relaycore/apirelay/internal/account"
)

type counterKey struct {
	platform account.Platform
	priority int
}

// Balancer hands out one account from a priority-sorted candidate list,
// round-robining across accounts that tie on the lowest priority present.
type Balancer struct {
	mu       sync.Mutex
	counters map[counterKey]uint64
}

// New returns a Balancer with a fresh, empty counter set.
func New() *Balancer {
	return &Balancer{counters: make(map[counterKey]uint64)}
}

// Pick selects one account from candidates, which must be non-empty and
// pre-sorted by ascending priority. Accounts tying on the minimum priority
// are round-robined via a monotone per-(platform,priority) counter;
// wraparound under 2^63 increments is acceptable.
func (b *Balancer) Pick(candidates []*account.Account) *account.Account {
	if len(candidates) == 0 {
		return nil
	}

	pMin := candidates[0].Priority
	var tied []*account.Account
	for _, c := range candidates {
		if c.Priority == pMin {
			tied = append(tied, c)
		}
	}
	if len(tied) == 1 {
		return tied[0]
	}

	key := counterKey{platform: tied[0].Platform, priority: pMin}

	b.mu.Lock()
	n := b.counters[key]
	b.counters[key] = n + 1
	b.mu.Unlock()

	return tied[n%uint64(len(tied))]
}

// Reset empties the counter map. Test affordance.
func (b *Balancer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counters = make(map[counterKey]uint64)
}
