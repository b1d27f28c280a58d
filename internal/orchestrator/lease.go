package orchestrator

import (
	"sync"
	"time"
)

// lease is one exclusive claim on a conversation: when it was taken
// and a generation number identifying the holder.
type lease struct {
	acquired time.Time
	gen      uint64
}

// leaseTable grants one exclusive, time-bounded lease per conversation.
// A lease older than the TTL is considered abandoned (crashed or hung
// turn) and may be reclaimed by the next caller. Each acquire gets a
// fresh generation, so a stale holder that finishes after its lease
// was reclaimed cannot free the reclaimer's lease.
type leaseTable struct {
	ttl time.Duration
	now func() time.Time

	mu     sync.Mutex
	gen    uint64
	leases map[string]lease
}

func newLeaseTable(ttl time.Duration) *leaseTable {
	return &leaseTable{
		ttl:    ttl,
		now:    time.Now,
		leases: make(map[string]lease),
	}
}

// TryAcquire takes the lease for id if it is free or expired. It never
// blocks. The returned token must be passed to Release.
func (lt *leaseTable) TryAcquire(id string) (uint64, bool) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	if l, held := lt.leases[id]; held && lt.now().Sub(l.acquired) < lt.ttl {
		return 0, false
	}
	lt.gen++
	lt.leases[id] = lease{acquired: lt.now(), gen: lt.gen}
	return lt.gen, true
}

// Release frees the lease for id, but only when token still matches
// the current holder. A release from a holder whose expired lease was
// reclaimed by a newer turn is a no-op.
func (lt *leaseTable) Release(id string, token uint64) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	if l, held := lt.leases[id]; held && l.gen == token {
		delete(lt.leases, id)
	}
}
