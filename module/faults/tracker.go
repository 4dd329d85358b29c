// Package faults tracks per-peer liveness faults. Elders increment a
// peer's counter whenever a send to it fails or it misses an expected
// reply; crossing the threshold fires a callback so the caller can
// propose removing the peer from the section.
package faults

import (
	"sync"

	"github.com/maidsafe/sn-node/model/safe"
)

const DefaultThreshold = 5

type Tracker struct {
	mu        sync.Mutex
	counts    map[safe.XorName]uint32
	threshold uint32
	onFaulty  func(safe.XorName)
}

// NewTracker creates a tracker. onFaulty fires at most once per peer
// until that peer's counter is reset.
func NewTracker(threshold uint32, onFaulty func(safe.XorName)) *Tracker {
	if threshold == 0 {
		threshold = DefaultThreshold
	}
	return &Tracker{
		counts:    make(map[safe.XorName]uint32),
		threshold: threshold,
		onFaulty:  onFaulty,
	}
}

// Fault records one fault against the peer.
func (t *Tracker) Fault(name safe.XorName) {
	t.mu.Lock()
	t.counts[name]++
	fire := t.counts[name] == t.threshold
	t.mu.Unlock()
	if fire && t.onFaulty != nil {
		t.onFaulty(name)
	}
}

// Reset clears the peer's counter, typically after any successful
// exchange with it.
func (t *Tracker) Reset(name safe.XorName) {
	t.mu.Lock()
	delete(t.counts, name)
	t.mu.Unlock()
}

// Forget drops state for a peer that left the section.
func (t *Tracker) Forget(name safe.XorName) {
	t.mu.Lock()
	delete(t.counts, name)
	t.mu.Unlock()
}

// Count returns the current fault count for a peer.
func (t *Tracker) Count(name safe.XorName) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[name]
}
