package holders

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/maidsafe/sn-node/model/safe"
)

// Rebalance asks the replication engine to drive one chunk's holder set
// toward the given targets.
type Rebalance struct {
	Address    safe.ChunkAddress
	NewTargets []safe.XorName
}

// Registry is the elder-side map from chunk addresses to the adults
// believed to hold them, with the derived reverse map and the set of full
// adults. Every listed holder is a current member; entries referencing
// removed adults are dropped on membership deltas.
type Registry struct {
	mu  sync.RWMutex
	log zerolog.Logger

	replicationFactor int

	adults   map[safe.XorName]safe.Peer
	holders  map[safe.ChunkAddress]map[safe.XorName]struct{}
	byHolder map[safe.XorName]map[safe.ChunkAddress]struct{}
	full     map[safe.XorName]struct{}
}

// NewRegistry creates an empty registry targeting R holders per chunk.
func NewRegistry(log zerolog.Logger, replicationFactor int) *Registry {
	return &Registry{
		log:               log.With().Str("component", "holder_registry").Logger(),
		replicationFactor: replicationFactor,
		adults:            make(map[safe.XorName]safe.Peer),
		holders:           make(map[safe.ChunkAddress]map[safe.XorName]struct{}),
		byHolder:          make(map[safe.XorName]map[safe.ChunkAddress]struct{}),
		full:              make(map[safe.XorName]struct{}),
	}
}

// SetAdults replaces the known adult set without computing rebalances,
// used at startup.
func (r *Registry) SetAdults(adults []safe.Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adults = make(map[safe.XorName]safe.Peer, len(adults))
	for _, a := range adults {
		r.adults[a.Name] = a
	}
}

// Adult resolves a current adult member by name.
func (r *Registry) Adult(name safe.XorName) (safe.Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	peer, ok := r.adults[name]
	return peer, ok
}

// PickHolders returns the k adult peers closest to the address under XOR
// distance, excluding full adults, closest first.
func (r *Registry) PickHolders(address safe.ChunkAddress, k int) []safe.Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pickLocked(address, k, nil)
}

// PickHoldersExcluding is PickHolders minus an explicit exclusion set,
// used when retrying a write past failed candidates.
func (r *Registry) PickHoldersExcluding(address safe.ChunkAddress, k int, exclude map[safe.XorName]struct{}) []safe.Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pickLocked(address, k, exclude)
}

func (r *Registry) pickLocked(address safe.ChunkAddress, k int, exclude map[safe.XorName]struct{}) []safe.Peer {
	names := make([]safe.XorName, 0, len(r.adults))
	for name := range r.adults {
		if _, isFull := r.full[name]; isFull {
			continue
		}
		if _, skip := exclude[name]; skip {
			continue
		}
		names = append(names, name)
	}
	safe.SortByDistance(names, address)
	if len(names) > k {
		names = names[:k]
	}
	picked := make([]safe.Peer, 0, len(names))
	for _, name := range names {
		picked = append(picked, r.adults[name])
	}
	return picked
}

// RecordStored adds a confirmed holder for the address. Confirmations from
// names outside the current member set are refused.
func (r *Registry) RecordStored(address safe.ChunkAddress, holder safe.XorName) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.adults[holder]; !ok {
		return safe.NewError(safe.KindInvalidState, "stored confirmation from non-member %s", holder)
	}

	set, ok := r.holders[address]
	if !ok {
		set = make(map[safe.XorName]struct{})
		r.holders[address] = set
	}
	set[holder] = struct{}{}

	rev, ok := r.byHolder[holder]
	if !ok {
		rev = make(map[safe.ChunkAddress]struct{})
		r.byHolder[holder] = rev
	}
	rev[address] = struct{}{}
	return nil
}

// RecordDeleted drops a holder entry for the address.
func (r *Registry) RecordDeleted(address safe.ChunkAddress, holder safe.XorName) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropEntryLocked(address, holder)
}

// Forget removes every record of an address, after an agreed delete.
func (r *Registry) Forget(address safe.ChunkAddress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for holder := range r.holders[address] {
		delete(r.byHolder[holder], address)
	}
	delete(r.holders, address)
}

func (r *Registry) dropEntryLocked(address safe.ChunkAddress, holder safe.XorName) {
	if set, ok := r.holders[address]; ok {
		delete(set, holder)
		if len(set) == 0 {
			delete(r.holders, address)
		}
	}
	if rev, ok := r.byHolder[holder]; ok {
		delete(rev, address)
		if len(rev) == 0 {
			delete(r.byHolder, holder)
		}
	}
}

// HoldersOf returns the confirmed holders of an address, closest first.
func (r *Registry) HoldersOf(address safe.ChunkAddress) []safe.Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]safe.XorName, 0, len(r.holders[address]))
	for name := range r.holders[address] {
		names = append(names, name)
	}
	safe.SortByDistance(names, address)

	out := make([]safe.Peer, 0, len(names))
	for _, name := range names {
		if peer, ok := r.adults[name]; ok {
			out = append(out, peer)
		}
	}
	return out
}

// Addresses returns every address with at least one confirmed holder.
func (r *Registry) Addresses() []safe.ChunkAddress {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]safe.ChunkAddress, 0, len(r.holders))
	for address := range r.holders {
		out = append(out, address)
	}
	return out
}

// MarkFull moves the adult into the full set and returns the rebalances
// needed for chunks it holds whose replica count is now in question.
func (r *Registry) MarkFull(adult safe.XorName) []Rebalance {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.full[adult]; ok {
		return nil
	}
	r.full[adult] = struct{}{}
	return r.rebalancesLocked()
}

// IsFull reports whether the adult refused writes for capacity.
func (r *Registry) IsFull(adult safe.XorName) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.full[adult]
	return ok
}

// FullRatio returns the fraction of known adults marked full; 0 when no
// adults are known.
func (r *Registry) FullRatio() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.adults) == 0 {
		return 0
	}
	return float64(len(r.full)) / float64(len(r.adults))
}

// OnMembershipDelta updates the adult set and returns rebalances for every
// address whose ideal holder set changed. Holder entries referencing
// removed members are dropped first.
func (r *Registry) OnMembershipDelta(adults []safe.Peer, removed []safe.Peer) []Rebalance {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, gone := range removed {
		for address := range r.byHolder[gone.Name] {
			if set, ok := r.holders[address]; ok {
				delete(set, gone.Name)
				if len(set) == 0 {
					delete(r.holders, address)
				}
			}
		}
		delete(r.byHolder, gone.Name)
		delete(r.full, gone.Name)
	}

	r.adults = make(map[safe.XorName]safe.Peer, len(adults))
	for _, a := range adults {
		r.adults[a.Name] = a
	}

	return r.rebalancesLocked()
}

// rebalancesLocked recomputes the ideal closest-R target set of every
// tracked address and reports those whose confirmed holders fall short.
func (r *Registry) rebalancesLocked() []Rebalance {
	var out []Rebalance
	for address, confirmed := range r.holders {
		ideal := r.pickLocked(address, r.replicationFactor, nil)

		missing := false
		targets := make([]safe.XorName, 0, len(ideal))
		for _, peer := range ideal {
			targets = append(targets, peer.Name)
			if _, ok := confirmed[peer.Name]; !ok {
				missing = true
			}
		}
		if missing {
			out = append(out, Rebalance{Address: address, NewTargets: targets})
		}
	}
	return out
}
