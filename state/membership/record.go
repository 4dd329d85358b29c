package membership

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/maidsafe/sn-node/model/safe"
)

// Observer consumes membership snapshot deltas after agreed changes.
type Observer func(safe.MembershipDelta)

// Record is the mutable set of nodes currently in our section. All
// mutations arrive as agreed changes and are applied atomically; observers
// are notified with the resulting delta outside the lock.
type Record struct {
	mu         sync.RWMutex
	log        zerolog.Logger
	prefix     safe.Prefix
	elderCount int
	members    map[safe.XorName]safe.NodeState
	wal        *WAL

	obsMu     sync.RWMutex
	observers []Observer
}

// NewRecord creates an empty record for the given prefix. The WAL may be
// nil for in-memory use (tests, clients).
func NewRecord(log zerolog.Logger, prefix safe.Prefix, elderCount int, wal *WAL) *Record {
	return &Record{
		log:        log.With().Str("component", "membership").Logger(),
		prefix:     prefix,
		elderCount: elderCount,
		members:    make(map[safe.XorName]safe.NodeState),
		wal:        wal,
	}
}

// Subscribe registers an observer for membership deltas.
func (r *Record) Subscribe(obs Observer) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	r.observers = append(r.observers, obs)
}

// Prefix returns the section prefix the record covers.
func (r *Record) Prefix() safe.Prefix {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.prefix
}

// Joined returns the live members, in unspecified order.
func (r *Record) Joined() []safe.Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.joinedLocked()
}

func (r *Record) joinedLocked() []safe.Peer {
	out := make([]safe.Peer, 0, len(r.members))
	for _, m := range r.members {
		if m.State == safe.StateJoined {
			out = append(out, m.Peer)
		}
	}
	return out
}

// IsJoined reports whether the name is a live member.
func (r *Record) IsJoined(name safe.XorName) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.members[name]
	return ok && m.State == safe.StateJoined
}

// Get returns the record entry for a name.
func (r *Record) Get(name safe.XorName) (safe.NodeState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.members[name]
	return m, ok
}

// Elders returns the current elder set: the E oldest joined members, ties
// broken by lexicographic name order.
func (r *Record) Elders() []safe.Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.eldersLocked()
}

func (r *Record) eldersLocked() []safe.Peer {
	joined := r.joinedLocked()
	safe.SortPeersByAge(joined)
	if len(joined) > r.elderCount {
		joined = joined[:r.elderCount]
	}
	return joined
}

// Adults returns the joined members of at least MinAge that are not elders.
func (r *Record) Adults() []safe.Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	elders := make(map[safe.XorName]struct{})
	for _, e := range r.eldersLocked() {
		elders[e.Name] = struct{}{}
	}

	var adults []safe.Peer
	for _, m := range r.members {
		if m.State != safe.StateJoined {
			continue
		}
		if _, isElder := elders[m.Peer.Name]; isElder {
			continue
		}
		if m.Peer.Age() < safe.MinAge {
			continue
		}
		adults = append(adults, m.Peer)
	}
	return adults
}

// Apply mutates the record with one agreed change and notifies observers.
// Applying the same change twice is a no-op. A change that would shrink the
// live member count below the agreement super-majority is refused with
// InvalidState.
func (r *Record) Apply(change Change) (safe.MembershipDelta, error) {
	r.mu.Lock()
	delta, err := r.applyLocked(change)
	r.mu.Unlock()
	if err != nil {
		return safe.MembershipDelta{}, err
	}

	if len(delta.Added) > 0 || len(delta.Removed) > 0 {
		if r.wal != nil {
			if err := r.wal.AppendChange(change); err != nil {
				return safe.MembershipDelta{}, err
			}
		}
		r.notify(delta)
	}
	return delta, nil
}

func (r *Record) applyLocked(change Change) (safe.MembershipDelta, error) {
	switch change.Kind {
	case ChangeJoin:
		peer := change.Peer
		if !r.prefix.Matches(peer.Name) {
			return safe.MembershipDelta{}, safe.NewError(safe.KindInvalidState,
				"join of %s outside our prefix %q", peer.Name, r.prefix)
		}
		if peer.Age() < safe.MinAge {
			return safe.MembershipDelta{}, safe.NewError(safe.KindInvalidState,
				"join of %s below minimum age (%d < %d)", peer.Name, peer.Age(), safe.MinAge)
		}
		if m, ok := r.members[peer.Name]; ok && m.State == safe.StateJoined {
			// idempotent re-apply
			return safe.MembershipDelta{Remaining: r.joinedLocked()}, nil
		}
		r.members[peer.Name] = safe.NodeState{
			Peer:         peer,
			State:        safe.StateJoined,
			PreviousName: change.PreviousName,
		}
		return safe.MembershipDelta{
			Added:     []safe.Peer{peer},
			Remaining: r.joinedLocked(),
		}, nil

	case ChangeLeave, ChangeRelocate:
		m, ok := r.members[change.Name]
		if !ok || m.State != safe.StateJoined {
			// idempotent re-apply
			return safe.MembershipDelta{Remaining: r.joinedLocked()}, nil
		}
		if len(r.joinedLocked())-1 < safe.SuperMajority(r.elderCount) {
			return safe.MembershipDelta{}, safe.NewError(safe.KindInvalidState,
				"removing %s would drop live members below the elder super-majority", change.Name)
		}
		if change.Kind == ChangeLeave {
			m.State = safe.StateLeft
		} else {
			m.State = safe.StateRelocated
			dst := change.Destination
			m.RelocatedTo = &dst
		}
		r.members[change.Name] = m
		return safe.MembershipDelta{
			Removed:   []safe.Peer{m.Peer},
			Remaining: r.joinedLocked(),
		}, nil

	default:
		return safe.MembershipDelta{}, safe.NewError(safe.KindInvalidState,
			"unknown membership change kind %d", change.Kind)
	}
}

func (r *Record) notify(delta safe.MembershipDelta) {
	r.obsMu.RLock()
	observers := make([]Observer, len(r.observers))
	copy(observers, r.observers)
	r.obsMu.RUnlock()
	for _, obs := range observers {
		obs(delta)
	}
}

// Bisect narrows the record to one half of a split: members outside the new
// prefix are dropped, and the record's prefix is replaced. It returns the
// delta of dropped peers. Dropped entries belong to the sibling section and
// are not "removals" in the gossip sense, but downstream holders must stop
// tracking them, so they are reported as removed.
func (r *Record) Bisect(newPrefix safe.Prefix) (safe.MembershipDelta, error) {
	r.mu.Lock()

	if !newPrefix.IsExtensionOf(r.prefix) {
		r.mu.Unlock()
		return safe.MembershipDelta{}, safe.NewError(safe.KindInvalidState,
			"prefix %q does not extend our prefix %q by one bit", newPrefix, r.prefix)
	}

	var dropped []safe.Peer
	for name, m := range r.members {
		if newPrefix.Matches(name) {
			continue
		}
		if m.State == safe.StateJoined {
			dropped = append(dropped, m.Peer)
		}
		delete(r.members, name)
	}
	r.prefix = newPrefix
	delta := safe.MembershipDelta{
		Removed:   dropped,
		Remaining: r.joinedLocked(),
	}
	r.mu.Unlock()

	if r.wal != nil {
		if err := r.wal.Snapshot(r.SnapshotState()); err != nil {
			return safe.MembershipDelta{}, err
		}
	}
	r.notify(delta)
	return delta, nil
}

// SnapshotState captures the record for persistence.
func (r *Record) SnapshotState() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := Snapshot{Prefix: r.prefix}
	for _, m := range r.members {
		snap.Members = append(snap.Members, m)
	}
	return snap
}

// Restore resets the record from a snapshot, without notifying observers.
func (r *Record) Restore(snap Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prefix = snap.Prefix
	r.members = make(map[safe.XorName]safe.NodeState, len(snap.Members))
	for _, m := range snap.Members {
		r.members[m.Peer.Name] = m
	}
}
