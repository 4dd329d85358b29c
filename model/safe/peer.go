package safe

import (
	"fmt"
	"sort"
)

// Peer identifies one node: its name and the transport address it is
// reachable at. The address is opaque to everything above the transport.
type Peer struct {
	Name XorName
	Addr string
}

// Age returns the peer's relocation count, taken from its name.
func (p Peer) Age() uint8 {
	return p.Name.Age()
}

func (p Peer) String() string {
	return fmt.Sprintf("%s@%s(age=%d)", p.Name, p.Addr, p.Age())
}

// MembershipState is the lifecycle state of one member of our section.
type MembershipState uint8

const (
	// StateJoined marks a live member of the section.
	StateJoined MembershipState = iota + 1
	// StateLeft marks a member that left or was lost; retained only long
	// enough to gossip the departure.
	StateLeft
	// StateRelocated marks a member relocated to another section.
	StateRelocated
)

func (s MembershipState) String() string {
	switch s {
	case StateJoined:
		return "joined"
	case StateLeft:
		return "left"
	case StateRelocated:
		return "relocated"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// NodeState is the membership record entry for one name in our section.
type NodeState struct {
	Peer  Peer
	State MembershipState
	// RelocatedTo is set when State is StateRelocated.
	RelocatedTo *XorName
	// PreviousName is set if the node was relocated into this section.
	PreviousName *XorName
}

// MembershipDelta describes the effect of one agreed membership change, as
// delivered to observers (DKG, holder registry, replication).
type MembershipDelta struct {
	Added     []Peer
	Removed   []Peer
	Remaining []Peer
}

// SortPeersByAge orders peers oldest first, breaking age ties by
// lexicographic name order. This is the canonical elder-candidate order.
func SortPeersByAge(peers []Peer) {
	sort.Slice(peers, func(i, j int) bool {
		if peers[i].Age() != peers[j].Age() {
			return peers[i].Age() > peers[j].Age()
		}
		return peers[i].Name.Less(peers[j].Name)
	})
}
