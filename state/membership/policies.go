package membership

import (
	"math/bits"

	"golang.org/x/crypto/sha3"

	"github.com/maidsafe/sn-node/model/safe"
)

// ShouldSplit reports whether the record has grown enough to split: both
// one-bit extensions of our prefix must hold more than elderCount+buffer
// joined members, so each half can seat a full elder set immediately.
func ShouldSplit(r *Record, buffer int) (bool, safe.Prefix, safe.Prefix) {
	prefix := r.Prefix()
	if prefix.BitLen() >= safe.NameLen*8 {
		return false, safe.Prefix{}, safe.Prefix{}
	}
	p0 := prefix.Extend(false)
	p1 := prefix.Extend(true)

	threshold := r.elderCount + buffer
	var n0, n1 int
	for _, peer := range r.Joined() {
		if p0.Matches(peer.Name) {
			n0++
		} else {
			n1++
		}
	}
	return n0 > threshold && n1 > threshold, p0, p1
}

// ChooseRelocations selects members due for relocation after a churn event.
// A member relocates when its age is a power of two and the churn hash,
// salted with its name, carries at least age trailing zero bits. The salt
// spreads relocations of same-aged peers across churn events.
func ChooseRelocations(remaining []safe.Peer, churnHash [32]byte) []Change {
	var changes []Change
	for _, peer := range remaining {
		age := peer.Age()
		if age == 0 || age&(age-1) != 0 {
			continue
		}
		salted := sha3.Sum256(append(peer.Name[:], churnHash[:]...))
		if trailingZeroBits(salted) < uint(bits.Len8(age)-1) {
			continue
		}
		changes = append(changes, Change{
			Kind:        ChangeRelocate,
			Name:        peer.Name,
			Destination: RelocationDestination(peer.Name, churnHash),
		})
	}
	return changes
}

// RelocationDestination derives the deterministic relocation target for a
// name under a churn event: SHA3-256(name || churn hash), with the trailing
// age byte bumped so the relocated node rejoins one age older.
func RelocationDestination(name safe.XorName, churnHash [32]byte) safe.XorName {
	dst := safe.NamedHash(append(name[:], churnHash[:]...))
	dst[safe.NameLen-1] = name.Age() + 1
	return dst
}

func trailingZeroBits(h [32]byte) uint {
	var count uint
	for i := len(h) - 1; i >= 0; i-- {
		if h[i] == 0 {
			count += 8
			continue
		}
		count += uint(bits.TrailingZeros8(h[i]))
		break
	}
	return count
}
