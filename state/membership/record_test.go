package membership

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maidsafe/sn-node/model/safe"
	"github.com/maidsafe/sn-node/utils/unittest"
)

func recordFixture(t *testing.T) *Record {
	return NewRecord(unittest.Logger(), safe.EmptyPrefix(), safe.DefaultElderCount, nil)
}

func joinPeers(t *testing.T, r *Record, peers []safe.Peer) {
	for _, peer := range peers {
		_, err := r.Apply(Change{Kind: ChangeJoin, Peer: peer})
		require.NoError(t, err)
	}
}

func TestApplyJoin(t *testing.T) {
	r := recordFixture(t)
	peer := unittest.PeerFixture()

	delta, err := r.Apply(Change{Kind: ChangeJoin, Peer: peer})
	require.NoError(t, err)
	assert.Equal(t, []safe.Peer{peer}, delta.Added)
	assert.True(t, r.IsJoined(peer.Name))

	// applying the same join again adds nothing
	delta, err = r.Apply(Change{Kind: ChangeJoin, Peer: peer})
	require.NoError(t, err)
	assert.Empty(t, delta.Added)
	assert.Len(t, r.Joined(), 1)
}

func TestApplyJoinRejectsInfant(t *testing.T) {
	r := recordFixture(t)
	infant := unittest.PeerWithAgeFixture(safe.MinAge - 1)

	_, err := r.Apply(Change{Kind: ChangeJoin, Peer: infant})
	assert.Equal(t, safe.KindInvalidState, safe.KindOf(err))
}

func TestApplyJoinRejectsForeignName(t *testing.T) {
	zero, err := safe.ParsePrefix("0")
	require.NoError(t, err)
	r := NewRecord(unittest.Logger(), zero, safe.DefaultElderCount, nil)

	outside := safe.Peer{
		Name: unittest.NameWithPrefixFixture(zero.Sibling(), safe.MinAge),
		Addr: unittest.AddrFixture(),
	}
	_, err = r.Apply(Change{Kind: ChangeJoin, Peer: outside})
	assert.Equal(t, safe.KindInvalidState, safe.KindOf(err))
}

func TestApplyLeave(t *testing.T) {
	r := recordFixture(t)
	peers := unittest.PeersFixture(10)
	joinPeers(t, r, peers)

	delta, err := r.Apply(Change{Kind: ChangeLeave, Name: peers[0].Name})
	require.NoError(t, err)
	assert.Equal(t, []safe.Peer{peers[0]}, delta.Removed)
	assert.False(t, r.IsJoined(peers[0].Name))
	assert.Len(t, r.Joined(), 9)

	// leaving twice is a no-op
	delta, err = r.Apply(Change{Kind: ChangeLeave, Name: peers[0].Name})
	require.NoError(t, err)
	assert.Empty(t, delta.Removed)
}

func TestApplyLeaveRefusedBelowSuperMajority(t *testing.T) {
	r := recordFixture(t)
	peers := unittest.PeersFixture(safe.SuperMajority(safe.DefaultElderCount))
	joinPeers(t, r, peers)

	_, err := r.Apply(Change{Kind: ChangeLeave, Name: peers[0].Name})
	assert.Equal(t, safe.KindInvalidState, safe.KindOf(err))
	assert.True(t, r.IsJoined(peers[0].Name))
}

func TestApplyRelocateRecordsDestination(t *testing.T) {
	r := recordFixture(t)
	peers := unittest.PeersFixture(10)
	joinPeers(t, r, peers)

	dst := unittest.NameFixture()
	_, err := r.Apply(Change{Kind: ChangeRelocate, Name: peers[3].Name, Destination: dst})
	require.NoError(t, err)

	state, ok := r.Get(peers[3].Name)
	require.True(t, ok)
	assert.Equal(t, safe.StateRelocated, state.State)
	require.NotNil(t, state.RelocatedTo)
	assert.Equal(t, dst, *state.RelocatedTo)
}

func TestEldersAreOldest(t *testing.T) {
	r := recordFixture(t)
	for age := uint8(safe.MinAge); age < safe.MinAge+10; age++ {
		_, err := r.Apply(Change{Kind: ChangeJoin, Peer: unittest.PeerWithAgeFixture(age)})
		require.NoError(t, err)
	}

	elders := r.Elders()
	require.Len(t, elders, safe.DefaultElderCount)
	for i := 1; i < len(elders); i++ {
		assert.GreaterOrEqual(t, elders[i-1].Age(), elders[i].Age())
	}
	// the youngest members are not elders
	assert.Equal(t, uint8(safe.MinAge+9), elders[0].Age())

	adults := r.Adults()
	assert.Len(t, adults, 10-safe.DefaultElderCount)
}

func TestObserversSeeDeltas(t *testing.T) {
	r := recordFixture(t)

	var seen []safe.MembershipDelta
	r.Subscribe(func(delta safe.MembershipDelta) {
		seen = append(seen, delta)
	})

	peer := unittest.PeerFixture()
	_, err := r.Apply(Change{Kind: ChangeJoin, Peer: peer})
	require.NoError(t, err)
	require.Len(t, seen, 1)
	assert.Equal(t, []safe.Peer{peer}, seen[0].Added)

	// a no-op re-apply does not notify
	_, err = r.Apply(Change{Kind: ChangeJoin, Peer: peer})
	require.NoError(t, err)
	assert.Len(t, seen, 1)
}

func TestBisectDropsSiblingHalf(t *testing.T) {
	r := recordFixture(t)
	zero, err := safe.ParsePrefix("0")
	require.NoError(t, err)
	one := zero.Sibling()

	var ours, theirs []safe.Peer
	for i := 0; i < 5; i++ {
		ours = append(ours, safe.Peer{Name: unittest.NameWithPrefixFixture(zero, safe.MinAge), Addr: unittest.AddrFixture()})
		theirs = append(theirs, safe.Peer{Name: unittest.NameWithPrefixFixture(one, safe.MinAge), Addr: unittest.AddrFixture()})
	}
	joinPeers(t, r, ours)
	joinPeers(t, r, theirs)

	delta, err := r.Bisect(zero)
	require.NoError(t, err)
	assert.Len(t, delta.Removed, 5)
	assert.Len(t, r.Joined(), 5)
	assert.Equal(t, zero, r.Prefix())
	for _, peer := range ours {
		assert.True(t, r.IsJoined(peer.Name))
	}

	// bisecting to a non-extension is refused
	_, err = r.Bisect(zero)
	assert.Equal(t, safe.KindInvalidState, safe.KindOf(err))
}
