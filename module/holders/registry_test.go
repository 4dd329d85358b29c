package holders

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maidsafe/sn-node/model/safe"
	"github.com/maidsafe/sn-node/utils/unittest"
)

func registryFixture(t *testing.T, adults int) (*Registry, []safe.Peer) {
	reg := NewRegistry(unittest.Logger(), safe.DefaultReplicationFactor)
	peers := unittest.PeersFixture(adults)
	reg.SetAdults(peers)
	return reg, peers
}

func TestPickHoldersClosestFirst(t *testing.T) {
	reg, peers := registryFixture(t, 10)
	address := unittest.NameFixture()

	picked := reg.PickHolders(address, safe.DefaultReplicationFactor)
	require.Len(t, picked, safe.DefaultReplicationFactor)

	// picked peers are ordered by distance and are the overall closest
	names := make([]safe.XorName, 0, len(peers))
	for _, p := range peers {
		names = append(names, p.Name)
	}
	safe.SortByDistance(names, address)
	for i, peer := range picked {
		assert.Equal(t, names[i], peer.Name)
	}
}

func TestPickHoldersSkipsFullAndExcluded(t *testing.T) {
	reg, _ := registryFixture(t, 5)
	address := unittest.NameFixture()

	all := reg.PickHolders(address, 5)
	require.Len(t, all, 5)

	reg.MarkFull(all[0].Name)
	assert.True(t, reg.IsFull(all[0].Name))

	exclude := map[safe.XorName]struct{}{all[1].Name: {}}
	picked := reg.PickHoldersExcluding(address, 5, exclude)
	require.Len(t, picked, 3)
	for _, peer := range picked {
		assert.NotEqual(t, all[0].Name, peer.Name)
		assert.NotEqual(t, all[1].Name, peer.Name)
	}
}

func TestRecordStoredTracksHolders(t *testing.T) {
	reg, peers := registryFixture(t, 6)
	address := unittest.NameFixture()

	require.NoError(t, reg.RecordStored(address, peers[0].Name))
	require.NoError(t, reg.RecordStored(address, peers[1].Name))

	holders := reg.HoldersOf(address)
	require.Len(t, holders, 2)
	assert.Equal(t, []safe.ChunkAddress{address}, reg.Addresses())

	// a confirmation from a stranger is refused
	err := reg.RecordStored(address, unittest.NameFixture())
	assert.Equal(t, safe.KindInvalidState, safe.KindOf(err))

	reg.RecordDeleted(address, peers[0].Name)
	assert.Len(t, reg.HoldersOf(address), 1)

	reg.Forget(address)
	assert.Empty(t, reg.HoldersOf(address))
	assert.Empty(t, reg.Addresses())
}

func TestFullRatio(t *testing.T) {
	reg, peers := registryFixture(t, 4)
	assert.Zero(t, reg.FullRatio())

	reg.MarkFull(peers[0].Name)
	reg.MarkFull(peers[1].Name)
	assert.InDelta(t, 0.5, reg.FullRatio(), 1e-9)

	// marking the same adult twice changes nothing
	reg.MarkFull(peers[0].Name)
	assert.InDelta(t, 0.5, reg.FullRatio(), 1e-9)
}

func TestMarkFullReportsRebalances(t *testing.T) {
	reg, _ := registryFixture(t, 6)
	address := unittest.NameFixture()

	// confirm the current ideal holders
	ideal := reg.PickHolders(address, safe.DefaultReplicationFactor)
	for _, peer := range ideal {
		require.NoError(t, reg.RecordStored(address, peer.Name))
	}

	// filling one of them shifts the ideal set, demanding a rebalance
	rebalances := reg.MarkFull(ideal[0].Name)
	require.Len(t, rebalances, 1)
	assert.Equal(t, address, rebalances[0].Address)
	assert.Len(t, rebalances[0].NewTargets, safe.DefaultReplicationFactor)
	assert.NotContains(t, rebalances[0].NewTargets, ideal[0].Name)
}

func TestOnMembershipDeltaDropsRemovedHolders(t *testing.T) {
	reg, peers := registryFixture(t, 6)
	address := unittest.NameFixture()

	ideal := reg.PickHolders(address, safe.DefaultReplicationFactor)
	for _, peer := range ideal {
		require.NoError(t, reg.RecordStored(address, peer.Name))
	}

	// remove one confirmed holder from the section
	gone := ideal[0]
	var remaining []safe.Peer
	for _, peer := range peers {
		if peer.Name != gone.Name {
			remaining = append(remaining, peer)
		}
	}

	rebalances := reg.OnMembershipDelta(remaining, []safe.Peer{gone})
	require.Len(t, rebalances, 1)
	assert.Equal(t, address, rebalances[0].Address)

	// the departed peer no longer appears as a holder
	for _, holder := range reg.HoldersOf(address) {
		assert.NotEqual(t, gone.Name, holder.Name)
	}
	_, isAdult := reg.Adult(gone.Name)
	assert.False(t, isAdult)
}
