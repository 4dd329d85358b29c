package replication

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maidsafe/sn-node/model/messages"
	"github.com/maidsafe/sn-node/model/safe"
	"github.com/maidsafe/sn-node/storage/chunks"
	"github.com/maidsafe/sn-node/utils/unittest"
)

func newHolderFixture(t *testing.T, capacity uint64) (*Holder, *chunks.Store, *mockConduit) {
	store, err := chunks.Open(unittest.Logger(), t.TempDir(), capacity, nil)
	require.NoError(t, err)
	conduit := newMockConduit()
	holder := NewHolder(unittest.Logger(), unittest.NameFixture(), store, conduit)
	return holder, store, conduit
}

func TestHolderStoresAndConfirms(t *testing.T) {
	holder, store, conduit := newHolderFixture(t, 1<<20)
	origin := unittest.NameFixture()
	chunk := unittest.ChunkFixture(512)

	require.NoError(t, holder.HandleStore(origin, &messages.StoreChunk{Chunk: *chunk}))

	assert.True(t, store.Has(chunk.Address()))
	require.Len(t, conduit.toElders, 1)
	stored, ok := conduit.toElders[0].(*messages.ChunkStored)
	require.True(t, ok)
	assert.Equal(t, chunk.Address(), stored.Address)

	// a re-store is confirmed again rather than refused
	require.NoError(t, holder.HandleStore(origin, &messages.StoreChunk{Chunk: *chunk}))
	require.Len(t, conduit.toElders, 2)
	_, ok = conduit.toElders[1].(*messages.ChunkStored)
	assert.True(t, ok)
}

func TestHolderRefusesWhenFull(t *testing.T) {
	holder, _, conduit := newHolderFixture(t, 128)
	chunk := unittest.ChunkFixture(512)

	require.NoError(t, holder.HandleStore(unittest.NameFixture(), &messages.StoreChunk{Chunk: *chunk}))

	require.Len(t, conduit.toElders, 1)
	failed, ok := conduit.toElders[0].(*messages.StoreFailed)
	require.True(t, ok)
	assert.True(t, failed.Full)
	assert.Equal(t, safe.KindNotEnoughSpace, failed.ErrKind)
}

func TestHolderAnswersFetch(t *testing.T) {
	holder, store, conduit := newHolderFixture(t, 1<<20)
	chunk := unittest.ChunkFixture(512)
	require.NoError(t, store.Put(chunk))

	elder := unittest.NameFixture()
	require.NoError(t, holder.HandleFetch(elder, &messages.FetchChunk{Address: chunk.Address()}))

	sent := conduit.sentTo(elder)
	require.Len(t, sent, 1)
	reply, ok := sent[0].(*messages.ChunkRetrieved)
	require.True(t, ok)
	assert.Equal(t, chunk.Value, reply.Value)
	assert.Zero(t, reply.ErrKind)
}

func TestHolderAnswersFetchMiss(t *testing.T) {
	holder, _, conduit := newHolderFixture(t, 1<<20)
	elder := unittest.NameFixture()

	require.NoError(t, holder.HandleFetch(elder, &messages.FetchChunk{Address: unittest.NameFixture()}))

	sent := conduit.sentTo(elder)
	require.Len(t, sent, 1)
	reply := sent[0].(*messages.ChunkRetrieved)
	assert.Equal(t, safe.KindNotFound, reply.ErrKind)
	assert.Nil(t, reply.Value)
}

func TestHolderReplicatesFromSource(t *testing.T) {
	holder, store, conduit := newHolderFixture(t, 1<<20)
	chunk := unittest.ChunkFixture(512)
	source := unittest.PeerFixture()

	require.NoError(t, holder.HandleReplicate(unittest.NameFixture(), &messages.Replicate{
		Address: chunk.Address(),
		Source:  source,
	}))

	// the fetch went to the source holder
	sent := conduit.sentTo(source.Name)
	require.Len(t, sent, 1)
	require.IsType(t, &messages.FetchChunk{}, sent[0])

	// the source's reply completes the replication
	require.NoError(t, holder.HandleRetrieved(source.Name, &messages.ChunkRetrieved{
		Address: chunk.Address(),
		Value:   chunk.Value,
	}))
	assert.True(t, store.Has(chunk.Address()))
	require.Len(t, conduit.toElders, 1)
	require.IsType(t, &messages.ChunkStored{}, conduit.toElders[0])
}

func TestHolderDiscardsCorruptReplication(t *testing.T) {
	holder, store, _ := newHolderFixture(t, 1<<20)
	chunk := unittest.ChunkFixture(512)
	source := unittest.PeerFixture()

	require.NoError(t, holder.HandleReplicate(unittest.NameFixture(), &messages.Replicate{
		Address: chunk.Address(),
		Source:  source,
	}))

	corrupt := append([]byte{}, chunk.Value...)
	corrupt[0]++
	require.NoError(t, holder.HandleRetrieved(source.Name, &messages.ChunkRetrieved{
		Address: chunk.Address(),
		Value:   corrupt,
	}))
	assert.False(t, store.Has(chunk.Address()))
}

func TestHolderUnsolicitedRetrievedIgnored(t *testing.T) {
	holder, store, _ := newHolderFixture(t, 1<<20)
	chunk := unittest.ChunkFixture(512)

	require.NoError(t, holder.HandleRetrieved(unittest.NameFixture(), &messages.ChunkRetrieved{
		Address: chunk.Address(),
		Value:   chunk.Value,
	}))
	assert.False(t, store.Has(chunk.Address()))
}

func TestHolderDeleteIsIdempotent(t *testing.T) {
	holder, store, _ := newHolderFixture(t, 1<<20)
	chunk := unittest.ChunkFixture(512)
	require.NoError(t, store.Put(chunk))

	require.NoError(t, holder.HandleDelete(unittest.NameFixture(), &messages.DeleteChunk{Address: chunk.Address()}))
	assert.False(t, store.Has(chunk.Address()))
	require.NoError(t, holder.HandleDelete(unittest.NameFixture(), &messages.DeleteChunk{Address: chunk.Address()}))
}

func TestHolderReportsStorageLevel(t *testing.T) {
	holder, store, conduit := newHolderFixture(t, 1000)
	chunk := unittest.ChunkFixture(500)
	require.NoError(t, store.Put(chunk))

	require.NoError(t, holder.ReportStorageLevel())
	require.Len(t, conduit.toElders, 1)
	level := conduit.toElders[0].(*messages.StorageLevel)
	assert.Equal(t, uint8(5), level.Level)
}
