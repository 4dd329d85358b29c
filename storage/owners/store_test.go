package owners

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/dgraph-io/badger/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maidsafe/sn-node/model/safe"
	"github.com/maidsafe/sn-node/utils/unittest"
)

func openStore(t *testing.T) *Store {
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})
	return NewStore(unittest.Logger(), db)
}

func ownerKeyFixture(t *testing.T) ed25519.PublicKey {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return pub
}

func TestSetGetRoundTrip(t *testing.T) {
	store := openStore(t)
	address := unittest.NameFixture()
	owner := ownerKeyFixture(t)

	require.NoError(t, store.Set(address, owner))

	got, err := store.Get(address)
	require.NoError(t, err)
	assert.True(t, owner.Equal(got))
}

func TestSetSameOwnerIsNoop(t *testing.T) {
	store := openStore(t)
	address := unittest.NameFixture()
	owner := ownerKeyFixture(t)

	require.NoError(t, store.Set(address, owner))
	require.NoError(t, store.Set(address, owner))
}

func TestSetDifferentOwnerFails(t *testing.T) {
	store := openStore(t)
	address := unittest.NameFixture()
	owner := ownerKeyFixture(t)

	require.NoError(t, store.Set(address, owner))

	err := store.Set(address, ownerKeyFixture(t))
	assert.ErrorIs(t, err, safe.ErrDataExists)

	// the original record stands
	got, err := store.Get(address)
	require.NoError(t, err)
	assert.True(t, owner.Equal(got))
}

func TestGetMissingRecord(t *testing.T) {
	store := openStore(t)

	_, err := store.Get(unittest.NameFixture())
	assert.ErrorIs(t, err, safe.ErrNotFound)
}

func TestRemoveDropsRecord(t *testing.T) {
	store := openStore(t)
	address := unittest.NameFixture()

	require.NoError(t, store.Set(address, ownerKeyFixture(t)))
	require.NoError(t, store.Remove(address))

	_, err := store.Get(address)
	assert.ErrorIs(t, err, safe.ErrNotFound)

	// removing an absent record is fine
	require.NoError(t, store.Remove(address))
}
