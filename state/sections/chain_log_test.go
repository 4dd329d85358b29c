package sections

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maidsafe/sn-node/model/safe"
	"github.com/maidsafe/sn-node/utils/unittest"
)

func TestChainLogReplay(t *testing.T) {
	dir := t.TempDir()

	genesisKey := unittest.BLSKeyFixture(t)
	genesis := safe.BLSPublicKey{PublicKey: genesisKey.PublicKey()}

	aKey := unittest.BLSKeyFixture(t)
	aPub := safe.BLSPublicKey{PublicKey: aKey.PublicKey()}
	bPub := safe.BLSPublicKey{PublicKey: unittest.BLSKeyFixture(t).PublicKey()}
	linkA := unittest.ChainLinkFixture(t, genesisKey, aPub)
	linkB := unittest.ChainLinkFixture(t, aKey, bPub)

	chain := NewChain(genesis)
	log, err := OpenChainLog(dir, chain)
	require.NoError(t, err)
	require.NoError(t, chain.Extend(linkA))
	require.NoError(t, log.Append(linkA))
	require.NoError(t, chain.Extend(linkB))
	require.NoError(t, log.Append(linkB))
	require.NoError(t, log.Close())

	// a restart replays both links into a fresh chain
	restored := NewChain(genesis)
	log, err = OpenChainLog(dir, restored)
	require.NoError(t, err)
	defer log.Close()

	assert.Equal(t, 3, restored.Len())
	assert.True(t, restored.HasKey(aPub))
	assert.True(t, restored.HasKey(bPub))
}

func TestChainLogDiscardsTruncatedTail(t *testing.T) {
	dir := t.TempDir()

	genesisKey := unittest.BLSKeyFixture(t)
	genesis := safe.BLSPublicKey{PublicKey: genesisKey.PublicKey()}
	aPub := safe.BLSPublicKey{PublicKey: unittest.BLSKeyFixture(t).PublicKey()}
	linkA := unittest.ChainLinkFixture(t, genesisKey, aPub)

	chain := NewChain(genesis)
	log, err := OpenChainLog(dir, chain)
	require.NoError(t, err)
	require.NoError(t, chain.Extend(linkA))
	require.NoError(t, log.Append(linkA))
	require.NoError(t, log.Close())

	// simulate a crash mid-append: chop bytes off the last record
	path := filepath.Join(dir, chainLogFile)
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()*2/3))

	// the damaged file opens without the partial record...
	restored := NewChain(genesis)
	log, err = OpenChainLog(dir, restored)
	require.NoError(t, err)
	assert.Equal(t, 1, restored.Len())

	// ...and accepts fresh appends afterwards
	require.NoError(t, restored.Extend(linkA))
	require.NoError(t, log.Append(linkA))
	require.NoError(t, log.Close())

	again := NewChain(genesis)
	log, err = OpenChainLog(dir, again)
	require.NoError(t, err)
	defer log.Close()
	assert.True(t, again.HasKey(aPub))
}

func TestChainLogRejectsCorruptRecord(t *testing.T) {
	dir := t.TempDir()
	genesis := safe.BLSPublicKey{PublicKey: unittest.BLSKeyFixture(t).PublicKey()}

	chain := NewChain(genesis)
	log, err := OpenChainLog(dir, chain)
	require.NoError(t, err)
	require.NoError(t, log.Close())

	// a complete record that does not decode is corruption, not a torn write
	path := filepath.Join(dir, chainLogFile)
	require.NoError(t, os.WriteFile(path, []byte{0, 0, 0, 2, 0xff, 0xff}, 0600))

	_, err = OpenChainLog(dir, NewChain(genesis))
	assert.Equal(t, safe.KindInvalidState, safe.KindOf(err))
}
