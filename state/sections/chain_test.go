package sections

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maidsafe/sn-node/model/safe"
	"github.com/maidsafe/sn-node/utils/unittest"
)

func TestChainStartsAtGenesis(t *testing.T) {
	genesisKey := unittest.BLSKeyFixture(t)
	genesis := safe.BLSPublicKey{PublicKey: genesisKey.PublicKey()}

	chain := NewChain(genesis)
	assert.Equal(t, 1, chain.Len())
	assert.True(t, chain.HasKey(genesis))
	assert.True(t, chain.Genesis().Equal(genesis))
}

func TestChainExtend(t *testing.T) {
	genesisKey := unittest.BLSKeyFixture(t)
	genesis := safe.BLSPublicKey{PublicKey: genesisKey.PublicKey()}
	chain := NewChain(genesis)

	child := unittest.BLSKeyFixture(t)
	childPub := safe.BLSPublicKey{PublicKey: child.PublicKey()}
	link := unittest.ChainLinkFixture(t, genesisKey, childPub)

	require.NoError(t, chain.Extend(link))
	assert.Equal(t, 2, chain.Len())
	assert.True(t, chain.HasKey(childPub))

	// extending with the same link again is a no-op
	require.NoError(t, chain.Extend(link))
	assert.Equal(t, 2, chain.Len())
}

func TestChainExtendRejectsUnknownParent(t *testing.T) {
	chain := NewChain(safe.BLSPublicKey{PublicKey: unittest.BLSKeyFixture(t).PublicKey()})

	stranger := unittest.BLSKeyFixture(t)
	child := safe.BLSPublicKey{PublicKey: unittest.BLSKeyFixture(t).PublicKey()}
	link := unittest.ChainLinkFixture(t, stranger, child)

	err := chain.Extend(link)
	assert.Equal(t, safe.KindUnknownSectionKey, safe.KindOf(err))
}

func TestChainExtendRejectsBadSignature(t *testing.T) {
	genesisKey := unittest.BLSKeyFixture(t)
	chain := NewChain(safe.BLSPublicKey{PublicKey: genesisKey.PublicKey()})

	child := safe.BLSPublicKey{PublicKey: unittest.BLSKeyFixture(t).PublicKey()}
	link := unittest.ChainLinkFixture(t, genesisKey, child)
	link.Sig[0] ^= 0xff

	err := chain.Extend(link)
	assert.Equal(t, safe.KindInvalidSignature, safe.KindOf(err))
}

func TestChainExtendCapsChildrenAtTwo(t *testing.T) {
	genesisKey := unittest.BLSKeyFixture(t)
	chain := NewChain(safe.BLSPublicKey{PublicKey: genesisKey.PublicKey()})

	// two children of one parent, as after a split
	for i := 0; i < 2; i++ {
		child := safe.BLSPublicKey{PublicKey: unittest.BLSKeyFixture(t).PublicKey()}
		require.NoError(t, chain.Extend(unittest.ChainLinkFixture(t, genesisKey, child)))
	}

	third := safe.BLSPublicKey{PublicKey: unittest.BLSKeyFixture(t).PublicKey()}
	err := chain.Extend(unittest.ChainLinkFixture(t, genesisKey, third))
	assert.Equal(t, safe.KindInvalidState, safe.KindOf(err))
}

func TestChainExtendForeignGenesis(t *testing.T) {
	chain := NewChain(safe.BLSPublicKey{PublicKey: unittest.BLSKeyFixture(t).PublicKey()})

	// our own genesis link is accepted silently
	require.NoError(t, chain.Extend(safe.ChainLink{Key: chain.Genesis()}))

	foreign := safe.BLSPublicKey{PublicKey: unittest.BLSKeyFixture(t).PublicKey()}
	err := chain.Extend(safe.ChainLink{Key: foreign})
	assert.Equal(t, safe.KindUnknownSectionKey, safe.KindOf(err))
}

func TestMinimalProof(t *testing.T) {
	genesisKey := unittest.BLSKeyFixture(t)
	genesis := safe.BLSPublicKey{PublicKey: genesisKey.PublicKey()}
	chain := NewChain(genesis)

	// genesis -> a -> b
	aKey := unittest.BLSKeyFixture(t)
	aPub := safe.BLSPublicKey{PublicKey: aKey.PublicKey()}
	bPub := safe.BLSPublicKey{PublicKey: unittest.BLSKeyFixture(t).PublicKey()}
	linkA := unittest.ChainLinkFixture(t, genesisKey, aPub)
	linkB := unittest.ChainLinkFixture(t, aKey, bPub)
	require.NoError(t, chain.Extend(linkA))
	require.NoError(t, chain.Extend(linkB))

	// from genesis: both links, parent first
	proof, err := chain.MinimalProof(genesis, bPub)
	require.NoError(t, err)
	require.Len(t, proof, 2)
	assert.True(t, proof[0].Key.Equal(aPub))
	assert.True(t, proof[1].Key.Equal(bPub))

	// from a: just the last link
	proof, err = chain.MinimalProof(aPub, bPub)
	require.NoError(t, err)
	require.Len(t, proof, 1)
	assert.True(t, proof[0].Key.Equal(bPub))

	// zero from-key means prove from genesis
	proof, err = chain.MinimalProof(safe.BLSPublicKey{}, bPub)
	require.NoError(t, err)
	assert.Len(t, proof, 2)

	// empty proof when the receiver already holds the target
	proof, err = chain.MinimalProof(bPub, bPub)
	require.NoError(t, err)
	assert.Empty(t, proof)
}

func TestMinimalProofDivergentBranches(t *testing.T) {
	genesisKey := unittest.BLSKeyFixture(t)
	genesis := safe.BLSPublicKey{PublicKey: genesisKey.PublicKey()}
	chain := NewChain(genesis)

	left := safe.BLSPublicKey{PublicKey: unittest.BLSKeyFixture(t).PublicKey()}
	right := safe.BLSPublicKey{PublicKey: unittest.BLSKeyFixture(t).PublicKey()}
	require.NoError(t, chain.Extend(unittest.ChainLinkFixture(t, genesisKey, left)))
	require.NoError(t, chain.Extend(unittest.ChainLinkFixture(t, genesisKey, right)))

	_, err := chain.MinimalProof(left, right)
	assert.Equal(t, safe.KindUnknownSectionKey, safe.KindOf(err))
}

func TestMergeReplaysProof(t *testing.T) {
	genesisKey := unittest.BLSKeyFixture(t)
	genesis := safe.BLSPublicKey{PublicKey: genesisKey.PublicKey()}

	source := NewChain(genesis)
	aKey := unittest.BLSKeyFixture(t)
	aPub := safe.BLSPublicKey{PublicKey: aKey.PublicKey()}
	bPub := safe.BLSPublicKey{PublicKey: unittest.BLSKeyFixture(t).PublicKey()}
	require.NoError(t, source.Extend(unittest.ChainLinkFixture(t, genesisKey, aPub)))
	require.NoError(t, source.Extend(unittest.ChainLinkFixture(t, aKey, bPub)))

	proof, err := source.MinimalProof(genesis, bPub)
	require.NoError(t, err)

	target := NewChain(genesis)
	require.NoError(t, target.Merge(proof))
	assert.True(t, target.HasKey(bPub))
	assert.Equal(t, source.Len(), target.Len())
}
