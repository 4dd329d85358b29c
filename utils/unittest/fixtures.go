package unittest

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	mrand "math/rand"
	"testing"

	"github.com/onflow/flow-go/crypto"
	"github.com/stretchr/testify/require"

	"github.com/maidsafe/sn-node/model/safe"
)

// Seed returns n random bytes.
func Seed(t *testing.T, n int) []byte {
	seed := make([]byte, n)
	_, err := rand.Read(seed)
	require.NoError(t, err)
	return seed
}

// NameFixture returns a random name.
func NameFixture() safe.XorName {
	var name safe.XorName
	_, _ = rand.Read(name[:])
	return name
}

// NameWithAgeFixture returns a random name whose trailing byte is the
// given age.
func NameWithAgeFixture(age uint8) safe.XorName {
	name := NameFixture()
	name[31] = age
	return name
}

// NameWithPrefixFixture returns a random name inside the given prefix.
func NameWithPrefixFixture(prefix safe.Prefix, age uint8) safe.XorName {
	name := NameWithAgeFixture(age)
	for i := 0; i < int(prefix.Len); i++ {
		name = name.WithBit(i, prefix.Bits.Bit(i))
	}
	return name
}

// AddrFixture returns a plausible transport address.
func AddrFixture() string {
	return fmt.Sprintf("127.0.0.1:%d", 10000+mrand.Intn(50000))
}

// PeerFixture returns a random peer of adult age.
func PeerFixture() safe.Peer {
	return safe.Peer{
		Name: NameWithAgeFixture(safe.MinAge),
		Addr: AddrFixture(),
	}
}

// PeerWithAgeFixture returns a random peer of the given age.
func PeerWithAgeFixture(age uint8) safe.Peer {
	return safe.Peer{
		Name: NameWithAgeFixture(age),
		Addr: AddrFixture(),
	}
}

// PeersFixture returns n random peers of adult age.
func PeersFixture(n int) []safe.Peer {
	peers := make([]safe.Peer, 0, n)
	for i := 0; i < n; i++ {
		peers = append(peers, PeerFixture())
	}
	return peers
}

// IdentityFixture generates a fresh node identity with the given age.
func IdentityFixture(t *testing.T, age uint8) *safe.NodeIdentity {
	id, err := safe.GenerateIdentity(age)
	require.NoError(t, err)
	return id
}

// ClientKeyFixture returns an ed25519 keypair for client request fixtures.
func ClientKeyFixture(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return pub, priv
}

// BLSKeyFixture returns a standalone BLS private key.
func BLSKeyFixture(t *testing.T) crypto.PrivateKey {
	sk, err := crypto.GeneratePrivateKey(crypto.BLSBLS12381, Seed(t, crypto.KeyGenSeedMinLen))
	require.NoError(t, err)
	return sk
}

// ThresholdKeysFixture generates a centralized threshold key set for n
// signers with the section's supermajority threshold.
func ThresholdKeysFixture(t *testing.T, n int) ([]crypto.PrivateKey, []safe.BLSPublicKey, safe.BLSPublicKey) {
	seed := Seed(t, crypto.KeyGenSeedMinLen)
	privs, pubs, group, err := crypto.BLSThresholdKeyGen(n, safe.ThresholdParam(safe.SuperMajority(n)), seed)
	require.NoError(t, err)
	shares := make([]safe.BLSPublicKey, 0, n)
	for _, pk := range pubs {
		shares = append(shares, safe.BLSPublicKey{PublicKey: pk})
	}
	return privs, shares, safe.BLSPublicKey{PublicKey: group}
}

// SectionFixture bundles everything needed to act as a section in tests.
type SectionFixture struct {
	SAP         safe.SignedSAP
	Elders      []safe.Peer
	ElderShares []crypto.PrivateKey
	GenesisKey  crypto.PrivateKey
	Chain       []safe.ChainLink
}

// SectionFixtureOpt mutates the SAP before it is signed.
type SectionFixtureOpt func(*safe.SectionAuthorityProvider)

func WithPrefix(prefix safe.Prefix) SectionFixtureOpt {
	return func(sap *safe.SectionAuthorityProvider) {
		sap.Prefix = prefix
	}
}

func WithGeneration(gen uint64) SectionFixtureOpt {
	return func(sap *safe.SectionAuthorityProvider) {
		sap.Generation = gen
	}
}

// NewSectionFixture generates a genesis BLS key, a threshold key set for n
// elders and a SAP signed by the genesis key, together with the chain link
// introducing the section key.
func NewSectionFixture(t *testing.T, n int, opts ...SectionFixtureOpt) *SectionFixture {
	genesisKey := BLSKeyFixture(t)
	privs, shares, group := ThresholdKeysFixture(t, n)

	elders := make([]safe.Peer, 0, n)
	for i := 0; i < n; i++ {
		elders = append(elders, PeerWithAgeFixture(uint8(safe.MinAge+n-i)))
	}
	safe.SortPeersByAge(elders)

	sap := safe.SectionAuthorityProvider{
		Prefix:     safe.EmptyPrefix(),
		Generation: 1,
		Elders:     elders,
		SectionKey: group,
		ElderKeys:  shares,
	}
	for _, opt := range opts {
		opt(&sap)
	}

	signed := SignSAP(t, sap, genesisKey)
	link := ChainLinkFixture(t, genesisKey, group)

	return &SectionFixture{
		SAP:         signed,
		Elders:      elders,
		ElderShares: privs,
		GenesisKey:  genesisKey,
		Chain:       []safe.ChainLink{link},
	}
}

// GenesisSAPFixture returns a SAP whose section key IS the genesis key,
// suitable for seeding a routing table.
func GenesisSAPFixture(t *testing.T, genesisKey crypto.PrivateKey, elders []safe.Peer) safe.SignedSAP {
	sap := safe.SectionAuthorityProvider{
		Prefix:     safe.EmptyPrefix(),
		Generation: 0,
		Elders:     elders,
		SectionKey: safe.BLSPublicKey{PublicKey: genesisKey.PublicKey()},
	}
	return SignSAP(t, sap, genesisKey)
}

// SignSAP signs the SAP with the given parent key.
func SignSAP(t *testing.T, sap safe.SectionAuthorityProvider, parent crypto.PrivateKey) safe.SignedSAP {
	digest, err := sap.SigningDigest()
	require.NoError(t, err)
	sig, err := parent.Sign(digest[:], safe.NewSigningHasher())
	require.NoError(t, err)
	return safe.SignedSAP{SAP: sap, Sig: sig}
}

// ChainLinkFixture produces a chain link for the child key signed by the
// parent key.
func ChainLinkFixture(t *testing.T, parent crypto.PrivateKey, child safe.BLSPublicKey) safe.ChainLink {
	digest := safe.ProposalDigest(safe.TagChainExtension, child.Encode())
	sig, err := parent.Sign(digest[:], safe.NewSigningHasher())
	require.NoError(t, err)
	return safe.ChainLink{
		Parent: safe.BLSPublicKey{PublicKey: parent.PublicKey()},
		Key:    child,
		Sig:    sig,
	}
}

// ChunkFixture returns a public chunk with a random payload of the given
// size.
func ChunkFixture(size int) *safe.Chunk {
	value := make([]byte, size)
	_, _ = rand.Read(value)
	return &safe.Chunk{Value: value}
}

// PrivateChunkFixture returns a private chunk owned by the given key.
func PrivateChunkFixture(size int, owner ed25519.PublicKey) *safe.Chunk {
	chunk := ChunkFixture(size)
	chunk.Owner = owner
	return chunk
}
