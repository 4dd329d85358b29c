package dkg

import (
	"sync"
	"testing"
	"time"

	"github.com/onflow/flow-go/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maidsafe/sn-node/model/messages"
	"github.com/maidsafe/sn-node/model/safe"
	"github.com/maidsafe/sn-node/utils/unittest"
)

// testNetwork delivers DKG messages between coordinators in memory.
type testNetwork struct {
	mu    sync.Mutex
	nodes map[safe.XorName]*Coordinator
}

func newTestNetwork() *testNetwork {
	return &testNetwork{nodes: make(map[safe.XorName]*Coordinator)}
}

func (n *testNetwork) register(name safe.XorName, c *Coordinator) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nodes[name] = c
}

func (n *testNetwork) coordinator(name safe.XorName) *Coordinator {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nodes[name]
}

// testConduit routes one node's outbound DKG traffic through the network.
type testConduit struct {
	net  *testNetwork
	self safe.XorName
}

func (c *testConduit) SendPrivate(dst safe.Peer, msg *messages.PrivateDKGMessage) error {
	if peer := c.net.coordinator(dst.Name); peer != nil {
		copied := *msg
		go peer.HandlePrivate(c.self, &copied)
	}
	return nil
}

func (c *testConduit) Broadcast(dsts []safe.Peer, msg *messages.BroadcastDKGMessage) error {
	for _, dst := range dsts {
		if peer := c.net.coordinator(dst.Name); peer != nil {
			copied := *msg
			go peer.HandleBroadcast(c.self, &copied)
		}
	}
	return nil
}

func testSessionConfig() SessionConfig {
	return SessionConfig{
		RoundTimeout:   2 * time.Second,
		SessionTimeout: 20 * time.Second,
	}
}

func TestSessionIDDeterministic(t *testing.T) {
	candidates := unittest.PeersFixture(4)

	id := SessionID(3, candidates)
	// order of the input does not matter
	shuffled := []safe.Peer{candidates[2], candidates[0], candidates[3], candidates[1]}
	assert.Equal(t, id, SessionID(3, shuffled))

	// generation and candidate set both matter
	assert.NotEqual(t, id, SessionID(4, candidates))
	assert.NotEqual(t, id, SessionID(3, candidates[:3]))
}

func TestFailureDigestBindsBlameSet(t *testing.T) {
	var session [32]byte
	copy(session[:], []byte("session"))
	blamed := []safe.XorName{unittest.NameFixture()}

	assert.Equal(t, FailureDigest(session, blamed), FailureDigest(session, blamed))
	assert.NotEqual(t, FailureDigest(session, blamed), FailureDigest(session, nil))
}

func TestStartRequiresCandidacy(t *testing.T) {
	identity := unittest.IdentityFixture(t, safe.MinAge)
	c := NewCoordinator(unittest.Logger(), identity, &testConduit{net: newTestNetwork()},
		testSessionConfig(), func(Result) {}, func(messages.DKGFailureSet) {})
	defer c.Shutdown()

	err := c.Start(1, safe.EmptyPrefix(), unittest.PeersFixture(4))
	assert.Equal(t, safe.KindInvalidState, safe.KindOf(err))
}

// TestDistributedKeyGeneration runs a full Joint Feldman session among four
// candidates over the in-memory network and checks the outcome supports
// threshold signing under the agreed group key.
func TestDistributedKeyGeneration(t *testing.T) {
	if testing.Short() {
		t.Skip("full DKG run takes several seconds")
	}

	const n = 4
	net := newTestNetwork()

	identities := make([]*safe.NodeIdentity, n)
	candidates := make([]safe.Peer, n)
	for i := 0; i < n; i++ {
		identities[i] = unittest.IdentityFixture(t, uint8(safe.MinAge+n-i))
		candidates[i] = safe.Peer{Name: identities[i].Name(), Addr: unittest.AddrFixture()}
	}
	safe.SortPeersByAge(candidates)

	results := make(chan Result, n)
	coordinators := make([]*Coordinator, n)
	for i := 0; i < n; i++ {
		conduit := &testConduit{net: net, self: identities[i].Name()}
		coordinators[i] = NewCoordinator(unittest.Logger(), identities[i], conduit,
			testSessionConfig(),
			func(r Result) { results <- r },
			func(messages.DKGFailureSet) { t.Error("unexpected DKG failure") })
		net.register(identities[i].Name(), coordinators[i])
		defer coordinators[i].Shutdown()
	}

	prefix := safe.EmptyPrefix()
	for _, c := range coordinators {
		require.NoError(t, c.Start(2, prefix, candidates))
		// a second start of the same session is absorbed
		require.NoError(t, c.Start(2, prefix, candidates))
	}

	collected := make([]Result, 0, n)
	deadline := time.After(30 * time.Second)
	for len(collected) < n {
		select {
		case r := <-results:
			collected = append(collected, r)
		case <-deadline:
			t.Fatalf("only %d of %d DKG outcomes arrived in time", len(collected), n)
		}
	}

	// every participant agrees on the section authority
	sap := collected[0].SAP
	require.NotNil(t, sap.SectionKey.PublicKey)
	assert.Equal(t, uint64(2), sap.Generation)
	assert.Equal(t, candidates, sap.Elders)
	for _, r := range collected[1:] {
		assert.True(t, r.SAP.SectionKey.Equal(sap.SectionKey))
	}

	// the shares reconstruct a signature valid under the group key
	digest := safe.ProposalDigest(safe.TagMembership, []byte("post-dkg"))
	required := safe.SuperMajority(n)
	shares := make([]crypto.Signature, 0, required)
	signers := make([]int, 0, required)
	for _, r := range collected[:required] {
		share, err := r.Share.Sign(digest[:], safe.NewSigningHasher())
		require.NoError(t, err)
		shares = append(shares, share)
		signers = append(signers, r.MyIndex)
	}
	combined, err := crypto.BLSReconstructThresholdSignature(
		n, safe.ThresholdParam(required), shares, signers)
	require.NoError(t, err)
	valid, err := sap.SectionKey.Verify(combined, digest[:], safe.NewSigningHasher())
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestProcessFailureTally(t *testing.T) {
	identity := unittest.IdentityFixture(t, safe.MinAge)

	var mu sync.Mutex
	var sets []messages.DKGFailureSet
	c := NewCoordinator(unittest.Logger(), identity, &testConduit{net: newTestNetwork()},
		testSessionConfig(), func(Result) {}, func(set messages.DKGFailureSet) {
			mu.Lock()
			sets = append(sets, set)
			mu.Unlock()
		})
	defer c.Shutdown()

	var session [32]byte
	copy(session[:], []byte("failed session"))
	blamed := []safe.XorName{unittest.NameFixture()}
	digest := FailureDigest(session, blamed)

	attest := func(id *safe.NodeIdentity) *messages.DKGFailure {
		return &messages.DKGFailure{
			SessionID: session,
			Blamed:    blamed,
			Sig: messages.FailureSig{
				PK:  id.Public,
				Sig: id.Sign(digest[:]),
			},
		}
	}

	// FaultTolerance(4) = 2 attestations complete the evidence
	first := unittest.IdentityFixture(t, safe.MinAge)
	c.ProcessFailure(first.Name(), attest(first), 4)
	mu.Lock()
	assert.Empty(t, sets)
	mu.Unlock()

	// an attestation whose key does not match the origin is dropped
	second := unittest.IdentityFixture(t, safe.MinAge)
	c.ProcessFailure(unittest.NameFixture(), attest(second), 4)

	// a duplicate from the first attester does not advance the tally
	c.ProcessFailure(first.Name(), attest(first), 4)
	mu.Lock()
	assert.Empty(t, sets)
	mu.Unlock()

	c.ProcessFailure(second.Name(), attest(second), 4)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sets) == 1
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, session, sets[0].SessionID)
	assert.Equal(t, blamed, sets[0].Blamed)
	assert.Len(t, sets[0].Sigs, 2)

	// further attestations after completion do not re-fire
	third := unittest.IdentityFixture(t, safe.MinAge)
	c.ProcessFailure(third.Name(), attest(third), 4)
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Len(t, sets, 1)
	mu.Unlock()
}
