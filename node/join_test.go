package node

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maidsafe/sn-node/config"
	"github.com/maidsafe/sn-node/model/messages"
	"github.com/maidsafe/sn-node/model/safe"
	"github.com/maidsafe/sn-node/network"
	"github.com/maidsafe/sn-node/state/sections"
	"github.com/maidsafe/sn-node/utils/unittest"
)

func joinRequestFixture(t *testing.T, key safe.BLSPublicKey) (*safe.NodeIdentity, *messages.JoinRequest) {
	joiner, err := safe.GenerateIdentity(safe.MinAge)
	require.NoError(t, err)
	req := &messages.JoinRequest{
		Peer:       safe.Peer{Name: joiner.Name(), Addr: "10.9.9.9:12000"},
		SectionKey: key,
	}
	return joiner, req
}

func lastJoinResponse(t *testing.T, nd *Node, capture *sentCapture) *messages.JoinResponse {
	responses := capturedResponses[messages.JoinResponse](t, nd, capture)
	require.NotEmpty(t, responses)
	return responses[len(responses)-1]
}

func TestJoinAdmission(t *testing.T) {
	nd, _ := startNode(t, testConfig(t))
	capture := &sentCapture{}
	nd.send = capture.send

	sap, err := nd.currentSAP()
	require.NoError(t, err)
	joiner, req := joinRequestFixture(t, sap.SectionKey)

	var msgID network.MsgID
	nd.handleJoinRequest(req.Peer.Addr, msgID, req)

	challenge := lastJoinResponse(t, nd, capture)
	require.Equal(t, messages.JoinResourceChallenge, challenge.Decision)
	require.NotEmpty(t, challenge.Nonce)
	require.Positive(t, challenge.Difficulty)

	req.ChallengeNonce = challenge.Nonce
	req.ChallengeResponse = safe.SolveChallenge(challenge.Nonce, challenge.Difficulty)
	nd.handleJoinRequest(req.Peer.Addr, msgID, req)

	approval := lastJoinResponse(t, nd, capture)
	require.Equal(t, messages.JoinApproved, approval.Decision)
	require.NotNil(t, approval.SAP)

	// the approval carries everything a stateless joiner needs
	_, err = sections.NewTreeFromProof(*approval.SAP, approval.Proof)
	require.NoError(t, err)

	assert.True(t, nd.membershipRecord().IsJoined(joiner.Name()))
}

func TestJoinChallengeFailureRejected(t *testing.T) {
	nd, _ := startNode(t, testConfig(t))
	capture := &sentCapture{}
	nd.send = capture.send

	sap, err := nd.currentSAP()
	require.NoError(t, err)
	joiner, req := joinRequestFixture(t, sap.SectionKey)

	var msgID network.MsgID
	nd.handleJoinRequest(req.Peer.Addr, msgID, req)
	challenge := lastJoinResponse(t, nd, capture)
	require.Equal(t, messages.JoinResourceChallenge, challenge.Decision)

	req.ChallengeNonce = challenge.Nonce
	req.ChallengeResponse = []byte("wrong")
	nd.handleJoinRequest(req.Peer.Addr, msgID, req)

	rejection := lastJoinResponse(t, nd, capture)
	assert.Equal(t, messages.JoinRejected, rejection.Decision)
	assert.False(t, nd.membershipRecord().IsJoined(joiner.Name()))
}

func TestJoinStaleSectionKeyGetsRetry(t *testing.T) {
	nd, _ := startNode(t, testConfig(t))
	capture := &sentCapture{}
	nd.send = capture.send

	_, req := joinRequestFixture(t, safe.BLSPublicKey{})

	var msgID network.MsgID
	nd.handleJoinRequest(req.Peer.Addr, msgID, req)

	retry := lastJoinResponse(t, nd, capture)
	require.Equal(t, messages.JoinRetry, retry.Decision)
	require.NotNil(t, retry.SAP)
	assert.NotEmpty(t, retry.Proof)
}

func TestJoinRejectedWhileSectionFull(t *testing.T) {
	nd, _ := startNode(t, testConfig(t))
	capture := &sentCapture{}
	nd.send = capture.send

	nd.joinsDisallowed.Store(true)

	sap, err := nd.currentSAP()
	require.NoError(t, err)
	_, req := joinRequestFixture(t, sap.SectionKey)

	var msgID network.MsgID
	nd.handleJoinRequest(req.Peer.Addr, msgID, req)

	rejection := lastJoinResponse(t, nd, capture)
	assert.Equal(t, messages.JoinRejected, rejection.Decision)
}

func TestRelocationMintsOlderIdentity(t *testing.T) {
	cfg := testConfig(t)
	nd, _ := startNode(t, cfg)
	capture := &sentCapture{}
	nd.send = capture.send

	oldName := nd.Name()
	nd.handleRelocate(nd.Name(), &messages.Relocate{
		Peer:        safe.Peer{Name: nd.Name(), Addr: cfg.Addr},
		Destination: unittest.NameFixture(),
	})

	select {
	case <-nd.relocated:
	default:
		t.Fatal("relocation did not request a restart")
	}

	// section state is wiped, contacts for the rejoin are persisted
	_, err := os.Stat(filepath.Join(cfg.RootDir, sectionStateFile))
	assert.True(t, os.IsNotExist(err))
	peers, err := config.LoadPeers(filepath.Join(cfg.RootDir, relocatedPeersFile))
	require.NoError(t, err)
	assert.NotEmpty(t, peers)

	// the persisted identity is one age older under a new name
	reloaded, err := safe.LoadOrGenerateIdentity(cfg.RootDir, safe.MinAge)
	require.NoError(t, err)
	assert.NotEqual(t, oldName, reloaded.Name())
	assert.Equal(t, oldName.Age()+1, reloaded.Name().Age())
}

func TestRelocationFromNonElderIgnored(t *testing.T) {
	nd, _ := startNode(t, testConfig(t))
	capture := &sentCapture{}
	nd.send = capture.send

	nd.handleRelocate(unittest.NameFixture(), &messages.Relocate{
		Peer:        safe.Peer{Name: nd.Name()},
		Destination: unittest.NameFixture(),
	})

	select {
	case <-nd.relocated:
		t.Fatal("relocation accepted from a non-elder")
	default:
	}
}

func TestJoinOverNetwork(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping network join in short mode")
	}

	founderCfg := testConfig(t)
	founderCfg.Addr = freeAddr(t)
	founder, _ := startNode(t, founderCfg)

	joinerCfg := testConfig(t)
	joinerCfg.Addr = freeAddr(t)
	joinerCfg.PeersFile = filepath.Join(t.TempDir(), "peers.json")
	require.NoError(t, config.SavePeers(joinerCfg.PeersFile, []safe.Peer{
		{Name: founder.Name(), Addr: founder.Address()},
	}))
	joiner, _ := startNode(t, joinerCfg)
	require.False(t, joiner.isMember())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errs := make(chan error, 2)
	go func() { errs <- founder.Run(ctx) }()
	go func() { errs <- joiner.Run(ctx) }()

	require.Eventually(t, joiner.isMember, 15*time.Second, 50*time.Millisecond)
	require.Eventually(t, func() bool {
		return founder.membershipRecord().IsJoined(joiner.Name())
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	for i := 0; i < 2; i++ {
		err := <-errs
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("node stopped with: %v", err)
		}
	}
}
