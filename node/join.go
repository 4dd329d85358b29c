package node

import (
	"context"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/maidsafe/sn-node/config"
	"github.com/maidsafe/sn-node/model/messages"
	"github.com/maidsafe/sn-node/model/safe"
	"github.com/maidsafe/sn-node/network"
	"github.com/maidsafe/sn-node/state/membership"
)

// challengeDifficulty is the leading-zero-bit requirement of the join
// proof-of-work. Solving costs a few hundred hashes; enough to make mass
// join attempts expensive, cheap enough for a single honest joiner.
const challengeDifficulty = 8

// joinAttemptInterval paces join retries during bootstrap.
const joinAttemptInterval = 2 * time.Second

// ErrRelocated is returned by Run when the section relocated this node: it
// persisted a new identity and bootstrap contacts, and must be restarted
// to rejoin under its new name.
var ErrRelocated = errors.New("node relocated, restart to rejoin")

// relocatedPeersFile holds the destination section's elders after a
// relocation, relative to the node root directory. New takes it over the
// configured peers file when present.
const relocatedPeersFile = "bootstrap.json"

// --- elder side ---

type pendingJoin struct {
	addr  string
	msgID network.MsgID
}

// handleJoinRequest runs the admission protocol on an elder: prefix and
// key freshness checks, then the resource challenge, then a membership
// proposal. The joiner is answered again once the section agrees.
func (n *Node) handleJoinRequest(addr string, msgID network.MsgID, msg *messages.JoinRequest) {
	if !n.isElder() {
		_ = n.reply(addr, msgID, &messages.JoinResponse{
			Decision: messages.JoinRejected,
			Reason:   "not an elder",
		})
		return
	}
	record := n.membershipRecord()
	sap, err := n.currentSAP()
	if record == nil || err != nil {
		return
	}

	if n.joinsDisallowed.Load() {
		_ = n.reply(addr, msgID, &messages.JoinResponse{
			Decision: messages.JoinRejected,
			Reason:   "section is not accepting new members",
		})
		return
	}
	if !record.Prefix().Matches(msg.Peer.Name) {
		_ = n.reply(addr, msgID, &messages.JoinResponse{
			Decision: messages.JoinRejected,
			Reason:   "name is outside this section",
		})
		return
	}
	if !msg.SectionKey.Equal(sap.SectionKey) {
		signed, proof, err := n.signedAuthority()
		if err != nil {
			n.log.Error().Err(err).Msg("could not assemble join retry")
			return
		}
		_ = n.reply(addr, msgID, &messages.JoinResponse{
			Decision: messages.JoinRetry,
			SAP:      &signed,
			Proof:    proof,
		})
		return
	}

	if len(msg.ChallengeResponse) == 0 {
		nonce := make([]byte, 32)
		if _, err := rand.Read(nonce); err != nil {
			n.log.Error().Err(err).Msg("could not sample challenge nonce")
			return
		}
		n.joinMu.Lock()
		n.joinNonces[msg.Peer.Name] = nonce
		n.joinMu.Unlock()
		_ = n.reply(addr, msgID, &messages.JoinResponse{
			Decision:   messages.JoinResourceChallenge,
			Nonce:      nonce,
			Difficulty: challengeDifficulty,
		})
		return
	}

	n.joinMu.Lock()
	nonce, issued := n.joinNonces[msg.Peer.Name]
	n.joinMu.Unlock()
	if !issued || string(nonce) != string(msg.ChallengeNonce) ||
		!safe.VerifyChallenge(nonce, msg.ChallengeResponse, challengeDifficulty) {
		_ = n.reply(addr, msgID, &messages.JoinResponse{
			Decision: messages.JoinRejected,
			Reason:   "resource challenge failed",
		})
		return
	}

	n.joinMu.Lock()
	delete(n.joinNonces, msg.Peer.Name)
	n.pendingJoins[msg.Peer.Name] = pendingJoin{addr: addr, msgID: msgID}
	n.joinMu.Unlock()

	n.proposeChange(membership.Change{Kind: membership.ChangeJoin, Peer: msg.Peer})
}

// approvePendingJoin answers a joiner whose admission the section agreed
// on. Only the elder that fielded the request holds the pending entry.
func (n *Node) approvePendingJoin(peer safe.Peer) {
	n.joinMu.Lock()
	pending, ok := n.pendingJoins[peer.Name]
	delete(n.pendingJoins, peer.Name)
	n.joinMu.Unlock()
	if !ok {
		return
	}

	signed, proof, err := n.signedAuthority()
	if err != nil {
		n.log.Error().Err(err).Msg("could not assemble join approval")
		return
	}
	resp := &messages.JoinResponse{
		Decision: messages.JoinApproved,
		SAP:      &signed,
		Proof:    proof,
	}
	if err := n.reply(pending.addr, pending.msgID, resp); err != nil {
		n.log.Warn().Err(err).Str("peer", peer.Name.String()).Msg("could not deliver join approval")
	}
}

// signedAuthority returns our current signed SAP with a chain proof from
// genesis, the form joiners can verify with no prior state.
func (n *Node) signedAuthority() (safe.SignedSAP, []safe.ChainLink, error) {
	n.mu.RLock()
	signed := n.sap
	chain := n.chain
	n.mu.RUnlock()

	proof, err := chain.MinimalProof(safe.BLSPublicKey{}, signed.SAP.SectionKey)
	if err != nil {
		return safe.SignedSAP{}, nil, err
	}
	full := append([]safe.ChainLink{{Key: chain.Genesis()}}, proof...)
	return signed, full, nil
}

// --- joiner side ---

// joinNetwork drives the admission protocol from the joiner's end: send
// requests to the bootstrap contacts with backoff until a response path
// ends in approval.
func (n *Node) joinNetwork(ctx context.Context) error {
	n.log.Info().Int("contacts", len(n.bootstrap)).Msg("joining network")

	n.joinMu.Lock()
	n.joinContacts = append([]safe.Peer{}, n.bootstrap...)
	n.joinMu.Unlock()

	backoff := retry.WithCappedDuration(time.Minute, retry.NewFibonacci(joinAttemptInterval))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if n.isMember() {
			return nil
		}
		n.sendJoinRequests()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-n.joined:
			n.log.Info().Msg("joined the network")
			return nil
		case <-time.After(joinAttemptInterval):
			return retry.RetryableError(errors.New("no join approval yet"))
		}
	})
}

// sendJoinRequests sends one admission request to every known contact,
// carrying the freshest section key and challenge solution we have.
func (n *Node) sendJoinRequests() {
	n.joinMu.Lock()
	contacts := append([]safe.Peer{}, n.joinContacts...)
	req := &messages.JoinRequest{
		Peer:              safe.Peer{Name: n.identity.Name(), Addr: n.cfg.Addr},
		SectionKey:        n.joinKey,
		ChallengeNonce:    n.challengeNonce,
		ChallengeResponse: n.challengeAnswer,
	}
	n.joinMu.Unlock()

	for _, contact := range contacts {
		env, err := n.newEnvelope(network.Dst{Kind: network.DstDirect, Addr: contact.Addr}, req)
		if err != nil {
			n.log.Error().Err(err).Msg("could not build join request")
			return
		}
		if err := n.transmit(contact.Addr, contact.Name, env); err != nil {
			n.log.Debug().Err(err).Str("contact", contact.Addr).Msg("join request failed")
		}
	}
}

// handleJoinResponse advances the joiner through the admission states.
func (n *Node) handleJoinResponse(addr string, msg *messages.JoinResponse) {
	if n.isMember() {
		return
	}

	switch msg.Decision {
	case messages.JoinApproved:
		if msg.SAP == nil {
			return
		}
		state := sectionState{SAP: *msg.SAP, Proof: msg.Proof}
		if err := n.persistSection(state, nil); err != nil {
			n.log.Error().Err(err).Msg("could not persist joined section")
			return
		}
		if err := n.installSection(state, nil); err != nil {
			n.log.Error().Err(err).Msg("could not install joined section")
		}

	case messages.JoinRetry:
		if msg.SAP == nil {
			return
		}
		n.joinMu.Lock()
		n.joinKey = msg.SAP.SAP.SectionKey
		n.joinContacts = append([]safe.Peer{}, msg.SAP.SAP.Elders...)
		n.joinMu.Unlock()
		n.sendJoinRequests()

	case messages.JoinResourceChallenge:
		answer := safe.SolveChallenge(msg.Nonce, msg.Difficulty)
		n.joinMu.Lock()
		n.challengeNonce = msg.Nonce
		n.challengeAnswer = answer
		n.joinMu.Unlock()
		n.sendJoinRequests()

	case messages.JoinRejected:
		n.log.Warn().Str("reason", msg.Reason).Str("contact", addr).Msg("join rejected")
	}
}

// --- relocation ---

// handleRelocate executes a relocation instruction from our elders: mint
// an identity one age older under the destination section's prefix,
// persist it with the destination's elders as bootstrap contacts, wipe the
// old section state and shut down for a rejoin under the new name.
func (n *Node) handleRelocate(origin safe.XorName, msg *messages.Relocate) {
	if msg.Peer.Name != n.identity.Name() {
		return
	}
	sap, err := n.currentSAP()
	if err != nil || !sap.ContainsElder(origin) {
		n.log.Warn().Str("origin", origin.String()).Msg("relocation from non-elder, ignoring")
		return
	}
	tree := n.sectionTree()
	if tree == nil {
		return
	}
	dstSAP, err := tree.Lookup(msg.Destination)
	if err != nil {
		n.log.Error().Err(err).Msg("no known section for relocation destination")
		return
	}

	newID, err := safe.GenerateMatchingIdentity(dstSAP.SAP.Prefix, n.identity.Name().Age()+1)
	if err != nil {
		n.log.Error().Err(err).Msg("could not mint relocated identity")
		return
	}
	if err := newID.Save(n.cfg.RootDir); err != nil {
		n.log.Error().Err(err).Msg("could not persist relocated identity")
		return
	}
	peersPath := filepath.Join(n.cfg.RootDir, relocatedPeersFile)
	if err := config.SavePeers(peersPath, dstSAP.SAP.Elders); err != nil {
		n.log.Error().Err(err).Msg("could not persist relocation contacts")
		return
	}
	n.wipeSectionState()

	n.log.Info().
		Str("new_name", newID.Name().String()).
		Str("prefix", dstSAP.SAP.Prefix.String()).
		Msg("relocated, shutting down for rejoin")

	n.relocateOnce.Do(func() { close(n.relocated) })
}

// wipeSectionState removes the persisted section view so the restart joins
// fresh instead of resuming the departed section.
func (n *Node) wipeSectionState() {
	for _, rel := range []string{sectionStateFile, shareKeyFile, "members", "chain"} {
		if err := os.RemoveAll(filepath.Join(n.cfg.RootDir, rel)); err != nil {
			n.log.Warn().Err(err).Str("path", rel).Msg("could not remove section state")
		}
	}
}
