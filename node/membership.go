package node

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/onflow/flow-go/crypto"

	"github.com/maidsafe/sn-node/model/messages"
	"github.com/maidsafe/sn-node/model/safe"
	"github.com/maidsafe/sn-node/module/agreement"
	"github.com/maidsafe/sn-node/module/dkg"
	"github.com/maidsafe/sn-node/state/membership"
)

// snapshotEvery paces membership snapshots: after this many agreed changes
// the elders ratify a state snapshot and compact the write-ahead log.
const snapshotEvery = 32

// proposeChange submits a membership change to the elders for agreement.
// Non-elders cannot propose; the call is a silent no-op for them.
func (n *Node) proposeChange(change membership.Change) {
	proposal, err := change.Proposal()
	if err != nil {
		n.log.Error().Err(err).Msg("could not encode membership proposal")
		return
	}
	n.propose(proposal)
}

// propose signs a proposal with our key share and sends the share to every
// elder. A single-elder section (the genesis bootstrap phase) agrees
// trivially: the sole share signature is already a full section signature.
func (n *Node) propose(proposal messages.Proposal) {
	n.mu.RLock()
	signer := n.signer
	sap := n.sap.SAP
	n.mu.RUnlock()
	if signer == nil {
		return
	}

	if len(sap.Elders) == 1 && sap.Elders[0].Name == n.identity.Name() {
		hash := proposal.Hash()
		sig, err := signer.SignDigest(hash)
		if err != nil {
			n.log.Error().Err(err).Msg("could not sign proposal")
			return
		}
		n.onAgreed(messages.Agreed{Proposal: proposal, Sig: sig})
		return
	}

	share, err := signer.SignProposal(proposal)
	if err != nil {
		n.log.Error().Err(err).Msg("could not sign proposal")
		return
	}
	if err := n.SendToElders(share); err != nil {
		n.log.Warn().Err(err).Msg("could not distribute signature share")
	}
}

// onAgreed consumes one agreed proposal, exactly once per section key.
func (n *Node) onAgreed(agreed messages.Agreed) {
	n.metrics.ProposalAgreed(agreed.Proposal.Kind.String())

	switch agreed.Proposal.Kind {
	case messages.ProposalMembership:
		n.applyAgreedChange(agreed)
	case messages.ProposalChainExtension:
		n.applyChainExtension(agreed)
	case messages.ProposalNewAuthority:
		n.applyNewAuthority(agreed)
	case messages.ProposalSplit:
		n.applySplit(agreed)
	case messages.ProposalJoinsDisallowed:
		n.joinsDisallowed.Store(true)
		n.log.Info().Msg("section is full, joins disallowed")
	case messages.ProposalDataSnapshot:
		n.applySnapshot()
	default:
		n.log.Warn().Str("kind", agreed.Proposal.Kind.String()).Msg("agreed proposal of unknown kind")
	}
}

// applyAgreedChange mutates the membership record and runs the follow-ups
// one churn event triggers: answering the joiner, issuing relocations,
// checking the split threshold and rotating the elder set.
func (n *Node) applyAgreedChange(agreed messages.Agreed) {
	change, err := membership.DecodeChange(agreed.Proposal.Body)
	if err != nil {
		n.log.Error().Err(err).Msg("could not decode agreed membership change")
		return
	}
	record := n.membershipRecord()
	if record == nil {
		return
	}

	delta, err := record.Apply(change)
	if err != nil {
		n.log.Warn().Err(err).Str("kind", change.Kind.String()).Msg("could not apply agreed change")
		return
	}
	if len(delta.Added) == 0 && len(delta.Removed) == 0 {
		return
	}

	n.log.Info().
		Str("kind", change.Kind.String()).
		Int("members", len(delta.Remaining)).
		Msg("membership change applied")

	switch change.Kind {
	case membership.ChangeJoin:
		n.approvePendingJoin(change.Peer)
	case membership.ChangeRelocate:
		if n.isElder() {
			n.instructRelocation(change, delta)
		}
	}

	if !n.isElder() {
		return
	}

	// churn triggers age-based relocations of other members
	churnHash := agreed.Proposal.Hash()
	if change.Kind != membership.ChangeRelocate {
		for _, rel := range membership.ChooseRelocations(delta.Remaining, churnHash) {
			if rel.Name == n.identity.Name() {
				continue
			}
			n.proposeChange(rel)
		}
	}

	if ok, _, _ := membership.ShouldSplit(record, n.cfg.SplitBuffer); ok {
		n.proposeSplit(record.Prefix())
	}

	n.maybeStartDKG()
	n.maybeProposeSnapshot()
}

// instructRelocation tells the chosen member where to rejoin.
func (n *Node) instructRelocation(change membership.Change, delta safe.MembershipDelta) {
	for _, removed := range delta.Removed {
		if removed.Name != change.Name {
			continue
		}
		msg := &messages.Relocate{
			Peer:        removed,
			Destination: change.Destination,
		}
		if err := n.SendToPeer(removed, msg); err != nil {
			n.log.Warn().Err(err).Str("peer", removed.Name.String()).Msg("could not deliver relocation instruction")
		}
	}
}

// maybeStartDKG compares the record's elder candidates against the current
// authority and launches a key rotation when they differ. Every elder
// candidate runs the same check; the session id makes concurrent starts
// idempotent.
func (n *Node) maybeStartDKG() {
	record := n.membershipRecord()
	sap, err := n.currentSAP()
	if record == nil || err != nil {
		return
	}

	candidates := record.Elders()
	if len(candidates) < 2 {
		// too small for distributed key generation; the founding key
		// keeps serving until the section grows
		return
	}
	if sameElders(candidates, sap.Elders) {
		return
	}

	start := &messages.DKGStart{
		SessionID:  dkg.SessionID(sap.Generation+1, candidates),
		Generation: sap.Generation + 1,
		Prefix:     record.Prefix(),
		Candidates: candidates,
	}
	for _, cand := range candidates {
		if cand.Name == n.identity.Name() {
			continue
		}
		if err := n.SendToPeer(cand, start); err != nil {
			n.log.Warn().Err(err).Str("peer", cand.Name.String()).Msg("could not announce key rotation")
		}
	}

	amCandidate := false
	for _, cand := range candidates {
		if cand.Name == n.identity.Name() {
			amCandidate = true
			break
		}
	}
	if !amCandidate {
		return
	}
	if err := n.dkg.Start(sap.Generation+1, record.Prefix(), candidates); err != nil {
		n.log.Warn().Err(err).Msg("could not start key rotation")
	}
}

func sameElders(a []safe.Peer, b []safe.Peer) bool {
	if len(a) != len(b) {
		return false
	}
	names := make(map[safe.XorName]struct{}, len(b))
	for _, p := range b {
		names[p.Name] = struct{}{}
	}
	for _, p := range a {
		if _, ok := names[p.Name]; !ok {
			return false
		}
	}
	return true
}

// handleDKGStart reacts to a rotation announcement from a current elder.
func (n *Node) handleDKGStart(origin safe.XorName, msg *messages.DKGStart) {
	sap, err := n.currentSAP()
	if err != nil {
		n.log.Warn().Msg("ignoring key rotation announcement before joining")
		return
	}
	if !sap.ContainsElder(origin) {
		n.log.Warn().Str("origin", origin.String()).Msg("key rotation announced by non-elder")
		return
	}
	if err := n.dkg.Start(msg.Generation, msg.Prefix, msg.Candidates); err != nil {
		n.log.Debug().Err(err).Msg("not participating in announced rotation")
	}
}

// onDKGSuccess holds the session outcome and asks the current elders to
// ratify the new key into the section chain. Our share stays pending until
// the ratified authority is installed.
func (n *Node) onDKGSuccess(result dkg.Result) {
	n.metrics.DKGCompleted("success")

	keyID := string(result.SAP.SectionKey.Encode())
	n.pendingMu.Lock()
	n.pendingDKG[keyID] = result
	n.pendingMu.Unlock()

	n.log.Info().
		Uint64("generation", result.SAP.Generation).
		Str("prefix", result.SAP.Prefix.String()).
		Msg("key generation complete, requesting ratification")

	n.propose(messages.Proposal{
		Kind: messages.ProposalChainExtension,
		Body: result.SAP.SectionKey.Encode(),
	})
}

// applyChainExtension appends the ratified key to the section chain; the
// agreed section signature is directly the link's parent signature. Then
// the matching authority is put up for ratification.
func (n *Node) applyChainExtension(agreed messages.Agreed) {
	newKey, err := crypto.DecodePublicKey(crypto.BLSBLS12381, agreed.Proposal.Body)
	if err != nil {
		n.log.Error().Err(err).Msg("could not decode ratified section key")
		return
	}

	n.mu.RLock()
	chain := n.chain
	chainLog := n.chainLog
	parent := n.sap.SAP.SectionKey
	n.mu.RUnlock()
	if chain == nil {
		return
	}

	link := safe.ChainLink{
		Parent: parent,
		Key:    safe.BLSPublicKey{PublicKey: newKey},
		Sig:    agreed.Sig,
	}
	if err := chain.Extend(link); err != nil {
		n.log.Warn().Err(err).Msg("could not extend section chain")
		return
	}
	if err := chainLog.Append(link); err != nil {
		n.log.Error().Err(err).Msg("could not persist chain link")
	}

	n.pendingMu.Lock()
	result, ok := n.pendingDKG[string(agreed.Proposal.Body)]
	n.pendingMu.Unlock()
	if !ok {
		return
	}
	body, err := result.SAP.SignableBytes()
	if err != nil {
		n.log.Error().Err(err).Msg("could not encode new authority")
		return
	}
	n.propose(messages.Proposal{Kind: messages.ProposalNewAuthority, Body: body})
}

// applyNewAuthority installs the ratified authority into the routing table
// and gossips it to the section, then rotates our own elder machinery.
func (n *Node) applyNewAuthority(agreed messages.Agreed) {
	var sap safe.SectionAuthorityProvider
	if err := cbor.Unmarshal(agreed.Proposal.Body, &sap); err != nil {
		n.log.Error().Err(err).Msg("could not decode ratified authority")
		return
	}
	signed := safe.SignedSAP{SAP: sap, Sig: agreed.Sig}

	n.mu.RLock()
	tree := n.tree
	chain := n.chain
	n.mu.RUnlock()
	if tree == nil {
		return
	}

	proof, err := chain.MinimalProof(safe.BLSPublicKey{}, sap.SectionKey)
	if err != nil {
		n.log.Error().Err(err).Msg("could not prove ratified authority")
		return
	}
	if err := tree.Update(signed, proof); err != nil {
		n.log.Warn().Err(err).Msg("could not install ratified authority")
		return
	}

	n.refreshAuthority()
	n.gossipAuthority(signed, proof)
}

// gossipAuthority pushes a newly ratified authority to every section
// member, so adults and incoming elders converge without probing.
func (n *Node) gossipAuthority(signed safe.SignedSAP, proof []safe.ChainLink) {
	record := n.membershipRecord()
	if record == nil {
		return
	}
	n.mu.RLock()
	genesis := n.chain.Genesis()
	n.mu.RUnlock()

	full := append([]safe.ChainLink{{Key: genesis}}, proof...)
	update := &messages.AntiEntropyUpdate{SAP: signed, Proof: full}
	for _, peer := range record.Joined() {
		if peer.Name == n.identity.Name() {
			continue
		}
		if err := n.SendToPeer(peer, update); err != nil {
			n.log.Debug().Err(err).Str("peer", peer.Name.String()).Msg("could not gossip new authority")
		}
	}
}

// refreshAuthority re-reads our section's latest authority from the
// routing table and rotates the agreement machinery onto it: adopt the
// share from our pending key generation if we are in the new elder set,
// retire the old one otherwise. The refreshed view is persisted.
func (n *Node) refreshAuthority() {
	tree := n.sectionTree()
	if tree == nil {
		return
	}
	latest, err := tree.Lookup(n.identity.Name())
	if err != nil {
		return
	}

	n.mu.Lock()
	if latest.SAP.SectionKey.Equal(n.sap.SAP.SectionKey) {
		n.mu.Unlock()
		return
	}
	n.sap = latest

	var share crypto.PrivateKey
	shareIndex := 0
	hasShare := false

	keyID := string(latest.SAP.SectionKey.Encode())
	n.pendingMu.Lock()
	result, pending := n.pendingDKG[keyID]
	delete(n.pendingDKG, keyID)
	n.pendingMu.Unlock()

	switch {
	case pending && result.Share != nil:
		n.signer = agreement.NewSigner(result.MyIndex, result.Share)
		share = result.Share
		shareIndex = result.MyIndex
		hasShare = true
	case !latest.SAP.ContainsElder(n.identity.Name()):
		// demoted: the old share is useless and must not linger
		n.signer = nil
	}

	if err := n.aggregator.Rotate(latest.SAP); err != nil {
		n.log.Error().Err(err).Msg("could not rotate aggregator")
	}

	chain := n.chain
	n.mu.Unlock()

	proof, err := chain.MinimalProof(safe.BLSPublicKey{}, latest.SAP.SectionKey)
	if err != nil {
		n.log.Error().Err(err).Msg("could not build proof for persisted state")
		return
	}
	state := sectionState{
		SAP:        latest,
		Proof:      append([]safe.ChainLink{{Key: chain.Genesis()}}, proof...),
		ShareIndex: shareIndex,
		HasShare:   hasShare,
	}
	if err := n.persistSection(state, share); err != nil {
		n.log.Error().Err(err).Msg("could not persist section state")
	}

	n.log.Info().
		Uint64("generation", latest.SAP.Generation).
		Bool("elder", latest.SAP.ContainsElder(n.identity.Name())).
		Msg("section authority rotated")
}

// proposeSplit puts the section bisection up for agreement. The body names
// the prefix being split; each member later keeps its own half.
func (n *Node) proposeSplit(prefix safe.Prefix) {
	body, err := cbor.Marshal(prefix)
	if err != nil {
		n.log.Error().Err(err).Msg("could not encode split proposal")
		return
	}
	n.propose(messages.Proposal{Kind: messages.ProposalSplit, Body: body})
}

// applySplit narrows our section to the half our own name falls in. Chunks
// belonging to the sibling half leave our store, the admission freeze
// lifts, and the shrunk elder candidate set rotates the key.
func (n *Node) applySplit(agreed messages.Agreed) {
	var parent safe.Prefix
	if err := cbor.Unmarshal(agreed.Proposal.Body, &parent); err != nil {
		n.log.Error().Err(err).Msg("could not decode agreed split")
		return
	}
	record := n.membershipRecord()
	if record == nil || record.Prefix() != parent {
		return
	}

	ourHalf := parent.Extend(n.identity.Name().Bit(parent.BitLen()))
	if _, err := record.Bisect(ourHalf); err != nil {
		n.log.Error().Err(err).Str("prefix", ourHalf.String()).Msg("could not bisect membership")
		return
	}

	n.log.Info().Str("prefix", ourHalf.String()).Msg("section split")
	n.joinsDisallowed.Store(false)
	n.dropForeignChunks(ourHalf)
	n.maybeStartDKG()
}

// dropForeignChunks removes chunks whose address left our prefix after a
// split; the sibling section owns them now.
func (n *Node) dropForeignChunks(prefix safe.Prefix) {
	addresses, err := n.chunkStore.Addresses()
	if err != nil {
		n.log.Warn().Err(err).Msg("could not enumerate chunks after split")
		return
	}
	for _, address := range addresses {
		if prefix.Matches(address) {
			continue
		}
		if err := n.chunkStore.Delete(address); err != nil {
			n.log.Warn().Err(err).Msg("could not drop foreign chunk")
		}
	}
}

// proposeJoinsDisallowed freezes admissions; fired by the replication
// engine when too many adults report full stores.
func (n *Node) proposeJoinsDisallowed() {
	n.propose(messages.Proposal{Kind: messages.ProposalJoinsDisallowed, Body: []byte{1}})
}

// maybeProposeSnapshot ratifies a state snapshot every snapshotEvery
// changes, compacting the write-ahead log.
func (n *Node) maybeProposeSnapshot() {
	n.pendingMu.Lock()
	n.agreedCount++
	due := n.agreedCount%snapshotEvery == 0
	n.pendingMu.Unlock()
	if !due {
		return
	}
	record := n.membershipRecord()
	if record == nil {
		return
	}
	snap := record.SnapshotState()
	body, err := cbor.Marshal(&snap)
	if err != nil {
		n.log.Error().Err(err).Msg("could not encode snapshot proposal")
		return
	}
	digest := safe.NamedHash(body)
	n.propose(messages.Proposal{Kind: messages.ProposalDataSnapshot, Body: digest[:]})
}

// applySnapshot compacts the write-ahead log to the current record state.
func (n *Node) applySnapshot() {
	record := n.membershipRecord()
	if record == nil {
		return
	}
	if err := n.wal.Snapshot(record.SnapshotState()); err != nil {
		n.log.Error().Err(err).Msg("could not snapshot membership log")
	}
}

// onMembershipDelta is the record observer: it re-seeds the holder
// registry, lets the replication engine repair, and clears fault state for
// departed peers.
func (n *Node) onMembershipDelta(delta safe.MembershipDelta) {
	record := n.membershipRecord()
	if record == nil {
		return
	}
	if rep := n.replicationEngine(); rep != nil {
		rep.OnMembershipDelta(record.Adults(), delta.Removed)
	}
	for _, peer := range delta.Removed {
		n.faults.Forget(peer.Name)
	}
}

// onDKGFailure consumes locally accumulated failure evidence: the blamed
// candidates are proposed out of the section.
func (n *Node) onDKGFailure(set messages.DKGFailureSet) {
	n.metrics.DKGCompleted("failure")
	n.proposeBlamed(set.Blamed)
}

// handleDKGFailureSet consumes failure evidence relayed by another
// participant, verifying each attestation before acting on it.
func (n *Node) handleDKGFailureSet(origin safe.XorName, set *messages.DKGFailureSet) {
	digest := dkg.FailureDigest(set.SessionID, set.Blamed)
	valid := 0
	for _, sig := range set.Sigs {
		if err := safe.VerifyNodeSig(sig.PK, safe.NamedHash(sig.PK), digest[:], sig.Sig); err != nil {
			n.log.Warn().Err(err).Str("origin", origin.String()).Msg("discarding failure attestation")
			continue
		}
		valid++
	}
	sap, err := n.currentSAP()
	if err != nil {
		return
	}
	if valid < safe.FaultTolerance(len(sap.Elders))+1 {
		n.log.Warn().Int("valid", valid).Msg("failure evidence below attestation threshold")
		return
	}
	n.proposeBlamed(set.Blamed)
}

func (n *Node) proposeBlamed(blamed []safe.XorName) {
	if !n.isElder() {
		return
	}
	for _, name := range blamed {
		if name == n.identity.Name() {
			continue
		}
		n.proposeChange(membership.Change{Kind: membership.ChangeLeave, Name: name})
	}
}
