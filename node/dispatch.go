package node

import (
	"context"

	"github.com/maidsafe/sn-node/engine"
	"github.com/maidsafe/sn-node/engine/antientropy"
	"github.com/maidsafe/sn-node/engine/client"
	"github.com/maidsafe/sn-node/model/messages"
	"github.com/maidsafe/sn-node/model/safe"
	"github.com/maidsafe/sn-node/network"
	"github.com/maidsafe/sn-node/utils/logging"
)

// queue capacities per message class; overflow is dropped and counted
const (
	controlQueueCapacity     = 512
	clientQueueCapacity      = 256
	dkgQueueCapacity         = 512
	replicationQueueCapacity = 1024
)

// drop reasons reported to metrics
const (
	reasonBadVersion     = "bad_version"
	reasonDecodeFailure  = "decode_failure"
	reasonBadSignature   = "bad_signature"
	reasonStaleKnowledge = "stale_knowledge"
	reasonWrongRole      = "wrong_role"
	reasonUnknownType    = "unknown_type"
)

// inbound is the unit flowing through the dispatch queues: one decoded
// payload plus the envelope context needed to answer it.
type inbound struct {
	addr  string
	msgID network.MsgID
	src   network.Src
	msg   interface{}
}

// initDispatch builds the message handler: one queue per message class so
// a flood of one class cannot starve the others, with a single consumer
// preserving per-class ordering.
func (n *Node) initDispatch() {
	n.controlStore, _ = engine.NewFifoMessageStore(controlQueueCapacity)
	n.clientStore, _ = engine.NewFifoMessageStore(clientQueueCapacity)
	n.dkgStore, _ = engine.NewFifoMessageStore(dkgQueueCapacity)
	n.replicationStore, _ = engine.NewFifoMessageStore(replicationQueueCapacity)

	matchInbound := func(match func(interface{}) bool) engine.MatchFunc {
		return func(msg *engine.Message) bool {
			in, ok := msg.Payload.(*inbound)
			return ok && match(in.msg)
		}
	}

	n.handler = engine.NewMessageHandler(
		n.log,
		engine.Pattern{
			Match: matchInbound(func(m interface{}) bool {
				switch m.(type) {
				case *messages.ClientRead, *messages.ClientWrite,
					*messages.ClientDelete, *messages.ClientRegisterOp,
					*messages.ClientResponse:
					return true
				}
				return false
			}),
			Store: n.clientStore,
		},
		engine.Pattern{
			Match: matchInbound(func(m interface{}) bool {
				switch m.(type) {
				case *messages.DKGStart, *messages.PrivateDKGMessage,
					*messages.BroadcastDKGMessage, *messages.DKGFailure:
					return true
				}
				return false
			}),
			Store: n.dkgStore,
		},
		engine.Pattern{
			Match: matchInbound(func(m interface{}) bool {
				switch m.(type) {
				case *messages.StoreChunk, *messages.ChunkStored,
					*messages.StoreFailed, *messages.FetchChunk,
					*messages.ChunkRetrieved, *messages.Replicate,
					*messages.StorageLevel, *messages.DeleteChunk:
					return true
				}
				return false
			}),
			Store: n.replicationStore,
		},
		engine.Pattern{
			// everything else that survived decoding: membership,
			// agreement shares, anti-entropy, system
			Match: func(msg *engine.Message) bool {
				_, ok := msg.Payload.(*inbound)
				return ok
			},
			Store: n.controlStore,
		},
	)
}

// onEnvelope is the transport handler: it validates the envelope on the
// receiving goroutine and enqueues the decoded payload for the consumer.
func (n *Node) onEnvelope(origin string, env *network.Envelope) {
	n.metrics.MessageReceived(env.MsgID.String())

	if env.Version != network.ProtocolVersion {
		n.metrics.MessageDropped(reasonBadVersion)
		_ = n.reply(origin, env.MsgID, &messages.UnsupportedVersion{
			Supported: network.ProtocolVersion,
			Received:  env.Version,
		})
		return
	}

	payload, err := n.codec.Decode(env.Payload)
	if err != nil {
		n.log.Warn().Err(err).Str("origin", origin).Msg("dropping undecodable payload")
		n.metrics.MessageDropped(reasonDecodeFailure)
		return
	}

	if err := n.verifySource(env); err != nil {
		n.log.Warn().Err(err).
			Str("origin", origin).
			Str("msg_type", logging.Type(payload)).
			Msg("dropping message with invalid source authority")
		n.metrics.InvalidSignature()
		n.metrics.MessageDropped(reasonBadSignature)
		return
	}

	if dropped := n.antiEntropyGate(origin, env, payload); dropped {
		return
	}

	in := &inbound{addr: origin, msgID: env.MsgID, src: env.Src, msg: payload}
	if err := n.handler.Process(env.Src.Name, in); err != nil {
		n.log.Warn().Err(err).Msg("could not enqueue message")
	}
}

// verifySource checks the authority claimed in the envelope source. Client
// requests carry per-message requester signatures instead and pass here.
func (n *Node) verifySource(env *network.Envelope) error {
	switch env.Src.Kind {
	case network.SrcClient:
		return nil
	case network.SrcNode:
		return safe.VerifyNodeSig(env.Src.NodePK, env.Src.Name, env.Payload, env.Src.NodeSig)
	case network.SrcSection:
		return n.verifySectionSource(env)
	default:
		return safe.NewError(safe.KindInvalidState, "unknown source kind %d", env.Src.Kind)
	}
}

// verifySectionSource checks a section-authority signature: the proof is
// merged into our chain, then the signature must verify under the section
// key we hold for the claimed prefix.
func (n *Node) verifySectionSource(env *network.Envelope) error {
	tree := n.sectionTree()
	if tree == nil {
		return safe.NewError(safe.KindInvalidState, "no routing table to verify section authority")
	}
	if len(env.Src.Proof) > 0 {
		if err := tree.Chain().Merge(env.Src.Proof); err != nil {
			return err
		}
	}
	sap, ok := tree.Get(env.Src.Prefix)
	if !ok {
		return safe.NewError(safe.KindUnknownSectionKey, "no authority known for prefix %q", env.Src.Prefix)
	}
	valid, err := sap.SAP.SectionKey.Verify(env.Src.SectionSig, env.Payload, safe.NewSigningHasher())
	if err != nil {
		return err
	}
	if !valid {
		return safe.NewError(safe.KindInvalidSignature, "section signature invalid for prefix %q", env.Src.Prefix)
	}
	return nil
}

// antiEntropyGate checks the sender's section key claim before any handler
// runs. A stale or misdirected message is answered with the corrective
// anti-entropy message and dropped; the sender replays it. Bootstrap
// traffic (direct destinations) and the anti-entropy exchange itself stay
// outside the gate.
func (n *Node) antiEntropyGate(origin string, env *network.Envelope, payload interface{}) bool {
	if env.Dst.Kind == network.DstDirect {
		return false
	}
	switch payload.(type) {
	case *messages.AntiEntropyRetry, *messages.AntiEntropyRedirect,
		*messages.AntiEntropyUpdate, *messages.AntiEntropyProbe,
		*messages.JoinRequest, *messages.JoinResponse,
		*messages.UnsupportedVersion:
		return false
	}

	ae := n.aeHandler()
	if ae == nil {
		return false
	}
	verdict, err := ae.Check(env.Dst.Name, env.DstSectionKey)
	if err != nil {
		n.log.Warn().Err(err).Msg("could not run anti-entropy check")
		return false
	}

	var correction interface{}
	switch verdict.Outcome {
	case antientropy.Fresh:
		return false
	case antientropy.SendRetry:
		correction = verdict.Retry()
	case antientropy.SendRedirect:
		correction = verdict.Redirect()
	case antientropy.SendUpdate:
		correction = verdict.Update()
	}
	if err := n.reply(origin, env.MsgID, correction); err != nil {
		n.log.Warn().Err(err).Msg("could not send anti-entropy correction")
	}
	n.metrics.MessageDropped(reasonStaleKnowledge)
	return true
}

// deliverLocal feeds a payload we address to ourselves through the same
// queues as network traffic, keeping ordering uniform.
func (n *Node) deliverLocal(payload interface{}) error {
	in := &inbound{
		addr:  n.transport.Address(),
		src:   network.Src{Kind: network.SrcNode, Name: n.identity.Name()},
		msg:   payload,
	}
	return n.handler.Process(n.identity.Name(), in)
}

// consumeMessages is the single dispatch consumer: control first, then
// client, DKG and replication traffic.
func (n *Node) consumeMessages(ctx context.Context) {
	notifier := n.handler.GetNotifier()
	for {
		select {
		case <-ctx.Done():
			return
		case <-notifier:
			n.drainQueues()
		}
	}
}

func (n *Node) drainQueues() {
	for {
		msg, ok := n.controlStore.Get()
		if !ok {
			msg, ok = n.clientStore.Get()
		}
		if !ok {
			msg, ok = n.dkgStore.Get()
		}
		if !ok {
			msg, ok = n.replicationStore.Get()
		}
		if !ok {
			return
		}
		in, ok := msg.Payload.(*inbound)
		if !ok {
			continue
		}
		n.dispatch(in)
	}
}

// dispatch routes one validated message to its component, honouring the
// node's role: client and section-control traffic needs the elder engines,
// chunk traffic the holder.
func (n *Node) dispatch(in *inbound) {
	origin := in.src.Name

	switch msg := in.msg.(type) {

	// client surface (elders only)
	case *messages.ClientRead:
		if d := n.clientDispatcher(); d != nil {
			d.HandleRead([32]byte(in.msgID), msg, n.clientResponder(in))
		} else {
			n.dropForRole(in, "client_read")
		}
	case *messages.ClientWrite:
		if d := n.clientDispatcher(); d != nil {
			d.HandleWrite([32]byte(in.msgID), msg, n.clientResponder(in))
		} else {
			n.dropForRole(in, "client_write")
		}
	case *messages.ClientDelete:
		if d := n.clientDispatcher(); d != nil {
			d.HandleDelete([32]byte(in.msgID), msg, n.clientResponder(in))
		} else {
			n.dropForRole(in, "client_delete")
		}
	case *messages.ClientRegisterOp:
		if d := n.clientDispatcher(); d != nil {
			d.HandleRegisterOp([32]byte(in.msgID), msg, n.clientResponder(in))
		} else {
			n.dropForRole(in, "client_register_op")
		}
	case *messages.ClientResponse:
		// nodes do not consume client responses; clients do
		n.metrics.MessageDropped(reasonWrongRole)

	// membership
	case *messages.JoinRequest:
		n.handleJoinRequest(in.addr, in.msgID, msg)
	case *messages.JoinResponse:
		n.handleJoinResponse(in.addr, msg)
	case *messages.Relocate:
		n.handleRelocate(origin, msg)

	// DKG
	case *messages.DKGStart:
		n.handleDKGStart(origin, msg)
	case *messages.PrivateDKGMessage:
		n.dkg.HandlePrivate(origin, msg)
	case *messages.BroadcastDKGMessage:
		n.dkg.HandleBroadcast(origin, msg)
	case *messages.DKGFailure:
		if sap, err := n.currentSAP(); err == nil {
			n.dkg.ProcessFailure(origin, msg, len(sap.Elders))
		}
	case *messages.DKGFailureSet:
		n.handleDKGFailureSet(origin, msg)

	// agreement
	case *messages.SignatureShare:
		n.handleShare(origin, msg)

	// anti-entropy
	case *messages.AntiEntropyRetry:
		n.handleAntiEntropyRetry(origin, in.msgID, &msg.SAP, msg.Proof)
	case *messages.AntiEntropyRedirect:
		n.handleAntiEntropyRetry(origin, in.msgID, &msg.SAP, msg.Proof)
	case *messages.AntiEntropyProbe:
		n.handleAntiEntropyProbe(in.addr, in.msgID, msg)
	case *messages.AntiEntropyUpdate:
		if ae := n.aeHandler(); ae != nil {
			if err := ae.HandleUpdate(origin, msg); err != nil {
				n.log.Warn().Err(err).Msg("could not merge anti-entropy update")
			}
		}

	// chunk traffic: holder side first, elder bookkeeping second
	case *messages.StoreChunk:
		if err := n.holderHandle(func() error { return n.holder.HandleStore(origin, msg) }); err != nil {
			n.log.Warn().Err(err).Msg("could not store chunk")
		}
	case *messages.FetchChunk:
		if err := n.holderHandle(func() error { return n.holder.HandleFetch(origin, msg) }); err != nil {
			n.log.Warn().Err(err).Msg("could not serve chunk fetch")
		}
	case *messages.Replicate:
		if err := n.holderHandle(func() error { return n.holder.HandleReplicate(origin, msg) }); err != nil {
			n.log.Warn().Err(err).Msg("could not start replication fetch")
		}
	case *messages.DeleteChunk:
		if err := n.holderHandle(func() error { return n.holder.HandleDelete(origin, msg) }); err != nil {
			n.log.Warn().Err(err).Msg("could not delete chunk")
		}
	case *messages.ChunkStored:
		if rep := n.replicationEngine(); rep != nil {
			if err := rep.HandleStored(origin, msg); err != nil {
				n.log.Warn().Err(err).Msg("rejecting stored confirmation")
			}
		}
	case *messages.StoreFailed:
		if rep := n.replicationEngine(); rep != nil {
			rep.HandleStoreFailed(origin, msg)
		}
	case *messages.ChunkRetrieved:
		// answers both a holder's replication fetch and an elder's read;
		// each side ignores addresses it has no interest in
		if n.holder != nil {
			_ = n.holder.HandleRetrieved(origin, msg)
		}
		if rep := n.replicationEngine(); rep != nil {
			rep.HandleRetrieved(origin, msg)
		}
	case *messages.StorageLevel:
		if rep := n.replicationEngine(); rep != nil {
			rep.HandleStorageLevel(origin, msg)
		}

	case *messages.UnsupportedVersion:
		n.log.Warn().
			Uint16("supported", msg.Supported).
			Uint16("received", msg.Received).
			Msg("peer rejected our protocol version")

	default:
		n.log.Warn().Str("msg_type", logging.Type(in.msg)).Msg("discarding unhandled message type")
		n.metrics.MessageDropped(reasonUnknownType)
	}
}

// holderHandle runs a holder operation if the holder is up.
func (n *Node) holderHandle(fn func() error) error {
	if n.holder == nil {
		return safe.NewError(safe.KindInvalidState, "chunk holder not ready")
	}
	return fn()
}

// clientDispatcher returns the client request dispatcher when we carry
// elder authority, nil otherwise.
func (n *Node) clientDispatcher() *client.Dispatcher {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.dispatcher == nil || !n.sap.SAP.ContainsElder(n.identity.Name()) {
		return nil
	}
	return n.dispatcher
}

func (n *Node) dropForRole(in *inbound, kind string) {
	n.log.Debug().Str("msg_type", kind).Msg("not an elder, dropping client request")
	n.metrics.MessageDropped(reasonWrongRole)
	resp := &messages.ClientResponse{
		CorrelationID: [32]byte(in.msgID),
		ErrKind:       safe.KindSectionBusy,
		ErrMsg:        "node does not serve client traffic",
	}
	_ = n.reply(in.addr, in.msgID, resp)
}

// clientResponder routes a dispatcher response back over the requester's
// connection.
func (n *Node) clientResponder(in *inbound) func(*messages.ClientResponse) {
	addr := in.addr
	msgID := in.msgID
	return func(resp *messages.ClientResponse) {
		if err := n.reply(addr, msgID, resp); err != nil {
			n.log.Warn().Err(err).Str("client", addr).Msg("could not deliver client response")
		}
	}
}

// handleShare feeds an elder's signature share to the aggregator.
func (n *Node) handleShare(origin safe.XorName, share *messages.SignatureShare) {
	n.mu.RLock()
	aggregator := n.aggregator
	n.mu.RUnlock()
	if aggregator == nil {
		return
	}
	if err := aggregator.ProcessShare(origin, share); err != nil {
		n.log.Warn().Err(err).Str("origin", origin.String()).Msg("rejecting signature share")
	}
}

// handleAntiEntropyRetry merges the corrective view a peer sent us and
// replays the original message under the corrected section key.
func (n *Node) handleAntiEntropyRetry(origin safe.XorName, msgID network.MsgID, sap *safe.SignedSAP, proof []safe.ChainLink) {
	ae := n.aeHandler()
	if ae == nil {
		return
	}
	update := &messages.AntiEntropyUpdate{SAP: *sap, Proof: proof}
	if err := ae.HandleUpdate(origin, update); err != nil {
		n.log.Warn().Err(err).Msg("could not merge anti-entropy correction")
		return
	}

	cached, ok := n.resent.Get(msgID)
	if !ok {
		return
	}
	sent := cached.(sentEnvelope)
	n.resent.Remove(msgID)

	sent.env.DstSectionKey = sap.SAP.SectionKey
	addr := sent.addr
	// a redirect moves the conversation to the proper section's elders
	if !sap.SAP.Prefix.Matches(n.identity.Name()) || sent.env.Dst.Kind == network.DstSection {
		if sap.SAP.Prefix.Matches(sent.env.Dst.Name) && len(sap.SAP.Elders) > 0 {
			addr = sap.SAP.Elders[0].Addr
		}
	}
	if err := n.transmit(addr, sent.env.Dst.Name, sent.env); err != nil {
		n.log.Warn().Err(err).Msg("could not replay message after anti-entropy correction")
	}
}

// handleAntiEntropyProbe answers with our SAP and the chain segment from
// the prober's last known key.
func (n *Node) handleAntiEntropyProbe(addr string, msgID network.MsgID, probe *messages.AntiEntropyProbe) {
	n.mu.RLock()
	sap := n.sap
	chain := n.chain
	n.mu.RUnlock()
	if chain == nil {
		return
	}
	proof, err := chain.MinimalProof(probe.KnownKey, sap.SAP.SectionKey)
	if err != nil {
		proof, err = chain.MinimalProof(safe.BLSPublicKey{}, sap.SAP.SectionKey)
		if err != nil {
			n.log.Warn().Err(err).Msg("could not build probe proof")
			return
		}
	}
	update := &messages.AntiEntropyUpdate{SAP: sap, Proof: proof}
	if err := n.reply(addr, msgID, update); err != nil {
		n.log.Warn().Err(err).Msg("could not answer anti-entropy probe")
	}
}
