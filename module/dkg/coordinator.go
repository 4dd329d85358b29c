package dkg

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/onflow/flow-go/crypto"
	"github.com/rs/zerolog"

	"github.com/maidsafe/sn-node/model/messages"
	"github.com/maidsafe/sn-node/model/safe"
)

// Result is the local outcome of a successful session.
type Result struct {
	SessionID [32]byte
	SAP       safe.SectionAuthorityProvider
	// Share is our secret key share; nil if we were not a candidate.
	Share crypto.PrivateKey
	// MyIndex is our position in the key set.
	MyIndex int
}

// SuccessFn consumes the outcome of a successful session.
type SuccessFn func(Result)

// FailureFn consumes completed failure evidence.
type FailureFn func(messages.DKGFailureSet)

// SessionID derives the idempotency key of a session from the generation
// and the sorted candidate names, so a retry with the same candidate set
// maps onto the running session.
func SessionID(generation uint64, candidates []safe.Peer) [32]byte {
	sorted := make([]safe.Peer, len(candidates))
	copy(sorted, candidates)
	safe.SortPeersByAge(sorted)

	buf := make([]byte, 8, 8+len(sorted)*safe.NameLen)
	for i := 0; i < 8; i++ {
		buf[i] = byte(generation >> (8 * (7 - i)))
	}
	for _, c := range sorted {
		buf = append(buf, c.Name[:]...)
	}
	return safe.NamedHash(buf)
}

// FailureDigest is the message participants sign to attest a failure.
func FailureDigest(sessionID [32]byte, blamed []safe.XorName) [32]byte {
	buf := make([]byte, 0, len(sessionID)+len(blamed)*safe.NameLen)
	buf = append(buf, sessionID[:]...)
	for _, name := range blamed {
		buf = append(buf, name[:]...)
	}
	return safe.NamedHash(buf)
}

// Coordinator owns the DKG sessions of this node. It starts sessions when
// membership announces a new elder candidate set, routes inbound DKG
// messages to the right session, and accumulates failure evidence.
type Coordinator struct {
	log      zerolog.Logger
	identity *safe.NodeIdentity
	conduit  Conduit
	config   SessionConfig

	onSuccess SuccessFn
	onFailure FailureFn

	mu       sync.Mutex
	sessions map[[32]byte]*Session
	failures map[[32]byte]*failureTally
}

type failureTally struct {
	blamed []safe.XorName
	digest [32]byte
	sigs   map[safe.XorName]messages.FailureSig
	done   bool
}

// NewCoordinator creates the per-node DKG coordinator.
func NewCoordinator(
	log zerolog.Logger,
	identity *safe.NodeIdentity,
	conduit Conduit,
	config SessionConfig,
	onSuccess SuccessFn,
	onFailure FailureFn,
) *Coordinator {
	return &Coordinator{
		log:       log.With().Str("component", "dkg_coordinator").Logger(),
		identity:  identity,
		conduit:   conduit,
		config:    config,
		onSuccess: onSuccess,
		onFailure: onFailure,
		sessions:  make(map[[32]byte]*Session),
		failures:  make(map[[32]byte]*failureTally),
	}
}

// Start launches a session for the given candidate set if none is running.
// Candidates must be in canonical order; our own name must be among them.
// Starting an already known session is a no-op, making retries idempotent.
func (c *Coordinator) Start(generation uint64, prefix safe.Prefix, candidates []safe.Peer) error {
	id := SessionID(generation, candidates)

	myIndex := -1
	for i, cand := range candidates {
		if cand.Name == c.identity.Name() {
			myIndex = i
			break
		}
	}
	if myIndex < 0 {
		return safe.NewError(safe.KindInvalidState, "we are not a candidate of session %x", id[:6])
	}

	c.mu.Lock()
	if _, ok := c.sessions[id]; ok {
		c.mu.Unlock()
		return nil
	}

	seed := make([]byte, crypto.KeyGenSeedMinLen)
	if _, err := rand.Read(seed); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("could not sample DKG seed: %w", err)
	}

	broker := NewBroker(c.log, id, candidates, myIndex, c.identity, c.conduit)
	session, err := NewSession(c.log, id, generation, prefix, candidates, myIndex, seed, broker, c.config)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.sessions[id] = session
	c.mu.Unlock()

	go c.runSession(session, myIndex)
	return nil
}

func (c *Coordinator) runSession(session *Session, myIndex int) {
	if err := session.Run(); err != nil {
		c.log.Error().Err(err).Msg("DKG session could not run")
		return
	}

	switch session.GetState() {
	case Succeeded:
		share, _, _ := session.Artifacts()
		c.onSuccess(Result{
			SessionID: session.ID(),
			SAP:       session.OutcomeSAP(),
			Share:     share,
			MyIndex:   myIndex,
		})
	case Failed:
		c.reportFailure(session)
	}
}

// reportFailure signs our own complaint and broadcasts it; our attestation
// also seeds the local tally.
func (c *Coordinator) reportFailure(session *Session) {
	blamed := session.Blamed()
	digest := FailureDigest(session.ID(), blamed)
	failure := &messages.DKGFailure{
		SessionID: session.ID(),
		Blamed:    blamed,
		Sig: messages.FailureSig{
			PK:  c.identity.Public,
			Sig: c.identity.Sign(digest[:]),
		},
	}

	dsts := make([]safe.Peer, 0, len(session.Candidates()))
	for _, cand := range session.Candidates() {
		if cand.Name == c.identity.Name() {
			continue
		}
		dsts = append(dsts, cand)
	}
	// reuse the broadcast fan-out of the conduit through a fresh envelope
	for _, dst := range dsts {
		msg := *failure
		if err := c.sendFailure(dst, &msg); err != nil {
			c.log.Warn().Err(err).Str("dst", dst.Name.String()).Msg("could not send DKG failure")
		}
	}

	c.ProcessFailure(c.identity.Name(), failure, len(session.Candidates()))
}

// FailureSender is implemented by conduits that can carry failure reports.
type FailureSender interface {
	SendFailure(dst safe.Peer, msg *messages.DKGFailure) error
}

func (c *Coordinator) sendFailure(dst safe.Peer, msg *messages.DKGFailure) error {
	sender, ok := c.conduit.(FailureSender)
	if !ok {
		return safe.NewError(safe.KindTransportFailure, "conduit cannot send failure reports")
	}
	return sender.SendFailure(dst, msg)
}

// ProcessFailure verifies and tallies one failure attestation. Once
// attestations from ceil(n/3) distinct candidates over the same blame set
// have accumulated, the combined evidence is handed to the failure
// callback exactly once.
func (c *Coordinator) ProcessFailure(origin safe.XorName, failure *messages.DKGFailure, committeeSize int) {
	if safe.NamedHash(failure.Sig.PK) != origin {
		c.log.Warn().Msg("DKG failure attestation key does not match origin")
		return
	}
	digest := FailureDigest(failure.SessionID, failure.Blamed)
	if !ed25519.Verify(failure.Sig.PK, digest[:], failure.Sig.Sig) {
		c.log.Warn().Str("origin", origin.String()).Msg("invalid DKG failure attestation")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	session, ok := c.sessions[failure.SessionID]
	if ok {
		if _, isCand := indexOfPeer(session.Candidates(), origin); !isCand {
			c.log.Warn().Str("origin", origin.String()).Msg("DKG failure from non-candidate")
			return
		}
		committeeSize = len(session.Candidates())
	}

	tally, ok := c.failures[digest]
	if !ok {
		tally = &failureTally{
			blamed: failure.Blamed,
			digest: digest,
			sigs:   make(map[safe.XorName]messages.FailureSig),
		}
		c.failures[digest] = tally
	}
	if tally.done {
		return
	}
	tally.sigs[origin] = failure.Sig

	if len(tally.sigs) < safe.FaultTolerance(committeeSize) {
		return
	}
	tally.done = true

	set := messages.DKGFailureSet{
		SessionID: failure.SessionID,
		Blamed:    tally.blamed,
	}
	for _, sig := range tally.sigs {
		set.Sigs = append(set.Sigs, sig)
	}
	c.log.Warn().
		Hex("session_id", failure.SessionID[:6]).
		Int("blamed", len(set.Blamed)).
		Msg("DKG failure evidence complete")

	go c.onFailure(set)
}

// HandlePrivate routes an inbound private DKG message to its session.
func (c *Coordinator) HandlePrivate(origin safe.XorName, msg *messages.PrivateDKGMessage) {
	if session := c.session(msg.SessionID); session != nil {
		session.broker.ReceivePrivate(origin, msg)
	}
}

// HandleBroadcast routes an inbound broadcast DKG message to its session.
func (c *Coordinator) HandleBroadcast(origin safe.XorName, msg *messages.BroadcastDKGMessage) {
	if session := c.session(msg.SessionID); session != nil {
		session.broker.ReceiveBroadcast(origin, msg)
	}
}

func (c *Coordinator) session(id [32]byte) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[id]
}

// Shutdown stops all sessions.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()
	for _, s := range sessions {
		s.Shutdown()
	}
}

func indexOfPeer(peers []safe.Peer, name safe.XorName) (int, bool) {
	for i, p := range peers {
		if p.Name == name {
			return i, true
		}
	}
	return 0, false
}
