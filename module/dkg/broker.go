package dkg

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/maidsafe/sn-node/model/messages"
	"github.com/maidsafe/sn-node/model/safe"
)

// msgChCapacity buffers inbound DKG messages between the network and the
// session worker.
const msgChCapacity = 64

// Conduit abstracts the transport the broker sends DKG messages through.
type Conduit interface {
	// SendPrivate delivers a private DKG message to one candidate.
	SendPrivate(dst safe.Peer, msg *messages.PrivateDKGMessage) error
	// Broadcast delivers a broadcast DKG message to all given candidates.
	Broadcast(dsts []safe.Peer, msg *messages.BroadcastDKGMessage) error
}

// Broker relays messages between one DKG session and the other candidates.
// It implements the crypto library's DKGProcessor interface on the outbound
// side and feeds validated inbound messages to the session through
// channels. It also accumulates the blame set the session reports on
// failure.
type Broker struct {
	log        zerolog.Logger
	sessionID  [32]byte
	candidates []safe.Peer
	myIndex    int
	identity   *safe.NodeIdentity
	conduit    Conduit

	privateMsgCh   chan messages.PrivateDKGMessage
	broadcastMsgCh chan messages.BroadcastDKGMessage

	mu       sync.Mutex
	blamed   map[safe.XorName]struct{}
	shutdown bool
}

// NewBroker creates a broker for one session.
func NewBroker(
	log zerolog.Logger,
	sessionID [32]byte,
	candidates []safe.Peer,
	myIndex int,
	identity *safe.NodeIdentity,
	conduit Conduit,
) *Broker {
	return &Broker{
		log: log.With().
			Str("component", "dkg_broker").
			Hex("session_id", sessionID[:6]).
			Logger(),
		sessionID:      sessionID,
		candidates:     candidates,
		myIndex:        myIndex,
		identity:       identity,
		conduit:        conduit,
		privateMsgCh:   make(chan messages.PrivateDKGMessage, msgChCapacity),
		broadcastMsgCh: make(chan messages.BroadcastDKGMessage, msgChCapacity),
		blamed:         make(map[safe.XorName]struct{}),
	}
}

// GetIndex returns this node's committee index.
func (b *Broker) GetIndex() int {
	return b.myIndex
}

/*******************************************************************************
DKGProcessor (outbound, called by the crypto library)
*******************************************************************************/

// PrivateSend sends a private share to the candidate at the given index.
func (b *Broker) PrivateSend(dest int, data []byte) {
	if dest < 0 || dest >= len(b.candidates) || dest == b.myIndex {
		b.log.Error().Int("dest", dest).Msg("private send to invalid index")
		return
	}
	msg := &messages.PrivateDKGMessage{
		DKGMessage: messages.DKGMessage{SessionID: b.sessionID, Data: data},
		Orig:       uint64(b.myIndex),
	}
	if err := b.conduit.SendPrivate(b.candidates[dest], msg); err != nil {
		b.log.Warn().Err(err).Int("dest", dest).Msg("could not send private DKG message")
	}
}

// Broadcast signs and sends a message to every other candidate.
func (b *Broker) Broadcast(data []byte) {
	msg := &messages.BroadcastDKGMessage{
		DKGMessage: messages.DKGMessage{SessionID: b.sessionID, Data: data},
		Orig:       uint64(b.myIndex),
		Signature:  b.identity.Sign(data),
	}
	dsts := make([]safe.Peer, 0, len(b.candidates)-1)
	for i, c := range b.candidates {
		if i == b.myIndex {
			continue
		}
		dsts = append(dsts, c)
	}
	if err := b.conduit.Broadcast(dsts, msg); err != nil {
		b.log.Warn().Err(err).Msg("could not broadcast DKG message")
	}
}

// Disqualify records that the protocol excluded a candidate.
func (b *Broker) Disqualify(node int, reason string) {
	b.blame(node)
	b.log.Warn().Int("node", node).Str("reason", reason).Msg("DKG candidate disqualified")
}

// FlagMisbehavior records a complaint against a candidate.
func (b *Broker) FlagMisbehavior(node int, reason string) {
	b.blame(node)
	b.log.Warn().Int("node", node).Str("reason", reason).Msg("DKG candidate misbehaved")
}

func (b *Broker) blame(node int) {
	if node < 0 || node >= len(b.candidates) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blamed[b.candidates[node].Name] = struct{}{}
}

/*******************************************************************************
Inbound
*******************************************************************************/

// ReceivePrivate validates and enqueues a private message. The origin is
// the authenticated envelope source; the embedded Orig field is replaced
// with the index derived from it.
func (b *Broker) ReceivePrivate(origin safe.XorName, msg *messages.PrivateDKGMessage) {
	index, ok := b.indexOf(origin)
	if !ok {
		b.log.Warn().Str("origin", origin.String()).Msg("private DKG message from non-candidate")
		return
	}
	if msg.SessionID != b.sessionID {
		b.log.Warn().Msg("private DKG message for wrong session")
		return
	}
	msg.Orig = uint64(index)
	if b.isShutdown() {
		return
	}
	select {
	case b.privateMsgCh <- *msg:
	default:
		b.log.Warn().Msg("dropping private DKG message, queue full")
	}
}

// ReceiveBroadcast validates and enqueues a broadcast message.
func (b *Broker) ReceiveBroadcast(origin safe.XorName, msg *messages.BroadcastDKGMessage) {
	index, ok := b.indexOf(origin)
	if !ok {
		b.log.Warn().Str("origin", origin.String()).Msg("broadcast DKG message from non-candidate")
		return
	}
	if msg.SessionID != b.sessionID {
		b.log.Warn().Msg("broadcast DKG message for wrong session")
		return
	}
	msg.Orig = uint64(index)
	if b.isShutdown() {
		return
	}
	select {
	case b.broadcastMsgCh <- *msg:
	default:
		b.log.Warn().Msg("dropping broadcast DKG message, queue full")
	}
}

func (b *Broker) isShutdown() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.shutdown
}

func (b *Broker) indexOf(name safe.XorName) (int, bool) {
	for i, c := range b.candidates {
		if c.Name == name {
			return i, true
		}
	}
	return 0, false
}

// GetPrivateMsgCh exposes the inbound private message stream.
func (b *Broker) GetPrivateMsgCh() <-chan messages.PrivateDKGMessage {
	return b.privateMsgCh
}

// GetBroadcastMsgCh exposes the inbound broadcast message stream.
func (b *Broker) GetBroadcastMsgCh() <-chan messages.BroadcastDKGMessage {
	return b.broadcastMsgCh
}

// Blamed returns the names accumulated through Disqualify and
// FlagMisbehavior.
func (b *Broker) Blamed() []safe.XorName {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]safe.XorName, 0, len(b.blamed))
	for name := range b.blamed {
		out = append(out, name)
	}
	return out
}

// Shutdown stops accepting inbound messages.
func (b *Broker) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.shutdown = true
}
