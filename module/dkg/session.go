package dkg

import (
	"sync"
	"time"

	"github.com/onflow/flow-go/crypto"
	"github.com/rs/zerolog"

	"github.com/maidsafe/sn-node/model/safe"
)

// SessionConfig bounds the duration of a session's rounds.
type SessionConfig struct {
	// RoundTimeout is the deadline of each protocol round.
	RoundTimeout time.Duration
	// SessionTimeout is the deadline of the whole session; expiry moves the
	// session to Failed.
	SessionTimeout time.Duration
}

// DefaultSessionConfig returns the production round timings.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		RoundTimeout:   10 * time.Second,
		SessionTimeout: 60 * time.Second,
	}
}

// Session executes one Joint Feldman DKG instance among the elder
// candidates. A session walks Initializing -> Contributing -> Complaining
// and ends in Succeeded or Failed; rounds advance on timers so all honest
// participants progress together within the round time bound.
type Session struct {
	Manager

	log        zerolog.Logger
	id         [32]byte
	generation uint64
	prefix     safe.Prefix
	candidates []safe.Peer
	myIndex    int
	seed       []byte
	config     SessionConfig

	// dkg is the protocol engine; dkgLock serializes access to it.
	dkg     crypto.DKGState
	dkgLock sync.Mutex

	broker *Broker

	shutdownCh   chan struct{}
	shutdownOnce sync.Once

	// artifacts are recorded once on success
	artifactsLock sync.Mutex
	privateShare  crypto.PrivateKey
	groupKey      crypto.PublicKey
	publicKeys    []crypto.PublicKey
}

// NewSession creates a session over the given canonical candidate order.
// The seed feeds the crypto library's randomness and must be fresh per
// session.
func NewSession(
	log zerolog.Logger,
	id [32]byte,
	generation uint64,
	prefix safe.Prefix,
	candidates []safe.Peer,
	myIndex int,
	seed []byte,
	broker *Broker,
	config SessionConfig,
) (*Session, error) {
	s := &Session{
		log: log.With().
			Str("component", "dkg_session").
			Hex("session_id", id[:6]).
			Logger(),
		id:         id,
		generation: generation,
		prefix:     prefix,
		candidates: candidates,
		myIndex:    myIndex,
		seed:       seed,
		broker:     broker,
		config:     config,
		shutdownCh: make(chan struct{}),
	}

	threshold := safe.ThresholdParam(safe.SuperMajority(len(candidates)))
	dkg, err := crypto.NewJointFeldman(len(candidates), threshold, myIndex, broker)
	if err != nil {
		return nil, safe.WrapError(safe.KindInvalidState, err, "could not create DKG instance")
	}
	s.dkg = dkg
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() [32]byte {
	return s.id
}

// Candidates returns the canonical candidate order.
func (s *Session) Candidates() []safe.Peer {
	return s.candidates
}

// Run executes the session to completion. It returns nil whether the
// session succeeded or failed; the final state and artifacts tell the two
// apart. It blocks for up to the session timeout.
func (s *Session) Run() error {
	state := s.GetState()
	if state != Initializing {
		return NewInvalidStateTransitionError(state, Contributing)
	}

	sessionDeadline := time.NewTimer(s.config.SessionTimeout)
	defer sessionDeadline.Stop()

	go s.relayMessages()

	s.dkgLock.Lock()
	err := s.dkg.Start(s.seed)
	s.dkgLock.Unlock()
	if err != nil {
		s.log.Error().Err(err).Msg("could not start DKG")
		s.SetState(Failed)
		return nil
	}
	s.SetState(Contributing)
	s.log.Debug().Msg("DKG contributing")

	if s.waitRound(sessionDeadline) {
		return nil
	}

	s.dkgLock.Lock()
	err = s.dkg.NextTimeout()
	s.dkgLock.Unlock()
	if err != nil {
		s.log.Error().Err(err).Msg("could not advance DKG to complaint round")
		s.SetState(Failed)
		return nil
	}
	s.SetState(Complaining)
	s.log.Debug().Msg("DKG complaining")

	if s.waitRound(sessionDeadline) {
		return nil
	}

	s.dkgLock.Lock()
	privateShare, groupKey, publicKeys, endErr := s.dkg.End()
	s.dkgLock.Unlock()
	if endErr != nil {
		s.log.Warn().Err(endErr).Msg("DKG failed")
		s.SetState(Failed)
		return nil
	}

	s.artifactsLock.Lock()
	s.privateShare = privateShare
	s.groupKey = groupKey
	s.publicKeys = publicKeys
	s.artifactsLock.Unlock()

	s.SetState(Succeeded)
	s.log.Info().Msg("DKG succeeded")
	return nil
}

// waitRound sleeps for one round, returning true if the session died.
func (s *Session) waitRound(sessionDeadline *time.Timer) bool {
	round := time.NewTimer(s.config.RoundTimeout)
	defer round.Stop()
	select {
	case <-round.C:
		return false
	case <-sessionDeadline.C:
		s.log.Warn().Msg("DKG session deadline expired")
		s.SetState(Failed)
		s.Shutdown()
		return true
	case <-s.shutdownCh:
		if s.GetState() != Succeeded {
			s.SetState(Failed)
		}
		return true
	}
}

func (s *Session) relayMessages() {
	privateMsgCh := s.broker.GetPrivateMsgCh()
	broadcastMsgCh := s.broker.GetBroadcastMsgCh()
	for {
		select {
		case msg := <-privateMsgCh:
			s.dkgLock.Lock()
			err := s.dkg.HandlePrivateMsg(int(msg.Orig), msg.Data)
			s.dkgLock.Unlock()
			if err != nil {
				s.log.Warn().Err(err).Msg("error processing private DKG message")
			}
		case msg := <-broadcastMsgCh:
			s.dkgLock.Lock()
			err := s.dkg.HandleBroadcastMsg(int(msg.Orig), msg.Data)
			s.dkgLock.Unlock()
			if err != nil {
				s.log.Warn().Err(err).Msg("error processing broadcast DKG message")
			}
		case <-s.shutdownCh:
			return
		}
	}
}

// Shutdown stops the session regardless of state.
func (s *Session) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.broker.Shutdown()
		close(s.shutdownCh)
	})
}

// Artifacts returns our secret share, the group public key and all share
// public keys. Only meaningful in state Succeeded.
func (s *Session) Artifacts() (crypto.PrivateKey, crypto.PublicKey, []crypto.PublicKey) {
	s.artifactsLock.Lock()
	defer s.artifactsLock.Unlock()
	return s.privateShare, s.groupKey, s.publicKeys
}

// Blamed returns the names the session holds responsible after a failure.
func (s *Session) Blamed() []safe.XorName {
	return s.broker.Blamed()
}

// OutcomeSAP assembles the section authority the session produced. Only
// valid in state Succeeded.
func (s *Session) OutcomeSAP() safe.SectionAuthorityProvider {
	_, groupKey, publicKeys := s.Artifacts()

	elderKeys := make([]safe.BLSPublicKey, 0, len(publicKeys))
	for _, pk := range publicKeys {
		elderKeys = append(elderKeys, safe.BLSPublicKey{PublicKey: pk})
	}
	return safe.SectionAuthorityProvider{
		Prefix:     s.prefix,
		Generation: s.generation,
		Elders:     s.candidates,
		SectionKey: safe.BLSPublicKey{PublicKey: groupKey},
		ElderKeys:  elderKeys,
	}
}
