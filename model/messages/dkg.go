package messages

import (
	"crypto/ed25519"

	"github.com/maidsafe/sn-node/model/safe"
)

// DKGMessage is the payload exchanged between DKG session participants. The
// session id keys the exchange so retries of the same elder candidate set
// are idempotent.
type DKGMessage struct {
	SessionID [32]byte
	Data      []byte
}

// DKGStart announces a new DKG session to the elder candidates. Candidates
// are listed in canonical (age, name) order; each participant's index in
// this list is its index in the resulting key set.
type DKGStart struct {
	SessionID  [32]byte
	Generation uint64
	Prefix     safe.Prefix
	Candidates []safe.Peer
}

// PrivateDKGMessage wraps a DKGMessage addressed to a single participant.
// Orig is the committee index of the sender; receivers overwrite it with
// the index derived from the authenticated envelope origin.
type PrivateDKGMessage struct {
	DKGMessage
	Orig uint64
}

// BroadcastDKGMessage wraps a DKGMessage intended for all participants,
// signed with the sender's node key so relayed copies stay attributable.
type BroadcastDKGMessage struct {
	DKGMessage
	Orig      uint64
	Signature []byte
}

// FailureSig is one participant's ed25519 attestation of a DKG failure.
// The signature covers the failure digest of (SessionID, Blamed); the
// public key must hash to a candidate name.
type FailureSig struct {
	PK  ed25519.PublicKey
	Sig []byte
}

// DKGFailure is one participant's complaint that a session failed, blaming
// a set of unresponsive or misbehaving candidates.
type DKGFailure struct {
	SessionID [32]byte
	Blamed    []safe.XorName
	Sig       FailureSig
}

// DKGFailureSet is the accumulated evidence that a DKG session failed:
// attestations from at least ceil(E/3) distinct participants over the same
// blame set. Membership consumes it to propose excluding the blamed names.
type DKGFailureSet struct {
	SessionID [32]byte
	Blamed    []safe.XorName
	Sigs      []FailureSig
}
