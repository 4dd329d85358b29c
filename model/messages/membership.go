package messages

import (
	"github.com/maidsafe/sn-node/model/safe"
)

// JoinRequest asks a section's elders for admission. SectionKey is the
// section key the joiner believes is current; a stale key earns a Retry
// carrying the up-to-date SAP.
type JoinRequest struct {
	Peer       safe.Peer
	SectionKey safe.BLSPublicKey
	// ChallengeNonce and ChallengeResponse hold the proof-of-work over a
	// previously issued resource challenge, empty on the first attempt.
	ChallengeNonce    []byte
	ChallengeResponse []byte
}

// JoinDecision enumerates the outcomes of a join request.
type JoinDecision uint8

const (
	JoinApproved JoinDecision = iota + 1
	JoinRetry
	JoinRejected
	JoinResourceChallenge
)

func (d JoinDecision) String() string {
	switch d {
	case JoinApproved:
		return "approved"
	case JoinRetry:
		return "retry"
	case JoinRejected:
		return "rejected"
	case JoinResourceChallenge:
		return "resource-challenge"
	default:
		return "unknown"
	}
}

// JoinResponse answers a JoinRequest. SAP is set on Approved and Retry;
// Nonce and Difficulty are set on ResourceChallenge.
type JoinResponse struct {
	Decision   JoinDecision
	SAP        *safe.SignedSAP
	Proof      []safe.ChainLink
	Nonce      []byte
	Difficulty uint8
	Reason     string
}

// Relocate instructs a member to rejoin the network at a new name close to
// Destination. The trigger is an agreed churn event whose hash seeds the
// destination derivation.
type Relocate struct {
	Peer        safe.Peer
	Destination safe.XorName
	ChurnHash   [32]byte
}
