package messages

import (
	"github.com/maidsafe/sn-node/model/safe"
)

// AntiEntropyRetry tells a sender that its claimed section key is behind
// ours for the same prefix. It carries our current SAP plus the minimal
// chain proof linking the sender's key to ours; the sender re-sends the
// original message under the new key.
type AntiEntropyRetry struct {
	SAP   safe.SignedSAP
	Proof []safe.ChainLink
}

// AntiEntropyRedirect tells a sender that the destination name belongs to a
// different section, carrying that section's SAP and proof.
type AntiEntropyRedirect struct {
	SAP   safe.SignedSAP
	Proof []safe.ChainLink
}

// AntiEntropyProbe asks a peer for the chain linking our last known key of
// theirs to their current key, used when we cannot place their claimed key
// in our own chain.
type AntiEntropyProbe struct {
	// KnownKey is the latest key of the peer's prefix that we can verify.
	KnownKey safe.BLSPublicKey
}

// AntiEntropyUpdate answers a probe with the requested chain segment and
// the sender's current SAP.
type AntiEntropyUpdate struct {
	SAP   safe.SignedSAP
	Proof []safe.ChainLink
}
