package agreement

import (
	"github.com/onflow/flow-go/crypto"

	"github.com/maidsafe/sn-node/model/messages"
	"github.com/maidsafe/sn-node/model/safe"
)

// Signer produces BLS signature shares with one elder's secret key share.
// Shares live in memory only; Wipe zeroes the share on key rotation.
type Signer struct {
	index int
	priv  crypto.PrivateKey
}

// NewSigner wraps a secret key share produced by DKG.
func NewSigner(index int, priv crypto.PrivateKey) *Signer {
	return &Signer{index: index, priv: priv}
}

// Index returns the elder's position in the section key set.
func (s *Signer) Index() int {
	return s.index
}

// SignProposal signs the proposal hash with our share.
func (s *Signer) SignProposal(proposal messages.Proposal) (*messages.SignatureShare, error) {
	hash := proposal.Hash()
	share, err := s.priv.Sign(hash[:], safe.NewSigningHasher())
	if err != nil {
		return nil, safe.WrapError(safe.KindInvalidState, err, "could not sign proposal")
	}
	return &messages.SignatureShare{
		Proposal: proposal,
		Index:    uint64(s.index),
		Share:    share,
	}, nil
}

// SignDigest signs an arbitrary 32-byte digest with our share, used for
// DKG failure evidence.
func (s *Signer) SignDigest(digest [32]byte) ([]byte, error) {
	share, err := s.priv.Sign(digest[:], safe.NewSigningHasher())
	if err != nil {
		return nil, safe.WrapError(safe.KindInvalidState, err, "could not sign digest")
	}
	return share, nil
}
