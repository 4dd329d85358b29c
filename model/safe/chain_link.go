package safe

import (
	"fmt"
)

// ChainLink is one edge of the section chain: a child section key together
// with the signature of its parent key over the child's canonical encoding.
// The genesis key has a zero Parent and an empty Sig.
type ChainLink struct {
	Parent BLSPublicKey
	Key    BLSPublicKey
	Sig    []byte
}

// IsGenesis reports whether the link introduces the genesis key.
func (l *ChainLink) IsGenesis() bool {
	return l.Parent.PublicKey == nil
}

// Verify checks the parent's signature over the child key bytes. Genesis
// links verify trivially.
func (l *ChainLink) Verify() error {
	if l.IsGenesis() {
		return nil
	}
	if l.Key.PublicKey == nil {
		return NewError(KindInvalidState, "chain link has no key")
	}
	digest := ProposalDigest(TagChainExtension, l.Key.Encode())
	valid, err := l.Parent.Verify(l.Sig, digest[:], NewSigningHasher())
	if err != nil {
		return fmt.Errorf("could not verify chain link: %w", err)
	}
	if !valid {
		return NewError(KindInvalidSignature, "chain link signature invalid")
	}
	return nil
}
