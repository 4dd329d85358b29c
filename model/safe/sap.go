package safe

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/onflow/flow-go/crypto"
)

// SectionAuthorityProvider (SAP) is the authoritative description of one
// section at a point in time: its prefix, its elder peers, the section's
// BLS threshold public key and the per-elder share public keys.
//
// A SAP is immutable; churn produces a new SAP with a higher generation.
type SectionAuthorityProvider struct {
	Prefix     Prefix
	Generation uint64
	// Elders is ordered by name; its length is the elder count E.
	Elders []Peer
	// SectionKey is the BLS threshold public key of the elder set.
	SectionKey BLSPublicKey
	// ElderKeys holds the BLS share public key of each elder, in the same
	// order as Elders.
	ElderKeys []BLSPublicKey
}

// ElderNames returns the elder names in SAP order.
func (s *SectionAuthorityProvider) ElderNames() []XorName {
	names := make([]XorName, 0, len(s.Elders))
	for _, e := range s.Elders {
		names = append(names, e.Name)
	}
	return names
}

// ContainsElder reports whether the given name is one of the SAP's elders.
func (s *SectionAuthorityProvider) ContainsElder(name XorName) bool {
	for _, e := range s.Elders {
		if e.Name == name {
			return true
		}
	}
	return false
}

// ElderIndex returns the position of the named elder in SAP order, which is
// also its index in the BLS key set. The second return is false if the name
// is not an elder.
func (s *SectionAuthorityProvider) ElderIndex(name XorName) (int, bool) {
	for i, e := range s.Elders {
		if e.Name == name {
			return i, true
		}
	}
	return 0, false
}

// SignableBytes returns the canonical encoding of the SAP that the parent
// section key signs.
func (s *SectionAuthorityProvider) SignableBytes() ([]byte, error) {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	return enc.Marshal(s)
}

// SignedSAP is a SAP together with the BLS signature of the predecessor
// section key (or the genesis key for the genesis SAP) over the SAP's
// new-authority proposal digest.
type SignedSAP struct {
	SAP SectionAuthorityProvider
	Sig []byte
}

// SigningDigest returns the 32-byte message the parent section signs to
// ratify this SAP.
func (s *SectionAuthorityProvider) SigningDigest() ([32]byte, error) {
	msg, err := s.SignableBytes()
	if err != nil {
		return [32]byte{}, fmt.Errorf("could not encode SAP: %w", err)
	}
	return ProposalDigest(TagNewAuthority, msg), nil
}

// Verify checks the signature under the given parent key.
func (s *SignedSAP) Verify(parent crypto.PublicKey) error {
	digest, err := s.SAP.SigningDigest()
	if err != nil {
		return err
	}
	valid, err := parent.Verify(s.Sig, digest[:], NewSigningHasher())
	if err != nil {
		return fmt.Errorf("could not verify SAP signature: %w", err)
	}
	if !valid {
		return NewError(KindInvalidSignature, "SAP signature invalid under parent key")
	}
	return nil
}
