package safe

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/onflow/flow-go/crypto"
	"github.com/onflow/flow-go/crypto/hash"
)

// BLSPublicKey wraps a BLS12-381 public key so it can travel through the
// CBOR wire codec and the msgpack on-disk codec in its canonical encoding.
type BLSPublicKey struct {
	crypto.PublicKey
}

// SectionKey is the threshold public key of a section. It doubles as the
// identity of one link in the section chain.
type SectionKey = BLSPublicKey

func (k BLSPublicKey) Equal(other BLSPublicKey) bool {
	if k.PublicKey == nil || other.PublicKey == nil {
		return k.PublicKey == other.PublicKey
	}
	return k.PublicKey.Equals(other.PublicKey)
}

func (k BLSPublicKey) MarshalCBOR() ([]byte, error) {
	if k.PublicKey == nil {
		return cbor.Marshal(nil)
	}
	return cbor.Marshal(k.PublicKey.Encode())
}

func (k *BLSPublicKey) UnmarshalCBOR(data []byte) error {
	var raw []byte
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		k.PublicKey = nil
		return nil
	}
	pk, err := crypto.DecodePublicKey(crypto.BLSBLS12381, raw)
	if err != nil {
		return fmt.Errorf("could not decode BLS public key: %w", err)
	}
	k.PublicKey = pk
	return nil
}

func (k BLSPublicKey) MarshalMsgpack() ([]byte, error) {
	if k.PublicKey == nil {
		return []byte{}, nil
	}
	return k.PublicKey.Encode(), nil
}

func (k *BLSPublicKey) UnmarshalMsgpack(data []byte) error {
	if len(data) == 0 {
		k.PublicKey = nil
		return nil
	}
	pk, err := crypto.DecodePublicKey(crypto.BLSBLS12381, data)
	if err != nil {
		return fmt.Errorf("could not decode BLS public key: %w", err)
	}
	k.PublicKey = pk
	return nil
}

// SigningTag domain-separates all BLS signatures produced by sections.
const SigningTag = "SN_SECTION_V1"

// Proposal domain tags. Section BLS signatures are always produced over
// ProposalDigest(tag, body); the agreement layer's ProposalKind values
// mirror these tags so a combined agreement signature is directly the
// section's signature over the tagged body.
const (
	TagMembership     byte = 1
	TagNewAuthority   byte = 2
	TagSplit          byte = 3
	TagJoinsDisallow  byte = 4
	TagDataSnapshot   byte = 5
	TagChainExtension byte = 6
)

// ProposalDigest returns the 32-byte message that elders BLS-sign for a
// tagged proposal body.
func ProposalDigest(tag byte, body []byte) [32]byte {
	buf := make([]byte, 0, 1+len(body))
	buf = append(buf, tag)
	buf = append(buf, body...)
	return NamedHash(buf)
}

// NewSigningHasher returns the KMAC hasher under which all section BLS
// signatures are produced and verified.
func NewSigningHasher() hash.Hasher {
	return crypto.NewExpandMsgXOFKMAC128(SigningTag)
}
