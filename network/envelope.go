package network

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/maidsafe/sn-node/model/safe"
)

// ProtocolVersion is the only wire version this build speaks. Frames with
// any other version are answered with an UnsupportedVersion reply.
const ProtocolVersion uint16 = 1

// MaxFrameSize bounds one length-prefixed frame (2^24 bytes).
const MaxFrameSize = 1 << 24

// MsgID is the random per-request message identifier; responses echo it.
type MsgID [32]byte

// NewMsgID samples a fresh random message id.
func NewMsgID() (MsgID, error) {
	var id MsgID
	if _, err := rand.Read(id[:]); err != nil {
		return id, fmt.Errorf("could not sample message id: %w", err)
	}
	return id, nil
}

func (id MsgID) String() string {
	return fmt.Sprintf("%x", id[:6])
}

// SrcKind enumerates the three message authorities.
type SrcKind uint8

const (
	SrcClient SrcKind = iota + 1
	SrcNode
	SrcSection
)

// Src identifies and authenticates the message origin. Exactly the fields
// of the active kind are populated:
//   - Client: ClientPK
//   - Node: Name, NodePK (which must hash to Name), NodeSig (ed25519 over
//     the payload)
//   - Section: Prefix, SectionSig (BLS over the payload), Proof
type Src struct {
	Kind       SrcKind
	ClientPK   ed25519.PublicKey
	Name       safe.XorName
	NodePK     ed25519.PublicKey
	NodeSig    []byte
	Prefix     safe.Prefix
	SectionSig []byte
	Proof      []safe.ChainLink
}

// DstKind enumerates destination addressing modes.
type DstKind uint8

const (
	// DstNode addresses the single node owning Name.
	DstNode DstKind = iota + 1
	// DstSection addresses the elders of the section owning Name.
	DstSection
	// DstDirect addresses a transport endpoint before any name is known,
	// used only during bootstrap.
	DstDirect
)

// Dst is the message destination.
type Dst struct {
	Kind DstKind
	Name safe.XorName
	Addr string
}

// Aggregation hints how signature shares on this message combine.
type Aggregation uint8

const (
	AggregationNone Aggregation = iota
	AggregationAtDestination
	AggregationAtSource
)

// Envelope is the wire frame payload: a versioned, tagged message with the
// sender's claim about the destination section key. The payload is the
// codec output (tag byte plus CBOR body) of one of the model/messages
// types.
type Envelope struct {
	Version       uint16
	MsgID         MsgID
	Src           Src
	Dst           Dst
	DstSectionKey safe.BLSPublicKey
	Aggregation   Aggregation
	Payload       []byte
}
