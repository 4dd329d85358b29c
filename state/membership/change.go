package membership

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/maidsafe/sn-node/model/messages"
	"github.com/maidsafe/sn-node/model/safe"
)

// ChangeKind enumerates agreed membership changes.
type ChangeKind uint8

const (
	ChangeJoin ChangeKind = iota + 1
	ChangeLeave
	ChangeRelocate
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeJoin:
		return "join"
	case ChangeLeave:
		return "leave"
	case ChangeRelocate:
		return "relocate"
	default:
		return "unknown"
	}
}

// Change is one proposed mutation of the membership record. Peer is set for
// joins; Name for leaves and relocations; Destination for relocations.
// PreviousName is set when a join is a relocation landing in our section.
type Change struct {
	Kind         ChangeKind
	Peer         safe.Peer
	Name         safe.XorName
	Destination  safe.XorName
	PreviousName *safe.XorName
}

var changeEncMode = func() cbor.EncMode {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Errorf("could not create change encoder: %w", err))
	}
	return enc
}()

// Encode returns the canonical encoding of the change, used both as the
// agreement proposal body and as the WAL record format.
func (c Change) Encode() ([]byte, error) {
	return changeEncMode.Marshal(c)
}

// DecodeChange parses a canonical change encoding.
func DecodeChange(data []byte) (Change, error) {
	var c Change
	if err := cbor.Unmarshal(data, &c); err != nil {
		return Change{}, fmt.Errorf("could not decode membership change: %w", err)
	}
	return c, nil
}

// Proposal wraps the change for the agreement layer.
func (c Change) Proposal() (messages.Proposal, error) {
	body, err := c.Encode()
	if err != nil {
		return messages.Proposal{}, err
	}
	return messages.Proposal{Kind: messages.ProposalMembership, Body: body}, nil
}
