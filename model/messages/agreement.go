package messages

import (
	"github.com/maidsafe/sn-node/model/safe"
)

// ProposalKind tags the typed proposals elders agree on.
type ProposalKind uint8

const (
	// ProposalMembership covers Join, Leave and Relocate changes.
	ProposalMembership ProposalKind = iota + 1
	// ProposalNewAuthority ratifies the SAP produced by a DKG session.
	ProposalNewAuthority
	// ProposalSplit bisects the section into the two child prefixes.
	ProposalSplit
	// ProposalJoinsDisallowed stops admissions while the section is full.
	ProposalJoinsDisallowed
	// ProposalDataSnapshot ratifies a data-state snapshot hash.
	ProposalDataSnapshot
	// ProposalChainExtension ratifies a new section key; the agreed
	// signature is directly the parent signature of the chain link.
	ProposalChainExtension
)

func (k ProposalKind) String() string {
	switch k {
	case ProposalMembership:
		return "membership"
	case ProposalNewAuthority:
		return "new-authority"
	case ProposalSplit:
		return "split"
	case ProposalJoinsDisallowed:
		return "joins-disallowed"
	case ProposalDataSnapshot:
		return "data-snapshot"
	case ProposalChainExtension:
		return "chain-extension"
	default:
		return "unknown"
	}
}

// Proposal is the unit of single-shot threshold agreement. Body is the
// canonical encoding of the kind-specific payload; its hash is what the
// elders sign.
type Proposal struct {
	Kind ProposalKind
	Body []byte
}

// Hash returns the agreement key of the proposal: the tagged digest elders
// BLS-sign. The tag values coincide with the domain tags in model/safe so a
// combined agreement signature verifies as the section's signature over the
// tagged body.
func (p *Proposal) Hash() [32]byte {
	return safe.ProposalDigest(byte(p.Kind), p.Body)
}

// SignatureShare carries one elder's BLS share over a proposal hash.
type SignatureShare struct {
	Proposal Proposal
	Index    uint64
	Share    []byte
}

// Agreed is delivered upward exactly once per (hash, section key) when the
// share threshold is reached; Sig is the combined section signature over
// the proposal hash.
type Agreed struct {
	Proposal Proposal
	Sig      []byte
}
