package messages

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/maidsafe/sn-node/model/safe"
)

// Proposal kinds double as section signing tags, so a combined agreement
// signature verifies directly as the section's signature over the tagged
// body. A drifted value would silently break that equivalence.
func TestProposalKindsMirrorSigningTags(t *testing.T) {
	assert.Equal(t, safe.TagMembership, byte(ProposalMembership))
	assert.Equal(t, safe.TagNewAuthority, byte(ProposalNewAuthority))
	assert.Equal(t, safe.TagSplit, byte(ProposalSplit))
	assert.Equal(t, safe.TagJoinsDisallow, byte(ProposalJoinsDisallowed))
	assert.Equal(t, safe.TagDataSnapshot, byte(ProposalDataSnapshot))
	assert.Equal(t, safe.TagChainExtension, byte(ProposalChainExtension))
}

func TestProposalHashIsTaggedDigest(t *testing.T) {
	body := []byte("proposal body")
	p := Proposal{Kind: ProposalMembership, Body: body}
	assert.Equal(t, safe.ProposalDigest(safe.TagMembership, body), p.Hash())

	other := Proposal{Kind: ProposalSplit, Body: body}
	assert.NotEqual(t, p.Hash(), other.Hash())
}
