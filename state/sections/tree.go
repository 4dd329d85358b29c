package sections

import (
	"sync"

	"github.com/maidsafe/sn-node/model/safe"
)

// Tree is the routing table: the latest known SAP for every known prefix.
// Prefixes partition the name space, so a lookup is always unambiguous.
// Every stored SAP verifies against the shared section chain.
type Tree struct {
	mu    sync.RWMutex
	chain *Chain
	saps  map[safe.Prefix]safe.SignedSAP
}

// NewTree creates a routing table seeded with the genesis section's SAP.
// The genesis SAP must be signed by the chain's genesis key.
func NewTree(chain *Chain, genesisSAP safe.SignedSAP) (*Tree, error) {
	t := &Tree{
		chain: chain,
		saps:  make(map[safe.Prefix]safe.SignedSAP),
	}
	if err := genesisSAP.Verify(chain.Genesis().PublicKey); err != nil {
		return nil, err
	}
	t.saps[genesisSAP.SAP.Prefix] = genesisSAP
	return t, nil
}

// NewTreeFromProof creates a routing table for a node that learned the
// network through a join response instead of being present at genesis. The
// proof must run from the genesis link to the SAP's section key; the SAP is
// verified against the chain the proof establishes.
func NewTreeFromProof(sap safe.SignedSAP, proof []safe.ChainLink) (*Tree, error) {
	if len(proof) == 0 || !proof[0].IsGenesis() {
		return nil, safe.NewError(safe.KindUnknownSectionKey, "proof does not start at genesis")
	}
	chain := NewChain(proof[0].Key)
	t := &Tree{
		chain: chain,
		saps:  make(map[safe.Prefix]safe.SignedSAP),
	}
	if err := chain.Merge(proof); err != nil {
		return nil, err
	}
	link, ok := chain.ParentOf(sap.SAP.SectionKey)
	if !ok {
		return nil, safe.NewError(safe.KindUnknownSectionKey, "section key of SAP not in proof")
	}
	parent := link.Parent
	if link.IsGenesis() {
		parent = chain.Genesis()
	}
	if err := sap.Verify(parent.PublicKey); err != nil {
		return nil, err
	}
	t.saps[sap.SAP.Prefix] = sap
	return t, nil
}

// Chain exposes the underlying section chain.
func (t *Tree) Chain() *Chain {
	return t.chain
}

// Lookup returns the SAP of the section owning the given name.
func (t *Tree) Lookup(name safe.XorName) (safe.SignedSAP, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	best, found := safe.SignedSAP{}, false
	for prefix, sap := range t.saps {
		if !prefix.Matches(name) {
			continue
		}
		if !found || prefix.Len > best.SAP.Prefix.Len {
			best, found = sap, true
		}
	}
	if !found {
		return safe.SignedSAP{}, safe.NewError(safe.KindNotFound, "no section known for %s", name)
	}
	return best, nil
}

// Get returns the SAP stored for an exact prefix.
func (t *Tree) Get(prefix safe.Prefix) (safe.SignedSAP, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	sap, ok := t.saps[prefix]
	return sap, ok
}

// All returns the stored SAPs in no particular order.
func (t *Tree) All() []safe.SignedSAP {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]safe.SignedSAP, 0, len(t.saps))
	for _, sap := range t.saps {
		out = append(out, sap)
	}
	return out
}

// Update accepts a new SAP after merging its chain proof. The SAP is
// accepted only if it verifies against the chain and either strictly
// supersedes the SAP stored for the same prefix (higher generation) or
// validly splits a stored prefix by one bit. It fails with
// UnknownSectionKey when the proof cannot be joined to our chain.
func (t *Tree) Update(sap safe.SignedSAP, proof []safe.ChainLink) error {
	if err := t.chain.Merge(proof); err != nil {
		return err
	}
	if !t.chain.HasKey(sap.SAP.SectionKey) {
		return safe.NewError(safe.KindUnknownSectionKey, "section key of new SAP not in chain")
	}

	// the SAP's signature verifies under the parent of its section key
	link, ok := t.chain.ParentOf(sap.SAP.SectionKey)
	if !ok {
		return safe.NewError(safe.KindUnknownSectionKey, "section key of new SAP not in chain")
	}
	parent := link.Parent
	if link.IsGenesis() {
		parent = t.chain.Genesis()
	}
	if err := sap.Verify(parent.PublicKey); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	prefix := sap.SAP.Prefix
	if existing, ok := t.saps[prefix]; ok {
		if sap.SAP.Generation <= existing.SAP.Generation {
			return safe.NewError(safe.KindInvalidState,
				"SAP generation %d does not supersede stored generation %d",
				sap.SAP.Generation, existing.SAP.Generation)
		}
		t.saps[prefix] = sap
		return nil
	}

	// a new prefix must split a stored one by exactly one bit
	parentPrefix := prefix.Parent()
	if _, ok := t.saps[parentPrefix]; ok && prefix.Len > 0 {
		t.saps[prefix] = sap
		// once both halves are known the parent entry is obsolete
		if _, ok := t.saps[prefix.Sibling()]; ok {
			delete(t.saps, parentPrefix)
		}
		return nil
	}
	if _, ok := t.saps[prefix.Sibling()]; ok && prefix.Len > 0 {
		// sibling arrived first and already displaced the parent
		t.saps[prefix] = sap
		return nil
	}

	return safe.NewError(safe.KindInvalidState,
		"prefix %q neither matches nor splits a known section", prefix)
}

// SectionKey returns the current section key of the section owning name.
func (t *Tree) SectionKey(name safe.XorName) (safe.BLSPublicKey, error) {
	sap, err := t.Lookup(name)
	if err != nil {
		return safe.BLSPublicKey{}, err
	}
	return sap.SAP.SectionKey, nil
}
