package sections

import (
	"encoding/hex"
	"sync"

	"github.com/maidsafe/sn-node/model/safe"
)

// Chain is the append-only DAG of section keys rooted at the genesis key.
// Every non-genesis key carries its parent's signature over its own bytes;
// splits give one parent two children. Keys are never removed.
type Chain struct {
	mu       sync.RWMutex
	genesis  safe.BLSPublicKey
	links    map[string]safe.ChainLink
	children map[string][]string
}

// NewChain creates a chain containing only the genesis key.
func NewChain(genesis safe.BLSPublicKey) *Chain {
	c := &Chain{
		genesis:  genesis,
		links:    make(map[string]safe.ChainLink),
		children: make(map[string][]string),
	}
	c.links[keyID(genesis)] = safe.ChainLink{Key: genesis}
	return c
}

func keyID(k safe.BLSPublicKey) string {
	if k.PublicKey == nil {
		return ""
	}
	return hex.EncodeToString(k.Encode())
}

// Genesis returns the root key.
func (c *Chain) Genesis() safe.BLSPublicKey {
	return c.genesis
}

// HasKey reports whether the key is reachable in the chain.
func (c *Chain) HasKey(k safe.BLSPublicKey) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.links[keyID(k)]
	return ok
}

// Len returns the number of keys in the chain, genesis included.
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.links)
}

// Extend appends one verified link. The parent must already be present; a
// link whose child is already present is accepted as a no-op when it is
// identical to the stored one. A parent may have at most two children (one
// per sibling prefix after a split).
func (c *Chain) Extend(link safe.ChainLink) error {
	if link.IsGenesis() {
		if keyID(link.Key) == keyID(c.genesis) {
			return nil
		}
		return safe.NewError(safe.KindUnknownSectionKey, "genesis link for a foreign root")
	}
	if err := link.Verify(); err != nil {
		return err
	}

	childID := keyID(link.Key)
	parentID := keyID(link.Parent)

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.links[childID]; ok {
		if keyID(existing.Parent) == parentID {
			return nil
		}
		return safe.NewError(safe.KindInvalidState, "key already present with a different parent")
	}
	if _, ok := c.links[parentID]; !ok {
		return safe.NewError(safe.KindUnknownSectionKey, "parent key not in chain")
	}
	if len(c.children[parentID]) >= 2 {
		return safe.NewError(safe.KindInvalidState, "parent already has two children")
	}

	c.links[childID] = link
	c.children[parentID] = append(c.children[parentID], childID)
	return nil
}

// MinimalProof returns the shortest sequence of links a receiver already
// holding `from` needs to verify `to`: the path from (exclusive) from down
// to (inclusive) to. A zero-value `from` means prove from genesis.
func (c *Chain) MinimalProof(from, to safe.BLSPublicKey) ([]safe.ChainLink, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	fromID := keyID(from)
	if fromID == "" {
		fromID = keyID(c.genesis)
	}
	if _, ok := c.links[fromID]; !ok {
		return nil, safe.NewError(safe.KindUnknownSectionKey, "proof start key not in chain")
	}

	// walk parent pointers from `to` upward
	var path []safe.ChainLink
	curID := keyID(to)
	for {
		link, ok := c.links[curID]
		if !ok {
			return nil, safe.NewError(safe.KindUnknownSectionKey, "proof end key not in chain")
		}
		if curID == fromID {
			break
		}
		if link.IsGenesis() {
			// reached the root without passing `from`: from is not an
			// ancestor of to
			return nil, safe.NewError(safe.KindUnknownSectionKey, "keys are on divergent branches")
		}
		path = append(path, link)
		curID = keyID(link.Parent)
	}

	// reverse into parent-first order so receivers can extend as they read
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, nil
}

// Merge extends the chain with every link of a received proof, in order.
// Links already present are skipped; the first invalid link aborts.
func (c *Chain) Merge(proof []safe.ChainLink) error {
	for _, link := range proof {
		if err := c.Extend(link); err != nil {
			return err
		}
	}
	return nil
}

// ParentOf returns the link introducing the given key, exposing its parent.
func (c *Chain) ParentOf(k safe.BLSPublicKey) (safe.ChainLink, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	link, ok := c.links[keyID(k)]
	return link, ok
}
