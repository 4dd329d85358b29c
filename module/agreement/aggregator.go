package agreement

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/onflow/flow-go/crypto"
	"github.com/rs/zerolog"

	"github.com/maidsafe/sn-node/model/messages"
	"github.com/maidsafe/sn-node/model/safe"
)

// deliveredCacheSize bounds the per-key set of already delivered proposal
// hashes. The cache is replaced wholesale on section key rotation.
const deliveredCacheSize = 4096

// DeliverFunc consumes an agreed proposal exactly once per (hash, section
// key).
type DeliverFunc func(messages.Agreed)

// Aggregator collects BLS signature shares per proposal hash and combines
// them into a full section signature once the super-majority threshold is
// reached. Shares from non-elders or with mismatched indices are discarded.
// In-flight shares are dropped when the section key rotates; proposers must
// re-propose under the new key.
type Aggregator struct {
	log     zerolog.Logger
	deliver DeliverFunc

	mu        sync.Mutex
	sap       safe.SectionAuthorityProvider
	shares    map[[32]byte]map[uint64][]byte
	proposals map[[32]byte]messages.Proposal
	delivered *lru.Cache
}

// NewAggregator creates an aggregator bound to the given section authority.
func NewAggregator(log zerolog.Logger, sap safe.SectionAuthorityProvider, deliver DeliverFunc) (*Aggregator, error) {
	delivered, err := lru.New(deliveredCacheSize)
	if err != nil {
		return nil, err
	}
	return &Aggregator{
		log:       log.With().Str("component", "agreement").Logger(),
		deliver:   deliver,
		sap:       sap,
		shares:    make(map[[32]byte]map[uint64][]byte),
		proposals: make(map[[32]byte]messages.Proposal),
		delivered: delivered,
	}, nil
}

// Rotate discards all in-flight shares and the delivered set, rebinding the
// aggregator to the new section authority.
func (a *Aggregator) Rotate(sap safe.SectionAuthorityProvider) error {
	delivered, err := lru.New(deliveredCacheSize)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.sap = sap
	a.shares = make(map[[32]byte]map[uint64][]byte)
	a.proposals = make(map[[32]byte]messages.Proposal)
	a.delivered = delivered
	return nil
}

// ProcessShare validates and stores one share. When the threshold is
// reached the combined signature is verified under the section key and the
// proposal is delivered.
func (a *Aggregator) ProcessShare(origin safe.XorName, share *messages.SignatureShare) error {
	hash := share.Proposal.Hash()

	a.mu.Lock()
	defer a.mu.Unlock()

	index, ok := a.sap.ElderIndex(origin)
	if !ok {
		return safe.NewError(safe.KindAccessDenied, "share from non-elder %s", origin)
	}
	if uint64(index) != share.Index {
		return safe.NewError(safe.KindInvalidSignature,
			"share index %d does not match elder index %d of %s", share.Index, index, origin)
	}
	if _, done := a.delivered.Get(hash); done {
		return nil
	}

	shareKey := a.sap.ElderKeys[index]
	valid, err := shareKey.Verify(share.Share, hash[:], safe.NewSigningHasher())
	if err != nil {
		return safe.WrapError(safe.KindInvalidSignature, err, "could not verify share")
	}
	if !valid {
		return safe.NewError(safe.KindInvalidSignature, "invalid share from %s", origin)
	}

	pending, ok := a.shares[hash]
	if !ok {
		pending = make(map[uint64][]byte)
		a.shares[hash] = pending
		a.proposals[hash] = share.Proposal
	}
	pending[share.Index] = share.Share

	required := safe.SuperMajority(len(a.sap.Elders))
	if len(pending) < required {
		return nil
	}

	combined, err := a.combineLocked(hash, pending)
	if err != nil {
		return err
	}

	proposal := a.proposals[hash]
	delete(a.shares, hash)
	delete(a.proposals, hash)
	a.delivered.Add(hash, struct{}{})

	a.log.Debug().
		Hex("proposal_hash", hash[:]).
		Str("kind", proposal.Kind.String()).
		Msg("proposal agreed")

	a.deliver(messages.Agreed{Proposal: proposal, Sig: combined})
	return nil
}

func (a *Aggregator) combineLocked(hash [32]byte, pending map[uint64][]byte) ([]byte, error) {
	size := len(a.sap.Elders)
	required := safe.SuperMajority(size)

	shares := make([]crypto.Signature, 0, len(pending))
	signers := make([]int, 0, len(pending))
	for index, share := range pending {
		shares = append(shares, share)
		signers = append(signers, int(index))
	}

	combined, err := crypto.BLSReconstructThresholdSignature(
		size, safe.ThresholdParam(required), shares, signers)
	if err != nil {
		return nil, safe.WrapError(safe.KindInvalidSignature, err, "could not combine shares")
	}

	valid, err := a.sap.SectionKey.Verify(combined, hash[:], safe.NewSigningHasher())
	if err != nil {
		return nil, safe.WrapError(safe.KindInvalidSignature, err, "could not verify combined signature")
	}
	if !valid {
		return nil, safe.NewError(safe.KindInvalidSignature, "combined signature invalid under section key")
	}
	return combined, nil
}
