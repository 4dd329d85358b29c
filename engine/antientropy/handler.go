package antientropy

import (
	"github.com/rs/zerolog"

	"github.com/maidsafe/sn-node/model/messages"
	"github.com/maidsafe/sn-node/model/safe"
	"github.com/maidsafe/sn-node/state/sections"
)

// Outcome classifies the anti-entropy check of one inbound message.
type Outcome uint8

const (
	// Fresh means the sender's view matches ours; the message passes up.
	Fresh Outcome = iota + 1
	// SendRetry means the sender holds a stale key for our own prefix.
	SendRetry
	// SendRedirect means the sender addressed a section we are not
	// responsible for, and we know who is.
	SendRedirect
	// SendUpdate means the sender's key is unknown to our chain and we
	// need to exchange histories before we can trust each other.
	SendUpdate
)

func (o Outcome) String() string {
	switch o {
	case Fresh:
		return "fresh"
	case SendRetry:
		return "retry"
	case SendRedirect:
		return "redirect"
	case SendUpdate:
		return "update"
	default:
		return "unknown"
	}
}

// Verdict is the result of an anti-entropy check. For every non-fresh
// outcome it carries the SAP and chain proof to send back; the reply never
// carries any payload of the original message, the sender replays it.
type Verdict struct {
	Outcome Outcome
	SAP     safe.SignedSAP
	Proof   []safe.ChainLink
}

// Metrics is the subset of node metrics the handler reports to.
type Metrics interface {
	AntiEntropyReply(outcome string)
}

// Handler compares the section key claimed by a message sender against our
// routing table and decides whether the message is fresh or the sender
// needs a correction first.
type Handler struct {
	log     zerolog.Logger
	tree    *sections.Tree
	metrics Metrics
}

func NewHandler(log zerolog.Logger, tree *sections.Tree, metrics Metrics) *Handler {
	return &Handler{
		log:     log.With().Str("component", "antientropy").Logger(),
		tree:    tree,
		metrics: metrics,
	}
}

// Check resolves the message destination to a section and compares the
// claimed key. A message that claims no key at all is treated as fresh;
// clients bootstrap that way and learn the key from the response. Exactly
// one verdict is produced per message.
func (h *Handler) Check(dst safe.XorName, claimed safe.BLSPublicKey) (Verdict, error) {
	sap, err := h.tree.Lookup(dst)
	if err != nil {
		return Verdict{}, err
	}

	verdict, err := h.check(dst, claimed, sap)
	if err != nil {
		return Verdict{}, err
	}

	if verdict.Outcome != Fresh {
		h.log.Debug().
			Hex("dst", dst[:]).
			Str("outcome", verdict.Outcome.String()).
			Str("target_prefix", verdict.SAP.SAP.Prefix.String()).
			Msg("stale sender view detected")
	}
	h.metrics.AntiEntropyReply(verdict.Outcome.String())
	return verdict, nil
}

func (h *Handler) check(dst safe.XorName, claimed safe.BLSPublicKey, sap safe.SignedSAP) (Verdict, error) {
	if claimed.PublicKey == nil || claimed.Equal(sap.SAP.SectionKey) {
		return Verdict{Outcome: Fresh}, nil
	}

	chain := h.tree.Chain()

	// A known ancestor of the current key means the sender is simply
	// behind on our own section's history.
	if chain.HasKey(claimed) {
		proof, err := chain.MinimalProof(claimed, sap.SAP.SectionKey)
		if err == nil {
			return Verdict{Outcome: SendRetry, SAP: sap, Proof: proof}, nil
		}
	}

	// The claimed key may be the genuine key of a sibling or remote
	// section; the sender then addressed the wrong section entirely.
	for _, other := range h.tree.All() {
		if other.SAP.Prefix == sap.SAP.Prefix {
			continue
		}
		if claimed.Equal(other.SAP.SectionKey) {
			proof, err := chain.MinimalProof(safe.BLSPublicKey{}, sap.SAP.SectionKey)
			if err != nil {
				return Verdict{}, err
			}
			return Verdict{Outcome: SendRedirect, SAP: sap, Proof: proof}, nil
		}
	}

	// Unknown key entirely: offer our view from genesis and ask the
	// sender for theirs.
	proof, err := chain.MinimalProof(safe.BLSPublicKey{}, sap.SAP.SectionKey)
	if err != nil {
		return Verdict{}, err
	}
	return Verdict{Outcome: SendUpdate, SAP: sap, Proof: proof}, nil
}

// Retry builds the wire reply for a SendRetry verdict.
func (v Verdict) Retry() *messages.AntiEntropyRetry {
	return &messages.AntiEntropyRetry{SAP: v.SAP, Proof: v.Proof}
}

// Redirect builds the wire reply for a SendRedirect verdict.
func (v Verdict) Redirect() *messages.AntiEntropyRedirect {
	return &messages.AntiEntropyRedirect{SAP: v.SAP, Proof: v.Proof}
}

// Update builds the wire reply for a SendUpdate verdict.
func (v Verdict) Update() *messages.AntiEntropyUpdate {
	return &messages.AntiEntropyUpdate{SAP: v.SAP, Proof: v.Proof}
}

// HandleUpdate merges a remote section's view into ours. The proof must
// connect the SAP's key to something we already trust.
func (h *Handler) HandleUpdate(origin safe.XorName, update *messages.AntiEntropyUpdate) error {
	err := h.tree.Update(update.SAP, update.Proof)
	if err != nil {
		h.log.Warn().
			Err(err).
			Hex("origin", origin[:]).
			Str("prefix", update.SAP.SAP.Prefix.String()).
			Msg("rejecting anti-entropy update")
		return err
	}
	h.log.Debug().
		Hex("origin", origin[:]).
		Str("prefix", update.SAP.SAP.Prefix.String()).
		Uint64("generation", update.SAP.SAP.Generation).
		Msg("merged remote section view")
	return nil
}
