package replication

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/maidsafe/sn-node/model/messages"
	"github.com/maidsafe/sn-node/model/safe"
	"github.com/maidsafe/sn-node/storage/chunks"
)

// Holder is the adult side of replication: it answers store, fetch,
// replicate and delete commands against the local chunk store and keeps
// the elders informed about its capacity.
type Holder struct {
	log     zerolog.Logger
	name    safe.XorName
	store   *chunks.Store
	conduit Conduit

	mu sync.Mutex
	// pending tracks replicate commands whose source fetch is in flight
	pending map[safe.ChunkAddress]struct{}
}

func NewHolder(log zerolog.Logger, name safe.XorName, store *chunks.Store, conduit Conduit) *Holder {
	return &Holder{
		log:     log.With().Str("component", "holder").Logger(),
		name:    name,
		store:   store,
		conduit: conduit,
		pending: make(map[safe.ChunkAddress]struct{}),
	}
}

// HandleStore persists the chunk and confirms or refuses to the elders.
func (h *Holder) HandleStore(origin safe.XorName, msg *messages.StoreChunk) error {
	address := msg.Chunk.Address()

	err := h.store.Put(&msg.Chunk)
	if err != nil && safe.KindOf(err) != safe.KindDataExists {
		kind := safe.KindOf(err)
		h.log.Warn().Err(err).
			Hex("address", address[:]).
			Msg("refusing chunk store")
		return h.conduit.SendToElders(&messages.StoreFailed{
			Address: address,
			Holder:  h.name,
			Full:    kind == safe.KindNotEnoughSpace,
			ErrKind: kind,
		})
	}

	// an idempotent re-store still counts as held
	return h.conduit.SendToElders(&messages.ChunkStored{
		Address: address,
		Holder:  h.name,
	})
}

// HandleFetch answers a chunk query from an elder or a repair target.
func (h *Holder) HandleFetch(origin safe.XorName, msg *messages.FetchChunk) error {
	value, err := h.store.Get(msg.Address)
	reply := &messages.ChunkRetrieved{Address: msg.Address, Value: value}
	if err != nil {
		reply.Value = nil
		reply.ErrKind = safe.KindOf(err)
	}
	return h.conduit.SendToPeer(safe.Peer{Name: origin}, reply)
}

// HandleReplicate fetches the chunk from the assigned source holder; the
// store happens when the source's reply arrives.
func (h *Holder) HandleReplicate(origin safe.XorName, msg *messages.Replicate) error {
	if h.store.Has(msg.Address) {
		return h.conduit.SendToElders(&messages.ChunkStored{
			Address: msg.Address,
			Holder:  h.name,
		})
	}

	h.mu.Lock()
	if _, ok := h.pending[msg.Address]; ok {
		h.mu.Unlock()
		return nil
	}
	h.pending[msg.Address] = struct{}{}
	h.mu.Unlock()

	return h.conduit.SendToPeer(msg.Source, &messages.FetchChunk{Address: msg.Address})
}

// HandleRetrieved completes a pending replication: verify, store, confirm.
func (h *Holder) HandleRetrieved(origin safe.XorName, msg *messages.ChunkRetrieved) error {
	h.mu.Lock()
	_, ok := h.pending[msg.Address]
	delete(h.pending, msg.Address)
	h.mu.Unlock()
	if !ok {
		return nil
	}

	if msg.ErrKind != 0 {
		h.log.Warn().
			Hex("source", origin[:]).
			Hex("address", msg.Address[:]).
			Str("kind", msg.ErrKind.String()).
			Msg("replication source could not produce chunk")
		return nil
	}

	chunk := safe.Chunk{Value: msg.Value}
	if chunk.Address() != msg.Address {
		h.log.Warn().
			Hex("source", origin[:]).
			Hex("address", msg.Address[:]).
			Msg("replication source returned corrupt chunk")
		return nil
	}

	err := h.store.Put(&chunk)
	if err != nil && safe.KindOf(err) != safe.KindDataExists {
		kind := safe.KindOf(err)
		return h.conduit.SendToElders(&messages.StoreFailed{
			Address: msg.Address,
			Holder:  h.name,
			Full:    kind == safe.KindNotEnoughSpace,
			ErrKind: kind,
		})
	}
	return h.conduit.SendToElders(&messages.ChunkStored{
		Address: msg.Address,
		Holder:  h.name,
	})
}

// HandleDelete drops the chunk after an agreed client delete or a split.
func (h *Holder) HandleDelete(origin safe.XorName, msg *messages.DeleteChunk) error {
	err := h.store.Delete(msg.Address)
	if err != nil && safe.KindOf(err) != safe.KindNotFound {
		return err
	}
	return nil
}

// ReportStorageLevel tells the elders how full the local store is, in
// tenths of capacity.
func (h *Holder) ReportStorageLevel() error {
	level := uint8(h.store.CapacityRatio() * 10)
	if level > 10 {
		level = 10
	}
	return h.conduit.SendToElders(&messages.StorageLevel{
		Holder: h.name,
		Level:  level,
	})
}

// OnStoreEvent reacts to chunk store capacity events with an immediate
// level report.
func (h *Holder) OnStoreEvent(event chunks.Event) {
	if err := h.ReportStorageLevel(); err != nil {
		h.log.Warn().Err(err).Msg("could not report storage level")
	}
}
