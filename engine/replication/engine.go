package replication

import (
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/rs/zerolog"

	"github.com/maidsafe/sn-node/model/messages"
	"github.com/maidsafe/sn-node/model/safe"
	"github.com/maidsafe/sn-node/module/holders"
)

// Conduit sends payloads to section peers. The node wiring implements it
// over the transport with the current SAP.
type Conduit interface {
	SendToPeer(peer safe.Peer, payload interface{}) error
	SendToElders(payload interface{}) error
}

// Metrics is the subset of node metrics the engine reports to.
type Metrics interface {
	ReplicationQueueDepth(depth int)
	ReplicationCompleted(result string)
}

// Config bounds the engine's patience and parallelism.
type Config struct {
	ReplicationFactor  int
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	RepairTimeout      time.Duration
	MaxInFlightRepairs int
	// FullRatioThreshold is the fraction of full adults at which the
	// section proposes JoinsDisallowed.
	FullRatioThreshold float64
}

func DefaultConfig() Config {
	return Config{
		ReplicationFactor:  safe.DefaultReplicationFactor,
		WriteTimeout:       10 * time.Second,
		ReadTimeout:        10 * time.Second,
		RepairTimeout:      30 * time.Second,
		MaxInFlightRepairs: 32,
		FullRatioThreshold: 1.0,
	}
}

// WriteCallback reports the outcome of a client write.
type WriteCallback func(err error)

// ReadCallback reports the outcome of a client read.
type ReadCallback func(value []byte, err error)

type writeState struct {
	chunk       safe.Chunk
	confirmed   map[safe.XorName]struct{}
	outstanding map[safe.XorName]struct{}
	attempted   map[safe.XorName]struct{}
	callbacks   []WriteCallback
	timer       *time.Timer
}

type readState struct {
	remaining []safe.Peer
	callbacks []ReadCallback
	timer     *time.Timer
}

type repairKey struct {
	address safe.ChunkAddress
	target  safe.XorName
}

// Engine drives the section toward "every accepted chunk is held by R
// healthy adults among the closest to it": it runs the elder write and read
// paths and repairs under-replication after churn or capacity loss.
type Engine struct {
	log      zerolog.Logger
	cfg      Config
	registry *holders.Registry
	conduit  Conduit
	metrics  Metrics

	mu      sync.Mutex
	writes  map[safe.ChunkAddress]*writeState
	reads   map[safe.ChunkAddress]*readState
	repairs map[repairKey]chan struct{}
	// sectionFull latches the JoinsDisallowed proposal until capacity
	// recovers.
	sectionFull bool

	pool *workerpool.WorkerPool

	// OnSectionFull is invoked once when the full-adult ratio crosses the
	// configured threshold; the node proposes JoinsDisallowed.
	OnSectionFull func()
}

func New(log zerolog.Logger, cfg Config, registry *holders.Registry, conduit Conduit, metrics Metrics) *Engine {
	return &Engine{
		log:      log.With().Str("component", "replication").Logger(),
		cfg:      cfg,
		registry: registry,
		conduit:  conduit,
		metrics:  metrics,
		writes:   make(map[safe.ChunkAddress]*writeState),
		reads:    make(map[safe.ChunkAddress]*readState),
		repairs:  make(map[repairKey]chan struct{}),
		pool:     workerpool.New(cfg.MaxInFlightRepairs),
	}
}

// Stop drains the repair pool.
func (e *Engine) Stop() {
	e.pool.StopWait()
}

// Write places the chunk on R holders. The callback fires exactly once:
// with nil once R adults confirmed, or with InsufficientStorage when the
// section ran out of eligible adults.
func (e *Engine) Write(chunk safe.Chunk, done func(err error)) {
	address := chunk.Address()

	e.mu.Lock()
	if state, ok := e.writes[address]; ok {
		// concurrent write of the same content; join the in-flight one
		state.callbacks = append(state.callbacks, done)
		e.mu.Unlock()
		return
	}

	state := &writeState{
		chunk:       chunk,
		confirmed:   make(map[safe.XorName]struct{}),
		outstanding: make(map[safe.XorName]struct{}),
		attempted:   make(map[safe.XorName]struct{}),
		callbacks:   []WriteCallback{done},
	}
	for _, peer := range e.registry.HoldersOf(address) {
		state.confirmed[peer.Name] = struct{}{}
		state.attempted[peer.Name] = struct{}{}
	}
	e.writes[address] = state

	if len(state.confirmed) >= e.cfg.ReplicationFactor {
		e.finishWriteLocked(address, state, nil)
		e.mu.Unlock()
		return
	}

	e.dispatchWriteLocked(address, state)
	e.mu.Unlock()
}

// dispatchWriteLocked fills the open holder slots with the next closest
// eligible adults and (re)arms the write timer. Callers hold e.mu.
func (e *Engine) dispatchWriteLocked(address safe.ChunkAddress, state *writeState) {
	missing := e.cfg.ReplicationFactor - len(state.confirmed) - len(state.outstanding)
	if missing <= 0 {
		return
	}

	candidates := e.registry.PickHoldersExcluding(address, missing, state.attempted)
	if len(candidates) == 0 && len(state.outstanding) == 0 {
		e.finishWriteLocked(address, state,
			safe.NewError(safe.KindInsufficientStorage,
				"no eligible adult left for chunk %s (%d/%d confirmed)",
				address, len(state.confirmed), e.cfg.ReplicationFactor))
		return
	}

	for _, peer := range candidates {
		state.attempted[peer.Name] = struct{}{}
		state.outstanding[peer.Name] = struct{}{}
		peer := peer
		if err := e.conduit.SendToPeer(peer, &messages.StoreChunk{Chunk: state.chunk}); err != nil {
			e.log.Warn().Err(err).
				Hex("holder", peer.Name[:]).
				Hex("address", address[:]).
				Msg("could not dispatch store to holder")
			delete(state.outstanding, peer.Name)
		}
	}

	if state.timer != nil {
		state.timer.Stop()
	}
	state.timer = time.AfterFunc(e.cfg.WriteTimeout, func() {
		e.onWriteTimeout(address)
	})
}

func (e *Engine) finishWriteLocked(address safe.ChunkAddress, state *writeState, err error) {
	if state.timer != nil {
		state.timer.Stop()
	}
	delete(e.writes, address)
	for _, done := range state.callbacks {
		go done(err)
	}
	if err != nil {
		e.log.Warn().Err(err).Hex("address", address[:]).Msg("chunk write failed")
	}
}

func (e *Engine) onWriteTimeout(address safe.ChunkAddress) {
	e.mu.Lock()
	defer e.mu.Unlock()

	state, ok := e.writes[address]
	if !ok {
		return
	}
	// everything still outstanding is treated as failed; the next closest
	// adults get their turn
	for name := range state.outstanding {
		delete(state.outstanding, name)
	}
	e.dispatchWriteLocked(address, state)
}

// HandleStored processes a holder's store confirmation, on the write path
// as well as the repair path.
func (e *Engine) HandleStored(origin safe.XorName, msg *messages.ChunkStored) error {
	if origin != msg.Holder {
		return safe.NewError(safe.KindAccessDenied,
			"store confirmation for %s claims holder %s", origin, msg.Holder)
	}
	if err := e.registry.RecordStored(msg.Address, msg.Holder); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if done, ok := e.repairs[repairKey{msg.Address, msg.Holder}]; ok {
		close(done)
		delete(e.repairs, repairKey{msg.Address, msg.Holder})
	}

	state, ok := e.writes[msg.Address]
	if !ok {
		return nil
	}
	delete(state.outstanding, msg.Holder)
	state.confirmed[msg.Holder] = struct{}{}
	if len(state.confirmed) >= e.cfg.ReplicationFactor {
		e.finishWriteLocked(msg.Address, state, nil)
	}
	return nil
}

// HandleStoreFailed processes a holder's refusal. A capacity refusal marks
// the adult full and may trigger repairs for its other chunks.
func (e *Engine) HandleStoreFailed(origin safe.XorName, msg *messages.StoreFailed) {
	if origin != msg.Holder {
		return
	}

	var rebalances []holders.Rebalance
	if msg.Full {
		rebalances = e.registry.MarkFull(msg.Holder)
	}

	e.mu.Lock()
	if state, ok := e.writes[msg.Address]; ok {
		delete(state.outstanding, msg.Holder)
		e.dispatchWriteLocked(msg.Address, state)
	}
	e.mu.Unlock()

	e.Rebalance(rebalances)
	if msg.Full {
		e.checkSectionFull()
	}
}

// Read fetches the chunk from the closest confirmed holder, falling back
// through the remaining holders on timeout or miss. Duplicate replies are
// discarded.
func (e *Engine) Read(address safe.ChunkAddress, done func(value []byte, err error)) {
	e.mu.Lock()
	if state, ok := e.reads[address]; ok {
		state.callbacks = append(state.callbacks, done)
		e.mu.Unlock()
		return
	}

	holdersOf := e.registry.HoldersOf(address)
	if len(holdersOf) == 0 {
		e.mu.Unlock()
		done(nil, safe.NewError(safe.KindNotFound, "no holder known for chunk %s", address))
		return
	}

	state := &readState{
		remaining: holdersOf,
		callbacks: []ReadCallback{done},
	}
	e.reads[address] = state
	e.askNextHolderLocked(address, state)
	e.mu.Unlock()
}

// askNextHolderLocked sends the query to the closest untried holder.
// Callers hold e.mu.
func (e *Engine) askNextHolderLocked(address safe.ChunkAddress, state *readState) {
	for len(state.remaining) > 0 {
		holder := state.remaining[0]
		state.remaining = state.remaining[1:]
		if err := e.conduit.SendToPeer(holder, &messages.FetchChunk{Address: address}); err != nil {
			e.log.Warn().Err(err).
				Hex("holder", holder.Name[:]).
				Hex("address", address[:]).
				Msg("could not query holder")
			continue
		}
		if state.timer != nil {
			state.timer.Stop()
		}
		state.timer = time.AfterFunc(e.cfg.ReadTimeout, func() {
			e.onReadTimeout(address)
		})
		return
	}
	e.finishReadLocked(address, state, nil,
		safe.NewError(safe.KindNotFound, "no holder produced chunk %s", address))
}

func (e *Engine) finishReadLocked(address safe.ChunkAddress, state *readState, value []byte, err error) {
	if state.timer != nil {
		state.timer.Stop()
	}
	delete(e.reads, address)
	for _, done := range state.callbacks {
		done := done
		go done(value, err)
	}
}

func (e *Engine) onReadTimeout(address safe.ChunkAddress) {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, ok := e.reads[address]
	if !ok {
		return
	}
	e.askNextHolderLocked(address, state)
}

// HandleRetrieved processes a holder's reply on the read path. Replies
// whose bytes do not hash to the address are treated as a miss.
func (e *Engine) HandleRetrieved(origin safe.XorName, msg *messages.ChunkRetrieved) {
	e.mu.Lock()
	defer e.mu.Unlock()

	state, ok := e.reads[msg.Address]
	if !ok {
		// late or duplicate reply
		return
	}

	if msg.ErrKind != 0 {
		e.log.Debug().
			Hex("holder", origin[:]).
			Hex("address", msg.Address[:]).
			Str("kind", msg.ErrKind.String()).
			Msg("holder missed chunk, trying next")
		e.askNextHolderLocked(msg.Address, state)
		return
	}
	if safe.NamedHash(msg.Value) != msg.Address {
		e.log.Warn().
			Hex("holder", origin[:]).
			Hex("address", msg.Address[:]).
			Msg("holder returned corrupt chunk, trying next")
		e.askNextHolderLocked(msg.Address, state)
		return
	}
	e.finishReadLocked(msg.Address, state, msg.Value, nil)
}

// Delete instructs every confirmed holder to drop the chunk and forgets
// its registry entry. Failures to reach individual holders are logged and
// tolerated; the registry entry is gone either way.
func (e *Engine) Delete(address safe.ChunkAddress) {
	for _, holder := range e.registry.HoldersOf(address) {
		if err := e.conduit.SendToPeer(holder, &messages.DeleteChunk{Address: address}); err != nil {
			e.log.Warn().Err(err).
				Hex("holder", holder.Name[:]).
				Hex("address", address[:]).
				Msg("could not dispatch chunk delete")
		}
	}
	e.registry.Forget(address)
}

// Rebalance schedules repair jobs for under-replicated chunks. At most
// MaxInFlightRepairs replications run concurrently; each job dispatches a
// Replicate command to one missing target and waits for its confirmation.
func (e *Engine) Rebalance(rebalances []holders.Rebalance) {
	for _, rb := range rebalances {
		confirmed := make(map[safe.XorName]struct{})
		for _, p := range e.registry.HoldersOf(rb.Address) {
			confirmed[p.Name] = struct{}{}
		}
		sources := e.registry.HoldersOf(rb.Address)
		if len(sources) == 0 {
			e.log.Error().
				Hex("address", rb.Address[:]).
				Msg("chunk has no surviving holder, replica lost")
			continue
		}
		source := sources[0]

		for _, name := range rb.NewTargets {
			if _, ok := confirmed[name]; ok {
				continue
			}
			target, ok := e.registry.Adult(name)
			if !ok {
				continue
			}
			e.scheduleRepair(rb.Address, source, target)
		}
	}
}

func (e *Engine) scheduleRepair(address safe.ChunkAddress, source, target safe.Peer) {
	key := repairKey{address, target.Name}

	e.mu.Lock()
	if _, ok := e.repairs[key]; ok {
		e.mu.Unlock()
		return
	}
	done := make(chan struct{})
	e.repairs[key] = done
	e.mu.Unlock()

	e.metrics.ReplicationQueueDepth(e.pool.WaitingQueueSize() + 1)
	e.pool.Submit(func() {
		defer e.metrics.ReplicationQueueDepth(e.pool.WaitingQueueSize())

		err := e.conduit.SendToPeer(target, &messages.Replicate{Address: address, Source: source})
		if err != nil {
			e.log.Warn().Err(err).
				Hex("target", target.Name[:]).
				Hex("address", address[:]).
				Msg("could not dispatch replication")
			e.clearRepair(key)
			e.metrics.ReplicationCompleted("dispatch_failed")
			return
		}

		select {
		case <-done:
			e.metrics.ReplicationCompleted("success")
		case <-time.After(e.cfg.RepairTimeout):
			e.clearRepair(key)
			e.metrics.ReplicationCompleted("timeout")
		}
	})
}

func (e *Engine) clearRepair(key repairKey) {
	e.mu.Lock()
	delete(e.repairs, key)
	e.mu.Unlock()
}

// HandleStorageLevel ingests an adult's periodic capacity report. A level
// of 10 is a capacity refusal in slow motion: the adult is marked full
// before a write has to fail.
func (e *Engine) HandleStorageLevel(origin safe.XorName, msg *messages.StorageLevel) {
	if origin != msg.Holder || msg.Level < 10 {
		return
	}
	rebalances := e.registry.MarkFull(msg.Holder)
	e.Rebalance(rebalances)
	e.checkSectionFull()
}

// OnMembershipDelta reacts to agreed churn: the registry drops departed
// holders and reports which chunks now need new replicas.
func (e *Engine) OnMembershipDelta(adults []safe.Peer, removed []safe.Peer) {
	rebalances := e.registry.OnMembershipDelta(adults, removed)
	e.Rebalance(rebalances)

	e.mu.Lock()
	// fresh capacity resets the JoinsDisallowed latch
	if e.sectionFull && e.registry.FullRatio() < e.cfg.FullRatioThreshold {
		e.sectionFull = false
	}
	e.mu.Unlock()
}

// checkSectionFull proposes JoinsDisallowed once when every adult reports
// full.
func (e *Engine) checkSectionFull() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sectionFull {
		return
	}
	if e.registry.FullRatio() < e.cfg.FullRatioThreshold {
		return
	}
	e.sectionFull = true
	if e.OnSectionFull != nil {
		go e.OnSectionFull()
	}
}
