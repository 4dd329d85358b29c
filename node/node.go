// Package node assembles one network node: transport, routing table,
// section membership, DKG, agreement, chunk replication and the client
// surface, wired per the node's current role. Every node acts as a chunk
// holder; the elder components activate when the node's name enters the
// section authority.
package node

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v2"
	"github.com/fxamacker/cbor/v2"
	lru "github.com/hashicorp/golang-lru"
	"github.com/onflow/flow-go/crypto"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/maidsafe/sn-node/config"
	"github.com/maidsafe/sn-node/engine"
	"github.com/maidsafe/sn-node/engine/antientropy"
	"github.com/maidsafe/sn-node/engine/client"
	"github.com/maidsafe/sn-node/engine/replication"
	"github.com/maidsafe/sn-node/model/safe"
	"github.com/maidsafe/sn-node/module/agreement"
	"github.com/maidsafe/sn-node/module/dkg"
	"github.com/maidsafe/sn-node/module/faults"
	"github.com/maidsafe/sn-node/module/holders"
	"github.com/maidsafe/sn-node/network"
	netcodec "github.com/maidsafe/sn-node/network/codec/cbor"
	"github.com/maidsafe/sn-node/network/transport"
	"github.com/maidsafe/sn-node/state/membership"
	"github.com/maidsafe/sn-node/state/sections"
	"github.com/maidsafe/sn-node/storage/chunks"
	"github.com/maidsafe/sn-node/storage/owners"
	"github.com/maidsafe/sn-node/storage/registers"
)

// resendCacheSize bounds the in-flight request cache kept for anti-entropy
// replays.
const resendCacheSize = 1024

// storageReportInterval paces the holder's storage level reports to the
// elders.
const storageReportInterval = time.Minute

// Metrics is the full node metrics surface; both the prometheus collector
// and the noop collector satisfy it.
type Metrics interface {
	MessageReceived(message string)
	MessageSent(message string)
	MessageDropped(reason string)
	InvalidSignature()
	AntiEntropyReply(outcome string)
	ReplicationQueueDepth(depth int)
	ReplicationCompleted(result string)
	ChunkStoreUsed(bytes uint64)
	ChunkStoreEvent(kind string)
	DKGCompleted(result string)
	ProposalAgreed(kind string)
}

// sendFunc is the transport send indirection, replaced in tests.
type sendFunc func(ctx context.Context, addr string, env *network.Envelope) error

// Node is one running network node.
type Node struct {
	cfg      config.Config
	log      zerolog.Logger
	metrics  Metrics
	identity *safe.NodeIdentity

	codec     *netcodec.Codec
	transport *transport.Transport
	send      sendFunc
	faults    *faults.Tracker
	resent    *lru.Cache

	// always-on adult role
	chunkStore *chunks.Store
	holder     *replication.Holder

	// elder-role storage, shared badger instance
	db        *badger.DB
	registers *registers.Store
	owners    *owners.Store

	dkg *dkg.Coordinator

	// section state, nil until the node has joined a section
	mu         sync.RWMutex
	chain      *sections.Chain
	chainLog   *sections.ChainLog
	tree       *sections.Tree
	ae         *antientropy.Handler
	record     *membership.Record
	wal        *membership.WAL
	sap        safe.SignedSAP
	signer     *agreement.Signer
	aggregator *agreement.Aggregator
	registry   *holders.Registry
	replicator *replication.Engine
	dispatcher *client.Dispatcher

	handler          *engine.MessageHandler
	controlStore     *engine.FifoMessageStore
	clientStore      *engine.FifoMessageStore
	dkgStore         *engine.FifoMessageStore
	replicationStore *engine.FifoMessageStore

	joinsDisallowed *atomic.Bool
	joined          chan struct{}
	joinedOnce      sync.Once
	bootstrap       []safe.Peer

	// join bookkeeping, both sides: issued challenge nonces and pending
	// candidates on the elder end, contact and challenge state on the
	// joiner end
	joinMu          sync.Mutex
	joinNonces      map[safe.XorName][]byte
	pendingJoins    map[safe.XorName]pendingJoin
	joinContacts    []safe.Peer
	joinKey         safe.BLSPublicKey
	challengeNonce  []byte
	challengeAnswer []byte

	relocated    chan struct{}
	relocateOnce sync.Once

	// DKG outcomes awaiting chain extension and authority ratification,
	// keyed by the encoded new section key
	pendingMu   sync.Mutex
	pendingDKG  map[string]dkg.Result
	agreedCount uint64
}

// Startup failures New distinguishes for the process exit path.
var (
	// ErrTransportStartup wraps a failure to bind the listen address.
	ErrTransportStartup = errors.New("transport startup failed")
	// ErrCorruptState wraps unreadable or inconsistent persisted state; the
	// process should stop rather than serve from a bad section view.
	ErrCorruptState = errors.New("corrupted local state")
)

// New builds a node from its configuration. The node is not serving until
// Run is called; a node without section state (fresh, with bootstrap
// contacts) joins the network during Run.
func New(cfg config.Config, log zerolog.Logger, collector Metrics) (*Node, error) {
	identity, err := safe.LoadOrGenerateIdentity(cfg.RootDir, cfg.JoinAge)
	if err != nil {
		return nil, fmt.Errorf("could not load identity: %w", err)
	}
	log = log.With().Str("node", identity.Name().String()).Logger()

	resent, err := lru.New(resendCacheSize)
	if err != nil {
		return nil, err
	}

	n := &Node{
		cfg:             cfg,
		log:             log,
		metrics:         collector,
		identity:        identity,
		codec:           netcodec.NewCodec(),
		resent:          resent,
		joinsDisallowed: atomic.NewBool(false),
		joined:          make(chan struct{}),
		relocated:       make(chan struct{}),
		joinNonces:      make(map[safe.XorName][]byte),
		pendingJoins:    make(map[safe.XorName]pendingJoin),
		pendingDKG:      make(map[string]dkg.Result),
	}
	n.faults = faults.NewTracker(faults.DefaultThreshold, n.onFaultyPeer)

	n.chunkStore, err = chunks.Open(log, filepath.Join(cfg.RootDir, "chunks"),
		cfg.ChunkStoreMaxBytes, n.onChunkStoreEvent)
	if err != nil {
		return nil, fmt.Errorf("could not open chunk store: %w", err)
	}

	opts := badger.DefaultOptions(filepath.Join(cfg.RootDir, "db")).WithLogger(nil)
	n.db, err = badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("could not open section database: %w", err)
	}
	n.registers = registers.NewStore(log, n.db)
	n.owners = owners.NewStore(log, n.db)

	n.wal, err = membership.OpenWAL(cfg.RootDir)
	if err != nil {
		return nil, fmt.Errorf("could not open membership log: %w", err)
	}

	// a relocation leaves fresh contacts behind; they win over the
	// configured peers file
	peersPath := cfg.PeersFile
	if relocPath := filepath.Join(cfg.RootDir, relocatedPeersFile); fileExists(relocPath) {
		peersPath = relocPath
	}
	n.bootstrap, err = config.LoadPeers(peersPath)
	if err != nil {
		return nil, fmt.Errorf("could not load bootstrap contacts: %w", err)
	}

	n.dkg = dkg.NewCoordinator(log, identity, dkgConduit{node: n},
		dkg.DefaultSessionConfig(), n.onDKGSuccess, n.onDKGFailure)

	n.initDispatch()

	n.transport, err = transport.New(log, cfg.Addr, n.onEnvelope)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransportStartup, err)
	}
	n.send = n.transport.Send

	// a node with persisted section state resumes it; a fresh node with no
	// contacts founds the network
	restored, err := n.restoreSection()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptState, err)
	}
	if !restored && len(n.bootstrap) == 0 {
		if err := n.foundNetwork(); err != nil {
			return nil, err
		}
	}

	return n, nil
}

// Name returns the node's name.
func (n *Node) Name() safe.XorName {
	return n.identity.Name()
}

// Address returns the transport listen address.
func (n *Node) Address() string {
	return n.transport.Address()
}

// Run serves until the context is cancelled. A fresh node joins the
// network first; restarted and founding nodes serve immediately.
func (n *Node) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return n.transport.Serve(gctx)
	})
	g.Go(func() error {
		n.consumeMessages(gctx)
		return nil
	})
	g.Go(func() error {
		n.reportStorageLevels(gctx)
		return nil
	})

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-n.relocated:
			return ErrRelocated
		}
	})

	if !n.isMember() {
		g.Go(func() error {
			return n.joinNetwork(gctx)
		})
	}

	err := g.Wait()

	n.dkg.Shutdown()
	if rep := n.replicationEngine(); rep != nil {
		rep.Stop()
	}
	n.transport.Close()
	if n.chainLog != nil {
		_ = n.chainLog.Close()
	}
	_ = n.wal.Close()
	_ = n.db.Close()
	return err
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// sectionStateFile is the persisted section view, relative to the node
// root directory. The share key lives next to it.
const (
	sectionStateFile = "section/state.cbor"
	shareKeyFile     = "section/share.key"
)

// sectionState is the on-disk form of the node's section view: our signed
// SAP with a chain proof from genesis, plus our index in the elder key set
// when we hold a share.
type sectionState struct {
	SAP        safe.SignedSAP
	Proof      []safe.ChainLink
	ShareIndex int
	HasShare   bool
}

// persistSection writes the current section view and share to disk so a
// restart resumes without rejoining.
func (n *Node) persistSection(state sectionState, share crypto.PrivateKey) error {
	path := filepath.Join(n.cfg.RootDir, sectionStateFile)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("could not create section dir: %w", err)
	}
	data, err := cbor.Marshal(&state)
	if err != nil {
		return fmt.Errorf("could not encode section state: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("could not write section state: %w", err)
	}
	if share != nil {
		sharePath := filepath.Join(n.cfg.RootDir, shareKeyFile)
		if err := os.WriteFile(sharePath, share.Encode(), 0600); err != nil {
			return fmt.Errorf("could not write share key: %w", err)
		}
	}
	return nil
}

// restoreSection resumes a persisted section view. It returns false when no
// state exists, which means the node never joined.
func (n *Node) restoreSection() (bool, error) {
	path := filepath.Join(n.cfg.RootDir, sectionStateFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("could not read section state: %w", err)
	}
	var state sectionState
	if err := cbor.Unmarshal(data, &state); err != nil {
		return false, fmt.Errorf("could not decode section state: %w", err)
	}

	var share crypto.PrivateKey
	if state.HasShare {
		raw, err := os.ReadFile(filepath.Join(n.cfg.RootDir, shareKeyFile))
		if err != nil {
			return false, fmt.Errorf("could not read share key: %w", err)
		}
		share, err = crypto.DecodePrivateKey(crypto.BLSBLS12381, raw)
		if err != nil {
			return false, fmt.Errorf("could not decode share key: %w", err)
		}
	}

	if err := n.installSection(state, share); err != nil {
		return false, err
	}
	n.log.Info().
		Str("prefix", state.SAP.SAP.Prefix.String()).
		Uint64("generation", state.SAP.SAP.Generation).
		Msg("section state restored")
	return true, nil
}

// foundNetwork initialises the genesis section with this node as its only
// member and elder. The freshly sampled section key is the chain genesis.
func (n *Node) foundNetwork() error {
	seed := make([]byte, crypto.KeyGenSeedMinLen)
	if _, err := rand.Read(seed); err != nil {
		return fmt.Errorf("could not sample key seed: %w", err)
	}
	priv, err := crypto.GeneratePrivateKey(crypto.BLSBLS12381, seed)
	if err != nil {
		return fmt.Errorf("could not generate genesis key: %w", err)
	}
	sectionKey := safe.BLSPublicKey{PublicKey: priv.PublicKey()}

	self := safe.Peer{Name: n.identity.Name(), Addr: n.cfg.Addr}
	sap := safe.SectionAuthorityProvider{
		Prefix:     safe.EmptyPrefix(),
		Generation: 0,
		Elders:     []safe.Peer{self},
		SectionKey: sectionKey,
		ElderKeys:  []safe.BLSPublicKey{sectionKey},
	}
	digest, err := sap.SigningDigest()
	if err != nil {
		return err
	}
	sig, err := priv.Sign(digest[:], safe.NewSigningHasher())
	if err != nil {
		return fmt.Errorf("could not sign genesis authority: %w", err)
	}
	signed := safe.SignedSAP{SAP: sap, Sig: sig}

	state := sectionState{
		SAP:        signed,
		Proof:      []safe.ChainLink{{Key: sectionKey}},
		ShareIndex: 0,
		HasShare:   true,
	}
	if err := n.persistSection(state, priv); err != nil {
		return err
	}
	if err := n.installSection(state, priv); err != nil {
		return err
	}
	n.log.Info().Msg("network founded, genesis section established")
	return nil
}

// installSection brings the section components up from a section view:
// chain and routing table from the proof, membership from the write-ahead
// log, then the elder engines. Called once at startup or on join approval.
func (n *Node) installSection(state sectionState, share crypto.PrivateKey) error {
	tree, err := sections.NewTreeFromProof(state.SAP, state.Proof)
	if err != nil {
		return fmt.Errorf("could not build routing table: %w", err)
	}
	chain := tree.Chain()

	chainLog, err := sections.OpenChainLog(n.cfg.RootDir, chain)
	if err != nil {
		return fmt.Errorf("could not open chain log: %w", err)
	}

	record := membership.NewRecord(n.log, state.SAP.SAP.Prefix, n.cfg.ElderCount, n.wal)
	if err := n.wal.Recover(record); err != nil {
		return fmt.Errorf("could not recover membership: %w", err)
	}
	if len(record.Joined()) == 0 {
		// fresh record: seed it with the elders we learned the section
		// from, and ourselves
		for _, elder := range state.SAP.SAP.Elders {
			if _, err := record.Apply(membership.Change{Kind: membership.ChangeJoin, Peer: elder}); err != nil {
				return fmt.Errorf("could not seed membership: %w", err)
			}
		}
		if !record.IsJoined(n.identity.Name()) {
			self := safe.Peer{Name: n.identity.Name(), Addr: n.cfg.Addr}
			if _, err := record.Apply(membership.Change{Kind: membership.ChangeJoin, Peer: self}); err != nil {
				return fmt.Errorf("could not seed own membership: %w", err)
			}
		}
	}

	aggregator, err := agreement.NewAggregator(n.log, state.SAP.SAP, n.onAgreed)
	if err != nil {
		return err
	}

	registry := holders.NewRegistry(n.log, n.cfg.ReplicationFactor)
	registry.SetAdults(record.Adults())

	repCfg := replication.Config{
		ReplicationFactor:  n.cfg.ReplicationFactor,
		WriteTimeout:       n.cfg.WriteTimeout,
		ReadTimeout:        n.cfg.ReadTimeout,
		RepairTimeout:      n.cfg.RepairTimeout,
		MaxInFlightRepairs: n.cfg.MaxInFlightRepairs,
		FullRatioThreshold: n.cfg.FullRatioThreshold,
	}
	replicator := replication.New(n.log, repCfg, registry, n, n.metrics)
	replicator.OnSectionFull = n.proposeJoinsDisallowed

	dispatcher := client.NewDispatcher(n.log, replicator, n.registers, n.owners,
		client.AcceptAllPayments, n.metrics)

	n.mu.Lock()
	n.chain = chain
	n.chainLog = chainLog
	n.tree = tree
	n.ae = antientropy.NewHandler(n.log, tree, n.metrics)
	n.record = record
	n.sap = state.SAP
	n.aggregator = aggregator
	n.registry = registry
	n.replicator = replicator
	n.dispatcher = dispatcher
	if share != nil {
		n.signer = agreement.NewSigner(state.ShareIndex, share)
	}
	n.mu.Unlock()

	n.holder = replication.NewHolder(n.log, n.identity.Name(), n.chunkStore, n)

	record.Subscribe(n.onMembershipDelta)
	n.joinedOnce.Do(func() { close(n.joined) })
	return nil
}

// isMember reports whether the node has section state installed.
func (n *Node) isMember() bool {
	select {
	case <-n.joined:
		return true
	default:
		return false
	}
}

// isElder reports whether our name is in the current section authority.
func (n *Node) isElder() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.tree == nil {
		return false
	}
	return n.sap.SAP.ContainsElder(n.identity.Name())
}

// currentSAP returns our own section's authority.
func (n *Node) currentSAP() (safe.SectionAuthorityProvider, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.tree == nil {
		return safe.SectionAuthorityProvider{}, safe.NewError(safe.KindInvalidState, "not a section member yet")
	}
	return n.sap.SAP, nil
}

func (n *Node) sectionTree() *sections.Tree {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.tree
}

func (n *Node) membershipRecord() *membership.Record {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.record
}

func (n *Node) replicationEngine() *replication.Engine {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.replicator
}

func (n *Node) aeHandler() *antientropy.Handler {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.ae
}

// onChunkStoreEvent feeds chunk store activity into metrics and keeps the
// elders informed about our fill level.
func (n *Node) onChunkStoreEvent(event chunks.Event) {
	n.metrics.ChunkStoreUsed(n.chunkStore.Used())
	if n.holder != nil {
		n.holder.OnStoreEvent(event)
	}
}

// reportStorageLevels periodically tells the elders how full our chunk
// store is.
func (n *Node) reportStorageLevels(ctx context.Context) {
	ticker := time.NewTicker(storageReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n.holder == nil {
				continue
			}
			if err := n.holder.ReportStorageLevel(); err != nil {
				n.log.Warn().Err(err).Msg("could not report storage level")
			}
		}
	}
}

// onFaultyPeer reacts to a peer crossing the fault threshold: an elder
// proposes removing it from the section.
func (n *Node) onFaultyPeer(name safe.XorName) {
	if !n.isElder() {
		return
	}
	record := n.membershipRecord()
	if record == nil || !record.IsJoined(name) {
		return
	}
	n.log.Info().Str("peer", name.String()).Msg("peer crossed fault threshold, proposing removal")
	n.proposeChange(membership.Change{Kind: membership.ChangeLeave, Name: name})
}
