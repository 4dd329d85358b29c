package chunks

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/maidsafe/sn-node/model/safe"
)

// DefaultHighWatermark is the used/capacity ratio at which the store emits
// a NearlyFull notification.
const DefaultHighWatermark = 0.9

// Event is a capacity notification from the store.
type Event uint8

const (
	// EventNearlyFull fires once when usage crosses the high watermark.
	EventNearlyFull Event = iota + 1
	// EventFull fires when a write is refused for capacity.
	EventFull
)

// NotifyFunc consumes capacity events. It is called outside the store's
// locks and must not call back into the store synchronously.
type NotifyFunc func(Event)

// Store is a content-addressed blob store on local disk with a byte
// capacity ceiling. Writes go through a temp-file, fsync, rename sequence
// so a crash never leaves a partial chunk visible; leftover temp files are
// deleted on open. Operations on the same address are serialized;
// different addresses proceed concurrently.
type Store struct {
	log       zerolog.Logger
	dir       string
	capacity  uint64
	watermark float64
	notify    NotifyFunc

	mu       sync.Mutex
	used     uint64
	inflight map[safe.ChunkAddress]*sync.Mutex
	warned   bool
}

// Open scans dir (creating it if needed), deletes temp files left by a
// crash and accounts the existing chunk files. notify may be nil.
func Open(log zerolog.Logger, dir string, capacity uint64, notify NotifyFunc) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("could not create chunk dir: %w", err)
	}

	s := &Store{
		log:       log.With().Str("component", "chunk_store").Logger(),
		dir:       dir,
		capacity:  capacity,
		watermark: DefaultHighWatermark,
		notify:    notify,
		inflight:  make(map[safe.ChunkAddress]*sync.Mutex),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("could not scan chunk dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasSuffix(name, ".tmp") {
			if err := os.Remove(filepath.Join(dir, name)); err != nil {
				return nil, fmt.Errorf("could not remove partial chunk %s: %w", name, err)
			}
			continue
		}
		if !strings.HasSuffix(name, ".bin") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, fmt.Errorf("could not stat chunk %s: %w", name, err)
		}
		s.used += uint64(info.Size())
	}
	return s, nil
}

func (s *Store) path(address safe.ChunkAddress) string {
	return filepath.Join(s.dir, address.Hex()+".bin")
}

// lockAddress serializes operations per address.
func (s *Store) lockAddress(address safe.ChunkAddress) func() {
	s.mu.Lock()
	l, ok := s.inflight[address]
	if !ok {
		l = &sync.Mutex{}
		s.inflight[address] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Put stores a chunk. Re-putting an existing address fails with DataExists
// and leaves accounting untouched; a write over capacity fails with
// NotEnoughSpace and creates no file.
func (s *Store) Put(chunk *safe.Chunk) error {
	if chunk.Size() > safe.MaxChunkSize {
		return safe.NewError(safe.KindTooLarge, "chunk of %d bytes exceeds limit", chunk.Size())
	}

	address := chunk.Address()
	unlock := s.lockAddress(address)
	defer unlock()

	path := s.path(address)
	if _, err := os.Stat(path); err == nil {
		return safe.NewError(safe.KindDataExists, "chunk %s already stored", address)
	}

	s.mu.Lock()
	if s.used+chunk.Size() > s.capacity {
		s.mu.Unlock()
		s.emit(EventFull)
		return safe.NewError(safe.KindNotEnoughSpace, "store full (%d of %d bytes used)", s.used, s.capacity)
	}
	s.mu.Unlock()

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("could not create chunk temp file: %w", err)
	}
	if _, err := f.Write(chunk.Value); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("could not write chunk: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("could not sync chunk: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("could not close chunk: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("could not publish chunk: %w", err)
	}

	s.mu.Lock()
	s.used += chunk.Size()
	ratio := float64(s.used) / float64(s.capacity)
	warn := ratio >= s.watermark && !s.warned
	if warn {
		s.warned = true
	}
	s.mu.Unlock()

	if warn {
		s.emit(EventNearlyFull)
	}
	return nil
}

// Get returns the chunk bytes for an address. A stored file whose content
// no longer hashes to its name is local-state corruption and refuses
// service.
func (s *Store) Get(address safe.ChunkAddress) ([]byte, error) {
	unlock := s.lockAddress(address)
	defer unlock()

	value, err := os.ReadFile(s.path(address))
	if os.IsNotExist(err) {
		return nil, safe.NewError(safe.KindNotFound, "chunk %s not stored", address)
	}
	if err != nil {
		return nil, fmt.Errorf("could not read chunk: %w", err)
	}
	if safe.NamedHash(value) != address {
		return nil, safe.NewError(safe.KindInvalidState, "chunk %s failed content verification", address)
	}
	return value, nil
}

// Has reports whether the address is stored.
func (s *Store) Has(address safe.ChunkAddress) bool {
	_, err := os.Stat(s.path(address))
	return err == nil
}

// Delete removes a chunk.
func (s *Store) Delete(address safe.ChunkAddress) error {
	unlock := s.lockAddress(address)
	defer unlock()

	path := s.path(address)
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return safe.NewError(safe.KindNotFound, "chunk %s not stored", address)
	}
	if err != nil {
		return fmt.Errorf("could not stat chunk: %w", err)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("could not remove chunk: %w", err)
	}

	s.mu.Lock()
	s.used -= uint64(info.Size())
	if float64(s.used)/float64(s.capacity) < s.watermark {
		s.warned = false
	}
	s.mu.Unlock()
	return nil
}

// Addresses lists every stored chunk address.
func (s *Store) Addresses() ([]safe.ChunkAddress, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("could not scan chunk dir: %w", err)
	}
	var out []safe.ChunkAddress
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".bin") {
			continue
		}
		address, err := safe.ParseName(strings.TrimSuffix(name, ".bin"))
		if err != nil {
			continue
		}
		out = append(out, address)
	}
	return out, nil
}

// Used returns the accounted byte usage.
func (s *Store) Used() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}

// CapacityRatio returns used/capacity.
func (s *Store) CapacityRatio() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return float64(s.used) / float64(s.capacity)
}

func (s *Store) emit(event Event) {
	if s.notify != nil {
		s.notify(event)
	}
}
