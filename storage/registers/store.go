package registers

import (
	"encoding/binary"
	"fmt"

	"github.com/dgraph-io/badger/v2"
	"github.com/rs/zerolog"

	"github.com/maidsafe/sn-node/model/safe"
)

// Store persists register operation logs. Registers are log-structured:
// each signed client op is appended under a monotonically increasing
// index, and replication ships whole logs the same way it ships chunks.
type Store struct {
	log    zerolog.Logger
	db     *badger.DB
	ownsDB bool
}

// key layout: 'o' | register | index  for ops, 'n' | register for the next
// index counter.
func opKey(register safe.XorName, index uint64) []byte {
	key := make([]byte, 1+safe.NameLen+8)
	key[0] = 'o'
	copy(key[1:], register[:])
	binary.BigEndian.PutUint64(key[1+safe.NameLen:], index)
	return key
}

func counterKey(register safe.XorName) []byte {
	key := make([]byte, 1+safe.NameLen)
	key[0] = 'n'
	copy(key[1:], register[:])
	return key
}

// NewStore wraps an already open section database; the caller keeps
// ownership of the database handle.
func NewStore(log zerolog.Logger, db *badger.DB) *Store {
	return &Store{
		log: log.With().Str("component", "register_store").Logger(),
		db:  db,
	}
}

// Open opens (or creates) a dedicated register database under dir.
func Open(log zerolog.Logger, dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("could not open register store: %w", err)
	}
	store := NewStore(log, db)
	store.ownsDB = true
	return store, nil
}

// Append adds one op to a register's log and returns its index.
func (s *Store) Append(register safe.XorName, op []byte) (uint64, error) {
	var index uint64
	err := s.db.Update(func(txn *badger.Txn) error {
		index = 0
		item, err := txn.Get(counterKey(register))
		if err == nil {
			err = item.Value(func(val []byte) error {
				index = binary.BigEndian.Uint64(val)
				return nil
			})
			if err != nil {
				return err
			}
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		if err := txn.Set(opKey(register, index), op); err != nil {
			return err
		}
		var next [8]byte
		binary.BigEndian.PutUint64(next[:], index+1)
		return txn.Set(counterKey(register), next[:])
	})
	if err != nil {
		return 0, fmt.Errorf("could not append register op: %w", err)
	}
	return index, nil
}

// Ops returns a register's full op log in append order. An unknown
// register yields NotFound.
func (s *Store) Ops(register safe.XorName) ([][]byte, error) {
	var ops [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := opKey(register, 0)[:1+safe.NameLen]
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			ops = append(ops, val)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("could not read register ops: %w", err)
	}
	if len(ops) == 0 {
		return nil, safe.NewError(safe.KindNotFound, "register %s has no ops", register)
	}
	return ops, nil
}

// Registers lists the register names with at least one op.
func (s *Store) Registers() ([]safe.XorName, error) {
	var out []safe.XorName
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte{'n'}
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().Key()
			var name safe.XorName
			copy(name[:], key[1:])
			out = append(out, name)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("could not list registers: %w", err)
	}
	return out, nil
}

// Close releases the database if this store opened it.
func (s *Store) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}
