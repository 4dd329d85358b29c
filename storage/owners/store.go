package owners

import (
	"crypto/ed25519"
	"fmt"

	"github.com/dgraph-io/badger/v2"
	"github.com/rs/zerolog"

	"github.com/maidsafe/sn-node/model/safe"
)

// Store persists the owner public key of every private chunk accepted by
// the section. Public chunks have no record. Elders consult it to enforce
// owner-only reads and deletes; it shares the section database with the
// register store under its own key prefix.
type Store struct {
	log zerolog.Logger
	db  *badger.DB
}

// key layout: 'w' | chunk address → ed25519 owner public key.
func ownerKey(address safe.ChunkAddress) []byte {
	key := make([]byte, 1+safe.NameLen)
	key[0] = 'w'
	copy(key[1:], address[:])
	return key
}

func NewStore(log zerolog.Logger, db *badger.DB) *Store {
	return &Store{
		log: log.With().Str("component", "owner_store").Logger(),
		db:  db,
	}
}

// Set records the owner of a private chunk. Setting the same owner again
// is a no-op; setting a different owner for a stored address fails with
// DataExists, content addresses never change hands.
func (s *Store) Set(address safe.ChunkAddress, owner ed25519.PublicKey) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(ownerKey(address))
		if err == nil {
			return item.Value(func(val []byte) error {
				if !ed25519.PublicKey(val).Equal(owner) {
					return safe.NewError(safe.KindDataExists,
						"chunk %s already has a different owner", address)
				}
				return nil
			})
		}
		if err != badger.ErrKeyNotFound {
			return err
		}
		return txn.Set(ownerKey(address), owner)
	})
	if err != nil {
		if safe.KindOf(err) == safe.KindDataExists {
			return err
		}
		return fmt.Errorf("could not record chunk owner: %w", err)
	}
	return nil
}

// Get returns the owner of a private chunk, or NotFound for addresses with
// no owner record.
func (s *Store) Get(address safe.ChunkAddress) (ed25519.PublicKey, error) {
	var owner ed25519.PublicKey
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(ownerKey(address))
		if err == badger.ErrKeyNotFound {
			return safe.NewError(safe.KindNotFound, "no owner recorded for chunk %s", address)
		}
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		owner = ed25519.PublicKey(val)
		return nil
	})
	if err != nil {
		if safe.KindOf(err) == safe.KindNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("could not read chunk owner: %w", err)
	}
	return owner, nil
}

// Remove drops the owner record after an agreed delete.
func (s *Store) Remove(address safe.ChunkAddress) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(ownerKey(address))
	})
	if err != nil {
		return fmt.Errorf("could not remove chunk owner: %w", err)
	}
	return nil
}
