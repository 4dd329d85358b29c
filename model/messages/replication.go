package messages

import (
	"github.com/maidsafe/sn-node/model/safe"
)

// StoreChunk instructs an adult to hold a chunk. Sent by an elder on the
// write path, or by a repair source pushing to a new target.
type StoreChunk struct {
	Chunk safe.Chunk
}

// ChunkStored confirms that the sending adult now holds the address.
type ChunkStored struct {
	Address safe.ChunkAddress
	Holder  safe.XorName
}

// StoreFailed reports that an adult could not hold the chunk. Full is set
// when the failure was a capacity refusal, which marks the adult full in
// the holder registry.
type StoreFailed struct {
	Address safe.ChunkAddress
	Holder  safe.XorName
	Full    bool
	ErrKind safe.ErrorKind
}

// FetchChunk asks a holder for chunk bytes. Elders send it on the read
// path; repair targets send it to their assigned source.
type FetchChunk struct {
	Address safe.ChunkAddress
}

// ChunkRetrieved answers FetchChunk with the chunk bytes.
type ChunkRetrieved struct {
	Address safe.ChunkAddress
	Value   []byte
	ErrKind safe.ErrorKind
}

// Replicate instructs an adult to fetch a chunk from an existing holder and
// store it, closing an under-replication gap.
type Replicate struct {
	Address safe.ChunkAddress
	Source  safe.Peer
}

// StorageLevel is an adult's periodic report of how full its chunk store
// is, in tenths of capacity. A report of 10 marks the adult full.
type StorageLevel struct {
	Holder safe.XorName
	Level  uint8
}

// DeleteChunk instructs a holder to drop a private chunk after an agreed
// client delete, or a chunk that moved out of the section prefix on split.
type DeleteChunk struct {
	Address safe.ChunkAddress
}
