package safe

import (
	"crypto/ed25519"
)

// MaxChunkSize is the maximum serialized size of a chunk value (1 MiB).
const MaxChunkSize = 1 << 20

// ChunkAddress is the content address of a chunk: the SHA3-256 digest of
// its value.
type ChunkAddress = XorName

// Chunk is an immutable content-addressed blob. A nil Owner marks a public
// chunk readable by anyone; a private chunk carries its owner's public key
// and reads and deletes require an owner signature.
type Chunk struct {
	Value []byte
	Owner ed25519.PublicKey
}

// Address returns the chunk's content address.
func (c *Chunk) Address() ChunkAddress {
	return NamedHash(c.Value)
}

// IsPrivate reports whether the chunk carries an owner.
func (c *Chunk) IsPrivate() bool {
	return len(c.Owner) > 0
}

// Size returns the byte size of the chunk value.
func (c *Chunk) Size() uint64 {
	return uint64(len(c.Value))
}
