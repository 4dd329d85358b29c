package messages

import (
	"crypto/ed25519"

	"github.com/maidsafe/sn-node/model/safe"
)

// ClientRead asks for the value of a chunk. For private chunks the
// signature over the address bytes must verify under the chunk owner's key.
type ClientRead struct {
	Address   safe.ChunkAddress
	Requester ed25519.PublicKey
	Sig       []byte
}

// ClientWrite stores a chunk. The signature covers the chunk value and is
// checked against the requester key; Payment is opaque evidence consumed by
// the configured payment predicate.
type ClientWrite struct {
	Chunk     safe.Chunk
	Requester ed25519.PublicKey
	Sig       []byte
	Payment   []byte
}

// ClientDelete removes a private chunk. Only the owner may delete.
type ClientDelete struct {
	Address   safe.ChunkAddress
	Requester ed25519.PublicKey
	Sig       []byte
}

// ClientRegisterOp appends one signed operation to a register's log.
// Register mechanics beyond the log are handled above this layer; here the
// op is opaque bytes replicated like chunk data.
type ClientRegisterOp struct {
	Register  safe.XorName
	Op        []byte
	Requester ed25519.PublicKey
	Sig       []byte
}

// ClientResponse closes one client request, echoing its correlation id
// (the request's message id). A zero ErrKind means success.
type ClientResponse struct {
	CorrelationID [32]byte
	Address       safe.ChunkAddress
	Value         []byte
	ErrKind       safe.ErrorKind
	ErrMsg        string
}

// OK reports whether the response is a success.
func (r *ClientResponse) OK() bool {
	return r.ErrKind == 0
}

// Err converts an error response back into the error taxonomy; it returns
// nil for success responses.
func (r *ClientResponse) Err() error {
	if r.ErrKind == 0 {
		return nil
	}
	return safe.NewError(r.ErrKind, "%s", r.ErrMsg)
}
