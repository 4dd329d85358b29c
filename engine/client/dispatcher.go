package client

import (
	"crypto/ed25519"
	"encoding/binary"

	"github.com/rs/zerolog"

	"github.com/maidsafe/sn-node/model/messages"
	"github.com/maidsafe/sn-node/model/safe"
	"github.com/maidsafe/sn-node/storage/owners"
	"github.com/maidsafe/sn-node/storage/registers"
)

// Replicator is the slice of the replication engine the dispatcher drives.
type Replicator interface {
	Write(chunk safe.Chunk, done func(err error))
	Read(address safe.ChunkAddress, done func(value []byte, err error))
	Delete(address safe.ChunkAddress)
}

// Responder delivers the response for one client request; the node wiring
// routes it back over the requester's connection.
type Responder func(resp *messages.ClientResponse)

// PaymentCheck validates the payment evidence attached to a write. The
// default accepts everything; deployments plug their token logic in here.
type PaymentCheck func(chunk *safe.Chunk, payment []byte) error

// AcceptAllPayments is the default payment predicate.
func AcceptAllPayments(*safe.Chunk, []byte) error { return nil }

// Metrics is the subset of node metrics the dispatcher reports to.
type Metrics interface {
	InvalidSignature()
}

// Dispatcher validates signed client requests on an elder and routes them:
// reads to the closest holder, writes to the holder quorum, register ops to
// the section's op-log store.
type Dispatcher struct {
	log        zerolog.Logger
	replicator Replicator
	registers  *registers.Store
	owners     *owners.Store
	payment    PaymentCheck
	metrics    Metrics
}

func NewDispatcher(
	log zerolog.Logger,
	replicator Replicator,
	registerStore *registers.Store,
	ownerStore *owners.Store,
	payment PaymentCheck,
	metrics Metrics,
) *Dispatcher {
	if payment == nil {
		payment = AcceptAllPayments
	}
	return &Dispatcher{
		log:        log.With().Str("component", "client_dispatcher").Logger(),
		replicator: replicator,
		registers:  registerStore,
		owners:     ownerStore,
		payment:    payment,
		metrics:    metrics,
	}
}

func failure(correlationID [32]byte, address safe.ChunkAddress, err error) *messages.ClientResponse {
	kind := safe.KindOf(err)
	if kind == 0 {
		kind = safe.KindInvalidState
	}
	return &messages.ClientResponse{
		CorrelationID: correlationID,
		Address:       address,
		ErrKind:       kind,
		ErrMsg:        err.Error(),
	}
}

func success(correlationID [32]byte, address safe.ChunkAddress, value []byte) *messages.ClientResponse {
	return &messages.ClientResponse{
		CorrelationID: correlationID,
		Address:       address,
		Value:         value,
	}
}

func (d *Dispatcher) verify(pub ed25519.PublicKey, msg, sig []byte) error {
	if len(pub) != ed25519.PublicKeySize || !ed25519.Verify(pub, msg, sig) {
		d.metrics.InvalidSignature()
		return safe.NewError(safe.KindInvalidSignature, "client signature check failed")
	}
	return nil
}

// HandleWrite runs the elder write path: signature, size and payment
// checks, the owner record for private chunks, then placement on R
// holders. The responder fires exactly once.
func (d *Dispatcher) HandleWrite(correlationID [32]byte, msg *messages.ClientWrite, respond Responder) {
	address := msg.Chunk.Address()

	if err := d.verify(msg.Requester, msg.Chunk.Value, msg.Sig); err != nil {
		respond(failure(correlationID, address, err))
		return
	}
	if msg.Chunk.Size() > safe.MaxChunkSize {
		respond(failure(correlationID, address,
			safe.NewError(safe.KindTooLarge, "chunk of %d bytes exceeds limit", msg.Chunk.Size())))
		return
	}
	if msg.Chunk.IsPrivate() && !msg.Chunk.Owner.Equal(msg.Requester) {
		respond(failure(correlationID, address,
			safe.NewError(safe.KindAccessDenied, "private chunk owner must be the requester")))
		return
	}
	if err := d.payment(&msg.Chunk, msg.Payment); err != nil {
		respond(failure(correlationID, address,
			safe.WrapError(safe.KindAccessDenied, err, "payment check failed")))
		return
	}
	if msg.Chunk.IsPrivate() {
		if err := d.owners.Set(address, msg.Chunk.Owner); err != nil {
			respond(failure(correlationID, address, err))
			return
		}
	}

	d.replicator.Write(msg.Chunk, func(err error) {
		if err != nil {
			respond(failure(correlationID, address, err))
			return
		}
		respond(success(correlationID, address, nil))
	})
}

// HandleRead runs the elder read path. Private chunks require the owner's
// signature; public chunks are readable by anyone, signature included.
func (d *Dispatcher) HandleRead(correlationID [32]byte, msg *messages.ClientRead, respond Responder) {
	if err := d.verify(msg.Requester, msg.Address[:], msg.Sig); err != nil {
		respond(failure(correlationID, msg.Address, err))
		return
	}

	owner, err := d.owners.Get(msg.Address)
	if err == nil && !owner.Equal(msg.Requester) {
		respond(failure(correlationID, msg.Address,
			safe.NewError(safe.KindAccessDenied, "chunk %s is private", msg.Address)))
		return
	}
	if err != nil && safe.KindOf(err) != safe.KindNotFound {
		respond(failure(correlationID, msg.Address, err))
		return
	}

	d.replicator.Read(msg.Address, func(value []byte, err error) {
		if err != nil {
			respond(failure(correlationID, msg.Address, err))
			return
		}
		respond(success(correlationID, msg.Address, value))
	})
}

// HandleDelete removes a private chunk. Public chunks are immutable and
// cannot be deleted by anyone.
func (d *Dispatcher) HandleDelete(correlationID [32]byte, msg *messages.ClientDelete, respond Responder) {
	if err := d.verify(msg.Requester, msg.Address[:], msg.Sig); err != nil {
		respond(failure(correlationID, msg.Address, err))
		return
	}

	owner, err := d.owners.Get(msg.Address)
	if err != nil {
		if safe.KindOf(err) == safe.KindNotFound {
			err = safe.NewError(safe.KindAccessDenied, "chunk %s has no owner record", msg.Address)
		}
		respond(failure(correlationID, msg.Address, err))
		return
	}
	if !owner.Equal(msg.Requester) {
		respond(failure(correlationID, msg.Address,
			safe.NewError(safe.KindAccessDenied, "requester does not own chunk %s", msg.Address)))
		return
	}

	d.replicator.Delete(msg.Address)
	if err := d.owners.Remove(msg.Address); err != nil {
		respond(failure(correlationID, msg.Address, err))
		return
	}
	respond(success(correlationID, msg.Address, nil))
}

// HandleRegisterOp appends one signed op to a register's log. The op bytes
// are opaque here; register semantics live with the client.
func (d *Dispatcher) HandleRegisterOp(correlationID [32]byte, msg *messages.ClientRegisterOp, respond Responder) {
	signed := make([]byte, 0, len(msg.Register)+len(msg.Op))
	signed = append(signed, msg.Register[:]...)
	signed = append(signed, msg.Op...)
	if err := d.verify(msg.Requester, signed, msg.Sig); err != nil {
		respond(failure(correlationID, msg.Register, err))
		return
	}

	index, err := d.registers.Append(msg.Register, msg.Op)
	if err != nil {
		respond(failure(correlationID, msg.Register, err))
		return
	}

	value := make([]byte, 8)
	binary.BigEndian.PutUint64(value, index)
	respond(success(correlationID, msg.Register, value))
}
