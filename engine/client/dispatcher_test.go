package client

import (
	"crypto/ed25519"
	"encoding/binary"
	"testing"

	"github.com/dgraph-io/badger/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maidsafe/sn-node/model/messages"
	"github.com/maidsafe/sn-node/model/safe"
	"github.com/maidsafe/sn-node/module/metrics"
	"github.com/maidsafe/sn-node/storage/owners"
	"github.com/maidsafe/sn-node/storage/registers"
	"github.com/maidsafe/sn-node/utils/unittest"
)

// fakeReplicator answers write/read/delete calls from canned state.
type fakeReplicator struct {
	chunks  map[safe.ChunkAddress][]byte
	writes  int
	deletes []safe.ChunkAddress
	// writeErr, when set, fails every write
	writeErr error
}

func newFakeReplicator() *fakeReplicator {
	return &fakeReplicator{chunks: make(map[safe.ChunkAddress][]byte)}
}

func (r *fakeReplicator) Write(chunk safe.Chunk, done func(err error)) {
	r.writes++
	if r.writeErr != nil {
		done(r.writeErr)
		return
	}
	r.chunks[chunk.Address()] = chunk.Value
	done(nil)
}

func (r *fakeReplicator) Read(address safe.ChunkAddress, done func(value []byte, err error)) {
	value, ok := r.chunks[address]
	if !ok {
		done(nil, safe.NewError(safe.KindNotFound, "no holder known for chunk %s", address))
		return
	}
	done(value, nil)
}

func (r *fakeReplicator) Delete(address safe.ChunkAddress) {
	delete(r.chunks, address)
	r.deletes = append(r.deletes, address)
}

type dispatcherFixture struct {
	dispatcher *Dispatcher
	replicator *fakeReplicator
}

func newDispatcherFixture(t *testing.T, payment PaymentCheck) *dispatcherFixture {
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	replicator := newFakeReplicator()
	dispatcher := NewDispatcher(
		unittest.Logger(),
		replicator,
		registers.NewStore(unittest.Logger(), db),
		owners.NewStore(unittest.Logger(), db),
		payment,
		metrics.NewNoopCollector(),
	)
	return &dispatcherFixture{dispatcher: dispatcher, replicator: replicator}
}

func collect(t *testing.T) (Responder, func() *messages.ClientResponse) {
	ch := make(chan *messages.ClientResponse, 1)
	respond := func(resp *messages.ClientResponse) { ch <- resp }
	get := func() *messages.ClientResponse {
		select {
		case resp := <-ch:
			return resp
		default:
			t.Fatal("expected a response")
			return nil
		}
	}
	return respond, get
}

func signedWrite(t *testing.T, chunk *safe.Chunk) (*messages.ClientWrite, ed25519.PrivateKey) {
	pub, priv := unittest.ClientKeyFixture(t)
	return &messages.ClientWrite{
		Chunk:     *chunk,
		Requester: pub,
		Sig:       ed25519.Sign(priv, chunk.Value),
	}, priv
}

func TestWritePublicChunk(t *testing.T) {
	fix := newDispatcherFixture(t, nil)
	chunk := unittest.ChunkFixture(256)
	msg, _ := signedWrite(t, chunk)

	respond, get := collect(t)
	var correlationID [32]byte
	copy(correlationID[:], "write-1")
	fix.dispatcher.HandleWrite(correlationID, msg, respond)

	resp := get()
	require.True(t, resp.OK(), "unexpected error: %v", resp.Err())
	assert.Equal(t, correlationID, resp.CorrelationID)
	assert.Equal(t, chunk.Address(), resp.Address)
	assert.Equal(t, 1, fix.replicator.writes)
}

func TestWriteRejectsBadSignature(t *testing.T) {
	fix := newDispatcherFixture(t, nil)
	chunk := unittest.ChunkFixture(256)
	msg, _ := signedWrite(t, chunk)
	msg.Sig[0]++

	respond, get := collect(t)
	fix.dispatcher.HandleWrite([32]byte{}, msg, respond)

	resp := get()
	assert.Equal(t, safe.KindInvalidSignature, resp.ErrKind)
	assert.Zero(t, fix.replicator.writes)
}

func TestWriteRejectsOversizedChunk(t *testing.T) {
	fix := newDispatcherFixture(t, nil)
	chunk := unittest.ChunkFixture(safe.MaxChunkSize + 1)
	msg, _ := signedWrite(t, chunk)

	respond, get := collect(t)
	fix.dispatcher.HandleWrite([32]byte{}, msg, respond)

	assert.Equal(t, safe.KindTooLarge, get().ErrKind)
}

func TestWriteRejectsFailedPayment(t *testing.T) {
	fix := newDispatcherFixture(t, func(*safe.Chunk, []byte) error {
		return safe.NewError(safe.KindAccessDenied, "no funds")
	})
	chunk := unittest.ChunkFixture(256)
	msg, _ := signedWrite(t, chunk)

	respond, get := collect(t)
	fix.dispatcher.HandleWrite([32]byte{}, msg, respond)

	assert.Equal(t, safe.KindAccessDenied, get().ErrKind)
	assert.Zero(t, fix.replicator.writes)
}

func TestWritePrivateChunkRequiresOwnerRequester(t *testing.T) {
	fix := newDispatcherFixture(t, nil)
	stranger, _ := unittest.ClientKeyFixture(t)
	chunk := unittest.PrivateChunkFixture(256, stranger)
	msg, _ := signedWrite(t, chunk)

	respond, get := collect(t)
	fix.dispatcher.HandleWrite([32]byte{}, msg, respond)

	assert.Equal(t, safe.KindAccessDenied, get().ErrKind)
}

func TestPrivateChunkLifecycle(t *testing.T) {
	fix := newDispatcherFixture(t, nil)
	ownerPub, ownerPriv := unittest.ClientKeyFixture(t)
	chunk := unittest.PrivateChunkFixture(256, ownerPub)
	address := chunk.Address()

	write := &messages.ClientWrite{
		Chunk:     *chunk,
		Requester: ownerPub,
		Sig:       ed25519.Sign(ownerPriv, chunk.Value),
	}
	respond, get := collect(t)
	fix.dispatcher.HandleWrite([32]byte{}, write, respond)
	require.True(t, get().OK())

	// the owner reads it back
	respond, get = collect(t)
	fix.dispatcher.HandleRead([32]byte{}, &messages.ClientRead{
		Address:   address,
		Requester: ownerPub,
		Sig:       ed25519.Sign(ownerPriv, address[:]),
	}, respond)
	resp := get()
	require.True(t, resp.OK())
	assert.Equal(t, chunk.Value, resp.Value)

	// a stranger cannot
	strangerPub, strangerPriv := unittest.ClientKeyFixture(t)
	respond, get = collect(t)
	fix.dispatcher.HandleRead([32]byte{}, &messages.ClientRead{
		Address:   address,
		Requester: strangerPub,
		Sig:       ed25519.Sign(strangerPriv, address[:]),
	}, respond)
	assert.Equal(t, safe.KindAccessDenied, get().ErrKind)

	// nor delete
	respond, get = collect(t)
	fix.dispatcher.HandleDelete([32]byte{}, &messages.ClientDelete{
		Address:   address,
		Requester: strangerPub,
		Sig:       ed25519.Sign(strangerPriv, address[:]),
	}, respond)
	assert.Equal(t, safe.KindAccessDenied, get().ErrKind)

	// the owner deletes it
	respond, get = collect(t)
	fix.dispatcher.HandleDelete([32]byte{}, &messages.ClientDelete{
		Address:   address,
		Requester: ownerPub,
		Sig:       ed25519.Sign(ownerPriv, address[:]),
	}, respond)
	require.True(t, get().OK())
	assert.Equal(t, []safe.ChunkAddress{address}, fix.replicator.deletes)
}

func TestDeletePublicChunkDenied(t *testing.T) {
	fix := newDispatcherFixture(t, nil)
	chunk := unittest.ChunkFixture(256)
	msg, _ := signedWrite(t, chunk)

	respond, get := collect(t)
	fix.dispatcher.HandleWrite([32]byte{}, msg, respond)
	require.True(t, get().OK())

	pub, priv := unittest.ClientKeyFixture(t)
	address := chunk.Address()
	respond, get = collect(t)
	fix.dispatcher.HandleDelete([32]byte{}, &messages.ClientDelete{
		Address:   address,
		Requester: pub,
		Sig:       ed25519.Sign(priv, address[:]),
	}, respond)
	assert.Equal(t, safe.KindAccessDenied, get().ErrKind)
}

func TestReadMissingChunk(t *testing.T) {
	fix := newDispatcherFixture(t, nil)
	pub, priv := unittest.ClientKeyFixture(t)
	address := unittest.NameFixture()

	respond, get := collect(t)
	fix.dispatcher.HandleRead([32]byte{}, &messages.ClientRead{
		Address:   address,
		Requester: pub,
		Sig:       ed25519.Sign(priv, address[:]),
	}, respond)
	assert.Equal(t, safe.KindNotFound, get().ErrKind)
}

func TestWriteSurfacesInsufficientStorage(t *testing.T) {
	fix := newDispatcherFixture(t, nil)
	fix.replicator.writeErr = safe.NewError(safe.KindInsufficientStorage, "section out of space")
	chunk := unittest.ChunkFixture(256)
	msg, _ := signedWrite(t, chunk)

	respond, get := collect(t)
	fix.dispatcher.HandleWrite([32]byte{}, msg, respond)

	assert.Equal(t, safe.KindInsufficientStorage, get().ErrKind)
}

func TestRegisterOpAppend(t *testing.T) {
	fix := newDispatcherFixture(t, nil)
	pub, priv := unittest.ClientKeyFixture(t)
	register := unittest.NameFixture()

	for i := 0; i < 3; i++ {
		op := []byte{byte(i), 0xAA}
		signed := append(append([]byte{}, register[:]...), op...)
		respond, get := collect(t)
		fix.dispatcher.HandleRegisterOp([32]byte{}, &messages.ClientRegisterOp{
			Register:  register,
			Op:        op,
			Requester: pub,
			Sig:       ed25519.Sign(priv, signed),
		}, respond)
		resp := get()
		require.True(t, resp.OK())
		assert.Equal(t, uint64(i), binary.BigEndian.Uint64(resp.Value))
	}
}

func TestRegisterOpRejectsBadSignature(t *testing.T) {
	fix := newDispatcherFixture(t, nil)
	pub, _ := unittest.ClientKeyFixture(t)

	respond, get := collect(t)
	fix.dispatcher.HandleRegisterOp([32]byte{}, &messages.ClientRegisterOp{
		Register:  unittest.NameFixture(),
		Op:        []byte{1},
		Requester: pub,
		Sig:       []byte("not a signature"),
	}, respond)
	assert.Equal(t, safe.KindInvalidSignature, get().ErrKind)
}
