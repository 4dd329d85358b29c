package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/maidsafe/sn-node/model/safe"
	"github.com/maidsafe/sn-node/network"
	"github.com/maidsafe/sn-node/network/codec/cbor"
)

// dialTimeout bounds connection establishment to a peer.
const dialTimeout = 5 * time.Second

// Handler consumes one inbound envelope. The origin is the remote transport
// address the envelope arrived from.
type Handler func(origin string, env *network.Envelope)

// Transport frames envelopes over TCP. Each frame is a u32 big-endian
// length followed by the CBOR envelope, capped at MaxFrameSize. Outbound
// connections are cached per address and serialized per connection.
type Transport struct {
	log      zerolog.Logger
	codec    *cbor.Codec
	handler  Handler
	listener net.Listener

	mu    sync.Mutex
	conns map[string]*outConn

	stopped atomic.Bool
}

type outConn struct {
	mu   sync.Mutex
	conn net.Conn
}

// New creates a transport listening on listenAddr. It returns an error if
// the listener cannot be bound; callers treat that as a startup failure.
func New(log zerolog.Logger, listenAddr string, handler Handler) (*Transport, error) {
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("could not bind transport listener on %s: %w", listenAddr, err)
	}

	t := &Transport{
		log:      log.With().Str("component", "transport").Logger(),
		codec:    cbor.NewCodec(),
		handler:  handler,
		listener: listener,
		conns:    make(map[string]*outConn),
	}
	return t, nil
}

// Address returns the bound listen address.
func (t *Transport) Address() string {
	return t.listener.Addr().String()
}

// Serve accepts inbound connections until the context is cancelled.
func (t *Transport) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		t.Close()
	}()

	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if t.stopped.Load() {
				return nil
			}
			return fmt.Errorf("could not accept connection: %w", err)
		}
		// track the inbound connection so replies to its origin reuse it
		// instead of dialing the remote's ephemeral port
		t.mu.Lock()
		if _, ok := t.conns[conn.RemoteAddr().String()]; !ok {
			t.conns[conn.RemoteAddr().String()] = &outConn{conn: conn}
		}
		t.mu.Unlock()
		go t.readLoop(conn)
	}
}

// Close shuts the listener and all cached outbound connections.
func (t *Transport) Close() {
	if !t.stopped.CompareAndSwap(false, true) {
		return
	}
	_ = t.listener.Close()

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, oc := range t.conns {
		_ = oc.conn.Close()
	}
	t.conns = make(map[string]*outConn)
}

// Send frames one envelope to the given address, dialing if needed. Send
// failures surface as TransportFailure so callers can substitute peers.
func (t *Transport) Send(ctx context.Context, addr string, env *network.Envelope) error {
	data, err := t.codec.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	if len(data) > network.MaxFrameSize {
		return safe.NewError(safe.KindTooLarge, "frame of %d bytes exceeds limit", len(data))
	}

	oc, err := t.connTo(ctx, addr)
	if err != nil {
		return safe.WrapError(safe.KindTransportFailure, err, "could not connect to %s", addr)
	}

	oc.mu.Lock()
	defer oc.mu.Unlock()

	var frame [4]byte
	binary.BigEndian.PutUint32(frame[:], uint32(len(data)))
	if _, err := oc.conn.Write(frame[:]); err != nil {
		t.dropConn(addr)
		return safe.WrapError(safe.KindTransportFailure, err, "could not write frame header to %s", addr)
	}
	if _, err := oc.conn.Write(data); err != nil {
		t.dropConn(addr)
		return safe.WrapError(safe.KindTransportFailure, err, "could not write frame to %s", addr)
	}
	return nil
}

func (t *Transport) connTo(ctx context.Context, addr string) (*outConn, error) {
	t.mu.Lock()
	oc, ok := t.conns[addr]
	t.mu.Unlock()
	if ok {
		return oc, nil
	}

	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.conns[addr]; ok {
		_ = conn.Close()
		return existing, nil
	}
	oc = &outConn{conn: conn}
	t.conns[addr] = oc

	// replies can arrive on the connection we dialed
	go t.readLoop(conn)

	return oc, nil
}

func (t *Transport) dropConn(addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if oc, ok := t.conns[addr]; ok {
		_ = oc.conn.Close()
		delete(t.conns, addr)
	}
}

func (t *Transport) readLoop(conn net.Conn) {
	origin := conn.RemoteAddr().String()
	defer func() {
		_ = conn.Close()
		t.mu.Lock()
		if oc, ok := t.conns[origin]; ok && oc.conn == conn {
			delete(t.conns, origin)
		}
		t.mu.Unlock()
	}()

	for {
		var header [4]byte
		if _, err := io.ReadFull(conn, header[:]); err != nil {
			if !errors.Is(err, io.EOF) && !t.stopped.Load() {
				t.log.Debug().Err(err).Str("origin", origin).Msg("connection closed")
			}
			return
		}
		size := binary.BigEndian.Uint32(header[:])
		if size == 0 || size > network.MaxFrameSize {
			t.log.Warn().Uint32("size", size).Str("origin", origin).Msg("dropping oversized frame")
			return
		}

		data := make([]byte, size)
		if _, err := io.ReadFull(conn, data); err != nil {
			t.log.Debug().Err(err).Str("origin", origin).Msg("truncated frame")
			return
		}

		env, err := t.codec.DecodeEnvelope(data)
		if err != nil {
			t.log.Warn().Err(err).Str("origin", origin).Msg("dropping undecodable envelope")
			continue
		}
		t.handler(origin, env)
	}
}
