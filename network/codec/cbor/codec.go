package cbor

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/maidsafe/sn-node/network"
	"github.com/maidsafe/sn-node/network/codec"
)

// encMode is the deterministic encoding mode; every wire byte string for a
// given value is identical across nodes, which the agreement layer relies
// on when hashing proposals.
var encMode = func() cbor.EncMode {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Errorf("could not create cbor encoder: %w", err))
	}
	return enc
}()

// Codec encodes payload values as a one-byte message code followed by the
// deterministic CBOR encoding of the value.
type Codec struct{}

func NewCodec() *Codec {
	return &Codec{}
}

// Encode serializes a registered message type.
func (c *Codec) Encode(v interface{}) ([]byte, error) {
	code, what, err := codec.MessageCodeFromInterface(v)
	if err != nil {
		return nil, fmt.Errorf("could not determine message code: %w", err)
	}

	data, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("could not encode %s: %w", what, err)
	}

	out := make([]byte, 0, len(data)+1)
	out = append(out, code)
	out = append(out, data...)
	return out, nil
}

// Decode deserializes a payload produced by Encode.
func (c *Codec) Decode(data []byte) (interface{}, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty payload")
	}

	v, what, err := codec.InterfaceFromMessageCode(data[0])
	if err != nil {
		return nil, fmt.Errorf("could not determine message type: %w", err)
	}

	if err := cbor.Unmarshal(data[1:], v); err != nil {
		return nil, fmt.Errorf("could not decode %s: %w", what, err)
	}
	return v, nil
}

// EncodeEnvelope serializes a complete wire envelope.
func (c *Codec) EncodeEnvelope(env *network.Envelope) ([]byte, error) {
	data, err := encMode.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("could not encode envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope deserializes a wire envelope.
func (c *Codec) DecodeEnvelope(data []byte) (*network.Envelope, error) {
	env := &network.Envelope{}
	if err := cbor.Unmarshal(data, env); err != nil {
		return nil, fmt.Errorf("could not decode envelope: %w", err)
	}
	return env, nil
}
