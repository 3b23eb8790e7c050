package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/zeusync/scenesync/internal/core/protocol"
)

// CBOR is the compact binary encoding. Field names come from the json tags.
type CBOR struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func NewCBOR() (*CBOR, error) {
	enc, err := cbor.EncOptions{
		Sort: cbor.SortCanonical,
	}.EncMode()
	if err != nil {
		return nil, err
	}
	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		return nil, err
	}
	return &CBOR{enc: enc, dec: dec}, nil
}

func (*CBOR) Name() string { return NameCBOR }

func (c *CBOR) Encode(p protocol.Packet) ([]byte, error) {
	data, err := c.enc.Marshal(protocol.Stamp(p))
	if err != nil {
		return nil, encodeError(p, err)
	}
	return data, nil
}

func (c *CBOR) Decode(data []byte) (protocol.Packet, error) {
	return decode(data, c.dec.Unmarshal)
}
