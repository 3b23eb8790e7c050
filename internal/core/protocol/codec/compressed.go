package codec

import (
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/zeusync/scenesync/internal/core/protocol"
)

// maxDecodedFrame bounds the memory a single compressed frame may expand to.
const maxDecodedFrame = 16 << 20

// Compressed wraps another codec with zstd. Encoders and decoders are safe
// for concurrent use with EncodeAll and DecodeAll.
type Compressed struct {
	inner   Codec
	name    string
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func NewCompressed(inner Codec) (*Compressed, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedFrame))
	if err != nil {
		enc.Close()
		return nil, err
	}
	return &Compressed{
		inner:   inner,
		name:    inner.Name() + "+zstd",
		encoder: enc,
		decoder: dec,
	}, nil
}

func NewCompressedCBOR() (*Compressed, error) {
	inner, err := NewCBOR()
	if err != nil {
		return nil, err
	}
	return NewCompressed(inner)
}

func (c *Compressed) Name() string { return c.name }

func (c *Compressed) Encode(p protocol.Packet) ([]byte, error) {
	raw, err := c.inner.Encode(p)
	if err != nil {
		return nil, err
	}
	return c.encoder.EncodeAll(raw, nil), nil
}

func (c *Compressed) Decode(data []byte) (protocol.Packet, error) {
	raw, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, protocol.Violation(fmt.Errorf("%w: zstd: %w", protocol.ErrDeserializationFailed, err))
	}
	return c.inner.Decode(raw)
}

// Close releases the zstd workers.
func (c *Compressed) Close() {
	c.encoder.Close()
	c.decoder.Close()
}
