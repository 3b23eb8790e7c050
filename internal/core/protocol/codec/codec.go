// Package codec turns protocol packets into frames and back. All codecs share
// one schema: a map keyed by field name with the packet type under "t".
package codec

import (
	"fmt"
	"sort"
	"sync"

	"github.com/zeusync/scenesync/internal/core/protocol"
)

// Codec is a wire encoding of protocol packets.
type Codec interface {
	Name() string
	Encode(p protocol.Packet) ([]byte, error)
	Decode(data []byte) (protocol.Packet, error)
}

const (
	NameJSON     = "json"
	NameCBOR     = "cbor"
	NameCBORZstd = "cbor+zstd"
)

var (
	registryMu sync.RWMutex
	registry   = map[string]func() (Codec, error){
		NameJSON:     func() (Codec, error) { return JSON{}, nil },
		NameCBOR:     func() (Codec, error) { return NewCBOR() },
		NameCBORZstd: func() (Codec, error) { return NewCompressedCBOR() },
	}
)

// Register adds a codec constructor under name.
func Register(name string, build func() (Codec, error)) {
	registryMu.Lock()
	registry[name] = build
	registryMu.Unlock()
}

// Lookup builds the codec registered under name.
func Lookup(name string) (Codec, error) {
	registryMu.RLock()
	build, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", protocol.ErrUnknownCodec, name)
	}
	return build()
}

// Names lists the registered codecs, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

type unmarshalFunc func(data []byte, v any) error

// decode sniffs "t", builds the matching packet and validates it. Every
// failure is a protocol violation.
func decode(data []byte, unmarshal unmarshalFunc) (protocol.Packet, error) {
	var envelope struct {
		T protocol.MessageType `json:"t"`
	}
	if err := unmarshal(data, &envelope); err != nil {
		return nil, protocol.Violation(fmt.Errorf("%w: %w", protocol.ErrDeserializationFailed, err))
	}
	p, err := protocol.New(envelope.T)
	if err != nil {
		return nil, protocol.Violation(err)
	}
	if err := unmarshal(data, p); err != nil {
		return nil, protocol.Violation(fmt.Errorf("%w: %s: %w", protocol.ErrDeserializationFailed, envelope.T, err))
	}
	if err := p.Validate(); err != nil {
		return nil, protocol.Violation(err)
	}
	return p, nil
}

func encodeError(p protocol.Packet, err error) error {
	return protocol.WrapError(fmt.Errorf("%w: %s: %w", protocol.ErrSerializationFailed, p.Type(), err), "encode")
}
