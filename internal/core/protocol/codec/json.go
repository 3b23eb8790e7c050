package codec

import (
	"encoding/json"

	"github.com/zeusync/scenesync/internal/core/protocol"
)

// JSON is the text encoding used by browsers and for debugging.
type JSON struct{}

func (JSON) Name() string { return NameJSON }

func (JSON) Encode(p protocol.Packet) ([]byte, error) {
	data, err := json.Marshal(protocol.Stamp(p))
	if err != nil {
		return nil, encodeError(p, err)
	}
	return data, nil
}

func (JSON) Decode(data []byte) (protocol.Packet, error) {
	return decode(data, json.Unmarshal)
}
