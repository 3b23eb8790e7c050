package replication

import "github.com/zeusync/scenesync/internal/core/protocol"

// CustomReceived is emitted on Session.Signals for every custom message from
// another process.
type CustomReceived struct {
	From    string
	Channel string
	Payload []byte
}

// PeerJoined is emitted on the authoritative side once a peer completed its
// handshake.
type PeerJoined struct {
	Connection protocol.Connection
}

type PeerLeft struct {
	ConnectionID string
}

// Synchronized is emitted on an observer once the handshake snapshot is loaded.
type Synchronized struct {
	ConnectionID string
	Entities     int
}
