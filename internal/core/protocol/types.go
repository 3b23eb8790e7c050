package protocol

import (
	"time"

	"github.com/google/uuid"
)

// Version is bumped on every incompatible change of the packet schema.
const Version uint32 = 1

// ServerID is the connection id the authoritative process uses for itself.
const ServerID = "server"

func GenerateConnectionID() string {
	return uuid.NewString()
}

// Connection is a peer known to a session after its handshake.
type Connection struct {
	ID          string
	Nickname    string
	PlayerID    string
	ConnectedAt time.Time
}
