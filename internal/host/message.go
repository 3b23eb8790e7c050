// Package host is the process boundary of the authoritative server. It owns the
// transport connections and talks to the simulation worker only through
// Messages carrying encoded frames.
package host

import (
	"context"
	"errors"
)

type Kind uint8

const (
	KindStatus Kind = iota
	KindConnectionEstablished
	KindConnectionDropped
	KindIncomingPacket
	KindOutgoingPacket
)

func (k Kind) String() string {
	switch k {
	case KindStatus:
		return "status"
	case KindConnectionEstablished:
		return "connection_established"
	case KindConnectionDropped:
		return "connection_dropped"
	case KindIncomingPacket:
		return "incoming_packet"
	case KindOutgoingPacket:
		return "outgoing_packet"
	}
	return "unknown"
}

type Status uint8

const (
	StatusStarting Status = iota
	StatusReady
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusReady:
		return "ready"
	case StatusStopped:
		return "stopped"
	}
	return "unknown"
}

// Message crosses the host/worker boundary. Only the fields relevant to Kind
// are set.
type Message struct {
	Kind         Kind
	ConnectionID string
	Frame        []byte
	Status       Status
}

func StatusMessage(s Status) Message { return Message{Kind: KindStatus, Status: s} }

func Outgoing(connectionID string, frame []byte) Message {
	return Message{Kind: KindOutgoingPacket, ConnectionID: connectionID, Frame: frame}
}

// Worker runs the simulation side of the boundary. It must send
// StatusMessage(StatusReady) on out before the host routes any connection to
// it, and return when ctx is done.
type Worker interface {
	Run(ctx context.Context, in <-chan Message, out chan<- Message) error
}

type WorkerFunc func(ctx context.Context, in <-chan Message, out chan<- Message) error

func (f WorkerFunc) Run(ctx context.Context, in <-chan Message, out chan<- Message) error {
	return f(ctx, in, out)
}

var (
	ErrAlreadyRunning = errors.New("host is already running")
	ErrWorkerStopped  = errors.New("worker stopped")
)
