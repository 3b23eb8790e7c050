package simulation

import (
	"sync"

	"github.com/zeusync/scenesync/internal/core/protocol"
	"github.com/zeusync/scenesync/internal/core/replication"
)

type EventKind uint8

const (
	EventPacket EventKind = iota
	EventConnected
	EventDisconnected
	EventCall
)

func (k EventKind) String() string {
	switch k {
	case EventPacket:
		return "packet"
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventCall:
		return "call"
	}
	return "unknown"
}

// Event is one unit of work staged for the next tick.
type Event struct {
	Kind         EventKind
	ConnectionID string
	Packet       protocol.Packet
	Call         func(*replication.Session)
}

// InboundBuffer stages events in a fixed-size ring. It is safe for concurrent
// producers and a single consumer.
//
// Events that must not be lost go through Force: when the ring is full they
// queue behind it in an overflow list, so the FIFO order still holds.
type InboundBuffer struct {
	mu       sync.Mutex
	data     []Event
	head     int
	tail     int
	count    int
	overflow []Event
	dropped  uint64
}

func NewInboundBuffer(capacity int) *InboundBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &InboundBuffer{data: make([]Event, capacity)}
}

func (b *InboundBuffer) Capacity() int {
	return len(b.data)
}

// Push stages ev, returning false when the buffer is full.
func (b *InboundBuffer) Push(ev Event) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == len(b.data) || len(b.overflow) > 0 {
		b.dropped++
		return false
	}
	b.put(ev)
	return true
}

// Force stages ev even when the ring is full.
func (b *InboundBuffer) Force(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == len(b.data) || len(b.overflow) > 0 {
		b.overflow = append(b.overflow, ev)
		return
	}
	b.put(ev)
}

func (b *InboundBuffer) put(ev Event) {
	b.data[b.tail] = ev
	b.tail = (b.tail + 1) % len(b.data)
	b.count++
}

// Drain returns the staged events in FIFO order and empties the buffer.
func (b *InboundBuffer) Drain() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == 0 && len(b.overflow) == 0 {
		return nil
	}
	events := make([]Event, b.count, b.count+len(b.overflow))
	for i := range events[:b.count] {
		idx := (b.head + i) % len(b.data)
		events[i] = b.data[idx]
		b.data[idx] = Event{}
	}
	events = append(events, b.overflow...)
	b.head, b.tail, b.count = 0, 0, 0
	b.overflow = nil
	return events
}

func (b *InboundBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count + len(b.overflow)
}

// Dropped counts events refused because the buffer was full.
func (b *InboundBuffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
