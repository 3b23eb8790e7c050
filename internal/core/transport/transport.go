// Package transport defines the frame-oriented connection surface shared by
// the websocket, QUIC and in-memory transports. A frame is one encoded packet;
// transports never look inside it.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zeusync/scenesync/internal/core/protocol"
)

const (
	DefaultMaxFrameSize = 1 << 20
	DefaultWriteTimeout = 10 * time.Second
)

var (
	// ErrFrameTooLarge is returned for a frame above the size limit. The frame
	// is dropped and the connection stays usable.
	ErrFrameTooLarge = protocol.ErrFrameTooLarge
	ErrClosed        = protocol.ErrConnectionClosed
	ErrListenerDone  = errors.New("listener closed")
)

// Options are shared by every transport.
type Options struct {
	MaxFrameSize int           `yaml:"max_frame_size" toml:"max_frame_size" env:"MAX_FRAME_SIZE"`
	WriteTimeout time.Duration `yaml:"write_timeout" toml:"write_timeout" env:"WRITE_TIMEOUT"`
}

func DefaultOptions() Options {
	return Options{MaxFrameSize: DefaultMaxFrameSize, WriteTimeout: DefaultWriteTimeout}
}

// Normalize fills zero fields with their defaults.
func (o Options) Normalize() Options {
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = DefaultMaxFrameSize
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	return o
}

// Conn is one bidirectional frame stream. Send may be called concurrently;
// Receive is called from a single reader goroutine.
type Conn interface {
	ID() string
	RemoteAddr() string
	Send(frame []byte) error
	// Receive blocks until the next frame. An ErrFrameTooLarge result leaves
	// the connection open; any other error ends it.
	Receive() ([]byte, error)
	Close() error
}

type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Addr() string
	Close() error
}

// Dialer opens client connections. Each transport package provides one.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Conn, error)
}

type DialerFunc func(ctx context.Context, addr string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, addr string) (Conn, error) { return f(ctx, addr) }

// CheckFrame rejects frames above limit.
func CheckFrame(frame []byte, limit int) error {
	if limit > 0 && len(frame) > limit {
		return protocol.NewProtocolError(protocol.ErrorCodeFrameTooLarge, "frame dropped",
			fmt.Errorf("%d bytes exceeds %d: %w", len(frame), limit, ErrFrameTooLarge))
	}
	return nil
}
