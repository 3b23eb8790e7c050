package transport

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

const pipeBuffer = 1024

// pipeConn is one end of an in-process connection. Closing either end closes
// both.
type pipeConn struct {
	id     string
	remote string
	in     <-chan []byte
	out    chan<- []byte
	limit  int

	done  chan struct{}
	close *sync.Once
}

// Pipe returns two connected in-memory connections.
func Pipe(opts Options) (Conn, Conn) {
	opts = opts.Normalize()
	ab := make(chan []byte, pipeBuffer)
	ba := make(chan []byte, pipeBuffer)
	done := make(chan struct{})
	once := &sync.Once{}

	a := &pipeConn{id: uuid.NewString(), in: ba, out: ab, limit: opts.MaxFrameSize, done: done, close: once}
	b := &pipeConn{id: uuid.NewString(), in: ab, out: ba, limit: opts.MaxFrameSize, done: done, close: once}
	a.remote, b.remote = "memory:"+b.id, "memory:"+a.id
	return a, b
}

func (c *pipeConn) ID() string { return c.id }

func (c *pipeConn) RemoteAddr() string { return c.remote }

func (c *pipeConn) Send(frame []byte) error {
	if err := CheckFrame(frame, c.limit); err != nil {
		return err
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)

	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.out <- cp:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

func (c *pipeConn) Receive() ([]byte, error) {
	select {
	case frame := <-c.in:
		return frame, nil
	case <-c.done:
		// frames sent before the close are still delivered
		select {
		case frame := <-c.in:
			return frame, nil
		default:
			return nil, ErrClosed
		}
	}
}

func (c *pipeConn) Close() error {
	c.close.Do(func() { close(c.done) })
	return nil
}

// MemoryListener accepts connections dialed through it in the same process.
type MemoryListener struct {
	addr  string
	opts  Options
	conns chan Conn
	done  chan struct{}
	once  sync.Once
}

var _ Dialer = (*MemoryListener)(nil)

func NewMemoryListener(addr string, opts Options) *MemoryListener {
	return &MemoryListener{
		addr:  addr,
		opts:  opts.Normalize(),
		conns: make(chan Conn),
		done:  make(chan struct{}),
	}
}

func (l *MemoryListener) Addr() string { return l.addr }

func (l *MemoryListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, ErrListenerDone
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Dial connects to the listener, ignoring addr. It blocks until the
// connection is accepted.
func (l *MemoryListener) Dial(ctx context.Context, _ string) (Conn, error) {
	client, server := Pipe(l.opts)
	select {
	case l.conns <- server:
		return client, nil
	case <-l.done:
		return nil, ErrListenerDone
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *MemoryListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}
