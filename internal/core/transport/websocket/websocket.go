// Package websocket carries frames as binary websocket messages.
package websocket

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/zeusync/scenesync/internal/core/observability/log"
	"github.com/zeusync/scenesync/internal/core/transport"
)

const DefaultPath = "/ws"

var _ transport.Conn = (*Conn)(nil)

// Conn is a websocket connection exchanging one frame per binary message.
type Conn struct {
	id     string
	conn   *websocket.Conn
	opts   transport.Options
	closed int32

	writeMu sync.Mutex
}

func newConn(conn *websocket.Conn, opts transport.Options) *Conn {
	return &Conn{id: uuid.NewString(), conn: conn, opts: opts.Normalize()}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) RemoteAddr() string { return c.conn.RemoteAddr().String() }

func (c *Conn) IsClosed() bool { return atomic.LoadInt32(&c.closed) == 1 }

func (c *Conn) Send(frame []byte) error {
	if c.IsClosed() {
		return transport.ErrClosed
	}
	if err := transport.CheckFrame(frame, c.opts.MaxFrameSize); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return errors.Wrap(err, "failed to write frame")
	}
	return nil
}

// Receive returns the next binary or text message. Oversized messages are read
// in full and reported with ErrFrameTooLarge, so the connection stays in sync.
func (c *Conn) Receive() ([]byte, error) {
	for {
		if c.IsClosed() {
			return nil, transport.ErrClosed
		}
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, transport.ErrClosed
			}
			return nil, errors.Wrap(err, "failed to read frame")
		}
		if messageType != websocket.BinaryMessage && messageType != websocket.TextMessage {
			continue
		}
		if err = transport.CheckFrame(data, c.opts.MaxFrameSize); err != nil {
			return nil, err
		}
		return data, nil
	}
}

func (c *Conn) Close() error {
	return c.CloseWithReason("connection closed")
}

func (c *Conn) CloseWithReason(reason string) error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}

	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.writeMu.Unlock()

	return c.conn.Close()
}

// Listener upgrades HTTP requests on its path and queues the connections for
// Accept.
type Listener struct {
	opts     transport.Options
	upgrader websocket.Upgrader
	logger   log.Log

	ln     net.Listener
	server *http.Server
	conns  chan *Conn
	done   chan struct{}
	once   sync.Once
}

var _ transport.Listener = (*Listener)(nil)

// Listen starts an HTTP server on addr serving websocket upgrades on
// DefaultPath.
func Listen(addr string, opts transport.Options, logger log.Log) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "failed to listen")
	}

	l := NewListener(opts, logger)
	l.ln = ln
	mux := http.NewServeMux()
	mux.Handle(DefaultPath, l)
	l.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := l.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.logger.Error("websocket server stopped", log.Error(err))
		}
	}()
	l.logger.Info("websocket listener started", log.String("address", l.Addr()))
	return l, nil
}

// NewListener returns a Listener usable as an http.Handler on a caller-owned
// server.
func NewListener(opts transport.Options, logger log.Log) *Listener {
	return &Listener{
		opts: opts.Normalize(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: log.OrProvide(logger).With(log.String("component", "websocket")),
		conns:  make(chan *Conn, 64),
		done:   make(chan struct{}),
	}
}

func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-l.done:
		http.Error(w, "listener closed", http.StatusServiceUnavailable)
		return
	default:
	}

	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.logger.Warn("websocket upgrade failed", log.String("remote", r.RemoteAddr), log.Error(err))
		return
	}
	c := newConn(ws, l.opts)
	select {
	case l.conns <- c:
	case <-l.done:
		_ = c.CloseWithReason("listener closed")
	}
}

func (l *Listener) Accept(ctx context.Context) (transport.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, transport.ErrListenerDone
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Listener) Addr() string {
	if l.ln == nil {
		return ""
	}
	return l.ln.Addr().String()
}

func (l *Listener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		if l.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			err = l.server.Shutdown(ctx)
		}
	})
	return err
}

// Dialer connects to websocket listeners. Addresses without a scheme are
// treated as host:port and get ws:// and DefaultPath added.
type Dialer struct {
	Options transport.Options
}

var _ transport.Dialer = Dialer{}

func (d Dialer) Dial(ctx context.Context, addr string) (transport.Conn, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, URL(addr), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial %s", addr)
	}
	return newConn(ws, d.Options), nil
}

func URL(addr string) string {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		return addr
	}
	return "ws://" + addr + DefaultPath
}
