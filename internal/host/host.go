package host

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zeusync/scenesync/internal/core/observability/log"
	"github.com/zeusync/scenesync/internal/core/transport"
)

const (
	DefaultMaxConnections = 10_000
	DefaultQueueSize      = 4096
	DefaultSendQueueSize  = 256
)

type Option func(*Host)

func WithLogger(l log.Log) Option {
	return func(h *Host) { h.logger = l }
}

// WithMaxConnections caps concurrently routed connections. Extra connections
// are closed on accept.
func WithMaxConnections(n int) Option {
	return func(h *Host) { h.maxConnections = n }
}

func WithQueueSize(n int) Option {
	return func(h *Host) { h.queueSize = n }
}

// WithSendQueueSize bounds the frames waiting to be written to one
// connection. Frames for a connection whose queue is full are dropped.
func WithSendQueueSize(n int) Option {
	return func(h *Host) { h.sendQueueSize = n }
}

// outbox serializes writes to one connection on its own goroutine, so a slow
// peer only ever delays itself.
type outbox struct {
	conn   transport.Conn
	frames chan []byte
	done   chan struct{}
}

// Host accepts connections on its listeners and routes frames between them
// and a Worker.
type Host struct {
	worker    Worker
	listeners []transport.Listener
	logger    log.Log

	maxConnections int
	queueSize      int
	sendQueueSize  int

	mu      sync.RWMutex
	conns   map[string]*outbox
	count   int64
	dropped uint64

	toWorker   chan Message
	fromWorker chan Message
	ready      chan struct{}
	readyOnce  sync.Once
	running    int32
}

func New(worker Worker, listeners []transport.Listener, opts ...Option) *Host {
	h := &Host{
		worker:         worker,
		listeners:      listeners,
		maxConnections: DefaultMaxConnections,
		queueSize:      DefaultQueueSize,
		sendQueueSize:  DefaultSendQueueSize,
		conns:          make(map[string]*outbox),
		ready:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.sendQueueSize < 1 {
		h.sendQueueSize = DefaultSendQueueSize
	}
	h.logger = log.OrProvide(h.logger).With(log.String("component", "host"))
	h.toWorker = make(chan Message, h.queueSize)
	h.fromWorker = make(chan Message, h.queueSize)
	return h
}

// Ready is closed once the worker reported StatusReady.
func (h *Host) Ready() <-chan struct{} { return h.ready }

// Connections returns the number of routed connections.
func (h *Host) Connections() int { return int(atomic.LoadInt64(&h.count)) }

// Dropped counts outgoing frames refused because a connection's send queue
// was full.
func (h *Host) Dropped() uint64 { return atomic.LoadUint64(&h.dropped) }

// Run serves until ctx is done or the worker fails, then closes every
// listener and connection.
func (h *Host) Run(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&h.running, 0, 1) {
		return ErrAlreadyRunning
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := h.worker.Run(gctx, h.toWorker, h.fromWorker)
		if err == nil && gctx.Err() == nil {
			// a worker returning on its own ends the host
			return ErrWorkerStopped
		}
		return err
	})
	g.Go(func() error {
		h.routeOutgoing(gctx)
		return nil
	})
	for _, l := range h.listeners {
		g.Go(func() error {
			return h.accept(gctx, l)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		h.shutdown()
		return nil
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		err = nil
	}
	h.logger.Info("host stopped", log.Error(err))
	return err
}

func (h *Host) shutdown() {
	for _, l := range h.listeners {
		_ = l.Close()
	}
	h.mu.Lock()
	for _, o := range h.conns {
		_ = o.conn.Close()
	}
	h.mu.Unlock()
}

func (h *Host) accept(ctx context.Context, l transport.Listener) error {
	select {
	case <-h.ready:
	case <-ctx.Done():
		return nil
	}
	h.logger.Info("accepting connections", log.String("address", l.Addr()))

	for {
		conn, err := l.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrListenerDone) {
				return nil
			}
			h.logger.Error("failed to accept connection", log.Error(err))
			time.Sleep(100 * time.Millisecond)
			continue
		}

		if h.Connections() >= h.maxConnections {
			h.logger.Warn("maximum connections reached, rejecting connection",
				log.String("remote_addr", conn.RemoteAddr()))
			_ = conn.Close()
			continue
		}
		h.register(conn)
		go h.serve(ctx, conn)
	}
}

func (h *Host) register(conn transport.Conn) {
	o := &outbox{
		conn:   conn,
		frames: make(chan []byte, h.sendQueueSize),
		done:   make(chan struct{}),
	}
	h.mu.Lock()
	h.conns[conn.ID()] = o
	h.mu.Unlock()
	go h.write(o)
	total := atomic.AddInt64(&h.count, 1)
	h.logger.Info("connection established",
		log.Connection(conn.ID()),
		log.String("remote_addr", conn.RemoteAddr()),
		log.Int64("total", total))
}

func (h *Host) unregister(conn transport.Conn) bool {
	h.mu.Lock()
	o, ok := h.conns[conn.ID()]
	delete(h.conns, conn.ID())
	h.mu.Unlock()
	if ok {
		close(o.done)
		atomic.AddInt64(&h.count, -1)
	}
	return ok
}

// write drains o until the connection is unregistered.
func (h *Host) write(o *outbox) {
	for {
		select {
		case <-o.done:
			return
		case frame := <-o.frames:
			if err := o.conn.Send(frame); err != nil {
				if errors.Is(err, transport.ErrFrameTooLarge) {
					h.logger.Warn("oversized frame dropped", log.Connection(o.conn.ID()), log.Error(err))
					continue
				}
				h.logger.Debug("send failed", log.Connection(o.conn.ID()), log.Error(err))
			}
		}
	}
}

// serve pumps frames from conn to the worker until the connection ends.
func (h *Host) serve(ctx context.Context, conn transport.Conn) {
	id := conn.ID()
	logger := h.logger.With(log.Connection(id))
	defer func() {
		if h.unregister(conn) {
			_ = conn.Close()
			h.toWorkerOrDrop(ctx, Message{Kind: KindConnectionDropped, ConnectionID: id})
			logger.Info("connection dropped")
		}
	}()

	if !h.send(ctx, Message{Kind: KindConnectionEstablished, ConnectionID: id}) {
		return
	}
	for {
		frame, err := conn.Receive()
		if err != nil {
			if errors.Is(err, transport.ErrFrameTooLarge) {
				logger.Warn("oversized frame dropped", log.Error(err))
				continue
			}
			if !errors.Is(err, transport.ErrClosed) && ctx.Err() == nil {
				logger.Debug("connection read failed", log.Error(err))
			}
			return
		}
		if !h.send(ctx, Message{Kind: KindIncomingPacket, ConnectionID: id, Frame: frame}) {
			return
		}
	}
}

func (h *Host) send(ctx context.Context, m Message) bool {
	select {
	case h.toWorker <- m:
		return true
	case <-ctx.Done():
		return false
	}
}

// toWorkerOrDrop delivers m unless the host is shutting down, in which case
// the worker is stopping too.
func (h *Host) toWorkerOrDrop(ctx context.Context, m Message) {
	if ctx.Err() != nil {
		return
	}
	h.send(ctx, m)
}

func (h *Host) routeOutgoing(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-h.fromWorker:
			h.handleWorker(m)
		}
	}
}

func (h *Host) handleWorker(m Message) {
	switch m.Kind {
	case KindStatus:
		h.logger.Info("worker status", log.String("status", m.Status.String()))
		if m.Status == StatusReady {
			h.readyOnce.Do(func() { close(h.ready) })
		}
	case KindOutgoingPacket:
		h.mu.RLock()
		o, ok := h.conns[m.ConnectionID]
		h.mu.RUnlock()
		if !ok {
			h.logger.Debug("frame for unknown connection dropped", log.Connection(m.ConnectionID))
			return
		}
		select {
		case o.frames <- m.Frame:
		default:
			dropped := atomic.AddUint64(&h.dropped, 1)
			if dropped&(dropped-1) == 0 {
				h.logger.Warn("send queue full, frame dropped",
					log.Connection(m.ConnectionID),
					log.Uint64("dropped", dropped))
			}
		}
	default:
		h.logger.Warn("unexpected message from worker", log.String("kind", m.Kind.String()))
	}
}
