// Package client is the Go SDK for scenesync observers. A Client dials the
// authoritative server, blocks until the scene snapshot is loaded and then
// keeps a local replica in sync on its own simulation loop.
package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeusync/scenesync/internal/core/events/signal"
	"github.com/zeusync/scenesync/internal/core/observability/log"
	"github.com/zeusync/scenesync/internal/core/protocol"
	"github.com/zeusync/scenesync/internal/core/protocol/codec"
	"github.com/zeusync/scenesync/internal/core/replication"
	"github.com/zeusync/scenesync/internal/core/scene"
	"github.com/zeusync/scenesync/internal/core/simulation"
	"github.com/zeusync/scenesync/internal/core/systems/physics"
	"github.com/zeusync/scenesync/internal/core/transport"
	"github.com/zeusync/scenesync/internal/core/transport/quic"
	"github.com/zeusync/scenesync/internal/core/transport/websocket"
)

const (
	TransportWebSocket = "websocket"
	TransportQUIC      = "quic"
)

// Config holds configuration for the client
type Config struct {
	// Connection settings
	ServerAddr     string        `yaml:"server_addr" toml:"server_addr" env:"SERVER_ADDR"`
	Transport      string        `yaml:"transport" toml:"transport" env:"TRANSPORT"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" toml:"connect_timeout" env:"CONNECT_TIMEOUT"`

	// Identity sent with the handshake
	Nickname string `yaml:"nickname" toml:"nickname" env:"NICKNAME"`
	PlayerID string `yaml:"player_id" toml:"player_id" env:"PLAYER_ID"`

	// Must match the server
	Codec            string `yaml:"codec" toml:"codec" env:"CODEC"`
	GenerationPolicy string `yaml:"generation_policy" toml:"generation_policy" env:"GENERATION_POLICY"`

	Simulation simulation.Config `yaml:"simulation" toml:"simulation" envPrefix:"SIMULATION_"`
	Frames     transport.Options `yaml:"frames" toml:"frames" envPrefix:"FRAMES_"`
}

// DefaultClientConfig returns default client configuration
func DefaultClientConfig() Config {
	return Config{
		ServerAddr:       "localhost:8080",
		Transport:        TransportWebSocket,
		ConnectTimeout:   30 * time.Second,
		Codec:            codec.NameJSON,
		GenerationPolicy: replication.GenerationPolicyApply.String(),
		Simulation:       simulation.DefaultConfig(),
		Frames:           transport.DefaultOptions(),
	}
}

type Option func(*Client)

func WithLogger(l log.Log) Option {
	return func(c *Client) { c.logger = l }
}

// WithRegistry sets the entity types and behaviors the replica can build. It
// must match the server's.
func WithRegistry(r *scene.Registry) Option {
	return func(c *Client) { c.registry = r }
}

// WithDialer replaces the dialer picked from Config.Transport.
func WithDialer(d transport.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

func WithEngine(e physics.Engine) Option {
	return func(c *Client) { c.engine = e }
}

// Client represents a scenesync observer connection
type Client struct {
	config   Config
	logger   log.Log
	registry *scene.Registry
	dialer   transport.Dialer
	engine   physics.Engine
	codec    codec.Codec
	policy   replication.GenerationPolicy

	conn    transport.Conn
	tree    *scene.Tree
	session *replication.Session
	loop    *simulation.Loop

	// Lifecycle
	connected int32 // atomic bool
	closed    int32 // atomic bool
	cancel    context.CancelFunc
	done      chan struct{}
	doneOnce  sync.Once
	err       error
	wg        sync.WaitGroup
}

// NewClient validates config and prepares a client. Nothing is dialed until
// Connect.
func NewClient(config Config, opts ...Option) (*Client, error) {
	c := &Client{config: config, done: make(chan struct{})}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = log.OrProvide(c.logger).With(log.String("component", "client"))

	var err error
	if c.codec, err = codec.Lookup(config.Codec); err != nil {
		return nil, errors.Join(ErrInvalidConfig, err)
	}
	if c.policy, err = replication.ParseGenerationPolicy(config.GenerationPolicy); err != nil {
		return nil, errors.Join(ErrInvalidConfig, err)
	}
	if c.dialer == nil {
		switch config.Transport {
		case TransportWebSocket, "":
			c.dialer = websocket.Dialer{Options: config.Frames}
		case TransportQUIC:
			c.dialer = quic.Dialer{Options: config.Frames}
		default:
			return nil, errors.Join(ErrInvalidConfig, errors.New("unknown transport "+config.Transport))
		}
	}
	return c, nil
}

// Connect dials the server, sends the handshake and blocks until the scene
// snapshot is loaded into the local tree. A Client connects once.
func (c *Client) Connect(ctx context.Context) error {
	if atomic.LoadInt32(&c.closed) == 1 {
		return ErrClientClosed
	}
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}
	if !atomic.CompareAndSwapInt32(&c.connected, 0, 1) {
		return ErrAlreadyConnected
	}

	if c.config.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.ConnectTimeout)
		defer cancel()
	}

	c.logger.Info("Connecting to server", log.String("addr", c.config.ServerAddr))
	conn, err := c.dialer.Dial(ctx, c.config.ServerAddr)
	if err != nil {
		atomic.StoreInt32(&c.connected, 0)
		c.logger.Error("Failed to connect to server", log.String("addr", c.config.ServerAddr), log.Error(err))
		return err
	}
	c.conn = conn

	c.tree = scene.NewTree(c.registry, scene.WithLogger(c.logger))
	c.session = replication.New(c.tree, replication.OutboundFunc(c.send), replication.RoleObserver,
		replication.WithLogger(c.logger),
		replication.WithGenerationPolicy(c.policy),
		replication.WithIdentity(c.config.Nickname, c.config.PlayerID),
	)
	loopOpts := []simulation.Option{simulation.WithLogger(c.logger)}
	if c.engine != nil {
		loopOpts = append(loopOpts, simulation.WithEngine(c.engine))
	}
	c.loop = simulation.NewLoop(c.session, c.config.Simulation, loopOpts...)

	synced := make(chan replication.Synchronized, 1)
	sub := signal.On(c.session.Signals(), func(ev replication.Synchronized) error {
		select {
		case synced <- ev:
		default:
		}
		return nil
	})
	defer sub.Cancel()

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		_ = c.loop.Run(runCtx)
	}()
	go func() {
		defer c.wg.Done()
		c.readLoop(runCtx)
	}()
	c.loop.Do(func(s *replication.Session) { s.Start() })

	select {
	case ev := <-synced:
		c.logger.Info("Connected to server",
			log.Connection(ev.ConnectionID),
			log.String("remote_addr", conn.RemoteAddr()),
			log.Int("entities", ev.Entities))
		return nil
	case <-c.done:
		_ = c.Disconnect()
		if c.err != nil {
			return c.err
		}
		return ErrNotConnected
	case <-ctx.Done():
		_ = c.Disconnect()
		return errors.Join(ErrConnectionTimeout, ctx.Err())
	}
}

// send implements replication.Outbound. It runs on the loop goroutine.
func (c *Client) send(_ string, p protocol.Packet) {
	frame, err := c.codec.Encode(p)
	if err != nil {
		c.logger.Error("failed to encode packet", log.Packet(string(p.Type())), log.Error(err))
		return
	}
	if err := c.conn.Send(frame); err != nil {
		if errors.Is(err, transport.ErrFrameTooLarge) {
			c.logger.Warn("oversized frame dropped", log.Packet(string(p.Type())), log.Error(err))
			return
		}
		c.logger.Debug("send failed", log.Error(err))
	}
}

// readLoop decodes frames onto the loop until the connection ends.
func (c *Client) readLoop(ctx context.Context) {
	defer func() {
		c.loop.Disconnected(protocol.ServerID)
		c.finish(nil)
	}()
	for {
		frame, err := c.conn.Receive()
		if err != nil {
			if errors.Is(err, transport.ErrFrameTooLarge) {
				c.logger.Warn("oversized frame dropped", log.Error(err))
				continue
			}
			if ctx.Err() == nil && !errors.Is(err, transport.ErrClosed) {
				c.logger.Warn("connection lost", log.Error(err))
				c.finish(err)
			}
			return
		}
		p, err := c.codec.Decode(frame)
		if err != nil {
			c.logger.Warn("frame rejected", log.Int("code", int(protocol.GetErrorCode(err))), log.Error(err))
			continue
		}
		if !c.loop.Deliver(protocol.ServerID, p) {
			// the replica missed a change it can never recover
			c.logger.Error("inbound buffer full, replica out of sync, disconnecting",
				log.Packet(string(p.Type())),
				log.Int("capacity", c.loop.Config().InboundCapacity))
			c.finish(ErrBufferFull)
			_ = c.conn.Close()
			return
		}
	}
}

// finish records the first terminal error and closes Done.
func (c *Client) finish(err error) {
	c.doneOnce.Do(func() {
		c.err = err
		close(c.done)
	})
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the error that ended the connection, if any.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Disconnect closes the connection and stops the loop.
func (c *Client) Disconnect() error {
	if !atomic.CompareAndSwapInt32(&c.connected, 1, 0) {
		return ErrNotConnected
	}
	c.logger.Info("Disconnecting from server")
	if c.conn != nil {
		_ = c.conn.Close()
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.finish(nil)
	c.logger.Info("Disconnected from server")
	return nil
}

// Close closes the client and releases all resources
func (c *Client) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	if atomic.LoadInt32(&c.connected) == 1 {
		_ = c.Disconnect()
	}
	if c.session != nil {
		c.session.Close()
	}
	return nil
}

// ConnectionID is the id the server assigned in the handshake.
func (c *Client) ConnectionID() string {
	var id string
	_ = c.Call(context.Background(), func(s *replication.Session) error {
		id = s.LocalID()
		return nil
	})
	return id
}

// Do runs fn against the local tree on the loop goroutine at the next tick.
// Mutations made by fn replicate like any other local change.
func (c *Client) Do(fn func(*scene.Tree)) error {
	if atomic.LoadInt32(&c.connected) == 0 {
		return ErrNotConnected
	}
	if !c.loop.Do(func(s *replication.Session) { fn(s.Tree()) }) {
		return ErrBufferFull
	}
	return nil
}

// Call runs fn on the loop goroutine and waits for its result.
func (c *Client) Call(ctx context.Context, fn func(*replication.Session) error) error {
	if atomic.LoadInt32(&c.connected) == 0 {
		return ErrNotConnected
	}
	select {
	case <-c.done:
		return ErrNotConnected
	default:
	}
	result := make(chan error, 1)
	if !c.loop.Do(func(s *replication.Session) { result <- fn(s) }) {
		return ErrBufferFull
	}
	select {
	case err := <-result:
		return err
	case <-c.done:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestAuthority asks the server for exclusive authority over ref. The
// outcome arrives later as an authority announcement; use Holds to check.
func (c *Client) RequestAuthority(ctx context.Context, ref scene.Ref) error {
	return c.Call(ctx, func(s *replication.Session) error { return s.RequestAuthority(ref) })
}

func (c *Client) RelinquishAuthority(ctx context.Context, ref scene.Ref) error {
	return c.Call(ctx, func(s *replication.Session) error { return s.RelinquishAuthority(ref) })
}

// Holds reports whether this client currently holds authority over ref.
func (c *Client) Holds(ctx context.Context, ref scene.Ref) (bool, error) {
	var held bool
	err := c.Call(ctx, func(s *replication.Session) error {
		e, ok := s.Tree().Lookup(ref)
		if !ok {
			return scene.ErrMissingReference
		}
		held = s.Holds(e)
		return nil
	})
	return held, err
}

func (c *Client) SendCustom(ctx context.Context, channel string, payload []byte) error {
	return c.Call(ctx, func(s *replication.Session) error { return s.SendCustom(channel, payload) })
}

// OnCustom registers fn for custom messages. fn runs on the loop goroutine.
func (c *Client) OnCustom(fn func(replication.CustomReceived)) (*signal.Subscription, error) {
	if c.session == nil {
		return nil, ErrNotConnected
	}
	return signal.On(c.session.Signals(), func(ev replication.CustomReceived) error {
		fn(ev)
		return nil
	}), nil
}
