package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeusync/scenesync/internal/core/observability/log"
	"github.com/zeusync/scenesync/internal/core/protocol/codec"
	"github.com/zeusync/scenesync/internal/core/replication"
	"github.com/zeusync/scenesync/internal/core/scene"
	"github.com/zeusync/scenesync/internal/core/simulation"
	"github.com/zeusync/scenesync/internal/core/systems/physics"
	"github.com/zeusync/scenesync/internal/core/transport"
	"github.com/zeusync/scenesync/internal/core/transport/quic"
	"github.com/zeusync/scenesync/internal/core/transport/websocket"
	"github.com/zeusync/scenesync/internal/host"
	"github.com/zeusync/scenesync/internal/storage/snapshot"
)

type Option func(*Server)

func WithLogger(l log.Log) Option {
	return func(s *Server) { s.logger = l }
}

// WithRegistry sets the entity types and behaviors the scene may use.
func WithRegistry(r *scene.Registry) Option {
	return func(s *Server) { s.registry = r }
}

// WithRepository replaces the sqlite store opened from Config.Snapshot.
func WithRepository(r snapshot.Repository) Option {
	return func(s *Server) { s.store = r }
}

func WithEngine(e physics.Engine) Option {
	return func(s *Server) { s.engine = e }
}

// WithListener adds a listener next to the configured websocket and QUIC ones.
func WithListener(l transport.Listener) Option {
	return func(s *Server) { s.extra = append(s.extra, l) }
}

// Server is the authoritative scenesync process: it owns the scene, runs the
// simulation loop and serves observers through a host.
type Server struct {
	config   Config
	logger   log.Log
	registry *scene.Registry
	store    snapshot.Repository
	engine   physics.Engine
	extra    []transport.Listener

	codec   codec.Codec
	worker  *worker
	tree    *scene.Tree
	session *replication.Session
	loop    *simulation.Loop
	host    *host.Host
	http    *http.Server
	addrs   map[string]string

	tick     uint64 // atomic
	entities int64  // atomic

	running int32 // atomic bool
	closed  int32 // atomic bool
	cancel  context.CancelFunc
	done    chan error
	mu      sync.Mutex
}

// NewServer validates cfg and builds the scene, session and loop. Nothing is
// loaded or listened on until Start.
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{config: cfg, addrs: make(map[string]string)}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = log.OrProvide(s.logger).With(log.String("component", "server"))

	c, err := codec.Lookup(cfg.Codec)
	if err != nil {
		return nil, err
	}
	policy, _ := replication.ParseGenerationPolicy(cfg.GenerationPolicy)
	s.codec = c

	s.tree = scene.NewTree(s.registry, scene.WithLogger(s.logger))
	w := newWorker(c, s.logger)
	s.worker = w
	s.session = replication.New(s.tree, w, replication.RoleAuthority,
		replication.WithLogger(s.logger),
		replication.WithGenerationPolicy(policy),
	)

	loopOpts := []simulation.Option{
		simulation.WithLogger(s.logger),
		simulation.WithAfterStep(s.afterStep),
	}
	if s.engine != nil {
		loopOpts = append(loopOpts, simulation.WithEngine(s.engine))
	}
	s.loop = simulation.NewLoop(s.session, cfg.Simulation, loopOpts...)
	w.loop = s.loop

	s.logger.Info("Server created",
		log.String("codec", c.Name()),
		log.String("generation_policy", policy.String()),
		log.Int("tick_rate", s.loop.Config().TickRate))
	return s, nil
}

// Loop exposes the simulation loop, for submitting work from other goroutines.
func (s *Server) Loop() *simulation.Loop { return s.loop }

// Codec is the wire format clients must use.
func (s *Server) Codec() codec.Codec { return s.codec }

// Addr returns the bound address of a listener by kind ("websocket", "quic").
func (s *Server) Addr(kind string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addrs[kind]
}

func (s *Server) afterStep(res simulation.StepResult) {
	atomic.StoreUint64(&s.tick, res.Tick)
	atomic.StoreInt64(&s.entities, int64(s.tree.Len()))
}

// Start loads the scene, opens the listeners and runs the host in the
// background.
func (s *Server) Start(ctx context.Context) error {
	if atomic.LoadInt32(&s.closed) == 1 {
		return ErrServerClosed
	}
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return ErrServerAlreadyRunning
	}

	s.logger.Info("Starting server")
	if err := s.load(ctx); err != nil {
		atomic.StoreInt32(&s.running, 0)
		return err
	}

	listeners, err := s.listen()
	if err != nil {
		atomic.StoreInt32(&s.running, 0)
		return err
	}

	h := host.New(s.worker, listeners,
		host.WithLogger(s.logger),
		host.WithMaxConnections(s.config.MaxConnections),
		host.WithSendQueueSize(s.config.SendQueueSize))
	s.mu.Lock()
	s.host = h
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.done = make(chan error, 1)
	go func() {
		s.done <- h.Run(runCtx)
	}()

	s.logger.Info("Server started successfully")
	return nil
}

// Stop stops the host and the loop, then saves the snapshot.
func (s *Server) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.running, 1, 0) {
		return ErrServerNotRunning
	}

	s.logger.Info("Stopping server")
	s.cancel()
	var runErr error
	select {
	case runErr = <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if s.http != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, time.Second)
		_ = s.http.Shutdown(shutdownCtx)
		cancel()
	}

	// the loop has stopped, so the tree can be read here
	if err := s.save(ctx); err != nil {
		s.logger.Error("Failed to save snapshot", log.Error(err))
		if runErr == nil {
			runErr = err
		}
	}

	s.logger.Info("Server stopped")
	return runErr
}

// Close stops the server if running and releases the snapshot store.
func (s *Server) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}
	if atomic.LoadInt32(&s.running) == 1 {
		_ = s.Stop(context.Background())
	}
	s.session.Close()
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

// Run starts the server and blocks until ctx is done or the host fails.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case err := <-s.done:
		// the host ended on its own; hand the result back to Stop
		s.done <- err
	}
	return s.Stop(context.Background())
}

func (s *Server) listen() ([]transport.Listener, error) {
	listeners := append([]transport.Listener(nil), s.extra...)

	if s.config.WebSocketAddr != "" {
		ln, err := net.Listen("tcp", s.config.WebSocketAddr)
		if err != nil {
			return nil, fmt.Errorf("%w: websocket: %w", ErrListenerFailed, err)
		}
		ws := websocket.NewListener(s.config.Transport, s.logger)
		s.http = &http.Server{Handler: s.mux(ws), ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("HTTP server stopped", log.Error(err))
			}
		}()
		s.setAddr("websocket", ln.Addr().String())
		listeners = append(listeners, ws)
	}

	if s.config.QUICAddr != "" {
		q, err := quic.Listen(s.config.QUICAddr, nil, s.config.Transport, s.logger)
		if err != nil {
			for _, l := range listeners {
				_ = l.Close()
			}
			return nil, fmt.Errorf("%w: quic: %w", ErrListenerFailed, err)
		}
		s.setAddr("quic", q.Addr())
		listeners = append(listeners, q)
	}

	if len(listeners) == 0 {
		return nil, ErrNoListeners
	}
	return listeners, nil
}

func (s *Server) setAddr(kind, addr string) {
	s.mu.Lock()
	s.addrs[kind] = addr
	s.mu.Unlock()
	s.logger.Info("Server listening", log.String("transport", kind), log.String("addr", addr))
}

// load bulk-loads the scene from the snapshot store, falling back to the
// scene file. Authority holders are cleared: their connections belong to a
// previous run.
func (s *Server) load(ctx context.Context) error {
	if s.store == nil && s.config.Snapshot.Path != "" {
		store, err := snapshot.Open(s.config.Snapshot.Path)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrSceneLoad, err)
		}
		s.store = store
	}

	var (
		defs   []scene.Definition
		source string
	)
	if s.store != nil {
		loaded, info, err := s.store.Load(ctx, s.config.Snapshot.Name)
		switch {
		case err == nil:
			defs, source = loaded, "snapshot"
			s.logger.Info("Snapshot found",
				log.String("name", info.Name),
				log.Time("saved_at", info.SavedAt),
				log.Int("entities", info.Entities))
		case errors.Is(err, snapshot.ErrNotFound):
		default:
			return fmt.Errorf("%w: %w", ErrSceneLoad, err)
		}
	}
	if defs == nil && s.config.SceneFile != "" {
		loaded, err := scene.LoadFile(s.config.SceneFile)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrSceneLoad, err)
		}
		defs, source = loaded, s.config.SceneFile
	}
	if defs == nil {
		s.logger.Info("Starting with an empty scene")
		return nil
	}

	ClearAuthority(defs)
	if err := s.tree.Load(defs); err != nil {
		return fmt.Errorf("%w: %w", ErrSceneLoad, err)
	}
	atomic.StoreInt64(&s.entities, int64(s.tree.Len()))
	s.logger.Info("Scene loaded", log.String("source", source), log.Int("entities", s.tree.Len()))
	return nil
}

func (s *Server) save(ctx context.Context) error {
	if s.store == nil || !s.config.Snapshot.SaveOnStop {
		return nil
	}
	info, err := s.store.Save(ctx, s.config.Snapshot.Name, s.tree.Snapshot())
	if err != nil {
		return err
	}
	s.logger.Info("Snapshot saved", log.String("name", info.Name), log.Int("entities", info.Entities))
	return nil
}

// ClearAuthority drops the holder of every definition, keeping the clock so
// later requests still order after earlier grants.
func ClearAuthority(defs []scene.Definition) {
	for i := range defs {
		defs[i].Authority = ""
		ClearAuthority(defs[i].Children)
	}
}
