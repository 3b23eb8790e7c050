// Package replication keeps scene trees of several processes in sync. One
// authoritative session arbitrates and relays; observer sessions apply what
// it forwards and report their own local changes to it.
package replication

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"

	"github.com/zeusync/scenesync/internal/core/events/signal"
	"github.com/zeusync/scenesync/internal/core/observability/log"
	"github.com/zeusync/scenesync/internal/core/observability/trace"
	"github.com/zeusync/scenesync/internal/core/protocol"
	"github.com/zeusync/scenesync/internal/core/scene"
	"github.com/zeusync/scenesync/internal/core/values"
)

type Role uint8

const (
	RoleAuthority Role = iota
	RoleObserver
)

func (r Role) String() string {
	if r == RoleAuthority {
		return "authority"
	}
	return "observer"
}

// Outbound delivers packets to a connection. Packets handed to Send are not
// touched by the session afterwards, so they may be encoded lazily.
type Outbound interface {
	Send(to string, p protocol.Packet)
}

// OutboundFunc adapts a function to Outbound.
type OutboundFunc func(to string, p protocol.Packet)

func (f OutboundFunc) Send(to string, p protocol.Packet) { f(to, p) }

type peer struct {
	conn       protocol.Connection
	handshaken bool
}

type Option func(*Session)

func WithLogger(l log.Log) Option {
	return func(s *Session) { s.logger = l }
}

func WithGenerationPolicy(p GenerationPolicy) Option {
	return func(s *Session) { s.policy = p }
}

// WithIdentity sets the nickname and player id an observer announces in its
// handshake.
func WithIdentity(nickname, playerID string) Option {
	return func(s *Session) { s.nickname, s.playerID = nickname, playerID }
}

// Session binds a scene tree to the replication protocol. It is driven from a
// single goroutine, the simulation loop, and is not safe for concurrent use.
type Session struct {
	tree   *scene.Tree
	out    Outbound
	role   Role
	policy GenerationPolicy
	logger log.Log

	localID  string
	nickname string
	playerID string
	ready    bool

	peers   map[string]*peer
	ignore  map[scene.Ref]struct{}
	flushed map[scene.Ref]uint64

	signals signal.Dispatcher
	subs    []*signal.Subscription
}

// New attaches a session to tree. An authoritative session is ready at once;
// an observer becomes ready when the handshake reply has been loaded.
func New(tree *scene.Tree, out Outbound, role Role, opts ...Option) *Session {
	s := &Session{
		tree:    tree,
		out:     out,
		role:    role,
		peers:   make(map[string]*peer),
		ignore:  make(map[scene.Ref]struct{}),
		flushed: make(map[scene.Ref]uint64),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = log.OrProvide(s.logger).With(log.String("component", "replication"), log.String("role", role.String()))

	if role == RoleAuthority {
		s.localID = protocol.ServerID
		s.ready = true
		tree.Values().SetLocalSource(s.localID)
	}

	root := tree.Root().Signals()
	s.subs = append(s.subs,
		signal.On(root, s.onSpawned),
		signal.On(root, s.onDestroyed),
		signal.On(root, s.onReparented),
		signal.On(root, s.onRenamed),
		signal.On(tree.Values().Signals(), s.onValueChanged),
	)
	tree.Walk(func(e *scene.Entity) bool {
		s.flushed[e.Ref()] = e.TransformVersion()
		return true
	})
	return s
}

func (s *Session) Tree() *scene.Tree { return s.tree }

func (s *Session) Role() Role { return s.role }

// LocalID is the connection id changes made here are tagged with. It is empty
// on an observer until its handshake completes.
func (s *Session) LocalID() string { return s.localID }

func (s *Session) Ready() bool { return s.ready }

// Signals carries CustomReceived, PeerJoined, PeerLeft and Synchronized.
func (s *Session) Signals() *signal.Dispatcher { return &s.signals }

// Peers lists handshaken connections sorted by id.
func (s *Session) Peers() []protocol.Connection {
	out := make([]protocol.Connection, 0, len(s.peers))
	for _, id := range s.peerIDs() {
		if p := s.peers[id]; p.handshaken {
			out = append(out, p.conn)
		}
	}
	return out
}

// Close detaches the session from the tree.
func (s *Session) Close() {
	for _, sub := range s.subs {
		sub.Cancel()
	}
	s.subs = nil
}

// Start sends the observer handshake. It is a no-op on the authoritative side.
func (s *Session) Start() {
	if s.role != RoleObserver {
		return
	}
	hs := &protocol.Handshake{Version: protocol.Version, Nickname: s.nickname, PlayerID: s.playerID}
	s.out.Send(protocol.ServerID, protocol.Stamp(hs))
}

// Connect registers a transport connection that still has to handshake.
func (s *Session) Connect(id string) {
	if s.role != RoleAuthority {
		return
	}
	if _, ok := s.peers[id]; ok {
		return
	}
	s.peers[id] = &peer{conn: protocol.Connection{ID: id}}
	s.logger.Debug("peer connected", log.Connection(id))
}

// Disconnect forgets a connection and releases every entity it held. On an
// observer the lost connection is the authoritative one.
func (s *Session) Disconnect(id string) {
	if s.role == RoleObserver {
		s.ready = false
		s.logger.Info("authoritative connection lost", log.Connection(id))
		return
	}
	if _, ok := s.peers[id]; !ok {
		return
	}
	delete(s.peers, id)
	released := s.releaseAll(id)
	s.logger.Info("peer left", log.Connection(id), log.Int("released", released))
	s.emit(PeerLeft{ConnectionID: id})
}

// Handle applies one packet received from the connection from. Errors are
// logged at a level matching their class and returned; panics raised while
// applying are recovered into ErrPanic.
func (s *Session) Handle(from string, p protocol.Packet) (err error) {
	if p == nil {
		return protocol.Violation(protocol.ErrInvalidPacket)
	}
	_, span := trace.Start(context.Background(), "replication.Handle",
		attribute.String("packet", string(p.Type())),
		attribute.String("from", from),
	)
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s: %v", ErrPanic, p.Type(), r)
		}
		if err != nil {
			span.RecordError(err)
			s.logDropped(from, p, err)
		}
	}()

	origin, err := s.admit(from, p)
	if err != nil {
		return err
	}

	switch p := p.(type) {
	case *protocol.Handshake:
		return s.handleHandshake(from, p)
	case *protocol.SpawnEntity:
		return s.handleSpawn(origin, p)
	case *protocol.DeleteEntity:
		return s.handleDelete(origin, p)
	case *protocol.ReparentEntity:
		return s.handleReparent(origin, p)
	case *protocol.RenameEntity:
		return s.handleRename(origin, p)
	case *protocol.SetValue:
		return s.handleSetValue(origin, p)
	case *protocol.RequestExclusiveAuthority:
		return s.handleRequest(origin, p)
	case *protocol.RelinquishExclusiveAuthority:
		return s.handleRelinquish(origin, p)
	case *protocol.AnnounceExclusiveAuthority:
		return s.handleAnnounce(p)
	case *protocol.ReportEntityTransforms:
		return s.handleReport(origin, p)
	case *protocol.CustomMessage:
		return s.handleCustom(origin, p)
	default:
		return protocol.Violation(fmt.Errorf("%w: %s", protocol.ErrUnknownPacket, p.Type()))
	}
}

// admit checks the sender and returns the origin the packet is attributed
// to. The authoritative side trusts only the transport for it.
func (s *Session) admit(from string, p protocol.Packet) (string, error) {
	isHandshake := p.Type() == protocol.TypeHandshake
	if s.role == RoleAuthority {
		pr, ok := s.peers[from]
		if !ok {
			return "", fmt.Errorf("%s: %w", from, ErrUnknownPeer)
		}
		p.SetOrigin(from)
		if !pr.handshaken && !isHandshake {
			return "", protocol.Violation(protocol.ErrHandshakeFirst)
		}
		return from, nil
	}

	if !s.ready && !isHandshake {
		return "", protocol.Violation(protocol.ErrHandshakeFirst)
	}
	origin := p.Origin()
	if origin == "" {
		origin = protocol.ServerID
	}
	return origin, nil
}

func (s *Session) handleHandshake(from string, p *protocol.Handshake) error {
	if p.Version != protocol.Version {
		return protocol.Violation(fmt.Errorf("%w: got %d, want %d", protocol.ErrVersionMismatch, p.Version, protocol.Version))
	}

	if s.role == RoleAuthority {
		pr := s.peers[from]
		if pr.handshaken {
			return protocol.Violation(errors.New("repeated handshake"))
		}
		pr.handshaken = true
		pr.conn.Nickname = p.Nickname
		pr.conn.PlayerID = p.PlayerID

		reply := &protocol.Handshake{
			Version:      protocol.Version,
			ConnectionID: from,
			Snapshot:     s.tree.Snapshot(),
		}
		reply.SetOrigin(s.localID)
		s.out.Send(from, protocol.Stamp(reply))

		s.logger.Info("peer joined",
			log.Connection(from),
			log.String("nickname", p.Nickname),
			log.Int("snapshot", len(reply.Snapshot)),
		)
		s.emit(PeerJoined{Connection: pr.conn})
		return nil
	}

	if s.ready {
		return protocol.Violation(errors.New("repeated handshake"))
	}
	if p.ConnectionID == "" {
		return protocol.Violation(fmt.Errorf("%w: handshake: missing connection_id", protocol.ErrInvalidPacket))
	}
	s.localID = p.ConnectionID
	s.tree.Values().SetLocalSource(s.localID)

	var refs []scene.Ref
	for _, def := range p.Snapshot {
		refs = definitionRefs(def, refs)
	}
	err := s.suppress(refs, func() error { return s.tree.Load(p.Snapshot) })
	s.ready = true

	s.logger.Info("synchronized", log.Connection(s.localID), log.Int("entities", s.tree.Len()))
	s.emit(Synchronized{ConnectionID: s.localID, Entities: s.tree.Len()})
	return err
}

// emitLocal sends a locally originated packet to everyone who must see it.
func (s *Session) emitLocal(p protocol.Packet) {
	p.SetOrigin(s.localID)
	protocol.Stamp(p)
	if s.role == RoleAuthority {
		s.broadcast(p, "")
		return
	}
	if !s.ready {
		s.logger.Debug("not synchronized, local change not sent", log.Packet(string(p.Type())))
		return
	}
	s.out.Send(protocol.ServerID, p)
}

// relay forwards an applied remote packet to every other peer. Only the
// authoritative side relays.
func (s *Session) relay(origin string, p protocol.Packet) {
	if s.role != RoleAuthority {
		return
	}
	s.broadcast(p, origin)
}

func (s *Session) broadcast(p protocol.Packet, except string) {
	for _, id := range s.peerIDs() {
		if id == except || !s.peers[id].handshaken {
			continue
		}
		s.out.Send(id, p)
	}
}

func (s *Session) peerIDs() []string {
	ids := make([]string, 0, len(s.peers))
	for id := range s.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// suppress runs fn with refs in the ignore set, so that signals raised while
// applying a remote change are not sent back out.
func (s *Session) suppress(refs []scene.Ref, fn func() error) error {
	for _, ref := range refs {
		if _, busy := s.ignore[ref]; busy {
			return fmt.Errorf("%s: %w", ref, ErrReentrantMutation)
		}
	}
	for _, ref := range refs {
		s.ignore[ref] = struct{}{}
	}
	defer func() {
		for _, ref := range refs {
			delete(s.ignore, ref)
		}
	}()
	return fn()
}

func (s *Session) ignored(ref scene.Ref) bool {
	_, ok := s.ignore[ref]
	return ok
}

func (s *Session) emit(sig signal.Signal) {
	if err := s.signals.Emit(sig); err != nil {
		s.logger.Warn("session listener failed", log.String("signal", fmt.Sprintf("%T", sig)), log.Error(err))
	}
}

func (s *Session) logDropped(from string, p protocol.Packet, err error) {
	fields := []log.Field{log.Connection(from), log.Packet(string(p.Type())), log.Error(err)}
	switch {
	case errors.Is(err, ErrStaleOperation), errors.Is(err, ErrAuthorityLoss):
		s.logger.Debug("packet dropped", fields...)
	case errors.Is(err, ErrPanic):
		s.logger.Error("packet handler panicked", fields...)
	default:
		s.logger.Warn("packet rejected", fields...)
	}
}

func definitionRefs(def scene.Definition, into []scene.Ref) []scene.Ref {
	if def.Ref != "" {
		into = append(into, def.Ref)
	}
	for _, c := range def.Children {
		into = definitionRefs(c, into)
	}
	return into
}

// valueOwner resolves the entity a value belongs to.
func (s *Session) valueOwner(v *values.Value) (*scene.Entity, bool) {
	return s.tree.Lookup(scene.Ref(v.Owner()))
}
