package replication

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/scenesync/internal/core/events/signal"
	"github.com/zeusync/scenesync/internal/core/protocol"
	"github.com/zeusync/scenesync/internal/core/scene"
	"github.com/zeusync/scenesync/internal/core/systems/physics"
)

func at(x, y float64) *physics.Transform {
	t := physics.At(physics.V(x, y))
	return &t
}

func TestHandshakeLoadsSnapshot(t *testing.T) {
	c := newCluster(t)
	crate, err := c.server().tree.Spawn(nil, scene.Definition{
		Name:      "crate",
		Transform: at(1, 2),
		Values:    map[string]any{"hp": 3},
		Children:  []scene.Definition{{Name: "lid"}},
	})
	require.NoError(t, err)

	var joined []PeerJoined
	signal.On(c.server().session.Signals(), func(ev PeerJoined) error {
		joined = append(joined, ev)
		return nil
	})

	a := c.join("a")

	assert.Equal(t, "a", a.session.LocalID())
	assert.Equal(t, "a", a.tree.Values().LocalSource())
	got := a.lookup(t, crate.Ref())
	assert.Equal(t, "/crate", got.ID())
	assert.Equal(t, physics.V(1, 2), got.Transform().Position)
	hp, ok := got.Value("hp")
	require.True(t, ok)
	assert.Equal(t, 3.0, hp.Get())
	lid, ok := got.Child("lid")
	require.True(t, ok)
	assert.Equal(t, crate.Children()[0].Ref(), lid.Ref())

	require.Len(t, joined, 1)
	assert.Equal(t, "a-nick", joined[0].Connection.Nickname)
	assert.Equal(t, "a-player", joined[0].Connection.PlayerID)
	require.Len(t, c.server().session.Peers(), 1)

	// loading the snapshot must not echo spawns back
	assert.Empty(t, c.received(protocol.ServerID, protocol.TypeSpawnEntity))
}

func TestStructuralReplication(t *testing.T) {
	c := newCluster(t)
	a := c.join("a")
	b := c.join("b")
	c.reset()

	box, err := a.tree.Spawn(nil, scene.Definition{
		Name:     "box",
		Children: []scene.Definition{{Name: "handle"}},
	})
	require.NoError(t, err)
	shelf, err := a.tree.Spawn(nil, scene.Definition{Name: "shelf"})
	require.NoError(t, err)
	c.pump()

	for _, n := range []*node{c.server(), b} {
		got := n.lookup(t, box.Ref())
		assert.Equal(t, "/box", got.ID())
		handle, ok := got.Child("handle")
		require.True(t, ok)
		assert.Equal(t, box.Children()[0].Ref(), handle.Ref())
	}

	require.NoError(t, a.tree.Rename(box, "crate"))
	require.NoError(t, a.tree.Reparent(box, shelf))
	c.pump()
	for _, n := range []*node{c.server(), b} {
		got := n.lookup(t, box.Ref())
		assert.Equal(t, "/shelf/crate", got.ID())
		_, ok := n.tree.LookupID("/shelf/crate/handle")
		assert.True(t, ok)
	}

	require.NoError(t, b.tree.Destroy(b.lookup(t, shelf.Ref())))
	c.pump()
	for _, n := range []*node{c.server(), a, b} {
		_, ok := n.tree.Lookup(box.Ref())
		assert.False(t, ok, n.id)
		assert.Zero(t, n.tree.Len(), n.id)
	}
	assert.Empty(t, c.errs)
}

func TestLoopFreedom(t *testing.T) {
	c := newCluster(t)
	a := c.join("a")
	b := c.join("b")
	c.reset()

	e, err := a.tree.Spawn(nil, scene.Definition{Name: "box"})
	require.NoError(t, err)
	// a to server, server to b
	assert.Equal(t, 2, c.pump())

	require.NoError(t, b.tree.Rename(b.lookup(t, e.Ref()), "crate"))
	assert.Equal(t, 2, c.pump())

	// a change made on the authority reaches both observers once
	require.NoError(t, c.server().tree.Rename(c.server().lookup(t, e.Ref()), "bin"))
	assert.Equal(t, 2, c.pump())

	hp, err := c.server().tree.Spawn(nil, scene.Definition{Name: "stats", Values: map[string]any{"hp": 1}})
	require.NoError(t, err)
	c.pump()
	v, ok := a.lookup(t, hp.Ref()).Value("hp")
	require.True(t, ok)
	require.NoError(t, v.Set(2))
	assert.Equal(t, 2, c.pump())

	assert.Empty(t, c.queue)
	assert.Empty(t, c.errs)
}

func TestSpawnIsIdempotent(t *testing.T) {
	c := newCluster(t)
	c.join("a")
	c.join("b")
	c.reset()

	spawn := &protocol.SpawnEntity{
		Definition: scene.Definition{Ref: "e1", Name: "box"},
		ParentRef:  scene.RootRef,
	}
	require.NoError(t, c.server().session.Handle("a", spawn))
	assert.Len(t, c.queue, 1, "relayed to b only")

	require.NoError(t, c.server().session.Handle("a", spawn))
	assert.Len(t, c.queue, 1, "a known ref is not relayed again")
	assert.Equal(t, 1, c.server().tree.Len())
}

func TestStaleReparentDropped(t *testing.T) {
	c := newCluster(t)
	c.join("a")
	srv := c.server()
	e, err := srv.tree.Spawn(nil, scene.Definition{Ref: "e1", Name: "box"})
	require.NoError(t, err)
	_, err = srv.tree.Spawn(nil, scene.Definition{Ref: "p1", Name: "shelf"})
	require.NoError(t, err)
	c.pump()
	c.reset()

	err = srv.session.Handle("a", &protocol.ReparentEntity{EntityRef: "e1", OldParentRef: "p1", NewParentRef: "p1"})
	require.ErrorIs(t, err, ErrStaleOperation)
	assert.Equal(t, scene.RootRef, e.ParentRef())

	err = srv.session.Handle("a", &protocol.RenameEntity{EntityRef: "e1", OldName: "crate", NewName: "bin"})
	require.ErrorIs(t, err, ErrStaleOperation)
	assert.Equal(t, "box", e.Name())
	assert.Empty(t, c.queue)
}

func TestSpawnUnderMissingParentDropped(t *testing.T) {
	c := newCluster(t)
	c.join("a")
	c.reset()
	srv := c.server()

	err := srv.session.Handle("a", &protocol.SpawnEntity{
		Definition: scene.Definition{Ref: "e1", Name: "box"},
		ParentRef:  "ghost",
	})
	require.ErrorIs(t, err, scene.ErrMissingReference)
	assert.Empty(t, c.queue)

	_, err = srv.tree.Spawn(nil, scene.Definition{Ref: "ghost", Name: "ghost"})
	require.NoError(t, err)
	_, ok := srv.tree.Lookup("e1")
	assert.False(t, ok, "dropped spawns are not queued")
}

func TestAuthorityRewritesOrigin(t *testing.T) {
	c := newCluster(t)
	a := c.join("a")
	b := c.join("b")
	e, err := c.server().tree.Spawn(nil, scene.Definition{Name: "stats", Values: map[string]any{"hp": 1}})
	require.NoError(t, err)
	c.pump()
	c.reset()

	hp, ok := a.lookup(t, e.Ref()).Value("hp")
	require.True(t, ok)
	forged := &protocol.SetValue{Identifier: hp.ID(), Generation: 1, Value: 5.0}
	forged.SetOrigin("b")
	require.NoError(t, c.server().session.Handle("a", forged))
	c.pump()

	got := c.received("b", protocol.TypeSetValue)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].Origin())

	v, _ := b.lookup(t, e.Ref()).Value("hp")
	assert.Equal(t, 5.0, v.Get())
	assert.Equal(t, "a", v.LastSource())
	assert.Empty(t, c.received("a", protocol.TypeSetValue), "never echoed to the origin")
}

func TestRemoteSpawnCannotClaimAuthority(t *testing.T) {
	c := newCluster(t)
	a := c.join("a")
	b := c.join("b")

	_, err := a.tree.Spawn(nil, scene.Definition{
		Ref: "boat", Name: "boat", Authority: "a", AuthorityClock: 7,
		Children: []scene.Definition{{Ref: "oar", Name: "oar", Authority: "a"}},
	})
	require.NoError(t, err)
	c.pump()
	assert.Empty(t, c.errs)

	for _, n := range []*node{c.server(), a, b} {
		for _, ref := range []scene.Ref{"boat", "oar"} {
			holder, _ := n.lookup(t, ref).Authority()
			assert.Empty(t, holder, "%s: %s", n.id, ref)
		}
	}
	_, clock := b.lookup(t, "boat").Authority()
	assert.Equal(t, uint64(7), clock)
	assert.Len(t, c.received("a", protocol.TypeAnnounceAuthority), 2)

	require.NoError(t, a.session.RequestAuthority("boat"))
	c.pump()
	assert.True(t, a.session.Holds(a.lookup(t, "boat")))
}

func TestHandshakeRequired(t *testing.T) {
	c := newCluster(t)
	srv := c.server().session

	err := srv.Handle("x", &protocol.DeleteEntity{EntityRef: "e1"})
	require.ErrorIs(t, err, ErrUnknownPeer)

	srv.Connect("x")
	err = srv.Handle("x", &protocol.DeleteEntity{EntityRef: "e1"})
	require.ErrorIs(t, err, protocol.ErrProtocolViolation)
	require.ErrorIs(t, err, protocol.ErrHandshakeFirst)

	err = srv.Handle("x", &protocol.Handshake{Version: protocol.Version + 1})
	require.ErrorIs(t, err, protocol.ErrVersionMismatch)
	assert.Empty(t, srv.Peers())
}

type boom struct{}

func (boom) Attach(*scene.BehaviorContext) error { panic("boom") }

func TestHandlerPanicIsRecovered(t *testing.T) {
	c := newCluster(t)
	c.registry = func(r *scene.Registry) {
		require.NoError(t, r.RegisterBehavior("boom", func() scene.Behavior { return boom{} }))
	}
	// rebuild the server with the registry above
	c.add(protocol.ServerID, RoleAuthority)
	c.join("a")

	err := c.server().session.Handle("a", &protocol.SpawnEntity{
		Definition: scene.Definition{Ref: "e1", Name: "box", Behaviors: []scene.BehaviorDefinition{{Type: "boom"}}},
		ParentRef:  scene.RootRef,
	})
	require.ErrorIs(t, err, ErrPanic)

	// the ignore set was released on the way out
	assert.False(t, c.server().session.ignored("e1"))
}

func TestReentrantMutationRejected(t *testing.T) {
	c := newCluster(t)
	c.join("a")
	srv := c.server()
	_, err := srv.tree.Spawn(nil, scene.Definition{Ref: "e1", Name: "box"})
	require.NoError(t, err)
	c.pump()

	var inner error
	signal.On(srv.tree.Root().Signals(), func(ev scene.DescendantRenamed) error {
		if ev.NewName == "crate" {
			inner = srv.session.Handle("a", &protocol.RenameEntity{EntityRef: "e1", OldName: "crate", NewName: "bin"})
		}
		return nil
	})

	require.NoError(t, srv.session.Handle("a", &protocol.RenameEntity{EntityRef: "e1", OldName: "box", NewName: "crate"}))
	require.ErrorIs(t, inner, ErrReentrantMutation)
	assert.Equal(t, "crate", srv.lookup(t, "e1").Name())
}

func TestKeepGlobalReparentReplicates(t *testing.T) {
	c := newCluster(t)
	a := c.join("a")

	parent, err := a.tree.Spawn(nil, scene.Definition{
		Name:      "parent",
		Transform: &physics.Transform{Position: physics.V(10, 0), Rotation: 0.5, Scale: physics.V(2, 2)},
	})
	require.NoError(t, err)
	child, err := a.tree.Spawn(nil, scene.Definition{Name: "child", Transform: at(3, 4)})
	require.NoError(t, err)
	c.pump()

	require.NoError(t, a.tree.ReparentKeepGlobal(child, parent))
	c.pump()

	got := c.server().lookup(t, child.Ref())
	assert.Equal(t, parent.Ref(), got.ParentRef())
	assert.True(t, got.GlobalTransform().ApproxEqual(physics.At(physics.V(3, 4))), got.GlobalTransform())
	assert.True(t, got.Transform().ApproxEqual(child.Transform()))
}

func TestCustomMessageRelay(t *testing.T) {
	c := newCluster(t)
	a := c.join("a")
	b := c.join("b")

	var atServer, atA, atB []CustomReceived
	collect := func(into *[]CustomReceived) func(CustomReceived) error {
		return func(ev CustomReceived) error {
			*into = append(*into, ev)
			return nil
		}
	}
	signal.On(c.server().session.Signals(), collect(&atServer))
	signal.On(a.session.Signals(), collect(&atA))
	signal.On(b.session.Signals(), collect(&atB))

	require.NoError(t, a.session.SendCustom("chat", []byte("hi")))
	c.pump()

	require.Len(t, atB, 1)
	assert.Equal(t, CustomReceived{From: "a", Channel: "chat", Payload: []byte("hi")}, atB[0])
	require.Len(t, atServer, 1)
	assert.Empty(t, atA)

	assert.ErrorIs(t, a.session.SendCustom("", nil), protocol.ErrInvalidPacket)
}

func TestObserverNotReady(t *testing.T) {
	c := newCluster(t)
	n := c.add("a", RoleObserver)

	err := n.session.Handle(protocol.ServerID, &protocol.DeleteEntity{EntityRef: "e1"})
	assert.ErrorIs(t, err, protocol.ErrHandshakeFirst)
	assert.ErrorIs(t, n.session.SendCustom("chat", nil), ErrNotReady)
	assert.Zero(t, n.session.Flush())

	_, err = n.tree.Spawn(nil, scene.Definition{Name: "early"})
	require.NoError(t, err)
	assert.Empty(t, c.queue, "changes before the handshake are not sent")
}

func TestNilPacket(t *testing.T) {
	c := newCluster(t)
	err := c.server().session.Handle("a", nil)
	assert.True(t, errors.Is(err, protocol.ErrProtocolViolation))
}
