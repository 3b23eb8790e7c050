package scene

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/scenesync/internal/core/events/signal"
	"github.com/zeusync/scenesync/internal/core/observability/log"
	"github.com/zeusync/scenesync/internal/core/systems/physics"
)

func newTestTree(t *testing.T, setup ...func(*Registry)) *Tree {
	t.Helper()
	reg := NewRegistry()
	for _, fn := range setup {
		fn(reg)
	}
	return NewTree(reg, WithLogger(log.Nop()))
}

func transformPtr(tr physics.Transform) *physics.Transform { return &tr }

func TestSpawnAndLookup(t *testing.T) {
	tree := newTestTree(t)

	level, err := tree.Spawn(nil, Definition{Name: "level"})
	require.NoError(t, err)
	player, err := tree.Spawn(level, Definition{Name: "player", Values: map[string]any{"hp": 10}})
	require.NoError(t, err)

	assert.Equal(t, "/level", level.ID())
	assert.Equal(t, "/level/player", player.ID())
	assert.NotEmpty(t, player.Ref())
	assert.Equal(t, DefaultType, player.Type())
	assert.Equal(t, 2, tree.Len())

	byRef, ok := tree.Lookup(player.Ref())
	require.True(t, ok)
	assert.Same(t, player, byRef)
	byID, ok := tree.LookupID("/level/player")
	require.True(t, ok)
	assert.Same(t, player, byID)

	hp, ok := player.Value("hp")
	require.True(t, ok)
	assert.Equal(t, 10.0, hp.Get())
	assert.Same(t, level, player.Parent())
}

func TestSpawnNameCollision(t *testing.T) {
	tree := newTestTree(t)
	_, err := tree.Spawn(nil, Definition{Name: "a"})
	require.NoError(t, err)

	_, err = tree.Spawn(nil, Definition{Name: "a"})
	require.ErrorIs(t, err, ErrNameCollision)
	assert.Equal(t, 1, tree.Len())
}

func TestSpawnSameRefTwice(t *testing.T) {
	tree := newTestTree(t)
	first, err := tree.Spawn(nil, Definition{Ref: "r1", Name: "a"})
	require.NoError(t, err)

	again, err := tree.Spawn(nil, Definition{Ref: "r1", Name: "a"})
	require.ErrorIs(t, err, ErrDuplicateRef)
	assert.Same(t, first, again)
	assert.Equal(t, 1, tree.Len())
}

func TestUnknownTypeFailsBeforeMutation(t *testing.T) {
	tree := newTestTree(t)
	def := Definition{
		Name: "ok",
		Children: []Definition{
			{Name: "child"},
			{Name: "bad", Type: "spaceship"},
		},
	}
	_, err := tree.Spawn(nil, def)
	require.ErrorIs(t, err, ErrUnknownType)
	assert.Equal(t, 0, tree.Len())

	_, err = tree.Spawn(nil, Definition{Name: "x", Behaviors: []BehaviorDefinition{{Type: "res://missing"}}})
	require.ErrorIs(t, err, ErrUnknownBehavior)
	assert.Equal(t, 0, tree.Len())
}

func TestRegistryFrozenAfterTree(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.RegisterType("crate", EntityType{}))
	require.ErrorIs(t, reg.RegisterType("crate", EntityType{}), ErrDuplicateType)
	NewTree(reg, WithLogger(log.Nop()))
	require.ErrorIs(t, reg.RegisterType("barrel", EntityType{}), ErrRegistryFrozen)
	assert.Equal(t, []string{"crate", DefaultType}, reg.Types())
}

func TestInvalidNames(t *testing.T) {
	tree := newTestTree(t)
	_, err := tree.Spawn(nil, Definition{Name: ""})
	require.ErrorIs(t, err, ErrInvalidName)
	_, err = tree.Spawn(nil, Definition{Name: "a/b"})
	require.ErrorIs(t, err, ErrInvalidName)
}

func TestReparentRecomputesIDs(t *testing.T) {
	tree := newTestTree(t)
	a, _ := tree.Spawn(nil, Definition{Name: "a"})
	b, _ := tree.Spawn(nil, Definition{Name: "b"})
	c, err := tree.Spawn(a, Definition{Name: "c", Children: []Definition{{Name: "d"}}})
	require.NoError(t, err)

	var got []DescendantReparented
	signal.On(tree.Root().Signals(), func(s DescendantReparented) error {
		got = append(got, s)
		return nil
	})

	require.NoError(t, tree.Reparent(c, b))
	assert.Equal(t, "/b/c", c.ID())
	_, ok := tree.LookupID("/a/c/d")
	assert.False(t, ok)
	d, ok := tree.LookupID("/b/c/d")
	require.True(t, ok)
	assert.Same(t, c, d.Parent())

	require.Len(t, got, 1)
	assert.Equal(t, a.Ref(), got[0].OldParent)
	assert.Equal(t, b.Ref(), got[0].NewParent)
}

func TestReparentRejectsCycleAndCollision(t *testing.T) {
	tree := newTestTree(t)
	a, _ := tree.Spawn(nil, Definition{Name: "a"})
	child, _ := tree.Spawn(a, Definition{Name: "child"})
	_, _ = tree.Spawn(nil, Definition{Name: "child"})

	require.ErrorIs(t, tree.Reparent(a, child), ErrCycle)
	require.ErrorIs(t, tree.Reparent(a, a), ErrCycle)
	require.ErrorIs(t, tree.Reparent(child, tree.Root()), ErrNameCollision)
	require.ErrorIs(t, tree.Reparent(tree.Root(), a), ErrRootImmutable)
}

func TestReparentKeepsLocalOrGlobal(t *testing.T) {
	tree := newTestTree(t)
	a, _ := tree.Spawn(nil, Definition{Name: "a", Transform: transformPtr(physics.At(physics.V(10, 0)))})
	b, _ := tree.Spawn(nil, Definition{Name: "b"})
	e, _ := tree.Spawn(a, Definition{Name: "e", Transform: transformPtr(physics.At(physics.V(1, 0)))})

	require.NoError(t, tree.Reparent(e, b))
	assert.Equal(t, physics.V(1, 0), e.Transform().Position)
	assert.Equal(t, physics.V(1, 0), e.GlobalTransform().Position)

	require.NoError(t, tree.ReparentKeepGlobal(e, a))
	assert.True(t, e.GlobalTransform().Position.ApproxEqual(physics.V(1, 0)))
	assert.True(t, e.Transform().Position.ApproxEqual(physics.V(-9, 0)))
}

func TestRename(t *testing.T) {
	tree := newTestTree(t)
	a, _ := tree.Spawn(nil, Definition{Name: "a", Children: []Definition{{Name: "x"}}})
	_, _ = tree.Spawn(nil, Definition{Name: "taken"})

	var got []DescendantRenamed
	signal.On(tree.Root().Signals(), func(s DescendantRenamed) error {
		got = append(got, s)
		return nil
	})

	require.ErrorIs(t, tree.Rename(a, "taken"), ErrNameCollision)
	require.NoError(t, tree.Rename(a, "z"))
	assert.Equal(t, "/z", a.ID())
	_, ok := tree.LookupID("/z/x")
	assert.True(t, ok)
	_, ok = tree.LookupID("/a/x")
	assert.False(t, ok)

	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].OldName)
	assert.Equal(t, "z", got[0].NewName)
}

func TestDestroyFiresUpAncestors(t *testing.T) {
	tree := newTestTree(t)
	a, _ := tree.Spawn(nil, Definition{Name: "a"})
	b, _ := tree.Spawn(a, Definition{Name: "b", Values: map[string]any{"v": 1}})
	c, _ := tree.Spawn(b, Definition{Name: "c"})

	type seen struct {
		at   string
		name string
		root bool
	}
	var events []seen
	for _, e := range []*Entity{tree.Root(), a} {
		at := e.ID()
		signal.On(e.Signals(), func(s DescendantDestroyed) error {
			events = append(events, seen{at: at, name: s.Entity.Name(), root: s.Root})
			return nil
		})
	}
	destroyed := false
	signal.On(c.Signals(), func(Destroyed) error {
		destroyed = true
		return nil
	})

	require.NoError(t, tree.Destroy(b))
	assert.True(t, destroyed)
	assert.Equal(t, []seen{
		{"/a", "c", false}, {"/", "c", false},
		{"/a", "b", true}, {"/", "b", true},
	}, events)

	assert.False(t, b.Alive())
	assert.False(t, c.Alive())
	_, ok := tree.Lookup(c.Ref())
	assert.False(t, ok)
	_, ok = tree.LookupID("/a/b")
	assert.False(t, ok)
	assert.Empty(t, a.Children())
	assert.Equal(t, 0, tree.Values().Len())

	require.ErrorIs(t, tree.Destroy(b), ErrDestroyed)
	require.ErrorIs(t, tree.Destroy(tree.Root()), ErrRootImmutable)
}

func TestGlobalTransformScenario(t *testing.T) {
	tree := newTestTree(t)
	a, _ := tree.Spawn(nil, Definition{Name: "A", Transform: &physics.Transform{Scale: physics.V(2, 1)}})
	b, _ := tree.Spawn(a, Definition{Name: "B", Transform: transformPtr(physics.At(physics.V(-2, 0)))})

	world := b.GlobalTransform()
	assert.InDelta(t, -4, world.Position.X, physics.Epsilon)
	assert.InDelta(t, 0, world.Position.Y, physics.Epsilon)
}

func TestSetGlobalTransformWritesLocal(t *testing.T) {
	tree := newTestTree(t)
	a, _ := tree.Spawn(nil, Definition{Name: "A", Transform: &physics.Transform{
		Position: physics.V(5, 5), Rotation: 0.5, Scale: physics.V(2, 3),
	}})
	b, _ := tree.Spawn(a, Definition{Name: "B"})

	changes := 0
	signal.On(b.Signals(), func(TransformChanged) error {
		changes++
		return nil
	})

	target := physics.Transform{Position: physics.V(1, 2), Rotation: 1, Scale: physics.V(4, 6)}
	before := b.TransformVersion()
	b.SetGlobalTransform(target)

	assert.True(t, b.GlobalTransform().ApproxEqual(target))
	assert.Equal(t, before+1, b.TransformVersion())
	assert.Equal(t, 1, changes)
}

func TestBulkLoadDefersSignals(t *testing.T) {
	tree := newTestTree(t)
	var spawned []string
	signal.On(tree.Root().Signals(), func(s DescendantSpawned) error {
		spawned = append(spawned, s.Entity.ID())
		return nil
	})

	require.NoError(t, tree.BeginLoad())
	require.ErrorIs(t, tree.BeginLoad(), ErrAlreadyLoading)
	a, err := tree.Spawn(nil, Definition{Name: "a"})
	require.NoError(t, err)
	_, err = tree.Spawn(a, Definition{Name: "b"})
	require.NoError(t, err)

	assert.Empty(t, spawned)
	assert.True(t, a.Pending())
	_, ok := tree.LookupID("/a/b")
	assert.True(t, ok)

	require.NoError(t, tree.Finalize())
	assert.Equal(t, []string{"/a", "/a/b"}, spawned)
	assert.False(t, a.Pending())
	require.ErrorIs(t, tree.Finalize(), ErrNotLoading)
}

func TestLoadAndSnapshotRoundTrip(t *testing.T) {
	tree := newTestTree(t)
	defs := []Definition{
		{Ref: "a", Name: "a", Values: map[string]any{"hp": 3.0}, Children: []Definition{
			{Ref: "b", Name: "b", Transform: transformPtr(physics.At(physics.V(1, 2)))},
		}},
		{Ref: "c", Name: "c", Authority: "c1", AuthorityClock: 4},
	}
	require.NoError(t, tree.Load(defs))

	snap := tree.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, Ref("a"), snap[0].Ref)
	assert.Equal(t, map[string]any{"hp": 3.0}, snap[0].Values)
	assert.Equal(t, physics.V(1, 2), snap[0].Children[0].Transform.Position)
	assert.Equal(t, "c1", snap[1].Authority)
	assert.Equal(t, uint64(4), snap[1].AuthorityClock)

	other := newTestTree(t)
	require.NoError(t, other.Load(snap))
	assert.Equal(t, snap, other.Snapshot())

	// loading twice skips existing refs
	require.NoError(t, other.Load(snap))
	assert.Equal(t, 3, other.Len())
}

type counter struct {
	ctx       *BehaviorContext
	ready     int
	destroyed int
	ticks     int
	alive     bool
}

func (c *counter) Attach(ctx *BehaviorContext) error {
	c.ctx = ctx
	c.alive = true
	if _, err := ctx.Declare("speed", 2); err != nil {
		return err
	}
	signal.Bind(ctx.Tree.Clock(), c, func(c *counter, _ Ticked) error {
		c.ticks++
		return nil
	})
	return nil
}

func (c *counter) Ready()      { c.ready++ }
func (c *counter) Destroy()    { c.destroyed++; c.alive = false }
func (c *counter) Alive() bool { return c.alive }

func TestBehaviorLifecycle(t *testing.T) {
	var made []*counter
	tree := newTestTree(t, func(r *Registry) {
		require.NoError(t, r.RegisterBehavior("res://counter", func() Behavior {
			c := &counter{}
			made = append(made, c)
			return c
		}))
		require.NoError(t, r.RegisterType("mover", EntityType{Behaviors: []string{"res://counter"}, Body: true}))
	})

	e, err := tree.Spawn(nil, Definition{Name: "m", Type: "mover"})
	require.NoError(t, err)
	require.Len(t, made, 1)
	c := made[0]
	assert.Equal(t, 1, c.ready)
	assert.True(t, e.Body())

	speed, ok := e.BehaviorValue(Ref(string(e.Ref())+"#res://counter"), "speed")
	require.True(t, ok)
	assert.Equal(t, 2.0, speed.Get())

	tree.Tick(0.1)
	tree.Tick(0.1)
	assert.Equal(t, 2, c.ticks)

	def := e.Definition()
	require.Len(t, def.Behaviors, 1)
	assert.Equal(t, map[string]any{"speed": 2.0}, def.Behaviors[0].Values)

	h := c.ctx.Entity
	require.NoError(t, tree.Destroy(e))
	assert.Equal(t, 1, c.destroyed)
	tree.Tick(0.1)
	assert.Equal(t, 2, c.ticks)
	_, ok = h.Get()
	assert.False(t, ok)
}

func TestDefinitionCarriesGenerations(t *testing.T) {
	setup := func(r *Registry) {
		require.NoError(t, r.RegisterBehavior("res://counter", func() Behavior { return &counter{} }))
		require.NoError(t, r.RegisterType("mover", EntityType{Behaviors: []string{"res://counter"}}))
	}
	tree := newTestTree(t, setup)
	e, err := tree.Spawn(nil, Definition{Ref: "m", Name: "m", Type: "mover", Values: map[string]any{"hp": 1}})
	require.NoError(t, err)
	assert.Nil(t, e.Definition().Generations, "untouched values record no generation")

	hp, ok := e.Value("hp")
	require.True(t, ok)
	for i := 2; i <= 4; i++ {
		require.NoError(t, hp.Set(i))
	}
	speed, ok := e.BehaviorValue("m#res://counter", "speed")
	require.True(t, ok)
	require.NoError(t, speed.Set(5))

	def := e.Definition()
	assert.Equal(t, map[string]uint64{"hp": 3}, def.Generations)
	require.Len(t, def.Behaviors, 1)
	assert.Equal(t, map[string]uint64{"speed": 1}, def.Behaviors[0].Generations)

	other := newTestTree(t, setup)
	copied, err := other.Spawn(nil, def)
	require.NoError(t, err)
	hp, ok = copied.Value("hp")
	require.True(t, ok)
	assert.Equal(t, 4.0, hp.Get())
	assert.Equal(t, uint64(3), hp.Generation())
	speed, ok = copied.BehaviorValue("m#res://counter", "speed")
	require.True(t, ok)
	assert.Equal(t, 5.0, speed.Get())
	assert.Equal(t, uint64(1), speed.Generation())
}

type failing struct{}

func (failing) Attach(*BehaviorContext) error { return errors.New("nope") }

func TestAttachFailureRollsBack(t *testing.T) {
	tree := newTestTree(t, func(r *Registry) {
		require.NoError(t, r.RegisterBehavior("res://fail", func() Behavior { return failing{} }))
	})
	_, err := tree.Spawn(nil, Definition{
		Name:     "a",
		Values:   map[string]any{"x": 1},
		Children: []Definition{{Name: "b", Behaviors: []BehaviorDefinition{{Type: "res://fail"}}}},
	})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "nope"))
	assert.Equal(t, 0, tree.Len())
	assert.Equal(t, 0, tree.Values().Len())
	assert.Empty(t, tree.Root().Children())
}

func TestStructuralSignalSuperType(t *testing.T) {
	tree := newTestTree(t)
	var kinds []string
	signal.On(tree.Root().Signals(), func(s StructuralSignal) error {
		kinds = append(kinds, s.Subject().Name())
		return nil
	})

	a, _ := tree.Spawn(nil, Definition{Name: "a"})
	require.NoError(t, tree.Rename(a, "b"))
	require.NoError(t, tree.Destroy(a))
	assert.Equal(t, []string{"a", "b", "b"}, kinds)
}
