package scene

import (
	"sort"

	"github.com/zeusync/scenesync/internal/core/events/signal"
	"github.com/zeusync/scenesync/internal/core/systems/physics"
	"github.com/zeusync/scenesync/internal/core/values"
)

// Entity is a node of the scene tree. Parent and children are stored as refs
// and resolved through the tree, so an Entity never keeps a detached node
// reachable. Entities belong to the simulation goroutine.
type Entity struct {
	tree     *Tree
	ref      Ref
	id       string
	name     string
	typ      string
	parent   Ref
	children map[string]Ref
	body     bool

	transform physics.Transform
	version   uint64

	holder string
	clock  uint64

	values    map[string]*values.Value
	behaviors []*behaviorInstance
	signals   signal.Dispatcher

	alive   bool
	dying   bool
	pending bool
}

func (e *Entity) Ref() Ref { return e.ref }

// ID is the path of the entity, e.g. "/level/player". It changes on rename
// and reparent and is never used as a wire key.
func (e *Entity) ID() string { return e.id }

func (e *Entity) Name() string { return e.name }

func (e *Entity) Type() string { return e.typ }

func (e *Entity) Body() bool { return e.body }

func (e *Entity) IsRoot() bool { return e.ref == RootRef }

// Alive reports whether the entity is still part of its tree.
func (e *Entity) Alive() bool { return e.alive }

// Pending reports whether the entity waits for Tree.Finalize.
func (e *Entity) Pending() bool { return e.pending }

func (e *Entity) Tree() *Tree { return e.tree }

func (e *Entity) Handle() Handle { return Handle{tree: e.tree, ref: e.ref} }

// Signals is the dispatcher for signals about this entity and, bubbled, its
// descendants.
func (e *Entity) Signals() *signal.Dispatcher { return &e.signals }

func (e *Entity) Parent() *Entity {
	if e.parent == "" {
		return nil
	}
	p, _ := e.tree.Lookup(e.parent)
	return p
}

func (e *Entity) ParentRef() Ref { return e.parent }

func (e *Entity) Child(name string) (*Entity, bool) {
	ref, ok := e.children[name]
	if !ok {
		return nil, false
	}
	return e.tree.Lookup(ref)
}

// Children returns the direct children sorted by name.
func (e *Entity) Children() []*Entity {
	names := make([]string, 0, len(e.children))
	for name := range e.children {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*Entity, 0, len(names))
	for _, name := range names {
		if c, ok := e.tree.Lookup(e.children[name]); ok {
			out = append(out, c)
		}
	}
	return out
}

// IsAncestorOf reports whether e is a strict ancestor of other.
func (e *Entity) IsAncestorOf(other *Entity) bool {
	for p := other.Parent(); p != nil; p = p.Parent() {
		if p == e {
			return true
		}
	}
	return false
}

func (e *Entity) Transform() physics.Transform { return e.transform }

// TransformVersion increases on every write of the local transform.
func (e *Entity) TransformVersion() uint64 { return e.version }

func (e *Entity) SetTransform(t physics.Transform) {
	e.writeTransform(t, false)
}

// ApplyRemoteTransform writes a transform received from the network. It
// differs from SetTransform only in the Remote flag of the emitted signal.
func (e *Entity) ApplyRemoteTransform(t physics.Transform) {
	e.writeTransform(t, true)
}

func (e *Entity) writeTransform(t physics.Transform, remote bool) {
	e.transform = t
	e.version++
	if e.pending {
		return
	}
	e.tree.emit(e, TransformChanged{Entity: e, Remote: remote})
}

// GlobalTransform composes the local transforms from the root down to e.
func (e *Entity) GlobalTransform() physics.Transform {
	p := e.Parent()
	if p == nil {
		return e.transform
	}
	return physics.LocalToWorld(p.GlobalTransform(), e.transform)
}

// SetGlobalTransform writes the local transform that places e at world.
func (e *Entity) SetGlobalTransform(world physics.Transform) {
	p := e.Parent()
	if p == nil {
		e.SetTransform(world)
		return
	}
	e.SetTransform(physics.WorldToLocal(p.GlobalTransform(), world))
}

// Authority returns the connection holding exclusive authority, if any, and
// the authority clock.
func (e *Entity) Authority() (holder string, clock uint64) {
	return e.holder, e.clock
}

func (e *Entity) SetAuthority(holder string, clock uint64) {
	prev := e.holder
	e.holder, e.clock = holder, clock
	if e.pending {
		return
	}
	e.tree.emit(e, AuthorityChanged{Entity: e, Previous: prev, Holder: holder, Clock: clock})
}

// Value returns an entity-level value by field name.
func (e *Entity) Value(field string) (*values.Value, bool) {
	v, ok := e.values[field]
	return v, ok
}

// BehaviorValue returns a value declared by the behavior with the given ref.
func (e *Entity) BehaviorValue(behavior Ref, field string) (*values.Value, bool) {
	for _, b := range e.behaviors {
		if b.ref == behavior {
			v, ok := b.values[field]
			return v, ok
		}
	}
	return nil, false
}

// Behaviors returns the attached behavior instances in attach order.
func (e *Entity) Behaviors() []Behavior {
	out := make([]Behavior, len(e.behaviors))
	for i, b := range e.behaviors {
		out[i] = b.impl
	}
	return out
}

// Definition snapshots e and its subtree with current values, refs and authority.
func (e *Entity) Definition() Definition {
	t := e.transform
	def := Definition{
		Ref:            e.ref,
		Type:           e.typ,
		Name:           e.name,
		Transform:      &t,
		Body:           e.body,
		Authority:      e.holder,
		AuthorityClock: e.clock,
	}
	for field, v := range e.values {
		if !v.Replicated() {
			continue
		}
		if def.Values == nil {
			def.Values = make(map[string]any, len(e.values))
		}
		def.Values[field] = v.Wire()
		if g := v.Generation(); g > 0 {
			if def.Generations == nil {
				def.Generations = make(map[string]uint64)
			}
			def.Generations[field] = g
		}
	}
	for _, b := range e.behaviors {
		def.Behaviors = append(def.Behaviors, b.definition())
	}
	for _, c := range e.Children() {
		def.Children = append(def.Children, c.Definition())
	}
	return def
}

func childID(parent *Entity, name string) string {
	if parent.IsRoot() {
		return "/" + name
	}
	return parent.id + "/" + name
}
