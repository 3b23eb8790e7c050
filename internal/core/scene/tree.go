package scene

import (
	"errors"
	"fmt"
	"sort"

	"github.com/zeusync/scenesync/internal/core/events/signal"
	"github.com/zeusync/scenesync/internal/core/observability/log"
	"github.com/zeusync/scenesync/internal/core/systems/physics"
	"github.com/zeusync/scenesync/internal/core/values"
)

// Tree owns every entity of a scene and indexes them by ref and by path.
// A Tree is not safe for concurrent use; it belongs to the simulation loop.
type Tree struct {
	registry *Registry
	values   *values.Registry
	logger   log.Log

	root  *Entity
	byRef map[Ref]*Entity
	byID  map[string]*Entity

	loading bool
	pending []*Entity

	clock signal.Dispatcher
	tick  uint64
}

type Option func(*Tree)

func WithLogger(l log.Log) Option {
	return func(t *Tree) { t.logger = l }
}

// WithValues makes the tree register entity values in r.
func WithValues(r *values.Registry) Option {
	return func(t *Tree) { t.values = r }
}

// NewTree creates an empty tree and freezes reg.
func NewTree(reg *Registry, opts ...Option) *Tree {
	if reg == nil {
		reg = NewRegistry()
	}
	reg.Freeze()

	t := &Tree{
		registry: reg,
		byRef:    make(map[Ref]*Entity),
		byID:     make(map[string]*Entity),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = log.OrProvide(t.logger).With(log.String("component", "scene"))
	if t.values == nil {
		t.values = values.NewRegistry("", t.logger)
	}

	t.root = &Entity{
		tree:      t,
		ref:       RootRef,
		id:        "/",
		typ:       DefaultType,
		children:  make(map[string]Ref),
		transform: physics.Identity(),
		values:    make(map[string]*values.Value),
		alive:     true,
	}
	t.byRef[RootRef] = t.root
	t.byID["/"] = t.root
	return t
}

func (t *Tree) Root() *Entity { return t.root }

func (t *Tree) Registry() *Registry { return t.registry }

func (t *Tree) Values() *values.Registry { return t.values }

// Clock carries a Ticked signal per simulation step.
func (t *Tree) Clock() *signal.Dispatcher { return &t.clock }

func (t *Tree) Lookup(ref Ref) (*Entity, bool) {
	e, ok := t.byRef[ref]
	return e, ok
}

func (t *Tree) LookupID(id string) (*Entity, bool) {
	e, ok := t.byID[id]
	return e, ok
}

// Len counts entities, root excluded.
func (t *Tree) Len() int { return len(t.byRef) - 1 }

// Loading reports whether a bulk load is in progress.
func (t *Tree) Loading() bool { return t.loading }

// Spawn validates def and attaches it under parent (the root when nil).
// A definition whose ref already exists returns that entity with ErrDuplicateRef.
func (t *Tree) Spawn(parent *Entity, def Definition) (*Entity, error) {
	if parent == nil {
		parent = t.root
	}
	if !parent.alive || parent.dying {
		return nil, ErrDestroyed
	}
	if def.Ref != "" {
		if existing, ok := t.byRef[def.Ref]; ok {
			return existing, ErrDuplicateRef
		}
	}
	if err := t.registry.Validate(def); err != nil {
		return nil, err
	}
	if err := t.checkRefs(def); err != nil {
		return nil, err
	}
	if _, taken := parent.children[def.Name]; taken {
		return nil, fmt.Errorf("%s: %w", childID(parent, def.Name), ErrNameCollision)
	}

	e, err := t.build(parent, def)
	if err != nil {
		if e != nil {
			t.unlink(e)
		}
		return nil, err
	}

	if t.loading {
		t.pending = append(t.pending, e)
		return e, nil
	}
	t.fireSpawned(e)
	return e, nil
}

// SpawnUnder is Spawn with the parent given by ref.
func (t *Tree) SpawnUnder(parent Ref, def Definition) (*Entity, error) {
	p, ok := t.byRef[parent]
	if !ok {
		return nil, fmt.Errorf("parent %s: %w", parent, ErrMissingReference)
	}
	return t.Spawn(p, def)
}

func (t *Tree) checkRefs(def Definition) error {
	seen := make(map[Ref]struct{})
	for _, ref := range def.refs(nil) {
		if _, dup := seen[ref]; dup {
			return fmt.Errorf("%s: %w", ref, ErrDuplicateRef)
		}
		seen[ref] = struct{}{}
		if _, ok := t.byRef[ref]; ok {
			return fmt.Errorf("%s: %w", ref, ErrDuplicateRef)
		}
	}
	return nil
}

func (t *Tree) build(parent *Entity, def Definition) (*Entity, error) {
	et, _ := t.registry.Type(def.Type)
	typ := def.Type
	if typ == "" {
		typ = DefaultType
	}
	ref := def.Ref
	if ref == "" {
		ref = NewRef()
	}

	e := &Entity{
		tree:      t,
		ref:       ref,
		name:      def.Name,
		typ:       typ,
		parent:    parent.ref,
		children:  make(map[string]Ref, len(def.Children)),
		body:      def.Body || et.Body,
		transform: def.transform(),
		holder:    def.Authority,
		clock:     def.AuthorityClock,
		values:    make(map[string]*values.Value),
		alive:     true,
		pending:   true,
	}
	e.id = childID(parent, def.Name)
	parent.children[def.Name] = ref
	t.byRef[ref] = e
	t.byID[e.id] = e

	if err := t.attachValues(e, et.Defaults, def.Values, def.Generations); err != nil {
		return e, err
	}
	for _, c := range def.Children {
		if _, err := t.build(e, c); err != nil {
			return e, err
		}
	}

	declared := make(map[string]bool, len(def.Behaviors))
	for _, b := range def.Behaviors {
		declared[b.Type] = true
	}
	for _, locator := range et.Behaviors {
		if declared[locator] {
			continue
		}
		// derived so every process names the type's behaviors alike
		bdef := BehaviorDefinition{Ref: Ref(string(ref) + "#" + locator), Type: locator}
		if err := t.attachBehavior(e, bdef); err != nil {
			return e, err
		}
	}
	for _, b := range def.Behaviors {
		if err := t.attachBehavior(e, b); err != nil {
			return e, err
		}
	}
	return e, nil
}

func (t *Tree) attachValues(e *Entity, defaults, own map[string]any, gens map[string]uint64) error {
	merged := make(map[string]any, len(defaults)+len(own))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range own {
		merged[k] = v
	}
	for _, field := range sortedKeys(merged) {
		v, err := t.values.Register(string(e.ref), values.ID(string(e.ref), "", field), merged[field], generation(gens, field)...)
		if err != nil {
			return fmt.Errorf("%s: value %s: %w", e.id, field, err)
		}
		e.values[field] = v
	}
	return nil
}

func (t *Tree) attachBehavior(e *Entity, def BehaviorDefinition) error {
	factory, ok := t.registry.Behavior(def.Type)
	if !ok {
		return fmt.Errorf("%s: %w: %q", e.id, ErrUnknownBehavior, def.Type)
	}
	impl := factory()
	if impl == nil {
		return fmt.Errorf("%s: behavior %q: factory returned nil", e.id, def.Type)
	}
	ref := def.Ref
	if ref == "" {
		ref = NewRef()
	}

	inst := &behaviorInstance{
		ref:    ref,
		typ:    def.Type,
		impl:   impl,
		values: make(map[string]*values.Value, len(def.Values)),
	}
	for _, field := range sortedKeys(def.Values) {
		v, err := t.values.Register(string(e.ref), values.ID(string(e.ref), string(ref), field), def.Values[field],
			generation(def.Generations, field)...)
		if err != nil {
			return fmt.Errorf("%s: behavior %q value %s: %w", e.id, def.Type, field, err)
		}
		inst.values[field] = v
	}
	e.behaviors = append(e.behaviors, inst)

	ctx := &BehaviorContext{
		Entity:   e.Handle(),
		Ref:      ref,
		Type:     def.Type,
		Tree:     t,
		instance: inst,
		owner:    e.ref,
	}
	if err := impl.Attach(ctx); err != nil {
		return fmt.Errorf("%s: attach %q: %w", e.id, def.Type, err)
	}
	return nil
}

// unlink removes a subtree without firing anything. Used to roll back a
// spawn that failed before any signal went out.
func (t *Tree) unlink(e *Entity) {
	for _, ref := range e.children {
		if c, ok := t.byRef[ref]; ok {
			t.unlink(c)
		}
	}
	if p, ok := t.byRef[e.parent]; ok && p.children[e.name] == e.ref {
		delete(p.children, e.name)
	}
	delete(t.byRef, e.ref)
	if t.byID[e.id] == e {
		delete(t.byID, e.id)
	}
	t.values.RemoveOwner(string(e.ref))
	e.alive = false
}

// fireSpawned runs the lifecycle of every still pending entity under top:
// DescendantSpawned parents first, then Ready children first.
func (t *Tree) fireSpawned(top *Entity) {
	var order []*Entity
	t.walkFrom(top, func(e *Entity) bool {
		if e.pending {
			e.pending = false
			order = append(order, e)
		}
		return true
	})

	for _, e := range order {
		if e.alive {
			t.bubble(e, DescendantSpawned{Entity: e, Root: e == top})
		}
	}
	for i := len(order) - 1; i >= 0; i-- {
		e := order[i]
		if !e.alive {
			continue
		}
		t.emit(e, Ready{Entity: e})
		for _, b := range e.behaviors {
			if r, ok := b.impl.(Readier); ok {
				r.Ready()
			}
		}
	}
}

// BeginLoad holds every following spawn pending until Finalize.
func (t *Tree) BeginLoad() error {
	if t.loading {
		return ErrAlreadyLoading
	}
	t.loading = true
	return nil
}

// Finalize ends a bulk load and fires the lifecycle of everything spawned
// during it, in spawn order.
func (t *Tree) Finalize() error {
	if !t.loading {
		return ErrNotLoading
	}
	t.loading = false
	tops := t.pending
	t.pending = nil
	for _, e := range tops {
		if e.alive {
			t.fireSpawned(e)
		}
	}
	return nil
}

// Load validates defs as siblings, then spawns them under the root as one
// bulk load. Definitions whose ref already exists are skipped.
func (t *Tree) Load(defs []Definition) error {
	if err := t.registry.ValidateAll(defs); err != nil {
		return err
	}
	if err := t.BeginLoad(); err != nil {
		return err
	}
	var firstErr error
	for _, def := range defs {
		if _, err := t.Spawn(t.root, def); err != nil && firstErr == nil && !isDuplicate(err) {
			firstErr = err
		}
	}
	if err := t.Finalize(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func isDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicateRef)
}

// Destroy removes e and its subtree. Children go first; every entity fires
// Destroyed on itself and DescendantDestroyed on each of its ancestors.
func (t *Tree) Destroy(e *Entity) error {
	if e == nil || !e.alive || e.dying {
		return ErrDestroyed
	}
	if e.IsRoot() {
		return ErrRootImmutable
	}
	t.destroy(e, true)
	return nil
}

func (t *Tree) destroy(e *Entity, top bool) {
	e.dying = true
	for _, c := range e.Children() {
		t.destroy(c, false)
	}

	if !e.pending {
		for _, b := range e.behaviors {
			if d, ok := b.impl.(Destroyer); ok {
				d.Destroy()
			}
		}
		t.emit(e, Destroyed{Entity: e})
		t.bubble(e, DescendantDestroyed{Entity: e, Root: top})
	}

	if p, ok := t.byRef[e.parent]; ok && p.children[e.name] == e.ref {
		delete(p.children, e.name)
	}
	delete(t.byRef, e.ref)
	if t.byID[e.id] == e {
		delete(t.byID, e.id)
	}
	t.values.RemoveOwner(string(e.ref))
	e.alive = false
	e.signals.Clear()
}

// Reparent moves e under newParent keeping its local transform, so its world
// transform follows the new parent.
func (t *Tree) Reparent(e, newParent *Entity) error {
	return t.reparent(e, newParent, false)
}

// ReparentKeepGlobal moves e under newParent and rewrites its local transform
// so that its world transform does not change.
func (t *Tree) ReparentKeepGlobal(e, newParent *Entity) error {
	return t.reparent(e, newParent, true)
}

func (t *Tree) reparent(e, newParent *Entity, keepGlobal bool) error {
	if e == nil || !e.alive || newParent == nil || !newParent.alive {
		return ErrDestroyed
	}
	if e.IsRoot() {
		return ErrRootImmutable
	}
	if newParent == e || e.IsAncestorOf(newParent) {
		return ErrCycle
	}
	if e.parent == newParent.ref {
		return nil
	}
	if _, taken := newParent.children[e.name]; taken {
		return fmt.Errorf("%s: %w", childID(newParent, e.name), ErrNameCollision)
	}

	world := e.GlobalTransform()
	oldParent := e.parent
	if p, ok := t.byRef[oldParent]; ok {
		delete(p.children, e.name)
	}
	newParent.children[e.name] = e.ref
	e.parent = newParent.ref
	t.reindex(e)

	if !e.pending {
		t.bubble(e, DescendantReparented{Entity: e, OldParent: oldParent, NewParent: newParent.ref, KeepGlobal: keepGlobal})
	}
	if keepGlobal {
		e.SetGlobalTransform(world)
	}
	return nil
}

// Rename changes the name of e and the ids of its whole subtree.
func (t *Tree) Rename(e *Entity, name string) error {
	if e == nil || !e.alive {
		return ErrDestroyed
	}
	if e.IsRoot() {
		return ErrRootImmutable
	}
	if err := ValidateName(name); err != nil {
		return err
	}
	if e.name == name {
		return nil
	}
	p := e.Parent()
	if _, taken := p.children[name]; taken {
		return fmt.Errorf("%s: %w", childID(p, name), ErrNameCollision)
	}

	oldName := e.name
	delete(p.children, oldName)
	p.children[name] = e.ref
	e.name = name
	t.reindex(e)

	if !e.pending {
		t.bubble(e, DescendantRenamed{Entity: e, OldName: oldName, NewName: name})
	}
	return nil
}

func (t *Tree) reindex(top *Entity) {
	var subtree []*Entity
	t.walkFrom(top, func(e *Entity) bool {
		subtree = append(subtree, e)
		return true
	})
	for _, e := range subtree {
		if t.byID[e.id] == e {
			delete(t.byID, e.id)
		}
	}
	for _, e := range subtree {
		e.id = childID(e.Parent(), e.name)
		t.byID[e.id] = e
	}
}

// Walk visits every entity but the root, parents before children and
// siblings by name, until fn returns false.
func (t *Tree) Walk(fn func(*Entity) bool) {
	for _, c := range t.root.Children() {
		if !t.walkFrom(c, fn) {
			return
		}
	}
}

func (t *Tree) walkFrom(e *Entity, fn func(*Entity) bool) bool {
	if !fn(e) {
		return false
	}
	for _, c := range e.Children() {
		if !t.walkFrom(c, fn) {
			return false
		}
	}
	return true
}

// Snapshot describes the whole scene as definitions of the root's children.
func (t *Tree) Snapshot() []Definition {
	children := t.root.Children()
	out := make([]Definition, 0, len(children))
	for _, c := range children {
		out = append(out, c.Definition())
	}
	return out
}

// Tick advances the tree clock and emits Ticked on it.
func (t *Tree) Tick(dt float64) uint64 {
	t.tick++
	if err := t.clock.Emit(Ticked{Tick: t.tick, Delta: dt}); err != nil {
		t.logger.Warn("clock listener failed", log.Uint64("tick", t.tick), log.Error(err))
	}
	return t.tick
}

func (t *Tree) emit(e *Entity, s signal.Signal) {
	if err := e.signals.Emit(s); err != nil {
		t.logger.Warn("signal listener failed",
			log.Ref(string(e.ref)),
			log.String("signal", fmt.Sprintf("%T", s)),
			log.Error(err),
		)
	}
}

func (t *Tree) bubble(e *Entity, s signal.Signal) {
	for p := e.Parent(); p != nil; p = p.Parent() {
		t.emit(p, s)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
