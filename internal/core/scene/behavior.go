package scene

import (
	"fmt"

	"github.com/zeusync/scenesync/internal/core/observability/log"
	"github.com/zeusync/scenesync/internal/core/values"
)

// Behavior is attached to an entity when it is spawned. Attach runs before
// any lifecycle signal of the entity fires.
type Behavior interface {
	Attach(ctx *BehaviorContext) error
}

// Readier behaviors are notified once the owning subtree is attached.
type Readier interface {
	Ready()
}

// Destroyer behaviors are notified before the owning entity leaves the tree.
type Destroyer interface {
	Destroy()
}

// Handle resolves an entity by ref on every call. Holding a Handle never keeps
// a destroyed entity reachable.
type Handle struct {
	tree *Tree
	ref  Ref
}

func (h Handle) Ref() Ref { return h.ref }

func (h Handle) Get() (*Entity, bool) {
	if h.tree == nil {
		return nil, false
	}
	return h.tree.Lookup(h.ref)
}

// BehaviorContext is what a behavior gets to work with during Attach.
type BehaviorContext struct {
	Entity Handle
	Ref    Ref
	Type   string
	Tree   *Tree

	instance *behaviorInstance
	owner    Ref
}

// Value returns a value declared by the behavior definition or by Declare.
func (c *BehaviorContext) Value(field string) (*values.Value, bool) {
	v, ok := c.instance.values[field]
	return v, ok
}

// Declare registers a behavior value unless the definition already supplied
// one, in which case the existing value is returned.
func (c *BehaviorContext) Declare(field string, initial any, opts ...values.Option) (*values.Value, error) {
	if v, ok := c.instance.values[field]; ok {
		return v, nil
	}
	v, err := c.Tree.values.Register(string(c.owner), values.ID(string(c.owner), string(c.Ref), field), initial, opts...)
	if err != nil {
		return nil, fmt.Errorf("declare %s: %w", field, err)
	}
	c.instance.values[field] = v
	return v, nil
}

func (c *BehaviorContext) Logger() log.Log {
	return c.Tree.logger.With(log.Ref(string(c.owner)), log.String("behavior", c.Type))
}

type behaviorInstance struct {
	ref    Ref
	typ    string
	impl   Behavior
	values map[string]*values.Value
}

func (b *behaviorInstance) definition() BehaviorDefinition {
	def := BehaviorDefinition{Ref: b.ref, Type: b.typ}
	if len(b.values) > 0 {
		def.Values = make(map[string]any, len(b.values))
		for field, v := range b.values {
			if !v.Replicated() {
				continue
			}
			def.Values[field] = v.Wire()
			if g := v.Generation(); g > 0 {
				if def.Generations == nil {
					def.Generations = make(map[string]uint64)
				}
				def.Generations[field] = g
			}
		}
		if len(def.Values) == 0 {
			def.Values = nil
		}
	}
	return def
}
