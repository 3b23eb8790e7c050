package scene

import (
	"github.com/google/uuid"

	"github.com/zeusync/scenesync/internal/core/systems/physics"
	"github.com/zeusync/scenesync/internal/core/values"
)

// Ref is the stable identity of an entity or behavior. It never changes and
// is the only key used on the wire.
type Ref string

// RootRef is the ref of the tree root, identical in every process.
const RootRef Ref = "root"

func NewRef() Ref { return Ref(uuid.NewString()) }

// Definition describes an entity subtree. It is used identically for local
// spawns, remote spawn packets, scene files and snapshots.
type Definition struct {
	Ref            Ref                  `json:"ref,omitempty" yaml:"ref,omitempty"`
	Type           string               `json:"type,omitempty" yaml:"type,omitempty"`
	Name           string               `json:"name" yaml:"name"`
	Transform      *physics.Transform   `json:"transform,omitempty" yaml:"transform,omitempty"`
	Body           bool                 `json:"body,omitempty" yaml:"body,omitempty"`
	Values         map[string]any       `json:"values,omitempty" yaml:"values,omitempty"`
	Generations    map[string]uint64    `json:"generations,omitempty" yaml:"generations,omitempty"`
	Behaviors      []BehaviorDefinition `json:"behaviors,omitempty" yaml:"behaviors,omitempty"`
	Children       []Definition         `json:"children,omitempty" yaml:"children,omitempty"`
	Authority      string               `json:"authority,omitempty" yaml:"authority,omitempty"`
	AuthorityClock uint64               `json:"authority_clock,omitempty" yaml:"authority_clock,omitempty"`
}

// BehaviorDefinition attaches a behavior, resolved through the Registry by
// its locator, to an entity.
type BehaviorDefinition struct {
	Ref         Ref               `json:"ref,omitempty" yaml:"ref,omitempty"`
	Type        string            `json:"type" yaml:"type"`
	Values      map[string]any    `json:"values,omitempty" yaml:"values,omitempty"`
	Generations map[string]uint64 `json:"generations,omitempty" yaml:"generations,omitempty"`
}

// generation returns the option restoring the generation of field, if one
// was recorded.
func generation(gens map[string]uint64, field string) []values.Option {
	if g := gens[field]; g > 0 {
		return []values.Option{values.WithGeneration(g)}
	}
	return nil
}

func (d Definition) transform() physics.Transform {
	if d.Transform == nil {
		return physics.Identity()
	}
	return *d.Transform
}

// refs collects every ref named in the subtree, behaviors excluded.
func (d Definition) refs(into []Ref) []Ref {
	if d.Ref != "" {
		into = append(into, d.Ref)
	}
	for _, c := range d.Children {
		into = c.refs(into)
	}
	return into
}
