package scene

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// DefaultType is the tag used when a definition names no type.
const DefaultType = "entity"

// EntityType describes what a type tag stands for.
type EntityType struct {
	// Defaults are merged under the definition's own values.
	Defaults map[string]any
	// Behaviors are attached to every instance before the definition's own.
	Behaviors []string
	// Body marks every instance as a physics body.
	Body bool
}

// BehaviorFactory builds a fresh behavior instance.
type BehaviorFactory func() Behavior

// Registry maps type tags and behavior locators to constructors. It is
// filled at startup and frozen once a Tree uses it, so unknown tags surface
// when definitions are validated rather than halfway through a spawn.
type Registry struct {
	mu        sync.RWMutex
	types     map[string]EntityType
	behaviors map[string]BehaviorFactory
	frozen    bool
}

func NewRegistry() *Registry {
	return &Registry{
		types:     map[string]EntityType{DefaultType: {}},
		behaviors: make(map[string]BehaviorFactory),
	}
}

func (r *Registry) RegisterType(tag string, et EntityType) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrRegistryFrozen
	}
	if _, ok := r.types[tag]; ok {
		return fmt.Errorf("type %q: %w", tag, ErrDuplicateType)
	}
	r.types[tag] = et
	return nil
}

func (r *Registry) RegisterBehavior(locator string, f BehaviorFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrRegistryFrozen
	}
	if _, ok := r.behaviors[locator]; ok {
		return fmt.Errorf("behavior %q: %w", locator, ErrDuplicateType)
	}
	r.behaviors[locator] = f
	return nil
}

// Freeze rejects any later registration.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

func (r *Registry) Type(tag string) (EntityType, bool) {
	if tag == "" {
		tag = DefaultType
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	et, ok := r.types[tag]
	return et, ok
}

func (r *Registry) Behavior(locator string) (BehaviorFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.behaviors[locator]
	return f, ok
}

// Types lists the registered type tags, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.types))
	for tag := range r.types {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// Validate checks a definition subtree: known type tags and behavior
// locators, valid names, and unique names among siblings.
func (r *Registry) Validate(def Definition) error {
	return r.validate(def, "/"+def.Name)
}

// ValidateAll validates sibling definitions, e.g. the top level of a scene file.
func (r *Registry) ValidateAll(defs []Definition) error {
	return r.validateSiblings(defs, "")
}

func (r *Registry) validate(def Definition, path string) error {
	if err := ValidateName(def.Name); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	et, ok := r.Type(def.Type)
	if !ok {
		return fmt.Errorf("%s: %w: %q", path, ErrUnknownType, def.Type)
	}
	for _, locator := range et.Behaviors {
		if _, ok := r.Behavior(locator); !ok {
			return fmt.Errorf("%s: %w: %q", path, ErrUnknownBehavior, locator)
		}
	}
	for _, b := range def.Behaviors {
		if _, ok := r.Behavior(b.Type); !ok {
			return fmt.Errorf("%s: %w: %q", path, ErrUnknownBehavior, b.Type)
		}
	}
	return r.validateSiblings(def.Children, path)
}

func (r *Registry) validateSiblings(defs []Definition, path string) error {
	seen := make(map[string]struct{}, len(defs))
	for _, c := range defs {
		childPath := path + "/" + c.Name
		if _, dup := seen[c.Name]; dup {
			return fmt.Errorf("%s: %w", childPath, ErrNameCollision)
		}
		seen[c.Name] = struct{}{}
		if err := r.validate(c, childPath); err != nil {
			return err
		}
	}
	return nil
}

// ValidateName rejects empty names and names containing the path separator.
func ValidateName(name string) error {
	if name == "" || strings.Contains(name, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
