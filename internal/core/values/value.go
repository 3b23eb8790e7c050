package values

import (
	"fmt"
	"sync"

	"github.com/zeusync/scenesync/internal/core/events/signal"
)

// Adapter converts between a logical value and its primitive wire form.
type Adapter interface {
	ToWire(v any) (any, error)
	FromWire(w any) (any, error)
}

// Changed is emitted after every successful local Set or remote Apply, on the
// value's own dispatcher and on its registry's dispatcher.
type Changed struct {
	Value      *Value
	Old        any
	New        any
	Generation uint64
	Source     string
	Remote     bool
}

// Value is a named field whose primitive content is replicated between
// processes. Generation increases by one on every local write.
type Value struct {
	mu         sync.RWMutex
	id         string
	owner      string
	wire       any
	generation uint64
	replicated bool
	adapter    Adapter
	lastSource string

	registry *Registry
	signals  signal.Dispatcher
}

func (v *Value) ID() string { return v.id }

// Owner is the ref of the entity the value belongs to.
func (v *Value) Owner() string { return v.owner }

func (v *Value) Replicated() bool { return v.replicated }

// Get returns the logical value, converted through the adapter if any.
func (v *Value) Get() any {
	v.mu.RLock()
	w := v.wire
	v.mu.RUnlock()
	if v.adapter == nil {
		return w
	}
	out, err := v.adapter.FromWire(w)
	if err != nil {
		return w
	}
	return out
}

// Wire returns the primitive form sent over the network.
func (v *Value) Wire() any {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.wire
}

func (v *Value) Generation() uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.generation
}

// LastSource is the connection id of the last writer.
func (v *Value) LastSource() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.lastSource
}

// Set writes a local value, bumps the generation and stamps the local source.
func (v *Value) Set(logical any) error {
	w, err := v.toWire(logical)
	if err != nil {
		return err
	}

	source := v.registry.LocalSource()
	v.mu.Lock()
	old := v.wire
	v.wire = w
	v.generation++
	gen := v.generation
	v.lastSource = source
	v.mu.Unlock()

	v.emit(Changed{Value: v, Old: old, New: w, Generation: gen, Source: source})
	return nil
}

// Apply installs a value received from source with the sender's generation.
func (v *Value) Apply(wire any, generation uint64, source string) error {
	w, err := Normalize(wire)
	if err != nil {
		return err
	}

	v.mu.Lock()
	old := v.wire
	v.wire = w
	v.generation = generation
	v.lastSource = source
	v.mu.Unlock()

	v.emit(Changed{Value: v, Old: old, New: w, Generation: generation, Source: source, Remote: true})
	return nil
}

// OnChange subscribes fn to changes of this value only.
func (v *Value) OnChange(fn func(Changed) error) *signal.Subscription {
	return signal.On(&v.signals, fn)
}

func (v *Value) toWire(logical any) (any, error) {
	if v.adapter != nil {
		w, err := v.adapter.ToWire(logical)
		if err != nil {
			return nil, fmt.Errorf("%s: adapt: %w", v.id, err)
		}
		logical = w
	}
	w, err := Normalize(logical)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", v.id, err)
	}
	return w, nil
}

func (v *Value) emit(c Changed) {
	var errs []error
	if err := v.signals.Emit(c); err != nil {
		errs = append(errs, err)
	}
	if v.registry != nil {
		if err := v.registry.signals.Emit(c); err != nil {
			errs = append(errs, err)
		}
		for _, err := range errs {
			v.registry.logListenerError(v.id, err)
		}
	}
}

// Normalize reduces v to one of the wire primitives: nil, bool, float64 or
// string. Every numeric kind becomes float64.
func Normalize(v any) (any, error) {
	switch x := v.(type) {
	case nil, bool, float64, string:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int8:
		return float64(x), nil
	case int16:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint:
		return float64(x), nil
	case uint8:
		return float64(x), nil
	case uint16:
		return float64(x), nil
	case uint32:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrNotPrimitive, v)
	}
}
