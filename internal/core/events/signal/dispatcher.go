package signal

import (
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"weak"
)

type registration struct {
	typ      reflect.Type
	listener Listener
	active   atomic.Bool
}

func (r *registration) matches(st reflect.Type) bool {
	if r.typ == st {
		return true
	}
	return r.typ.Kind() == reflect.Interface && st.Implements(r.typ)
}

// Dispatcher is a synchronous, typed pub/sub hub. The zero value is ready to use
// and all methods are safe for concurrent use. Delivery happens in the
// goroutine that calls Emit, in registration order.
type Dispatcher struct {
	mu   sync.RWMutex
	regs []*registration
}

func New() *Dispatcher {
	return &Dispatcher{}
}

// On registers l for signals of type typ. Registering the same pair twice is a
// no-op and reports false.
func (d *Dispatcher) On(typ reflect.Type, l Listener) bool {
	if typ == nil || l == nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.indexLocked(typ, l) >= 0 {
		return false
	}
	r := &registration{typ: typ, listener: l}
	r.active.Store(true)
	d.regs = append(d.regs, r)
	return true
}

// Unregister removes the (typ, l) pair. Removing an unknown pair reports false.
func (d *Dispatcher) Unregister(typ reflect.Type, l Listener) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.indexLocked(typ, l)
	if i < 0 {
		return false
	}
	d.regs[i].active.Store(false)
	d.regs = append(d.regs[:i:i], d.regs[i+1:]...)
	return true
}

func (d *Dispatcher) indexLocked(typ reflect.Type, l Listener) int {
	comparable := reflect.TypeOf(l).Comparable()
	for i, r := range d.regs {
		if r.typ != typ {
			continue
		}
		if comparable && r.listener == l {
			return i
		}
	}
	return -1
}

// Emit delivers s to every matching listener. Listener errors do not stop
// delivery; they are joined and returned.
func (d *Dispatcher) Emit(s Signal) error {
	if s == nil {
		return nil
	}
	st := reflect.TypeOf(s)

	d.mu.RLock()
	matched := make([]*registration, 0, len(d.regs))
	for _, r := range d.regs {
		if r.matches(st) {
			matched = append(matched, r)
		}
	}
	d.mu.RUnlock()

	var all error
	for _, r := range matched {
		// cancelled by an earlier listener of this emit
		if !r.active.Load() {
			continue
		}
		if err := r.listener.HandleSignal(s); err != nil {
			all = errors.Join(all, err)
		}
	}
	return all
}

// Len reports the number of live registrations.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.regs)
}

// Clear drops every registration.
func (d *Dispatcher) Clear() {
	d.mu.Lock()
	for _, r := range d.regs {
		r.active.Store(false)
	}
	d.regs = nil
	d.mu.Unlock()
}

// Subscription is the handle returned by On and Bind.
type Subscription struct {
	d        *Dispatcher
	typ      reflect.Type
	listener Listener
	once     sync.Once
}

// Cancel unregisters the listener. Multiple calls are safe.
func (s *Subscription) Cancel() {
	if s == nil {
		return
	}
	s.once.Do(func() { s.d.Unregister(s.typ, s.listener) })
}

type funcListener[T any] struct {
	fn func(T) error
}

func (l *funcListener[T]) HandleSignal(s Signal) error {
	return l.fn(s.(T))
}

// On subscribes fn to signals assignable to T.
func On[T any](d *Dispatcher, fn func(T) error) *Subscription {
	l := &funcListener[T]{fn: fn}
	typ := TypeOf[T]()
	d.On(typ, l)
	return &Subscription{d: d, typ: typ, listener: l}
}

type boundListener[O, T any] struct {
	owner weak.Pointer[O]
	fn    func(*O, T) error
	sub   *Subscription
}

func (l *boundListener[O, T]) HandleSignal(s Signal) error {
	o := l.owner.Value()
	if o == nil {
		l.sub.Cancel()
		return nil
	}
	if t, ok := any(o).(Target); ok && !t.Alive() {
		l.sub.Cancel()
		return nil
	}
	return l.fn(o, s.(T))
}

// Bind subscribes fn on behalf of owner without keeping owner reachable. Once
// owner is collected, or reports !Alive() when it implements Target, the
// listener is skipped and removed. fn receives the owner as an argument and
// must not capture it.
func Bind[O, T any](d *Dispatcher, owner *O, fn func(*O, T) error) *Subscription {
	l := &boundListener[O, T]{owner: weak.Make(owner), fn: fn}
	typ := TypeOf[T]()
	sub := &Subscription{d: d, typ: typ, listener: l}
	l.sub = sub
	d.On(typ, l)
	return sub
}
