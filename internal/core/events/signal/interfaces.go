package signal

import "reflect"

// Signal is any value emitted through a Dispatcher. Listeners are selected by
// the signal's dynamic type: a registration for a concrete type receives only
// that type, a registration for an interface type receives every signal that
// implements it.
type Signal any

// Listener receives signals. Implementations used with Dispatcher.On must be
// comparable (pointer receivers are) so repeat registrations can be detected.
type Listener interface {
	HandleSignal(s Signal) error
}

// Target is implemented by objects whose lifetime can end while listeners
// bound to them are still registered. Bound listeners of a dead target are
// skipped and dropped.
type Target interface {
	Alive() bool
}

// TypeOf returns the reflect.Type used to register listeners for T.
// TypeOf[SomeInterface]() yields the interface type itself.
func TypeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}
