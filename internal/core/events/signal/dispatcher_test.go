package signal

import (
	"errors"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type moved struct{ to int }

type renamed struct{ name string }

type structural interface{ structural() }

func (moved) structural()   {}
func (renamed) structural() {}

type recorder struct{ got []Signal }

func (r *recorder) HandleSignal(s Signal) error {
	r.got = append(r.got, s)
	return nil
}

func TestExactAndSuperTypeDelivery(t *testing.T) {
	d := New()
	exact := &recorder{}
	super := &recorder{}

	require.True(t, d.On(TypeOf[moved](), exact))
	require.True(t, d.On(TypeOf[structural](), super))

	require.NoError(t, d.Emit(moved{to: 1}))
	require.NoError(t, d.Emit(renamed{name: "x"}))

	assert.Equal(t, []Signal{moved{to: 1}}, exact.got)
	assert.Equal(t, []Signal{moved{to: 1}, renamed{name: "x"}}, super.got)
}

func TestOnAndUnregisterAreIdempotent(t *testing.T) {
	d := New()
	r := &recorder{}

	assert.True(t, d.On(TypeOf[moved](), r))
	assert.False(t, d.On(TypeOf[moved](), r))
	assert.Equal(t, 1, d.Len())

	require.NoError(t, d.Emit(moved{}))
	assert.Len(t, r.got, 1)

	assert.True(t, d.Unregister(TypeOf[moved](), r))
	assert.False(t, d.Unregister(TypeOf[moved](), r))
	require.NoError(t, d.Emit(moved{}))
	assert.Len(t, r.got, 1)
}

func TestRegistrationOrder(t *testing.T) {
	d := New()
	var order []int
	for i := 0; i < 4; i++ {
		On(d, func(moved) error {
			order = append(order, i)
			return nil
		})
	}
	require.NoError(t, d.Emit(moved{}))
	assert.Equal(t, []int{0, 1, 2, 3}, order)
}

func TestErrorsAreJoined(t *testing.T) {
	d := New()
	errA := errors.New("a")
	errB := errors.New("b")
	calls := 0
	On(d, func(moved) error { calls++; return errA })
	On(d, func(moved) error { calls++; return errB })

	err := d.Emit(moved{})
	require.Error(t, err)
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
	assert.Equal(t, 2, calls)
}

func TestCancelDuringEmit(t *testing.T) {
	d := New()
	var second *Subscription
	secondCalled := false
	On(d, func(moved) error {
		second.Cancel()
		return nil
	})
	second = On(d, func(moved) error {
		secondCalled = true
		return nil
	})

	require.NoError(t, d.Emit(moved{}))
	assert.False(t, secondCalled)
	second.Cancel()
	assert.Equal(t, 1, d.Len())
}

type owner struct {
	alive bool
	seen  []int
	pad   *[4]int
}

func (o *owner) Alive() bool { return o.alive }

func TestBindSkipsDeadTarget(t *testing.T) {
	d := New()
	o := &owner{alive: true}
	Bind(d, o, func(o *owner, m moved) error {
		o.seen = append(o.seen, m.to)
		return nil
	})

	require.NoError(t, d.Emit(moved{to: 1}))
	o.alive = false
	require.NoError(t, d.Emit(moved{to: 2}))

	assert.Equal(t, []int{1}, o.seen)
	assert.Equal(t, 0, d.Len())
}

func bindCollectable(d *Dispatcher, calls *int) {
	o := &owner{alive: true, pad: new([4]int)}
	Bind(d, o, func(_ *owner, _ moved) error {
		*calls++
		return nil
	})
}

func TestBindDoesNotKeepOwnerAlive(t *testing.T) {
	d := New()
	calls := 0
	bindCollectable(d, &calls)

	runtime.GC()
	runtime.GC()

	require.NoError(t, d.Emit(moved{}))
	assert.Equal(t, 0, calls)
	assert.Equal(t, 0, d.Len())
}

func TestNilSignal(t *testing.T) {
	d := New()
	On(d, func(Signal) error { t.Fatal("unexpected delivery"); return nil })
	assert.NoError(t, d.Emit(nil))
}
