package physics

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalToWorldScaledParent(t *testing.T) {
	parent := Transform{Position: V(0, 0), Rotation: 0, Scale: V(2, 1)}
	child := At(V(-2, 0))

	world := LocalToWorld(parent, child)
	assert.InDelta(t, -4, world.Position.X, Epsilon)
	assert.InDelta(t, 0, world.Position.Y, Epsilon)
	assert.Equal(t, V(2, 1), world.Scale)
}

func TestLocalToWorldRotatedParent(t *testing.T) {
	parent := Transform{Position: V(10, 0), Rotation: math.Pi / 2, Scale: One()}
	child := At(V(1, 0))

	world := LocalToWorld(parent, child)
	assert.InDelta(t, 10, world.Position.X, 1e-12)
	assert.InDelta(t, 1, world.Position.Y, 1e-12)
	assert.InDelta(t, math.Pi/2, world.Rotation, 1e-12)
}

func TestWorldToLocalInverse(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	nonZero := func() float64 {
		v := rng.Float64()*4 + 0.25
		if rng.Intn(2) == 0 {
			return -v
		}
		return v
	}

	for i := 0; i < 200; i++ {
		parent := Transform{
			Position: V(rng.Float64()*100-50, rng.Float64()*100-50),
			Rotation: rng.Float64()*4*math.Pi - 2*math.Pi,
			Scale:    V(nonZero(), nonZero()),
		}
		world := Transform{
			Position: V(rng.Float64()*100-50, rng.Float64()*100-50),
			Rotation: rng.Float64() * math.Pi,
			Scale:    V(nonZero(), nonZero()),
		}

		back := LocalToWorld(parent, WorldToLocal(parent, world))
		require.InDelta(t, world.Position.X, back.Position.X, 1e-7)
		require.InDelta(t, world.Position.Y, back.Position.Y, 1e-7)
		require.InDelta(t, world.Rotation, back.Rotation, 1e-9)
		require.InDelta(t, world.Scale.X, back.Scale.X, 1e-9)
		require.InDelta(t, world.Scale.Y, back.Scale.Y, 1e-9)
	}
}

func TestComposeMatchesNestedLocalToWorld(t *testing.T) {
	a := Transform{Position: V(1, 2), Rotation: 0.3, Scale: V(2, 2)}
	b := Transform{Position: V(3, -1), Rotation: -0.1, Scale: V(0.5, 1)}
	c := At(V(1, 1))

	want := LocalToWorld(LocalToWorld(a, b), c)
	assert.True(t, want.ApproxEqual(Compose(a, b, c)))
}

func TestDivByZeroScale(t *testing.T) {
	assert.Equal(t, V(0, 3), V(5, 6).Div(V(0, 2)))
}

func TestKinematicEngine(t *testing.T) {
	k := &Kinematic{Velocity: V(2, 0)}
	k.PreTick(0.5, []BodyState{{Ref: "a", Transform: At(V(1, 1))}})

	out := k.PostTick(0.5)
	require.Len(t, out, 1)
	assert.Equal(t, V(2, 1), out[0].Transform.Position)
	assert.Empty(t, NopEngine{}.PostTick(1))
}
