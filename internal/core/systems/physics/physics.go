package physics

import "math"

// Epsilon is the tolerance used by ApproxEqual.
const Epsilon = 1e-9

// Vec2 is a 2D vector. Values are immutable; every operation returns a new Vec2.
type Vec2 struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

func V(x, y float64) Vec2 { return Vec2{X: x, Y: y} }

// One is the identity scale.
func One() Vec2 { return Vec2{X: 1, Y: 1} }

func (v Vec2) Add(o Vec2) Vec2 { return Vec2{X: v.X + o.X, Y: v.Y + o.Y} }
func (v Vec2) Sub(o Vec2) Vec2 { return Vec2{X: v.X - o.X, Y: v.Y - o.Y} }

// Mul is the component-wise (Hadamard) product.
func (v Vec2) Mul(o Vec2) Vec2 { return Vec2{X: v.X * o.X, Y: v.Y * o.Y} }

// Div is the component-wise quotient. A zero divisor component yields zero.
func (v Vec2) Div(o Vec2) Vec2 { return Vec2{X: safeDiv(v.X, o.X), Y: safeDiv(v.Y, o.Y)} }

func (v Vec2) Scale(f float64) Vec2 { return Vec2{X: v.X * f, Y: v.Y * f} }

// Rotate rotates v counter-clockwise by rad radians.
func (v Vec2) Rotate(rad float64) Vec2 {
	if rad == 0 {
		return v
	}
	sin, cos := math.Sincos(rad)
	return Vec2{X: v.X*cos - v.Y*sin, Y: v.X*sin + v.Y*cos}
}

func (v Vec2) Length() float64 { return math.Hypot(v.X, v.Y) }

func (v Vec2) Distance(o Vec2) float64 { return math.Hypot(o.X-v.X, o.Y-v.Y) }

func (v Vec2) ApproxEqual(o Vec2) bool {
	return math.Abs(v.X-o.X) <= Epsilon && math.Abs(v.Y-o.Y) <= Epsilon
}

func safeDiv(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}

// Transform is a position, a rotation in radians and a per-axis scale.
// It is always relative to a parent unless stated otherwise.
type Transform struct {
	Position Vec2    `json:"position" yaml:"position"`
	Rotation float64 `json:"rotation" yaml:"rotation"`
	Scale    Vec2    `json:"scale" yaml:"scale"`
}

func Identity() Transform { return Transform{Scale: One()} }

// At is an identity transform translated to p.
func At(p Vec2) Transform { return Transform{Position: p, Scale: One()} }

func (t Transform) ApproxEqual(o Transform) bool {
	return t.Position.ApproxEqual(o.Position) &&
		math.Abs(t.Rotation-o.Rotation) <= Epsilon &&
		t.Scale.ApproxEqual(o.Scale)
}

// LocalToWorld composes a local transform under its parent's world transform:
//
//	position = parent.position + rotate(parent.rotation)(parent.scale ⊙ local.position)
//	rotation = parent.rotation + local.rotation
//	scale    = parent.scale ⊙ local.scale
func LocalToWorld(parent, local Transform) Transform {
	return Transform{
		Position: parent.Position.Add(parent.Scale.Mul(local.Position).Rotate(parent.Rotation)),
		Rotation: parent.Rotation + local.Rotation,
		Scale:    parent.Scale.Mul(local.Scale),
	}
}

// WorldToLocal is the inverse of LocalToWorld for a parent with no zero scale
// component: LocalToWorld(p, WorldToLocal(p, w)) == w.
func WorldToLocal(parent, world Transform) Transform {
	return Transform{
		Position: world.Position.Sub(parent.Position).Rotate(-parent.Rotation).Div(parent.Scale),
		Rotation: world.Rotation - parent.Rotation,
		Scale:    world.Scale.Div(parent.Scale),
	}
}

// Compose folds a chain of local transforms ordered root first.
func Compose(chain ...Transform) Transform {
	world := Identity()
	for _, local := range chain {
		world = LocalToWorld(world, local)
	}
	return world
}
