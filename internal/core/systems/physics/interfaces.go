package physics

// BodyState is a body's world transform as exchanged with an Engine.
type BodyState struct {
	Ref       string
	Transform Transform
}

// Engine is the hook surface of an external physics integration. The
// simulation hands it the world transforms of every body it may write before
// a tick and applies whatever PostTick returns afterwards. Bodies absent from
// the result keep their transform.
type Engine interface {
	PreTick(dt float64, bodies []BodyState)
	PostTick(dt float64) []BodyState
}

// NopEngine leaves every body where it is.
type NopEngine struct{}

func (NopEngine) PreTick(float64, []BodyState) {}

func (NopEngine) PostTick(float64) []BodyState { return nil }

// Kinematic moves every body it is given by a constant velocity per second.
// It is a test double for wiring real engines.
type Kinematic struct {
	Velocity Vec2

	pending []BodyState
}

func (k *Kinematic) PreTick(_ float64, bodies []BodyState) {
	k.pending = append(k.pending[:0], bodies...)
}

func (k *Kinematic) PostTick(dt float64) []BodyState {
	out := make([]BodyState, len(k.pending))
	for i, b := range k.pending {
		b.Transform.Position = b.Transform.Position.Add(k.Velocity.Scale(dt))
		out[i] = b
	}
	return out
}
