package scene

// StructuralSignal is implemented by every signal bubbled to the ancestors of
// a changed entity. The root receives all of them.
type StructuralSignal interface {
	Subject() *Entity
}

// DescendantSpawned fires once per entity of a spawned subtree. Root is true
// only for the entity the spawn call was made for.
type DescendantSpawned struct {
	Entity *Entity
	Root   bool
}

// DescendantDestroyed fires for every entity of a destroyed subtree, children
// first. Root is true only for the entity Destroy was called on.
type DescendantDestroyed struct {
	Entity *Entity
	Root   bool
}

type DescendantReparented struct {
	Entity     *Entity
	OldParent  Ref
	NewParent  Ref
	KeepGlobal bool
}

type DescendantRenamed struct {
	Entity  *Entity
	OldName string
	NewName string
}

func (s DescendantSpawned) Subject() *Entity    { return s.Entity }
func (s DescendantDestroyed) Subject() *Entity  { return s.Entity }
func (s DescendantReparented) Subject() *Entity { return s.Entity }
func (s DescendantRenamed) Subject() *Entity    { return s.Entity }

// Ready fires on an entity once it and its whole subtree are attached.
type Ready struct{ Entity *Entity }

// Destroyed fires on an entity right before it leaves the tree.
type Destroyed struct{ Entity *Entity }

// TransformChanged fires on an entity whenever its local transform is written.
type TransformChanged struct {
	Entity *Entity
	Remote bool
}

type AuthorityChanged struct {
	Entity   *Entity
	Previous string
	Holder   string
	Clock    uint64
}

// Ticked is emitted on Tree.Clock once per simulation step.
type Ticked struct {
	Tick  uint64
	Delta float64
}
