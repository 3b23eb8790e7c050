package scene

import "errors"

var (
	// Structure
	ErrNameCollision    = errors.New("a sibling with this name already exists")
	ErrMissingReference = errors.New("referenced entity does not exist")
	ErrDuplicateRef     = errors.New("entity ref already exists")
	ErrInvalidName      = errors.New("invalid entity name")
	ErrCycle            = errors.New("entity cannot become its own descendant")
	ErrRootImmutable    = errors.New("the root entity cannot be changed")
	ErrDestroyed        = errors.New("entity has been destroyed")

	// Registry
	ErrUnknownType     = errors.New("unknown entity type")
	ErrUnknownBehavior = errors.New("unknown behavior locator")
	ErrDuplicateType   = errors.New("type or behavior already registered")
	ErrRegistryFrozen  = errors.New("registry is frozen")

	// Loading
	ErrAlreadyLoading = errors.New("bulk load already in progress")
	ErrNotLoading     = errors.New("no bulk load in progress")
)
