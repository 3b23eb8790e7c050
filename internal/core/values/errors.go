package values

import "errors"

var (
	ErrNotPrimitive   = errors.New("value is not a wire primitive")
	ErrDuplicateValue = errors.New("value identifier already registered")
)
