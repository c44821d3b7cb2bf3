package introspect

import "errors"

var (
	// ErrNoSuchField is returned when a named field can not be resolved on a type or any embedded type.
	ErrNoSuchField = errors.New("no such field")
	// ErrAccessDenied is returned when an AccessGuard refuses to open an unexported field, or the field value
	// can not be reached (for example through a nil embedded pointer).
	ErrAccessDenied = errors.New("field access denied")
	// ErrNotArray is returned when a clone is requested for a value that is not a slice or array.
	ErrNotArray = errors.New("value is not an array or slice")
	// ErrInvalidDepth is returned when a non-positive frame depth is requested.
	ErrInvalidDepth = errors.New("frame depth must be positive")
)
