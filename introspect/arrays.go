package introspect

import (
	"fmt"
	"reflect"
	"slices"
)

// CloneArray returns a shallow copy of a slice or array whose element type is only known at runtime. The copy has
// the same type and length. Reference elements (pointers, maps, slices, interfaces) are shared with the source, only
// the container is new. A nil slice is returned as a nil slice of the same type.
// Returns ErrNotArray if v is not a slice or array.
func CloneArray(v any) (any, error) {
	// primitive element slices are copied directly, all other element types use the reflect path
	switch s := v.(type) {
	case []bool:
		return slices.Clone(s), nil
	case []int:
		return slices.Clone(s), nil
	case []int8:
		return slices.Clone(s), nil
	case []int16:
		return slices.Clone(s), nil
	case []int32: // also []rune
		return slices.Clone(s), nil
	case []int64:
		return slices.Clone(s), nil
	case []uint:
		return slices.Clone(s), nil
	case []uint8: // also []byte
		return slices.Clone(s), nil
	case []uint16:
		return slices.Clone(s), nil
	case []uint32:
		return slices.Clone(s), nil
	case []uint64:
		return slices.Clone(s), nil
	case []uintptr:
		return slices.Clone(s), nil
	case []float32:
		return slices.Clone(s), nil
	case []float64:
		return slices.Clone(s), nil
	case []complex64:
		return slices.Clone(s), nil
	case []complex128:
		return slices.Clone(s), nil
	case []string:
		return slices.Clone(s), nil
	default:
		return cloneReflect(reflect.ValueOf(v))
	}
}

func cloneReflect(v reflect.Value) (any, error) {
	if !v.IsValid() {
		return nil, fmt.Errorf("clone nil: %w", ErrNotArray)
	}
	switch v.Kind() {
	case reflect.Slice:
		if v.IsNil() {
			return reflect.Zero(v.Type()).Interface(), nil
		}
		dst := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		reflect.Copy(dst, v)
		return dst.Interface(), nil
	case reflect.Array:
		dst := reflect.New(v.Type()).Elem()
		dst.Set(v) // arrays are values, assignment copies the elements
		return dst.Interface(), nil
	default:
		return nil, fmt.Errorf("clone %s: %w", v.Type(), ErrNotArray)
	}
}

// CloneSlice is the statically typed form of CloneArray, the result is non-nil only when s is non-nil.
func CloneSlice[S ~[]E, E any](s S) S {
	return slices.Clone(s)
}
