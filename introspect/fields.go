package introspect

import (
	"errors"
	"fmt"
	"go/token"
	"reflect"
	"slices"
	"strings"
	"unsafe"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/go-analyze/bulk"
)

// Field describes one instance field slot found on a struct type or one of its embedded structs.
type Field struct {
	// Declaring is the struct type that declares the field.
	Declaring reflect.Type
	// Name is the field identifier.
	Name string
	// Type is the declared field type.
	Type reflect.Type
	// Tag holds the metadata markers of the field.
	Tag reflect.StructTag
	// Exported reports if the field is visible outside its package.
	Exported bool
	// Depth is the embedding depth, 0 for fields declared on the root type.
	Depth int
	// Index is the field index path from the root type, usable with reflect.Value.FieldByIndex.
	Index []int
	// Forced is set when an unexported field was granted read access by the AccessGuard.
	Forced bool
}

// HasMarker reports if the field carries the given struct tag key.
func (f Field) HasMarker(marker string) bool {
	_, ok := f.Tag.Lookup(marker)
	return ok
}

// Marker returns the struct tag value for the given key.
func (f Field) Marker(marker string) (string, bool) {
	return f.Tag.Lookup(marker)
}

func (f Field) String() string {
	var decl string
	if f.Declaring != nil {
		decl = f.Declaring.String() + "."
	}
	var typ string
	if f.Type != nil {
		typ = " " + f.Type.String()
	}
	return decl + f.Name + typ
}

// AccessGuard decides if an unexported field may be forced readable. A nil return grants access, any error denies it.
type AccessGuard func(f Field) error

// AllowAll is the default AccessGuard, every unexported field may be read.
func AllowAll(Field) error {
	return nil
}

// DenyPackages returns an AccessGuard that refuses unexported fields declared in any of the given package paths
// (or their sub packages).
func DenyPackages(prefixes ...string) AccessGuard {
	return func(f Field) error {
		if f.Declaring == nil {
			return nil
		}
		pkg := f.Declaring.PkgPath()
		for _, p := range prefixes {
			if pkg == p || strings.HasPrefix(pkg, p+"/") {
				return fmt.Errorf("%w: %s is in restricted package %s", ErrAccessDenied, f.Name, p)
			}
		}
		return nil
	}
}

// Resolver discovers and reads struct fields. The zero configuration (see NewResolver) permits access to every
// unexported field and does not cache.
type Resolver struct {
	guard AccessGuard
	cache *ristretto.Cache[uint64, []Field]
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver) error

// WithAccessGuard sets the guard consulted before an unexported field is made readable.
func WithAccessGuard(guard AccessGuard) ResolverOption {
	return func(r *Resolver) error {
		if guard == nil {
			return errors.New("nil access guard")
		}
		r.guard = guard
		return nil
	}
}

// WithCache enables a bounded cache of InstanceFields results, holding roughly maxTypes struct types.
func WithCache(maxTypes int64) ResolverOption {
	return func(r *Resolver) error {
		if maxTypes <= 0 {
			return fmt.Errorf("invalid cache size: %d", maxTypes)
		}
		cache, err := ristretto.NewCache(&ristretto.Config[uint64, []Field]{
			NumCounters:        maxTypes * 10, // recommended 10x the expected item count
			MaxCost:            maxTypes,
			BufferItems:        64,
			IgnoreInternalCost: true, // cost counts types, not bytes
		})
		if err != nil {
			return fmt.Errorf("create field cache failed: %w", err)
		}
		r.cache = cache
		return nil
	}
}

// NewResolver creates a Resolver. Close must be called when a cache is configured.
func NewResolver(opts ...ResolverOption) (*Resolver, error) {
	r := &Resolver{guard: AllowAll}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			r.Close()
			return nil, err
		}
	}
	return r, nil
}

// Close releases the cache resources, if any.
func (r *Resolver) Close() {
	if r.cache != nil {
		r.cache.Close()
		r.cache = nil
	}
}

var defaultResolver = &Resolver{guard: AllowAll}

// structType returns the struct type of t, dereferencing one pointer level. Returns nil for anything else.
func structType(t reflect.Type) reflect.Type {
	if t == nil {
		return nil
	} else if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil
	}
	return t
}

func typeKey(t reflect.Type) uint64 {
	return uint64(reflect.ValueOf(t).Pointer()) // runtime type descriptors are unique per type
}

type fieldLevel struct {
	t         reflect.Type
	index     []int
	depth     int
	ancestors []reflect.Type
}

// walkLevels visits the fields of root and then the fields of its embedded structs, one embedding depth at a time.
// Embedded struct fields are reported with link set, and their own fields are visited at the next depth.
// The walk stops when visit returns false.
func walkLevels(root reflect.Type, visit func(f Field, link bool) bool) {
	if root == nil {
		return
	}
	queue := []fieldLevel{{t: root, ancestors: []reflect.Type{root}}}
	for len(queue) > 0 {
		lv := queue[0]
		queue = queue[1:]
		for i := 0; i < lv.t.NumField(); i++ {
			sf := lv.t.Field(i)
			if sf.Name == "_" {
				continue // padding
			}
			index := make([]int, len(lv.index)+1)
			copy(index, lv.index)
			index[len(lv.index)] = i
			f := Field{
				Declaring: lv.t,
				Name:      sf.Name,
				Type:      sf.Type,
				Tag:       sf.Tag,
				Exported:  sf.IsExported(),
				Depth:     lv.depth,
				Index:     index,
			}
			embedded := structType(sf.Type)
			link := sf.Anonymous && embedded != nil
			if !visit(f, link) {
				return
			} else if link && !slices.Contains(lv.ancestors, embedded) { // pointer embedding may loop back
				queue = append(queue, fieldLevel{
					t:         embedded,
					index:     index,
					depth:     lv.depth + 1,
					ancestors: append(slices.Clip(lv.ancestors), embedded),
				})
			}
		}
	}
}

// InstanceFields returns the instance fields of the struct type t (a pointer is dereferenced), followed by the fields
// of its embedded structs, shallowest first. Embedded struct fields themselves are not included. Unexported fields
// are included when the AccessGuard grants access and are skipped otherwise.
func InstanceFields(t reflect.Type) []Field {
	return defaultResolver.InstanceFields(t)
}

// InstanceFields see package level InstanceFields.
func (r *Resolver) InstanceFields(t reflect.Type) []Field {
	t = structType(t)
	if t == nil {
		return nil
	}
	var key uint64
	if r.cache != nil {
		key = typeKey(t)
		if cached, ok := r.cache.Get(key); ok {
			return cloneFields(cached)
		}
	}

	var fields []Field
	walkLevels(t, func(f Field, link bool) bool {
		if link {
			return true
		} else if !f.Exported {
			if err := r.guard(f); err != nil {
				return true // skip only this field
			}
			f.Forced = true
		}
		fields = append(fields, f)
		return true
	})

	if r.cache != nil {
		r.cache.Set(key, cloneFields(fields), 1)
	}
	return fields
}

// cloneFields copies fields including each Index path, so callers never share state with the cache.
func cloneFields(fields []Field) []Field {
	result := slices.Clone(fields)
	for i := range result {
		result[i].Index = slices.Clone(result[i].Index)
	}
	return result
}

// publicFields returns the exported fields reachable through a selector on t, in reflect.VisibleFields order.
func publicFields(t reflect.Type) []Field {
	visible := reflect.VisibleFields(t)
	fields := make([]Field, 0, len(visible))
	for _, sf := range visible {
		if !sf.IsExported() || sf.Name == "_" {
			continue
		} else if sf.Anonymous && structType(sf.Type) != nil {
			continue
		}
		declaring := t
		if len(sf.Index) > 1 {
			declaring = structType(t.FieldByIndex(sf.Index[:len(sf.Index)-1]).Type)
		}
		fields = append(fields, Field{
			Declaring: declaring,
			Name:      sf.Name,
			Type:      sf.Type,
			Tag:       sf.Tag,
			Exported:  true,
			Depth:     len(sf.Index) - 1,
			Index:     slices.Clone(sf.Index),
		})
	}
	return fields
}

// AnnotatedFields returns the fields of instance which carry the marker struct tag key. When includePrivate is
// false only exported fields are considered, otherwise all InstanceFields are.
func AnnotatedFields(instance any, marker string, includePrivate bool) []Field {
	return defaultResolver.AnnotatedFields(instance, marker, includePrivate)
}

// AnnotatedFields see package level AnnotatedFields.
func (r *Resolver) AnnotatedFields(instance any, marker string, includePrivate bool) []Field {
	t := structType(reflect.TypeOf(instance))
	if t == nil {
		return nil
	}
	var candidates []Field
	if includePrivate {
		candidates = r.InstanceFields(t)
	} else {
		candidates = publicFields(t)
	}
	return bulk.SliceFilterInPlace(func(f Field) bool {
		return f.HasMarker(marker)
	}, candidates)
}

// FindField locates a field by name on t or its embedded structs, including unexported fields which a normal
// selector lookup could not reach. The shallowest declaration wins. Embedded struct fields are not matched, as with
// InstanceFields.
func FindField(t reflect.Type, name string) (Field, bool) {
	return defaultResolver.FindField(t, name)
}

// FindField see package level FindField.
func (r *Resolver) FindField(t reflect.Type, name string) (Field, bool) {
	var found Field
	var ok bool
	walkLevels(structType(t), func(f Field, link bool) bool {
		if !link && f.Name == name {
			found, ok = f, true
			return false
		}
		return true
	})
	return found, ok
}

// HasField reports if FindField can resolve name on t.
func HasField(t reflect.Type, name string) bool {
	_, ok := FindField(t, name)
	return ok
}

// HasPublicMethod reports if t, or a pointer to t, has an exported method with the given name.
// Only the name is compared, Go methods can not be overloaded so the signature is never needed to disambiguate.
func HasPublicMethod(t reflect.Type, name string) bool {
	if t == nil || !token.IsExported(name) {
		return false
	} else if _, ok := t.MethodByName(name); ok {
		return true
	} else if t.Kind() != reflect.Pointer && t.Kind() != reflect.Interface {
		_, ok := reflect.PointerTo(t).MethodByName(name)
		return ok
	}
	return false
}

// ReadField returns the current value of the named field on instance, forcing unexported fields readable.
// Returns ErrNoSuchField if the name can not be resolved, and ErrAccessDenied if the guard refuses access or the
// field is behind a nil embedded pointer.
func ReadField(instance any, name string) (any, error) {
	return defaultResolver.ReadField(instance, name)
}

// ReadFieldAs is ReadField with the result asserted to T.
func ReadFieldAs[T any](instance any, name string) (T, error) {
	var zero T
	val, err := defaultResolver.ReadField(instance, name)
	if err != nil {
		return zero, err
	}
	if val == nil {
		return zero, nil
	}
	typed, ok := val.(T)
	if !ok {
		return zero, fmt.Errorf("field %s is %T, not %s", name, val, reflect.TypeFor[T]())
	}
	return typed, nil
}

// ReadField see package level ReadField.
func (r *Resolver) ReadField(instance any, name string) (any, error) {
	v := reflect.ValueOf(instance)
	for v.IsValid() && (v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface) {
		if v.IsNil() {
			return nil, fmt.Errorf("read field %s: nil %s", name, v.Type())
		}
		v = v.Elem()
	}
	if !v.IsValid() {
		return nil, fmt.Errorf("read field %s: nil instance", name)
	} else if v.Kind() != reflect.Struct {
		return nil, fmt.Errorf("read field %s on %s: %w", name, v.Type(), ErrNoSuchField)
	}

	f, ok := r.FindField(v.Type(), name)
	if !ok {
		return nil, fmt.Errorf("read field %s on %s: %w", name, v.Type(), ErrNoSuchField)
	} else if !f.Exported {
		if err := r.guard(f); err != nil {
			if !errors.Is(err, ErrAccessDenied) {
				err = fmt.Errorf("%w: %w", ErrAccessDenied, err)
			}
			return nil, fmt.Errorf("read field %s: %w", f, err)
		}
	}

	// Make addressable if needed for unexported field access
	if !v.CanAddr() {
		tmp := reflect.New(v.Type()).Elem()
		tmp.Set(v)
		v = tmp
	}
	fv, err := v.FieldByIndexErr(f.Index)
	if err != nil {
		return nil, fmt.Errorf("read field %s: %w: %w", f, ErrAccessDenied, err)
	}
	if !fv.CanInterface() {
		fv = reflect.NewAt(fv.Type(), unsafe.Pointer(fv.UnsafeAddr())).Elem()
	}
	return fv.Interface(), nil
}

// IsSubtypeOf reports if candidate is superType, implements the superType interface, or embeds superType at any
// depth. A nil candidate is never a subtype.
func IsSubtypeOf(candidate, superType reflect.Type) bool {
	if candidate == nil || superType == nil {
		return false
	} else if candidate == superType {
		return true
	} else if superType.Kind() == reflect.Interface {
		return candidate.Implements(superType)
	} else if candidate.Kind() == reflect.Pointer && candidate.Elem() == superType {
		return true
	}

	var found bool
	walkLevels(structType(candidate), func(f Field, link bool) bool {
		if link && (f.Type == superType || structType(f.Type) == superType) {
			found = true
			return false
		}
		return true
	})
	return found
}

// SimpleName returns the declared name of t. Unnamed struct types report the name of their first embedded struct,
// other unnamed types their type string. Never empty.
func SimpleName(t reflect.Type) string {
	for t != nil {
		if name := t.Name(); name != "" {
			return name
		} else if t.Kind() != reflect.Struct {
			return t.String()
		}
		var embedded reflect.Type
		for i := 0; i < t.NumField(); i++ {
			if sf := t.Field(i); sf.Anonymous {
				if embedded = structType(sf.Type); embedded != nil {
					break
				}
			}
		}
		if embedded == nil {
			return t.String()
		}
		t = embedded
	}
	return "nil"
}

// IsNumber reports if t is an integer, floating point, or complex kind.
func IsNumber(t reflect.Type) bool {
	if t == nil {
		return false
	}
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return true
	default:
		return false
	}
}

// IsTransient reports if the field is excluded from JSON or msgpack encoding by a "-" tag.
func IsTransient(f Field) bool {
	if v, ok := f.Tag.Lookup("json"); ok && v == "-" {
		return true
	} else if v, ok := f.Tag.Lookup("msgpack"); ok && v == "-" {
		return true
	}
	return false
}
