package registry

import (
	"fmt"
	"reflect"
	"strings"
	"weak"
)

// Ref is a non-owning handle on a destroyed key object.
type Ref interface {
	// ID is the identifier the object was pushed on the creation stack with.
	ID() string
	// Description is an opaque, human-readable description of the object.
	Description() string
	// Resolve reports whether the object is still reachable.
	Resolve() bool
}

// weakRef holds the object through a weak pointer only.
// id and desc are captured at construction, while the object is known to be alive.
type weakRef[T any] struct {
	ptr  weak.Pointer[T]
	id   string
	desc string
}

// Weak returns a Ref that does not keep p alive.
func Weak[T any](p *T) Ref {
	return &weakRef[T]{
		ptr:  weak.Make(p),
		id:   Identify(p),
		desc: describe(p),
	}
}

func (r *weakRef[T]) ID() string          { return r.id }
func (r *weakRef[T]) Description() string { return r.desc }
func (r *weakRef[T]) Resolve() bool       { return r.ptr.Value() != nil }

// Identify returns the identifier used for obj on the creation stack.
// fmt.Stringer implementations name themselves; pointers are identified by
// type and address; everything else by type and value.
func Identify(obj any) string {
	if obj == nil {
		return "<nil>"
	}
	v := reflect.ValueOf(obj)
	switch v.Kind() {
	case reflect.Pointer, reflect.UnsafePointer, reflect.Map, reflect.Chan, reflect.Func, reflect.Slice, reflect.Interface:
		if v.IsNil() {
			return fmt.Sprintf("%T(nil)", obj)
		}
	}
	if s, ok := obj.(fmt.Stringer); ok {
		return s.String()
	}
	switch v.Kind() {
	case reflect.Pointer, reflect.UnsafePointer, reflect.Map, reflect.Chan, reflect.Func, reflect.Slice:
		return fmt.Sprintf("%T@%#x", obj, v.Pointer())
	}
	return fmt.Sprintf("%T(%v)", obj, obj)
}

func describe(obj any) string {
	id := Identify(obj)
	if strings.HasSuffix(id, "(nil)") {
		return id
	}
	if _, ok := obj.(fmt.Stringer); ok {
		return fmt.Sprintf("%T %s", obj, id)
	}
	return id
}
