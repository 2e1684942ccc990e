// Package reflector derives stable type names used to tag events on the wire.
package reflector

import (
	"reflect"
	"sync"
)

var cache sync.Map // reflect.Type -> TypeInfo

type TypeInfo struct {
	Name string
	Type reflect.Type
}

// TypeInfoOf returns the TypeInfo for the dynamic type of x.
// Pointer types resolve to their element type, so *Foo and Foo share a name.
func TypeInfoOf(x any) TypeInfo {
	return TypeInfoForType(reflect.TypeOf(x))
}

// TypeInfoFor returns the TypeInfo for T without needing an instance.
func TypeInfoFor[T any]() TypeInfo {
	return TypeInfoForType(reflect.TypeOf((*T)(nil)).Elem())
}

func TypeInfoForType(t reflect.Type) TypeInfo {
	if t == nil {
		return TypeInfo{}
	}
	if ti, ok := cache.Load(t); ok {
		return ti.(TypeInfo)
	}

	rt := t
	if rt.Kind() == reflect.Pointer {
		rt = rt.Elem()
	}
	ti := TypeInfo{
		Name: rt.PkgPath() + "." + rt.Name(),
		Type: rt,
	}

	cache.Store(t, ti)
	return ti
}
