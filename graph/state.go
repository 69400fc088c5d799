// Package graph provides the core graph execution engine for stategraph.
package graph

import (
	"reflect"
	"sort"
)

// State maps channel names to their current values.
//
// Nodes receive a private copy of the pre-step State and return partial
// updates as another State; the engine merges those updates through the
// channel reducers. Values should be JSON-encodable when a durable
// checkpointer is configured.
type State map[string]any

// Clone returns a deep copy of s. Maps and slices are copied recursively;
// other values (including pointers and structs) are copied by assignment.
func (s State) Clone() State {
	if s == nil {
		return nil
	}
	out := make(State, len(s))
	for k, v := range s {
		out[k] = cloneValue(v)
	}
	return out
}

// Keys returns the channel names present in s, sorted.
func (s State) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// cloneValue deep-copies maps and slices. Common concrete types are handled
// without reflection.
func cloneValue(v any) any {
	switch t := v.(type) {
	case nil, string, bool, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, float32, float64:
		return v
	case State:
		return t.Clone()
	case map[string]any:
		return map[string]any(State(t).Clone())
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	}
	return cloneReflect(reflect.ValueOf(v)).Interface()
}

func cloneReflect(v reflect.Value) reflect.Value {
	switch v.Kind() {
	case reflect.Slice:
		if v.IsNil() {
			return v
		}
		out := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		for i := 0; i < v.Len(); i++ {
			out.Index(i).Set(cloneElem(v.Index(i)))
		}
		return out
	case reflect.Map:
		if v.IsNil() {
			return v
		}
		out := reflect.MakeMapWithSize(v.Type(), v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out.SetMapIndex(iter.Key(), cloneElem(iter.Value()))
		}
		return out
	default:
		return v
	}
}

// cloneElem copies a slice element or map value. Interface-typed elements
// are unwrapped so nested containers are copied too.
func cloneElem(v reflect.Value) reflect.Value {
	if v.Kind() == reflect.Interface {
		if v.IsNil() {
			return v
		}
		c := reflect.ValueOf(cloneValue(v.Elem().Interface()))
		out := reflect.New(v.Type()).Elem()
		out.Set(c)
		return out
	}
	return cloneReflect(v)
}
