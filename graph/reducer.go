package graph

import (
	"fmt"
	"reflect"
)

// Reducer merges a node's write into a channel's current value.
//
// Reducers must be pure: the result may depend only on current and incoming,
// and neither argument may be mutated. current is nil when the channel has
// no value yet.
//
// Built-in reducers are Overwrite, Append and Sum. Any type implementing
// Reduce is accepted as a custom reducer; ReducerFunc adapts a plain
// function.
type Reducer interface {
	Reduce(current, incoming any) (any, error)
}

// ReducerFunc adapts a function to the Reducer interface.
//
// Example:
//
//	maxReducer := graph.ReducerFunc(func(cur, in any) (any, error) {
//	    if cur == nil || in.(int) > cur.(int) {
//	        return in, nil
//	    }
//	    return cur, nil
//	})
type ReducerFunc func(current, incoming any) (any, error)

// Reduce implements Reducer.
func (f ReducerFunc) Reduce(current, incoming any) (any, error) {
	return f(current, incoming)
}

// Overwrite replaces the current value with the incoming one. With several
// writers in one step the last in node registration order wins.
type Overwrite struct{}

// Reduce implements Reducer.
func (Overwrite) Reduce(_, incoming any) (any, error) {
	return incoming, nil
}

// Append concatenates list-valued channels.
//
// A slice write is appended element by element; any other write is pushed as
// a single element. A nil current value starts a new list: a []any unless the
// write is itself a slice, in which case its type is kept. The result never
// shares a backing array with current.
type Append struct{}

// Reduce implements Reducer.
func (Append) Reduce(current, incoming any) (any, error) {
	in := reflect.ValueOf(incoming)

	if current == nil {
		if incoming != nil && in.Kind() == reflect.Slice {
			return cloneValue(incoming), nil
		}
		return []any{incoming}, nil
	}

	cur := reflect.ValueOf(current)
	if cur.Kind() != reflect.Slice {
		return nil, fmt.Errorf("append: current value is %T, not a slice", current)
	}
	elem := cur.Type().Elem()

	var extra []reflect.Value
	if incoming != nil && in.Kind() == reflect.Slice {
		extra = make([]reflect.Value, in.Len())
		for i := range extra {
			extra[i] = in.Index(i)
		}
	} else {
		extra = []reflect.Value{in}
	}

	out := reflect.MakeSlice(cur.Type(), 0, cur.Len()+len(extra))
	out = reflect.AppendSlice(out, cur)
	for _, e := range extra {
		v, err := assignable(e, elem)
		if err != nil {
			return nil, fmt.Errorf("append: %w", err)
		}
		out = reflect.Append(out, v)
	}
	return out.Interface(), nil
}

// assignable converts v so it can be stored in a slice of elem.
func assignable(v reflect.Value, elem reflect.Type) (reflect.Value, error) {
	if !v.IsValid() {
		// Untyped nil.
		switch elem.Kind() {
		case reflect.Interface, reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
			return reflect.Zero(elem), nil
		}
		return reflect.Value{}, fmt.Errorf("cannot append nil to []%s", elem)
	}
	if v.Kind() == reflect.Interface && !v.IsNil() {
		v = v.Elem()
	}
	if v.Type().AssignableTo(elem) {
		return v, nil
	}
	return reflect.Value{}, fmt.Errorf("cannot append %s to []%s", v.Type(), elem)
}

// Sum adds numeric writes to the current value. Operands of the same type
// keep that type; mixed integer operands produce int64 and any float operand
// produces float64. A nil current value is treated as zero.
type Sum struct{}

// Reduce implements Reducer.
func (Sum) Reduce(current, incoming any) (any, error) {
	if current == nil {
		if _, ok := numeric(incoming); !ok {
			return nil, fmt.Errorf("sum: %T is not numeric", incoming)
		}
		return incoming, nil
	}

	a, aok := numeric(current)
	b, bok := numeric(incoming)
	if !aok || !bok {
		return nil, fmt.Errorf("sum: cannot add %T and %T", current, incoming)
	}

	av, bv := reflect.ValueOf(current), reflect.ValueOf(incoming)
	if av.Type() == bv.Type() {
		out := reflect.New(av.Type()).Elem()
		switch a.kind {
		case kindInt:
			out.SetInt(av.Int() + bv.Int())
		case kindUint:
			out.SetUint(av.Uint() + bv.Uint())
		default:
			out.SetFloat(av.Float() + bv.Float())
		}
		return out.Interface(), nil
	}

	if a.kind == kindFloat || b.kind == kindFloat {
		return a.f + b.f, nil
	}
	return a.i + b.i, nil
}

type numKind int

const (
	kindInt numKind = iota
	kindUint
	kindFloat
)

type number struct {
	kind numKind
	i    int64
	f    float64
}

func numeric(v any) (number, bool) {
	if v == nil {
		return number{}, false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return number{kind: kindInt, i: rv.Int(), f: float64(rv.Int())}, true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return number{kind: kindUint, i: int64(rv.Uint()), f: float64(rv.Uint())}, true
	case reflect.Float32, reflect.Float64:
		return number{kind: kindFloat, i: int64(rv.Float()), f: rv.Float()}, true
	}
	return number{}, false
}
