package graph

import (
	"reflect"
	"testing"
)

func TestOverwrite(t *testing.T) {
	got, err := Overwrite{}.Reduce("old", "new")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "new" {
		t.Errorf("expected new, got %v", got)
	}
}

func TestAppend(t *testing.T) {
	tests := []struct {
		name     string
		current  any
		incoming any
		want     any
	}{
		{"nil current, scalar", nil, "a", []any{"a"}},
		{"nil current, slice keeps type", nil, []string{"a", "b"}, []string{"a", "b"}},
		{"typed slice, scalar", []string{"a"}, "b", []string{"a", "b"}},
		{"typed slice, slice", []string{"a"}, []string{"b", "c"}, []string{"a", "b", "c"}},
		{"any slice, mixed", []any{1}, []any{"x", 2.5}, []any{1, "x", 2.5}},
		{"restored elements", []string{"a"}, []any{"b"}, []string{"a", "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Append{}.Reduce(tt.current, tt.incoming)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("expected %#v, got %#v", tt.want, got)
			}
		})
	}
}

func TestAppend_DoesNotAlias(t *testing.T) {
	current := make([]string, 1, 10)
	current[0] = "a"

	first, _ := Append{}.Reduce(current, "b")
	second, _ := Append{}.Reduce(current, "c")

	if first.([]string)[1] != "b" {
		t.Errorf("first result was overwritten: %v", first)
	}
	if second.([]string)[1] != "c" {
		t.Errorf("unexpected second result: %v", second)
	}
	if len(current) != 1 {
		t.Errorf("current was modified: %v", current)
	}
}

func TestAppend_Errors(t *testing.T) {
	if _, err := (Append{}).Reduce("not a list", "x"); err == nil {
		t.Error("expected error for non-slice current value")
	}
	if _, err := (Append{}).Reduce([]string{"a"}, 1); err == nil {
		t.Error("expected error appending int to []string")
	}
}

func TestSum(t *testing.T) {
	tests := []struct {
		name     string
		current  any
		incoming any
		want     any
	}{
		{"nil current", nil, 3, 3},
		{"int", 2, 3, 5},
		{"float", 1.5, 2.0, 3.5},
		{"mixed int", 2, int64(3), int64(5)},
		{"int and float", 2, 0.5, 2.5},
		{"restored float and int", float64(2), 3, float64(5)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Sum{}.Reduce(tt.current, tt.incoming)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("expected %#v (%T), got %#v (%T)", tt.want, tt.want, got, got)
			}
		})
	}

	if _, err := (Sum{}).Reduce(1, "x"); err == nil {
		t.Error("expected error for non-numeric write")
	}
}

func TestReducerFunc(t *testing.T) {
	maxOf := ReducerFunc(func(cur, in any) (any, error) {
		if cur == nil || in.(int) > cur.(int) {
			return in, nil
		}
		return cur, nil
	})
	got, _ := maxOf.Reduce(7, 3)
	if got != 7 {
		t.Errorf("expected 7, got %v", got)
	}
}

func TestSchema_MergeIsAtomic(t *testing.T) {
	s := newSchema([]*Channel{
		{Name: "n", Reducer: Sum{}},
		{Name: "s", Reducer: Overwrite{}},
	})
	base := State{"n": 1, "s": "x"}

	_, err := s.merge(base, []write{
		{node: "a", updates: State{"n": 2}},
		{node: "b", updates: State{"n": "bad"}},
	})
	if err == nil {
		t.Fatal("expected reducer error")
	}
	if base["n"] != 1 {
		t.Errorf("base modified on failed merge: %v", base)
	}
}

func TestSchema_Restore(t *testing.T) {
	type point struct{ X, Y int }
	s := newSchema([]*Channel{
		{Name: "count", Reducer: Sum{}, Default: 0},
		{Name: "tags", Reducer: Append{}, Default: []string{}},
		{Name: "p", Reducer: Overwrite{}, Type: reflect.TypeOf(point{})},
		{Name: "free", Reducer: Overwrite{}},
	})

	got, err := s.restore(State{
		"count": float64(3),
		"tags":  []any{"a", "b"},
		"p":     map[string]any{"X": float64(1), "Y": float64(2)},
		"free":  float64(1),
	})
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	want := State{"count": 3, "tags": []string{"a", "b"}, "p": point{1, 2}, "free": float64(1)}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %#v, got %#v", want, got)
	}
}
