package graph

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
)

// Channel is a named slot of State together with its merge policy.
type Channel struct {
	Name    string
	Reducer Reducer

	// Default seeds the channel at the start of every fresh run. It is
	// deep-copied per run. Nil means the channel starts absent.
	Default any

	// Type is the Go type values of this channel are restored to when a
	// checkpoint is decoded from JSON. It defaults to the type of Default;
	// failing that, to the type of the first value merged into the channel
	// by this process. Declare it (WithDefault or WithType) when runs are
	// resumed by a process other than the one that checkpointed them.
	Type reflect.Type
}

// ChannelOption configures a channel declared with Builder.AddChannel.
type ChannelOption func(*Channel)

// WithDefault sets the channel's initial value.
func WithDefault(v any) ChannelOption {
	return func(c *Channel) {
		c.Default = v
	}
}

// WithType pins the Go type that restored checkpoint values are converted
// to. Only needed when the channel has no Default.
//
//	b.AddChannel("order", graph.Overwrite{}, graph.WithType[Order]())
func WithType[T any]() ChannelOption {
	return func(c *Channel) {
		c.Type = reflect.TypeOf((*T)(nil)).Elem()
	}
}

// schema is the compiled, immutable channel set of a graph.
type schema struct {
	channels []*Channel
	byName   map[string]*Channel

	mu       sync.RWMutex
	observed map[string]reflect.Type // types of untyped channels, by first merge
}

func newSchema(channels []*Channel) *schema {
	s := &schema{
		channels: channels,
		byName:   make(map[string]*Channel, len(channels)),
		observed: map[string]reflect.Type{},
	}
	for _, c := range channels {
		if c.Type == nil && c.Default != nil {
			c.Type = reflect.TypeOf(c.Default)
		}
		s.byName[c.Name] = c
	}
	return s
}

// initial returns the channel defaults for a fresh run.
func (s *schema) initial() State {
	st := make(State, len(s.channels))
	for _, c := range s.channels {
		if c.Default != nil {
			st[c.Name] = cloneValue(c.Default)
		}
	}
	return st
}

// write is one node's contribution to the merge phase.
type write struct {
	node    string
	updates State
}

// merge applies writes to a copy of base. Writes are grouped per channel and
// applied in the order given, which the engine keeps equal to node
// registration order. base is never modified; on error nothing is applied.
func (s *schema) merge(base State, writes []write) (State, error) {
	next := base.Clone()
	if next == nil {
		next = State{}
	}
	for _, w := range writes {
		for _, key := range w.updates.Keys() {
			ch, ok := s.byName[key]
			if !ok {
				return nil, &RunError{Code: CodeUnknownChannel, Node: w.node, Cause: fmt.Errorf("channel %q is not declared", key)}
			}
			merged, err := ch.Reducer.Reduce(next[key], cloneValue(w.updates[key]))
			if err != nil {
				return nil, &RunError{Code: CodeReducer, Node: w.node, Cause: fmt.Errorf("channel %q: %w", key, err)}
			}
			next[key] = merged
			s.observe(ch, merged)
		}
	}
	return next, nil
}

// restore converts values decoded from a checkpoint back to their declared
// types. Values already of the right type are kept as they are.
func (s *schema) restore(st State) (State, error) {
	out := make(State, len(st))
	for k, v := range st {
		ch, ok := s.byName[k]
		if !ok || v == nil {
			out[k] = v
			continue
		}
		typ := s.typeOf(ch)
		if typ == nil || reflect.TypeOf(v) == typ {
			out[k] = v
			continue
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("restore channel %q: %w", k, err)
		}
		ptr := reflect.New(typ)
		if err := json.Unmarshal(data, ptr.Interface()); err != nil {
			return nil, fmt.Errorf("restore channel %q as %s: %w", k, typ, err)
		}
		out[k] = ptr.Elem().Interface()
	}
	return out, nil
}

// observe remembers the type of the first non-nil value merged into a
// channel declared without a type.
func (s *schema) observe(ch *Channel, v any) {
	if ch.Type != nil || v == nil {
		return
	}
	s.mu.RLock()
	_, known := s.observed[ch.Name]
	s.mu.RUnlock()
	if known {
		return
	}
	s.mu.Lock()
	if _, known := s.observed[ch.Name]; !known {
		s.observed[ch.Name] = reflect.TypeOf(v)
	}
	s.mu.Unlock()
}

// typeOf returns the declared type of ch, or the observed one.
func (s *schema) typeOf(ch *Channel) reflect.Type {
	if ch.Type != nil {
		return ch.Type
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.observed[ch.Name]
}

// untyped lists channels whose restore type is not declared.
func (s *schema) untyped() []string {
	var names []string
	for _, c := range s.channels {
		if c.Type == nil {
			names = append(names, c.Name)
		}
	}
	return names
}

// project keeps only the keys of st that are declared channels.
func (s *schema) project(st State) State {
	out := State{}
	for k, v := range st {
		if _, ok := s.byName[k]; ok {
			out[k] = v
		}
	}
	return out
}
