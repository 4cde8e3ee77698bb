// Package scope parses access scopes such as
//
//	bus:mybus.com bus:other.com channel:c1 sticky:true
//
// A scope is a set of key/value constraints. Values for the same key are
// OR'd, different keys are AND'd. The same Scope serves as a store query
// (BuildQuery) and as an in-process predicate (Matches).
package scope

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"backplane/internal/store/predicate"
)

const (
	MaxParameters = 100
	Separator     = " "
	Delimiter     = ":"
)

const (
	KeyBus     = "bus"
	KeyChannel = "channel"
	KeySticky  = "sticky"
	KeyType    = "type"
	KeySource  = "source"
	KeyPayload = "payload"
)

// ValidKeys is the allow-list of scope keys, in canonical order.
var ValidKeys = []string{KeyBus, KeyChannel, KeySticky, KeyType, KeySource, KeyPayload}

var (
	ErrMalformedScope    = errors.New("malformed scope")
	ErrInvalidScopeField = errors.New("invalid scope field")
)

// Fielder exposes named string attributes of a message.
type Fielder interface {
	Field(name string) (string, bool)
}

// Scope is immutable once parsed.
type Scope struct {
	values map[string][]string
}

func IsValidKey(key string) bool {
	for _, k := range ValidKeys {
		if k == key {
			return true
		}
	}
	return false
}

// Parse parses a space separated list of key:value tokens. The empty string
// is a valid scope with no constraints.
func Parse(s string) (Scope, error) {
	sc := Scope{values: map[string][]string{}}
	if s == "" {
		return sc, nil
	}
	tokens := strings.Split(s, Separator)
	if len(tokens) > MaxParameters {
		return Scope{}, fmt.Errorf("%w: more than %d parameters", ErrMalformedScope, MaxParameters)
	}
	for _, tok := range tokens {
		key, value, ok := strings.Cut(tok, Delimiter)
		if !ok || key == "" || value == "" {
			return Scope{}, fmt.Errorf("%w: %q", ErrMalformedScope, tok)
		}
		if !IsValidKey(key) {
			return Scope{}, fmt.Errorf("%w: %s is not a valid scope field name", ErrInvalidScopeField, key)
		}
		sc.add(key, value)
	}
	return sc, nil
}

// MustParse is like Parse but panics on error.
func MustParse(s string) Scope {
	sc, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return sc
}

// FromBuses builds a scope restricted to the given buses.
func FromBuses(buses ...string) Scope {
	sc := Scope{values: map[string][]string{}}
	for _, b := range buses {
		if b != "" {
			sc.add(KeyBus, b)
		}
	}
	return sc
}

func (s *Scope) add(key, value string) {
	if s.values == nil {
		s.values = map[string][]string{}
	}
	for _, v := range s.values[key] {
		if v == value {
			return
		}
	}
	s.values[key] = append(s.values[key], value)
}

// With returns a copy of s with value added under key.
func (s Scope) With(key, value string) Scope {
	out := Scope{values: make(map[string][]string, len(s.values)+1)}
	for k, vs := range s.values {
		out.values[k] = append([]string(nil), vs...)
	}
	out.add(key, value)
	return out
}

// Without returns a copy of s with every value for key removed.
func (s Scope) Without(key string) Scope {
	out := Scope{values: make(map[string][]string, len(s.values))}
	for k, vs := range s.values {
		if k != key {
			out.values[k] = append([]string(nil), vs...)
		}
	}
	return out
}

func (s Scope) IsEmpty() bool { return len(s.values) == 0 }

// Values returns the values constraining key, in the order they were given.
func (s Scope) Values(key string) []string {
	return append([]string(nil), s.values[key]...)
}

func (s Scope) Buses() []string { return s.Values(KeyBus) }

func (s Scope) Channels() []string { return s.Values(KeyChannel) }

// Has reports whether value is one of the values listed under key.
func (s Scope) Has(key, value string) bool {
	for _, v := range s.values[key] {
		if v == value {
			return true
		}
	}
	return false
}

// AllowsBus reports whether a message on bus can satisfy this scope's bus
// constraint. A scope without bus constraint allows every bus.
func (s Scope) AllowsBus(bus string) bool {
	if len(s.values[KeyBus]) == 0 {
		return true
	}
	return s.Has(KeyBus, bus)
}

// BusesWithin reports whether every bus named by s appears in allowed.
// A scope that names no bus is not within any restriction.
func (s Scope) BusesWithin(allowed []string) bool {
	buses := s.values[KeyBus]
	if len(buses) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(allowed))
	for _, b := range allowed {
		set[b] = struct{}{}
	}
	for _, b := range buses {
		if _, ok := set[b]; !ok {
			return false
		}
	}
	return true
}

func (s Scope) orderedKeys() []string {
	keys := make([]string, 0, len(s.values))
	for _, k := range ValidKeys {
		if len(s.values[k]) > 0 {
			keys = append(keys, k)
		}
	}
	return keys
}

// BuildQuery renders the scope as a store predicate: one OR group per key,
// AND'd together. The empty scope renders as the empty predicate.
func (s Scope) BuildQuery() string {
	var groups []string
	for _, k := range s.orderedKeys() {
		var eqs []string
		for _, v := range s.values[k] {
			eqs = append(eqs, predicate.Eq(k, v))
		}
		groups = append(groups, predicate.Or(eqs...))
	}
	return predicate.And(groups...)
}

// Matches evaluates the scope against m in process, with the same semantics
// as the predicate returned by BuildQuery.
func (s Scope) Matches(m Fielder) bool {
	for _, k := range s.orderedKeys() {
		got, ok := m.Field(k)
		if !ok {
			return false
		}
		matched := false
		for _, v := range s.values[k] {
			if v == got {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// String renders the scope in canonical form: keys in allow-list order,
// values sorted.
func (s Scope) String() string {
	var parts []string
	for _, k := range s.orderedKeys() {
		vs := append([]string(nil), s.values[k]...)
		sort.Strings(vs)
		for _, v := range vs {
			parts = append(parts, k+Delimiter+v)
		}
	}
	return strings.Join(parts, Separator)
}

// Equal reports whether s and other carry the same constraints.
func (s Scope) Equal(other Scope) bool {
	return s.String() == other.String()
}
