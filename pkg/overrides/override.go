// Package overrides parses and applies key=value configuration overrides and
// expands sweep overrides into per-job override sets.
//
// Grammar:
//
//	key=value     set (creates intermediate maps)
//	+key=value    add (key must not exist)
//	~key          delete (key must exist)
//	~key=value    delete (value is ignored)
//
// Keys are dotted paths into nested maps. Values are decoded as YAML scalars
// or flow collections, so "2", "true", "[1,2]" and "{a: 1}" become typed.
package overrides

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Kind is the override operation.
type Kind int

const (
	KindSet Kind = iota
	KindAdd
	KindDelete
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindSet:
		return "set"
	case KindAdd:
		return "add"
	case KindDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Sentinel errors.
var (
	ErrInvalidOverride = errors.New("invalid override")
	ErrKeyExists       = errors.New("key already exists")
	ErrKeyNotFound     = errors.New("key not found")
	ErrNotAMap         = errors.New("cannot descend into non-map value")
)

// OverrideError reports a malformed or inapplicable override.
type OverrideError struct {
	Token string
	Err   error
}

// Error implements the error interface.
func (e *OverrideError) Error() string {
	return fmt.Sprintf("override %q: %v", e.Token, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *OverrideError) Unwrap() error {
	return e.Err
}

// Override is one parsed override token.
type Override struct {
	Kind  Kind
	Key   string
	Value any

	// Raw is the value text before decoding.
	Raw string

	// Token is the original token.
	Token string
}

// Path returns the dotted key split into segments.
func (o Override) Path() []string {
	return strings.Split(o.Key, ".")
}

// Parse parses a single override token.
func Parse(token string) (Override, error) {
	ov := Override{Token: token}
	s := token

	switch {
	case strings.HasPrefix(s, "~"):
		ov.Kind = KindDelete
		s = s[1:]
	case strings.HasPrefix(s, "+"):
		ov.Kind = KindAdd
		s = s[1:]
	}

	key, raw, hasValue := strings.Cut(s, "=")
	key = strings.TrimSpace(key)
	if key == "" {
		return Override{}, &OverrideError{Token: token, Err: fmt.Errorf("%w: empty key", ErrInvalidOverride)}
	}
	for _, seg := range strings.Split(key, ".") {
		if seg == "" {
			return Override{}, &OverrideError{Token: token, Err: fmt.Errorf("%w: empty key segment", ErrInvalidOverride)}
		}
	}
	ov.Key = key

	if ov.Kind == KindDelete {
		ov.Raw = raw
		return ov, nil
	}
	if !hasValue {
		return Override{}, &OverrideError{Token: token, Err: fmt.Errorf("%w: expected key=value", ErrInvalidOverride)}
	}

	value, err := decodeValue(raw)
	if err != nil {
		return Override{}, &OverrideError{Token: token, Err: fmt.Errorf("%w: %v", ErrInvalidOverride, err)}
	}
	ov.Raw = raw
	ov.Value = value
	return ov, nil
}

// ParseAll parses every token, stopping at the first error.
func ParseAll(tokens []string) ([]Override, error) {
	out := make([]Override, 0, len(tokens))
	for _, t := range tokens {
		ov, err := Parse(t)
		if err != nil {
			return nil, err
		}
		out = append(out, ov)
	}
	return out, nil
}

func decodeValue(raw string) (any, error) {
	if strings.TrimSpace(raw) == "" {
		return "", nil
	}
	var v any
	if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Apply returns a deep copy of base with the overrides applied in order.
// base is never modified.
func Apply(base map[string]any, ovs []Override) (map[string]any, error) {
	cfg := copyMap(base)
	for _, ov := range ovs {
		if err := apply(cfg, ov); err != nil {
			return nil, &OverrideError{Token: ov.Token, Err: err}
		}
	}
	return cfg, nil
}

func apply(cfg map[string]any, ov Override) error {
	path := ov.Path()
	parent := cfg
	for _, seg := range path[:len(path)-1] {
		next, ok := parent[seg]
		if !ok {
			if ov.Kind == KindDelete {
				return fmt.Errorf("%w: %s", ErrKeyNotFound, ov.Key)
			}
			m := map[string]any{}
			parent[seg] = m
			parent = m
			continue
		}
		m, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotAMap, seg)
		}
		parent = m
	}

	leaf := path[len(path)-1]
	_, exists := parent[leaf]
	switch ov.Kind {
	case KindAdd:
		if exists {
			return fmt.Errorf("%w: %s", ErrKeyExists, ov.Key)
		}
		parent[leaf] = copyValue(ov.Value)
	case KindDelete:
		if !exists {
			return fmt.Errorf("%w: %s", ErrKeyNotFound, ov.Key)
		}
		delete(parent, leaf)
	default:
		parent[leaf] = copyValue(ov.Value)
	}
	return nil
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	default:
		return v
	}
}
