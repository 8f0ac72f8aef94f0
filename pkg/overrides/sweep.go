package overrides

import (
	"strings"
)

// DefaultHidden are key prefixes Filter hides when none are given.
var DefaultHidden = []string{"hydra."}

// Expand expands sweep overrides into one override set per combination.
//
// A value with top-level commas (key=a,b,c) is a sweep. Commas inside
// brackets, braces or quotes do not split. The result is the cartesian product
// of all sweeps in token order, with the last swept key varying fastest.
// Tokens without a sweep appear unchanged in every set. An empty input yields
// a single empty set.
func Expand(tokens []string) ([][]string, error) {
	choices := make([][]string, len(tokens))
	for i, tok := range tokens {
		prefix, raw, ok := sweepParts(tok)
		if !ok {
			if _, err := Parse(tok); err != nil {
				return nil, err
			}
			choices[i] = []string{tok}
			continue
		}
		values := splitTopLevel(raw)
		set := make([]string, 0, len(values))
		for _, v := range values {
			candidate := prefix + v
			if _, err := Parse(candidate); err != nil {
				return nil, err
			}
			set = append(set, candidate)
		}
		choices[i] = set
	}

	total := 1
	for _, c := range choices {
		total *= len(c)
	}

	out := make([][]string, 0, total)
	idx := make([]int, len(choices))
	for n := 0; n < total; n++ {
		set := make([]string, len(choices))
		for i, c := range choices {
			set[i] = c[idx[i]]
		}
		out = append(out, set)

		for i := len(idx) - 1; i >= 0; i-- {
			idx[i]++
			if idx[i] < len(choices[i]) {
				break
			}
			idx[i] = 0
		}
	}
	return out, nil
}

// IsSweep reports whether token expands to more than one value.
func IsSweep(token string) bool {
	_, _, ok := sweepParts(token)
	return ok
}

// sweepParts splits a sweep token into "key=" prefix and raw value list.
// ok is false for deletes and single-valued tokens.
func sweepParts(token string) (prefix, raw string, ok bool) {
	if strings.HasPrefix(token, "~") {
		return "", "", false
	}
	i := strings.IndexByte(token, '=')
	if i < 0 {
		return "", "", false
	}
	prefix, raw = token[:i+1], token[i+1:]
	if len(splitTopLevel(raw)) <= 1 {
		return "", "", false
	}
	return prefix, raw, true
}

func splitTopLevel(s string) []string {
	var (
		parts []string
		depth int
		quote rune
		start int
	)
	for i, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			quote = r
		case r == '[' || r == '{' || r == '(':
			depth++
		case r == ']' || r == '}' || r == ')':
			if depth > 0 {
				depth--
			}
		case r == ',' && depth == 0:
			parts = append(parts, strings.TrimSpace(s[start:i]))
			start = i + 1
		}
	}
	parts = append(parts, strings.TrimSpace(s[start:]))
	return parts
}

// Filter drops tokens whose key starts with one of hidden. With no prefixes,
// DefaultHidden is used.
func Filter(tokens []string, hidden ...string) []string {
	if len(hidden) == 0 {
		hidden = DefaultHidden
	}
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		key := strings.TrimLeft(tok, "+~")
		key, _, _ = strings.Cut(key, "=")
		keep := true
		for _, h := range hidden {
			if strings.HasPrefix(key, h) {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, tok)
		}
	}
	return out
}
