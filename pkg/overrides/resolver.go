package overrides

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/gpubatch/pkg/planner"
)

// ErrConfigNotFound indicates no base configuration file matched.
var ErrConfigNotFound = errors.New("base config not found")

// Location names the task's base configuration.
type Location struct {
	// Name is the config name without extension.
	Name string

	// Dir is searched first, then Path.
	Dir  string
	Path string
}

// Resolver computes each job's effective configuration as the base config
// with the job's overrides applied.
type Resolver struct {
	base map[string]any
	file string
}

var _ planner.ConfigResolver = (*Resolver)(nil)

// NewResolver returns a resolver over base. A nil base is empty.
func NewResolver(base map[string]any) *Resolver {
	if base == nil {
		base = map[string]any{}
	}
	return &Resolver{base: base}
}

// LoadBase finds <Name>.yaml or <Name>.yml anywhere under the location's
// directory and returns a resolver over its contents. Without a name the
// base is empty.
func LoadBase(loc Location) (*Resolver, error) {
	if strings.TrimSpace(loc.Name) == "" {
		return NewResolver(nil), nil
	}

	root := loc.Dir
	if root == "" {
		root = loc.Path
	}
	if root == "" {
		root = "."
	}

	file, err := findConfig(root, loc.Name)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read base config: %w", err)
	}

	var base map[string]any
	if err := yaml.Unmarshal(data, &base); err != nil {
		return nil, fmt.Errorf("invalid YAML in %s: %w", file, err)
	}

	r := NewResolver(base)
	r.file = file
	return r, nil
}

// File returns the loaded base config path, if any.
func (r *Resolver) File() string {
	return r.file
}

// Base returns a copy of the base configuration.
func (r *Resolver) Base() map[string]any {
	return copyMap(r.base)
}

// Resolve applies overrides to a copy of the base configuration.
func (r *Resolver) Resolve(_ context.Context, tokens []string) (map[string]any, error) {
	ovs, err := ParseAll(tokens)
	if err != nil {
		return nil, err
	}
	return Apply(r.base, ovs)
}

func findConfig(root, name string) (string, error) {
	pattern := "**/" + name + ".{yaml,yml}"
	if !doublestar.ValidatePattern(pattern) {
		return "", fmt.Errorf("invalid config name %q", name)
	}

	matches, err := doublestar.Glob(os.DirFS(root), pattern)
	if err != nil {
		return "", fmt.Errorf("search %s: %w", root, err)
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("%w: %s.yaml under %s", ErrConfigNotFound, name, root)
	}

	// Shallowest match wins, then lexical order.
	sort.Slice(matches, func(i, j int) bool {
		di, dj := strings.Count(matches[i], "/"), strings.Count(matches[j], "/")
		if di != dj {
			return di < dj
		}
		return matches[i] < matches[j]
	})
	return filepath.Join(root, filepath.FromSlash(matches[0])), nil
}
