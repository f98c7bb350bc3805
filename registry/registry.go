package registry

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/isdmx/funcbox/config"
)

// ErrNotFound is returned by Lookup for unknown names
var ErrNotFound = errors.New("function not found")

// Function is one stored function
type Function struct {
	ID      string `yaml:"id" json:"id"`
	Name    string `yaml:"name" json:"name"`
	Code    string `yaml:"code" json:"code"`
	Runtime string `yaml:"runtime" json:"runtime"`
}

type file struct {
	Functions []Function `yaml:"functions"`
}

// Registry indexes functions by name
type Registry struct {
	byName map[string]Function
}

// Load reads the registry file at path. A missing file yields an empty
// registry.
func Load(path string) (*Registry, error) {
	r := &Registry{byName: make(map[string]Function)}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read registry %s: %w", path, err)
	}

	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse registry %s: %w", path, err)
	}

	for i, fn := range f.Functions {
		if strings.TrimSpace(fn.Name) == "" {
			return nil, fmt.Errorf("registry %s: function #%d has no name", path, i+1)
		}
		if strings.TrimSpace(fn.Code) == "" {
			return nil, fmt.Errorf("registry %s: function %q has no code", path, fn.Name)
		}
		if _, dup := r.byName[fn.Name]; dup {
			return nil, fmt.Errorf("registry %s: duplicate function %q", path, fn.Name)
		}
		if fn.Runtime == "" {
			fn.Runtime = "docker"
		}
		r.byName[fn.Name] = fn
	}

	return r, nil
}

// NewFromConfig loads the registry named by registry.path
func NewFromConfig(logger *zap.Logger, cfg *config.Config) (*Registry, error) {
	r, err := Load(cfg.Registry.Path)
	if err != nil {
		return nil, err
	}
	logger.Info("function registry loaded", zap.String("path", cfg.Registry.Path), zap.Int("functions", r.Len()))
	return r, nil
}

// Lookup returns the function registered under name
func (r *Registry) Lookup(name string) (Function, error) {
	fn, ok := r.byName[name]
	if !ok {
		return Function{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return fn, nil
}

// List returns all functions sorted by name
func (r *Registry) List() []Function {
	fns := make([]Function, 0, len(r.byName))
	for _, fn := range r.byName {
		fns = append(fns, fn)
	}
	sort.Slice(fns, func(i, j int) bool { return fns[i].Name < fns[j].Name })
	return fns
}

func (r *Registry) Len() int {
	return len(r.byName)
}
