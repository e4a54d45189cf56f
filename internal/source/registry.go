package source

import (
	"os"
	"sort"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// RuleSpec declares one quality rule in the sources file. The validate package
// turns specs into executable rules.
type RuleSpec struct {
	Name     string   `yaml:"name"`
	Type     string   `yaml:"type"` // range, format, required, referential
	Field    string   `yaml:"field"`
	Severity string   `yaml:"severity"`
	Min      *float64 `yaml:"min,omitempty"`
	Max      *float64 `yaml:"max,omitempty"`
	Pattern  string   `yaml:"pattern,omitempty"`
	Values   []string `yaml:"values,omitempty"`
}

// File is the on-disk layout of the sources configuration.
type File struct {
	Sources []Definition `yaml:"sources"`
	Rules   []RuleSpec   `yaml:"rules"`
}

// LoadFile reads and validates a sources file.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "source: read config %s", path)
	}
	return Parse(data)
}

// Parse decodes a sources file from YAML bytes.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "source: parse config")
	}
	if len(f.Sources) == 0 {
		return nil, eris.New("source: config declares no sources")
	}
	return &f, nil
}

// Registry maps source names to their definitions.
type Registry struct {
	defs  map[string]Definition
	order []string // insertion order for deterministic iteration
}

// NewRegistry creates a registry from validated definitions.
func NewRegistry(defs ...Definition) (*Registry, error) {
	r := &Registry{defs: make(map[string]Definition, len(defs))}
	for _, d := range defs {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register validates and adds a definition.
func (r *Registry) Register(d Definition) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if _, dup := r.defs[d.Name]; dup {
		return eris.Errorf("source: duplicate source name %q", d.Name)
	}
	r.defs[d.Name] = d.clone()
	r.order = append(r.order, d.Name)
	return nil
}

// Get returns a copy of a definition by name.
func (r *Registry) Get(name string) (Definition, error) {
	d, ok := r.defs[name]
	if !ok {
		return Definition{}, eris.Errorf("source: unknown source %q", name)
	}
	return d.clone(), nil
}

// AllNames returns all registered names in insertion order.
func (r *Registry) AllNames() []string {
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// All returns every definition in insertion order.
func (r *Registry) All() []Definition {
	out := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.defs[name].clone())
	}
	return out
}

// Enabled returns enabled definitions ordered by priority, then name.
// If names is non-empty only those sources are returned.
func (r *Registry) Enabled(names ...string) ([]Definition, error) {
	var out []Definition
	if len(names) > 0 {
		for _, name := range names {
			d, err := r.Get(name)
			if err != nil {
				return nil, err
			}
			if d.IsEnabled() {
				out = append(out, d)
			}
		}
	} else {
		for _, name := range r.order {
			if d := r.defs[name]; d.IsEnabled() {
				out = append(out, d.clone())
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// Len returns the number of registered sources.
func (r *Registry) Len() int { return len(r.order) }
