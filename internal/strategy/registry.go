package strategy

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// DefaultName is the preset used when an account does not name one
const DefaultName = "BaseStrategy"

// Presets are the built-in threshold pairs
var Presets = []Strategy{
	{Name: "BaseStrategy", UpvoteAt: 20, DownvoteAt: -10},
	{Name: "TenStrategy", UpvoteAt: 10, DownvoteAt: -10},
	{Name: "FiveStrategy", UpvoteAt: 5, DownvoteAt: -5},
	{Name: "ShueStrategy", UpvoteAt: 1, DownvoteAt: -1},
}

// UnknownStrategyError is returned when a name is not registered
type UnknownStrategyError struct {
	Name  string
	Known []string
}

func (e *UnknownStrategyError) Error() string {
	return fmt.Sprintf("unknown strategy %q (known: %s)", e.Name, strings.Join(e.Known, ", "))
}

// Registry maps strategy names to threshold configurations.
// Lookups are case-insensitive.
type Registry struct {
	mu          sync.RWMutex
	byName      map[string]Strategy
	defaultName string
}

// NewRegistry returns a registry seeded with Presets
func NewRegistry() *Registry {
	r := &Registry{
		byName:      make(map[string]Strategy),
		defaultName: DefaultName,
	}
	for _, s := range Presets {
		r.byName[key(s.Name)] = s
	}
	return r
}

func key(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register adds or replaces a strategy
func (r *Registry) Register(s Strategy) error {
	s.Name = strings.TrimSpace(s.Name)
	if err := s.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[key(s.Name)] = s
	return nil
}

// SetDefault changes the strategy used for accounts without one
func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byName[key(name)]
	if !ok {
		return &UnknownStrategyError{Name: name, Known: r.namesLocked()}
	}
	r.defaultName = s.Name
	return nil
}

// Resolve returns the strategy registered under name.
// An empty name resolves to the default strategy.
func (r *Registry) Resolve(name string) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if strings.TrimSpace(name) == "" {
		name = r.defaultName
	}
	s, ok := r.byName[key(name)]
	if !ok {
		return Strategy{}, &UnknownStrategyError{Name: name, Known: r.namesLocked()}
	}
	return s, nil
}

// List returns all strategies sorted by name
func (r *Registry) List() []Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Strategy, 0, len(r.byName))
	for _, s := range r.byName {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.byName))
	for _, s := range r.byName {
		names = append(names, s.Name)
	}
	sort.Strings(names)
	return names
}

// presetFile is the YAML layout accepted by LoadFile
type presetFile struct {
	Default    string     `yaml:"default"`
	Strategies []Strategy `yaml:"strategies"`
}

// LoadYAML registers the strategies described by data.
// Entries with the same name as a built-in preset replace it.
func (r *Registry) LoadYAML(data []byte) error {
	var file presetFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing strategies: %w", err)
	}

	for i, s := range file.Strategies {
		if err := r.Register(s); err != nil {
			return fmt.Errorf("strategy #%d: %w", i+1, err)
		}
	}

	if file.Default != "" {
		if err := r.SetDefault(file.Default); err != nil {
			return fmt.Errorf("default strategy: %w", err)
		}
	}
	return nil
}

// LoadFile reads strategy presets from a YAML file
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading strategies file: %w", err)
	}
	return r.LoadYAML(data)
}
