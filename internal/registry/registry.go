package registry

import (
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/kandev/kandev-core/internal/logging"
)

//go:embed agents.json
var agentsFS embed.FS

type agentsFile struct {
	Version string   `json:"version"`
	Agents  []*Entry `json:"agents"`
}

// Registry holds the known agent kinds, keyed by Entry.ID.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	logger  *logging.Logger
}

// New creates an empty Registry.
func New(log *logging.Logger) *Registry {
	if log == nil {
		log = logging.Default()
	}
	return &Registry{entries: make(map[string]*Entry), logger: log}
}

// NewWithDefaults creates a Registry preloaded from the embedded agents.json.
func NewWithDefaults(log *logging.Logger) (*Registry, error) {
	r := New(log)
	defaults, err := DefaultEntries()
	if err != nil {
		return nil, err
	}
	for _, e := range defaults {
		if err := r.Register(e); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a new agent kind. It fails if the id already exists or
// the entry is invalid — a configuration error per spec.md §7, so it fails
// fast rather than silently overwriting.
func (r *Registry) Register(e *Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[e.ID]; exists {
		return fmt.Errorf("agent kind %q already registered", e.ID)
	}
	r.entries[e.ID] = e
	r.logger.Info("registered agent kind", zap.String("id", e.ID))
	return nil
}

// Upsert registers or replaces an agent kind.
func (r *Registry) Upsert(e *Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[e.ID] = e
	return nil
}

// Get returns the Entry for id.
func (r *Registry) Get(id string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("agent kind %q not found", id)
	}
	return e, nil
}

// List returns every registered Entry.
func (r *Registry) List() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

// Exists reports whether an agent kind is registered.
func (r *Registry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[id]
	return ok
}

// LoadYAMLOverrides merges agent kind overrides from a YAML file on top of
// whatever is already registered (embedded defaults or prior overrides).
// This lets a deployment add or tweak agent kinds without recompiling.
func (r *Registry) LoadYAMLOverrides(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read registry overrides: %w", err)
	}

	var overrides struct {
		Agents []*Entry `yaml:"agents"`
	}
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return fmt.Errorf("parse registry overrides: %w", err)
	}

	for _, e := range overrides.Agents {
		if err := r.Upsert(e); err != nil {
			return fmt.Errorf("override agent kind %q: %w", e.ID, err)
		}
		r.logger.Info("applied registry override", zap.String("id", e.ID))
	}
	return nil
}

// DefaultEntries loads the baked-in agent kinds from the embedded
// agents.json.
func DefaultEntries() ([]*Entry, error) {
	data, err := agentsFS.ReadFile("agents.json")
	if err != nil {
		return nil, fmt.Errorf("read embedded agents.json: %w", err)
	}
	var file agentsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse embedded agents.json: %w", err)
	}
	for _, e := range file.Agents {
		if err := e.Validate(); err != nil {
			return nil, fmt.Errorf("embedded agent %q: %w", e.ID, err)
		}
	}
	return file.Agents, nil
}
