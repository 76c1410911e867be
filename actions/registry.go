package actions

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"
)

var (
	ErrUnknownPlugin   = errors.New("actions: unknown plugin")
	ErrDuplicatePlugin = errors.New("actions: plugin already registered")
	ErrInvalidConfig   = errors.New("actions: invalid action config")
)

// Registry resolves plugin ids to plugins. Build one at startup and pass it
// to the components that need it.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
}

// NewRegistry creates a registry holding the given plugins
func NewRegistry(plugins ...Plugin) (*Registry, error) {
	r := &Registry{plugins: make(map[string]Plugin)}
	for _, p := range plugins {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// NewDefaultRegistry creates a registry with the built-in plugins
func NewDefaultRegistry() *Registry {
	r, err := NewRegistry(
		NewSurvey(),
		NewEmailCapture(),
		NewGithubStar(),
		NewCodeVerification(),
	)
	if err != nil {
		// Built-in ids are distinct
		panic(err)
	}
	return r
}

// Register adds a plugin. Ids must be unique.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := p.ID()
	if id == "" {
		return fmt.Errorf("actions: plugin id must not be empty")
	}
	if _, exists := r.plugins[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicatePlugin, id)
	}
	r.plugins[id] = p
	return nil
}

// Get resolves a plugin id. Unregistered ids fail with ErrUnknownPlugin.
func (r *Registry) Get(id string) (Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.plugins[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlugin, id)
	}
	return p, nil
}

// List returns all plugins ordered by id
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Plugin, 0, len(r.plugins))
	for _, p := range r.plugins {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// ValidateConfig checks an action config against the plugin's config schema
func (r *Registry) ValidateConfig(pluginID string, config map[string]interface{}) error {
	p, err := r.Get(pluginID)
	if err != nil {
		return err
	}
	return validateAgainstSchema(p.Describe(config).ConfigSchema, config)
}

func validateAgainstSchema(schema, doc map[string]interface{}) error {
	if schema == nil {
		return nil
	}
	if doc == nil {
		doc = map[string]interface{}{}
	}

	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal schema: %v", ErrInvalidConfig, err)
	}
	docJSON, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal config: %v", ErrInvalidConfig, err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schemaJSON),
		gojsonschema.NewBytesLoader(docJSON),
	)
	if err != nil {
		return fmt.Errorf("%w: schema validation failed: %v", ErrInvalidConfig, err)
	}
	if result.Valid() {
		return nil
	}

	var msgs []string
	for _, desc := range result.Errors() {
		msgs = append(msgs, fmt.Sprintf("%s: %s", desc.Context().String(), desc.Description()))
	}
	return fmt.Errorf("%w: %v", ErrInvalidConfig, msgs)
}

// newInstanceID returns a fresh id correlating one start/validate pair
func newInstanceID() string {
	return uuid.New().String()
}
