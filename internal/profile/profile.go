// Package profile manages agent profiles: named model bindings for the
// planner, executor, and reviewer roles. Profiles are loaded from a YAML
// file and re-read when it changes, so a resumed workflow always binds
// the current profile rather than the one in effect when it suspended.
package profile

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/amelia-dev/amelia/internal/log"
)

// DefaultProfileID is used when a workflow is created without a profile.
const DefaultProfileID = "default"

// Profile binds the three agent roles to concrete models.
type Profile struct {
	ID            string `yaml:"id" json:"id"`
	PlannerModel  string `yaml:"planner_model" json:"planner_model"`
	ExecutorModel string `yaml:"executor_model" json:"executor_model"`
	ReviewerModel string `yaml:"reviewer_model" json:"reviewer_model"`
}

// Validate checks that the profile is usable.
func (p Profile) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("profile id is required")
	}
	if p.PlannerModel == "" || p.ExecutorModel == "" || p.ReviewerModel == "" {
		return fmt.Errorf("profile %s: all three role models are required", p.ID)
	}
	return nil
}

// NotFoundError reports a profile id with no registry entry.
type NotFoundError struct {
	ProfileID string
}

func (e *NotFoundError) Error() string {
	return "profile not found: " + e.ProfileID
}

// registryFile is the on-disk shape of the profiles file.
type registryFile struct {
	Profiles []Profile `yaml:"profiles"`
}

// Registry is a concurrency-safe profile lookup backed by a YAML file.
type Registry struct {
	path string

	mu       sync.RWMutex
	profiles map[string]Profile
}

// builtinDefault keeps the system usable with no profiles file.
var builtinDefault = Profile{
	ID:            DefaultProfileID,
	PlannerModel:  "claude-sonnet-4-5",
	ExecutorModel: "claude-sonnet-4-5",
	ReviewerModel: "claude-sonnet-4-5",
}

// NewRegistry loads the registry from path. A missing file is not an
// error: the registry falls back to the builtin default profile.
func NewRegistry(path string) (*Registry, error) {
	r := &Registry{
		path:     path,
		profiles: map[string]Profile{DefaultProfileID: builtinDefault},
	}
	if path == "" {
		return r, nil
	}
	if err := r.Reload(); err != nil {
		if os.IsNotExist(err) {
			log.Info(log.CatProfile, "profiles file absent, using builtin default", "path", path)
			return r, nil
		}
		return nil, err
	}
	return r, nil
}

// Reload re-reads the profiles file and swaps the registry contents. A
// malformed file leaves the previous contents in place.
func (r *Registry) Reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return err
	}

	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing profiles file %s: %w", r.path, err)
	}

	next := map[string]Profile{DefaultProfileID: builtinDefault}
	for _, p := range file.Profiles {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("profiles file %s: %w", r.path, err)
		}
		next[p.ID] = p
	}

	r.mu.Lock()
	r.profiles = next
	r.mu.Unlock()

	log.Info(log.CatProfile, "profiles loaded", "path", r.path, "count", len(next))
	return nil
}

// Get returns the profile for id, or NotFoundError.
func (r *Registry) Get(id string) (Profile, error) {
	if id == "" {
		id = DefaultProfileID
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[id]
	if !ok {
		return Profile{}, &NotFoundError{ProfileID: id}
	}
	return p, nil
}

// IDs returns the registered profile ids.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.profiles))
	for id := range r.profiles {
		ids = append(ids, id)
	}
	return ids
}
