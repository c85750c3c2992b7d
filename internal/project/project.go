// Package project implements the project/tenant registry the edge
// router consults for signing secrets, the public flag's default, CORS
// origins, and reader-key policy. Grounded on the teacher's
// store/memory_store.go being its own default, simplest-possible
// in-memory Store implementation — this package is the same idea
// applied to project configuration instead of stream storage.
package project

import (
	"errors"
	"sync"
)

// ErrNotFound is returned for a projectId no Registry entry matches.
var ErrNotFound = errors.New("project: not found")

// Config is one project's edge-facing configuration.
type Config struct {
	ProjectID string

	// SigningSecrets validate inbound bearer tokens; more than one
	// supports rotation without a flag day.
	SigningSecrets []string

	// PublicByDefault makes every stream under this project readable
	// without auth unless the stream itself was created non-public.
	PublicByDefault bool

	// CORSOrigins is this project's allow-list, intersected against the
	// deployment-wide allow-list by the edge router.
	CORSOrigins []string

	// RequireReaderKey, when true, makes every read need a matching
	// ?rk= query parameter once the stream has one assigned.
	RequireReaderKey bool
}

// Registry resolves a projectId to its Config.
type Registry interface {
	Lookup(projectID string) (Config, error)
}

// InMemoryRegistry is a static map-backed Registry, the default used
// when no external project-config service is wired in.
type InMemoryRegistry struct {
	mu       sync.RWMutex
	projects map[string]Config
}

// NewInMemoryRegistry builds a registry from an initial project set.
// Callers typically seed it with at least a "_default" entry for the
// legacy /v1/stream/{streamId} path.
func NewInMemoryRegistry(initial ...Config) *InMemoryRegistry {
	r := &InMemoryRegistry{projects: make(map[string]Config, len(initial))}
	for _, c := range initial {
		r.projects[c.ProjectID] = c
	}
	return r
}

// Put inserts or replaces a project's config.
func (r *InMemoryRegistry) Put(c Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.projects[c.ProjectID] = c
}

// Remove deletes a project's config.
func (r *InMemoryRegistry) Remove(projectID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.projects, projectID)
}

// Lookup implements Registry.
func (r *InMemoryRegistry) Lookup(projectID string) (Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.projects[projectID]
	if !ok {
		return Config{}, ErrNotFound
	}
	return c, nil
}

// DefaultProjectID is the legacy fallback for /v1/stream/{streamId}
// requests that name no project, per spec.md §4.7.
const DefaultProjectID = "_default"
