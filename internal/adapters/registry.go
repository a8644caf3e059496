package adapters

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/alekspetrov/recap/internal/completion"
)

// Tracker is the common interface all work-tracker adapters implement: it
// serves the workflow's reads and comments and normalizes the tracker's
// webhooks.
type Tracker interface {
	completion.Repository

	// Name returns the adapter identifier, also used as the webhook source
	// (e.g. "backlog", "jira").
	Name() string

	// ParseWebhook authenticates and normalizes a webhook request whose
	// body has already been read. Malformed payloads return a
	// durable.ValidationError.
	ParseWebhook(r *http.Request, body []byte) (completion.Event, error)
}

// ErrUnauthorized is wrapped by tracker errors for webhooks that fail
// authentication.
var ErrUnauthorized = errors.New("webhook authentication failed")

// Registry holds the configured trackers keyed by name.
type Registry struct {
	mu       sync.RWMutex
	trackers map[string]Tracker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{trackers: make(map[string]Tracker)}
}

// Register adds a tracker, replacing one with the same name.
func (r *Registry) Register(t Tracker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trackers[t.Name()] = t
}

// Get returns a registered tracker by name, or nil if not found.
func (r *Registry) Get(name string) Tracker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.trackers[name]
}

// Names returns the registered tracker names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.trackers))
	for name := range r.trackers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// For implements completion.Repositories.
func (r *Registry) For(source string) (completion.Repository, error) {
	if t := r.Get(source); t != nil {
		return t, nil
	}
	return nil, fmt.Errorf("no tracker registered for source %q", source)
}
