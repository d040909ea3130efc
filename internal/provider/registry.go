package provider

import (
	"fmt"

	"github.com/atelierai/backend/internal/models"
)

// Registry maps a model record's provider identifier to a concrete adapter.
// The binding is resolved once when the catalog loads, not per call.
type Registry struct {
	sync   map[string]SyncAdapter
	async  map[string]AsyncAdapter
	stream map[string]StreamAdapter
}

func NewRegistry() *Registry {
	return &Registry{
		sync:   make(map[string]SyncAdapter),
		async:  make(map[string]AsyncAdapter),
		stream: make(map[string]StreamAdapter),
	}
}

func (r *Registry) RegisterSync(a SyncAdapter)     { r.sync[a.Name()] = a }
func (r *Registry) RegisterAsync(a AsyncAdapter)   { r.async[a.Name()] = a }
func (r *Registry) RegisterStream(a StreamAdapter) { r.stream[a.Name()] = a }

// SyncFor resolves the synchronous adapter for an image model.
func (r *Registry) SyncFor(m *models.Model) (SyncAdapter, error) {
	a, ok := r.sync[m.Provider]
	if !ok {
		return nil, fmt.Errorf("no synchronous adapter for provider %q (model %s)", m.Provider, m.ID)
	}
	return a, nil
}

// AsyncFor resolves the asynchronous adapter for a video model.
func (r *Registry) AsyncFor(m *models.Model) (AsyncAdapter, error) {
	a, ok := r.async[m.Provider]
	if !ok {
		return nil, fmt.Errorf("no asynchronous adapter for provider %q (model %s)", m.Provider, m.ID)
	}
	return a, nil
}

// StreamFor resolves the streaming adapter for a chat model.
func (r *Registry) StreamFor(m *models.Model) (StreamAdapter, error) {
	a, ok := r.stream[m.Provider]
	if !ok {
		return nil, fmt.Errorf("no streaming adapter for provider %q (model %s)", m.Provider, m.ID)
	}
	return a, nil
}
