// Package catalog serves the model catalog. Enabled models and their input
// schemas are loaded once at startup; adapters are resolved against the
// loaded records, never per request.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/atelierai/backend/internal/models"
)

// ErrUnknownModel is returned for a model id that is not in the loaded
// catalog or is disabled.
var ErrUnknownModel = errors.New("unknown or disabled model")

// ErrValidation wraps input payload schema violations.
var ErrValidation = errors.New("input validation failed")

// Lister is the repository subset the service needs.
type Lister interface {
	ListEnabled(ctx context.Context) ([]*models.Model, error)
}

type Service struct {
	mu       sync.RWMutex
	models   map[string]*models.Model
	schemas  map[string]*jsonschema.Schema
	ordered  []*models.Model
	repo     Lister
}

// NewService loads the enabled catalog and compiles each model's input
// schema. A model with a malformed schema fails startup rather than
// rejecting every request later.
func NewService(ctx context.Context, repo Lister) (*Service, error) {
	s := &Service{repo: repo}
	if err := s.Reload(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads enabled models and recompiles schemas.
func (s *Service) Reload(ctx context.Context) error {
	list, err := s.repo.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("load model catalog: %w", err)
	}
	byID := make(map[string]*models.Model, len(list))
	schemas := make(map[string]*jsonschema.Schema)
	for _, m := range list {
		byID[m.ID] = m
		if len(m.InputSchema) == 0 {
			continue
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(m.ID+".json", strings.NewReader(string(m.InputSchema))); err != nil {
			return fmt.Errorf("model %s input schema: %w", m.ID, err)
		}
		schema, err := compiler.Compile(m.ID + ".json")
		if err != nil {
			return fmt.Errorf("compile model %s input schema: %w", m.ID, err)
		}
		schemas[m.ID] = schema
	}
	s.mu.Lock()
	s.models = byID
	s.schemas = schemas
	s.ordered = list
	s.mu.Unlock()
	return nil
}

// List returns the enabled catalog in load order.
func (s *Service) List() []*models.Model {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Model, len(s.ordered))
	copy(out, s.ordered)
	return out
}

// Model returns one enabled model by id.
func (s *Service) Model(id string) (*models.Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.models[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, id)
	}
	return m, nil
}

// ValidateInput checks a request payload against the model's input schema,
// when one is defined. Violations are a hard reject before any credits move.
func (s *Service) ValidateInput(modelID string, payload []byte) error {
	s.mu.RLock()
	schema, ok := s.schemas[modelID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("%w: not valid JSON", ErrValidation)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}
