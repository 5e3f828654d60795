package services

import (
	"fmt"
	"sort"
	"strings"

	"github.com/zatekoja/sessionreview/backend/internal/domain/entities"
	"github.com/zatekoja/sessionreview/backend/pkg/config"
	apperrors "github.com/zatekoja/sessionreview/backend/pkg/errors"
)

const (
	defaultMaxRetries = 2
	defaultTimeoutMs  = 30000
)

// PipelineDefinition describes one pipeline kind known to the registry
type PipelineDefinition struct {
	Kind        entities.PipelineKind
	Name        string
	Description string
	Defaults    entities.PipelineConfig
}

// PipelineRegistry holds the pipeline kinds and their default configuration.
// It is read-only after construction.
type PipelineRegistry struct {
	definitions []PipelineDefinition
	index       map[entities.PipelineKind]int
}

// NewPipelineRegistry creates a registry with the four built-in pipeline kinds
func NewPipelineRegistry() *PipelineRegistry {
	return newPipelineRegistry([]PipelineDefinition{
		{
			Kind:        entities.PipelineKindSafety,
			Name:        "Safety Assessment",
			Description: "Risk assessment and safety alerts",
			Defaults:    entities.PipelineConfig{Enabled: true, Priority: 10, MaxRetries: defaultMaxRetries, TimeoutMs: defaultTimeoutMs},
		},
		{
			Kind:        entities.PipelineKindBilling,
			Name:        "Billing Codes",
			Description: "CPT and ICD-10 code suggestions with compliance review",
			Defaults:    entities.PipelineConfig{Enabled: true, Priority: 8, MaxRetries: defaultMaxRetries, TimeoutMs: defaultTimeoutMs},
		},
		{
			Kind:        entities.PipelineKindProgress,
			Name:        "Treatment Progress",
			Description: "Progress against treatment goals",
			Defaults:    entities.PipelineConfig{Enabled: true, Priority: 6, MaxRetries: defaultMaxRetries, TimeoutMs: defaultTimeoutMs},
		},
		{
			Kind:        entities.PipelineKindNote,
			Name:        "Session Note",
			Description: "Structured clinical note draft",
			Defaults:    entities.PipelineConfig{Enabled: true, Priority: 4, MaxRetries: defaultMaxRetries, TimeoutMs: 45000},
		},
	})
}

func newPipelineRegistry(definitions []PipelineDefinition) *PipelineRegistry {
	index := make(map[entities.PipelineKind]int, len(definitions))
	for i, def := range definitions {
		index[def.Kind] = i
	}
	return &PipelineRegistry{definitions: definitions, index: index}
}

// ApplySettings returns a registry whose defaults are overridden by settings.
// Unknown kinds are rejected.
func (r *PipelineRegistry) ApplySettings(settings map[string]config.PipelineSettings) (*PipelineRegistry, error) {
	definitions := append([]PipelineDefinition(nil), r.definitions...)

	for name, s := range settings {
		i, ok := r.index[entities.PipelineKind(strings.ToLower(name))]
		if !ok {
			return nil, apperrors.NewValidationError(fmt.Sprintf("unknown pipeline kind %q", name))
		}
		def := &definitions[i]
		if s.Enabled != nil {
			def.Defaults.Enabled = *s.Enabled
		}
		if s.Priority != nil {
			def.Defaults.Priority = *s.Priority
		}
		if s.MaxRetries != nil {
			if *s.MaxRetries < 0 {
				return nil, apperrors.NewValidationError(fmt.Sprintf("pipeline %s: max retries must not be negative", name))
			}
			def.Defaults.MaxRetries = *s.MaxRetries
		}
		if s.TimeoutMs != nil && *s.TimeoutMs > 0 {
			def.Defaults.TimeoutMs = *s.TimeoutMs
		}
	}

	return newPipelineRegistry(definitions), nil
}

// Definitions returns every registered pipeline in declaration order
func (r *PipelineRegistry) Definitions() []PipelineDefinition {
	return append([]PipelineDefinition(nil), r.definitions...)
}

// Definition returns the definition of kind
func (r *PipelineRegistry) Definition(kind entities.PipelineKind) (PipelineDefinition, bool) {
	i, ok := r.index[kind]
	if !ok {
		return PipelineDefinition{}, false
	}
	return r.definitions[i], true
}

// Resolve merges overrides with the registry defaults. An override entry
// replaces the default for its kind, except that a non-positive timeout keeps
// the default timeout.
func (r *PipelineRegistry) Resolve(overrides map[entities.PipelineKind]entities.PipelineConfig) (map[entities.PipelineKind]entities.PipelineConfig, error) {
	resolved := make(map[entities.PipelineKind]entities.PipelineConfig, len(r.definitions))
	for _, def := range r.definitions {
		resolved[def.Kind] = def.Defaults
	}

	for kind, cfg := range overrides {
		def, ok := r.Definition(kind)
		if !ok {
			return nil, apperrors.NewValidationError(fmt.Sprintf("unknown pipeline kind %q", kind))
		}
		if cfg.MaxRetries < 0 {
			return nil, apperrors.NewValidationError(fmt.Sprintf("pipeline %s: max retries must not be negative", kind))
		}
		if cfg.TimeoutMs <= 0 {
			cfg.TimeoutMs = def.Defaults.TimeoutMs
		}
		resolved[kind] = cfg
	}

	return resolved, nil
}

// ListEnabled returns the enabled kinds ordered by descending priority.
// Equal priorities keep declaration order.
func (r *PipelineRegistry) ListEnabled(resolved map[entities.PipelineKind]entities.PipelineConfig) []entities.PipelineKind {
	kinds := make([]entities.PipelineKind, 0, len(r.definitions))
	for _, def := range r.definitions {
		if cfg, ok := resolved[def.Kind]; ok && cfg.Enabled {
			kinds = append(kinds, def.Kind)
		}
	}

	sort.SliceStable(kinds, func(i, j int) bool {
		return resolved[kinds[i]].Priority > resolved[kinds[j]].Priority
	})
	return kinds
}
