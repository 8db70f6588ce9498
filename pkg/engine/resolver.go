package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// ResolverConfig holds the built-in parameter layer and its constraints.
type ResolverConfig struct {
	// Defaults are the built-in values, the lowest precedence layer.
	Defaults map[string]interface{}

	// Required lists keys that must have a value after all layers are merged.
	Required []string

	// NonOverridable lists keys a secret override may not replace once a
	// default or region file supplied them.
	NonOverridable []string
}

// ParameterResolver merges defaults, region values and secret overrides into
// one immutable parameter set per run.
type ParameterResolver struct {
	cfg    ResolverConfig
	values ValuesSource
	logger zerolog.Logger
}

// NewParameterResolver creates a resolver.
func NewParameterResolver(cfg ResolverConfig, values ValuesSource, logger zerolog.Logger) *ParameterResolver {
	return &ParameterResolver{
		cfg:    cfg,
		values: values,
		logger: logger.With().Str("component", "resolver").Logger(),
	}
}

// Resolve builds the parameter set for a region. Later layers win:
// defaults, then the region values document, then secret overrides.
func (r *ParameterResolver) Resolve(ctx context.Context, region Region, secrets map[string]string) (*ParameterSet, error) {
	if err := region.Validate(); err != nil {
		return nil, err
	}

	merged := make(map[string]Parameter, len(r.cfg.Defaults))
	for k, v := range r.cfg.Defaults {
		merged[k] = Parameter{Value: v, Provenance: ProvenanceDefault}
	}

	var doc map[string]interface{}
	found := false
	if r.values != nil {
		var err error
		doc, found, err = r.values.Values(ctx, region)
		if err != nil {
			return nil, NewConfigurationError(ErrCodeValidation, "failed to load region values", err).
				WithRegion(string(region))
		}
	}
	for k, v := range doc {
		merged[k] = Parameter{Value: v, Provenance: ProvenanceRegionFile}
	}

	locked := make(map[string]bool, len(r.cfg.NonOverridable))
	for _, k := range r.cfg.NonOverridable {
		locked[k] = true
	}
	for _, k := range sortedKeys(secrets) {
		v := secrets[k]
		if v == "" {
			continue
		}
		if prev, ok := merged[k]; ok && locked[k] {
			return nil, NewConfigurationError(ErrCodeParameterConflict,
				fmt.Sprintf("secret override for %q conflicts with %s value", k, prev.Provenance), nil).
				WithRegion(string(region)).
				WithDetail("key", k)
		}
		merged[k] = Parameter{Value: v, Provenance: ProvenanceSecret}
	}

	if missing := r.missing(merged); len(missing) > 0 {
		missingErr := NewConfigurationError(ErrCodeMissingParameter,
			fmt.Sprintf("no value for required parameter(s) %s", strings.Join(missing, ", ")), nil).
			WithRegion(string(region)).
			WithDetail("missing", missing)
		if !found {
			return nil, NewConfigurationError(ErrCodeUnknownRegion,
				"no values document for region and defaults do not cover required parameters", missingErr).
				WithRegion(string(region))
		}
		return nil, missingErr
	}

	ps := NewParameterSet(region, merged)

	counts := map[Provenance]int{}
	for _, p := range merged {
		counts[p.Provenance]++
	}
	r.logger.Debug().
		Str("region", string(region)).
		Bool("values_document", found).
		Int("defaults", counts[ProvenanceDefault]).
		Int("region_file", counts[ProvenanceRegionFile]).
		Int("secret_overrides", counts[ProvenanceSecret]).
		Str("params_hash", ps.Hash()).
		Msg("Parameters resolved")

	return ps, nil
}

// missing returns the sorted required keys without a usable value.
func (r *ParameterResolver) missing(merged map[string]Parameter) []string {
	var missing []string
	for _, k := range r.cfg.Required {
		p, ok := merged[k]
		if !ok || p.Value == nil {
			missing = append(missing, k)
			continue
		}
		if s, isStr := p.Value.(string); isStr && s == "" {
			missing = append(missing, k)
		}
	}
	sort.Strings(missing)
	return missing
}
