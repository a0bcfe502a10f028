// Package variant implements VariantSelector: resolves the
// production variant for requests that don't already carry one, via
// weighted random selection over cached variant descriptors.
package variant

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/rasterfleet/scheduler-core/internal/capacity"
	"github.com/rasterfleet/scheduler-core/internal/model"
	"github.com/rasterfleet/scheduler-core/internal/observability"
	"github.com/rasterfleet/scheduler-core/internal/ttlcache"
)

// Selector resolves a request's production variant via weighted random
// selection over cached variant descriptors.
type Selector struct {
	metadata capacity.MetadataService
	cache    *ttlcache.Cache[[]model.VariantDescriptor]
	rng      RNG
	log      *zerolog.Logger
}

// New builds a Selector. ttl/cacheCapacity mirror capacity.New's cache
// sizing; cache behavior mirrors the capacity estimator's.
func New(metadata capacity.MetadataService, ttl time.Duration, cacheCapacity int, rng RNG, log *zerolog.Logger) *Selector {
	if rng == nil {
		rng = NewRNG()
	}
	s := &Selector{metadata: metadata, rng: rng, log: log}
	s.cache = ttlcache.New[[]model.VariantDescriptor](ttl, cacheCapacity,
		ttlcache.WithStaleObserver[[]model.VariantDescriptor](func(key string, age time.Duration) {
			if log != nil {
				log.Warn().Str("endpoint_id", key).Dur("age", age).
					Msg("variant descriptor refetch failed, serving stale cached list")
			}
		}),
	)
	return s
}

// SelectVariant returns a copy of req with Variant resolved. A request
// that already carries a variant, or targets a non-SageMaker endpoint, is
// returned unchanged.
func (s *Selector) SelectVariant(ctx context.Context, req model.ImageRequest) (model.ImageRequest, error) {
	if req.Variant != "" {
		return req, nil
	}
	if model.ClassifyEndpoint(req.EndpointID) == model.EndpointHTTP {
		return req, nil
	}

	descriptors, err := s.cache.Get(ctx, req.EndpointID, s.fetch)
	if err != nil {
		observability.ObserveVariantError(req.EndpointID)
		return req, &SelectionError{EndpointID: req.EndpointID, Reason: err.Error()}
	}

	chosen, err := pickWeighted(descriptors, s.rng)
	if err != nil {
		observability.ObserveVariantError(req.EndpointID)
		return req, &SelectionError{EndpointID: req.EndpointID, Reason: err.Error()}
	}

	observability.ObserveVariantSelection(req.EndpointID, chosen)
	return req.WithVariant(chosen), nil
}

func (s *Selector) fetch(ctx context.Context, endpointID string) ([]model.VariantDescriptor, error) {
	meta, err := s.metadata.DescribeEndpoint(ctx, endpointID)
	if err != nil {
		return nil, err
	}
	out := make([]model.VariantDescriptor, 0, len(meta.Variants))
	for _, v := range meta.Variants {
		out = append(out, model.VariantDescriptor{Name: v.Name, CurrentWeight: v.CurrentWeight})
	}
	return out, nil
}

// pickWeighted draws one variant by weighted random selection:
// the probability of variant i is weight_i / sum(weights). A single
// variant is returned deterministically, without consuming randomness.
// All-zero weights is a SelectionError rather than a uniform fallback.
func pickWeighted(descriptors []model.VariantDescriptor, rng RNG) (string, error) {
	if len(descriptors) == 0 {
		return "", &weightedSelectionError{"endpoint has no production variants"}
	}
	if len(descriptors) == 1 {
		return descriptors[0].Name, nil
	}

	total := 0.0
	for _, d := range descriptors {
		if d.CurrentWeight > 0 {
			total += d.CurrentWeight
		}
	}
	if total <= 0 {
		return "", &weightedSelectionError{"all variant weights are zero"}
	}

	target := rng.Float64() * total
	cumulative := 0.0
	for _, d := range descriptors {
		if d.CurrentWeight <= 0 {
			continue
		}
		cumulative += d.CurrentWeight
		if target < cumulative {
			return d.Name, nil
		}
	}
	// Floating point edge case: target landed exactly on the running total.
	// Fall back to the last positively-weighted variant.
	for i := len(descriptors) - 1; i >= 0; i-- {
		if descriptors[i].CurrentWeight > 0 {
			return descriptors[i].Name, nil
		}
	}
	return "", &weightedSelectionError{"all variant weights are zero"}
}

type weightedSelectionError struct{ msg string }

func (e *weightedSelectionError) Error() string { return e.msg }
