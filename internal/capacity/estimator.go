// Package capacity implements CapacityEstimator: per-endpoint maximum
// concurrent-request capacity across HTTP, SageMaker serverless, and
// SageMaker instance-backed endpoints, cached with single-flight refetch.
package capacity

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/rasterfleet/scheduler-core/internal/logger"
	"github.com/rasterfleet/scheduler-core/internal/model"
	"github.com/rasterfleet/scheduler-core/internal/observability"
	"github.com/rasterfleet/scheduler-core/internal/ttlcache"
)

// Estimator resolves an endpoint's (or variant's) maximum concurrent
// request capacity.
type Estimator struct {
	metadata                   MetadataService
	cache                      *ttlcache.Cache[model.EndpointCapacity]
	defaultHTTPConcurrency     int
	defaultInstanceConcurrency int
	log                        *zerolog.Logger
}

// New builds an Estimator. ttl and cacheCapacity configure the underlying
// ttlcache.Cache; metadata is cached with TTL, default 300s.
func New(metadata MetadataService, ttl time.Duration, cacheCapacity int, defaultHTTPConcurrency, defaultInstanceConcurrency int, log *zerolog.Logger) *Estimator {
	e := &Estimator{
		metadata:                   metadata,
		defaultHTTPConcurrency:     defaultHTTPConcurrency,
		defaultInstanceConcurrency: defaultInstanceConcurrency,
		log:                        log,
	}
	e.cache = ttlcache.New[model.EndpointCapacity](ttl, cacheCapacity,
		ttlcache.WithStaleObserver[model.EndpointCapacity](func(key string, age time.Duration) {
			if log != nil {
				log.Warn().Str("endpoint_id", key).Dur("age", age).
					Msg("capacity refetch failed, serving stale cached value")
			}
			observability.ObserveCapacityCache("stale_fallback")
		}),
		ttlcache.WithFetchObserver[model.EndpointCapacity](func(key string, fromCache bool) {
			if fromCache {
				observability.ObserveCapacityCache("hit")
			} else {
				observability.ObserveCapacityCache("miss")
			}
		}),
	)
	return e
}

// EstimateCapacity returns the endpoint's (or one variant's) maximum
// concurrent-request capacity.
func (e *Estimator) EstimateCapacity(ctx context.Context, endpointID string, variant string) (int, error) {
	kind := model.ClassifyEndpoint(endpointID)
	if kind == model.EndpointHTTP {
		observability.ObserveCapacityLookup("http", "ok")
		return e.defaultHTTPConcurrency, nil
	}

	cap, err := e.cache.Get(ctx, endpointID, e.fetch)
	if err != nil {
		observability.ObserveCapacityLookup("sagemaker", "error")
		return 0, &CapacityLookupError{EndpointID: endpointID, Variant: variant, Cause: err}
	}

	if age, ok := e.cache.Age(endpointID); ok {
		observability.SetCapacityCacheAge(endpointID, age)
	}

	if variant != "" {
		v, ok := cap.Variants[variant]
		if !ok {
			observability.ObserveCapacityLookup("sagemaker", "unknown_variant")
			return 0, &CapacityLookupError{
				EndpointID: endpointID,
				Variant:    variant,
				Cause:      fmt.Errorf("variant %q not found on endpoint", variant),
			}
		}
		observability.ObserveCapacityLookup(v.Kind.String(), "ok")
		return v.Capacity, nil
	}

	observability.ObserveCapacityLookup("sagemaker", "ok")
	return cap.Total(), nil
}

func (e *Estimator) fetch(ctx context.Context, endpointID string) (model.EndpointCapacity, error) {
	meta, err := e.metadata.DescribeEndpoint(ctx, endpointID)
	if err != nil {
		return model.EndpointCapacity{}, err
	}

	perInstance := perInstanceConcurrency(meta.Tags, e.defaultInstanceConcurrency)

	variants := make(map[string]model.VariantCapacity, len(meta.Variants))
	for _, v := range meta.Variants {
		var vc model.VariantCapacity
		if v.ServerlessMaxConcurrency != nil {
			vc = model.VariantCapacity{
				Name:     v.Name,
				Kind:     model.EndpointSageMakerServerless,
				Capacity: *v.ServerlessMaxConcurrency,
			}
		} else {
			vc = model.VariantCapacity{
				Name:     v.Name,
				Kind:     model.EndpointSageMakerInstanceBacked,
				Capacity: v.InstanceCount * perInstance,
			}
		}
		variants[v.Name] = vc
	}

	logger.FromContext(ctx, e.log).Debug().
		Str("endpoint_id", endpointID).Int("variants", len(variants)).
		Msg("refreshed endpoint capacity metadata")

	return model.EndpointCapacity{
		EndpointID: endpointID,
		Variants:   variants,
		FetchedAt:  time.Now(),
	}, nil
}
