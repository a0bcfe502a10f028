// Package schedule implements EndpointLoadScheduler: the top-level
// scheduling tick that picks the least-loaded endpoint with waiting jobs,
// takes its oldest waiting job, and attempts to atomically start it
// subject to capacity and the single-image deadlock-breaking exception.
package schedule

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/rasterfleet/scheduler-core/internal/capacity"
	"github.com/rasterfleet/scheduler-core/internal/config"
	"github.com/rasterfleet/scheduler-core/internal/logger"
	"github.com/rasterfleet/scheduler-core/internal/model"
	"github.com/rasterfleet/scheduler-core/internal/observability"
	"github.com/rasterfleet/scheduler-core/internal/readiness"
)

// CapacityProvider is the subset of capacity.Estimator the scheduler needs.
type CapacityProvider interface {
	EstimateCapacity(ctx context.Context, endpointID, variant string) (int, error)
}

// JobStore is the subset of store.Store the scheduler needs.
type JobStore interface {
	ListOutstanding(ctx context.Context) ([]model.OutstandingJobRecord, error)
	StartNextAttempt(ctx context.Context, endpointID, jobID string) (bool, error)
}

// Scheduler implements the per-tick scheduling algorithm.
type Scheduler struct {
	capacity CapacityProvider
	store    JobStore
	cfg      *config.Source
	tracker  *readiness.Tracker
	log      *zerolog.Logger
}

// New builds a Scheduler. cfg is read fresh on every tick so configuration
// changes apply without restart. tracker may be nil if process-level
// readiness is not tracked by the caller.
func New(capacityProvider CapacityProvider, store JobStore, cfg *config.Source, tracker *readiness.Tracker, log *zerolog.Logger) *Scheduler {
	return &Scheduler{capacity: capacityProvider, store: store, cfg: cfg, tracker: tracker, log: log}
}

// Tick runs one scheduling pass. It returns the record that was started (if
// any) with attempt_state already advanced to IN_PROGRESS, or nil if the
// walk finished without starting a job, in which case the caller sleeps
// and retries on the next tick.
func (s *Scheduler) Tick(ctx context.Context) (*model.OutstandingJobRecord, error) {
	cfg := s.cfg.Current()
	ctx, cancel := context.WithTimeout(ctx, cfg.TickTimeout)
	defer cancel()

	start := time.Now()
	rec, err := s.tick(ctx, cfg)
	observability.ObserveTick(time.Since(start))

	if err != nil {
		if s.tracker != nil {
			s.tracker.RecordFailure()
		}
		return nil, err
	}
	if s.tracker != nil {
		s.tracker.RecordSuccess()
	}
	return rec, nil
}

func (s *Scheduler) tick(ctx context.Context, cfg config.Config) (*model.OutstandingJobRecord, error) {
	outstanding, err := s.store.ListOutstanding(ctx)
	if err != nil {
		return nil, err
	}
	if len(outstanding) == 0 {
		return nil, nil
	}

	parts := buildPartitions(outstanding, cfg.TileWorkersPerInstance, cfg.LegacyNullRegionCount)

	ranked := make([]rankedPartition, 0, len(parts))
	for _, p := range parts {
		if !cfg.SchedulerThrottlingEnabled {
			// Throttling off: capacity is never consulted, and partitions rank
			// by raw current load instead of load ratio.
			ranked = append(ranked, rankedPartition{partition: p, ratio: float64(p.currentLoad)})
			continue
		}
		targetCapacity, err := s.targetCapacity(ctx, p.key, cfg.CapacityTargetPercentage)
		if err != nil {
			var lookupErr *capacity.CapacityLookupError
			if errors.As(err, &lookupErr) {
				// A capacity lookup failure without a cached value to fall back on
				// skips this partition for the tick; logged at error level, not fatal.
				logger.FromContext(ctx, s.log).Error().
					Str("endpoint_id", p.key.EndpointID).Str("variant", p.key.Variant).
					Err(err).Msg("capacity lookup failed, skipping partition this tick")
				observability.IncJobSkipped("capacity_lookup_error")
				continue
			}
			return nil, err
		}
		ranked = append(ranked, rankedPartition{
			partition:      p,
			targetCapacity: targetCapacity,
			ratio:          loadRatio(p.currentLoad, targetCapacity),
		})
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].ratio != ranked[j].ratio {
			return ranked[i].ratio < ranked[j].ratio
		}
		if ranked[i].key.EndpointID != ranked[j].key.EndpointID {
			return ranked[i].key.EndpointID < ranked[j].key.EndpointID
		}
		return ranked[i].key.Variant < ranked[j].key.Variant
	})

	for _, rp := range ranked {
		candidate, ok := oldestCandidate(rp.records)
		if !ok {
			continue
		}

		regionCount, hasCount := candidate.EffectiveRegionCount(cfg.TileWorkersPerInstance, cfg.LegacyNullRegionCount)
		if !hasCount {
			// region_count is null and legacy fallback is disabled: this
			// record predates region calculation and this deployment has
			// chosen to enforce non-null counts. Skip it rather
			// than guess its load.
			observability.IncJobSkipped("null_region_count")
			continue
		}
		load := regionCount * cfg.TileWorkersPerInstance

		if cfg.SchedulerThrottlingEnabled {
			available := rp.targetCapacity - rp.currentLoad
			onlyOutstandingForPartition := len(rp.records) == 1
			if available < load && !onlyOutstandingForPartition {
				observability.IncJobSkipped("throttled")
				continue
			}
		}

		won, err := s.store.StartNextAttempt(ctx, candidate.EndpointID, candidate.JobID)
		if err != nil {
			return nil, err
		}
		if !won {
			observability.IncRaceLost(candidate.EndpointID)
			continue
		}

		observability.IncJobStarted(candidate.EndpointID, candidate.Variant)
		candidate.AttemptState = model.StateInProgress
		candidate.AttemptCount++
		candidate.LastTransitionAt = time.Now()
		return &candidate, nil
	}

	return nil, nil
}

func (s *Scheduler) targetCapacity(ctx context.Context, key model.PartitionKey, percentage float64) (int, error) {
	cap, err := s.capacity.EstimateCapacity(ctx, key.EndpointID, key.Variant)
	if err != nil {
		return 0, err
	}
	return int(float64(cap) * percentage), nil
}

type rankedPartition struct {
	partition
	targetCapacity int
	ratio          float64
}

// RunLoop calls Tick on interval until ctx is cancelled, forwarding any
// started record to out: an in-process channel consumed by the
// tile-dispatch subsystem.
func (s *Scheduler) RunLoop(ctx context.Context, interval time.Duration, out chan<- model.OutstandingJobRecord) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rec, err := s.Tick(ctx)
			if err != nil {
				if s.log != nil {
					s.log.Error().Err(err).Msg("scheduler tick failed")
				}
				continue
			}
			if rec == nil || out == nil {
				continue
			}
			select {
			case out <- *rec:
			case <-ctx.Done():
				return
			}
		}
	}
}
