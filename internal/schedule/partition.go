package schedule

import (
	"math"

	"github.com/rasterfleet/scheduler-core/internal/model"
)

// partition groups every outstanding record sharing one (endpoint_id,
// variant) pair.
type partition struct {
	key         model.PartitionKey
	records     []model.OutstandingJobRecord
	currentLoad int
}

// buildPartitions groups outstanding records by (endpoint_id, variant) and
// sums current_load = Σ region_count × w over records in
// {NEW, IN_PROGRESS, FAILED}. ListOutstanding already excludes SUCCEEDED, so
// every record passed in counts toward load.
func buildPartitions(records []model.OutstandingJobRecord, tileWorkers int, legacyFallback bool) []partition {
	byKey := make(map[model.PartitionKey]*partition)
	var order []model.PartitionKey

	for _, r := range records {
		key := model.PartitionKey{EndpointID: r.EndpointID, Variant: r.Variant}
		p, ok := byKey[key]
		if !ok {
			p = &partition{key: key}
			byKey[key] = p
			order = append(order, key)
		}
		p.records = append(p.records, r)
		if regionCount, ok := r.EffectiveRegionCount(tileWorkers, legacyFallback); ok {
			p.currentLoad += regionCount * tileWorkers
		}
	}

	out := make([]partition, 0, len(order))
	for _, k := range order {
		out = append(out, *byKey[k])
	}
	return out
}

// oldestCandidate returns the oldest NEW or FAILED record by created_at,
// ties broken by job_id.
func oldestCandidate(records []model.OutstandingJobRecord) (model.OutstandingJobRecord, bool) {
	var best model.OutstandingJobRecord
	found := false
	for _, r := range records {
		if !r.AttemptState.CanStartAttempt() {
			continue
		}
		if !found {
			best = r
			found = true
			continue
		}
		if r.CreatedAt.Before(best.CreatedAt) || (r.CreatedAt.Equal(best.CreatedAt) && r.JobID < best.JobID) {
			best = r
		}
	}
	return best, found
}

// loadRatio is current_load / target_capacity, used to rank partitions
// least-loaded first. A non-positive target_capacity
// (an endpoint reporting zero capacity) ranks last unless the partition is
// itself idle, so a genuinely broken endpoint never starves other
// partitions of a scheduling turn.
func loadRatio(currentLoad, targetCapacity int) float64 {
	if targetCapacity <= 0 {
		if currentLoad <= 0 {
			return 0
		}
		return math.Inf(1)
	}
	return float64(currentLoad) / float64(targetCapacity)
}
