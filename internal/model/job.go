package model

import (
	"encoding/json"
	"time"
)

// AttemptState is the lifecycle state of an OutstandingJobRecord.
type AttemptState string

const (
	StateNew        AttemptState = "NEW"
	StateInProgress AttemptState = "IN_PROGRESS"
	StateSucceeded  AttemptState = "SUCCEEDED"
	StateFailed     AttemptState = "FAILED"
)

// CanStartAttempt reports whether start_next_attempt is permitted from this
// state: only NEW and FAILED records are eligible to start an attempt.
func (s AttemptState) CanStartAttempt() bool {
	return s == StateNew || s == StateFailed
}

// Outcome is passed to OutstandingJobsStore.Complete.
type Outcome string

const (
	OutcomeSucceeded Outcome = "SUCCEEDED"
	OutcomeFailed    Outcome = "FAILED"
)

// OutstandingJobRecord is the persisted unit of work tracked by
// OutstandingJobsStore. RegionCount is a pointer so that the legacy
// "region calculation skipped" state can be represented as nil distinctly
// from zero, which is never a valid region count.
type OutstandingJobRecord struct {
	EndpointID       string          `json:"endpoint_id"`
	JobID            string          `json:"job_id"`
	Variant          string          `json:"variant"`
	RegionCount      *int            `json:"region_count"`
	AttemptState     AttemptState    `json:"attempt_state"`
	AttemptCount     int             `json:"attempt_count"`
	CreatedAt        time.Time       `json:"created_at"`
	LastTransitionAt time.Time       `json:"last_transition_at"`
	ExpireTime       time.Time       `json:"expire_time"`
	RequestPayload   json.RawMessage `json:"request_payload"`
}

// EffectiveRegionCount returns RegionCount if set, otherwise a legacy
// fallback region count of 20, used only when the store is running in
// legacy-null-region-count mode. Callers multiply the result by
// tileWorkersPerInstance to get a load estimate, so the fallback must stay
// in region-count units rather than pre-multiplying by w here.
func (r OutstandingJobRecord) EffectiveRegionCount(tileWorkersPerInstance int, legacyFallback bool) (int, bool) {
	if r.RegionCount != nil {
		return *r.RegionCount, true
	}
	if !legacyFallback {
		return 0, false
	}
	return 20, true
}

// PartitionKey identifies a scheduling partition: all outstanding records
// sharing the same endpoint and resolved variant.
type PartitionKey struct {
	EndpointID string
	Variant    string
}
