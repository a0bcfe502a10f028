package schedule

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rasterfleet/scheduler-core/internal/config"
	"github.com/rasterfleet/scheduler-core/internal/model"
)

type fakeCapacity struct {
	byEndpoint map[string]int
}

func (f fakeCapacity) EstimateCapacity(_ context.Context, endpointID, _ string) (int, error) {
	return f.byEndpoint[endpointID], nil
}

type fakeJobStore struct {
	mu          sync.Mutex
	records     []model.OutstandingJobRecord
	startCalls  []string
	startResult map[string]bool
}

func (f *fakeJobStore) ListOutstanding(_ context.Context) ([]model.OutstandingJobRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.OutstandingJobRecord, 0, len(f.records))
	for _, r := range f.records {
		if r.AttemptState != model.StateSucceeded {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeJobStore) StartNextAttempt(_ context.Context, endpointID, jobID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := endpointID + "/" + jobID
	f.startCalls = append(f.startCalls, key)
	if win, ok := f.startResult[key]; ok {
		if win {
			f.markInProgress(endpointID, jobID)
		}
		return win, nil
	}
	f.markInProgress(endpointID, jobID)
	return true, nil
}

func (f *fakeJobStore) markInProgress(endpointID, jobID string) {
	for i := range f.records {
		if f.records[i].EndpointID == endpointID && f.records[i].JobID == jobID {
			f.records[i].AttemptState = model.StateInProgress
		}
	}
}

func intPtr(n int) *int { return &n }

func record(endpoint, job, variant string, regionCount int, state model.AttemptState, created time.Time) model.OutstandingJobRecord {
	return model.OutstandingJobRecord{
		EndpointID:       endpoint,
		JobID:            job,
		Variant:          variant,
		RegionCount:      intPtr(regionCount),
		AttemptState:     state,
		CreatedAt:        created,
		LastTransitionAt: created,
	}
}

func baseConfig() config.Config {
	cfg := config.Defaults()
	cfg.TileWorkersPerInstance = 4
	cfg.CapacityTargetPercentage = 1.0
	cfg.SchedulerThrottlingEnabled = true
	cfg.TickTimeout = time.Minute
	return cfg
}

// TestTick_ServerlessOneJobStartsImmediately verifies a single new job on
// an otherwise-idle endpoint starts on the first tick.
func TestTick_ServerlessOneJobStartsImmediately(t *testing.T) {
	now := time.Now()
	st := &fakeJobStore{records: []model.OutstandingJobRecord{
		record("E1", "J1", "", 10, model.StateNew, now),
	}}
	capProvider := fakeCapacity{byEndpoint: map[string]int{"E1": 100}}
	sched := New(capProvider, st, config.NewSourceFrom(baseConfig()), nil, nil)

	rec, err := sched.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if rec == nil || rec.JobID != "J1" {
		t.Fatalf("got %v, want J1 started", rec)
	}
	if rec.AttemptState != model.StateInProgress {
		t.Fatalf("got state %v, want IN_PROGRESS", rec.AttemptState)
	}
}

// TestTick_InstanceBackedThrottling verifies that two IN_PROGRESS jobs
// already consuming the endpoint's capacity block a third new job from
// starting.
func TestTick_InstanceBackedThrottling(t *testing.T) {
	now := time.Now()
	st := &fakeJobStore{records: []model.OutstandingJobRecord{
		record("E2", "J1", "", 2, model.StateInProgress, now.Add(-time.Hour)),
		record("E2", "J2", "", 2, model.StateInProgress, now.Add(-time.Hour)),
		record("E2", "J3", "", 1, model.StateNew, now),
	}}
	capProvider := fakeCapacity{byEndpoint: map[string]int{"E2": 15}} // 3*5
	sched := New(capProvider, st, config.NewSourceFrom(baseConfig()), nil, nil)

	rec, err := sched.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if rec != nil {
		t.Fatalf("got %v started, want none (throttled: load 16 >= capacity 15)", rec)
	}
}

// TestTick_SingleImageExceptionStartsDespiteOverload verifies the
// single-image deadlock-breaking exception: a lone outstanding job starts
// even though its own load exceeds available capacity.
func TestTick_SingleImageExceptionStartsDespiteOverload(t *testing.T) {
	now := time.Now()
	st := &fakeJobStore{records: []model.OutstandingJobRecord{
		record("E3", "J4", "", 10, model.StateNew, now), // load 40 vs capacity 10
	}}
	capProvider := fakeCapacity{byEndpoint: map[string]int{"E3": 10}}
	sched := New(capProvider, st, config.NewSourceFrom(baseConfig()), nil, nil)

	rec, err := sched.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if rec == nil || rec.JobID != "J4" {
		t.Fatalf("got %v, want J4 started via single-image exception", rec)
	}
}

// TestTick_TargetPercentageBelowOne verifies a capacity_target_percentage
// below 1.0 reserves headroom, leaving insufficient available capacity to
// start a job that would otherwise fit.
func TestTick_TargetPercentageBelowOne(t *testing.T) {
	now := time.Now()
	st := &fakeJobStore{records: []model.OutstandingJobRecord{
		record("E5", "J1", "", 70/4, model.StateInProgress, now.Add(-time.Hour)), // 70/4 truncates to 17: load 17*4 = 68
		record("E5", "J2", "", 5, model.StateNew, now),
	}}
	cfg := baseConfig()
	cfg.CapacityTargetPercentage = 0.8
	capProvider := fakeCapacity{byEndpoint: map[string]int{"E5": 100}} // target = 80
	sched := New(capProvider, st, config.NewSourceFrom(cfg), nil, nil)

	rec, err := sched.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	// current_load = 17*4 + 3*4 = 80 (the candidate's own load counts),
	// available = 80-80 = 0 < load 3*4 = 12, so not started. At p=1.0 the
	// target would be 100 and available 20 >= 12, so J2 would start.
	if rec != nil {
		t.Fatalf("got %v started, want none (available capacity insufficient)", rec)
	}
}

// TestTick_ThrottleDisabledNeverConsultsCapacity verifies that disabling
// scheduler throttling lets a job start regardless of reported capacity.
func TestTick_ThrottleDisabledNeverConsultsCapacity(t *testing.T) {
	now := time.Now()
	st := &fakeJobStore{records: []model.OutstandingJobRecord{
		record("E6", "J1", "", 1000, model.StateNew, now),
	}}
	cfg := baseConfig()
	cfg.SchedulerThrottlingEnabled = false
	capProvider := fakeCapacity{byEndpoint: map[string]int{"E6": 1}} // capacity is tiny
	sched := New(capProvider, st, config.NewSourceFrom(cfg), nil, nil)

	rec, err := sched.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if rec == nil || rec.JobID != "J1" {
		t.Fatalf("got %v, want J1 started regardless of capacity", rec)
	}
}

// TestTick_LeastLoadedPartitionPickedFirst verifies that partitions are
// walked least-loaded-ratio first.
func TestTick_LeastLoadedPartitionPickedFirst(t *testing.T) {
	now := time.Now()
	st := &fakeJobStore{records: []model.OutstandingJobRecord{
		// EA: load (20+1)*4 = 84, ratio 84/100 = 0.84
		record("EA", "J1", "", 20, model.StateInProgress, now.Add(-time.Hour)),
		record("EA", "J2", "", 1, model.StateNew, now),
		// EB: load (10+1)*4 = 44, ratio 44/100 = 0.44, should win
		record("EB", "J3", "", 10, model.StateInProgress, now.Add(-time.Hour)),
		record("EB", "J4", "", 1, model.StateNew, now),
	}}
	capProvider := fakeCapacity{byEndpoint: map[string]int{"EA": 100, "EB": 100}}
	sched := New(capProvider, st, config.NewSourceFrom(baseConfig()), nil, nil)

	rec, err := sched.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if rec == nil || rec.EndpointID != "EB" {
		t.Fatalf("got %v, want EB (least loaded)", rec)
	}
}

// TestTick_RaceLossContinuesWalk verifies that a false from
// StartNextAttempt is not an error and the walk continues to the next
// partition.
func TestTick_RaceLossContinuesWalk(t *testing.T) {
	now := time.Now()
	st := &fakeJobStore{
		records: []model.OutstandingJobRecord{
			record("EA", "J1", "", 1, model.StateNew, now),
			record("EB", "J2", "", 1, model.StateNew, now),
		},
		startResult: map[string]bool{"EA/J1": false},
	}
	capProvider := fakeCapacity{byEndpoint: map[string]int{"EA": 100, "EB": 100}}
	sched := New(capProvider, st, config.NewSourceFrom(baseConfig()), nil, nil)

	rec, err := sched.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if rec == nil || rec.JobID != "J2" {
		t.Fatalf("got %v, want J2 started after EA/J1 lost its race", rec)
	}
}

// TestTick_LegacyNullRegionCountFallbackLoad verifies that a record with a
// null region_count, under LegacyNullRegionCount, contributes 20*w to load
// rather than being skipped, and that it is not double-multiplied by w.
func TestTick_LegacyNullRegionCountFallbackLoad(t *testing.T) {
	now := time.Now()
	st := &fakeJobStore{records: []model.OutstandingJobRecord{
		{EndpointID: "E7", JobID: "J1", RegionCount: nil, AttemptState: model.StateInProgress, CreatedAt: now.Add(-time.Hour), LastTransitionAt: now.Add(-time.Hour)},
		record("E7", "J2", "", 1, model.StateNew, now),
	}}
	cfg := baseConfig()
	cfg.LegacyNullRegionCount = true
	// w=4: J1's fallback contributes 20*4=80 to current_load (not 20*4*4=320),
	// J2 contributes 1*4=4, current_load=84, target=100, available=16 >= J2's
	// load of 4, so J2 starts.
	capProvider := fakeCapacity{byEndpoint: map[string]int{"E7": 100}}
	sched := New(capProvider, st, config.NewSourceFrom(cfg), nil, nil)

	rec, err := sched.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if rec == nil || rec.JobID != "J2" {
		t.Fatalf("got %v, want J2 started (legacy fallback load 80, not 320)", rec)
	}
}

// TestTick_NullRegionCountSkippedWithoutLegacyFallback verifies a partition
// whose only eligible candidate has a null region_count is skipped entirely
// when legacy fallback is disabled, leaving a different partition's
// candidate to start instead.
func TestTick_NullRegionCountSkippedWithoutLegacyFallback(t *testing.T) {
	now := time.Now()
	st := &fakeJobStore{records: []model.OutstandingJobRecord{
		{EndpointID: "E8", JobID: "J1", RegionCount: nil, AttemptState: model.StateNew, CreatedAt: now.Add(-time.Hour), LastTransitionAt: now.Add(-time.Hour)},
		record("E9", "J2", "", 1, model.StateNew, now),
	}}
	cfg := baseConfig()
	cfg.LegacyNullRegionCount = false
	capProvider := fakeCapacity{byEndpoint: map[string]int{"E8": 100, "E9": 100}}
	sched := New(capProvider, st, config.NewSourceFrom(cfg), nil, nil)

	rec, err := sched.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if rec == nil || rec.JobID != "J2" {
		t.Fatalf("got %v, want J2 started (E8/J1 skipped for null region_count)", rec)
	}
}

func TestTick_NoOutstandingReturnsNil(t *testing.T) {
	st := &fakeJobStore{}
	capProvider := fakeCapacity{}
	sched := New(capProvider, st, config.NewSourceFrom(baseConfig()), nil, nil)

	rec, err := sched.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if rec != nil {
		t.Fatalf("got %v, want nil", rec)
	}
}
