package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/rasterfleet/scheduler-core/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, time.Hour, nil)
}

func newRecord(endpointID, jobID string, state model.AttemptState) model.OutstandingJobRecord {
	now := time.Now()
	n := 4
	return model.OutstandingJobRecord{
		EndpointID:       endpointID,
		JobID:            jobID,
		Variant:          "v1",
		RegionCount:      &n,
		AttemptState:     state,
		CreatedAt:        now,
		LastTransitionAt: now,
		ExpireTime:       now.Add(time.Hour),
	}
}

func TestInsert_DuplicateJobFails(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := newRecord("E1", "J1", model.StateNew)

	if err := s.Insert(ctx, rec); err != nil {
		t.Fatalf("first Insert: %v", err)
	}

	err := s.Insert(ctx, rec)
	var dupErr *DuplicateJobError
	if !errors.As(err, &dupErr) {
		t.Fatalf("second Insert: got %v, want *DuplicateJobError", err)
	}
}

func TestListOutstanding_ExcludesNothingUntilSucceeded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Insert(ctx, newRecord("E1", "J1", model.StateNew)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s.Insert(ctx, newRecord("E1", "J2", model.StateNew)); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, err := s.ListOutstanding(ctx)
	if err != nil {
		t.Fatalf("ListOutstanding: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d records, want 2", len(got))
	}
}

func TestComplete_SucceededRemovesFromOutstanding(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Insert(ctx, newRecord("E1", "J1", model.StateNew)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s.Complete(ctx, "E1", "J1", model.OutcomeSucceeded); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	got, err := s.ListOutstanding(ctx)
	if err != nil {
		t.Fatalf("ListOutstanding: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("got %d outstanding records, want 0 after SUCCEEDED", len(got))
	}
}

func TestComplete_FailedStaysOutstanding(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Insert(ctx, newRecord("E1", "J1", model.StateNew)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s.Complete(ctx, "E1", "J1", model.OutcomeFailed); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	got, err := s.ListOutstanding(ctx)
	if err != nil {
		t.Fatalf("ListOutstanding: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d outstanding records, want 1 after FAILED", len(got))
	}
	if got[0].AttemptState != model.StateFailed {
		t.Fatalf("got state %v, want FAILED", got[0].AttemptState)
	}
}

func TestStartNextAttempt_NewToInProgress(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Insert(ctx, newRecord("E1", "J1", model.StateNew)); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	won, err := s.StartNextAttempt(ctx, "E1", "J1")
	if err != nil {
		t.Fatalf("StartNextAttempt: %v", err)
	}
	if !won {
		t.Fatal("expected StartNextAttempt to succeed from NEW")
	}

	again, err := s.StartNextAttempt(ctx, "E1", "J1")
	if err != nil {
		t.Fatalf("StartNextAttempt (second call): %v", err)
	}
	if again {
		t.Fatal("expected second StartNextAttempt on an IN_PROGRESS record to return false")
	}
}

func TestStartNextAttempt_FromFailedSucceeds(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Insert(ctx, newRecord("E1", "J1", model.StateFailed)); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	won, err := s.StartNextAttempt(ctx, "E1", "J1")
	if err != nil {
		t.Fatalf("StartNextAttempt: %v", err)
	}
	if !won {
		t.Fatal("expected StartNextAttempt to succeed from FAILED")
	}
}

// TestStartNextAttempt_ExactlyOneWinnerUnderConcurrency exercises that,
// under concurrent start_next_attempt calls for the same record, exactly
// one caller observes true and none observe an error.
func TestStartNextAttempt_ExactlyOneWinnerUnderConcurrency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Insert(ctx, newRecord("E1", "J1", model.StateNew)); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	const concurrency = 20
	var wins int32
	var wg sync.WaitGroup
	errs := make(chan error, concurrency)

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := s.StartNextAttempt(ctx, "E1", "J1")
			if err != nil {
				errs <- err
				return
			}
			if won {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatalf("StartNextAttempt returned error under concurrency: %v", err)
	}
	if wins != 1 {
		t.Fatalf("got %d winners, want exactly 1", wins)
	}
}
