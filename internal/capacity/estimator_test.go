package capacity

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakeMetadata struct {
	calls    int32
	variants []VariantMetadata
	tags     map[string]string
	err      error
}

func (f *fakeMetadata) DescribeEndpoint(ctx context.Context, endpointID string) (EndpointMetadata, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return EndpointMetadata{}, f.err
	}
	return EndpointMetadata{Variants: f.variants, Tags: f.tags}, nil
}

func serverless(name string, maxConcurrency int) VariantMetadata {
	mc := maxConcurrency
	return VariantMetadata{Name: name, ServerlessMaxConcurrency: &mc}
}

func instanceBacked(name string, instances int) VariantMetadata {
	return VariantMetadata{Name: name, InstanceCount: instances}
}

func TestEstimateCapacity_HTTPEndpoint(t *testing.T) {
	e := New(&fakeMetadata{}, time.Minute, 16, 10, 2, nil)

	for _, url := range []string{"http://models.internal/v1", "https://models.internal/v1"} {
		got, err := e.EstimateCapacity(context.Background(), url, "")
		if err != nil {
			t.Fatalf("EstimateCapacity(%q): %v", url, err)
		}
		if got != 10 {
			t.Fatalf("EstimateCapacity(%q) = %d, want 10", url, got)
		}
	}
}

func TestEstimateCapacity_Serverless(t *testing.T) {
	md := &fakeMetadata{variants: []VariantMetadata{serverless("v1", 100)}}
	e := New(md, time.Minute, 16, 10, 2, nil)

	got, err := e.EstimateCapacity(context.Background(), "my-endpoint", "v1")
	if err != nil {
		t.Fatalf("EstimateCapacity: %v", err)
	}
	if got != 100 {
		t.Fatalf("got %d, want 100", got)
	}
}

func TestEstimateCapacity_InstanceBackedWithTag(t *testing.T) {
	md := &fakeMetadata{
		variants: []VariantMetadata{instanceBacked("v1", 3)},
		tags:     map[string]string{instanceConcurrencyTag: "5"},
	}
	e := New(md, time.Minute, 16, 10, 2, nil)

	got, err := e.EstimateCapacity(context.Background(), "my-endpoint", "v1")
	if err != nil {
		t.Fatalf("EstimateCapacity: %v", err)
	}
	if got != 15 {
		t.Fatalf("got %d, want 15 (3 instances * tag concurrency 5)", got)
	}
}

func TestEstimateCapacity_InstanceBackedWithoutTag(t *testing.T) {
	md := &fakeMetadata{variants: []VariantMetadata{instanceBacked("v1", 3)}}
	e := New(md, time.Minute, 16, 10, 2, nil)

	got, err := e.EstimateCapacity(context.Background(), "my-endpoint", "v1")
	if err != nil {
		t.Fatalf("EstimateCapacity: %v", err)
	}
	if got != 6 {
		t.Fatalf("got %d, want 6 (3 instances * default concurrency 2)", got)
	}
}

func TestEstimateCapacity_SumAcrossVariantsWhenNoneSpecified(t *testing.T) {
	md := &fakeMetadata{variants: []VariantMetadata{
		serverless("v1", 100),
		instanceBacked("v2", 3),
	}}
	e := New(md, time.Minute, 16, 10, 2, nil)

	got, err := e.EstimateCapacity(context.Background(), "my-endpoint", "")
	if err != nil {
		t.Fatalf("EstimateCapacity: %v", err)
	}
	if got != 106 {
		t.Fatalf("got %d, want 106 (100 + 3*2)", got)
	}
}

func TestEstimateCapacity_CachesMetadataFetch(t *testing.T) {
	md := &fakeMetadata{variants: []VariantMetadata{serverless("v1", 50)}}
	e := New(md, time.Minute, 16, 10, 2, nil)

	for i := 0; i < 5; i++ {
		if _, err := e.EstimateCapacity(context.Background(), "my-endpoint", "v1"); err != nil {
			t.Fatalf("EstimateCapacity: %v", err)
		}
	}
	if atomic.LoadInt32(&md.calls) != 1 {
		t.Fatalf("DescribeEndpoint called %d times, want 1", md.calls)
	}
}

func TestEstimateCapacity_NoCachedValueReturnsLookupError(t *testing.T) {
	md := &fakeMetadata{err: errors.New("describe endpoint: timeout")}
	e := New(md, time.Minute, 16, 10, 2, nil)

	_, err := e.EstimateCapacity(context.Background(), "my-endpoint", "")
	var lookupErr *CapacityLookupError
	if !errors.As(err, &lookupErr) {
		t.Fatalf("got err=%v, want *CapacityLookupError", err)
	}
}

func TestEstimateCapacity_FallsBackToCachedOnRefetchFailure(t *testing.T) {
	md := &fakeMetadata{variants: []VariantMetadata{serverless("v1", 50)}}
	e := New(md, 10*time.Millisecond, 16, 10, 2, nil)

	if _, err := e.EstimateCapacity(context.Background(), "my-endpoint", "v1"); err != nil {
		t.Fatalf("initial EstimateCapacity: %v", err)
	}

	md.err = errors.New("transient describe failure")
	time.Sleep(20 * time.Millisecond)

	got, err := e.EstimateCapacity(context.Background(), "my-endpoint", "v1")
	if err != nil {
		t.Fatalf("expected fallback to cached value, got error: %v", err)
	}
	if got != 50 {
		t.Fatalf("got %d, want stale cached 50", got)
	}
}
