package variant

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rasterfleet/scheduler-core/internal/capacity"
	"github.com/rasterfleet/scheduler-core/internal/model"
)

type fakeMetadata struct {
	variants []capacity.VariantMetadata
	err      error
}

func (f *fakeMetadata) DescribeEndpoint(ctx context.Context, endpointID string) (capacity.EndpointMetadata, error) {
	if f.err != nil {
		return capacity.EndpointMetadata{}, f.err
	}
	return capacity.EndpointMetadata{Variants: f.variants}, nil
}

func weighted(name string, weight float64) capacity.VariantMetadata {
	return capacity.VariantMetadata{Name: name, CurrentWeight: weight}
}

func req(endpointID string) model.ImageRequest {
	return model.ImageRequest{JobID: "job-1", EndpointID: endpointID}
}

func TestSelectVariant_ExplicitVariantReturnedUnchanged(t *testing.T) {
	s := New(&fakeMetadata{err: errors.New("must not be called")}, time.Minute, 0, NewDeterministicRNG(1), nil)

	in := req("my-endpoint")
	in.Variant = "v-explicit"
	out, err := s.SelectVariant(context.Background(), in)
	if err != nil {
		t.Fatalf("SelectVariant: %v", err)
	}
	if out.Variant != "v-explicit" {
		t.Fatalf("got variant %q, want v-explicit", out.Variant)
	}
}

func TestSelectVariant_HTTPEndpointReturnedUnchanged(t *testing.T) {
	s := New(&fakeMetadata{err: errors.New("must not be called")}, time.Minute, 0, NewDeterministicRNG(1), nil)

	out, err := s.SelectVariant(context.Background(), req("https://models.internal/v1"))
	if err != nil {
		t.Fatalf("SelectVariant: %v", err)
	}
	if out.Variant != "" {
		t.Fatalf("got variant %q, want empty", out.Variant)
	}
}

func TestSelectVariant_SingleVariantNoRandomness(t *testing.T) {
	md := &fakeMetadata{variants: []capacity.VariantMetadata{weighted("only", 0)}}
	s := New(md, time.Minute, 16, NewDeterministicRNG(1), nil)

	out, err := s.SelectVariant(context.Background(), req("my-endpoint"))
	if err != nil {
		t.Fatalf("SelectVariant: %v", err)
	}
	if out.Variant != "only" {
		t.Fatalf("got variant %q, want only", out.Variant)
	}
}

func TestSelectVariant_AllZeroWeightsFails(t *testing.T) {
	md := &fakeMetadata{variants: []capacity.VariantMetadata{weighted("v1", 0), weighted("v2", 0)}}
	s := New(md, time.Minute, 16, NewDeterministicRNG(1), nil)

	_, err := s.SelectVariant(context.Background(), req("my-endpoint"))
	var selErr *SelectionError
	if !errors.As(err, &selErr) {
		t.Fatalf("got err=%v, want *SelectionError", err)
	}
}

func TestSelectVariant_MetadataLookupFailureIsSelectionError(t *testing.T) {
	md := &fakeMetadata{err: errors.New("describe endpoint: timeout")}
	s := New(md, time.Minute, 16, NewDeterministicRNG(1), nil)

	_, err := s.SelectVariant(context.Background(), req("my-endpoint"))
	var selErr *SelectionError
	if !errors.As(err, &selErr) {
		t.Fatalf("got err=%v, want *SelectionError", err)
	}
}

// TestSelectVariant_WeightedDistribution exercises the weighted-draw and
// scenario S4: V1 weight 70 / V2 weight 30 over many draws should land
// within a tight band of 70/30, and a chi-squared goodness-of-fit statistic
// against the expected distribution should stay under the 99% confidence
// threshold for one degree of freedom (6.635).
func TestSelectVariant_WeightedDistribution(t *testing.T) {
	const trials = 1000
	md := &fakeMetadata{variants: []capacity.VariantMetadata{
		weighted("v1", 70),
		weighted("v2", 30),
	}}
	s := New(md, time.Minute, 16, NewDeterministicRNG(42), nil)

	counts := map[string]int{}
	for i := 0; i < trials; i++ {
		out, err := s.SelectVariant(context.Background(), req("my-endpoint"))
		if err != nil {
			t.Fatalf("SelectVariant: %v", err)
		}
		counts[out.Variant]++
	}

	if counts["v1"] < 640 || counts["v1"] > 760 {
		t.Fatalf("v1 count = %d, want within [640,760]", counts["v1"])
	}
	if counts["v2"] < 240 || counts["v2"] > 360 {
		t.Fatalf("v2 count = %d, want within [240,360]", counts["v2"])
	}

	expectedV1 := 0.70 * trials
	expectedV2 := 0.30 * trials
	chiSq := squareDiff(float64(counts["v1"]), expectedV1)/expectedV1 +
		squareDiff(float64(counts["v2"]), expectedV2)/expectedV2
	const chiSqCriticalOneDF = 6.635
	if chiSq > chiSqCriticalOneDF {
		t.Fatalf("chi-squared statistic %.3f exceeds 99%% confidence threshold %.3f", chiSq, chiSqCriticalOneDF)
	}
}

func squareDiff(observed, expected float64) float64 {
	d := observed - expected
	return d * d
}

func TestSelectVariant_CachesMetadataAcrossCalls(t *testing.T) {
	calls := 0
	md := &countingMetadata{fakeMetadata: fakeMetadata{variants: []capacity.VariantMetadata{weighted("v1", 1)}}, calls: &calls}
	s := New(md, time.Minute, 16, NewDeterministicRNG(7), nil)

	for i := 0; i < 5; i++ {
		if _, err := s.SelectVariant(context.Background(), req("my-endpoint")); err != nil {
			t.Fatalf("SelectVariant: %v", err)
		}
	}
	if calls != 1 {
		t.Fatalf("DescribeEndpoint called %d times, want 1", calls)
	}
}

type countingMetadata struct {
	fakeMetadata
	calls *int
}

func (c *countingMetadata) DescribeEndpoint(ctx context.Context, endpointID string) (capacity.EndpointMetadata, error) {
	*c.calls++
	return c.fakeMetadata.DescribeEndpoint(ctx, endpointID)
}
