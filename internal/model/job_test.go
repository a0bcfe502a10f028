package model

import "testing"

func TestEffectiveRegionCount_ExplicitCountWins(t *testing.T) {
	rc := 7
	rec := OutstandingJobRecord{RegionCount: &rc}

	got, ok := rec.EffectiveRegionCount(4, false)
	if !ok || got != 7 {
		t.Fatalf("got (%d, %v), want (7, true)", got, ok)
	}

	got, ok = rec.EffectiveRegionCount(4, true)
	if !ok || got != 7 {
		t.Fatalf("got (%d, %v), want (7, true) even with legacy fallback enabled", got, ok)
	}
}

func TestEffectiveRegionCount_NullWithoutLegacyFallback(t *testing.T) {
	rec := OutstandingJobRecord{RegionCount: nil}

	_, ok := rec.EffectiveRegionCount(4, false)
	if ok {
		t.Fatalf("got ok=true, want false when region_count is null and legacy fallback is disabled")
	}
}

func TestEffectiveRegionCount_LegacyFallbackIsRegionCountNotLoad(t *testing.T) {
	rec := OutstandingJobRecord{RegionCount: nil}

	for _, w := range []int{1, 4, 10} {
		got, ok := rec.EffectiveRegionCount(w, true)
		if !ok || got != 20 {
			t.Fatalf("tileWorkersPerInstance=%d: got (%d, %v), want (20, true) — the fallback is a region count, the caller multiplies by w", w, got, ok)
		}
	}
}
