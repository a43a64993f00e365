package metrics

import (
	"errors"
	"math"
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func TestRecorderObserveFetch(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveFetch("navigation", FetchSourceCache, 250*time.Millisecond)

	families := gather(t, rec, "offlinectl_fetch_requests_total", "offlinectl_fetch_duration_seconds")

	counter := findMetric(t, families["offlinectl_fetch_requests_total"], map[string]string{
		"kind":   "navigation",
		"source": "cache",
	})
	if counter.GetCounter() == nil {
		t.Fatalf("expected counter metric for fetch requests")
	}
	if got := counter.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected counter value 1, got %v", got)
	}

	histMetric := findMetric(t, families["offlinectl_fetch_duration_seconds"], map[string]string{
		"kind":   "navigation",
		"source": "cache",
	})
	hist := histMetric.GetHistogram()
	if hist == nil {
		t.Fatalf("expected histogram metric for fetch latency")
	}
	if hist.GetSampleCount() != 1 {
		t.Fatalf("expected histogram count 1, got %d", hist.GetSampleCount())
	}
	want := 0.25
	if diff := math.Abs(hist.GetSampleSum() - want); diff > 0.001 {
		t.Fatalf("expected histogram sum near %v, got %v", want, hist.GetSampleSum())
	}
}

func TestRecorderObserveCacheOperations(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveCache(CacheOperationLookup, CacheResultHit, 10*time.Millisecond)
	rec.ObserveCache(CacheOperationStore, CacheResultStored, 5*time.Millisecond)

	families := gather(t, rec, "offlinectl_cache_operations_total", "offlinectl_cache_operation_duration_seconds")

	lookupMetric := findMetric(t, families["offlinectl_cache_operations_total"], map[string]string{
		"operation": string(CacheOperationLookup),
		"result":    string(CacheResultHit),
	})
	if got := lookupMetric.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected lookup counter 1, got %v", got)
	}

	latencyMetric := findMetric(t, families["offlinectl_cache_operation_duration_seconds"], map[string]string{
		"operation": string(CacheOperationStore),
		"result":    string(CacheResultStored),
	})
	hist := latencyMetric.GetHistogram()
	if hist == nil {
		t.Fatalf("expected histogram metric for cache store latency")
	}
	want := 0.005
	if diff := math.Abs(hist.GetSampleSum() - want); diff > 0.001 {
		t.Fatalf("expected histogram sum near %v, got %v", want, hist.GetSampleSum())
	}
}

func TestRecorderObserveLifecycle(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveLifecycle("install", nil)
	rec.ObserveLifecycle("install", errors.New("boom"))
	rec.ObserveLifecycle("activate", nil)
	rec.ObserveStoresDeleted(2)
	rec.ObserveStoresDeleted(0)

	families := gather(t, rec, "offlinectl_lifecycle_events_total", "offlinectl_stores_deleted_total")
	failed := findMetric(t, families["offlinectl_lifecycle_events_total"], map[string]string{
		"phase":  "install",
		"result": "failure",
	})
	if got := failed.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected failed install counter 1, got %v", got)
	}
	deleted := families["offlinectl_stores_deleted_total"][0]
	if got := deleted.GetCounter().GetValue(); got != 2 {
		t.Fatalf("expected deleted stores 2, got %v", got)
	}
}

func TestNilRecorderIsSafe(t *testing.T) {
	var rec *Recorder
	rec.ObserveFetch("navigation", FetchSourceNone, time.Millisecond)
	rec.ObserveCache(CacheOperationPopulate, CacheResultError, time.Millisecond)
	rec.ObserveLifecycle("activate", nil)
	rec.ObserveStoresDeleted(1)

	rr := httptest.NewRecorder()
	rec.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	if rr.Code != 503 {
		t.Fatalf("expected 503 from nil recorder, got %d", rr.Code)
	}
}

func TestRecorderHandler(t *testing.T) {
	rec := NewRecorder(nil)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)

	rec.Handler().ServeHTTP(rr, req)

	if rr.Code != 200 {
		t.Fatalf("expected 200 response, got %d", rr.Code)
	}
	if rr.Body.Len() == 0 {
		t.Fatalf("expected response body")
	}
}

func gather(t *testing.T, rec *Recorder, names ...string) map[string][]*dto.Metric {
	t.Helper()
	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[name] = true
	}
	families, err := rec.Gatherer().Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	collected := make(map[string][]*dto.Metric, len(names))
	for _, mf := range families {
		if !wanted[mf.GetName()] {
			continue
		}
		collected[mf.GetName()] = append(collected[mf.GetName()], mf.GetMetric()...)
	}
	for _, name := range names {
		if len(collected[name]) == 0 {
			t.Fatalf("metric %q not collected", name)
		}
	}
	return collected
}

func findMetric(t *testing.T, metrics []*dto.Metric, labels map[string]string) *dto.Metric {
	t.Helper()
	for _, metric := range metrics {
		if matchLabels(metric, labels) {
			return metric
		}
	}
	t.Fatalf("metric with labels %v not found", labels)
	return nil
}

func matchLabels(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.GetLabel()) < len(labels) {
		return false
	}
	for key, expected := range labels {
		found := false
		for _, label := range metric.GetLabel() {
			if label.GetName() == key && label.GetValue() == expected {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
