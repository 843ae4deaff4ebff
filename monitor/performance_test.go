package monitor

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rowquery/rowquery/memstore"
	"github.com/rowquery/rowquery/query"
	"github.com/rowquery/rowquery/store"
)

func metric(d time.Duration, failed bool) Metric {
	return Metric{
		Collection: "documents",
		Operation:  store.OpSelect,
		Duration:   d,
		Failed:     failed,
	}
}

func TestPercentileFormula(t *testing.T) {
	durations := []time.Duration{10, 20, 30, 40, 50}

	tests := []struct {
		p    float64
		want time.Duration
	}{
		{0.50, 30}, // ceil(5*0.50)-1 = 2
		{0.95, 50}, // ceil(5*0.95)-1 = 4
		{0.99, 50},
		{0.01, 10}, // clamped to index 0
	}
	for _, tt := range tests {
		if got := percentile(durations, tt.p); got != tt.want {
			t.Errorf("percentile(p=%v) = %d, want %d", tt.p, got, tt.want)
		}
	}

	if got := percentile(nil, 0.95); got != 0 {
		t.Errorf("percentile of empty set = %d, want 0", got)
	}
}

func TestGetStats(t *testing.T) {
	m := NewPerformanceMonitor(Config{
		SlowThreshold:     100 * time.Millisecond,
		CriticalThreshold: time.Second,
	})

	m.Record(metric(10*time.Millisecond, false))
	m.Record(metric(20*time.Millisecond, false))
	m.Record(metric(150*time.Millisecond, false)) // slow
	m.Record(metric(2*time.Second, true))         // critical + failed
	hit := metric(30*time.Millisecond, false)
	hit.CacheHit = true
	m.Record(hit)

	stats := m.GetStats(time.Hour)
	if stats.Total != 5 {
		t.Fatalf("Total = %d, want 5", stats.Total)
	}
	// The critical 2s query is also at or above the slow threshold.
	if stats.Errors != 1 || stats.Slow != 2 || stats.Critical != 1 {
		t.Errorf("Errors/Slow/Critical = %d/%d/%d, want 1/2/1", stats.Errors, stats.Slow, stats.Critical)
	}
	if stats.ErrorRate != 0.2 {
		t.Errorf("ErrorRate = %v, want 0.2", stats.ErrorRate)
	}
	if stats.CacheHitRate != 0.2 {
		t.Errorf("CacheHitRate = %v, want 0.2", stats.CacheHitRate)
	}
	// Sorted durations: 10ms, 20ms, 30ms, 150ms, 2s. P50 = index 2.
	if stats.P50 != 30*time.Millisecond {
		t.Errorf("P50 = %s, want 30ms", stats.P50)
	}
	if stats.P95 != 2*time.Second {
		t.Errorf("P95 = %s, want 2s", stats.P95)
	}
	if stats.ByCollection["documents"] != 5 {
		t.Errorf("ByCollection = %+v", stats.ByCollection)
	}
	if stats.ByOperation[store.OpSelect] != 5 {
		t.Errorf("ByOperation = %+v", stats.ByOperation)
	}
}

func TestGetStatsCriticalCountsAsSlow(t *testing.T) {
	m := NewPerformanceMonitor(Config{
		SlowThreshold:     time.Second,
		CriticalThreshold: 5 * time.Second,
	})
	m.Record(metric(6*time.Second, false))

	stats := m.GetStats(0)
	if stats.Slow != 1 || stats.Critical != 1 {
		t.Errorf("Slow/Critical = %d/%d, want 1/1", stats.Slow, stats.Critical)
	}
	if got := len(m.GetSlowQueries(0)); got != stats.Slow {
		t.Errorf("GetSlowQueries returned %d entries but Stats.Slow = %d", got, stats.Slow)
	}
}

func TestGetStatsWindow(t *testing.T) {
	m := NewPerformanceMonitor(Config{})

	old := metric(10*time.Millisecond, false)
	old.Timestamp = time.Now().Add(-2 * time.Hour)
	m.Record(old)
	m.Record(metric(20*time.Millisecond, false))

	if stats := m.GetStats(time.Hour); stats.Total != 1 {
		t.Errorf("windowed Total = %d, want 1", stats.Total)
	}
	if stats := m.GetStats(0); stats.Total != 2 {
		t.Errorf("unwindowed Total = %d, want 2", stats.Total)
	}
}

func TestBufferRotation(t *testing.T) {
	m := NewPerformanceMonitor(Config{MaxMetrics: 10})

	for i := 0; i < 15; i++ {
		m.Record(metric(time.Duration(i)*time.Millisecond, false))
	}

	stats := m.GetStats(0)
	// The buffer overflowed at the 11th record, dropping to 5, then grew.
	if stats.Total >= 15 || stats.Total == 0 {
		t.Errorf("rotation should have dropped old metrics in bulk, Total = %d", stats.Total)
	}
}

func TestThresholdAlerts(t *testing.T) {
	var alerts []Alert
	m := NewPerformanceMonitor(Config{
		SlowThreshold:     50 * time.Millisecond,
		CriticalThreshold: 500 * time.Millisecond,
		OnAlert:           func(a Alert) { alerts = append(alerts, a) },
	})

	m.Record(metric(10*time.Millisecond, false))
	m.Record(metric(60*time.Millisecond, false))
	m.Record(metric(600*time.Millisecond, false))

	if len(alerts) != 2 {
		t.Fatalf("expected 2 alerts, got %d", len(alerts))
	}
	if alerts[0].Kind != AlertSlowQuery {
		t.Errorf("first alert kind = %q, want slow_query", alerts[0].Kind)
	}
	if alerts[1].Kind != AlertCriticalQuery {
		t.Errorf("second alert kind = %q, want critical_query", alerts[1].Kind)
	}
	if alerts[1].Metric == nil || alerts[1].Metric.Duration != 600*time.Millisecond {
		t.Error("critical alert should carry its metric")
	}
}

func TestErrorRateAlert(t *testing.T) {
	var alerts []Alert
	m := NewPerformanceMonitor(Config{
		OnAlert: func(a Alert) {
			if a.Kind == AlertErrorRate {
				alerts = append(alerts, a)
			}
		},
	})

	// 15 failures in 100 records crosses the 10% threshold.
	for i := 0; i < 100; i++ {
		m.Record(metric(time.Millisecond, i < 15))
	}

	if len(alerts) != 1 {
		t.Fatalf("expected one error-rate alert, got %d", len(alerts))
	}
	if alerts[0].ErrorRate != 0.15 {
		t.Errorf("ErrorRate = %v, want 0.15", alerts[0].ErrorRate)
	}
}

func TestAlertHookPanicIsIsolated(t *testing.T) {
	m := NewPerformanceMonitor(Config{
		SlowThreshold: time.Millisecond,
		OnAlert:       func(Alert) { panic("hook exploded") },
	})

	// Must not propagate the hook's panic.
	m.Record(metric(10*time.Millisecond, false))

	if stats := m.GetStats(0); stats.Total != 1 {
		t.Errorf("metric should still be recorded, Total = %d", stats.Total)
	}
}

func TestTrack(t *testing.T) {
	s := memstore.New(memstore.Config{})
	s.Seed("documents", []store.Row{{"id": 1}})
	m := NewPerformanceMonitor(Config{})

	res, err := m.Track(context.Background(), query.New(s, "documents").Select("*"))
	if err != nil {
		t.Fatalf("Track failed: %v", err)
	}
	if len(res.Rows) != 1 {
		t.Errorf("expected 1 row, got %d", len(res.Rows))
	}

	_, err = m.Track(context.Background(), query.New(s, "documents").Select("*").Eq("id", 9).Single())
	if err == nil {
		t.Fatal("expected not-found error to pass through Track")
	}

	stats := m.GetStats(0)
	if stats.Total != 2 || stats.Errors != 1 {
		t.Errorf("stats = %+v, want Total 2, Errors 1", stats)
	}
	failed := m.GetFailedQueries(10)
	if len(failed) != 1 || !failed[0].Failed {
		t.Errorf("GetFailedQueries = %+v", failed)
	}
}

func TestSlowQueryListing(t *testing.T) {
	m := NewPerformanceMonitor(Config{SlowThreshold: 100 * time.Millisecond})

	m.Record(metric(50*time.Millisecond, false))
	first := metric(200*time.Millisecond, false)
	first.ID = "slow-old"
	m.Record(first)
	second := metric(300*time.Millisecond, false)
	second.ID = "slow-new"
	m.Record(second)

	slow := m.GetSlowQueries(10)
	if len(slow) != 2 {
		t.Fatalf("expected 2 slow queries, got %d", len(slow))
	}
	if slow[0].ID != "slow-new" {
		t.Errorf("slow queries should be most recent first, got %q", slow[0].ID)
	}

	if got := m.GetSlowQueries(1); len(got) != 1 {
		t.Errorf("limit should cap results, got %d", len(got))
	}
}

func TestClearMetrics(t *testing.T) {
	m := NewPerformanceMonitor(Config{})
	m.Record(metric(time.Millisecond, false))
	m.ClearMetrics()
	if stats := m.GetStats(0); stats.Total != 0 {
		t.Errorf("ClearMetrics left %d metrics", stats.Total)
	}
}

func TestExportMetrics(t *testing.T) {
	m := NewPerformanceMonitor(Config{})
	rec := metric(42*time.Millisecond, false)
	rec.ID = "m-1"
	m.Record(rec)

	jsonOut, err := m.ExportMetrics("json")
	if err != nil {
		t.Fatalf("json export failed: %v", err)
	}
	if !strings.Contains(jsonOut, `"m-1"`) {
		t.Error("json export should contain the metric id")
	}

	csvOut, err := m.ExportMetrics("csv")
	if err != nil {
		t.Fatalf("csv export failed: %v", err)
	}
	if !strings.Contains(csvOut, "collection") || !strings.Contains(csvOut, "documents") {
		t.Errorf("csv export missing expected content:\n%s", csvOut)
	}

	tableOut, err := m.ExportMetrics("table")
	if err != nil {
		t.Fatalf("table export failed: %v", err)
	}
	if !strings.Contains(tableOut, "documents") {
		t.Errorf("table export missing row content:\n%s", tableOut)
	}

	if _, err := m.ExportMetrics("xml"); err == nil {
		t.Error("unsupported format should error")
	}
}
