// Package monitor observes query execution: per-query metrics with rolling
// percentiles and threshold alerting, plus a bounded-concurrency connection
// pool monitor. Monitoring failures are isolated from the query path.
package monitor

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rowquery/rowquery/query"
	"github.com/rowquery/rowquery/store"
	"go.uber.org/zap"
)

// Metric is one immutable record per executed operation.
type Metric struct {
	ID           string          `json:"id"`
	Collection   string          `json:"collection"`
	Operation    store.Operation `json:"operation"`
	Duration     time.Duration   `json:"duration"`
	Timestamp    time.Time       `json:"timestamp"`
	UserID       string          `json:"user_id,omitempty"`
	Failed       bool            `json:"failed"`
	ErrorMessage string          `json:"error_message,omitempty"`
	ResultCount  int             `json:"result_count"`
	CacheHit     bool            `json:"cache_hit"`
}

// AlertKind names the condition that raised an alert.
type AlertKind string

const (
	AlertSlowQuery     AlertKind = "slow_query"
	AlertCriticalQuery AlertKind = "critical_query"
	AlertErrorRate     AlertKind = "error_rate"
)

// Alert is delivered synchronously to the configured hook.
type Alert struct {
	Kind      AlertKind
	Message   string
	Metric    *Metric // set for slow/critical alerts
	ErrorRate float64 // set for error-rate alerts
}

// Config holds construction options. Zero values mean defaults.
type Config struct {
	// MaxMetrics caps the rotating buffer. Default 10000.
	MaxMetrics int
	// SlowThreshold flags queries at or above this duration. Default 1s.
	SlowThreshold time.Duration
	// CriticalThreshold flags queries at or above this duration. Default 5s.
	CriticalThreshold time.Duration
	// OnAlert is invoked synchronously for each alert. Panics inside the
	// hook are recovered so they cannot affect the query path.
	OnAlert func(Alert)
	Logger  *zap.Logger
}

const (
	defaultMaxMetrics        = 10000
	defaultSlowThreshold     = time.Second
	defaultCriticalThreshold = 5 * time.Second

	errorRateWindow    = 100
	errorRateThreshold = 0.10
)

// Stats summarizes metrics inside a time window.
type Stats struct {
	Total        int
	Errors       int
	Slow         int
	Critical     int
	AvgDuration  time.Duration
	P50          time.Duration
	P95          time.Duration
	P99          time.Duration
	CacheHitRate float64
	ErrorRate    float64
	ByCollection map[string]int
	ByOperation  map[store.Operation]int
}

// PerformanceMonitor records query metrics into a rotating buffer. Shared,
// long-lived, safe for concurrent use.
type PerformanceMonitor struct {
	mu       sync.Mutex
	cfg      Config
	metrics  []Metric
	recorded uint64
}

// NewPerformanceMonitor creates a PerformanceMonitor.
func NewPerformanceMonitor(cfg Config) *PerformanceMonitor {
	if cfg.MaxMetrics <= 0 {
		cfg.MaxMetrics = defaultMaxMetrics
	}
	if cfg.SlowThreshold <= 0 {
		cfg.SlowThreshold = defaultSlowThreshold
	}
	if cfg.CriticalThreshold <= 0 {
		cfg.CriticalThreshold = defaultCriticalThreshold
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &PerformanceMonitor{cfg: cfg}
}

// Track times a builder execution and records the resulting metric. The
// builder's outcome passes through unchanged.
func (m *PerformanceMonitor) Track(ctx context.Context, b *query.Builder) (*query.Result, error) {
	start := time.Now()
	res, err := b.Execute(ctx)

	metric := Metric{
		Collection: b.Collection(),
		Operation:  b.Operation(),
		Duration:   time.Since(start),
		Failed:     err != nil,
	}
	if err != nil {
		metric.ErrorMessage = err.Error()
	}
	if res != nil {
		metric.ResultCount = len(res.Rows)
	}
	m.Record(metric)
	return res, err
}

// Record appends a metric to the buffer, rotating in bulk once the cap is
// exceeded, and evaluates alert conditions.
func (m *PerformanceMonitor) Record(metric Metric) {
	if metric.ID == "" {
		metric.ID = uuid.NewString()
	}
	if metric.Timestamp.IsZero() {
		metric.Timestamp = time.Now()
	}

	var alerts []Alert

	m.mu.Lock()
	m.metrics = append(m.metrics, metric)
	m.recorded++

	// Drop the oldest half in one copy instead of shifting per record.
	if len(m.metrics) > m.cfg.MaxMetrics {
		keep := m.cfg.MaxMetrics / 2
		m.metrics = append(m.metrics[:0:0], m.metrics[len(m.metrics)-keep:]...)
	}

	switch {
	case metric.Duration >= m.cfg.CriticalThreshold:
		alerts = append(alerts, Alert{
			Kind:    AlertCriticalQuery,
			Message: fmt.Sprintf("critical query on %s.%s took %s", metric.Collection, metric.Operation, metric.Duration),
			Metric:  &metric,
		})
	case metric.Duration >= m.cfg.SlowThreshold:
		alerts = append(alerts, Alert{
			Kind:    AlertSlowQuery,
			Message: fmt.Sprintf("slow query on %s.%s took %s", metric.Collection, metric.Operation, metric.Duration),
			Metric:  &metric,
		})
	}

	if m.recorded%errorRateWindow == 0 {
		rate := m.trailingErrorRateLocked(errorRateWindow)
		if rate > errorRateThreshold {
			alerts = append(alerts, Alert{
				Kind:      AlertErrorRate,
				Message:   fmt.Sprintf("error rate %.1f%% over last %d queries", rate*100, errorRateWindow),
				ErrorRate: rate,
			})
		}
	}
	m.mu.Unlock()

	for _, a := range alerts {
		m.fire(a)
	}
}

func (m *PerformanceMonitor) trailingErrorRateLocked(window int) float64 {
	n := len(m.metrics)
	if n == 0 {
		return 0
	}
	start := n - window
	if start < 0 {
		start = 0
	}
	failed := 0
	for _, metric := range m.metrics[start:] {
		if metric.Failed {
			failed++
		}
	}
	return float64(failed) / float64(n-start)
}

// fire delivers one alert, isolating hook panics from the query path.
func (m *PerformanceMonitor) fire(a Alert) {
	fields := []zap.Field{zap.String("kind", string(a.Kind))}
	if a.Metric != nil {
		fields = append(fields,
			zap.String("collection", a.Metric.Collection),
			zap.Duration("duration", a.Metric.Duration),
		)
	}
	m.cfg.Logger.Warn(a.Message, fields...)

	if m.cfg.OnAlert == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.cfg.Logger.Error("alert hook panicked", zap.Any("panic", r))
		}
	}()
	m.cfg.OnAlert(a)
}

// GetStats computes aggregate statistics over metrics recorded within the
// trailing window. A zero window includes everything.
func (m *PerformanceMonitor) GetStats(window time.Duration) Stats {
	m.mu.Lock()
	snapshot := make([]Metric, len(m.metrics))
	copy(snapshot, m.metrics)
	m.mu.Unlock()

	cutoff := time.Time{}
	if window > 0 {
		cutoff = time.Now().Add(-window)
	}

	stats := Stats{
		ByCollection: make(map[string]int),
		ByOperation:  make(map[store.Operation]int),
	}
	var durations []time.Duration
	var totalDuration time.Duration
	cacheHits := 0

	for _, metric := range snapshot {
		if !cutoff.IsZero() && metric.Timestamp.Before(cutoff) {
			continue
		}
		stats.Total++
		stats.ByCollection[metric.Collection]++
		stats.ByOperation[metric.Operation]++
		durations = append(durations, metric.Duration)
		totalDuration += metric.Duration
		if metric.Failed {
			stats.Errors++
		}
		if metric.CacheHit {
			cacheHits++
		}
		// Critical queries are a subset of slow ones, so they count in both.
		if metric.Duration >= m.cfg.SlowThreshold {
			stats.Slow++
		}
		if metric.Duration >= m.cfg.CriticalThreshold {
			stats.Critical++
		}
	}

	if stats.Total == 0 {
		return stats
	}

	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	stats.AvgDuration = totalDuration / time.Duration(stats.Total)
	stats.P50 = percentile(durations, 0.50)
	stats.P95 = percentile(durations, 0.95)
	stats.P99 = percentile(durations, 0.99)
	stats.CacheHitRate = float64(cacheHits) / float64(stats.Total)
	stats.ErrorRate = float64(stats.Errors) / float64(stats.Total)
	return stats
}

// percentile returns the value at fraction p of the sorted distribution,
// the element at index ceil(n*p)-1 clamped to a minimum of 0.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(float64(len(sorted))*p)) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// GetSlowQueries returns up to limit metrics at or above the slow threshold,
// most recent first. A non-positive limit returns all of them.
func (m *PerformanceMonitor) GetSlowQueries(limit int) []Metric {
	return m.filter(limit, func(metric Metric) bool {
		return metric.Duration >= m.cfg.SlowThreshold
	})
}

// GetFailedQueries returns up to limit failed metrics, most recent first. A
// non-positive limit returns all of them.
func (m *PerformanceMonitor) GetFailedQueries(limit int) []Metric {
	return m.filter(limit, func(metric Metric) bool { return metric.Failed })
}

func (m *PerformanceMonitor) filter(limit int, keep func(Metric) bool) []Metric {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Metric
	for i := len(m.metrics) - 1; i >= 0; i-- {
		if keep(m.metrics[i]) {
			out = append(out, m.metrics[i])
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out
}

// ClearMetrics empties the buffer. Intended for teardown and tests.
func (m *PerformanceMonitor) ClearMetrics() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = nil
	m.recorded = 0
}

// ExportMetrics renders the current buffer in the given format: "json",
// "csv", or "table" for a plain-text tabular view.
func (m *PerformanceMonitor) ExportMetrics(format string) (string, error) {
	m.mu.Lock()
	snapshot := make([]Metric, len(m.metrics))
	copy(snapshot, m.metrics)
	m.mu.Unlock()

	switch strings.ToLower(format) {
	case "json":
		raw, err := json.MarshalIndent(snapshot, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal metrics: %w", err)
		}
		return string(raw), nil

	case "csv":
		var sb strings.Builder
		w := csv.NewWriter(&sb)
		if err := w.Write([]string{"id", "collection", "operation", "duration_ms", "timestamp", "failed", "error", "result_count", "cache_hit"}); err != nil {
			return "", err
		}
		for _, metric := range snapshot {
			record := []string{
				metric.ID,
				metric.Collection,
				string(metric.Operation),
				strconv.FormatInt(metric.Duration.Milliseconds(), 10),
				metric.Timestamp.Format(time.RFC3339),
				strconv.FormatBool(metric.Failed),
				metric.ErrorMessage,
				strconv.Itoa(metric.ResultCount),
				strconv.FormatBool(metric.CacheHit),
			}
			if err := w.Write(record); err != nil {
				return "", err
			}
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return "", err
		}
		return sb.String(), nil

	case "table":
		t := table.NewWriter()
		t.AppendHeader(table.Row{"Collection", "Op", "Duration", "Failed", "Rows", "Cache"})
		for _, metric := range snapshot {
			t.AppendRow(table.Row{
				metric.Collection,
				metric.Operation,
				metric.Duration.String(),
				metric.Failed,
				metric.ResultCount,
				metric.CacheHit,
			})
		}
		return t.Render(), nil

	default:
		return "", fmt.Errorf("unsupported export format %q (json, csv, table)", format)
	}
}
