package monitor

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// PoolConfig holds construction options. Zero values mean defaults.
type PoolConfig struct {
	// MaxConnections bounds concurrent in-flight operations. Default 10.
	MaxConnections int
	Logger         *zap.Logger
}

const (
	defaultMaxConnections = 10
	// waitSampleCap bounds the retained wait-time samples for P95.
	waitSampleCap = 1000
)

// PoolStats is a snapshot of pool utilization.
type PoolStats struct {
	Active      int
	Max         int
	Total       uint64
	PeakActive  int
	Utilization float64
	P95Wait     time.Duration
}

// ConnectionPoolMonitor enforces a hard concurrency ceiling with blocking
// admission and reports utilization and wait-time statistics. Operations
// beyond the ceiling wait for a slot instead of failing, modeling
// backpressure rather than load shedding.
type ConnectionPoolMonitor struct {
	sem    *semaphore.Weighted
	max    int
	logger *zap.Logger

	mu     sync.Mutex
	active int
	peak   int
	total  uint64
	waits  []time.Duration
}

// NewConnectionPoolMonitor creates a ConnectionPoolMonitor.
func NewConnectionPoolMonitor(cfg PoolConfig) *ConnectionPoolMonitor {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = defaultMaxConnections
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &ConnectionPoolMonitor{
		sem:    semaphore.NewWeighted(int64(cfg.MaxConnections)),
		max:    cfg.MaxConnections,
		logger: cfg.Logger,
	}
}

// Track admits op once a slot is free, records how long admission took, and
// releases the slot when op returns, whether it succeeds or fails. A
// canceled context while waiting returns the context error without running
// op.
func (p *ConnectionPoolMonitor) Track(ctx context.Context, op func(ctx context.Context) error) error {
	start := time.Now()
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	wait := time.Since(start)

	p.mu.Lock()
	p.active++
	p.total++
	if p.active > p.peak {
		p.peak = p.active
	}
	p.waits = append(p.waits, wait)
	if len(p.waits) > waitSampleCap {
		p.waits = append(p.waits[:0:0], p.waits[len(p.waits)-waitSampleCap/2:]...)
	}
	p.mu.Unlock()

	if wait > time.Millisecond {
		p.logger.Debug("operation waited for a connection slot", zap.Duration("wait", wait))
	}

	defer func() {
		p.mu.Lock()
		p.active--
		p.mu.Unlock()
		p.sem.Release(1)
	}()
	return op(ctx)
}

// Stats returns a snapshot of pool counters.
func (p *ConnectionPoolMonitor) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	waits := make([]time.Duration, len(p.waits))
	copy(waits, p.waits)
	sort.Slice(waits, func(i, j int) bool { return waits[i] < waits[j] })

	return PoolStats{
		Active:      p.active,
		Max:         p.max,
		Total:       p.total,
		PeakActive:  p.peak,
		Utilization: float64(p.active) / float64(p.max),
		P95Wait:     percentile(waits, 0.95),
	}
}
