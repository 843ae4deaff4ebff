// Package batch coalesces many small equivalent requests issued within a
// short window into one underlying execution.
package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Executor runs one flushed batch. It receives every accumulated param and
// must return one result per param, in the same order.
type Executor[P, R any] func(ctx context.Context, params []P) ([]R, error)

// Config holds construction options. Zero values mean defaults.
type Config struct {
	// MaxBatchSize flushes a batch as soon as it reaches this many requests.
	// Default 10.
	MaxBatchSize int
	// Delay is how long the first request in a batch waits for siblings
	// before flushing. Default 10ms.
	Delay  time.Duration
	Logger *zap.Logger
}

const (
	defaultMaxBatchSize = 10
	defaultDelay        = 10 * time.Millisecond
)

type outcome[R any] struct {
	value R
	err   error
}

type group[P, R any] struct {
	id      string
	params  []P
	waiters []chan outcome[R]
	timer   *time.Timer
}

// Batcher accumulates requests per batch key and flushes them together,
// either when the delay elapses or the batch fills, whichever comes first.
// Safe for concurrent use.
type Batcher[P, R any] struct {
	mu      sync.Mutex
	cfg     Config
	exec    Executor[P, R]
	pending map[string]*group[P, R]
}

// New creates a Batcher around the given executor.
func New[P, R any](exec Executor[P, R], cfg Config) *Batcher[P, R] {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = defaultMaxBatchSize
	}
	if cfg.Delay <= 0 {
		cfg.Delay = defaultDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Batcher[P, R]{
		cfg:     cfg,
		exec:    exec,
		pending: make(map[string]*group[P, R]),
	}
}

// Do enqueues param under key and blocks until its batch flushes. The result
// at the param's position is returned; an executor failure rejects every
// waiter in the batch with the same error. A canceled context abandons the
// wait but does not remove the param from its batch.
func (b *Batcher[P, R]) Do(ctx context.Context, key string, param P) (R, error) {
	ch := make(chan outcome[R], 1)

	b.mu.Lock()
	g, ok := b.pending[key]
	if !ok {
		g = &group[P, R]{id: uuid.NewString()}
		g.timer = time.AfterFunc(b.cfg.Delay, func() { b.flush(key) })
		b.pending[key] = g
	}
	g.params = append(g.params, param)
	g.waiters = append(g.waiters, ch)
	full := len(g.params) >= b.cfg.MaxBatchSize
	b.mu.Unlock()

	if full {
		b.flush(key)
	}

	select {
	case out := <-ch:
		return out.value, out.err
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	}
}

// Pending returns the number of requests currently waiting under key.
func (b *Batcher[P, R]) Pending(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if g, ok := b.pending[key]; ok {
		return len(g.params)
	}
	return 0
}

// flush runs the executor for the batch under key and distributes results
// positionally. Size-triggered and timer-triggered flushes can race; the
// pending-map delete under the lock makes the second caller a no-op.
func (b *Batcher[P, R]) flush(key string) {
	b.mu.Lock()
	g, ok := b.pending[key]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.pending, key)
	b.mu.Unlock()
	g.timer.Stop()

	start := time.Now()
	results, err := b.exec(context.Background(), g.params)
	if err == nil && len(results) != len(g.params) {
		err = fmt.Errorf("batch %s: executor returned %d results for %d params", g.id, len(results), len(g.params))
	}

	for i, ch := range g.waiters {
		if err != nil {
			ch <- outcome[R]{err: err}
		} else {
			ch <- outcome[R]{value: results[i]}
		}
	}

	b.cfg.Logger.Debug("batch flushed",
		zap.String("batch_id", g.id),
		zap.String("key", key),
		zap.Int("size", len(g.params)),
		zap.Duration("duration", time.Since(start)),
		zap.Bool("failed", err != nil),
	)
}
