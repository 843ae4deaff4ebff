// Package optimize composes the query layer's caching, pagination, and
// parallelism primitives into higher-level access helpers.
package optimize

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/panjf2000/ants/v2"
	"github.com/rowquery/rowquery/cache"
	"github.com/rowquery/rowquery/query"
	"github.com/rowquery/rowquery/store"
	"go.uber.org/zap"
)

// Config holds construction options. Zero values mean defaults.
type Config struct {
	// MaxWorkers bounds the worker pool used by Parallel. Default 4.
	MaxWorkers int
	// StreamPageSize is the page size StreamResults uses when the caller
	// passes 0. Default 100.
	StreamPageSize int
	Logger         *zap.Logger
}

const (
	defaultMaxWorkers     = 4
	defaultStreamPageSize = 100
)

// Optimizer wraps a query Factory with batching-adjacent execution helpers.
type Optimizer struct {
	queries *query.Factory
	pool    *ants.Pool
	cfg     Config
	logger  *zap.Logger
}

// New creates an Optimizer over the given factory.
func New(f *query.Factory, cfg Config) (*Optimizer, error) {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = defaultMaxWorkers
	}
	if cfg.StreamPageSize <= 0 {
		cfg.StreamPageSize = defaultStreamPageSize
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	pool, err := ants.NewPool(cfg.MaxWorkers)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	return &Optimizer{queries: f, pool: pool, cfg: cfg, logger: cfg.Logger}, nil
}

// Close releases the worker pool.
func (o *Optimizer) Close() {
	o.pool.Release()
}

// StreamResults pages through a select builder, invoking fn once per page
// until pagination reports no next page or fn returns an error. The sequence
// is finite and driven entirely by pagination metadata.
func (o *Optimizer) StreamResults(ctx context.Context, b *query.Builder, pageSize int, fn func(page int, rows []store.Row) error) error {
	if pageSize <= 0 {
		pageSize = o.cfg.StreamPageSize
	}
	for page := 1; ; page++ {
		res, err := b.Paginate(query.PaginationOptions{Page: page, Limit: pageSize}).Execute(ctx)
		if err != nil {
			return err
		}
		if len(res.Rows) > 0 {
			if err := fn(page, res.Rows); err != nil {
				return err
			}
		}
		if res.Pagination == nil || !res.Pagination.HasNext {
			return nil
		}
	}
}

// Relation declares a parent-to-child link for prefetching. Field is the key
// the matched child row is attached under on each parent; ForeignKey is the
// parent column referencing the child; ChildKey is the child column it
// references ("id" when empty).
type Relation struct {
	Field      string
	Collection string
	ForeignKey string
	ChildKey   string
}

// PrefetchRelations avoids N+1 queries: it collects the distinct non-null
// foreign keys across parents, fetches every referenced child in one
// IN-filtered query, and attaches each match back onto its parent. Exactly
// one extra round trip regardless of how many parents there are.
func (o *Optimizer) PrefetchRelations(ctx context.Context, parents []store.Row, rel Relation) error {
	childKey := rel.ChildKey
	if childKey == "" {
		childKey = "id"
	}

	seen := make(map[string]struct{})
	var ids []interface{}
	for _, parent := range parents {
		fk := parent[rel.ForeignKey]
		if fk == nil {
			continue
		}
		k := fmt.Sprint(fk)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		ids = append(ids, fk)
	}
	if len(ids) == 0 {
		return nil
	}

	res, err := o.queries.Query(rel.Collection).
		Select("*").
		In(childKey, ids).
		Execute(ctx)
	if err != nil {
		return err
	}

	children := make(map[string]store.Row, len(res.Rows))
	for _, child := range res.Rows {
		children[fmt.Sprint(child[childKey])] = child
	}

	attached := 0
	for _, parent := range parents {
		fk := parent[rel.ForeignKey]
		if fk == nil {
			continue
		}
		if child, ok := children[fmt.Sprint(fk)]; ok {
			parent[rel.Field] = child
			attached++
		}
	}

	o.logger.Debug("relations prefetched",
		zap.String("collection", rel.Collection),
		zap.Int("parents", len(parents)),
		zap.Int("fetched", len(res.Rows)),
		zap.Int("attached", attached),
	)
	return nil
}

// WithCache wraps a builder execution with the query cache: a hit returns the
// cached envelope without touching the store, a miss executes and caches the
// result. Errors are never cached. Every caller gets its own row copies, so
// mutating a returned result (as PrefetchRelations does) cannot poison the
// cached one.
func (o *Optimizer) WithCache(ctx context.Context, b *query.Builder, c *cache.QueryCache) (*query.Result, error) {
	key := cache.Key(b.Query())
	if v, ok := c.Get(key); ok {
		if res, ok := v.(*query.Result); ok {
			o.logger.Debug("query served from cache", zap.String("collection", b.Collection()))
			return cloneResult(res), nil
		}
	}

	res, err := b.Execute(ctx)
	if err != nil {
		return nil, err
	}
	c.Set(key, cloneResult(res))
	return res, nil
}

func cloneResult(res *query.Result) *query.Result {
	out := &query.Result{}
	if res.Rows != nil {
		out.Rows = make([]store.Row, len(res.Rows))
		for i, row := range res.Rows {
			clone := make(store.Row, len(row))
			for k, v := range row {
				clone[k] = v
			}
			out.Rows[i] = clone
		}
	}
	if res.Count != nil {
		count := *res.Count
		out.Count = &count
	}
	if res.Pagination != nil {
		pg := *res.Pagination
		out.Pagination = &pg
	}
	return out
}

// Parallel executes independent builders concurrently on the bounded worker
// pool and returns their results in input order. Individual failures are
// joined into the returned error; successful slots keep their results.
func (o *Optimizer) Parallel(ctx context.Context, builders []*query.Builder) ([]*query.Result, error) {
	results := make([]*query.Result, len(builders))
	errs := make([]error, len(builders))

	var wg sync.WaitGroup
	for i, b := range builders {
		i, b := i, b
		wg.Add(1)
		if err := o.pool.Submit(func() {
			defer wg.Done()
			results[i], errs[i] = b.Execute(ctx)
		}); err != nil {
			errs[i] = err
			wg.Done()
		}
	}
	wg.Wait()

	return results, errors.Join(errs...)
}
