// Package query implements a fluent, store-agnostic query construction API
// with role-aware row visibility, pagination, and a normalized error
// taxonomy. A Builder targets exactly one collection and one operation; it
// is mutable and not safe for concurrent use.
package query

import (
	"context"
	"time"

	"github.com/rowquery/rowquery/store"
	"go.uber.org/zap"
)

// Config holds Factory construction options. Zero values mean defaults.
type Config struct {
	Logger *zap.Logger
}

// Factory creates Builders bound to one Store. It is the long-lived,
// dependency-injected entry point; Builders themselves are per-call.
type Factory struct {
	store  store.Store
	logger *zap.Logger
}

// NewFactory creates a Factory over the given store.
func NewFactory(s store.Store, cfg Config) *Factory {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Factory{store: s, logger: cfg.Logger}
}

// Query starts a new Builder for the named collection.
func (f *Factory) Query(collection string) *Builder {
	return &Builder{
		store:      f.store,
		logger:     f.logger,
		collection: collection,
	}
}

// New starts a Builder directly over a store with a no-op logger. Convenience
// for call sites that do not hold a Factory.
func New(s store.Store, collection string) *Builder {
	return NewFactory(s, Config{}).Query(collection)
}

// Builder state machine. An operation initializer moves the builder from
// uninitialized to built; Paginate with implicit counting moves a select to
// counted. Calling a second initializer replaces the descriptor outright —
// that is a documented precondition violation, not supported behavior.
type builderState int

const (
	stateUninitialized builderState = iota
	stateBuilt
	stateCounted
)

// Builder constructs and executes one logical operation over a collection.
type Builder struct {
	store      store.Store
	logger     *zap.Logger
	collection string
	state      builderState
	q          store.Query
	visibility *Permissions
	paginate   *PaginationOptions
}

// Result is the normalized envelope returned by Execute.
type Result struct {
	Rows       []store.Row
	Count      *int64
	Pagination *Pagination
}

// Row returns the first row, or nil if there are none. Useful with Single.
func (r *Result) Row() store.Row {
	if len(r.Rows) == 0 {
		return nil
	}
	return r.Rows[0]
}

func (b *Builder) init(op store.Operation) {
	b.q = store.Query{Collection: b.collection, Op: op}
	b.state = stateBuilt
	b.visibility = nil
	b.paginate = nil
}

func (b *Builder) ensureBuilt(method string) {
	if b.state == stateUninitialized {
		panic(&UninitializedQueryError{Method: method})
	}
}

// Select initializes a select over the given columns. An empty column list
// selects all columns.
func (b *Builder) Select(columns string) *Builder {
	b.init(store.OpSelect)
	b.q.Columns = columns
	return b
}

// SelectWithCount initializes a select that also requests a total count.
func (b *Builder) SelectWithCount(columns string, mode store.CountMode) *Builder {
	b.Select(columns)
	b.q.Count = mode
	if mode != store.CountNone {
		b.state = stateCounted
	}
	return b
}

// Insert initializes an insert of the given rows.
func (b *Builder) Insert(rows ...store.Row) *Builder {
	b.init(store.OpInsert)
	b.q.Rows = rows
	return b
}

// Update initializes an update applying set to every matched row.
func (b *Builder) Update(set store.Row) *Builder {
	b.init(store.OpUpdate)
	b.q.Set = set
	return b
}

// Delete initializes a delete of every matched row.
func (b *Builder) Delete() *Builder {
	b.init(store.OpDelete)
	return b
}

// Upsert initializes an insert-or-update of the given rows. onConflict names
// the columns that identify an existing row; when empty the store's primary
// key is used.
func (b *Builder) Upsert(rows []store.Row, onConflict ...string) *Builder {
	b.init(store.OpUpsert)
	b.q.Rows = rows
	b.q.OnConflict = onConflict
	return b
}

func (b *Builder) filter(method, column string, op store.FilterOperator, value interface{}) *Builder {
	b.ensureBuilt(method)
	b.q.Filters = append(b.q.Filters, store.Filter{Column: column, Operator: op, Value: value})
	return b
}

// Eq filters rows where column equals value.
func (b *Builder) Eq(column string, value interface{}) *Builder {
	return b.filter("Eq", column, store.OpEqual, value)
}

// Neq filters rows where column does not equal value.
func (b *Builder) Neq(column string, value interface{}) *Builder {
	return b.filter("Neq", column, store.OpNotEqual, value)
}

// Gt filters rows where column is greater than value.
func (b *Builder) Gt(column string, value interface{}) *Builder {
	return b.filter("Gt", column, store.OpGreaterThan, value)
}

// Gte filters rows where column is greater than or equal to value.
func (b *Builder) Gte(column string, value interface{}) *Builder {
	return b.filter("Gte", column, store.OpGreaterEqual, value)
}

// Lt filters rows where column is less than value.
func (b *Builder) Lt(column string, value interface{}) *Builder {
	return b.filter("Lt", column, store.OpLessThan, value)
}

// Lte filters rows where column is less than or equal to value.
func (b *Builder) Lte(column string, value interface{}) *Builder {
	return b.filter("Lte", column, store.OpLessEqual, value)
}

// In filters rows where column is one of values.
func (b *Builder) In(column string, values []interface{}) *Builder {
	return b.filter("In", column, store.OpIn, values)
}

// Like filters rows where column matches a case-sensitive pattern
// ("%" matches any run of characters).
func (b *Builder) Like(column, pattern string) *Builder {
	return b.filter("Like", column, store.OpLike, pattern)
}

// ILike filters rows where column matches a case-insensitive pattern.
func (b *Builder) ILike(column, pattern string) *Builder {
	return b.filter("ILike", column, store.OpILike, pattern)
}

// Contains filters rows where the array column contains every element of
// values.
func (b *Builder) Contains(column string, values []interface{}) *Builder {
	return b.filter("Contains", column, store.OpContains, values)
}

// Overlaps filters rows where the array column shares at least one element
// with values.
func (b *Builder) Overlaps(column string, values []interface{}) *Builder {
	return b.filter("Overlaps", column, store.OpOverlaps, values)
}

// Or filters rows matching any of the given filters.
func (b *Builder) Or(filters ...store.Filter) *Builder {
	b.ensureBuilt("Or")
	b.q.Filters = append(b.q.Filters, store.Filter{Operator: store.OpOr, Or: filters})
	return b
}

// OrderBy adds a sort key.
func (b *Builder) OrderBy(column string, descending bool) *Builder {
	b.ensureBuilt("OrderBy")
	b.q.Orders = append(b.q.Orders, store.Order{Column: column, Descending: descending})
	return b
}

// Limit caps the number of returned rows.
func (b *Builder) Limit(n int) *Builder {
	b.ensureBuilt("Limit")
	b.q.Limit = &n
	return b
}

// Range selects the inclusive zero-based row window [from, to].
func (b *Builder) Range(from, to int) *Builder {
	b.ensureBuilt("Range")
	limit := to - from + 1
	b.q.Offset = &from
	b.q.Limit = &limit
	return b
}

// Single marks the query as expecting exactly one row. Execute returns a
// not-found error when no row matches.
func (b *Builder) Single() *Builder {
	b.ensureBuilt("Single")
	b.q.Single = true
	return b
}

// TextSearch adds a full-text match of needle against column.
func (b *Builder) TextSearch(column, needle string) *Builder {
	b.ensureBuilt("TextSearch")
	b.q.Search = &store.TextSearch{Column: column, Query: needle}
	return b
}

// WithVisibility injects the row-visibility predicate for the caller. It
// only has effect on selects: write operations ignore it, as write-time
// authorization is enforced by the caller, not this layer.
func (b *Builder) WithVisibility(p Permissions) *Builder {
	b.ensureBuilt("WithVisibility")
	if b.q.Op != store.OpSelect {
		b.logger.Debug("visibility filter ignored for write operation",
			zap.String("collection", b.collection),
			zap.String("operation", string(b.q.Op)),
		)
		return b
	}
	b.visibility = &p
	b.q.Filters = append(b.q.Filters, VisibilityFilters(p)...)
	return b
}

// Paginate selects a page of results. Options are normalized (page and limit
// default to 1 and 20); if no count was requested yet, the select transitions
// to counted so pagination metadata can be computed, preserving the already
// applied filters and visibility predicate. Paginate may be called again to
// move to a different page.
func (b *Builder) Paginate(opts PaginationOptions) *Builder {
	b.ensureBuilt("Paginate")
	if b.q.Op != store.OpSelect {
		panic(&UninitializedQueryError{Method: "Paginate"})
	}
	normalized := NormalizePaginationOptions(opts)
	b.paginate = &normalized
	from, to := CalculateRange(normalized.Page, normalized.Limit)
	b.Range(from, to)
	if b.state != stateCounted {
		b.q.Count = store.CountExact
		b.state = stateCounted
	}
	return b
}

// Collection returns the collection this builder targets.
func (b *Builder) Collection() string { return b.collection }

// Operation returns the operation kind, or "" before initialization.
func (b *Builder) Operation() store.Operation { return b.q.Op }

// Query returns a snapshot of the composed descriptor.
func (b *Builder) Query() store.Query { return b.q }

// Execute runs the composed descriptor against the store and normalizes the
// outcome. Store failures are mapped through the error taxonomy; a single
// query with no matching row yields a not-found error.
func (b *Builder) Execute(ctx context.Context) (*Result, error) {
	b.ensureBuilt("Execute")

	start := time.Now()
	res, err := b.store.Execute(ctx, b.q)
	if err != nil {
		return nil, MapStoreError(err)
	}

	if b.q.Single && len(res.Rows) == 0 {
		return nil, NewNotFoundError(b.collection)
	}

	result := &Result{Rows: res.Rows, Count: res.Count}
	if b.paginate != nil && res.Count != nil {
		pg := FormatPagination(*res.Count, b.paginate.Page, b.paginate.Limit)
		result.Pagination = &pg
	}

	b.logger.Debug("query executed",
		zap.String("collection", b.collection),
		zap.String("operation", string(b.q.Op)),
		zap.Int("rows", len(result.Rows)),
		zap.Duration("duration", time.Since(start)),
	)
	return result, nil
}

// Count issues a head-only counting query for the composed select, keeping
// any filters and visibility predicate already configured, and returns the
// total without fetching rows.
func (b *Builder) Count(ctx context.Context) (int64, error) {
	b.ensureBuilt("Count")

	q := b.q
	q.Count = store.CountHead
	q.Limit = nil
	q.Offset = nil

	res, err := b.store.Execute(ctx, q)
	if err != nil {
		return 0, MapStoreError(err)
	}
	if res.Count == nil {
		return 0, NewDatabaseError("store returned no count for a head query", nil)
	}
	return *res.Count, nil
}
