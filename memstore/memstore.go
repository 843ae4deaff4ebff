// Package memstore provides an in-memory implementation of the store
// capability. It backs the test suite and serves as the reference for how a
// concrete store adapter should interpret the query descriptor.
package memstore

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/rowquery/rowquery/store"
	"go.uber.org/zap"
)

// Config holds construction options. Zero values mean defaults.
type Config struct {
	// PrimaryKey is the column identifying a row. Default "id".
	PrimaryKey string
	Logger     *zap.Logger
}

// Store is a map-backed row store. Safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	pk     string
	logger *zap.Logger
	tables map[string][]store.Row
}

// New creates an empty Store.
func New(cfg Config) *Store {
	if cfg.PrimaryKey == "" {
		cfg.PrimaryKey = "id"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Store{
		pk:     cfg.PrimaryKey,
		logger: cfg.Logger,
		tables: make(map[string][]store.Row),
	}
}

// Seed replaces the contents of a collection. Rows are shallow-copied.
func (s *Store) Seed(collection string, rows []store.Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := make([]store.Row, len(rows))
	for i, r := range rows {
		copied[i] = cloneRow(r)
	}
	s.tables[collection] = copied
}

// Execute runs a query descriptor against the in-memory tables.
func (s *Store) Execute(ctx context.Context, q store.Query) (*store.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch q.Op {
	case store.OpSelect:
		return s.doSelect(q)
	case store.OpInsert:
		return s.doInsert(q)
	case store.OpUpdate:
		return s.doUpdate(q)
	case store.OpDelete:
		return s.doDelete(q)
	case store.OpUpsert:
		return s.doUpsert(q)
	default:
		return nil, store.NewError("", fmt.Sprintf("unsupported operation %q", q.Op), 400)
	}
}

func (s *Store) doSelect(q store.Query) (*store.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := s.matchRows(q)
	sortRows(matched, q.Orders)

	var count *int64
	if q.Count != store.CountNone {
		total := int64(len(matched))
		count = &total
	}

	if q.Count == store.CountHead {
		return &store.Result{Count: count}, nil
	}

	matched = window(matched, q.Offset, q.Limit)

	if q.Single && len(matched) > 1 {
		return nil, store.NewError(store.CodeMultipleRows,
			fmt.Sprintf("expected a single row from %q, got %d", q.Collection, len(matched)), 406)
	}

	out := make([]store.Row, len(matched))
	for i, r := range matched {
		out[i] = project(cloneRow(r), q.Columns)
	}
	return &store.Result{Rows: out, Count: count}, nil
}

func (s *Store) doInsert(q store.Query) (*store.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.tables[q.Collection]
	inserted := make([]store.Row, 0, len(q.Rows))
	for _, r := range q.Rows {
		if pk, ok := r[s.pk]; ok {
			for _, existing := range rows {
				if equalValues(existing[s.pk], pk) {
					return nil, store.NewError(store.CodeDuplicateKey,
						fmt.Sprintf("duplicate key %v in %q", pk, q.Collection), 409)
				}
			}
		}
		clone := cloneRow(r)
		rows = append(rows, clone)
		inserted = append(inserted, cloneRow(clone))
	}
	s.tables[q.Collection] = rows
	s.logger.Debug("rows inserted",
		zap.String("collection", q.Collection),
		zap.Int("count", len(inserted)),
	)
	return &store.Result{Rows: inserted}, nil
}

func (s *Store) doUpdate(q store.Query) (*store.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var updated []store.Row
	for _, r := range s.tables[q.Collection] {
		if matchFilters(r, q.Filters) && matchSearch(r, q.Search) {
			for col, v := range q.Set {
				r[col] = v
			}
			updated = append(updated, cloneRow(r))
		}
	}
	return &store.Result{Rows: updated}, nil
}

func (s *Store) doDelete(q store.Query) (*store.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.tables[q.Collection]
	kept := rows[:0:0]
	var deleted []store.Row
	for _, r := range rows {
		if matchFilters(r, q.Filters) && matchSearch(r, q.Search) {
			deleted = append(deleted, cloneRow(r))
		} else {
			kept = append(kept, r)
		}
	}
	s.tables[q.Collection] = kept
	return &store.Result{Rows: deleted}, nil
}

func (s *Store) doUpsert(q store.Query) (*store.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conflict := q.OnConflict
	if len(conflict) == 0 {
		conflict = []string{s.pk}
	}

	rows := s.tables[q.Collection]
	out := make([]store.Row, 0, len(q.Rows))
	for _, payload := range q.Rows {
		idx := -1
		for i, existing := range rows {
			if matchesConflict(existing, payload, conflict) {
				idx = i
				break
			}
		}
		if idx >= 0 {
			for col, v := range payload {
				rows[idx][col] = v
			}
			out = append(out, cloneRow(rows[idx]))
		} else {
			clone := cloneRow(payload)
			rows = append(rows, clone)
			out = append(out, cloneRow(clone))
		}
	}
	s.tables[q.Collection] = rows
	return &store.Result{Rows: out}, nil
}

func (s *Store) matchRows(q store.Query) []store.Row {
	var matched []store.Row
	for _, r := range s.tables[q.Collection] {
		if matchFilters(r, q.Filters) && matchSearch(r, q.Search) {
			matched = append(matched, r)
		}
	}
	return matched
}

func matchesConflict(existing, payload store.Row, conflict []string) bool {
	for _, col := range conflict {
		pv, ok := payload[col]
		if !ok || !equalValues(existing[col], pv) {
			return false
		}
	}
	return true
}

func matchFilters(r store.Row, filters []store.Filter) bool {
	for _, f := range filters {
		if !matchFilter(r, f) {
			return false
		}
	}
	return true
}

func matchFilter(r store.Row, f store.Filter) bool {
	if f.Operator == store.OpOr {
		for _, sub := range f.Or {
			if matchFilter(r, sub) {
				return true
			}
		}
		return false
	}

	v := r[f.Column]
	switch f.Operator {
	case store.OpEqual:
		return equalValues(v, f.Value)
	case store.OpNotEqual:
		return !equalValues(v, f.Value)
	case store.OpGreaterThan:
		c, ok := compareValues(v, f.Value)
		return ok && c > 0
	case store.OpGreaterEqual:
		c, ok := compareValues(v, f.Value)
		return ok && c >= 0
	case store.OpLessThan:
		c, ok := compareValues(v, f.Value)
		return ok && c < 0
	case store.OpLessEqual:
		c, ok := compareValues(v, f.Value)
		return ok && c <= 0
	case store.OpIn:
		for _, candidate := range toSlice(f.Value) {
			if equalValues(v, candidate) {
				return true
			}
		}
		return false
	case store.OpLike:
		return matchPattern(v, f.Value, false)
	case store.OpILike:
		return matchPattern(v, f.Value, true)
	case store.OpContains:
		column := toSlice(v)
		for _, want := range toSlice(f.Value) {
			if !sliceHas(column, want) {
				return false
			}
		}
		return true
	case store.OpOverlaps:
		column := toSlice(v)
		for _, want := range toSlice(f.Value) {
			if sliceHas(column, want) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func matchSearch(r store.Row, search *store.TextSearch) bool {
	if search == nil {
		return true
	}
	haystack := strings.ToLower(fmt.Sprint(r[search.Column]))
	return strings.Contains(haystack, strings.ToLower(search.Query))
}

// matchPattern evaluates a SQL-style pattern where "%" matches any run of
// characters and "_" matches a single character.
func matchPattern(v, pattern interface{}, insensitive bool) bool {
	subject := fmt.Sprint(v)
	pat := fmt.Sprint(pattern)
	if insensitive {
		subject = strings.ToLower(subject)
		pat = strings.ToLower(pat)
	}
	var sb strings.Builder
	sb.WriteString("^")
	for _, c := range pat {
		switch c {
		case '%':
			sb.WriteString(".*")
		case '_':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	sb.WriteString("$")
	re, err := regexp.Compile(sb.String())
	if err != nil {
		return false
	}
	return re.MatchString(subject)
}

func sliceHas(s []interface{}, want interface{}) bool {
	for _, v := range s {
		if equalValues(v, want) {
			return true
		}
	}
	return false
}

func toSlice(v interface{}) []interface{} {
	switch s := v.(type) {
	case nil:
		return nil
	case []interface{}:
		return s
	case []string:
		out := make([]interface{}, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out
	case []int:
		out := make([]interface{}, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out
	default:
		return []interface{}{v}
	}
}

func equalValues(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if c, ok := compareValues(a, b); ok {
		return c == 0
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// compareValues orders two values when they share a comparable shape.
// Numbers compare numerically regardless of their concrete Go type.
func compareValues(a, b interface{}) (int, bool) {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			switch {
			case af < bf:
				return -1, true
			case af > bf:
				return 1, true
			default:
				return 0, true
			}
		}
		return 0, false
	}
	switch av := a.(type) {
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv), true
		}
	case bool:
		if bv, ok := b.(bool); ok {
			switch {
			case av == bv:
				return 0, true
			case !av:
				return -1, true
			default:
				return 1, true
			}
		}
	}
	return 0, false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func sortRows(rows []store.Row, orders []store.Order) {
	if len(orders) == 0 {
		return
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for _, o := range orders {
			c, ok := compareValues(rows[i][o.Column], rows[j][o.Column])
			if !ok {
				c = strings.Compare(fmt.Sprint(rows[i][o.Column]), fmt.Sprint(rows[j][o.Column]))
			}
			if c == 0 {
				continue
			}
			if o.Descending {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

func window(rows []store.Row, offset, limit *int) []store.Row {
	start := 0
	if offset != nil && *offset > 0 {
		start = *offset
	}
	if start >= len(rows) {
		return nil
	}
	end := len(rows)
	if limit != nil && *limit >= 0 && start+*limit < end {
		end = start + *limit
	}
	return rows[start:end]
}

func project(r store.Row, columns string) store.Row {
	if columns == "" || columns == "*" {
		return r
	}
	out := make(store.Row)
	for _, col := range strings.Split(columns, ",") {
		col = strings.TrimSpace(col)
		if v, ok := r[col]; ok {
			out[col] = v
		}
	}
	return out
}

func cloneRow(r store.Row) store.Row {
	out := make(store.Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
