// Package store defines the narrow capability interface between the query
// layer and a backing row store. Any store whose client can accept a Query
// descriptor and produce rows, an error, and an optional total count is
// compatible; the query layer never depends on a concrete client shape.
package store

import "context"

// Row is a single record keyed by column name.
type Row map[string]interface{}

// Operation represents the kind of query being executed.
type Operation string

const (
	OpSelect Operation = "select"
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
	OpUpsert Operation = "upsert"
)

// FilterOperator represents the supported filter operators.
type FilterOperator string

const (
	OpEqual        FilterOperator = "eq"
	OpNotEqual     FilterOperator = "neq"
	OpGreaterThan  FilterOperator = "gt"
	OpGreaterEqual FilterOperator = "gte"
	OpLessThan     FilterOperator = "lt"
	OpLessEqual    FilterOperator = "lte"
	OpIn           FilterOperator = "in"
	OpLike         FilterOperator = "like"
	OpILike        FilterOperator = "ilike"
	OpContains     FilterOperator = "contains"
	OpOverlaps     FilterOperator = "overlaps"
	// OpOr matches when any filter in Or matches. Column and Value are
	// ignored for this operator.
	OpOr FilterOperator = "or"
)

// Filter represents a single filter condition. Filters in a Query are
// combined with logical AND; a disjunction is expressed with OpOr and a
// nested filter list.
type Filter struct {
	Column   string         `json:"column,omitempty"`
	Operator FilterOperator `json:"operator"`
	Value    interface{}    `json:"value,omitempty"`
	Or       []Filter       `json:"or,omitempty"`
}

// Order represents a sort key.
type Order struct {
	Column     string `json:"column"`
	Descending bool   `json:"descending,omitempty"`
}

// CountMode controls whether and how a total count is computed for a select.
type CountMode string

const (
	// CountNone requests no count.
	CountNone CountMode = ""
	// CountExact requests rows plus an exact total count.
	CountExact CountMode = "exact"
	// CountHead requests only the count; rows are suppressed.
	CountHead CountMode = "head"
)

// TextSearch requests a full-text match of Query against Column.
type TextSearch struct {
	Column string `json:"column"`
	Query  string `json:"query"`
}

// Query is the structured descriptor for one logical operation over a
// collection. It is built by the query layer and consumed whole by a Store.
type Query struct {
	Collection string      `json:"collection"`
	Op         Operation   `json:"op"`
	Columns    string      `json:"columns,omitempty"` // select list, "" means "*"
	Rows       []Row       `json:"rows,omitempty"`    // insert/upsert payload
	Set        Row         `json:"set,omitempty"`     // update payload
	Filters    []Filter    `json:"filters,omitempty"`
	Orders     []Order     `json:"orders,omitempty"`
	Limit      *int        `json:"limit,omitempty"`
	Offset     *int        `json:"offset,omitempty"`
	Single     bool        `json:"single,omitempty"`
	Count      CountMode   `json:"count,omitempty"`
	OnConflict []string    `json:"on_conflict,omitempty"` // upsert conflict columns
	Search     *TextSearch `json:"search,omitempty"`
}

// Result is the raw outcome of executing a Query.
type Result struct {
	Rows  []Row
	Count *int64
}

// Store is the row-store capability consumed by the query layer.
type Store interface {
	Execute(ctx context.Context, q Query) (*Result, error)
}
