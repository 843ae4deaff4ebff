package query

// PaginationOptions selects a page of results. Zero values mean "use
// default" (page 1, limit 20).
type PaginationOptions struct {
	Page  int
	Limit int
}

// Pagination is the metadata block attached to a paginated result.
type Pagination struct {
	Page       int   `json:"page"`
	Limit      int   `json:"limit"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
	HasPrev    bool  `json:"has_prev"`
}

const (
	defaultPage  = 1
	defaultLimit = 20
)

// NormalizePaginationOptions applies defaults and clamps page and limit to
// their minimum of 1. Out-of-range values are normalized rather than
// rejected so callers get a best-effort first page instead of an error.
func NormalizePaginationOptions(opts PaginationOptions) PaginationOptions {
	if opts.Page < 1 {
		opts.Page = defaultPage
	}
	if opts.Limit < 1 {
		opts.Limit = defaultLimit
	}
	return opts
}

// CalculateRange converts a 1-indexed page and limit into an inclusive
// zero-based row range.
func CalculateRange(page, limit int) (from, to int) {
	from = (page - 1) * limit
	to = from + limit - 1
	return from, to
}

// FormatPagination computes pagination metadata from a total count and the
// requested window. A non-positive limit is clamped to 1, matching
// NormalizePaginationOptions.
func FormatPagination(total int64, page, limit int) Pagination {
	if limit < 1 {
		limit = 1
	}
	totalPages := int((total + int64(limit) - 1) / int64(limit))
	return Pagination{
		Page:       page,
		Limit:      limit,
		Total:      total,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
		HasPrev:    page > 1,
	}
}
