package query

import "github.com/rowquery/rowquery/store"

// Permissions describes the caller on whose behalf a query runs. It is a
// pure value supplied per call; the layer never stores it.
type Permissions struct {
	UserID      string
	Roles       []string
	CanModerate bool
	CanAdmin    bool
}

// Visibility filter column names. Rows are expected to carry a public flag,
// an owner reference, and a moderation status.
const (
	colIsPublic  = "is_public"
	colCreatedBy = "created_by"
	colStatus    = "status"

	statusRejected = "rejected"
)

// VisibilityFilters derives the additional row-level predicate for the given
// caller. The returned filters are combined with caller-supplied filters
// using logical AND, so they restrict but never widen a result set.
//
// Precedence:
//  1. Admins see everything.
//  2. Moderators see everything, including private and rejected rows.
//  3. Authenticated callers see public rows and their own rows.
//  4. Anonymous callers see public rows whose moderation status is not
//     rejected.
func VisibilityFilters(p Permissions) []store.Filter {
	if p.CanAdmin || p.CanModerate {
		return nil
	}

	if p.UserID != "" {
		return []store.Filter{{
			Operator: store.OpOr,
			Or: []store.Filter{
				{Column: colIsPublic, Operator: store.OpEqual, Value: true},
				{Column: colCreatedBy, Operator: store.OpEqual, Value: p.UserID},
			},
		}}
	}

	return []store.Filter{
		{Column: colIsPublic, Operator: store.OpEqual, Value: true},
		{Column: colStatus, Operator: store.OpNotEqual, Value: statusRejected},
	}
}
