package store

import "fmt"

// Well-known machine codes a Store implementation should use so the query
// layer can classify failures without knowing the concrete store. Adapters
// for real stores translate their client's native codes into these.
const (
	CodeNotFound     = "not_found"
	CodeDuplicateKey = "duplicate_key"
	CodeMultipleRows = "multiple_rows"
)

// Error is the raw failure shape produced by a Store implementation.
type Error struct {
	Code    string
	Message string
	Status  int
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("store: %s (%s)", e.Message, e.Code)
	}
	return "store: " + e.Message
}

// NewError creates a store error with a machine code.
func NewError(code, message string, status int) *Error {
	return &Error{Code: code, Message: message, Status: status}
}
