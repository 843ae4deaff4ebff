package query

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rowquery/rowquery/store"
)

// Kind classifies a query-layer error.
type Kind string

const (
	KindDatabase     Kind = "database"
	KindNetwork      Kind = "network"
	KindNotFound     Kind = "not_found"
	KindValidation   Kind = "validation"
	KindUnauthorized Kind = "unauthorized"
	KindTimeout      Kind = "timeout"
)

// Error is the normalized failure type returned by the query layer. No raw
// store-specific error crosses the package boundary; everything is mapped
// into this taxonomy before a caller sees it.
type Error struct {
	Kind    Kind
	Message string
	Status  int               // HTTP-like status code, 0 for network failures
	Code    string            // machine code from the store, if any
	Fields  map[string]string // per-field messages for validation errors
	cause   error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.cause }

// IsRetryable reports whether retrying the operation could succeed. Network
// and timeout failures are retryable, as is any server-side (>= 500) error.
// Retry policy itself is the caller's concern.
func (e *Error) IsRetryable() bool {
	if e.Kind == KindNetwork || e.Kind == KindTimeout {
		return true
	}
	return e.Status >= 500
}

// UserMessage returns a stable human-readable message for the error. Known
// machine codes and status ranges map to fixed strings; unknown errors fall
// back to the raw message.
func (e *Error) UserMessage() string {
	switch e.Code {
	case store.CodeNotFound:
		return "The requested record was not found."
	case store.CodeDuplicateKey:
		return "A record with this value already exists."
	case store.CodeMultipleRows:
		return "More than one record matched the request."
	}
	switch {
	case e.Kind == KindNetwork:
		return "A network error occurred. Check your connection and try again."
	case e.Kind == KindTimeout:
		return "The request timed out. Please try again."
	case e.Status == 400:
		return "The request was invalid."
	case e.Status == 401:
		return "You are not authorized to perform this action."
	case e.Status == 404:
		return "The requested record was not found."
	case e.Status >= 500:
		return "An internal error occurred. Please try again later."
	}
	return e.Message
}

// NewDatabaseError creates a generic database error wrapping cause.
func NewDatabaseError(message string, cause error) *Error {
	return &Error{Kind: KindDatabase, Message: message, Status: 500, cause: cause}
}

// NewNetworkError creates a network error. Network failures carry status 0
// since no response was received.
func NewNetworkError(message string) *Error {
	return &Error{Kind: KindNetwork, Message: message, Status: 0}
}

// NewNotFoundError creates a not-found error for the named resource.
func NewNotFoundError(resource string) *Error {
	return &Error{
		Kind:    KindNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Status:  404,
		Code:    store.CodeNotFound,
	}
}

// NewValidationError creates a validation error with optional per-field
// messages.
func NewValidationError(message string, fields map[string]string) *Error {
	return &Error{Kind: KindValidation, Message: message, Status: 400, Fields: fields}
}

// NewUnauthorizedError creates an unauthorized error.
func NewUnauthorizedError(message string) *Error {
	return &Error{Kind: KindUnauthorized, Message: message, Status: 401}
}

// NewTimeoutError creates a timeout error.
func NewTimeoutError(message string) *Error {
	return &Error{Kind: KindTimeout, Message: message, Status: 408}
}

// UninitializedQueryError reports a fluent method called before an operation
// initializer. This is a programming error, so the builder panics with it
// rather than returning it.
type UninitializedQueryError struct {
	Method string
}

func (e *UninitializedQueryError) Error() string {
	return fmt.Sprintf("query: %s called before an operation was initialized", e.Method)
}

// MapStoreError translates a store failure into the taxonomy. The store's
// machine code takes precedence; otherwise the message is checked
// case-insensitively for transport-related terms, and anything else becomes
// a generic 500 database error.
func MapStoreError(err error) *Error {
	if err == nil {
		return nil
	}

	// Already normalized.
	var qe *Error
	if errors.As(err, &qe) {
		return qe
	}

	var se *store.Error
	if errors.As(err, &se) {
		switch se.Code {
		case store.CodeNotFound:
			return &Error{Kind: KindNotFound, Message: se.Message, Status: 404, Code: se.Code, cause: err}
		case store.CodeDuplicateKey:
			return &Error{Kind: KindValidation, Message: se.Message, Status: 400, Code: se.Code, cause: err}
		case store.CodeMultipleRows:
			return &Error{Kind: KindDatabase, Message: se.Message, Status: 500, Code: se.Code, cause: err}
		}
		if classified := classifyMessage(se.Message, err); classified != nil {
			classified.Code = se.Code
			return classified
		}
		status := se.Status
		if status == 0 {
			status = 500
		}
		return &Error{Kind: KindDatabase, Message: se.Message, Status: status, Code: se.Code, cause: err}
	}

	if classified := classifyMessage(err.Error(), err); classified != nil {
		return classified
	}
	return NewDatabaseError(err.Error(), err)
}

func classifyMessage(message string, cause error) *Error {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "network") || strings.Contains(lower, "connection"):
		return &Error{Kind: KindNetwork, Message: message, Status: 0, cause: cause}
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "timed out"):
		return &Error{Kind: KindTimeout, Message: message, Status: 408, cause: cause}
	}
	return nil
}
