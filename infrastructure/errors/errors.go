// Package errors provides the coordinator's structured error type.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies a QueryError the way a client or operator needs to
// react to it: retry, fix the query, wait for resources, or treat the
// downstream system as unavailable.
type ErrorKind string

const (
	KindUser                   ErrorKind = "user-error"
	KindInternal               ErrorKind = "internal-error"
	KindInsufficientResources  ErrorKind = "insufficient-resources"
	KindExternal               ErrorKind = "external"
)

// ErrorCode is the symbolic name carried on the wire alongside the numeric
// code, so a client can match on a stable string rather than an integer.
type ErrorCode string

const (
	// User errors (1xxx) — the query or request itself is at fault.
	ErrCodeSyntaxError      ErrorCode = "SYNTAX_ERROR"
	ErrCodeInvalidInput     ErrorCode = "INVALID_INPUT"
	ErrCodeMissingParameter ErrorCode = "MISSING_PARAMETER"
	ErrCodeNotFound         ErrorCode = "NOT_FOUND"
	ErrCodeAlreadyExists    ErrorCode = "ALREADY_EXISTS"
	ErrCodeConflict         ErrorCode = "CONFLICT"
	ErrCodeUserCanceled     ErrorCode = "USER_CANCELED"
	ErrCodeAbandoned        ErrorCode = "ABANDONED_BY_CLIENT"

	// Insufficient-resources errors (2xxx) — the cluster cannot admit or
	// continue running the query right now.
	ErrCodeQueueFull           ErrorCode = "QUERY_QUEUE_FULL"
	ErrCodeExceededMemoryLimit ErrorCode = "EXCEEDED_MEMORY_LIMIT"
	ErrCodeRateLimitExceeded   ErrorCode = "RATE_LIMIT_EXCEEDED"

	// Internal errors (3xxx) — the coordinator itself failed.
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodeServerShuttingDown ErrorCode = "SERVER_SHUTTING_DOWN"

	// External errors (4xxx) — a downstream worker or dependency failed.
	ErrCodeExternal ErrorCode = "EXTERNAL_ERROR"
	ErrCodeTimeout  ErrorCode = "TIMEOUT"
)

var numericCode = map[ErrorCode]int{
	ErrCodeSyntaxError:      1001,
	ErrCodeInvalidInput:     1002,
	ErrCodeMissingParameter: 1003,
	ErrCodeNotFound:         1004,
	ErrCodeAlreadyExists:    1005,
	ErrCodeConflict:         1006,
	ErrCodeUserCanceled:     1007,
	ErrCodeAbandoned:        1008,

	ErrCodeQueueFull:           2001,
	ErrCodeExceededMemoryLimit: 2002,
	ErrCodeRateLimitExceeded:   2003,

	ErrCodeInternal:           3001,
	ErrCodeServerShuttingDown: 3002,

	ErrCodeExternal: 4001,
	ErrCodeTimeout:  4002,
}

// QueryError is the coordinator's concrete error type. It carries the fields
// an ErrorDescriptor needs on the wire (kind, numeric code, symbolic name,
// message, optional failure location) and implements the standard error
// interface with Unwrap so errors.As/errors.Is work the same way they do
// across the rest of the codebase.
type QueryError struct {
	Kind       ErrorKind
	Code       int
	Name       ErrorCode
	Message    string
	Location   string // optional: e.g. a source position within the submitted statement
	HTTPStatus int
	Details    map[string]interface{}
	Err        error
}

// Error implements the error interface.
func (e *QueryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Name, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Name, e.Message)
}

// Unwrap returns the underlying error.
func (e *QueryError) Unwrap() error {
	return e.Err
}

// WithDetails adds additional details to the error.
func (e *QueryError) WithDetails(key string, value interface{}) *QueryError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithLocation attaches a failure location (e.g. a position within the
// submitted statement) to the error.
func (e *QueryError) WithLocation(location string) *QueryError {
	e.Location = location
	return e
}

// New creates a new QueryError for the given symbolic name.
func New(kind ErrorKind, name ErrorCode, message string, httpStatus int) *QueryError {
	return &QueryError{
		Kind:       kind,
		Code:       numericCode[name],
		Name:       name,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// Wrap wraps an existing error with a QueryError.
func Wrap(kind ErrorKind, name ErrorCode, message string, httpStatus int, err error) *QueryError {
	return &QueryError{
		Kind:       kind,
		Code:       numericCode[name],
		Name:       name,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

// User errors

func SyntaxError(reason string) *QueryError {
	return New(KindUser, ErrCodeSyntaxError, "failed to parse statement", http.StatusBadRequest).
		WithDetails("reason", reason)
}

func InvalidInput(field, reason string) *QueryError {
	return New(KindUser, ErrCodeInvalidInput, "invalid input", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("reason", reason)
}

func MissingParameter(param string) *QueryError {
	return New(KindUser, ErrCodeMissingParameter, "missing required parameter", http.StatusBadRequest).
		WithDetails("parameter", param)
}

func NotFound(resource, id string) *QueryError {
	return New(KindUser, ErrCodeNotFound, "resource not found", http.StatusNotFound).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

func AlreadyExists(resource, id string) *QueryError {
	return New(KindUser, ErrCodeAlreadyExists, "resource already exists", http.StatusConflict).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

func Conflict(message string) *QueryError {
	return New(KindUser, ErrCodeConflict, message, http.StatusConflict)
}

func UserCanceled(queryID string) *QueryError {
	return New(KindUser, ErrCodeUserCanceled, "query canceled by client", http.StatusOK).
		WithDetails("query_id", queryID)
}

func AbandonedByClient(queryID string) *QueryError {
	return New(KindUser, ErrCodeAbandoned, "client stopped polling for results", http.StatusRequestTimeout).
		WithDetails("query_id", queryID)
}

// Insufficient-resources errors

func QueueFull(queue string) *QueryError {
	return New(KindInsufficientResources, ErrCodeQueueFull, "admission queue is full", http.StatusServiceUnavailable).
		WithDetails("queue", queue)
}

func ExceededMemoryLimit(queryID string, limitBytes int64) *QueryError {
	return New(KindInsufficientResources, ErrCodeExceededMemoryLimit, "query exceeded its memory limit", http.StatusInsufficientStorage).
		WithDetails("query_id", queryID).
		WithDetails("limit_bytes", limitBytes)
}

func RateLimitExceeded(limit int, window string) *QueryError {
	return New(KindInsufficientResources, ErrCodeRateLimitExceeded, "rate limit exceeded", http.StatusTooManyRequests).
		WithDetails("limit", limit).
		WithDetails("window", window)
}

// Internal errors

func Internal(message string, err error) *QueryError {
	return Wrap(KindInternal, ErrCodeInternal, message, http.StatusInternalServerError, err)
}

func ServerShuttingDown() *QueryError {
	return New(KindInternal, ErrCodeServerShuttingDown, "server is shutting down", http.StatusServiceUnavailable)
}

// External errors

func ExternalError(worker string, err error) *QueryError {
	return Wrap(KindExternal, ErrCodeExternal, "worker call failed", http.StatusBadGateway, err).
		WithDetails("worker", worker)
}

func Timeout(operation string) *QueryError {
	return New(KindExternal, ErrCodeTimeout, "operation timed out", http.StatusGatewayTimeout).
		WithDetails("operation", operation)
}

// Helper functions

// IsQueryError checks if an error is a QueryError.
func IsQueryError(err error) bool {
	var queryErr *QueryError
	return errors.As(err, &queryErr)
}

// GetQueryError extracts a QueryError from an error chain.
func GetQueryError(err error) *QueryError {
	var queryErr *QueryError
	if errors.As(err, &queryErr) {
		return queryErr
	}
	return nil
}

// GetHTTPStatus returns the HTTP status code for an error.
func GetHTTPStatus(err error) int {
	if queryErr := GetQueryError(err); queryErr != nil {
		return queryErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
