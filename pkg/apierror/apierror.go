// Package apierror defines the closed error taxonomy consumed by the
// error-mapping middleware stage. Every variant carries a fault category, an
// HTTP status, a stable machine-readable code and a human message; the
// middleware is the only place that turns a variant into a response, all
// other layers propagate errors opaquely.
package apierror

import (
	"fmt"
	"net/http"

	pkgerrors "github.com/pkg/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Category classifies the fault owner.
type Category string

const (
	// CategoryClient marks faults caused by the caller (4xx).
	CategoryClient Category = "client"
	// CategoryServer marks internal defects (5xx).
	CategoryServer Category = "server"
	// CategoryDependency marks failures of upstream collaborators (5xx).
	CategoryDependency Category = "dependency"
)

// Stable machine-readable codes returned in error bodies.
const (
	CodeBadRequest          = "bad-request"
	CodeUnauthorized        = "unauthorized"
	CodeForbidden           = "forbidden"
	CodeNotFound            = "not-found"
	CodeConflict            = "conflict"
	CodeUnprocessableEntity = "unprocessable-entity"
	CodeInternal            = "internal-error"
	CodeUpstreamUnavailable = "upstream-unavailable"
)

// RedactedMessage replaces internal error messages in responses. The real
// message is logged, never returned to the caller.
const RedactedMessage = "internal server error"

// Error is the root of the taxonomy.
type Error struct {
	Category Category
	Status   int
	Code     string
	Message  string
	Details  any
	cause    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.cause
}

// WithDetails returns a copy of the error carrying structured details, such
// as a validation failure list.
func (e *Error) WithDetails(details any) *Error {
	clone := *e
	clone.Details = details
	return &clone
}

// WithCause returns a copy of the error wrapping cause with a captured
// stack trace.
func (e *Error) WithCause(cause error) *Error {
	clone := *e
	clone.cause = pkgerrors.WithStack(cause)
	return &clone
}

// Body is the JSON error body returned to clients.
type Body struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Body builds the response body for the error.
func (e *Error) Body() Body {
	return Body{Code: e.Code, Message: e.Message, Details: e.Details}
}

// GRPCStatus maps the taxonomy variant to a gRPC status, so the same errors
// serve both transports.
func (e *Error) GRPCStatus() *status.Status {
	return status.New(grpcCode(e.Status), e.Message)
}

func grpcCode(httpStatus int) codes.Code {
	switch httpStatus {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return codes.InvalidArgument
	case http.StatusUnauthorized:
		return codes.Unauthenticated
	case http.StatusForbidden:
		return codes.PermissionDenied
	case http.StatusNotFound:
		return codes.NotFound
	case http.StatusConflict:
		return codes.Aborted
	case http.StatusServiceUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// NewBadRequest builds a 400 client fault.
func NewBadRequest(message string) *Error {
	return &Error{Category: CategoryClient, Status: http.StatusBadRequest, Code: CodeBadRequest, Message: message}
}

// NewUnauthorized builds a 401 client fault.
func NewUnauthorized(message string) *Error {
	return &Error{Category: CategoryClient, Status: http.StatusUnauthorized, Code: CodeUnauthorized, Message: message}
}

// NewForbidden builds a 403 client fault.
func NewForbidden(message string) *Error {
	return &Error{Category: CategoryClient, Status: http.StatusForbidden, Code: CodeForbidden, Message: message}
}

// NewNotFound builds a 404 client fault.
func NewNotFound(message string) *Error {
	return &Error{Category: CategoryClient, Status: http.StatusNotFound, Code: CodeNotFound, Message: message}
}

// NewConflict builds a 409 client fault.
func NewConflict(message string) *Error {
	return &Error{Category: CategoryClient, Status: http.StatusConflict, Code: CodeConflict, Message: message}
}

// NewUnprocessableEntity builds a 422 client fault, typically carrying a
// validation failure list in its details.
func NewUnprocessableEntity(message string) *Error {
	return &Error{Category: CategoryClient, Status: http.StatusUnprocessableEntity, Code: CodeUnprocessableEntity, Message: message}
}

// NewInternal builds a 500 server fault wrapping cause. The response message
// is redacted; the cause is kept for logging only.
func NewInternal(cause error) *Error {
	e := &Error{Category: CategoryServer, Status: http.StatusInternalServerError, Code: CodeInternal, Message: RedactedMessage}
	if cause != nil {
		e.cause = pkgerrors.WithStack(cause)
	}
	return e
}

// NewUpstreamUnavailable builds a 503 dependency fault.
func NewUpstreamUnavailable(message string) *Error {
	return &Error{Category: CategoryDependency, Status: http.StatusServiceUnavailable, Code: CodeUpstreamUnavailable, Message: message}
}

// From normalizes any error to a taxonomy variant. Taxonomy errors pass
// through unchanged, anything else becomes an internal server fault with a
// redacted message.
func From(err error) *Error {
	var apiErr *Error
	if pkgerrors.As(err, &apiErr) {
		return apiErr
	}
	return NewInternal(err)
}
