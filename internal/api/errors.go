package api

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrUnauthorized matches any APIError with status 401.
var ErrUnauthorized = errors.New("unauthorized")

// ErrMissingPayload is wrapped by a ParseError when a successful response
// lacks the object the endpoint returns.
var ErrMissingPayload = errors.New("missing payload")

// APIError is a non-2xx response or a response with success=false.
type APIError struct {
	Op      string
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api error [%s]: status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("api error [%s]: status %d: %s", e.Op, e.Status, e.Message)
}

// Is lets errors.Is(err, ErrUnauthorized) match 401 responses.
func (e *APIError) Is(target error) bool {
	return target == ErrUnauthorized && e.Status == http.StatusUnauthorized
}

// ParseError is a response body that is not the expected JSON.
type ParseError struct {
	Op  string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error [%s]: %v", e.Op, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func missing(op, field string) error {
	return &ParseError{Op: op, Err: fmt.Errorf("%w: %s", ErrMissingPayload, field)}
}
