package backend

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrForbidden       = errors.New("forbidden")
	ErrMaintenance     = errors.New("under maintenance")
	ErrInvalidPlatform = errors.New("invalid platform")
	ErrThrottled       = errors.New("too many requests")
)

// API result codes carried in the response envelope
const (
	codeOK              = 200
	codeBusiness        = 1001
	codeInvalidPlatform = 1002
	codeForbidden       = 1003
	codeMaintenance     = 5000
)

// APIError is a well-formed rejection from the backend
type APIError struct {
	Op      string
	Status  int
	Code    int64
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s (status %d, code %d)", e.Op, e.Message, e.Status, e.Code)
	}
	return fmt.Sprintf("%s: status %d, code %d", e.Op, e.Status, e.Code)
}

func (e *APIError) Unwrap() error {
	switch {
	case e.Status == 401:
		return ErrUnauthorized
	case e.Status == 429:
		return ErrThrottled
	case e.Code == codeForbidden:
		return ErrForbidden
	case e.Code == codeInvalidPlatform:
		return ErrInvalidPlatform
	case e.Code == codeMaintenance:
		return ErrMaintenance
	}
	return nil
}

// ValidationError means the backend answered but the payload did not match
// the expected schema
type ValidationError struct {
	Op  string
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: invalid response: %v", e.Op, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// TransportError means the request never produced an HTTP response
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// UserMessage returns text safe to show to the end user
func UserMessage(err error) string {
	var apiErr *APIError
	var valErr *ValidationError
	var trErr *TransportError

	switch {
	case errors.Is(err, ErrUnauthorized):
		return "Your session has expired. Send /start to sign in again."
	case errors.Is(err, ErrMaintenance):
		return "BidWin is under maintenance. Please try again later."
	case errors.Is(err, ErrForbidden), errors.Is(err, ErrInvalidPlatform):
		return "This action is not available for your account."
	case errors.Is(err, ErrThrottled):
		return "Too many requests. Please wait a moment and retry."
	case errors.As(err, &apiErr) && apiErr.Message != "":
		return apiErr.Message
	case errors.As(err, &valErr):
		return "Unexpected response from the server. Please retry."
	case errors.As(err, &trErr):
		return "Could not reach the server. Please retry."
	}
	return "An unexpected error occurred"
}
