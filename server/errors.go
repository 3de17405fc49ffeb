package server

import (
	"errors"
	"fmt"
	"net/http"
)

// OAuth 2.0 / OIDC error codes produced by the grant state machine.
// The root package re-exports them for HTTP handlers.
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeUnauthorizedClient      = "unauthorized_client"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeAccessDenied            = "access_denied"
	ErrorCodeServerError             = "server_error"
	ErrorCodeRequestNotSupported     = "request_not_supported"
	ErrorCodeLoginRequired           = "login_required"
	ErrorCodeAuthorizationPending    = "authorization_pending"
	ErrorCodeExpiredToken            = "expired_token"
	ErrorCodeInvalidToken            = "invalid_token"
	ErrorCodeSlowDown                = "slow_down"
)

// Error is a protocol error. Description is safe to show to clients; Cause
// is for logs only.
type Error struct {
	Code        string
	Description string
	Status      int
	Cause       error
}

func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// StatusCode returns the HTTP status for the error, 400 unless set.
func (e *Error) StatusCode() int {
	if e.Status != 0 {
		return e.Status
	}
	switch e.Code {
	case ErrorCodeServerError:
		return http.StatusInternalServerError
	case ErrorCodeInvalidToken:
		return http.StatusUnauthorized
	}
	return http.StatusBadRequest
}

func newError(code, description string, cause error) *Error {
	return &Error{Code: code, Description: description, Cause: cause}
}

func errInvalidRequest(format string, args ...any) *Error {
	return newError(ErrorCodeInvalidRequest, fmt.Sprintf(format, args...), nil)
}

// errInvalidGrant hides the reason from the client; grant failures are
// deliberately undifferentiated.
func errInvalidGrant(cause error) *Error {
	return newError(ErrorCodeInvalidGrant, "", cause)
}

func errInvalidClient(cause error) *Error {
	return newError(ErrorCodeInvalidClient, "client authentication failed", cause)
}

func errServer(cause error) *Error {
	return newError(ErrorCodeServerError, "", cause)
}

// AsError extracts a protocol error, mapping anything else to server_error.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return errServer(err)
}

// AuthorizeError is an authorization endpoint failure. When Redirect is
// set the error goes back to RedirectURI using ResponseMode; otherwise it
// must be rendered to the user agent.
type AuthorizeError struct {
	Err          *Error
	Redirect     bool
	RedirectURI  string
	ResponseMode string
	State        string
}

func (e *AuthorizeError) Error() string {
	return e.Err.Error()
}

func (e *AuthorizeError) Unwrap() error {
	return e.Err
}
