package vk

import (
	"errors"
	"fmt"
	"net/url"
)

// CodeAuthFailed is the API error code for an expired or revoked access token
const CodeAuthFailed = 5

// APIError is the error object embedded in API responses
type APIError struct {
	Code    int    `json:"error_code"`
	Message string `json:"error_msg"`
}

// String formats the error as "[code] message"
func (e *APIError) String() string {
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// AuthError means the account credentials were rejected. Not retryable.
type AuthError struct {
	Login  string
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed for %s: %s", e.Login, e.Reason)
}

// CredentialExpiredError is returned when refreshing the secondary credential
// did not clear the auth error within the configured number of attempts.
type CredentialExpiredError struct {
	Method   string
	Attempts int
}

func (e *CredentialExpiredError) Error() string {
	return fmt.Sprintf("%s: credential still expired after %d refreshes", e.Method, e.Attempts)
}

// ApplicationError is a generic API error that persisted through retries
type ApplicationError struct {
	Method   string
	Attempts int
	Err      *APIError
}

func (e *ApplicationError) Error() string {
	return fmt.Sprintf("%s: %s after %d attempts", e.Method, e.Err.String(), e.Attempts)
}

// NetworkError wraps a transport failure
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// newNetworkError wraps a transport failure. A *url.Error is reduced to its
// operation and cause because the request URL carries credentials.
func newNetworkError(op string, err error) *NetworkError {
	var ue *url.Error
	if errors.As(err, &ue) {
		err = fmt.Errorf("%s: %w", ue.Op, ue.Err)
	}
	return &NetworkError{Op: op, Err: err}
}

// ProtocolError means the remote answered with an unexpected shape
type ProtocolError struct {
	Op     string
	Detail string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: unexpected response: %s: %v", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: unexpected response: %s", e.Op, e.Detail)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// NotEligibleError means the account may not use the expert feed
type NotEligibleError struct {
	Login string
}

func (e *NotEligibleError) Error() string {
	return fmt.Sprintf("%s is not an expert", e.Login)
}

// IsTransient reports whether err is worth retrying at the poll-cycle level
func IsTransient(err error) bool {
	var netErr *NetworkError
	var appErr *ApplicationError
	return errors.As(err, &netErr) || errors.As(err, &appErr)
}

// IsFatal reports whether err must stop the owning account
func IsFatal(err error) bool {
	var authErr *AuthError
	var expired *CredentialExpiredError
	var protoErr *ProtocolError
	var notEligible *NotEligibleError
	return errors.As(err, &authErr) ||
		errors.As(err, &expired) ||
		errors.As(err, &protoErr) ||
		errors.As(err, &notEligible)
}
