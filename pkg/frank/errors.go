package frank

import (
	"errors"
	"fmt"
)

// authNotAuthorisedMessage is the sentinel the API puts in a GraphQL error
// when the bearer token is no longer valid. It is matched exactly once, in
// the response classification inside execute; everything downstream checks
// errors.Is(err, ErrAuthExpired) instead of comparing strings.
const authNotAuthorisedMessage = "user-error:auth-not-authorised"

// ErrAuthExpired marks a response whose bearer token is no longer valid. It
// is recoverable by logging in again, unlike AuthError.
var ErrAuthExpired = errors.New("authentication expired")

// TransportError is a network or HTTP level failure: the request never
// produced a decodable GraphQL response. Status is zero when the failure
// happened before any response arrived.
type TransportError struct {
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("transport error: status %d", e.Status)
	}
	return fmt.Sprintf("transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// APIError is a single error entry in a GraphQL response.
type APIError struct {
	Message string   `json:"message"`
	Path    []string `json:"path,omitempty"`
}

// ApplicationError carries the non-auth GraphQL errors of a response. The
// HTTP exchange itself succeeded; the service rejected the operation.
type ApplicationError struct {
	Errors []APIError
}

func (e *ApplicationError) Error() string {
	if len(e.Errors) == 0 {
		return "graphql error"
	}
	return fmt.Sprintf("graphql error: %s", e.Errors[0].Message)
}

// AuthError is a fatal authentication failure: a login that returned no
// credentials, a re-login that failed, or an auth expiry that a re-login did
// not recover. A cycle that hits one aborts without touching any views.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed: %v", e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}
