package gateway

import (
	"errors"
	"fmt"
)

// ErrUnauthorized is returned on a 401/403 response. It is never shown as a
// normal failure; the session collaborator intercepts it to reauthenticate.
var ErrUnauthorized = errors.New("gateway: unauthorized")

// ErrNotFound is returned on a 404 response. Callers treat it as an
// idempotent-success for deletes and as a self-healing trigger for fetches.
var ErrNotFound = errors.New("gateway: not found")

// StatusError is a non-success HTTP status outside the classified cases.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("gateway: unexpected status %d: %s", e.Code, e.Body)
	}
	return fmt.Sprintf("gateway: unexpected status %d", e.Code)
}

// IsNotFound reports whether err is a 404 classification.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAuthFailure reports whether err is a 401/403 classification.
func IsAuthFailure(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}
