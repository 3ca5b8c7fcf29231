package remote

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNetworkUnavailable indicates the request never reached the service
	// or no response arrived before the deadline.
	ErrNetworkUnavailable = errors.New("network unavailable")

	// ErrRemoteRejected indicates the service answered with a non-2xx status.
	ErrRemoteRejected = errors.New("remote rejected request")

	// ErrUnauthorized indicates the service refused the bearer token.
	ErrUnauthorized = errors.New("unauthorized")
)

// Error is returned for every non-2xx response. It unwraps to ErrUnauthorized
// for 401 and 403 and to ErrRemoteRejected otherwise.
type Error struct {
	Path       string
	Body       string
	StatusCode int
}

func (e *Error) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Path, e.StatusCode)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Path, e.StatusCode, e.Body)
}

// Unwrap maps the status code onto the sentinel taxonomy.
func (e *Error) Unwrap() error {
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	default:
		return ErrRemoteRejected
	}
}
