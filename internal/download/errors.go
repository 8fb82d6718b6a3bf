package download

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/oshokin/hatchery/internal/domain/bootstrap"
)

// StatusError is a non-success HTTP response.
type StatusError struct {
	// URL is the requested location.
	URL string
	// StatusCode is the HTTP status of the last response.
	StatusCode int
	// Attempts is how many requests were made before giving up.
	Attempts int
}

// Error implements error.
func (e *StatusError) Error() string {
	if e.Transient() {
		return fmt.Sprintf("GET %s: HTTP %d after %d attempts", e.URL, e.StatusCode, e.Attempts)
	}

	return fmt.Sprintf("GET %s: HTTP %d", e.URL, e.StatusCode)
}

// Transient reports whether the status belongs to the retryable set.
func (e *StatusError) Transient() bool {
	return IsTransientStatus(e.StatusCode)
}

// Unwrap classifies the error as a transient or permanent download failure.
func (e *StatusError) Unwrap() error {
	if e.Transient() {
		return bootstrap.ErrTransientDownload
	}

	return bootstrap.ErrPermanentDownload
}

// IsTransientStatus reports whether code is retried.
func IsTransientStatus(code int) bool {
	switch code {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// IsNotFound reports whether err carries an HTTP 404 anywhere in its chain.
func IsNotFound(err error) bool {
	var statusErr *StatusError

	return errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound
}
