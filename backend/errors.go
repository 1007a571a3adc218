// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrUnauthorized marks authorization failures (401/403). They are not
// retryable; the surrounding app should prompt re-authentication.
var ErrUnauthorized = errors.New("backend: unauthorized")

// RemoteError is a non-2xx response from the backend.
type RemoteError struct {
	StatusCode int
	Body       string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("backend returned status %d: %s", e.StatusCode, e.Body)
}

// Rejected reports a 4xx-class failure (other than authorization): the server
// understood the request and refused it, so retrying the same payload will
// not help.
func (e *RemoteError) Rejected() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 &&
		e.StatusCode != http.StatusUnauthorized && e.StatusCode != http.StatusForbidden
}

// IsRejected reports whether err is a 4xx-class remote rejection. Rejected
// mutations are kept locally with their last_error but not retried
// indefinitely.
func IsRejected(err error) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Rejected()
}

// IsUnauthorized reports whether err is an authorization failure.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}
