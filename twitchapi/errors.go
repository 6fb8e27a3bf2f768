package twitchapi

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError represents a non-2xx response from Twitch (Helix or id.twitch.tv).
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("twitch api: status %d: %s", e.StatusCode, e.Body)
}

// IsUnauthorized reports whether err is a 401 response. The reconciler uses this
// to decide whether a single token refresh is worth attempting.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized
}
