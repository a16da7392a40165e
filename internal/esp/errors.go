package esp

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrAPI is the root of every error reported by the ESP client.
	ErrAPI = errors.New("piano api error")
	// ErrClient is returned for client-side failures talking to the API.
	ErrClient = fmt.Errorf("%w: client", ErrAPI)
	// ErrRequest is returned when a request cannot be sent.
	ErrRequest = fmt.Errorf("%w: request failed", ErrClient)
	// ErrResponse is returned for non-2xx statuses and undecodable bodies.
	ErrResponse = fmt.Errorf("%w: bad response", ErrClient)
	// ErrAuthentication is returned when the API rejects the key.
	ErrAuthentication = fmt.Errorf("%w: authentication failed", ErrClient)

	// ErrEmptyAPIKey is returned when the client is built without an API key.
	ErrEmptyAPIKey = fmt.Errorf("%w: API key cannot be empty", ErrClient)
	// ErrInvalidSiteID is returned when the site id is not positive.
	ErrInvalidSiteID = fmt.Errorf("%w: site id must be a positive integer", ErrClient)
)

var (
	ErrInvalidPath       = errors.New("invalid path")
	ErrInvalidURL        = errors.New("invalid URL")
	ErrInvalidMethod     = errors.New("invalid method")
	ErrInvalidCampaignID = errors.New("invalid campaign id")
	ErrInvalidDate       = errors.New("invalid date")
)

// ResponseError describes a non-2xx answer from the API.
type ResponseError struct {
	StatusCode int
	URL        string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("%s => %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

func (e *ResponseError) Unwrap() error {
	if e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden {
		return ErrAuthentication
	}
	return ErrResponse
}

func (e *ResponseError) retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}
