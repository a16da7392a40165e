package esp

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidatePath normalises an API path and ensures it is relative to the
// endpoint. Leading and trailing slashes are dropped; a query string is kept.
func ValidatePath(path string) (string, error) {
	trimmed := strings.Trim(strings.TrimSpace(path), "/")
	if trimmed == "" {
		return "", fmt.Errorf("%w: path cannot be empty: %q", ErrInvalidPath, path)
	}

	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	if parsed.Scheme != "" || parsed.Host != "" {
		return "", fmt.Errorf("%w: path must be relative, got %q", ErrInvalidPath, path)
	}

	return trimmed, nil
}

// ValidateURL checks that raw is an absolute URL with a scheme and host.
func ValidateURL(raw string) (string, error) {
	parsed, err := url.Parse(strings.Trim(strings.TrimSpace(raw), "/"))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	return parsed.String(), nil
}

// redactURL hides the api_key query parameter so URLs can be logged.
func redactURL(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	query := parsed.Query()
	if query.Has(apiKeyParam) {
		query.Set(apiKeyParam, "***")
		parsed.RawQuery = query.Encode()
	}
	return parsed.String()
}
