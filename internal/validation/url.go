package validation

import (
	"fmt"
	"net/url"
	"strings"
)

// URLValidationError represents a URL validation failure
type URLValidationError struct {
	Field   string
	Message string
	URL     string
}

func (e URLValidationError) Error() string {
	return fmt.Sprintf("%s: %s (url: %s)", e.Field, e.Message, e.URL)
}

// ValidateURL checks that urlString is an absolute http(s) URL. Empty values
// pass; callers decide whether the field is required.
func ValidateURL(urlString, fieldName string, requireHTTPS bool) error {
	if urlString == "" {
		return nil
	}
	_, err := parseHTTPURL(urlString, fieldName, requireHTTPS)
	return err
}

// ValidateBaseURL validates an origin such as the API or front end base URL.
// Paths other than "/", query strings and fragments are rejected so links
// can be built by appending paths.
func ValidateBaseURL(urlString, fieldName string, requireHTTPS bool) error {
	if urlString == "" {
		return nil
	}
	parsed, err := parseHTTPURL(urlString, fieldName, requireHTTPS)
	if err != nil {
		return err
	}

	switch {
	case parsed.Path != "" && parsed.Path != "/":
		return URLValidationError{Field: fieldName, Message: "base URL must not contain a path", URL: urlString}
	case parsed.RawQuery != "":
		return URLValidationError{Field: fieldName, Message: "base URL must not contain query parameters", URL: urlString}
	case parsed.Fragment != "":
		return URLValidationError{Field: fieldName, Message: "base URL must not contain a fragment", URL: urlString}
	}
	return nil
}

// RemoteURL parses a user supplied URL the server is about to fetch. It must
// be absolute http(s) with a host and no embedded credentials.
func RemoteURL(urlString, fieldName string) (*url.URL, error) {
	if strings.TrimSpace(urlString) == "" {
		return nil, URLValidationError{Field: fieldName, Message: "URL is required", URL: urlString}
	}
	parsed, err := parseHTTPURL(urlString, fieldName, false)
	if err != nil {
		return nil, err
	}
	if parsed.User != nil {
		return nil, URLValidationError{Field: fieldName, Message: "URL must not contain credentials", URL: urlString}
	}
	return parsed, nil
}

func parseHTTPURL(urlString, fieldName string, requireHTTPS bool) (*url.URL, error) {
	parsed, err := url.Parse(urlString)
	if err != nil {
		return nil, URLValidationError{Field: fieldName, Message: "invalid URL format", URL: urlString}
	}
	if parsed.Scheme == "" {
		return nil, URLValidationError{Field: fieldName, Message: "URL must include a scheme (http:// or https://)", URL: urlString}
	}
	if parsed.Host == "" || parsed.Hostname() == "" {
		return nil, URLValidationError{Field: fieldName, Message: "URL must include a host", URL: urlString}
	}

	scheme := strings.ToLower(parsed.Scheme)
	if requireHTTPS && scheme != "https" {
		return nil, URLValidationError{Field: fieldName, Message: "URL must use HTTPS in production", URL: urlString}
	}
	if scheme != "http" && scheme != "https" {
		return nil, URLValidationError{Field: fieldName, Message: "URL scheme must be http or https", URL: urlString}
	}
	return parsed, nil
}
