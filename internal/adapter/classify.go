package adapter

import "strings"

// Error kinds attached to synthetic error results so consumers can
// distinguish recoverable conditions from hard failures.
const (
	ErrorKindProviderAuth    = "provider_auth"
	ErrorKindRateLimit       = "rate_limit"
	ErrorKindContextOverflow = "context_overflow"
	ErrorKindAPIError        = "api_error"
)

// ClassifyError buckets a backend failure message into an error kind.
// Returns "" when both inputs are empty.
func ClassifyError(msg, code string) string {
	lower := strings.ToLower(msg + " " + code)
	switch {
	case strings.Contains(lower, "unauthorized"), strings.Contains(lower, "authentication"),
		strings.Contains(lower, "login"), strings.Contains(lower, "api key"),
		strings.Contains(lower, "401"), strings.Contains(lower, "403"):
		return ErrorKindProviderAuth
	case strings.Contains(lower, "rate limit"), strings.Contains(lower, "quota"),
		strings.Contains(lower, "resource_exhausted"), strings.Contains(lower, "429"):
		return ErrorKindRateLimit
	case strings.Contains(lower, "context window"), strings.Contains(lower, "context length"),
		strings.Contains(lower, "too many tokens"), strings.Contains(lower, "token limit"):
		return ErrorKindContextOverflow
	case strings.TrimSpace(msg) != "" || strings.TrimSpace(code) != "":
		return ErrorKindAPIError
	}
	return ""
}
