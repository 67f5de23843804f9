package providers

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jordanhubbard/taskhub/internal/router"
)

// StatusError captures an HTTP status code from a provider response.
type StatusError struct {
	StatusCode     int
	Body           string
	RetryAfterSecs int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}

// ParseRetryAfter reads a Retry-After header given in seconds. HTTP-date
// values and garbage leave RetryAfterSecs at zero.
func (e *StatusError) ParseRetryAfter(v string) {
	if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
		e.RetryAfterSecs = n
	}
}

// RateLimited reports whether the provider rejected the call for quota.
func (e *StatusError) RateLimited() bool {
	return e.StatusCode == 429 || e.StatusCode == 529
}

// ErrEmptyResponse is returned when a provider answers 200 with no text.
var ErrEmptyResponse = errors.New("provider returned no content")

// SplitSystem separates system-role turns from the conversation. Providers
// that take the system prompt as a dedicated field use the joined text.
func SplitSystem(messages []router.Message) (system string, rest []router.Message) {
	var parts []string
	rest = make([]router.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == "system" {
			parts = append(parts, m.Content)
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(parts, "\n\n"), rest
}

// Usage builds a TokenUsage, deriving the total when the provider omits it.
func Usage(input, output, total int) *router.TokenUsage {
	if total == 0 {
		total = input + output
	}
	return &router.TokenUsage{InputTokens: input, OutputTokens: output, TotalTokens: total}
}
