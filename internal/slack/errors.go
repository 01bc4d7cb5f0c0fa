package slack

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	slackgo "github.com/slack-go/slack"

	"slack-thread-exporter/internal/ratelimit"
)

// RemoteCallError is a non-throttling rejection from the Web API. Code is
// the API's error string (e.g. "channel_not_found") or "http_<status>".
type RemoteCallError struct {
	Method string
	Code   string
	Err    error
}

func (e *RemoteCallError) Error() string {
	return fmt.Sprintf("slack %s failed: %s", e.Method, e.Code)
}

func (e *RemoteCallError) Unwrap() error { return e.Err }

// TruncatedError reports a pagination that failed after at least one page
// was delivered. Everything before the failure has already been returned.
type TruncatedError struct {
	Method   string
	Pages    int
	Messages int
	Err      error
}

func (e *TruncatedError) Error() string {
	return fmt.Sprintf("slack %s truncated after %d pages (%d messages): %v", e.Method, e.Pages, e.Messages, e.Err)
}

func (e *TruncatedError) Unwrap() error { return e.Err }

const codeTransport = "transport_error"

// decode maps a slack-go error onto one of: nil, *ratelimit.ThrottledError,
// a context error, or *RemoteCallError.
func decode(method string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var rl *slackgo.RateLimitedError
	if errors.As(err, &rl) {
		return &ratelimit.ThrottledError{RetryAfter: rl.RetryAfter}
	}

	var apiErr slackgo.SlackErrorResponse
	if errors.As(err, &apiErr) {
		if apiErr.Err == "ratelimited" {
			return &ratelimit.ThrottledError{}
		}
		return &RemoteCallError{Method: method, Code: apiErr.Err, Err: err}
	}

	var status slackgo.StatusCodeError
	if errors.As(err, &status) {
		if status.Code == http.StatusTooManyRequests {
			return &ratelimit.ThrottledError{}
		}
		return &RemoteCallError{Method: method, Code: fmt.Sprintf("http_%d", status.Code), Err: err}
	}

	return &RemoteCallError{Method: method, Code: codeTransport, Err: err}
}

func truncated(method string, pages, messages int, err error) error {
	if pages == 0 {
		return err
	}
	return &TruncatedError{Method: method, Pages: pages, Messages: messages, Err: err}
}
