package transport

import (
	"errors"
	"fmt"
	"time"
)

var ErrNoBaseURL = errors.New("transport base url is empty")

// NetworkError wraps a failure to reach the remote endpoint.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network failure: %v", e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// HTTPError is a non-2xx response other than a rate limit.
type HTTPError struct {
	StatusCode int
	Body       []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http status %d", e.StatusCode)
}

// RateLimitedError is a 429 or 503 response. RetryAfter is valid only
// when HasRetryAfter is set.
type RateLimitedError struct {
	StatusCode    int
	RetryAfter    time.Duration
	HasRetryAfter bool
	Body          []byte
}

func (e *RateLimitedError) Error() string {
	if e.HasRetryAfter {
		return fmt.Sprintf("rate limited (status %d, retry after %s)", e.StatusCode, e.RetryAfter)
	}
	return fmt.Sprintf("rate limited (status %d)", e.StatusCode)
}

// EncodingError reports a request that could not be serialized.
type EncodingError struct {
	Err error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("encode request: %v", e.Err)
}

func (e *EncodingError) Unwrap() error { return e.Err }

// InvalidRequestError reports a request the transport refuses to send.
type InvalidRequestError struct {
	Reason string
}

func (e *InvalidRequestError) Error() string {
	return "invalid request: " + e.Reason
}

// InvalidResponseError reports a 2xx response whose body is unusable.
type InvalidResponseError struct {
	Err error
}

func (e *InvalidResponseError) Error() string {
	return fmt.Sprintf("invalid response: %v", e.Err)
}

func (e *InvalidResponseError) Unwrap() error { return e.Err }
