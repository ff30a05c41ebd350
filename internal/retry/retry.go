// Package retry decides what happens to a request after a failed send.
package retry

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/nuetzliches/courier/internal/transport"
)

type Action string

const (
	// ActionDrop removes the request permanently.
	ActionDrop Action = "drop"
	// ActionRetryNow returns the request to the front of its lane, eligible
	// on the next cycle.
	ActionRetryNow Action = "retry_now"
	// ActionRetryAfter returns the request with a backoff deadline.
	ActionRetryAfter Action = "retry_after"
	// ActionRequeue returns the request unchanged. Used for cancellation.
	ActionRequeue Action = "requeue"
)

const (
	ReasonCanceled        = "canceled"
	ReasonMaxRetries      = "max_retries"
	ReasonNetwork         = "network_error"
	ReasonServerError     = "server_error"
	ReasonRateLimited     = "rate_limited"
	ReasonClientError     = "client_error"
	ReasonEncoding        = "encoding_error"
	ReasonInvalidRequest  = "invalid_request"
	ReasonInvalidResponse = "invalid_response"
	ReasonUnknown         = "unknown_error"
)

// Identity fields the server may reject. A rejected field is cleared from
// local state so the bad value is not resubmitted.
const (
	FieldEmail       = "email"
	FieldPhoneNumber = "phone_number"
)

type Decision struct {
	Action     Action
	Delay      time.Duration
	Reason     string
	ClearField string
}

// Retry reports whether the request goes back into its lane.
func (d Decision) Retry() bool {
	return d.Action == ActionRetryNow || d.Action == ActionRetryAfter || d.Action == ActionRequeue
}

const (
	DefaultMaxRetries = 50
	DefaultBase       = time.Second
	DefaultCap        = 3 * time.Minute
	DefaultMaxJitter  = 10 * time.Second
)

type Policy struct {
	// MaxRetries bounds retryCount. A failure of a request that has already
	// been retried MaxRetries times drops it.
	MaxRetries int
	Base       time.Duration
	Cap        time.Duration
	MaxJitter  time.Duration
	// Rand returns a value in [0, 1). Nil uses math/rand/v2.
	Rand func() float64
}

func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: DefaultMaxRetries,
		Base:       DefaultBase,
		Cap:        DefaultCap,
		MaxJitter:  DefaultMaxJitter,
	}
}

// Classify maps a send failure of a request with the given retryCount to a
// decision. Cancellation never counts toward MaxRetries. A transport's own
// timeout arrives as a NetworkError and counts like any network failure.
func (p Policy) Classify(err error, retryCount int) Decision {
	if isCancellation(err) {
		return Decision{Action: ActionRequeue, Reason: ReasonCanceled}
	}

	d := p.classify(err, retryCount)
	if d.Retry() && p.MaxRetries > 0 && retryCount >= p.MaxRetries {
		return Decision{Action: ActionDrop, Reason: ReasonMaxRetries}
	}
	return d
}

func isCancellation(err error) bool {
	var ne *transport.NetworkError
	if errors.As(err, &ne) {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (p Policy) classify(err error, retryCount int) Decision {
	var (
		rl   *transport.RateLimitedError
		he   *transport.HTTPError
		ne   *transport.NetworkError
		ee   *transport.EncodingError
		ire  *transport.InvalidRequestError
		ires *transport.InvalidResponseError
	)
	switch {
	case errors.As(err, &rl):
		delay := rl.RetryAfter
		if !rl.HasRetryAfter {
			delay = p.Backoff(retryCount + 1)
		}
		return Decision{Action: ActionRetryAfter, Delay: delay, Reason: ReasonRateLimited}
	case errors.As(err, &he):
		return p.classifyStatus(he.StatusCode, he.Body, retryCount)
	case errors.As(err, &ne):
		return Decision{Action: ActionRetryNow, Reason: ReasonNetwork}
	case errors.As(err, &ee):
		return Decision{Action: ActionDrop, Reason: ReasonEncoding}
	case errors.As(err, &ire):
		return Decision{Action: ActionDrop, Reason: ReasonInvalidRequest}
	case errors.As(err, &ires):
		return Decision{Action: ActionDrop, Reason: ReasonInvalidResponse}
	default:
		return Decision{Action: ActionRetryNow, Reason: ReasonUnknown}
	}
}

func (p Policy) classifyStatus(code int, body []byte, retryCount int) Decision {
	switch {
	case code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable:
		return Decision{Action: ActionRetryAfter, Delay: p.Backoff(retryCount + 1), Reason: ReasonRateLimited}
	case code == http.StatusRequestTimeout:
		return Decision{Action: ActionRetryNow, Reason: ReasonServerError}
	case code >= 500:
		return Decision{Action: ActionRetryNow, Reason: ReasonServerError}
	case code >= 400:
		return Decision{Action: ActionDrop, Reason: ReasonClientError, ClearField: InvalidField(body)}
	default:
		return Decision{Action: ActionRetryNow, Reason: ReasonUnknown}
	}
}

// Backoff returns Base*2^attempt capped at Cap, plus up to MaxJitter.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := p.Base
	if base <= 0 {
		base = DefaultBase
	}
	delay := float64(base) * math.Pow(2, float64(attempt))
	if p.Cap > 0 && delay > float64(p.Cap) {
		delay = float64(p.Cap)
	}
	if p.MaxJitter > 0 {
		r := p.Rand
		if r == nil {
			r = rand.Float64
		}
		delay += r() * float64(p.MaxJitter)
	}
	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

type apiErrors struct {
	Errors []struct {
		Code   string `json:"code"`
		Source struct {
			Pointer   string `json:"pointer"`
			Parameter string `json:"parameter"`
		} `json:"source"`
	} `json:"errors"`
}

// InvalidField returns the identity field a JSON:API error body rejects, or
// "" when it names none.
func InvalidField(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var doc apiErrors
	if err := json.Unmarshal(body, &doc); err != nil {
		return ""
	}
	for _, e := range doc.Errors {
		ref := e.Source.Pointer
		if ref == "" {
			ref = e.Source.Parameter
		}
		field := ref
		if i := strings.LastIndexByte(ref, '/'); i >= 0 {
			field = ref[i+1:]
		}
		switch field {
		case FieldEmail, FieldPhoneNumber:
			return field
		}
	}
	return ""
}
