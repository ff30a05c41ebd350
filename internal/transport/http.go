package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nuetzliches/courier/internal/request"
)

const (
	DefaultRevision  = "2024-10-15"
	DefaultUserAgent = "courier/dev"
	DefaultTimeout   = 10 * time.Second

	maxResponseBody = 1 << 20
)

type route struct {
	method string
	path   string
}

var routes = map[request.Kind]route{
	request.KindCreateProfile:       {http.MethodPost, "/client/profiles/"},
	request.KindCreateEvent:         {http.MethodPost, "/client/events/"},
	request.KindRegisterPushToken:   {http.MethodPost, "/client/push-tokens/"},
	request.KindUnregisterPushToken: {http.MethodPost, "/client/push-token-unregister/"},
	request.KindAggregateEvent:      {http.MethodPost, "/onsite/track-analytics"},
	request.KindFetchForms:          {http.MethodGet, "/forms/api/v7/full-forms"},
}

type HTTPConfig struct {
	BaseURL   string
	Revision  string
	UserAgent string
	// MaxAttempts is reported next to the attempt number in
	// X-Attempt-Count. Zero omits the denominator.
	MaxAttempts int
	Timeout     time.Duration
}

// HTTPTransport sends requests as JSON over HTTP. The account key travels
// as the company_id query parameter.
type HTTPTransport struct {
	Client *http.Client

	baseURL     *url.URL
	revision    string
	userAgent   string
	maxAttempts int
	timeout     time.Duration

	Now func() time.Time
}

func NewHTTPTransport(client *http.Client, cfg HTTPConfig) (*HTTPTransport, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, ErrNoBaseURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url scheme %q is not http(s)", u.Scheme)
	}
	if client == nil {
		client = &http.Client{}
	}
	t := &HTTPTransport{
		Client:      client,
		baseURL:     u,
		revision:    cfg.Revision,
		userAgent:   cfg.UserAgent,
		maxAttempts: cfg.MaxAttempts,
		timeout:     cfg.Timeout,
		Now:         time.Now,
	}
	if t.revision == "" {
		t.revision = DefaultRevision
	}
	if t.userAgent == "" {
		t.userAgent = DefaultUserAgent
	}
	if t.timeout <= 0 {
		t.timeout = DefaultTimeout
	}
	return t, nil
}

func (t *HTTPTransport) Send(ctx context.Context, req request.Request, attempt int) ([]byte, error) {
	httpReq, err := t.buildRequest(ctx, req, attempt)
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(httpReq.Context(), t.timeout)
	defer cancel()
	httpReq = httpReq.WithContext(reqCtx)

	resp, err := t.Client.Do(httpReq)
	if err != nil {
		// Caller cancellation is not a delivery failure.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &NetworkError{Err: err}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if req.Endpoint.Kind == request.KindFetchForms && len(body) > 0 && !json.Valid(body) {
			return nil, &InvalidResponseError{Err: errors.New("response body is not json")}
		}
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
		rl := &RateLimitedError{StatusCode: resp.StatusCode, Body: body}
		rl.RetryAfter, rl.HasRetryAfter = ParseRetryAfter(resp.Header.Get("Retry-After"), t.now())
		return nil, rl
	default:
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: body}
	}
}

func (t *HTTPTransport) buildRequest(ctx context.Context, req request.Request, attempt int) (*http.Request, error) {
	if err := req.Validate(); err != nil {
		return nil, &InvalidRequestError{Reason: err.Error()}
	}
	rt, ok := routes[req.Endpoint.Kind]
	if !ok {
		return nil, &InvalidRequestError{Reason: fmt.Sprintf("no route for kind %q", req.Endpoint.Kind)}
	}

	u := t.baseURL.JoinPath(rt.path)
	// Collection paths keep their trailing slash.
	if strings.HasSuffix(rt.path, "/") && !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	q := u.Query()
	q.Set("company_id", req.AccountKey)
	u.RawQuery = q.Encode()

	var body io.Reader
	if rt.method != http.MethodGet {
		b, err := json.Marshal(req.Endpoint.Payload)
		if err != nil {
			return nil, &EncodingError{Err: err}
		}
		body = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequestWithContext(ctx, rt.method, u.String(), body)
	if err != nil {
		return nil, &InvalidRequestError{Reason: err.Error()}
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("revision", t.revision)
	httpReq.Header.Set("User-Agent", t.userAgent)
	httpReq.Header.Set("X-Attempt-Count", t.attemptHeader(attempt))
	return httpReq, nil
}

func (t *HTTPTransport) attemptHeader(attempt int) string {
	if attempt < 1 {
		attempt = 1
	}
	if t.maxAttempts > 0 {
		return strconv.Itoa(attempt) + "/" + strconv.Itoa(t.maxAttempts)
	}
	return strconv.Itoa(attempt)
}

func (t *HTTPTransport) now() time.Time {
	if t.Now == nil {
		return time.Now()
	}
	return t.Now()
}

// ParseRetryAfter reads a Retry-After header given either as seconds or as
// an HTTP date. Dates in the past yield zero.
func ParseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs * float64(time.Second)), true
	}
	at, err := http.ParseTime(v)
	if err != nil {
		return 0, false
	}
	d := at.Sub(now)
	if d < 0 {
		d = 0
	}
	return d, true
}
