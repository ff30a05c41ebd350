package processor

import (
	"time"

	"github.com/nuetzliches/courier/internal/request"
)

type EventKind string

const (
	EventStarted     EventKind = "started"
	EventCompleted   EventKind = "completed"
	EventRetry       EventKind = "retry"
	EventRateLimited EventKind = "rate_limited"
	EventHTTPError   EventKind = "http_error"
	EventDropped     EventKind = "dropped"
	EventCanceled    EventKind = "canceled"
)

// Event describes one step in a request's delivery.
type Event struct {
	Kind       EventKind
	RequestID  string
	Lane       request.Priority
	Attempt    int
	StatusCode int
	Delay      time.Duration
	Reason     string
	Err        error
}
