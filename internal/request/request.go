// Package request describes the outbound calls the queue carries.
package request

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrEmptyID         = errors.New("request id is empty")
	ErrEmptyAccountKey = errors.New("request account key is empty")
	ErrUnknownKind     = errors.New("unknown endpoint kind")
	ErrUnknownPriority = errors.New("unknown priority")
)

// Kind discriminates the remote endpoint a request targets.
type Kind string

const (
	KindCreateProfile       Kind = "create_profile"
	KindCreateEvent         Kind = "create_event"
	KindRegisterPushToken   Kind = "register_push_token"
	KindUnregisterPushToken Kind = "unregister_push_token"
	KindAggregateEvent      Kind = "aggregate_event"
	KindFetchForms          Kind = "fetch_forms"
)

func (k Kind) Valid() bool {
	switch k {
	case KindCreateProfile, KindCreateEvent, KindRegisterPushToken,
		KindUnregisterPushToken, KindAggregateEvent, KindFetchForms:
		return true
	}
	return false
}

// Priority selects the lane a request waits in.
type Priority string

const (
	PriorityImmediate Priority = "immediate"
	PriorityNormal    Priority = "normal"
)

func ParsePriority(s string) (Priority, error) {
	switch Priority(strings.ToLower(strings.TrimSpace(s))) {
	case PriorityImmediate:
		return PriorityImmediate, nil
	case PriorityNormal, "":
		return PriorityNormal, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownPriority, s)
	}
}

type Endpoint struct {
	Kind    Kind  `json:"kind"`
	Payload Value `json:"payload"`
}

// Request is one outbound call. Two requests with the same ID are the same
// unit of work.
type Request struct {
	ID         string   `json:"id"`
	AccountKey string   `json:"account_key"`
	Endpoint   Endpoint `json:"endpoint"`
}

// New builds a request with a fresh random ID.
func New(accountKey string, kind Kind, payload Value) Request {
	return Request{
		ID:         uuid.NewString(),
		AccountKey: accountKey,
		Endpoint:   Endpoint{Kind: kind, Payload: payload},
	}
}

func (r Request) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return ErrEmptyID
	}
	if strings.TrimSpace(r.AccountKey) == "" {
		return ErrEmptyAccountKey
	}
	if !r.Endpoint.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, r.Endpoint.Kind)
	}
	return nil
}

// WithAccountKey returns a copy addressed to another account.
func (r Request) WithAccountKey(key string) Request {
	r.AccountKey = key
	return r
}
