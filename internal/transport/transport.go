// Package transport sends queued requests to the remote API.
package transport

import (
	"context"

	"github.com/nuetzliches/courier/internal/request"
)

// Transport sends one request. attempt starts at 1. On failure the error
// is one of the typed errors in this package, context.Canceled, or any
// other error, which callers treat as retryable.
type Transport interface {
	Send(ctx context.Context, req request.Request, attempt int) ([]byte, error)
}

// Func adapts a function to Transport.
type Func func(ctx context.Context, req request.Request, attempt int) ([]byte, error)

func (f Func) Send(ctx context.Context, req request.Request, attempt int) ([]byte, error) {
	return f(ctx, req, attempt)
}
