package controlapi

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/nuetzliches/courier/internal/secrets"
)

// Authorizer decides whether a control call to method is allowed.
type Authorizer func(ctx context.Context, method string) bool

// BearerTokenAuthorizer validates "authorization: Bearer <token>" metadata.
// With no tokens every call is allowed.
func BearerTokenAuthorizer(tokens [][]byte) Authorizer {
	set := secrets.Set{}
	for i, t := range tokens {
		if len(t) == 0 {
			continue
		}
		set.Versions = append(set.Versions, secrets.Static(fmt.Sprintf("token-%d", i), append([]byte(nil), t...)))
	}
	if len(set.Versions) == 0 {
		return func(context.Context, string) bool { return true }
	}
	return SecretSetAuthorizer(set, time.Now)
}

// SecretSetAuthorizer accepts bearer tokens matching a version of set that
// is valid at now().
func SecretSetAuthorizer(set secrets.Set, now func() time.Time) Authorizer {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context, _ string) bool {
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return false
		}
		at := now()
		for _, raw := range md.Get("authorization") {
			token, ok := parseBearerToken(raw)
			if !ok {
				continue
			}
			if _, ok := set.Match([]byte(token), at); ok {
				return true
			}
		}
		return false
	}
}

// UnaryAuthInterceptor rejects calls authorize does not allow.
func UnaryAuthInterceptor(authorize Authorizer) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if authorize != nil && !authorize(ctx, info.FullMethod) {
			return nil, status.Error(codes.Unauthenticated, "request is not authorized")
		}
		return handler(ctx, req)
	}
}

// WithBearerToken attaches token to outgoing calls made with ctx.
func WithBearerToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
}

func parseBearerToken(raw string) (string, bool) {
	h := strings.TrimSpace(raw)
	if len(h) < 7 || !strings.EqualFold(h[:7], "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(h[7:])
	return token, token != ""
}
