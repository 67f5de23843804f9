package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/jordanhubbard/taskhub/internal/router"
)

type contextKey string

const callerContextKey contextKey = "caller"

var anonymous = router.Caller{Tier: router.TierAnonymous}

// WithCaller attaches a caller to ctx.
func WithCaller(ctx context.Context, c router.Caller) context.Context {
	return context.WithValue(ctx, callerContextKey, c)
}

// CallerFromContext returns the caller attached by Middleware, or an
// anonymous caller when none is present.
func CallerFromContext(ctx context.Context) router.Caller {
	if c, ok := ctx.Value(callerContextKey).(router.Caller); ok {
		return c
	}
	return anonymous
}

// Middleware resolves the caller from a Bearer token. A missing header is
// an anonymous call; a malformed or invalid token is rejected with 401. A
// nil Authenticator treats every request as anonymous.
func Middleware(a *Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" || a == nil {
				next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), anonymous)))
				return
			}

			clientIP := r.Header.Get("X-Real-IP")
			if clientIP == "" {
				clientIP = r.RemoteAddr
			}
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				slog.Warn("caller auth: invalid format", slog.String("ip", clientIP), slog.String("path", r.URL.Path))
				http.Error(w, "invalid authorization format", http.StatusUnauthorized)
				return
			}

			caller, err := a.Verify(token)
			if err != nil {
				slog.Warn("caller auth: validation failed",
					slog.String("ip", clientIP),
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
		})
	}
}
