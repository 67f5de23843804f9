package providers

import (
	"context"

	"github.com/jordanhubbard/taskhub/internal/router"
)

// Call describes the task a provider request is made on behalf of. It is
// attached to the request context by the HTTP layer and read by PostJSON
// for tracing and request-ID forwarding.
type Call struct {
	RequestID string
	Kind      router.TaskKind
	Tier      router.Tier
}

type callKey struct{}

func WithCall(ctx context.Context, c Call) context.Context {
	return context.WithValue(ctx, callKey{}, c)
}

// CallFrom returns the Call attached to ctx, or the zero Call.
func CallFrom(ctx context.Context) Call {
	c, _ := ctx.Value(callKey{}).(Call)
	return c
}
