package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// maxResponseBytes bounds how much of a provider response is read.
const maxResponseBytes = 8 << 20

// PostJSON POSTs payload as JSON and returns the response body. Any non-2xx
// response becomes a *StatusError carrying the Retry-After hint.
func PostJSON(ctx context.Context, client *http.Client, url string, payload any, headers map[string]string) ([]byte, error) {
	call := CallFrom(ctx)
	attrs := []attribute.KeyValue{attribute.String("http.url", url)}
	if call.Kind != "" {
		attrs = append(attrs, attribute.String("task.kind", string(call.Kind)))
	}
	if call.Tier != "" {
		attrs = append(attrs, attribute.String("caller.tier", string(call.Tier)))
	}
	ctx, span := otel.Tracer("taskhub.providers").Start(ctx, "provider.request",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
	defer span.End()

	fail := func(err error, msg string) ([]byte, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, msg)
		return nil, err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fail(fmt.Errorf("marshal request: %w", err), "marshal failed")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fail(fmt.Errorf("create request: %w", err), "create request failed")
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if call.RequestID != "" {
		req.Header.Set("X-Request-ID", call.RequestID)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := client.Do(req)
	if err != nil {
		return fail(fmt.Errorf("request failed: %w", err), "request failed")
	}
	defer func() { _ = resp.Body.Close() }()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fail(fmt.Errorf("read response: %w", err), "read response failed")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
		se.ParseRetryAfter(resp.Header.Get("Retry-After"))
		return fail(se, fmt.Sprintf("HTTP %d", resp.StatusCode))
	}
	span.SetStatus(codes.Ok, "")
	return body, nil
}
