package logging

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

const redacted = "[REDACTED]"

// redactedKeys are attribute keys whose values never reach the output:
// credentials plus any end-user task content.
var redactedKeys = map[string]bool{
	"authorization":       true,
	"proxy-authorization": true,
	"x-api-key":           true,
	"cookie":              true,
	"set-cookie":          true,
	"body":                true,
	"request_body":        true,
	"input":               true,
	"prompt":              true,
	"messages":            true,
	"output":              true,
}

// quietPaths are polled by orchestrators and scrapers; they log at debug.
var quietPaths = map[string]bool{
	"/healthz": true,
	"/metrics": true,
}

// level is shared by every logger Setup creates so SetLevel applies at runtime.
var level = new(slog.LevelVar)

// Setup installs a redacting JSON logger on stdout as the slog default.
func Setup(lvl string) *slog.Logger {
	return SetupWriter(os.Stdout, lvl)
}

// SetupWriter is Setup with an explicit destination.
func SetupWriter(w io.Writer, lvl string) *slog.Logger {
	SetLevel(lvl)
	logger := slog.New(&RedactingHandler{
		base: slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}),
	})
	slog.SetDefault(logger)
	return logger
}

// ParseLevel accepts debug, info, warn or error (any case, optionally with
// an offset such as "warn+2"). ok is false for anything else.
func ParseLevel(s string) (l slog.Level, ok bool) {
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, false
	}
	return l, true
}

// SetLevel changes the level of every logger built by Setup. Unknown
// values fall back to info.
func SetLevel(lvl string) {
	l, _ := ParseLevel(lvl)
	level.Set(l)
}

// Level reports the current level.
func Level() slog.Level { return level.Level() }

// RedactingHandler drops the values of sensitive attributes before they
// reach the wrapped handler.
type RedactingHandler struct {
	base slog.Handler
}

func NewRedactingHandler(base slog.Handler) *RedactingHandler {
	return &RedactingHandler{base: base}
}

func (h *RedactingHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.base.Enabled(ctx, l)
}

func (h *RedactingHandler) Handle(ctx context.Context, r slog.Record) error {
	out := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(redactAttr(a))
		return true
	})
	return h.base.Handle(ctx, out)
}

func (h *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		clean[i] = redactAttr(a)
	}
	return &RedactingHandler{base: h.base.WithAttrs(clean)}
}

func (h *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{base: h.base.WithGroup(name)}
}

func redactAttr(a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindGroup {
		group := a.Value.Group()
		clean := make([]any, len(group))
		for i, g := range group {
			clean[i] = redactAttr(g)
		}
		return slog.Group(a.Key, clean...)
	}

	key := strings.ToLower(a.Key)
	switch {
	case redactedKeys[key]:
		return slog.String(a.Key, redacted)
	case strings.HasSuffix(key, "tokens"):
		// Token counts such as input_tokens are not credentials.
		return a
	case strings.Contains(key, "key"), strings.Contains(key, "token"),
		strings.Contains(key, "secret"), strings.Contains(key, "password"):
		return slog.String(a.Key, redacted)
	}
	return a
}

// fields collects attributes that handlers attach to the request log line.
type fields struct {
	mu    sync.Mutex
	attrs []slog.Attr
}

type fieldsKey struct{}

// AddFields attaches attrs to the access log entry of the request that ctx
// belongs to. It is a no-op outside RequestLogger.
func AddFields(ctx context.Context, attrs ...slog.Attr) {
	f, ok := ctx.Value(fieldsKey{}).(*fields)
	if !ok {
		return
	}
	f.mu.Lock()
	f.attrs = append(f.attrs, attrs...)
	f.mu.Unlock()
}

// RequestLogger returns chi middleware that writes one access log entry per
// request. 5xx responses log at error and 4xx at warn. Probe endpoints log at
// debug. Bodies and auth headers are never logged.
func RequestLogger(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			f := &fields{}
			r = r.WithContext(context.WithValue(r.Context(), fieldsKey{}, f))

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			lvl := slog.LevelInfo
			switch {
			case status >= 500:
				lvl = slog.LevelError
			case status >= 400:
				lvl = slog.LevelWarn
			case quietPaths[r.URL.Path]:
				lvl = slog.LevelDebug
			}

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", status),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", middleware.GetReqID(r.Context())),
				slog.String("remote_addr", r.RemoteAddr),
			}
			f.mu.Lock()
			attrs = append(attrs, f.attrs...)
			f.mu.Unlock()
			logger.LogAttrs(r.Context(), lvl, "http_request", attrs...)
		})
	}
}
