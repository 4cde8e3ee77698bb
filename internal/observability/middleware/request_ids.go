package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

type ctxKey string

const (
	CtxKeyRequestID ctxKey = "request_id"
	CtxKeyTraceID   ctxKey = "trace_id"
)

const (
	HeaderRequestID   = "X-Request-ID"
	HeaderTraceID     = "X-Trace-ID"
	HeaderTraceParent = "traceparent"

	maxIDLength = 128
)

// WithRequestAndTrace puts a request ID and a trace ID in the request
// context. Caller-supplied IDs are kept when they are short printable
// tokens; the trace ID may also come from a W3C traceparent header.
// Missing or unusable IDs are generated. The request ID is echoed back.
func WithRequestAndTrace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := sanitizeID(r.Header.Get(HeaderRequestID))
		if reqID == "" {
			reqID = uuid.NewString()
		}
		traceID := sanitizeID(r.Header.Get(HeaderTraceID))
		if traceID == "" {
			traceID = traceIDFromParent(r.Header.Get(HeaderTraceParent))
		}
		if traceID == "" {
			traceID = strings.ReplaceAll(uuid.NewString(), "-", "")
		}

		ctx := context.WithValue(r.Context(), CtxKeyRequestID, reqID)
		ctx = context.WithValue(ctx, CtxKeyTraceID, traceID)
		w.Header().Set(HeaderRequestID, reqID)

		slog.Default().Debug("incoming request",
			"request_id", reqID,
			"trace_id", traceID,
			"method", r.Method,
			"path", r.URL.Path,
		)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// sanitizeID returns v if it is a non-empty run of visible ASCII no longer
// than maxIDLength, and "" otherwise.
func sanitizeID(v string) string {
	v = strings.TrimSpace(v)
	if v == "" || len(v) > maxIDLength {
		return ""
	}
	for i := 0; i < len(v); i++ {
		if v[i] <= ' ' || v[i] > '~' {
			return ""
		}
	}
	return v
}

// traceIDFromParent extracts the trace-id field of a traceparent header
// ("version-traceid-parentid-flags").
func traceIDFromParent(h string) string {
	parts := strings.Split(strings.TrimSpace(h), "-")
	if len(parts) != 4 || len(parts[1]) != 32 {
		return ""
	}
	id := strings.ToLower(parts[1])
	if strings.Trim(id, "0123456789abcdef") != "" || strings.Trim(id, "0") == "" {
		return ""
	}
	return id
}

func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(CtxKeyRequestID).(string); ok {
		return v
	}
	return ""
}

func TraceIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(CtxKeyTraceID).(string); ok {
		return v
	}
	return ""
}
