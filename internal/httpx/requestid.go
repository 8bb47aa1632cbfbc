// Package httpx carries the small HTTP plumbing shared by the hub and the
// store servers: correlation-id propagation and response helpers.
//
// Every request/response pair in the network carries a correlation id,
// either supplied by the caller in the request header or generated on
// arrival. The id travels in the request context so outbound remote calls
// triggered by the request inherit it, and it is echoed on every response
// (redirects included) so a client can trace a request across instances.
package httpx

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RequestIDHeader is the header carrying the correlation id.
const RequestIDHeader = "requestID"

// RefererHeader carries the calling server's base address on
// server-to-server requests, for provenance logging.
const RefererHeader = "referer"

type ctxKey int

const requestIDKey ctxKey = 0

// NewRequestID generates a fresh correlation id.
func NewRequestID() string {
	return uuid.NewString()
}

// WithRequestID returns a context carrying the given correlation id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the correlation id carried by ctx, or "" if none.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// RequestIDMiddleware reads the correlation id from the inbound request,
// generating one when absent, stashes it in the request context, echoes it
// on the response, and logs the request's arrival.
func RequestIDMiddleware(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(RequestIDHeader)
			if id == "" {
				id = NewRequestID()
			}
			w.Header().Set(RequestIDHeader, id)

			log.Info("request received",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("remote", r.RemoteAddr),
				zap.String("referer", r.Header.Get(RefererHeader)),
				zap.String("request_id", id),
			)

			next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), id)))
		})
	}
}
