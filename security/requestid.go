package security

import (
	"context"
	"net/http"
	"regexp"

	"github.com/google/uuid"
)

// requestIDContextKey is the context key for storing request IDs
type requestIDContextKey struct{}

// RequestIDHeader is the HTTP header for request IDs
const RequestIDHeader = "X-Request-ID"

// requestIDPattern validates request IDs arriving from upstream proxies.
// Allows: alphanumeric, hyphens, underscores (1-128 chars).
//
// Security considerations:
//   - Rejects CR/LF so an upstream value cannot inject response headers
//   - Caps the length so a client cannot inflate every log line
//   - Accepts the UUID and hex formats common load balancers emit
var requestIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,128}$`)

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDContextKey{}, requestID)
}

// GetRequestID retrieves the request ID from the context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(requestIDContextKey{}).(string); ok {
		return requestID
	}
	return ""
}

// RequestIDMiddleware is HTTP middleware that assigns and propagates request IDs.
//
// Behavior:
//   - Keeps a well-formed upstream X-Request-ID so audit trails stay correlated
//   - Replaces a missing or malformed one with a random UUID
//   - Echoes the ID on the response and stores it in the request context,
//     where audit and access logs pick it up via GetRequestID
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if !requestIDPattern.MatchString(requestID) {
			requestID = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, requestID)
		next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), requestID)))
	})
}
