package logging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	CorrelationIDHeader = "X-Correlation-ID"
	RequestIDHeader     = "X-Request-ID"
)

// ServiceName is attached to every request context handled by the gateway.
const ServiceName = "admission-gateway"

// GenerateCorrelationID generates a new correlation ID
func GenerateCorrelationID() string {
	return randomID("cor")
}

// GenerateRequestID generates a new request ID
func GenerateRequestID() string {
	return randomID("req")
}

func randomID(prefix string) string {
	bytes := make([]byte, 8)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID if random fails
		return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s_%s", prefix, hex.EncodeToString(bytes))
}

// CorrelationIDMiddleware adds correlation and request IDs to the request
// context and echoes them in the response headers. Client supplied IDs are
// sanitized before use.
func CorrelationIDMiddleware(logger *Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			// Get or generate correlation ID
			correlationID := SanitizeCorrelationID(r.Header.Get(CorrelationIDHeader))
			if correlationID == "" {
				correlationID = GenerateCorrelationID()
			}

			// Get or generate request ID
			requestID := SanitizeCorrelationID(r.Header.Get(RequestIDHeader))
			if requestID == "" {
				requestID = GenerateRequestID()
			}

			// Add IDs to context
			ctx = context.WithValue(ctx, CorrelationIDKey, correlationID)
			ctx = context.WithValue(ctx, RequestIDKey, requestID)
			ctx = context.WithValue(ctx, ServiceKey, ServiceName)

			// Add IDs to response headers
			w.Header().Set(CorrelationIDHeader, correlationID)
			w.Header().Set(RequestIDHeader, requestID)

			r = r.WithContext(ctx)

			// Log request start
			logger.RequestStart(ctx, r.Method, r.URL.Path, r.UserAgent())

			next.ServeHTTP(w, r)
		})
	}
}

// LoggingMiddleware logs HTTP requests and responses
func LoggingMiddleware(logger *Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap ResponseWriter to capture status code and size
			wrapped := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(wrapped, r)

			// Log request completion
			logger.RequestEnd(r.Context(), r.Method, r.URL.Path, wrapped.statusCode, time.Since(start), wrapped.size)
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture response details
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	size       int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(data []byte) (int, error) {
	size, err := rw.ResponseWriter.Write(data)
	rw.size += int64(size)
	return size, err
}

// Flush lets streamed upstream responses pass through the wrapper.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// ExtractCorrelationID extracts correlation ID from context
func ExtractCorrelationID(ctx context.Context) string {
	return stringValue(ctx, CorrelationIDKey)
}

// ExtractRequestID extracts request ID from context
func ExtractRequestID(ctx context.Context) string {
	return stringValue(ctx, RequestIDKey)
}

// WithIdentity stores the resolved client identity for log enrichment.
func WithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, IdentityKey, identity)
}

func stringValue(ctx context.Context, key ContextKey) string {
	if v := ctx.Value(key); v != nil {
		if str, ok := v.(string); ok {
			return str
		}
	}
	return ""
}

// PropagateCorrelationID propagates correlation ID to outgoing HTTP requests
func PropagateCorrelationID(ctx context.Context, req *http.Request) {
	if correlationID := ExtractCorrelationID(ctx); correlationID != "" {
		req.Header.Set(CorrelationIDHeader, correlationID)
	}
	if requestID := ExtractRequestID(ctx); requestID != "" {
		req.Header.Set(RequestIDHeader, requestID)
	}
}

// CreateContextWithIDs creates a context with correlation and request IDs
func CreateContextWithIDs(ctx context.Context, correlationID, requestID string) context.Context {
	if correlationID != "" {
		ctx = context.WithValue(ctx, CorrelationIDKey, correlationID)
	}
	if requestID != "" {
		ctx = context.WithValue(ctx, RequestIDKey, requestID)
	}
	return ctx
}

// SanitizeCorrelationID sanitizes correlation ID to prevent log injection
func SanitizeCorrelationID(id string) string {
	// Remove any characters that could be used for log injection
	id = strings.ReplaceAll(id, "\n", "")
	id = strings.ReplaceAll(id, "\r", "")
	id = strings.ReplaceAll(id, "\t", "")

	// Limit length to prevent extremely long IDs
	if len(id) > 64 {
		id = id[:64]
	}

	return id
}
