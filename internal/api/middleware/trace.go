package middleware

import (
	"net/http"

	"github.com/covecrm/cove-api/internal/api/shared"
)

// TraceID attaches a fresh trace ID to every request context so logs and
// error responses for one request can be correlated.
func TraceID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := shared.SetTraceID(r.Context())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
