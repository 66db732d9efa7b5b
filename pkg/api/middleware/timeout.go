package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/supermd/syncd/pkg/api/response"
)

// Timeout returns a middleware that enforces request timeouts. It is only
// mounted on the REST subtree; websocket sync connections are long-lived
// and keep their own ping/pong deadlines.
func Timeout(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			done := make(chan struct{})
			go func() {
				next.ServeHTTP(w, r.WithContext(ctx))
				close(done)
			}()

			select {
			case <-done:
			case <-ctx.Done():
				requestID := GetRequestID(r.Context())
				if requestID == "" {
					requestID = "unknown"
				}
				response.Error(w,
					http.StatusGatewayTimeout,
					response.ErrCodeServiceUnavailable,
					"Request timeout",
					requestID,
				)
			}
		})
	}
}
