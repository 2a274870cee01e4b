package middle

import (
	"context"
	"net/http"
	"time"

	"github.com/sigortix/paycore/infra/opensearch"
)

// statusRecorder captures the response status code
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// RequestLoggingMiddleware records every request as a payment event in OpenSearch.
// Bodies are never captured; callback payloads carry card references.
func RequestLoggingMiddleware(osLogger *opensearch.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			event := opensearch.PaymentEvent{
				Timestamp:         start,
				Event:             "http_request",
				MerchantPaymentID: r.URL.Query().Get("merchantPaymentId"),
				ProcessingTimeMs:  time.Since(start).Milliseconds(),
				Fields: map[string]any{
					"method":      r.Method,
					"path":        r.URL.Path,
					"status_code": rec.status,
					"client_ip":   GetClientIP(r),
					"user_agent":  r.Header.Get("User-Agent"),
				},
			}

			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = osLogger.LogPaymentEvent(ctx, event)
			}()
		})
	}
}
