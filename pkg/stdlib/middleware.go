// Package stdlib provides net/http middleware for the merchant interceptor.
package stdlib

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	agon "github.com/agon-protocol/agon/go"
)

// MiddlewareOptions is the options for the PaymentMiddleware.
type MiddlewareOptions struct {
	Logger *log.Logger
}

// Options configures the PaymentMiddleware.
type Options func(*MiddlewareOptions)

// WithLogger sets the logger used for best-effort settlement failures.
func WithLogger(logger *log.Logger) Options {
	return func(options *MiddlewareOptions) {
		options.Logger = logger
	}
}

// PaymentMiddleware wraps a handler with the merchant payment protocol:
// requests without a capability token get a structured 402, denied
// authorizations get a 402 with the denial reason, and approved requests run
// the handler exactly once followed by consume (2xx) or release (anything
// else, including a panic). Consume/release failures are logged, never
// surfaced: the response has already been committed.
func PaymentMiddleware(ic *agon.Interceptor, opts ...Options) func(http.Handler) http.Handler {
	options := &MiddlewareOptions{
		Logger: log.Default(),
	}
	for _, opt := range opts {
		opt(options)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth, denied, err := ic.Intercept(r.Context(), r)
			if err != nil {
				writeError(w, err)
				return
			}
			if denied != nil {
				writeJSON(w, http.StatusPaymentRequired, denied)
				return
			}

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			panicked := true
			func() {
				defer func() {
					if p := recover(); p != nil {
						options.Logger.Printf("agon: handler panic: %v", p)
					}
				}()
				next.ServeHTTP(rec, r)
				panicked = false
			}()

			// Settlement runs after the response is committed; detach from the
			// request context so a client disconnect cannot cancel it.
			ctx := context.WithoutCancel(r.Context())

			if panicked {
				if releaseErr := ic.Release(ctx, auth.ReservationID); releaseErr != nil {
					options.Logger.Printf("agon: release %s failed: %v", auth.ReservationID, releaseErr)
				}
				if !rec.wrote {
					writeError(w, agon.NewProtocolError(http.StatusInternalServerError,
						agon.ErrCodeInternal, "handler failed", nil))
				}
				return
			}

			if finalizeErr := ic.Finalize(ctx, auth, rec.status); finalizeErr != nil {
				options.Logger.Printf("agon: settlement failed: %v", finalizeErr)
			}
		})
	}
}

// statusRecorder passes writes through while remembering the final status.
type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wrote {
		r.status = code
		r.wrote = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.wrote {
		r.status = http.StatusOK
		r.wrote = true
	}
	return r.ResponseWriter.Write(b)
}

func writeError(w http.ResponseWriter, err error) {
	pe, ok := err.(*agon.ProtocolError)
	if !ok {
		pe = agon.NewProtocolError(http.StatusInternalServerError, agon.ErrCodeInternal, err.Error(), nil)
	}
	status := pe.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]interface{}{
		"error":   pe.Code,
		"message": pe.Message,
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
