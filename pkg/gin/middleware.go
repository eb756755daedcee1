// Package gin provides Gin middleware for the merchant interceptor.
package gin

import (
	"context"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

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

// PaymentMiddleware is the Gin middleware for the merchant side of the
// protocol. Denials never reach the wrapped handlers; approved requests are
// settled with consume or release after the handler chain completes.
func PaymentMiddleware(ic *agon.Interceptor, opts ...Options) gin.HandlerFunc {
	options := &MiddlewareOptions{
		Logger: log.Default(),
	}
	for _, opt := range opts {
		opt(options)
	}

	return func(c *gin.Context) {
		auth, denied, err := ic.Intercept(c.Request.Context(), c.Request)
		if err != nil {
			abortWithError(c, err)
			return
		}
		if denied != nil {
			c.AbortWithStatusJSON(http.StatusPaymentRequired, denied)
			return
		}

		ctx := context.WithoutCancel(c.Request.Context())

		defer func() {
			if p := recover(); p != nil {
				options.Logger.Printf("agon: handler panic: %v", p)
				if releaseErr := ic.Release(ctx, auth.ReservationID); releaseErr != nil {
					options.Logger.Printf("agon: release %s failed: %v", auth.ReservationID, releaseErr)
				}
				if !c.Writer.Written() {
					c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
						"error":   agon.ErrCodeInternal,
						"message": "handler failed",
					})
				}
			}
		}()

		c.Next()

		if finalizeErr := ic.Finalize(ctx, auth, c.Writer.Status()); finalizeErr != nil {
			options.Logger.Printf("agon: settlement failed: %v", finalizeErr)
		}
	}
}

func abortWithError(c *gin.Context, err error) {
	pe, ok := err.(*agon.ProtocolError)
	if !ok {
		pe = agon.NewProtocolError(http.StatusInternalServerError, agon.ErrCodeInternal, err.Error(), nil)
	}
	status := pe.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	c.AbortWithStatusJSON(status, gin.H{
		"error":   pe.Code,
		"message": pe.Message,
	})
}
