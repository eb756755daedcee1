// Package echo provides Echo middleware for the merchant interceptor.
package echo

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	agon "github.com/agon-protocol/agon/go"
)

// PaymentMiddleware is the Echo middleware for the merchant side of the
// protocol. Denials never reach the wrapped handlers; approved requests are
// settled with consume or release after the handler completes. Settlement
// failures are logged through Echo's logger.
func PaymentMiddleware(ic *agon.Interceptor) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			auth, denied, err := ic.Intercept(c.Request().Context(), c.Request())
			if err != nil {
				return echoError(err)
			}
			if denied != nil {
				return c.JSON(http.StatusPaymentRequired, denied)
			}

			ctx := context.WithoutCancel(c.Request().Context())

			if handlerErr := next(c); handlerErr != nil {
				// The error handler will commit a non-2xx response; the hold
				// goes back to the consumer. Release failures lapse via the
				// backend's own reservation expiry.
				if releaseErr := ic.Release(ctx, auth.ReservationID); releaseErr != nil {
					c.Logger().Errorf("agon: release %s failed: %v", auth.ReservationID, releaseErr)
				}
				return handlerErr
			}

			if finalizeErr := ic.Finalize(ctx, auth, c.Response().Status); finalizeErr != nil {
				c.Logger().Errorf("agon: settlement failed: %v", finalizeErr)
			}
			return nil
		}
	}
}

func echoError(err error) error {
	pe, ok := err.(*agon.ProtocolError)
	if !ok {
		pe = agon.NewProtocolError(http.StatusInternalServerError, agon.ErrCodeInternal, err.Error(), nil)
	}
	status := pe.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return echo.NewHTTPError(status, map[string]interface{}{
		"error":   pe.Code,
		"message": pe.Message,
	})
}
