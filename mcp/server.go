package mcp

import (
	"context"
	"fmt"

	agon "github.com/agon-protocol/agon/go"
)

// WithPayment wraps MCP tool handlers with the merchant payment protocol.
//
// A call without a capability token in _meta gets a payment-required result
// (no backend call); a denied authorization likewise. On approval the handler
// runs exactly once: a handler error or an IsError result releases the
// reservation, anything else consumes it. Settlement failures surface only in
// the result _meta; the tool result itself is already committed.
//
// Pricing uses the interceptor's configuration with a nil *http.Request, so
// interceptors shared with HTTP adapters need a pricing function that
// tolerates nil on this transport.
func WithPayment(ic *agon.Interceptor) func(handler ToolHandler) ToolHandler {
	return func(handler ToolHandler) ToolHandler {
		return func(ctx context.Context, args map[string]interface{}, tc ToolContext) (ToolResult, error) {
			price, err := ic.CalculatePrice(ctx, nil)
			if err != nil {
				return ToolResult{}, err
			}

			token, _ := tc.Meta[TokenMetaKey].(string)
			if token == "" {
				return paymentRequiredResult(ic.BuildPaymentRequired(price, "", nil)), nil
			}

			resp, err := ic.Authorize(ctx, token, ic.NewRequestID(), price, nil)
			if err != nil {
				return ToolResult{}, err
			}
			if !resp.Approved() {
				return paymentRequiredResult(ic.BuildPaymentRequired(price, resp.Reason, resp.Details)), nil
			}
			reservationID := *resp.ReservationID

			result, err := handler(ctx, args, tc)
			if err != nil {
				// Best effort; an unreleased hold lapses via backend expiry.
				_ = ic.Release(ctx, reservationID)
				return result, err
			}

			if result.IsError {
				_ = ic.Release(ctx, reservationID)
				return result, nil
			}

			if consumeErr := ic.Consume(ctx, reservationID); consumeErr != nil {
				if result.Meta == nil {
					result.Meta = make(map[string]interface{})
				}
				result.Meta["agon/settlement-error"] = consumeErr.Error()
				return result, nil
			}

			if result.Meta == nil {
				result.Meta = make(map[string]interface{})
			}
			result.Meta[ReservationMetaKey] = reservationID
			return result, nil
		}
	}
}

// paymentRequiredResult builds the tool result representing a 402.
func paymentRequiredResult(body agon.PaymentRequiredBody) ToolResult {
	structured := map[string]interface{}{
		"error":  body.Error,
		"reason": body.Reason,
		"payment_info": map[string]interface{}{
			"price":        body.PaymentInfo.Price,
			"currency":     body.PaymentInfo.Currency,
			"description":  body.PaymentInfo.Description,
			"mime_type":    body.PaymentInfo.MimeType,
			"instructions": body.PaymentInfo.Instructions,
		},
	}
	if body.Details != nil {
		structured["details"] = body.Details
	}

	return ToolResult{
		Content: []ContentItem{{
			Type: "text",
			Text: fmt.Sprintf("Payment required: %s %s", agon.FormatPrice(body.PaymentInfo.Price), body.PaymentInfo.Currency),
		}},
		StructuredContent: structured,
		IsError:           true,
		Meta: map[string]interface{}{
			PaymentRequiredMetaKey: structured,
		},
	}
}
