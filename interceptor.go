package agon

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// PricingFunc computes the price of an inbound request in smallest currency
// units. The request may be nil on non-HTTP transports (see mcp package).
type PricingFunc func(ctx context.Context, r *http.Request) (int64, error)

// Interceptor is the framework-agnostic merchant side of the protocol:
// extract token, price the request, authorize against the backend, and
// consume or release after the protected handler ran. Framework adapters
// (pkg/stdlib, pkg/gin, pkg/echo, mcp) are thin wrappers over it.
//
// An Interceptor holds no per-request state; all its fields are read-only
// after construction.
type Interceptor struct {
	backend *BackendClient

	price       int64
	pricingFunc PricingFunc

	description  string
	mimeType     string
	currency     string
	instructions string

	backendOpts []BackendOption
}

// InterceptorOption configures an Interceptor.
type InterceptorOption func(*Interceptor)

// WithPrice sets a static price in smallest currency units.
func WithPrice(amount int64) InterceptorOption {
	return func(ic *Interceptor) {
		ic.price = amount
	}
}

// WithPricingFunc sets a dynamic pricing function evaluated per request.
// Takes precedence over WithPrice.
func WithPricingFunc(fn PricingFunc) InterceptorOption {
	return func(ic *Interceptor) {
		ic.pricingFunc = fn
	}
}

// WithDescription sets the resource description included in 402 bodies.
func WithDescription(description string) InterceptorOption {
	return func(ic *Interceptor) {
		ic.description = description
	}
}

// WithMimeType sets the resource MIME type included in 402 bodies.
func WithMimeType(mimeType string) InterceptorOption {
	return func(ic *Interceptor) {
		ic.mimeType = mimeType
	}
}

// WithCurrency overrides the currency label (default "USDC").
func WithCurrency(currency string) InterceptorOption {
	return func(ic *Interceptor) {
		ic.currency = currency
	}
}

// WithInstructions overrides the token-acquisition instructions included in
// 402 bodies.
func WithInstructions(instructions string) InterceptorOption {
	return func(ic *Interceptor) {
		ic.instructions = instructions
	}
}

const defaultInstructions = "obtain a capability token via POST " + PathCreateToken +
	" and retry with the " + TokenHeader + " header"

// WithBackendOptions forwards options to the underlying backend client, e.g.
// a custom timeout or HTTP client.
func WithBackendOptions(opts ...BackendOption) InterceptorOption {
	return func(ic *Interceptor) {
		ic.backendOpts = append(ic.backendOpts, opts...)
	}
}

// NewInterceptor creates a merchant interceptor. platformKey authenticates
// the merchant to the backend.
func NewInterceptor(backendURL, platformKey string, opts ...InterceptorOption) (*Interceptor, error) {
	if platformKey == "" {
		return nil, NewProtocolError(http.StatusInternalServerError, ErrCodeInvalidPlatformKey,
			"platform key is required", nil)
	}

	ic := &Interceptor{
		currency:     "USDC",
		mimeType:     mimeApplicationJSON,
		instructions: defaultInstructions,
	}
	for _, opt := range opts {
		opt(ic)
	}

	backendOpts := append([]BackendOption{
		WithBackendAPIKey(platformKey),
		WithBackendTimeout(DefaultMerchantTimeout),
	}, ic.backendOpts...)

	backend, err := NewBackendClient(backendURL, backendOpts...)
	if err != nil {
		return nil, err
	}
	ic.backend = backend

	if ic.price == 0 && ic.pricingFunc == nil {
		return nil, NewProtocolError(http.StatusInternalServerError, ErrCodeValidation,
			"a static price or pricing function is required", nil)
	}

	return ic, nil
}

// ExtractToken reads the capability token header, case-insensitively.
// Returns "" when absent.
func (ic *Interceptor) ExtractToken(h http.Header) string {
	return h.Get(TokenHeader)
}

// ExtractOverride reads the override header pair. Both headers must be
// present; a lone signature or message is ignored.
func (ic *Interceptor) ExtractOverride(h http.Header) *Override {
	sig := h.Get(OverrideSignatureHeader)
	msg := h.Get(OverrideMessageHeader)
	if sig == "" || msg == "" {
		return nil
	}
	return &Override{Signature: sig, Message: msg}
}

// CalculatePrice evaluates the configured pricing for a request. Pricing
// failures map to an internal error; they never default to zero.
func (ic *Interceptor) CalculatePrice(ctx context.Context, r *http.Request) (int64, error) {
	if ic.pricingFunc != nil {
		amount, err := ic.pricingFunc(ctx, r)
		if err != nil {
			return 0, NewProtocolError(http.StatusInternalServerError, ErrCodeInternal,
				fmt.Sprintf("pricing failed: %v", err), nil)
		}
		if amount < 0 {
			return 0, NewProtocolError(http.StatusInternalServerError, ErrCodeInternal,
				fmt.Sprintf("pricing returned negative amount %d", amount), nil)
		}
		return amount, nil
	}
	return ic.price, nil
}

// NewRequestID generates the idempotency key for one inbound request.
func (ic *Interceptor) NewRequestID() string {
	return uuid.NewString()
}

// Authorize reserves funds for one inbound request. Called at most once per
// request; retries of the same logical request must reuse the requestID so
// the backend can deduplicate.
func (ic *Interceptor) Authorize(ctx context.Context, token, requestID string, amount int64, override *Override) (*AuthorizeResponse, error) {
	return ic.backend.Authorize(ctx, AuthorizeRequest{
		ConsumerToken: token,
		RequestID:     requestID,
		Amount:        amount,
		Override:      override,
	})
}

// Consume finalizes a reservation after a successful handler run.
func (ic *Interceptor) Consume(ctx context.Context, reservationID string) error {
	_, err := ic.backend.Consume(ctx, reservationID)
	return err
}

// Release returns a reservation's hold to the consumer.
func (ic *Interceptor) Release(ctx context.Context, reservationID string) error {
	_, err := ic.backend.Release(ctx, reservationID)
	return err
}

// BuildPaymentRequired builds the structured 402 body for the given price.
// reason and details are empty for a bare no-token response and carry the
// backend's denial otherwise.
func (ic *Interceptor) BuildPaymentRequired(price int64, reason string, details map[string]interface{}) PaymentRequiredBody {
	return PaymentRequiredBody{
		Error:   "payment_required",
		Reason:  reason,
		Details: details,
		PaymentInfo: PaymentInfo{
			Price:        price,
			Currency:     ic.currency,
			Description:  ic.description,
			MimeType:     ic.mimeType,
			Instructions: ic.instructions,
		},
	}
}

// Authorization is the approved outcome of Intercept, to be settled exactly
// once via Finalize.
type Authorization struct {
	RequestID     string
	ReservationID string
	Amount        int64
}

// Intercept runs the pre-handler half of the merchant state machine:
// token extraction, pricing, override extraction, authorize. Exactly one of
// the three results is non-zero:
//   - auth != nil: approved; run the handler, then call Finalize once.
//   - denied != nil: respond 402 with the body; the handler must not run.
//   - err != nil: internal failure; respond 500.
//
// The backend is never called when the token is absent.
func (ic *Interceptor) Intercept(ctx context.Context, r *http.Request) (auth *Authorization, denied *PaymentRequiredBody, err error) {
	token := ic.ExtractToken(r.Header)

	price, err := ic.CalculatePrice(ctx, r)
	if err != nil {
		return nil, nil, err
	}

	if token == "" {
		body := ic.BuildPaymentRequired(price, "", nil)
		return nil, &body, nil
	}

	requestID := ic.NewRequestID()
	resp, err := ic.Authorize(ctx, token, requestID, price, ic.ExtractOverride(r.Header))
	if err != nil {
		return nil, nil, err
	}

	if !resp.Approved() {
		body := ic.BuildPaymentRequired(price, resp.Reason, resp.Details)
		return nil, &body, nil
	}

	return &Authorization{
		RequestID:     requestID,
		ReservationID: *resp.ReservationID,
		Amount:        resp.Amount,
	}, nil, nil
}

// Finalize settles an authorization after the handler ran: consume on a
// success-range status, release otherwise. The returned error is for the
// adapter to log; the outer response has already been committed.
func (ic *Interceptor) Finalize(ctx context.Context, auth *Authorization, statusCode int) error {
	if auth == nil || auth.ReservationID == "" {
		return nil
	}
	if statusCode >= 200 && statusCode < 300 {
		if err := ic.Consume(ctx, auth.ReservationID); err != nil {
			return fmt.Errorf("consume %s: %w", auth.ReservationID, err)
		}
		return nil
	}
	if err := ic.Release(ctx, auth.ReservationID); err != nil {
		return fmt.Errorf("release %s: %w", auth.ReservationID, err)
	}
	return nil
}
