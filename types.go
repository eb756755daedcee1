package agon

import (
	"encoding/json"
	"fmt"
	"time"
)

// Protocol headers.
//
// TokenHeader is the only credential-bearing header a merchant ever sees.
// APIKeyHeader is reserved for direct consumer-to-backend calls and must
// never be attached to a merchant-bound request.
const (
	// TokenHeader carries the short-lived capability token to a merchant.
	TokenHeader = "X-Agon-Token"

	// APIKeyHeader carries the long-lived account credential to the backend.
	APIKeyHeader = "X-Agon-Api-Key"

	// OverrideSignatureHeader and OverrideMessageHeader carry a spending-limit
	// override. Both must be present for the override to be used.
	OverrideSignatureHeader = "X-Agon-Override-Signature"
	OverrideMessageHeader   = "X-Agon-Override-Message"

	// Wallet-signature auth headers, used for backend calls when operating
	// without an API key.
	PublicKeyHeader = "X-Agon-Public-Key"
	SignatureHeader = "X-Agon-Signature"
	TimestampHeader = "X-Agon-Timestamp"

	// Generic external payment-challenge protocol headers, recognized only in
	// passthrough mode. A 402 carrying PaymentChallengeHeader marks the
	// destination as a non-native merchant.
	PaymentChallengeHeader = "X-Payment-Challenge"
	PaymentSignatureHeader = "X-Payment-Signature"
	PaymentResponseHeader  = "X-Payment-Response"
)

// Backend endpoint paths.
const (
	PathCreateToken = "/account/create-token"
	PathAuthorize   = "/authorize"
	PathConsume     = "/consume"
	PathRelease     = "/release"
	PathProxy       = "/proxy"
)

// Token TTL bounds in seconds.
const (
	DefaultTokenTTL = 60
	MinTokenTTL     = 1
	MaxTokenTTL     = 300
)

// All monetary amounts on the wire are int64 values in the smallest currency
// unit (micro-USDC, 6 decimals). See UnitsPerDollar in price.go.

// ReservationStatus is the lifecycle state of a fund hold.
type ReservationStatus string

const (
	ReservationReserved ReservationStatus = "reserved"
	ReservationConsumed ReservationStatus = "consumed"
	ReservationReleased ReservationStatus = "released"
	ReservationExpired  ReservationStatus = "expired"
	// ReservationSettled is terminal and reached asynchronously by the ledger
	// after batching; the SDK never writes it.
	ReservationSettled ReservationStatus = "settled"
)

// Reservation is a fund hold keyed by (platform, request id, amount).
// State is owned by the backend ledger; this is the wire view.
type Reservation struct {
	ID         string            `json:"reservation_id"`
	PlatformID string            `json:"platform_id,omitempty"`
	RequestID  string            `json:"request_id"`
	Amount     int64             `json:"amount"`
	Status     ReservationStatus `json:"status"`
	ExpiresAt  *time.Time        `json:"expires_at,omitempty"`
}

// Override is a detached wallet signature over a canonical challenge string,
// used to bypass a spending-limit denial. Created transiently per retry
// attempt and never persisted.
type Override struct {
	Signature string `json:"signature"`
	Message   string `json:"message"`
}

// OverrideChallenge builds the canonical challenge string an override
// signature must cover. The challenge binds account, request, amount,
// merchant domain and time, so a captured signature cannot be replayed for a
// different request, amount or merchant.
func OverrideChallenge(accountID, requestID string, amount int64, merchantDomain string, unixTime int64) string {
	return fmt.Sprintf("agon:override:%s:%s:%d:%s:%d", accountID, requestID, amount, merchantDomain, unixTime)
}

// CreateTokenRequest asks the backend to issue a capability token.
type CreateTokenRequest struct {
	TTLSeconds int   `json:"ttl_seconds,omitempty"`
	MaxAmount  int64 `json:"max_amount,omitempty"`
	Budget     int64 `json:"budget,omitempty"`
}

// TokenResponse is the issued capability token. The token payload is opaque:
// callers transmit it, never parse it.
type TokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
	MaxAmount int64  `json:"max_amount,omitempty"`
}

// AuthorizeRequest reserves funds against a capability token.
type AuthorizeRequest struct {
	ConsumerToken string    `json:"consumer_token"`
	RequestID     string    `json:"request_id"`
	Amount        int64     `json:"amount"`
	Override      *Override `json:"override,omitempty"`
}

// Authorization statuses returned by the backend.
const (
	StatusApproved = "approved"
	StatusDenied   = "denied"
)

// AuthorizeResponse is the backend's decision on a reservation attempt.
// ReservationID and ExpiresAt are null on denial.
type AuthorizeResponse struct {
	ReservationID *string                `json:"reservation_id"`
	Status        string                 `json:"status"`
	Amount        int64                  `json:"amount"`
	ExpiresAt     *time.Time             `json:"expires_at"`
	Reason        string                 `json:"reason,omitempty"`
	Details       map[string]interface{} `json:"details,omitempty"`
}

// Approved reports whether the reservation was made.
func (r *AuthorizeResponse) Approved() bool {
	return r.Status == StatusApproved && r.ReservationID != nil
}

// ConsumeRequest finalizes a reservation after the protected handler
// succeeded.
type ConsumeRequest struct {
	ReservationID string `json:"reservation_id"`
}

// ConsumeResponse echoes the finalized reservation.
type ConsumeResponse struct {
	ReservationID string            `json:"reservation_id"`
	Status        ReservationStatus `json:"status"`
	Amount        int64             `json:"amount"`
}

// ReleaseRequest returns a held amount to the consumer's available balance.
type ReleaseRequest struct {
	ReservationID string `json:"reservation_id"`
}

// ReleaseResponse echoes the released reservation.
type ReleaseResponse struct {
	ReservationID string            `json:"reservation_id"`
	Status        ReservationStatus `json:"status"`
	Amount        int64             `json:"amount"`
}

// PaymentInfo describes how to pay for a protected resource. It is embedded
// in every merchant-issued 402 body.
type PaymentInfo struct {
	Price        int64  `json:"price"`
	Currency     string `json:"currency"`
	Description  string `json:"description,omitempty"`
	MimeType     string `json:"mime_type,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

// PaymentRequiredBody is the structured 402 response body. Reason and Details
// are present only when the backend denied an authorization; a bare
// payment_required body means no token was presented.
type PaymentRequiredBody struct {
	Error       string                 `json:"error"`
	Reason      string                 `json:"reason,omitempty"`
	Details     map[string]interface{} `json:"details,omitempty"`
	PaymentInfo PaymentInfo            `json:"payment_info"`
}

// Denial detail keys used inside PaymentRequiredBody.Details and
// AuthorizeResponse.Details.
const (
	DetailOverrideAvailable = "override_available"
	DetailSignMessage       = "sign_message"
	DetailAmount            = "amount"
	DetailLimit             = "limit"
	DetailDailySpent        = "daily_spent"
)

// Denial is the consumer-side view of a structured 402 body.
type Denial struct {
	Reason            string
	Amount            int64
	Limit             int64
	DailySpent        int64
	OverrideAvailable bool
	SignMessage       string
	Details           map[string]interface{}
}

// ParseDenial extracts a Denial from a 402 response body. Detail fields are
// best-effort: a missing or mistyped detail leaves the zero value.
func ParseDenial(body []byte) (*Denial, error) {
	var prb PaymentRequiredBody
	if err := json.Unmarshal(body, &prb); err != nil {
		return nil, fmt.Errorf("invalid payment required body: %w", err)
	}

	d := &Denial{
		Reason:  prb.Reason,
		Details: prb.Details,
	}
	if d.Reason == "" {
		d.Reason = prb.Error
	}

	d.OverrideAvailable, _ = prb.Details[DetailOverrideAvailable].(bool)
	d.SignMessage, _ = prb.Details[DetailSignMessage].(string)
	d.Amount = detailInt64(prb.Details, DetailAmount)
	d.Limit = detailInt64(prb.Details, DetailLimit)
	d.DailySpent = detailInt64(prb.Details, DetailDailySpent)

	return d, nil
}

// detailInt64 reads a numeric detail that may have decoded as float64 (JSON
// number) or been placed as an int64/int by local code.
func detailInt64(details map[string]interface{}, key string) int64 {
	switch v := details[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	default:
		return 0
	}
}

// ProxyRequest forwards a generic-merchant request to the backend's
// passthrough endpoint. Body is base64-encoded; Challenge is the decoded
// external payment challenge.
type ProxyRequest struct {
	URL            string            `json:"url"`
	Method         string            `json:"method"`
	Headers        map[string]string `json:"headers,omitempty"`
	Body           string            `json:"body,omitempty"`
	Challenge      json.RawMessage   `json:"challenge"`
	IdempotencyKey string            `json:"idempotency_key"`
}

// ProxyResponse carries the destination's reconstructed response plus the
// settlement record for the passthrough payment.
type ProxyResponse struct {
	StatusCode  int               `json:"status_code"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        string            `json:"body,omitempty"`
	Transaction *ProxyTransaction `json:"transaction,omitempty"`
}

// ProxyTransaction records a generic-merchant passthrough payment.
type ProxyTransaction struct {
	ID             string `json:"transaction_id"`
	SourceRequest  string `json:"source_request_id"`
	DestinationURL string `json:"destination_url"`
	Amount         int64  `json:"amount"`
	SettlementRef  string `json:"settlement_ref,omitempty"`
}
