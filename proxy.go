package agon

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"
)

// base64Regex requires at least one character of standard base64.
var base64Regex = regexp.MustCompile(`^[A-Za-z0-9+/]+={0,2}$`)

// paymentChallengeSchema is the minimal shape a generic external payment
// challenge must satisfy before the SDK will forward it to the backend's
// passthrough endpoint. Extra fields pass through untouched.
const paymentChallengeSchema = `{
	"type": "object",
	"required": ["pay_to", "amount", "network"],
	"properties": {
		"pay_to":  {"type": "string", "minLength": 1},
		"amount":  {"type": ["string", "integer"]},
		"network": {"type": "string", "minLength": 1},
		"asset":   {"type": "string"},
		"nonce":   {"type": "string"},
		"expiry":  {"type": ["string", "integer"]}
	}
}`

var challengeSchemaLoader = gojsonschema.NewStringLoader(paymentChallengeSchema)

// DecodePaymentChallenge validates and decodes the generic payment challenge
// header (base64-encoded JSON). The decoded challenge is returned verbatim
// for forwarding; it is validated structurally, never interpreted.
func DecodePaymentChallenge(header string) (json.RawMessage, error) {
	if header == "" {
		return nil, NewProtocolError(http.StatusBadRequest, ErrCodeInvalidPaymentChallenge,
			"payment challenge header is empty", nil)
	}
	if !base64Regex.MatchString(header) {
		return nil, NewProtocolError(http.StatusBadRequest, ErrCodeInvalidPaymentChallenge,
			"payment challenge is not valid base64", nil)
	}

	decoded, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, NewProtocolError(http.StatusBadRequest, ErrCodeInvalidPaymentChallenge,
			fmt.Sprintf("payment challenge base64 decoding failed: %v", err), nil)
	}

	result, err := gojsonschema.Validate(challengeSchemaLoader, gojsonschema.NewBytesLoader(decoded))
	if err != nil {
		return nil, NewProtocolError(http.StatusBadRequest, ErrCodeInvalidPaymentChallenge,
			fmt.Sprintf("payment challenge is not valid JSON: %v", err), nil)
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			details = append(details, e.String())
		}
		return nil, NewProtocolError(http.StatusBadRequest, ErrCodeInvalidPaymentChallenge,
			"payment challenge failed schema validation",
			map[string]interface{}{"errors": details})
	}

	return json.RawMessage(decoded), nil
}

// paymentHeaders are stripped before a request is forwarded through the
// passthrough endpoint; the backend attaches its own payment material.
var paymentHeaders = []string{
	TokenHeader,
	APIKeyHeader,
	OverrideSignatureHeader,
	OverrideMessageHeader,
	PaymentChallengeHeader,
	PaymentSignatureHeader,
	PaymentResponseHeader,
}

// StripPaymentHeaders copies h into a flat map, dropping every protocol
// payment header. Multi-valued headers keep their first value.
func StripPaymentHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		if len(values) == 0 {
			continue
		}
		skip := false
		for _, ph := range paymentHeaders {
			if strings.EqualFold(name, ph) {
				skip = true
				break
			}
		}
		if !skip {
			out[name] = values[0]
		}
	}
	return out
}

// NewIdempotencyKey generates a fresh passthrough idempotency key:
// millisecond timestamp plus a random suffix.
func NewIdempotencyKey() string {
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}
