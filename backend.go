package agon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"
)

// Default transport timeouts. The consumer tolerates a slower backend than a
// merchant sitting in a request path.
const (
	DefaultConsumerTimeout = 10 * time.Second
	DefaultMerchantTimeout = 5 * time.Second
)

const (
	headerContentType   = "Content-Type"
	mimeApplicationJSON = "application/json"
)

// BackendClient is the shared low-level transport to the ledger backend.
// Both the consumer orchestrator and the merchant interceptor speak to the
// backend exclusively through it. Exactly one authentication scheme is
// attached per call: the API key header when a key is set, otherwise
// wallet-signature headers in signature-only mode.
type BackendClient struct {
	baseURL    string
	apiKey     string
	signer     AddressSigner
	timeout    time.Duration
	httpClient *http.Client
}

// BackendOption configures a BackendClient.
type BackendOption func(*BackendClient)

// WithBackendAPIKey sets the persistent API key credential.
func WithBackendAPIKey(key string) BackendOption {
	return func(c *BackendClient) {
		c.apiKey = key
	}
}

// WithBackendSigner sets the wallet signer used in signature-only mode.
// Ignored for calls where an API key is present.
func WithBackendSigner(signer AddressSigner) BackendOption {
	return func(c *BackendClient) {
		c.signer = signer
	}
}

// WithBackendTimeout overrides the per-call timeout.
func WithBackendTimeout(d time.Duration) BackendOption {
	return func(c *BackendClient) {
		c.timeout = d
	}
}

// WithBackendHTTPClient overrides the underlying HTTP client.
func WithBackendHTTPClient(hc *http.Client) BackendOption {
	return func(c *BackendClient) {
		c.httpClient = hc
	}
}

// NewBackendClient creates a backend transport client. The default timeout is
// DefaultConsumerTimeout; merchant-side constructors override it.
func NewBackendClient(baseURL string, opts ...BackendOption) (*BackendClient, error) {
	if baseURL == "" {
		return nil, NewProtocolError(http.StatusInternalServerError, ErrCodeValidation,
			"backend URL is required", nil)
	}

	c := &BackendClient{
		baseURL:    baseURL,
		timeout:    DefaultConsumerTimeout,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// WithAPIKey returns a shallow copy using the given API key. Used by the
// consumer so that in-flight calls keep the credential they captured while
// later calls observe a rotated key.
func (c *BackendClient) WithAPIKey(key string) *BackendClient {
	clone := *c
	clone.apiKey = key
	return &clone
}

// send performs one JSON round-trip to the backend and normalizes every
// failure surface into the protocol error taxonomy.
func (c *BackendClient) send(ctx context.Context, method, path string, body interface{}) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set(headerContentType, mimeApplicationJSON)

	if err := c.attachAuth(ctx, req, method, path); err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(method+" "+path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransportError(method+" "+path, err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, decodeBackendError(resp.StatusCode, raw)
	}

	return raw, nil
}

// attachAuth sets exactly one authentication scheme: API key when present,
// wallet-signature headers otherwise. Signature-only mode signs
// "<timestamp>:<method>:<path>".
func (c *BackendClient) attachAuth(ctx context.Context, req *http.Request, method, path string) error {
	if c.apiKey != "" {
		req.Header.Set(APIKeyHeader, c.apiKey)
		return nil
	}
	if c.signer == nil {
		return nil
	}

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	ov, err := c.signer.Sign(ctx, ts+":"+method+":"+path)
	if err != nil {
		return fmt.Errorf("failed to sign backend request: %w", err)
	}
	req.Header.Set(PublicKeyHeader, c.signer.Address())
	req.Header.Set(SignatureHeader, ov.Signature)
	req.Header.Set(TimestampHeader, ts)
	return nil
}

// classifyTransportError maps client-side failures into the taxonomy: a
// timeout is distinct from an unreachable host, and both are distinct from
// backend-reported errors.
func classifyTransportError(op string, err error) *ProtocolError {
	if errors.Is(err, context.DeadlineExceeded) {
		return newTimeoutError(op, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return newTimeoutError(op, err)
	}
	return newUnreachableError(op, err)
}

// decodeBackendError maps a backend JSON error body into a ProtocolError,
// passing the backend's code through untouched.
func decodeBackendError(status int, body []byte) *ProtocolError {
	var pe ProtocolError
	if err := json.Unmarshal(body, &pe); err == nil && pe.Code != "" {
		pe.Status = status
		return &pe
	}
	return &ProtocolError{
		Status:  status,
		Code:    ErrCodeInternal,
		Message: fmt.Sprintf("backend returned status %d with unrecognized body", status),
	}
}

// CreateToken issues a capability token for the authenticated account.
func (c *BackendClient) CreateToken(ctx context.Context, req CreateTokenRequest) (*TokenResponse, error) {
	raw, err := c.send(ctx, http.MethodPost, PathCreateToken, req)
	if err != nil {
		return nil, err
	}
	var resp TokenResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	return &resp, nil
}

// Authorize asks the backend to reserve funds against a capability token.
// Denials come back as a decoded response with Status "denied", not as an
// error; errors are reserved for malformed requests and transport failures.
func (c *BackendClient) Authorize(ctx context.Context, req AuthorizeRequest) (*AuthorizeResponse, error) {
	raw, err := c.send(ctx, http.MethodPost, PathAuthorize, req)
	if err != nil {
		return nil, err
	}
	var resp AuthorizeResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode authorize response: %w", err)
	}
	return &resp, nil
}

// Consume finalizes a reservation.
func (c *BackendClient) Consume(ctx context.Context, reservationID string) (*ConsumeResponse, error) {
	raw, err := c.send(ctx, http.MethodPost, PathConsume, ConsumeRequest{ReservationID: reservationID})
	if err != nil {
		return nil, err
	}
	var resp ConsumeResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode consume response: %w", err)
	}
	return &resp, nil
}

// Release returns a held amount to the available balance.
func (c *BackendClient) Release(ctx context.Context, reservationID string) (*ReleaseResponse, error) {
	raw, err := c.send(ctx, http.MethodPost, PathRelease, ReleaseRequest{ReservationID: reservationID})
	if err != nil {
		return nil, err
	}
	var resp ReleaseResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode release response: %w", err)
	}
	return &resp, nil
}

// Proxy forwards a generic-merchant request for the backend to pay on the
// consumer's behalf.
func (c *BackendClient) Proxy(ctx context.Context, req ProxyRequest) (*ProxyResponse, error) {
	raw, err := c.send(ctx, http.MethodPost, PathProxy, req)
	if err != nil {
		return nil, err
	}
	var resp ProxyResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode proxy response: %w", err)
	}
	return &resp, nil
}
