package agon

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// OverrideDecision is the outcome of a spending-limit prompt.
type OverrideDecision string

const (
	OverrideApprove OverrideDecision = "approve"
	OverrideReject  OverrideDecision = "reject"
)

// SpendingLimitPrompt carries everything a decision callback needs to judge a
// spending-limit denial.
type SpendingLimitPrompt struct {
	Reason      string
	Amount      int64
	Limit       int64
	DailySpent  int64
	SignMessage string
}

// SpendingLimitFunc decides whether to override a spending-limit denial.
// It is invoked at most once per Do call and is subject to the consumer's
// transport timeout.
type SpendingLimitFunc func(ctx context.Context, prompt SpendingLimitPrompt) (OverrideDecision, error)

// Consumer is the request orchestrator for the paying side of the protocol.
// Each Do call issues a fresh single-use capability token, dispatches the
// request, and handles "payment required" responses: generic challenges go
// through the backend's passthrough endpoint, spending-limit denials can be
// overridden once via the configured signer and decision callback.
//
// A Consumer is safe for concurrent use. SetAPIKey and SetAccountID are
// last-writer-wins: calls already in flight keep the credential they
// captured.
type Consumer struct {
	mu        sync.RWMutex
	apiKey    string
	accountID string

	signer          OverrideSigner
	onSpendingLimit SpendingLimitFunc

	backend    *BackendClient
	httpClient *http.Client
	timeout    time.Duration
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*consumerConfig)

type consumerConfig struct {
	apiKey          string
	accountID       string
	signer          OverrideSigner
	signerVariants  int
	onSpendingLimit SpendingLimitFunc
	httpClient      *http.Client
	timeout         time.Duration
}

// WithAPIKey sets the long-lived account credential used for direct backend
// calls. It is never attached to merchant-bound requests.
func WithAPIKey(key string) ConsumerOption {
	return func(c *consumerConfig) {
		c.apiKey = key
	}
}

// WithAccountID sets the account identifier used in override challenges.
func WithAccountID(id string) ConsumerOption {
	return func(c *consumerConfig) {
		c.accountID = id
	}
}

// WithSigner sets a key-holding override signer (signers/evm, signers/svm).
// Mutually exclusive with WithDelegatedSigner.
func WithSigner(signer OverrideSigner) ConsumerOption {
	return func(c *consumerConfig) {
		c.signer = signer
		c.signerVariants++
	}
}

// WithDelegatedSigner sets an injected signing function, e.g. a browser
// wallet. Mutually exclusive with WithSigner.
func WithDelegatedSigner(sign SignFunc, address string) ConsumerOption {
	return func(c *consumerConfig) {
		signer, err := NewDelegatedSigner(sign, address)
		if err != nil {
			// nil SignFunc; surfaces as a variant-count error in NewConsumer.
			return
		}
		c.signer = signer
		c.signerVariants++
	}
}

// WithSpendingLimitFunc sets the override decision callback. Without it,
// spending-limit denials are terminal.
func WithSpendingLimitFunc(fn SpendingLimitFunc) ConsumerOption {
	return func(c *consumerConfig) {
		c.onSpendingLimit = fn
	}
}

// WithHTTPClient overrides the HTTP client used for merchant dispatch.
func WithHTTPClient(hc *http.Client) ConsumerOption {
	return func(c *consumerConfig) {
		c.httpClient = hc
	}
}

// WithTimeout overrides the consumer transport timeout (default 10s). The
// same timeout bounds the spending-limit decision callback.
func WithTimeout(d time.Duration) ConsumerOption {
	return func(c *consumerConfig) {
		c.timeout = d
	}
}

// NewConsumer creates a consumer orchestrator against the given backend.
// Signer configuration is validated here, not at first use: at most one
// signer variant may be set.
func NewConsumer(backendURL string, opts ...ConsumerOption) (*Consumer, error) {
	cfg := &consumerConfig{
		timeout: DefaultConsumerTimeout,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.signerVariants > 1 {
		return nil, NewProtocolError(http.StatusInternalServerError, ErrCodeValidation,
			"configure exactly one signer variant: keypair or delegated", nil)
	}
	if cfg.onSpendingLimit != nil && cfg.signer == nil {
		return nil, NewProtocolError(http.StatusInternalServerError, ErrCodeValidation,
			"spending-limit overrides require a signer", nil)
	}

	backendOpts := []BackendOption{WithBackendTimeout(cfg.timeout)}
	if cfg.apiKey != "" {
		backendOpts = append(backendOpts, WithBackendAPIKey(cfg.apiKey))
	} else if as, ok := cfg.signer.(AddressSigner); ok && as.Address() != "" {
		backendOpts = append(backendOpts, WithBackendSigner(as))
	}

	backend, err := NewBackendClient(backendURL, backendOpts...)
	if err != nil {
		return nil, err
	}

	hc := cfg.httpClient
	if hc == nil {
		hc = http.DefaultClient
	}

	return &Consumer{
		apiKey:          cfg.apiKey,
		accountID:       cfg.accountID,
		signer:          cfg.signer,
		onSpendingLimit: cfg.onSpendingLimit,
		backend:         backend,
		httpClient:      hc,
		timeout:         cfg.timeout,
	}, nil
}

// SetAPIKey replaces the account credential for subsequent calls.
func (c *Consumer) SetAPIKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apiKey = key
}

// SetAccountID replaces the account identifier for subsequent calls.
func (c *Consumer) SetAccountID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accountID = id
}

// credentials snapshots the mutable credential slots.
func (c *Consumer) credentials() (apiKey, accountID string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.apiKey, c.accountID
}

// TokenOptions configures capability token issuance. The zero value issues a
// single-use token with the default TTL and no cap.
type TokenOptions struct {
	TTLSeconds int
	MaxAmount  int64
	Budget     int64
}

// IssueToken obtains a capability token from the backend. Fails without a
// network call when no credential is configured. TTL clamps to [1, 300] with
// a default of 60.
func (c *Consumer) IssueToken(ctx context.Context, opts TokenOptions) (*TokenResponse, error) {
	apiKey, _ := c.credentials()
	if apiKey == "" && c.signer == nil {
		return nil, NewProtocolError(http.StatusUnauthorized, ErrCodeInvalidAPIKey,
			"no account credential configured", nil)
	}

	ttl := opts.TTLSeconds
	switch {
	case ttl == 0:
		ttl = DefaultTokenTTL
	case ttl < MinTokenTTL:
		ttl = MinTokenTTL
	case ttl > MaxTokenTTL:
		ttl = MaxTokenTTL
	}

	return c.backend.WithAPIKey(apiKey).CreateToken(ctx, CreateTokenRequest{
		TTLSeconds: ttl,
		MaxAmount:  opts.MaxAmount,
		Budget:     opts.Budget,
	})
}

// Do dispatches a paid request. The request's token header is always a fresh
// single-use token; the account credential never leaves the consumer-backend
// channel. Non-402 responses are returned unchanged.
func (c *Consumer) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	apiKey, _ := c.credentials()

	body, err := bufferRequestBody(req)
	if err != nil {
		return nil, fmt.Errorf("failed to buffer request body: %w", err)
	}

	token, err := c.IssueToken(ctx, TokenOptions{})
	if err != nil {
		return nil, err
	}

	resp, err := c.dispatch(ctx, req, body, token.Token, nil)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil
	}

	// Generic challenge header marks a non-native merchant: pay through the
	// backend's passthrough endpoint instead.
	if challenge := resp.Header.Get(PaymentChallengeHeader); challenge != "" {
		drain(resp)
		return c.proxyFallback(ctx, req, body, challenge, apiKey)
	}

	respBody, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()
	if readErr != nil {
		return nil, fmt.Errorf("failed to read 402 response body: %w", readErr)
	}

	denial, err := ParseDenial(respBody)
	if err != nil {
		return nil, NewProtocolError(http.StatusPaymentRequired, ErrCodeValidation,
			fmt.Sprintf("unparseable payment required response: %v", err), nil)
	}

	if denial.Reason == ErrCodeSpendingLimitExceeded && denial.OverrideAvailable &&
		denial.SignMessage != "" && c.onSpendingLimit != nil {
		return c.retryWithOverride(ctx, req, body, denial, apiKey)
	}

	return nil, denialError(denial)
}

// Get issues a paid GET request.
func (c *Consumer) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// Post issues a paid POST request.
func (c *Consumer) Post(ctx context.Context, url, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set(headerContentType, contentType)
	}
	return c.Do(req)
}

// Client returns an http.Client whose transport routes every request through
// the orchestrator.
func (c *Consumer) Client() *http.Client {
	return &http.Client{Transport: &paymentTransport{consumer: c}}
}

// paymentTransport adapts the orchestrator to http.RoundTripper.
type paymentTransport struct {
	consumer *Consumer
}

func (t *paymentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.consumer.Do(req)
}

// dispatch sends one attempt to the merchant with the given token and
// optional override attached. The account credential header is stripped
// defensively even if a caller set it.
func (c *Consumer) dispatch(ctx context.Context, req *http.Request, body []byte, token string, override *Override) (*http.Response, error) {
	attempt := req.Clone(ctx)
	if body != nil {
		attempt.Body = io.NopCloser(bytes.NewReader(body))
		attempt.ContentLength = int64(len(body))
	}
	attempt.Header.Set(TokenHeader, token)
	attempt.Header.Del(APIKeyHeader)
	if override != nil {
		attempt.Header.Set(OverrideSignatureHeader, override.Signature)
		attempt.Header.Set(OverrideMessageHeader, override.Message)
	}

	resp, err := c.httpClient.Do(attempt)
	if err != nil {
		return nil, classifyTransportError(req.Method+" "+req.URL.String(), err)
	}
	return resp, nil
}

// retryWithOverride runs the single override retry: decision callback, sign,
// fresh token, one redispatch. A second 402 is terminal.
func (c *Consumer) retryWithOverride(ctx context.Context, req *http.Request, body []byte, denial *Denial, apiKey string) (*http.Response, error) {
	decision, err := c.decideOverride(ctx, SpendingLimitPrompt{
		Reason:      denial.Reason,
		Amount:      denial.Amount,
		Limit:       denial.Limit,
		DailySpent:  denial.DailySpent,
		SignMessage: denial.SignMessage,
	})
	if err != nil {
		return nil, err
	}
	if decision != OverrideApprove {
		return nil, denialError(denial)
	}

	override, err := c.signer.Sign(ctx, denial.SignMessage)
	if err != nil {
		return nil, fmt.Errorf("failed to sign override challenge: %w", err)
	}

	token, err := c.IssueToken(ctx, TokenOptions{})
	if err != nil {
		return nil, err
	}

	resp, err := c.dispatch(ctx, req, body, token.Token, &override)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusPaymentRequired {
		drain(resp)
		return nil, NewProtocolError(http.StatusPaymentRequired, ErrCodeOverrideInvalid,
			"payment still required after override retry", denial.Details)
	}

	return resp, nil
}

// decideOverride invokes the decision callback at most once, bounded by the
// consumer timeout so an unresolving callback cannot hang the request.
func (c *Consumer) decideOverride(ctx context.Context, prompt SpendingLimitPrompt) (OverrideDecision, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	type result struct {
		decision OverrideDecision
		err      error
	}
	ch := make(chan result, 1)
	go func() {
		d, err := c.onSpendingLimit(ctx, prompt)
		ch <- result{d, err}
	}()

	select {
	case <-ctx.Done():
		return OverrideReject, newTimeoutError("override decision", ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return OverrideReject, fmt.Errorf("override decision failed: %w", r.err)
		}
		return r.decision, nil
	}
}

// proxyFallback forwards the original request through the backend's
// passthrough endpoint together with the decoded challenge and a fresh
// idempotency key, then reconstructs the destination's response.
func (c *Consumer) proxyFallback(ctx context.Context, req *http.Request, body []byte, challengeHeader, apiKey string) (*http.Response, error) {
	challenge, err := DecodePaymentChallenge(challengeHeader)
	if err != nil {
		return nil, err
	}

	proxyReq := ProxyRequest{
		URL:            req.URL.String(),
		Method:         req.Method,
		Headers:        StripPaymentHeaders(req.Header),
		Challenge:      challenge,
		IdempotencyKey: NewIdempotencyKey(),
	}
	if len(body) > 0 {
		proxyReq.Body = base64.StdEncoding.EncodeToString(body)
	}

	proxyResp, err := c.backend.WithAPIKey(apiKey).Proxy(ctx, proxyReq)
	if err != nil {
		return nil, err
	}

	return reconstructResponse(req, proxyResp)
}

// reconstructResponse turns a ProxyResponse back into an *http.Response.
func reconstructResponse(req *http.Request, pr *ProxyResponse) (*http.Response, error) {
	var body []byte
	if pr.Body != "" {
		decoded, err := base64.StdEncoding.DecodeString(pr.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to decode proxy response body: %w", err)
		}
		body = decoded
	}

	header := make(http.Header, len(pr.Headers))
	for k, v := range pr.Headers {
		header.Set(k, v)
	}

	status := pr.StatusCode
	if status == 0 {
		status = http.StatusOK
	}

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}, nil
}

// denialError surfaces a structured denial as a terminal error.
func denialError(d *Denial) *ProtocolError {
	code := d.Reason
	if code == "" {
		code = "payment_required"
	}
	return &ProtocolError{
		Status:  http.StatusPaymentRequired,
		Code:    code,
		Message: "payment required",
		Details: d.Details,
	}
}

// bufferRequestBody reads the request body so it can be redispatched on the
// override retry or forwarded through the passthrough endpoint.
func bufferRequestBody(req *http.Request) ([]byte, error) {
	if req.Body == nil {
		return nil, nil
	}
	if req.GetBody != nil {
		rc, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	defer req.Body.Close()
	return io.ReadAll(req.Body)
}

// drain discards and closes a response body so the connection can be reused.
func drain(resp *http.Response) {
	if resp.Body != nil {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
}
