package agon

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// stubBackend is an httptest ledger backend shared by the transport, consumer
// and interceptor tests. Handlers are overridable per test; the defaults
// approve everything.
type stubBackend struct {
	t   *testing.T
	srv *httptest.Server

	mu               sync.Mutex
	createTokenCalls int
	authorizeCalls   int
	consumeCalls     int
	releaseCalls     int
	proxyCalls       int

	lastCreateToken   CreateTokenRequest
	lastAuthorize     AuthorizeRequest
	lastConsume       string
	lastRelease       string
	lastProxy         ProxyRequest
	lastHeaders       http.Header
	usedTokens        map[string]bool
	consumedReservations map[string]bool

	onCreateToken func(req CreateTokenRequest) (int, interface{})
	onAuthorize   func(req AuthorizeRequest) (int, interface{})
	onConsume     func(reservationID string) (int, interface{})
	onRelease     func(reservationID string) (int, interface{})
	onProxy       func(req ProxyRequest) (int, interface{})
}

func newStubBackend(t *testing.T) *stubBackend {
	t.Helper()
	b := &stubBackend{
		t:                    t,
		usedTokens:           make(map[string]bool),
		consumedReservations: make(map[string]bool),
	}
	b.srv = httptest.NewServer(http.HandlerFunc(b.handle))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *stubBackend) URL() string { return b.srv.URL }

func (b *stubBackend) handle(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastHeaders = r.Header.Clone()

	var status int
	var body interface{}

	switch r.URL.Path {
	case PathCreateToken:
		b.createTokenCalls++
		var req CreateTokenRequest
		decodeStubBody(b.t, r, &req)
		b.lastCreateToken = req
		if b.onCreateToken != nil {
			status, body = b.onCreateToken(req)
		} else {
			status, body = http.StatusOK, TokenResponse{
				Token:     fmt.Sprintf("tok-%d", b.createTokenCalls),
				ExpiresIn: req.TTLSeconds,
			}
		}

	case PathAuthorize:
		b.authorizeCalls++
		var req AuthorizeRequest
		decodeStubBody(b.t, r, &req)
		b.lastAuthorize = req
		if b.onAuthorize != nil {
			status, body = b.onAuthorize(req)
		} else if b.usedTokens[req.ConsumerToken] {
			status, body = http.StatusOK, AuthorizeResponse{
				Status: StatusDenied,
				Reason: ErrCodeTokenAlreadyUsed,
				Amount: req.Amount,
			}
		} else {
			b.usedTokens[req.ConsumerToken] = true
			id := fmt.Sprintf("res-%d", b.authorizeCalls)
			status, body = http.StatusOK, AuthorizeResponse{
				ReservationID: &id,
				Status:        StatusApproved,
				Amount:        req.Amount,
			}
		}

	case PathConsume:
		b.consumeCalls++
		var req ConsumeRequest
		decodeStubBody(b.t, r, &req)
		b.lastConsume = req.ReservationID
		if b.onConsume != nil {
			status, body = b.onConsume(req.ReservationID)
		} else if b.consumedReservations[req.ReservationID] {
			status, body = http.StatusConflict, ProtocolError{
				Code:    ErrCodeAlreadyConsumed,
				Message: "reservation already consumed",
			}
		} else {
			b.consumedReservations[req.ReservationID] = true
			status, body = http.StatusOK, ConsumeResponse{
				ReservationID: req.ReservationID,
				Status:        ReservationConsumed,
			}
		}

	case PathRelease:
		b.releaseCalls++
		var req ReleaseRequest
		decodeStubBody(b.t, r, &req)
		b.lastRelease = req.ReservationID
		if b.onRelease != nil {
			status, body = b.onRelease(req.ReservationID)
		} else {
			status, body = http.StatusOK, ReleaseResponse{
				ReservationID: req.ReservationID,
				Status:        ReservationReleased,
			}
		}

	case PathProxy:
		b.proxyCalls++
		var req ProxyRequest
		decodeStubBody(b.t, r, &req)
		b.lastProxy = req
		if b.onProxy != nil {
			status, body = b.onProxy(req)
		} else {
			status, body = http.StatusOK, ProxyResponse{StatusCode: http.StatusOK}
		}

	default:
		status, body = http.StatusNotFound, ProtocolError{
			Code:    ErrCodeValidation,
			Message: "unknown path " + r.URL.Path,
		}
	}

	w.Header().Set(headerContentType, mimeApplicationJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		b.t.Errorf("stub backend: encode response: %v", err)
	}
}

func (b *stubBackend) counts() (createToken, authorize, consume, release, proxy int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.createTokenCalls, b.authorizeCalls, b.consumeCalls, b.releaseCalls, b.proxyCalls
}

func decodeStubBody(t *testing.T, r *http.Request, out interface{}) {
	t.Helper()
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		t.Errorf("stub backend: decode %s body: %v", r.URL.Path, err)
	}
}
