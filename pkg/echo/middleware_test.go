package echo

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	agon "github.com/agon-protocol/agon/go"
)

type ledgerStub struct {
	mu        sync.Mutex
	authorize int
	consume   int
	release   int
}

func newLedgerStub(t *testing.T) (*ledgerStub, string) {
	t.Helper()
	l := &ledgerStub{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		l.mu.Lock()
		defer l.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")

		switch r.URL.Path {
		case agon.PathAuthorize:
			l.authorize++
			id := fmt.Sprintf("res-%d", l.authorize)
			json.NewEncoder(w).Encode(agon.AuthorizeResponse{
				ReservationID: &id,
				Status:        agon.StatusApproved,
				Amount:        1000,
			})
		case agon.PathConsume:
			l.consume++
			json.NewEncoder(w).Encode(agon.ConsumeResponse{Status: agon.ReservationConsumed})
		case agon.PathRelease:
			l.release++
			json.NewEncoder(w).Encode(agon.ReleaseResponse{Status: agon.ReservationReleased})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return l, srv.URL
}

func newServer(t *testing.T, ledgerURL string, handler echo.HandlerFunc) *echo.Echo {
	t.Helper()
	ic, err := agon.NewInterceptor(ledgerURL, "pk-test", agon.WithPrice(1000))
	require.NoError(t, err)

	e := echo.New()
	e.Use(PaymentMiddleware(ic))
	e.GET("/weather", handler)
	return e
}

func TestEchoMiddlewareNoToken(t *testing.T) {
	ledger, url := newLedgerStub(t)

	handlerCalled := false
	e := newServer(t, url, func(c echo.Context) error {
		handlerCalled = true
		return c.NoContent(http.StatusOK)
	})

	w := httptest.NewRecorder()
	e.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/weather", nil))

	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.False(t, handlerCalled)

	var body agon.PaymentRequiredBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "payment_required", body.Error)
	assert.Zero(t, ledger.authorize)
}

func TestEchoMiddlewareSuccessConsumes(t *testing.T) {
	ledger, url := newLedgerStub(t)

	e := newServer(t, url, func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]int{"temp": 21})
	})

	req := httptest.NewRequest(http.MethodGet, "/weather", nil)
	req.Header.Set(agon.TokenHeader, "tok-1")
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, ledger.consume)
	assert.Zero(t, ledger.release)
}

func TestEchoMiddlewareHandlerErrorReleases(t *testing.T) {
	ledger, url := newLedgerStub(t)

	e := newServer(t, url, func(c echo.Context) error {
		return errors.New("tool broke")
	})

	req := httptest.NewRequest(http.MethodGet, "/weather", nil)
	req.Header.Set(agon.TokenHeader, "tok-1")
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Zero(t, ledger.consume)
	assert.Equal(t, 1, ledger.release)
}

func TestEchoMiddlewareErrorStatusReleases(t *testing.T) {
	ledger, url := newLedgerStub(t)

	e := newServer(t, url, func(c echo.Context) error {
		return c.JSON(http.StatusBadGateway, map[string]string{"error": "upstream broke"})
	})

	req := httptest.NewRequest(http.MethodGet, "/weather", nil)
	req.Header.Set(agon.TokenHeader, "tok-1")
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Zero(t, ledger.consume)
	assert.Equal(t, 1, ledger.release)
}
