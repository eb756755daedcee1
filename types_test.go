package agon

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOverrideChallenge(t *testing.T) {
	got := OverrideChallenge("acct-1", "req-9", 2_000_000, "api.example.com", 1700000000)
	assert.Equal(t, "agon:override:acct-1:req-9:2000000:api.example.com:1700000000", got)
}

func TestParseDenial(t *testing.T) {
	body, err := json.Marshal(PaymentRequiredBody{
		Error:  "payment_required",
		Reason: ErrCodeSpendingLimitExceeded,
		Details: map[string]interface{}{
			DetailOverrideAvailable: true,
			DetailSignMessage:       "agon:override:a:r:2000000:m:1",
			DetailAmount:            2_000_000,
			DetailLimit:             1_000_000,
			DetailDailySpent:        800_000,
		},
	})
	require.NoError(t, err)

	denial, err := ParseDenial(body)
	require.NoError(t, err)

	assert.Equal(t, ErrCodeSpendingLimitExceeded, denial.Reason)
	assert.True(t, denial.OverrideAvailable)
	assert.Equal(t, "agon:override:a:r:2000000:m:1", denial.SignMessage)
	assert.Equal(t, int64(2_000_000), denial.Amount)
	assert.Equal(t, int64(1_000_000), denial.Limit)
	assert.Equal(t, int64(800_000), denial.DailySpent)
}

func TestParseDenialBareBody(t *testing.T) {
	denial, err := ParseDenial([]byte(`{"error":"payment_required","payment_info":{"price":1000,"currency":"USDC"}}`))
	require.NoError(t, err)

	assert.Equal(t, "payment_required", denial.Reason)
	assert.False(t, denial.OverrideAvailable)
	assert.Empty(t, denial.SignMessage)
	assert.Zero(t, denial.Amount)
}

func TestParseDenialInvalidJSON(t *testing.T) {
	_, err := ParseDenial([]byte("<html>nope</html>"))
	assert.Error(t, err)
}

func TestAuthorizeResponseApproved(t *testing.T) {
	id := "res-1"
	assert.True(t, (&AuthorizeResponse{Status: StatusApproved, ReservationID: &id}).Approved())
	assert.False(t, (&AuthorizeResponse{Status: StatusApproved}).Approved(), "approved without a reservation id is malformed")
	assert.False(t, (&AuthorizeResponse{Status: StatusDenied, ReservationID: &id}).Approved())
}
