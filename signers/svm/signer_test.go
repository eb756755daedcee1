package svm

import (
	"context"
	"testing"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	agon "github.com/agon-protocol/agon/go"
)

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	wallet := solana.NewWallet()
	signer, err := NewSignerFromPrivateKey(wallet.PrivateKey.String())
	require.NoError(t, err)
	return signer
}

func TestNewSignerFromPrivateKey(t *testing.T) {
	wallet := solana.NewWallet()
	signer, err := NewSignerFromPrivateKey(wallet.PrivateKey.String())
	require.NoError(t, err)
	assert.Equal(t, wallet.PublicKey().String(), signer.Address())

	_, err = NewSignerFromPrivateKey("not-base58!!")
	assert.Error(t, err)
}

func TestSignAndVerify(t *testing.T) {
	signer := newTestSigner(t)
	challenge := agon.OverrideChallenge("acct-1", "req-1", 2_000_000, "merchant.example.com", time.Now().Unix())

	override, err := signer.Sign(context.Background(), challenge)
	require.NoError(t, err)
	assert.Equal(t, challenge, override.Message)

	require.NoError(t, Verify(signer.Address(), override.Signature, challenge))
}

func TestChallengeBindingPreventsReplay(t *testing.T) {
	signer := newTestSigner(t)
	now := time.Now().Unix()

	original := agon.OverrideChallenge("acct-1", "req-1", 2_000_000, "merchant.example.com", now)
	override, err := signer.Sign(context.Background(), original)
	require.NoError(t, err)

	tampered := agon.OverrideChallenge("acct-1", "req-1", 9_000_000, "merchant.example.com", now)
	assert.Error(t, Verify(signer.Address(), override.Signature, tampered))
}

func TestVerifyRejectsWrongSigner(t *testing.T) {
	alice := newTestSigner(t)
	mallory := newTestSigner(t)
	challenge := agon.OverrideChallenge("acct-1", "req-1", 1000, "merchant.example.com", time.Now().Unix())

	override, err := mallory.Sign(context.Background(), challenge)
	require.NoError(t, err)

	assert.Error(t, Verify(alice.Address(), override.Signature, challenge))
}
