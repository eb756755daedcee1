// Package svm provides an ed25519 override signer for Solana keypairs, with
// base58-encoded signatures.
package svm

import (
	"context"
	"fmt"

	solana "github.com/gagliardetto/solana-go"

	agon "github.com/agon-protocol/agon/go"
)

// Signer signs override challenges with a local ed25519 private key.
type Signer struct {
	privateKey solana.PrivateKey
}

// NewSignerFromPrivateKey creates a signer from a base58-encoded private key.
func NewSignerFromPrivateKey(privateKeyBase58 string) (*Signer, error) {
	privateKey, err := solana.PrivateKeyFromBase58(privateKeyBase58)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return &Signer{privateKey: privateKey}, nil
}

// Address returns the signer's base58 public key.
func (s *Signer) Address() string {
	return s.privateKey.PublicKey().String()
}

// Sign produces a detached ed25519 signature over the UTF-8 bytes of the
// message, base58-encoded.
func (s *Signer) Sign(_ context.Context, message string) (agon.Override, error) {
	signature, err := s.privateKey.Sign([]byte(message))
	if err != nil {
		return agon.Override{}, fmt.Errorf("failed to sign: %w", err)
	}
	return agon.Override{
		Signature: signature.String(),
		Message:   message,
	}, nil
}

// Verify checks that signatureBase58 over message was produced by the base58
// public key address.
func Verify(address, signatureBase58, message string) error {
	pub, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return fmt.Errorf("invalid public key: %w", err)
	}
	sig, err := solana.SignatureFromBase58(signatureBase58)
	if err != nil {
		return fmt.Errorf("invalid signature encoding: %w", err)
	}
	if !pub.Verify([]byte(message), sig) {
		return fmt.Errorf("signature does not verify for %s", address)
	}
	return nil
}
