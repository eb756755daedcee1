// Package evm provides an ECDSA private-key override signer using the
// EIP-191 personal-message scheme, so signatures verify with any standard
// Ethereum wallet tooling.
package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	agon "github.com/agon-protocol/agon/go"
)

// Signer signs override challenges with a local ECDSA private key.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewSignerFromPrivateKey creates a signer from a hex-encoded private key
// (with or without "0x" prefix).
func NewSignerFromPrivateKey(privateKeyHex string) (*Signer, error) {
	privateKeyHex = strings.TrimPrefix(privateKeyHex, "0x")

	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	return &Signer{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}, nil
}

// Address returns the signer's Ethereum address.
func (s *Signer) Address() string {
	return s.address.Hex()
}

// Sign produces a detached EIP-191 signature over the UTF-8 bytes of the
// message, hex-encoded with the Ethereum 27/28 recovery id convention.
func (s *Signer) Sign(_ context.Context, message string) (agon.Override, error) {
	digest := accounts.TextHash([]byte(message))

	signature, err := crypto.Sign(digest, s.privateKey)
	if err != nil {
		return agon.Override{}, fmt.Errorf("failed to sign: %w", err)
	}

	// Recovery id 0/1 -> 27/28.
	signature[64] += 27

	return agon.Override{
		Signature: hexutil.Encode(signature),
		Message:   message,
	}, nil
}

// Recover returns the address that produced the given signature over message.
func Recover(signatureHex, message string) (common.Address, error) {
	signature, err := hexutil.Decode(signatureHex)
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if len(signature) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("invalid signature length %d", len(signature))
	}

	sig := make([]byte, crypto.SignatureLength)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}

	return crypto.PubkeyToAddress(*pub), nil
}

// Verify checks that signatureHex over message was produced by address.
func Verify(address, signatureHex, message string) error {
	recovered, err := Recover(signatureHex, message)
	if err != nil {
		return err
	}
	if recovered != common.HexToAddress(address) {
		return fmt.Errorf("signature was produced by %s, not %s", recovered.Hex(), address)
	}
	return nil
}
