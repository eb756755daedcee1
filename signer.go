package agon

import (
	"context"
	"net/http"
)

// OverrideSigner produces a detached signature over a canonical challenge
// string. Implementations hold either a local private key (signers/evm,
// signers/svm) or delegate to an external wallet (DelegatedSigner).
type OverrideSigner interface {
	Sign(ctx context.Context, message string) (Override, error)
}

// AddressSigner is an OverrideSigner that can also report the public address
// of its key. Required for wallet-signature backend authentication, where the
// public key rides alongside the signature.
type AddressSigner interface {
	OverrideSigner
	Address() string
}

// SignFunc is an injected asynchronous signing capability, e.g. a browser
// wallet or remote KMS. It returns the encoded signature for the given
// message.
type SignFunc func(ctx context.Context, message string) (string, error)

// DelegatedSigner wraps a SignFunc as an OverrideSigner.
type DelegatedSigner struct {
	sign    SignFunc
	address string
}

// NewDelegatedSigner creates a signer from an injected signing function.
// The address is optional; supply it when the signer should also serve
// wallet-signature backend auth.
func NewDelegatedSigner(sign SignFunc, address string) (*DelegatedSigner, error) {
	if sign == nil {
		return nil, NewProtocolError(http.StatusInternalServerError, ErrCodeValidation,
			"delegated signer requires a signing function", nil)
	}
	return &DelegatedSigner{sign: sign, address: address}, nil
}

// Sign invokes the delegated signing function.
func (s *DelegatedSigner) Sign(ctx context.Context, message string) (Override, error) {
	sig, err := s.sign(ctx, message)
	if err != nil {
		return Override{}, err
	}
	return Override{Signature: sig, Message: message}, nil
}

// Address returns the configured address, or "" if none was supplied.
func (s *DelegatedSigner) Address() string {
	return s.address
}
