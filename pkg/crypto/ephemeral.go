// Package crypto implements the ephemeral key agreement behind the secure
// channel: per-run ECDH key pairs, random nonces, HKDF channel keys and the
// channel token. Nothing in this package persists key material.
package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

// Named curves accepted for key agreement.
const (
	CurveP256   = "P-256"
	CurveP384   = "P-384"
	CurveX25519 = "X25519"

	DefaultCurve = CurveP256

	// MinNonceSize is the smallest nonce the channel accepts.
	MinNonceSize = 16
	// DefaultNonceSize is used when callers do not configure one.
	DefaultNonceSize = 32
)

var (
	ErrUnsupportedCurve = errors.New("crypto: unsupported curve")
	ErrMalformedPeerKey = errors.New("crypto: malformed peer public key")
	ErrCurveMismatch    = errors.New("crypto: peer curve does not match local curve")
	ErrNonceTooShort    = errors.New("crypto: nonce shorter than minimum")
	ErrKeyDiscarded     = errors.New("crypto: ephemeral key already discarded")
)

// KeyAgreement generates ephemeral key pairs on one named curve.
type KeyAgreement struct {
	name  string
	curve ecdh.Curve
	rand  io.Reader
}

// NewKeyAgreement returns a key agreement for the named curve. An empty name
// selects DefaultCurve.
func NewKeyAgreement(name string) (*KeyAgreement, error) {
	if name == "" {
		name = DefaultCurve
	}
	c, err := curveByName(name)
	if err != nil {
		return nil, err
	}
	return &KeyAgreement{name: name, curve: c, rand: rand.Reader}, nil
}

// WithRand replaces the entropy source. Tests only.
func (ka *KeyAgreement) WithRand(r io.Reader) *KeyAgreement {
	ka.rand = r
	return ka
}

// Curve returns the curve name.
func (ka *KeyAgreement) Curve() string { return ka.name }

func curveByName(name string) (ecdh.Curve, error) {
	switch name {
	case CurveP256:
		return ecdh.P256(), nil
	case CurveP384:
		return ecdh.P384(), nil
	case CurveX25519:
		return ecdh.X25519(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCurve, name)
	}
}

// SupportedCurve reports whether name is an accepted curve.
func SupportedCurve(name string) bool {
	_, err := curveByName(name)
	return err == nil
}

// EphemeralKey is a single-run key pair. Discard drops the private half.
type EphemeralKey struct {
	curve string
	priv  *ecdh.PrivateKey
	pub   []byte
}

// Generate creates a fresh key pair.
func (ka *KeyAgreement) Generate() (*EphemeralKey, error) {
	priv, err := ka.curve.GenerateKey(ka.rand)
	if err != nil {
		return nil, fmt.Errorf("crypto: key generation failed: %w", err)
	}
	return &EphemeralKey{curve: ka.name, priv: priv, pub: priv.PublicKey().Bytes()}, nil
}

// Curve returns the key's curve name.
func (k *EphemeralKey) Curve() string { return k.curve }

// PublicKeyBytes returns the encoded public key (uncompressed point for NIST curves).
func (k *EphemeralKey) PublicKeyBytes() []byte {
	return append([]byte(nil), k.pub...)
}

// Discard drops the private key. The key cannot be used afterwards.
func (k *EphemeralKey) Discard() {
	if k == nil {
		return
	}
	k.priv = nil
}

// DeriveShared computes the ECDH shared secret with the peer's public key.
// The caller owns the returned slice and should Wipe it after use.
func (ka *KeyAgreement) DeriveShared(key *EphemeralKey, peerPublicKey []byte) ([]byte, error) {
	if key == nil || key.priv == nil {
		return nil, ErrKeyDiscarded
	}
	if key.curve != ka.name {
		return nil, fmt.Errorf("%w: key is %s, agreement is %s", ErrCurveMismatch, key.curve, ka.name)
	}
	if len(peerPublicKey) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrMalformedPeerKey)
	}
	peer, err := ka.curve.NewPublicKey(peerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPeerKey, err)
	}
	shared, err := key.priv.ECDH(peer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPeerKey, err)
	}
	return shared, nil
}

// NewNonce returns size random bytes. size must be at least MinNonceSize.
func NewNonce(size int) ([]byte, error) {
	if size < MinNonceSize {
		return nil, fmt.Errorf("%w: %d < %d", ErrNonceTooShort, size, MinNonceSize)
	}
	n := make([]byte, size)
	if _, err := io.ReadFull(rand.Reader, n); err != nil {
		return nil, fmt.Errorf("crypto: nonce generation failed: %w", err)
	}
	return n, nil
}

// Wipe zeroes b in place.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
