package crypto

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
)

const (
	// ChannelKeyInfo is the HKDF info string binding derived keys to the channel token.
	ChannelKeyInfo = "pisa/channel-token/v1"
	// ChannelKeySize is the HMAC key length derived from the shared secret.
	ChannelKeySize = 32

	channelIssuer   = "pisa"
	channelAudience = "pisa.page"
)

var (
	ErrEmptySecret   = errors.New("crypto: empty shared secret")
	ErrInvalidToken  = errors.New("crypto: invalid channel token")
	ErrAnchorMissing = errors.New("crypto: channel token anchor missing")
)

// DeriveChannelKey expands the ECDH shared secret into a channel key with
// HKDF-SHA256. Both nonces form the salt so each run yields a distinct key
// even if a peer reuses its key pair.
func DeriveChannelKey(shared, clientNonce, serverNonce []byte, info string) ([]byte, error) {
	if len(shared) == 0 {
		return nil, ErrEmptySecret
	}
	if info == "" {
		info = ChannelKeyInfo
	}
	salt := make([]byte, 0, len(clientNonce)+len(serverNonce))
	salt = append(salt, clientNonce...)
	salt = append(salt, serverNonce...)

	r := hkdf.New(sha256.New, shared, salt, []byte(info))
	key := make([]byte, ChannelKeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("crypto: HKDF derivation failed: %w", err)
	}
	return key, nil
}

// ChannelClaims are carried by the channel token. Anchor is the digest of the
// SECURE_CHANNEL stage, binding the token to one sealed chain.
type ChannelClaims struct {
	jwt.RegisteredClaims
	Anchor string `json:"anc"`
	Curve  string `json:"crv,omitempty"`
}

// IssueChannelToken signs claims with the channel key (HS256).
// Subject is the host session and ID is the run id.
func IssueChannelToken(key []byte, claims ChannelClaims, now time.Time, ttl time.Duration) (string, error) {
	if len(key) == 0 {
		return "", ErrEmptySecret
	}
	if claims.Anchor == "" {
		return "", ErrAnchorMissing
	}
	claims.Issuer = channelIssuer
	claims.Audience = jwt.ClaimStrings{channelAudience}
	claims.IssuedAt = jwt.NewNumericDate(now)
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("crypto: sign channel token: %w", err)
	}
	return signed, nil
}

// VerifyChannelToken parses and validates a channel token against key.
func VerifyChannelToken(tokenString string, key []byte, now time.Time) (*ChannelClaims, error) {
	claims := &ChannelClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(channelIssuer),
		jwt.WithAudience(channelAudience),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Anchor == "" {
		return nil, ErrAnchorMissing
	}
	return claims, nil
}
