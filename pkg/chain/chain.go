package chain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/LexatoBR/lexato-extension-sub002/pkg/canonicalize"
)

// DefaultSeparator joins stage digests before the seal is hashed.
const DefaultSeparator = "|"

var (
	ErrChainLength = errors.New("chain: exactly five stage digests required")
	ErrEmptyDigest = errors.New("chain: empty stage digest")
)

// Assemble computes the chain hash over five ordered stage digests:
// sha256hex(H0 sep H1 sep H2 sep H3 sep H4).
func Assemble(hashes []string, sep string) (string, error) {
	if len(hashes) != Length {
		return "", fmt.Errorf("%w: got %d", ErrChainLength, len(hashes))
	}
	for i, h := range hashes {
		if h == "" {
			return "", fmt.Errorf("%w at stage %d", ErrEmptyDigest, i)
		}
	}
	if sep == "" {
		sep = DefaultSeparator
	}
	return canonicalize.HashString(strings.Join(hashes, sep)), nil
}

// Digest computes a stage digest over its data.
func Digest(data map[string]any) (string, error) {
	h, err := canonicalize.CanonicalHash(data)
	if err != nil {
		return "", fmt.Errorf("chain: stage digest: %w", err)
	}
	return h, nil
}
